package server

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/portablesession/psp/kit"
	"github.com/portablesession/psp/state"
)

// RegisterMCP exposes the session operations as MCP tools so agent
// runtimes can pull, push, and sync sessions without speaking the REST
// surface.
func (s *Server) RegisterMCP(srv *mcp.Server) {
	s.registerSessionsTool(srv)
	s.registerPullTool(srv)
	s.registerPushTool(srv)
	s.registerSyncTool(srv)
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// --- psp_sessions ---

func (s *Server) registerSessionsTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "psp_sessions",
		Description: "List stored browser sessions with their metadata.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	endpoint := func(ctx context.Context, _ any) (any, error) {
		metas, err := s.store.List(ctx)
		if err != nil {
			return nil, err
		}
		if metas == nil {
			metas = []state.Metadata{}
		}
		return map[string]any{"sessions": metas}, nil
	}

	decode := func(_ *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		return &kit.MCPDecodeResult{Request: nil}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

// --- psp_pull ---

type pullReq struct {
	ID string `json:"id"`
}

func (s *Server) registerPullTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "psp_pull",
		Description: "Download a session's state document by id.",
		InputSchema: inputSchema(map[string]any{
			"id": map[string]any{"type": "string", "description": "Session id (ses_...)"},
		}, []string{"id"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*pullReq)
		body, meta, err := s.store.Download(ctx, r.ID)
		if err != nil {
			return nil, err
		}
		if len(body) == 0 {
			body = []byte("null")
		}
		return envelope{Metadata: meta, State: body}, nil
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var r pullReq
		if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
			return nil, err
		}
		if r.ID == "" {
			return nil, fmt.Errorf("id is required")
		}
		return &kit.MCPDecodeResult{
			Request:   &r,
			EnrichCtx: func(ctx context.Context) context.Context { return kit.WithSessionID(ctx, r.ID) },
		}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

// --- psp_push ---

type pushReq struct {
	Metadata state.Metadata  `json:"metadata"`
	State    json.RawMessage `json:"state"`
}

func (s *Server) registerPushTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "psp_push",
		Description: "Store a session state document under its metadata id.",
		InputSchema: inputSchema(map[string]any{
			"metadata": map[string]any{"type": "object", "description": "Session metadata, id required"},
			"state":    map[string]any{"type": "object", "description": "Session state document"},
		}, []string{"metadata"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*pushReq)
		if err := s.store.Upload(ctx, r.Metadata.ID, r.State, r.Metadata); err != nil {
			return nil, err
		}
		return r.Metadata, nil
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var r pushReq
		if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
			return nil, err
		}
		if r.Metadata.ID == "" {
			return nil, fmt.Errorf("metadata.id is required")
		}
		return &kit.MCPDecodeResult{
			Request:   &r,
			EnrichCtx: func(ctx context.Context) context.Context { return kit.WithSessionID(ctx, r.Metadata.ID) },
		}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

// --- psp_sync ---

func (s *Server) registerSyncTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "psp_sync",
		Description: "Reconcile the local session store against the configured remote.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	endpoint := func(ctx context.Context, _ any) (any, error) {
		results, err := s.syncEndpoint(ctx, nil)
		if err != nil {
			return nil, err
		}
		return map[string]any{"results": results}, nil
	}

	decode := func(_ *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		return &kit.MCPDecodeResult{Request: nil}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}
