// Package server exposes the session store over HTTP. The route surface
// matches what the storage.Remote client speaks, so any pspd instance can
// act as the remote tier of another. The same operations are also exported
// as MCP tools, see mcp.go.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/portablesession/psp/idgen"
	"github.com/portablesession/psp/state"
	"github.com/portablesession/psp/storage"
	"github.com/portablesession/psp/syncer"
)

// Server serves the session API over a local backend. When a sync engine
// and remote are configured, POST /api/sync triggers a reconciliation run.
type Server struct {
	store  storage.Backend
	engine *syncer.Engine
	remote storage.Backend
	logger *slog.Logger
	newID  idgen.Generator

	// apiKeyHash is a bcrypt hash; empty disables auth.
	apiKeyHash string
}

// Option configures a Server.
type Option func(*Server)

// WithSync wires the sync trigger. Both the engine and the remote backend
// are required for POST /api/sync to work.
func WithSync(engine *syncer.Engine, remote storage.Backend) Option {
	return func(s *Server) {
		s.engine = engine
		s.remote = remote
	}
}

// WithAPIKeyHash enables bearer auth on /api routes. The hash is bcrypt,
// produced by HashAPIKey.
func WithAPIKeyHash(hash string) Option {
	return func(s *Server) { s.apiKeyHash = hash }
}

// WithLogger overrides the default slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithIDGenerator overrides the session id generator.
func WithIDGenerator(gen idgen.Generator) Option {
	return func(s *Server) { s.newID = gen }
}

// New creates a Server over the local backend.
func New(store storage.Backend, opts ...Option) *Server {
	s := &Server{
		store:  store,
		logger: slog.Default(),
		newID:  idgen.Session,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Router builds the chi router with all routes mounted.
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.requireAPIKey)
		r.Get("/sessions", s.handleListSessions)
		r.Post("/sessions", s.handleCreateSession)
		r.Route("/sessions/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetSession)
			r.Delete("/", s.handleDeleteSession)
			r.Get("/state", s.handleGetState)
			r.Put("/state", s.handlePutState)
			r.Head("/state", s.handleHeadState)
		})
		r.Post("/sync", s.handleSync)
	})
	return r
}

// envelope is the wire shape for session transfer, shared with the remote
// backend client.
type envelope struct {
	Metadata state.Metadata  `json:"metadata"`
	State    json.RawMessage `json:"state"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("server: write response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, storage.ErrNotFound) {
		status = http.StatusNotFound
	}
	if status >= 500 {
		s.logger.ErrorContext(r.Context(), "server: request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()),
			"error", err)
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": state.Version,
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	metas, err := s.store.List(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if metas == nil {
		metas = []state.Metadata{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"sessions": metas})
}

// createRequest is the POST /api/sessions body. State is optional; a
// session created without one holds an empty document until the first
// state upload.
type createRequest struct {
	Name  string          `json:"name"`
	Tags  []string        `json:"tags"`
	State json.RawMessage `json:"state"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body: " + err.Error()})
		return
	}
	now := time.Now().UnixMilli()
	meta := state.Metadata{
		ID:        s.newID(),
		Name:      req.Name,
		Tags:      req.Tags,
		CreatedAt: now,
		UpdatedAt: now,
	}
	body := []byte(req.State)
	if len(body) == 0 {
		body = []byte("null")
	}
	if err := s.store.Upload(r.Context(), meta.ID, body, meta); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.InfoContext(r.Context(), "server: session created", "session_id", meta.ID, "name", meta.Name)
	s.writeJSON(w, http.StatusCreated, meta)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	_, meta, err := s.store.Download(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, meta)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.store.Delete(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.InfoContext(r.Context(), "server: session deleted", "session_id", id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	body, meta, err := s.store.Download(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if len(body) == 0 {
		body = []byte("null")
	}
	s.writeJSON(w, http.StatusOK, envelope{Metadata: meta, State: body})
}

func (s *Server) handlePutState(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var env envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body: " + err.Error()})
		return
	}
	if env.Metadata.ID == "" {
		env.Metadata.ID = id
	}
	if env.Metadata.ID != id {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": fmt.Sprintf("metadata id %q does not match path id %q", env.Metadata.ID, id),
		})
		return
	}
	// A body without a state field still stores a valid JSON document.
	if len(env.State) == 0 {
		env.State = json.RawMessage("null")
	}
	if err := s.store.Upload(r.Context(), id, env.State, env.Metadata); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, env.Metadata)
}

func (s *Server) handleHeadState(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ok, err := s.store.Exists(r.Context(), id)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	results, err := s.syncEndpoint(r.Context(), nil)
	if err != nil {
		if errors.Is(err, errSyncNotConfigured) {
			s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
			return
		}
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

var errSyncNotConfigured = errors.New("server: no sync remote configured")

// syncEndpoint runs one reconciliation pass. Shaped as a kit.Endpoint so
// the MCP tool shares it.
func (s *Server) syncEndpoint(ctx context.Context, _ any) (any, error) {
	if s.engine == nil || s.remote == nil {
		return nil, errSyncNotConfigured
	}
	results, err := s.engine.Sync(ctx, s.remote)
	if err != nil {
		return nil, err
	}
	out := make([]syncResult, 0, len(results))
	for _, res := range results {
		sr := syncResult{ID: res.ID, Action: string(res.Action), Conflict: res.Conflict}
		if res.Err != nil {
			sr.Error = res.Err.Error()
		}
		out = append(out, sr)
	}
	return out, nil
}

// syncResult is the wire shape of a syncer.Result; errors flatten to text.
type syncResult struct {
	ID       string           `json:"id"`
	Action   string           `json:"action"`
	Error    string           `json:"error,omitempty"`
	Conflict *syncer.Conflict `json:"conflict,omitempty"`
}
