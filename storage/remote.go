package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/portablesession/psp/state"
)

// Remote is a backend over the HTTP API another pspd instance (or any
// compatible store service) exposes. It is the transport the sync engine
// uses to reach a remote tier.
type Remote struct {
	base   string
	apiKey string
	client *http.Client
}

// envelope is the wire shape for session transfer.
type envelope struct {
	Metadata state.Metadata  `json:"metadata"`
	State    json.RawMessage `json:"state"`
}

// listResponse mirrors the server's session listing.
type listResponse struct {
	Sessions []state.Metadata `json:"sessions"`
}

// RemoteOption configures a Remote backend.
type RemoteOption func(*Remote)

// WithHTTPClient overrides the HTTP client. Default: http.DefaultClient.
func WithHTTPClient(c *http.Client) RemoteOption {
	return func(r *Remote) { r.client = c }
}

// WithAPIKey sends the key as a bearer token on every request.
func WithAPIKey(key string) RemoteOption {
	return func(r *Remote) { r.apiKey = key }
}

// NewRemote creates a backend talking to the store API at baseURL
// (e.g. "https://psp.example.com").
func NewRemote(baseURL string, opts ...RemoteOption) *Remote {
	r := &Remote{
		base:   strings.TrimRight(baseURL, "/"),
		client: http.DefaultClient,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Remote) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, r.base+path, body)
	if err != nil {
		return nil, fmt.Errorf("storage: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("storage: %s %s: %w", method, path, err)
	}
	return resp, nil
}

// apiError drains the response and turns a non-2xx status into an error.
func apiError(resp *http.Response) error {
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		io.Copy(io.Discard, resp.Body)
		return ErrNotFound
	}
	var e struct {
		Error string `json:"error"`
	}
	msg := ""
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&e); err == nil {
		msg = e.Error
	}
	return fmt.Errorf("storage: remote returned %d: %s", resp.StatusCode, msg)
}

func (r *Remote) Upload(ctx context.Context, id string, body []byte, meta state.Metadata) error {
	if err := checkID(id, &meta); err != nil {
		return err
	}
	payload, err := json.Marshal(envelope{Metadata: meta, State: body})
	if err != nil {
		return fmt.Errorf("storage: marshal envelope %s: %w", id, err)
	}
	resp, err := r.do(ctx, http.MethodPut, "/api/sessions/"+url.PathEscape(id)+"/state", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return apiError(resp)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return nil
}

func (r *Remote) Download(ctx context.Context, id string) ([]byte, state.Metadata, error) {
	resp, err := r.do(ctx, http.MethodGet, "/api/sessions/"+url.PathEscape(id)+"/state", nil)
	if err != nil {
		return nil, state.Metadata{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, state.Metadata{}, apiError(resp)
	}
	defer resp.Body.Close()
	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, state.Metadata{}, fmt.Errorf("storage: decode envelope %s: %w", id, err)
	}
	return env.State, env.Metadata, nil
}

func (r *Remote) List(ctx context.Context) ([]state.Metadata, error) {
	resp, err := r.do(ctx, http.MethodGet, "/api/sessions", nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp)
	}
	defer resp.Body.Close()
	var lr listResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return nil, fmt.Errorf("storage: decode listing: %w", err)
	}
	return lr.Sessions, nil
}

func (r *Remote) Delete(ctx context.Context, id string) error {
	resp, err := r.do(ctx, http.MethodDelete, "/api/sessions/"+url.PathEscape(id), nil)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return apiError(resp)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return nil
}

func (r *Remote) Exists(ctx context.Context, id string) (bool, error) {
	resp, err := r.do(ctx, http.MethodHead, "/api/sessions/"+url.PathEscape(id)+"/state", nil)
	if err != nil {
		return false, err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("storage: remote exists %s returned %d", id, resp.StatusCode)
	}
}
