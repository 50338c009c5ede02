package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/portablesession/psp/dbopen"
	"github.com/portablesession/psp/server"
	"github.com/portablesession/psp/state"
	"github.com/portablesession/psp/storage"
	"github.com/portablesession/psp/syncer"
)

func newTestServer(t *testing.T, opts ...server.Option) (*httptest.Server, storage.Backend) {
	t.Helper()
	store := storage.NewMemory()
	srv := server.New(store, opts...)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, store
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestHealth(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	var body map[string]string
	decodeBody(t, resp, &body)
	if body["status"] != "ok" || body["version"] != state.Version {
		t.Fatalf("health = %v", body)
	}
}

func TestSessionLifecycle(t *testing.T) {
	ts, _ := newTestServer(t)

	// Create.
	resp, err := http.Post(ts.URL+"/api/sessions", "application/json",
		bytes.NewBufferString(`{"name":"login flow","tags":["auth"]}`))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	var meta state.Metadata
	decodeBody(t, resp, &meta)
	if meta.ID == "" || meta.Name != "login flow" {
		t.Fatalf("created meta = %+v", meta)
	}

	// Upload state.
	meta.UpdatedAt++
	env := map[string]any{
		"metadata": meta,
		"state":    map[string]any{"version": "1.0.0", "timestamp": 1, "origin": "https://example.com"},
	}
	payload, _ := json.Marshal(env)
	req, _ := http.NewRequest(http.MethodPut, ts.URL+"/api/sessions/"+meta.ID+"/state", bytes.NewReader(payload))
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("put state status = %d", resp.StatusCode)
	}

	// Read state back.
	resp, err = http.Get(ts.URL + "/api/sessions/" + meta.ID + "/state")
	if err != nil {
		t.Fatal(err)
	}
	var got struct {
		Metadata state.Metadata  `json:"metadata"`
		State    json.RawMessage `json:"state"`
	}
	decodeBody(t, resp, &got)
	if got.Metadata.ID != meta.ID || len(got.State) == 0 {
		t.Fatalf("get state = %+v", got)
	}

	// List.
	resp, err = http.Get(ts.URL + "/api/sessions")
	if err != nil {
		t.Fatal(err)
	}
	var listing struct {
		Sessions []state.Metadata `json:"sessions"`
	}
	decodeBody(t, resp, &listing)
	if len(listing.Sessions) != 1 {
		t.Fatalf("listing = %+v", listing)
	}

	// Delete.
	req, _ = http.NewRequest(http.MethodDelete, ts.URL+"/api/sessions/"+meta.ID, nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/api/sessions/" + meta.ID)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get after delete = %d", resp.StatusCode)
	}
}

func TestPutStateRejectsMismatchedID(t *testing.T) {
	ts, _ := newTestServer(t)
	payload := []byte(`{"metadata":{"id":"ses_other","createdAt":1,"updatedAt":1},"state":null}`)
	req, _ := http.NewRequest(http.MethodPut, ts.URL+"/api/sessions/ses_x/state", bytes.NewReader(payload))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestPutStateWithoutStateField(t *testing.T) {
	// sqlite is the backend where a missing state body bites: its body
	// column rejects NULL, so the handler must default to a JSON null.
	db := dbopen.OpenMemory(t)
	store := storage.NewSQLite(db)
	if err := store.Init(); err != nil {
		t.Fatal(err)
	}
	srv := server.New(store)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	payload := []byte(`{"metadata":{"id":"ses_meta","createdAt":1,"updatedAt":1}}`)
	req, _ := http.NewRequest(http.MethodPut, ts.URL+"/api/sessions/ses_meta/state", bytes.NewReader(payload))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("put without state = %d, want 200", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/api/sessions/ses_meta/state")
	if err != nil {
		t.Fatal(err)
	}
	var got struct {
		State json.RawMessage `json:"state"`
	}
	decodeBody(t, resp, &got)
	if string(got.State) != "null" {
		t.Fatalf("stored state = %q, want null", got.State)
	}
}

func TestHeadState(t *testing.T) {
	ts, store := newTestServer(t)
	meta := state.Metadata{ID: "ses_h", CreatedAt: 1, UpdatedAt: 1}
	if err := store.Upload(context.Background(), meta.ID, []byte("{}"), meta); err != nil {
		t.Fatal(err)
	}

	req, _ := http.NewRequest(http.MethodHead, ts.URL+"/api/sessions/ses_h/state", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("head existing = %d", resp.StatusCode)
	}

	req, _ = http.NewRequest(http.MethodHead, ts.URL+"/api/sessions/ses_missing/state", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("head missing = %d", resp.StatusCode)
	}
}

func TestAPIKeyGuard(t *testing.T) {
	hash, err := server.HashAPIKey("secret")
	if err != nil {
		t.Fatal(err)
	}
	ts, _ := newTestServer(t, server.WithAPIKeyHash(hash))

	// Health stays open.
	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d", resp.StatusCode)
	}

	// API without key is rejected.
	resp, err = http.Get(ts.URL + "/api/sessions")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d", resp.StatusCode)
	}

	// Wrong key is rejected.
	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/sessions", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong key status = %d", resp.StatusCode)
	}

	// Right key passes.
	req, _ = http.NewRequest(http.MethodGet, ts.URL+"/api/sessions", nil)
	req.Header.Set("Authorization", "Bearer secret")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("authenticated status = %d", resp.StatusCode)
	}
}

func TestSyncEndpoint(t *testing.T) {
	local := storage.NewMemory()
	remote := storage.NewMemory()
	meta := state.Metadata{ID: "ses_r1", CreatedAt: 1, UpdatedAt: 1}
	if err := remote.Upload(context.Background(), meta.ID, []byte("{}"), meta); err != nil {
		t.Fatal(err)
	}

	srv := server.New(local, server.WithSync(syncer.New(local), remote))
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/sync", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("sync status = %d", resp.StatusCode)
	}
	var body struct {
		Results []struct {
			ID     string `json:"id"`
			Action string `json:"action"`
		} `json:"results"`
	}
	decodeBody(t, resp, &body)
	if len(body.Results) != 1 || body.Results[0].Action != "download" {
		t.Fatalf("results = %+v", body.Results)
	}
	if ok, _ := local.Exists(context.Background(), "ses_r1"); !ok {
		t.Fatal("session not downloaded")
	}
}

func TestSyncWithoutRemoteIs503(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := http.Post(ts.URL+"/api/sync", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
}

func TestCreatedSessionIDsAreUnique(t *testing.T) {
	ts, _ := newTestServer(t)
	seen := map[string]bool{}
	for i := 0; i < 5; i++ {
		resp, err := http.Post(ts.URL+"/api/sessions", "application/json",
			bytes.NewBufferString(fmt.Sprintf(`{"name":"s%d"}`, i)))
		if err != nil {
			t.Fatal(err)
		}
		var meta state.Metadata
		decodeBody(t, resp, &meta)
		if seen[meta.ID] {
			t.Fatalf("duplicate id %s", meta.ID)
		}
		seen[meta.ID] = true
	}
}
