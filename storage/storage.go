// Package storage defines the session store contract and the shipped
// backends: in-memory, filesystem, SQLite, and a remote HTTP tier. All
// backends key metadata identically so the sync engine's comparisons stay
// backend-agnostic.
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/portablesession/psp/state"
)

// ErrNotFound is returned by Download and Delete when no session exists
// under the given id.
var ErrNotFound = errors.New("storage: session not found")

// Backend stores serialized session snapshots keyed by session id.
type Backend interface {
	// Upload stores body under meta.ID, replacing any previous version.
	Upload(ctx context.Context, id string, body []byte, meta state.Metadata) error

	// Download returns the stored body and metadata for id.
	Download(ctx context.Context, id string) ([]byte, state.Metadata, error)

	// List returns metadata for every stored session.
	List(ctx context.Context) ([]state.Metadata, error)

	// Delete removes the session. Deleting a missing id returns ErrNotFound.
	Delete(ctx context.Context, id string) error

	// Exists reports whether a session is stored under id.
	Exists(ctx context.Context, id string) (bool, error)
}

// checkID rejects empty and mismatched ids before they reach a backend.
func checkID(id string, meta *state.Metadata) error {
	if id == "" {
		return fmt.Errorf("storage: empty session id")
	}
	if meta != nil && meta.ID != id {
		return fmt.Errorf("storage: metadata id %q does not match %q", meta.ID, id)
	}
	return nil
}
