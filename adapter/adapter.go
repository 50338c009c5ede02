// Package adapter defines the browser-facing contract the engine runs
// against. A concrete adapter binds one live page: the recorder drains
// events from it, the replayer drives it, and Capture/Apply move whole
// snapshots in and out. The rodadapter subpackage is the shipped
// implementation; tests substitute fakes.
package adapter

import (
	"context"

	"github.com/portablesession/psp/recorder"
	"github.com/portablesession/psp/replay"
	"github.com/portablesession/psp/state"
)

// Adapter is a live browser page the engine can capture from, restore
// into, record on, and replay against.
type Adapter interface {
	replay.Driver
	recorder.Surface

	// CaptureState snapshots cookies, web storage, and history for the
	// page's current origin.
	CaptureState(ctx context.Context) (*state.SessionState, error)
	// ApplyState navigates to the snapshot's origin, restores cookies and
	// storage, and reloads so the page boots with the restored state.
	ApplyState(ctx context.Context, s *state.SessionState) error
	// Close releases the page.
	Close() error
}
