package syncer

import "github.com/portablesession/psp/state"

// Policy decides what to do with a session that exists on both sides.
// Decide is only called for sessions present in both listings; one-sided
// sessions are always copied to the missing side.
type Policy interface {
	Decide(local, remote state.Metadata) Action
}

// LatestWins resolves divergence by timestamp: the side with the newer
// updatedAt overwrites the other. Equal timestamps mean no action, so a
// repeated run with no changes in between is a no-op.
type LatestWins struct{}

func (LatestWins) Decide(local, remote state.Metadata) Action {
	switch {
	case local.UpdatedAt > remote.UpdatedAt:
		return ActionUpload
	case remote.UpdatedAt > local.UpdatedAt:
		return ActionDownload
	default:
		return ActionNone
	}
}

// ManualReview never overwrites local work. A newer local session still
// uploads, since the remote holds nothing the local side has not seen; a
// newer remote is surfaced as a conflict result for the operator to resolve.
// Matching timestamps reconcile to no action.
type ManualReview struct{}

func (ManualReview) Decide(local, remote state.Metadata) Action {
	switch {
	case local.UpdatedAt > remote.UpdatedAt:
		return ActionUpload
	case remote.UpdatedAt > local.UpdatedAt:
		return ActionConflict
	default:
		return ActionNone
	}
}
