// Package syncer reconciles session stores across tiers. Given a local
// backend and a remote one, the engine compares their session listings,
// decides a per-session action through a Policy, and executes uploads and
// downloads independently so one failing session never blocks the rest.
//
// The engine itself never retries transport failures. Wrap the remote
// backend with storage.WithRetry when retry behaviour is wanted.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/portablesession/psp/state"
	"github.com/portablesession/psp/storage"
)

// Action is the per-session outcome of a reconciliation decision.
type Action string

const (
	// ActionNone means both sides already agree.
	ActionNone Action = "none"
	// ActionUpload pushes the local session to the remote.
	ActionUpload Action = "upload"
	// ActionDownload pulls the remote session to the local store.
	ActionDownload Action = "download"
	// ActionConflict means the policy refused to pick a side. Neither
	// store is mutated.
	ActionConflict Action = "conflict"
)

// Result reports what happened to one session during a sync run.
type Result struct {
	ID     string `json:"id"`
	Action Action `json:"action"`
	// Err is set when the decided action failed to execute. The session's
	// stores are left as they were before the attempt.
	Err error `json:"-"`
	// Conflict carries both timestamps when Action is ActionConflict.
	Conflict *Conflict `json:"conflict,omitempty"`
}

// Conflict describes a session both sides changed.
type Conflict struct {
	ID              string `json:"id"`
	LocalUpdatedAt  int64  `json:"localUpdatedAt"`
	RemoteUpdatedAt int64  `json:"remoteUpdatedAt"`
}

// TransportError reports that a decided transfer could not be executed.
// The session's stores are left as they were before the attempt.
type TransportError struct {
	ID     string
	Action Action
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("syncer: %s %s: %v", e.Action, e.ID, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Option configures an Engine.
type Option func(*Engine)

// WithPolicy sets the conflict resolution policy. Default: LatestWins.
func WithPolicy(p Policy) Option {
	return func(e *Engine) { e.policy = p }
}

// WithConcurrency bounds the number of sessions synced in parallel.
// Default: 4. Values below 1 are treated as 1.
func WithConcurrency(n int) Option {
	return func(e *Engine) {
		if n < 1 {
			n = 1
		}
		e.concurrency = n
	}
}

// WithLogger overrides the default slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// Engine reconciles a local backend against remotes. Safe for concurrent
// use; each Sync call is an independent run.
type Engine struct {
	local       storage.Backend
	policy      Policy
	concurrency int
	logger      *slog.Logger
}

// New creates an Engine over the local backend.
func New(local storage.Backend, opts ...Option) *Engine {
	e := &Engine{
		local:       local,
		policy:      LatestWins{},
		concurrency: 4,
		logger:      slog.Default(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Plan computes per-session actions from the two listings without touching
// either store. Sessions present on one side only are copied to the other;
// sessions present on both go through the policy. Results come back sorted
// by session id so runs are deterministic.
func (e *Engine) Plan(local, remote []state.Metadata) []Result {
	li := state.IndexByID(local)
	ri := state.IndexByID(remote)

	ids := make([]string, 0, len(li)+len(ri))
	for id := range li {
		ids = append(ids, id)
	}
	for id := range ri {
		if _, ok := li[id]; !ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	results := make([]Result, 0, len(ids))
	for _, id := range ids {
		l, hasLocal := li[id]
		r, hasRemote := ri[id]
		switch {
		case hasLocal && !hasRemote:
			results = append(results, Result{ID: id, Action: ActionUpload})
		case !hasLocal && hasRemote:
			results = append(results, Result{ID: id, Action: ActionDownload})
		default:
			res := Result{ID: id, Action: e.policy.Decide(l, r)}
			if res.Action == ActionConflict {
				res.Conflict = &Conflict{
					ID:              id,
					LocalUpdatedAt:  l.UpdatedAt,
					RemoteUpdatedAt: r.UpdatedAt,
				}
			}
			results = append(results, res)
		}
	}
	return results
}

// Sync lists both stores, plans, and executes the plan. Transfer failures
// are recorded per session in the returned results; Sync itself returns an
// error only when a listing fails, since without both listings no plan
// exists.
func (e *Engine) Sync(ctx context.Context, remote storage.Backend) ([]Result, error) {
	local, err := e.local.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("syncer: list local: %w", err)
	}
	remoteMetas, err := remote.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("syncer: list remote: %w", err)
	}

	results := e.Plan(local, remoteMetas)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	var mu sync.Mutex
	for i := range results {
		i := i
		if results[i].Action != ActionUpload && results[i].Action != ActionDownload {
			continue
		}
		g.Go(func() error {
			err := e.execute(gctx, remote, results[i].ID, results[i].Action)
			if err != nil {
				mu.Lock()
				results[i].Err = &TransportError{ID: results[i].ID, Action: results[i].Action, Err: err}
				mu.Unlock()
				e.logger.WarnContext(gctx, "syncer: session transfer failed",
					"session_id", results[i].ID,
					"action", results[i].Action,
					"error", err)
			}
			// Per-session isolation: failures are reported, not fatal.
			return nil
		})
	}
	g.Wait()

	e.logger.InfoContext(ctx, "syncer: run complete",
		"sessions", len(results),
		"uploads", count(results, ActionUpload),
		"downloads", count(results, ActionDownload),
		"conflicts", count(results, ActionConflict))
	return results, nil
}

// SyncSession reconciles a single session by id. Unlike Sync, a transfer
// failure is returned directly.
func (e *Engine) SyncSession(ctx context.Context, remote storage.Backend, id string) (Result, error) {
	var local, remoteMetas []state.Metadata
	if _, meta, err := e.local.Download(ctx, id); err == nil {
		local = append(local, meta)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return Result{}, fmt.Errorf("syncer: read local %s: %w", id, err)
	}
	if _, meta, err := remote.Download(ctx, id); err == nil {
		remoteMetas = append(remoteMetas, meta)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return Result{}, fmt.Errorf("syncer: read remote %s: %w", id, err)
	}
	if len(local) == 0 && len(remoteMetas) == 0 {
		return Result{}, fmt.Errorf("syncer: session %s: %w", id, storage.ErrNotFound)
	}

	res := e.Plan(local, remoteMetas)[0]
	if res.Action == ActionUpload || res.Action == ActionDownload {
		if err := e.execute(ctx, remote, res.ID, res.Action); err != nil {
			terr := &TransportError{ID: res.ID, Action: res.Action, Err: err}
			res.Err = terr
			return res, terr
		}
	}
	return res, nil
}

func (e *Engine) execute(ctx context.Context, remote storage.Backend, id string, action Action) error {
	var (
		src storage.Backend
		dst storage.Backend
	)
	switch action {
	case ActionUpload:
		src, dst = e.local, remote
	case ActionDownload:
		src, dst = remote, e.local
	default:
		return nil
	}
	body, meta, err := src.Download(ctx, id)
	if err != nil {
		return err
	}
	return dst.Upload(ctx, id, body, meta)
}

func count(results []Result, a Action) int {
	n := 0
	for _, r := range results {
		if r.Action == a {
			n++
		}
	}
	return n
}
