// Package replay re-dispatches a recording's events against a live target
// with timing fidelity. Events are processed in ascending timestamp order
// (the caller's responsibility, per the recording invariant); between events
// the player sleeps the recorded gap divided by the configured speed, so
// relative human pacing survives uniform speed-up or slow-down.
//
// Dispatch is exhaustive over the closed event kind set: the player builds
// an actor table keyed by kind at construction, so an unhandled kind is a
// construction-time impossibility rather than a runtime default branch.
package replay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/portablesession/psp/state"
)

// Target is a located page element that can receive replayed actions.
type Target interface {
	Click(ctx context.Context, p state.ClickPayload) error
	SetValue(ctx context.Context, value string) error
	PressKey(ctx context.Context, p state.KeyPayload) error
}

// Driver is the host's target-resolution and page-level action capability.
// Browser adapters implement it.
type Driver interface {
	// Locate resolves a CSS path to a live element. A miss returns an error
	// wrapping ResolutionFailure.
	Locate(ctx context.Context, selector string) (Target, error)
	Navigate(ctx context.Context, url string) error
	ScrollTo(ctx context.Context, x, y float64) error
}

// ResolutionFailure reports that a selector did not resolve to a live node
// at replay time.
type ResolutionFailure struct {
	Selector string
	Err      error
}

func (e *ResolutionFailure) Error() string {
	return fmt.Sprintf("replay: selector %q did not resolve: %v", e.Selector, e.Err)
}

func (e *ResolutionFailure) Unwrap() error { return e.Err }

// ActionError reports a failed dispatch of one event: either the target did
// not resolve or the action itself failed on a located element.
type ActionError struct {
	Kind   state.Kind
	Target string
	Cause  error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("replay: %s on %q: %v", e.Kind, e.Target, e.Cause)
}

func (e *ActionError) Unwrap() error { return e.Cause }

// Options control playback.
type Options struct {
	// Speed scales pacing: 2.0 plays twice as fast. Zero means 1.0.
	Speed float64

	// ContinueOnError keeps playing past a failed event instead of halting.
	// The zero value is the strict verification mode: the first failure
	// halts playback and remaining events are never dispatched.
	ContinueOnError bool

	// ActionTimeout bounds each target resolution and action. Zero means 30s.
	ActionTimeout time.Duration
}

func (o *Options) defaults() {
	if o.Speed <= 0 {
		o.Speed = 1.0
	}
	if o.ActionTimeout <= 0 {
		o.ActionTimeout = 30 * time.Second
	}
}

// Player drives playback against one Driver. A Player is single-owner
// within one playback session: Play rejects concurrent invocation.
type Player struct {
	driver  Driver
	logger  *slog.Logger
	actors  map[state.Kind]actor
	playing chan struct{} // 1-slot token
}

type actor func(ctx context.Context, e state.Event) error

// Option configures a Player.
type Option func(*Player)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(p *Player) { p.logger = l }
}

// New creates a Player for the given driver.
func New(driver Driver, opts ...Option) *Player {
	p := &Player{
		driver:  driver,
		logger:  slog.Default(),
		playing: make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(p)
	}
	p.actors = map[state.Kind]actor{
		state.KindClick:      p.playClick,
		state.KindInput:      p.playInput,
		state.KindKeydown:    p.playKeydown,
		state.KindNavigation: p.playNavigation,
		state.KindScroll:     p.playScroll,
	}
	return p
}

// Play dispatches events in the order given, pacing by recorded timestamp
// deltas. On a failed event it either halts (strict mode, remaining events
// untouched) or logs and continues. Halting aborts any pending inter-event
// sleep; ctx cancellation does too.
func (p *Player) Play(ctx context.Context, events []state.Event, opts Options) error {
	opts.defaults()

	select {
	case p.playing <- struct{}{}:
		defer func() { <-p.playing }()
	default:
		return errors.New("replay: playback already in progress")
	}

	for i, e := range events {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.dispatch(ctx, e, opts.ActionTimeout); err != nil {
			if !opts.ContinueOnError {
				return err
			}
			p.logger.Warn("replay: event skipped", "kind", e.Kind, "target", e.Target, "error", err)
		}

		if i+1 < len(events) {
			gap := events[i+1].Timestamp - e.Timestamp
			if err := p.pace(ctx, gap, opts.Speed); err != nil {
				return err
			}
		}
	}
	return nil
}

// pace sleeps the scaled gap, cancellable by ctx. Non-positive gaps are
// skipped.
func (p *Player) pace(ctx context.Context, gapMs int64, speed float64) error {
	if gapMs <= 0 {
		return nil
	}
	d := time.Duration(float64(gapMs) / speed * float64(time.Millisecond))
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (p *Player) dispatch(ctx context.Context, e state.Event, timeout time.Duration) error {
	act, ok := p.actors[e.Kind]
	if !ok {
		return &ActionError{Kind: e.Kind, Target: e.Target, Cause: fmt.Errorf("unknown event kind")}
	}
	actCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return act(actCtx, e)
}

// locate wraps driver resolution failures into the typed error chain.
func (p *Player) locate(ctx context.Context, e state.Event) (Target, error) {
	t, err := p.driver.Locate(ctx, e.Target)
	if err != nil {
		var rf *ResolutionFailure
		if !errors.As(err, &rf) {
			err = &ResolutionFailure{Selector: e.Target, Err: err}
		}
		return nil, &ActionError{Kind: e.Kind, Target: e.Target, Cause: err}
	}
	return t, nil
}

func (p *Player) playClick(ctx context.Context, e state.Event) error {
	payload, ok := e.Data.(state.ClickPayload)
	if !ok {
		return &ActionError{Kind: e.Kind, Target: e.Target, Cause: fmt.Errorf("payload type %T", e.Data)}
	}
	t, err := p.locate(ctx, e)
	if err != nil {
		return err
	}
	if err := t.Click(ctx, payload); err != nil {
		return &ActionError{Kind: e.Kind, Target: e.Target, Cause: err}
	}
	return nil
}

func (p *Player) playInput(ctx context.Context, e state.Event) error {
	payload, ok := e.Data.(state.InputPayload)
	if !ok {
		return &ActionError{Kind: e.Kind, Target: e.Target, Cause: fmt.Errorf("payload type %T", e.Data)}
	}
	t, err := p.locate(ctx, e)
	if err != nil {
		return err
	}
	if err := t.SetValue(ctx, payload.Value); err != nil {
		return &ActionError{Kind: e.Kind, Target: e.Target, Cause: err}
	}
	return nil
}

func (p *Player) playKeydown(ctx context.Context, e state.Event) error {
	payload, ok := e.Data.(state.KeyPayload)
	if !ok {
		return &ActionError{Kind: e.Kind, Target: e.Target, Cause: fmt.Errorf("payload type %T", e.Data)}
	}
	// Keydown without a focused element replays against the page body.
	sel := e.Target
	if sel == "" {
		sel = "body"
	}
	t, err := p.locate(ctx, state.Event{Kind: e.Kind, Target: sel})
	if err != nil {
		return err
	}
	if err := t.PressKey(ctx, payload); err != nil {
		return &ActionError{Kind: e.Kind, Target: e.Target, Cause: err}
	}
	return nil
}

func (p *Player) playNavigation(ctx context.Context, e state.Event) error {
	payload, ok := e.Data.(state.NavigationPayload)
	if !ok {
		return &ActionError{Kind: e.Kind, Target: e.Target, Cause: fmt.Errorf("payload type %T", e.Data)}
	}
	if err := p.driver.Navigate(ctx, payload.URL); err != nil {
		return &ActionError{Kind: e.Kind, Target: e.Target, Cause: err}
	}
	return nil
}

func (p *Player) playScroll(ctx context.Context, e state.Event) error {
	payload, ok := e.Data.(state.ScrollPayload)
	if !ok {
		return &ActionError{Kind: e.Kind, Target: e.Target, Cause: fmt.Errorf("payload type %T", e.Data)}
	}
	if err := p.driver.ScrollTo(ctx, payload.X, payload.Y); err != nil {
		return &ActionError{Kind: e.Kind, Target: e.Target, Cause: err}
	}
	return nil
}
