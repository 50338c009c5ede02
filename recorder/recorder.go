// Package recorder captures chronological user-interaction events from a
// live page. A bootstrap script installs per-kind listeners inside the
// target interaction surface; events accumulate in the page and are pulled
// into a single-owner Go-side queue by a poll loop. Drain atomically takes
// and clears the queue, which is the only supported consumption mode.
//
// Recording is best-effort: a failure to install one listener kind is
// reported and logged but never prevents the other kinds from attaching,
// and no recorder error crashes a live automation run.
package recorder

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/portablesession/psp/state"
)

//go:embed recorder.js
var bootstrapJS string

// Surface is the host's DOM-access primitive: evaluate a script inside the
// target page and return its JSON result. Browser adapters implement it.
type Surface interface {
	Eval(ctx context.Context, js string) (json.RawMessage, error)
}

// Flags selects which event kinds to record. The zero value records nothing;
// use DefaultFlags for the standard set.
type Flags struct {
	Click      bool
	Input      bool
	Keydown    bool
	Navigation bool
	Scroll     bool
}

// DefaultFlags enables every kind except scroll, which is high frequency and
// low signal. Navigation stays on because the history hooks are reliable
// under CDP hosts.
func DefaultFlags() Flags {
	return Flags{Click: true, Input: true, Keydown: true, Navigation: true, Scroll: false}
}

func (f Flags) enabled() []state.Kind {
	var kinds []state.Kind
	if f.Click {
		kinds = append(kinds, state.KindClick)
	}
	if f.Input {
		kinds = append(kinds, state.KindInput)
	}
	if f.Keydown {
		kinds = append(kinds, state.KindKeydown)
	}
	if f.Navigation {
		kinds = append(kinds, state.KindNavigation)
	}
	if f.Scroll {
		kinds = append(kinds, state.KindScroll)
	}
	return kinds
}

// AttachError reports that one listener kind failed to install. Non-fatal:
// the remaining kinds proceed.
type AttachError struct {
	Kind state.Kind
	Err  error
}

func (e *AttachError) Error() string {
	return fmt.Sprintf("recorder: attach %s listener: %v", e.Kind, e.Err)
}

func (e *AttachError) Unwrap() error { return e.Err }

// Option configures a Recorder.
type Option func(*Recorder)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(r *Recorder) { r.logger = l }
}

// WithPollInterval sets how often buffered page events are pulled into the
// Go-side queue. Default: 250ms.
func WithPollInterval(d time.Duration) Option {
	return func(r *Recorder) { r.poll = d }
}

// Recorder records events from one Surface. A Recorder is single-owner: do
// not drive the same instance from two call sites. Drain is safe to call
// while the poll loop keeps appending.
type Recorder struct {
	surface Surface
	logger  *slog.Logger
	poll    time.Duration

	mu        sync.Mutex
	queue     *queue
	journal   []state.Event
	active    bool
	startTime time.Time
	cancel    context.CancelFunc
	done      chan struct{}
}

// New creates a Recorder bound to a surface. Call Start to begin recording.
func New(surface Surface, opts ...Option) *Recorder {
	r := &Recorder{
		surface: surface,
		logger:  slog.Default(),
		poll:    250 * time.Millisecond,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Start injects the recording runtime, installs the enabled listener kinds
// and begins polling. It resets the queue and start time. Per-kind attach
// failures are returned joined as AttachErrors after the remaining kinds
// have been installed; the recorder is active whenever at least one kind
// attached.
func (r *Recorder) Start(ctx context.Context, flags Flags) error {
	r.mu.Lock()
	if r.active {
		r.mu.Unlock()
		return errors.New("recorder: already recording")
	}
	r.queue = newQueue()
	r.journal = nil
	r.startTime = time.Now()
	r.mu.Unlock()

	if _, err := r.surface.Eval(ctx, bootstrapJS); err != nil {
		return fmt.Errorf("recorder: inject runtime: %w", err)
	}

	var attachErrs []error
	attached := 0
	for _, kind := range flags.enabled() {
		js := fmt.Sprintf("() => window.__psp.install(%q)", kind)
		if _, err := r.surface.Eval(ctx, js); err != nil {
			ae := &AttachError{Kind: kind, Err: err}
			r.logger.Warn("recorder: listener attach failed", "kind", kind, "error", err)
			attachErrs = append(attachErrs, ae)
			continue
		}
		attached++
	}
	if attached == 0 && len(attachErrs) > 0 {
		return fmt.Errorf("recorder: no listener kind attached: %w", errors.Join(attachErrs...))
	}

	pollCtx, cancel := context.WithCancel(context.Background())
	r.mu.Lock()
	r.active = true
	r.cancel = cancel
	r.done = make(chan struct{})
	r.mu.Unlock()

	go r.loop(pollCtx)

	return errors.Join(attachErrs...)
}

// loop pulls page events into the queue until the recorder stops.
func (r *Recorder) loop(ctx context.Context) {
	defer close(r.done)
	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.pump(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn("recorder: pump failed", "error", err)
			}
		}
	}
}

// pump drains the in-page buffer and appends to the Go-side queue.
func (r *Recorder) pump(ctx context.Context) error {
	raw, err := r.surface.Eval(ctx, "() => window.__psp.drain()")
	if err != nil {
		return err
	}
	var events []state.Event
	if err := json.Unmarshal(raw, &events); err != nil {
		return fmt.Errorf("recorder: decode events: %w", err)
	}
	if len(events) == 0 {
		return nil
	}

	r.mu.Lock()
	if r.queue != nil {
		r.queue.append(events)
		r.journal = append(r.journal, events...)
	}
	r.mu.Unlock()
	return nil
}

// Drain atomically removes and returns all events buffered since the last
// Drain, sorted ascending by timestamp. It never fails: an empty buffer
// yields an empty list. There is no peek.
func (r *Recorder) Drain() []state.Event {
	r.mu.Lock()
	q := r.queue
	r.mu.Unlock()
	if q == nil {
		return []state.Event{}
	}
	events := q.takeAll()
	state.SortEvents(events)
	return events
}

// Stop performs a final pump and drain, marks the recorder inactive, and
// returns the full accumulated recording. The returned RecordingState spans
// from Start to now.
func (r *Recorder) Stop(ctx context.Context) (*state.RecordingState, error) {
	r.mu.Lock()
	if !r.active {
		r.mu.Unlock()
		return nil, errors.New("recorder: not recording")
	}
	cancel, done := r.cancel, r.done
	r.mu.Unlock()

	cancel()
	<-done

	// Final pump; best-effort, the page may already be gone.
	if err := r.pump(ctx); err != nil {
		r.logger.Warn("recorder: final pump failed", "error", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = false
	r.queue.takeAll() // consumed via journal below

	events := make([]state.Event, len(r.journal))
	copy(events, r.journal)
	state.SortEvents(events)

	duration := time.Since(r.startTime).Milliseconds()
	for _, e := range events {
		if e.Timestamp > duration {
			duration = e.Timestamp
		}
	}
	return &state.RecordingState{
		Events:    events,
		StartTime: r.startTime.UnixMilli(),
		Duration:  duration,
	}, nil
}

// Active reports whether a recording window is open.
func (r *Recorder) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}
