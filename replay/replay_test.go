package replay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/portablesession/psp/state"
)

// fakeDriver records dispatches and can be scripted to fail resolution for
// chosen selectors.
type fakeDriver struct {
	mu       sync.Mutex
	calls    []string
	missing  map[string]bool
	actErr   map[string]error // selector → error from the action itself
	slowDown time.Duration
}

type fakeTarget struct {
	d        *fakeDriver
	selector string
}

func (d *fakeDriver) record(s string) {
	d.mu.Lock()
	d.calls = append(d.calls, s)
	d.mu.Unlock()
}

func (d *fakeDriver) Locate(ctx context.Context, selector string) (Target, error) {
	if d.slowDown > 0 {
		select {
		case <-ctx.Done():
			return nil, &ResolutionFailure{Selector: selector, Err: ctx.Err()}
		case <-time.After(d.slowDown):
		}
	}
	if d.missing[selector] {
		return nil, &ResolutionFailure{Selector: selector, Err: errors.New("no such node")}
	}
	return &fakeTarget{d: d, selector: selector}, nil
}

func (d *fakeDriver) Navigate(_ context.Context, url string) error {
	d.record("navigate:" + url)
	return nil
}

func (d *fakeDriver) ScrollTo(_ context.Context, x, y float64) error {
	d.record(fmt.Sprintf("scroll:%v,%v", x, y))
	return nil
}

func (t *fakeTarget) Click(_ context.Context, p state.ClickPayload) error {
	if err := t.d.actErr[t.selector]; err != nil {
		return err
	}
	t.d.record("click:" + t.selector)
	return nil
}

func (t *fakeTarget) SetValue(_ context.Context, v string) error {
	if err := t.d.actErr[t.selector]; err != nil {
		return err
	}
	t.d.record("input:" + t.selector + "=" + v)
	return nil
}

func (t *fakeTarget) PressKey(_ context.Context, p state.KeyPayload) error {
	if err := t.d.actErr[t.selector]; err != nil {
		return err
	}
	t.d.record("key:" + t.selector + "=" + p.Key)
	return nil
}

func threeEvents() []state.Event {
	return []state.Event{
		{Kind: state.KindClick, Timestamp: 0, Target: "button#a", Data: state.ClickPayload{}},
		{Kind: state.KindInput, Timestamp: 20, Target: "input#b", Data: state.InputPayload{Value: "x"}},
		{Kind: state.KindClick, Timestamp: 40, Target: "button#c", Data: state.ClickPayload{}},
	}
}

func TestPlayDispatchesInOrder(t *testing.T) {
	d := &fakeDriver{}
	p := New(d)
	events := threeEvents()

	if err := p.Play(context.Background(), events, Options{Speed: 100}); err != nil {
		t.Fatal(err)
	}

	want := []string{"click:button#a", "input:input#b=x", "click:button#c"}
	if len(d.calls) != len(want) {
		t.Fatalf("calls = %v, want %v", d.calls, want)
	}
	for i := range want {
		if d.calls[i] != want[i] {
			t.Fatalf("call %d = %q, want %q", i, d.calls[i], want[i])
		}
	}
}

func TestPacingScalesWithSpeed(t *testing.T) {
	events := []state.Event{
		{Kind: state.KindClick, Timestamp: 0, Target: "a", Data: state.ClickPayload{}},
		{Kind: state.KindClick, Timestamp: 200, Target: "a", Data: state.ClickPayload{}},
	}

	elapsed := func(speed float64) time.Duration {
		d := &fakeDriver{}
		p := New(d)
		start := time.Now()
		if err := p.Play(context.Background(), events, Options{Speed: speed}); err != nil {
			t.Fatal(err)
		}
		return time.Since(start)
	}

	slow := elapsed(1.0)
	fast := elapsed(4.0)

	if slow < 150*time.Millisecond {
		t.Fatalf("speed 1.0 finished in %v, want ≈200ms", slow)
	}
	if fast > slow {
		t.Fatalf("speed 4.0 (%v) not faster than speed 1.0 (%v)", fast, slow)
	}
	if fast < 30*time.Millisecond || fast > 150*time.Millisecond {
		t.Fatalf("speed 4.0 finished in %v, want ≈50ms", fast)
	}
}

func TestStrictModeHaltsOnSecondEvent(t *testing.T) {
	d := &fakeDriver{missing: map[string]bool{"input#b": true}}
	p := New(d)

	err := p.Play(context.Background(), threeEvents(), Options{Speed: 100})
	if err == nil {
		t.Fatal("strict playback did not halt on a resolution miss")
	}
	var ae *ActionError
	if !errors.As(err, &ae) || ae.Kind != state.KindInput {
		t.Fatalf("error = %v, want ActionError for input", err)
	}
	var rf *ResolutionFailure
	if !errors.As(err, &rf) {
		t.Fatalf("error chain %v does not carry ResolutionFailure", err)
	}

	// The third event was never dispatched.
	if len(d.calls) != 1 || d.calls[0] != "click:button#a" {
		t.Fatalf("calls = %v, want only the first click", d.calls)
	}
}

func TestContinueOnErrorSkipsAndProceeds(t *testing.T) {
	d := &fakeDriver{missing: map[string]bool{"input#b": true}}
	p := New(d)

	err := p.Play(context.Background(), threeEvents(), Options{Speed: 100, ContinueOnError: true})
	if err != nil {
		t.Fatalf("best-effort playback returned %v", err)
	}
	want := []string{"click:button#a", "click:button#c"}
	if len(d.calls) != 2 || d.calls[0] != want[0] || d.calls[1] != want[1] {
		t.Fatalf("calls = %v, want %v", d.calls, want)
	}
}

func TestActionFailureOnLocatedElement(t *testing.T) {
	d := &fakeDriver{actErr: map[string]error{"button#a": errors.New("not interactable")}}
	p := New(d)

	err := p.Play(context.Background(), threeEvents()[:1], Options{})
	var ae *ActionError
	if !errors.As(err, &ae) {
		t.Fatalf("error = %v, want ActionError", err)
	}
	// Located fine, so no ResolutionFailure in the chain.
	var rf *ResolutionFailure
	if errors.As(err, &rf) {
		t.Fatal("action failure misreported as resolution failure")
	}
}

func TestNavigationAndScrollActors(t *testing.T) {
	d := &fakeDriver{}
	p := New(d)
	events := []state.Event{
		{Kind: state.KindNavigation, Timestamp: 0, Data: state.NavigationPayload{URL: "https://example.com/a", NavigationType: state.NavigationNavigate}},
		{Kind: state.KindScroll, Timestamp: 1, Data: state.ScrollPayload{X: 0, Y: 400}},
	}
	if err := p.Play(context.Background(), events, Options{Speed: 100}); err != nil {
		t.Fatal(err)
	}
	if d.calls[0] != "navigate:https://example.com/a" || d.calls[1] != "scroll:0,400" {
		t.Fatalf("calls = %v", d.calls)
	}
}

func TestKeydownWithoutTargetGoesToBody(t *testing.T) {
	d := &fakeDriver{}
	p := New(d)
	events := []state.Event{
		{Kind: state.KindKeydown, Timestamp: 0, Target: "", Data: state.KeyPayload{Key: "Escape"}},
	}
	if err := p.Play(context.Background(), events, Options{Speed: 100}); err != nil {
		t.Fatal(err)
	}
	if len(d.calls) != 1 || d.calls[0] != "key:body=Escape" {
		t.Fatalf("calls = %v, want key dispatched to body", d.calls)
	}
}

func TestCancelAbortsPendingSleep(t *testing.T) {
	d := &fakeDriver{}
	p := New(d)
	events := []state.Event{
		{Kind: state.KindClick, Timestamp: 0, Target: "a", Data: state.ClickPayload{}},
		{Kind: state.KindClick, Timestamp: 10_000, Target: "a", Data: state.ClickPayload{}},
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := p.Play(ctx, events, Options{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("cancellation did not abort the inter-event sleep")
	}
	if len(d.calls) != 1 {
		t.Fatalf("calls = %v, want only the first click", d.calls)
	}
}

func TestConcurrentPlayRejected(t *testing.T) {
	d := &fakeDriver{}
	p := New(d)
	events := []state.Event{
		{Kind: state.KindClick, Timestamp: 0, Target: "a", Data: state.ClickPayload{}},
		{Kind: state.KindClick, Timestamp: 500, Target: "a", Data: state.ClickPayload{}},
	}

	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		close(started)
		done <- p.Play(context.Background(), events, Options{})
	}()
	<-started
	time.Sleep(20 * time.Millisecond)

	if err := p.Play(context.Background(), events, Options{}); err == nil {
		t.Fatal("second concurrent Play accepted")
	}
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}

func TestActionTimeoutBoundsResolution(t *testing.T) {
	d := &fakeDriver{slowDown: 5 * time.Second}
	p := New(d)
	events := []state.Event{
		{Kind: state.KindClick, Timestamp: 0, Target: "a", Data: state.ClickPayload{}},
	}

	start := time.Now()
	err := p.Play(context.Background(), events, Options{ActionTimeout: 30 * time.Millisecond})
	if err == nil {
		t.Fatal("slow resolution did not fail")
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("ActionTimeout did not bound the resolution wait")
	}
}
