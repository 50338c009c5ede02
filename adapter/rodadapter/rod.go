package rodadapter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/portablesession/psp/adapter"
	"github.com/portablesession/psp/replay"
	"github.com/portablesession/psp/state"
)

var _ adapter.Adapter = (*Page)(nil)

// snapshotJS reads everything capturable from inside the page in one round
// trip. Web storage is dumped key by key because neither object is
// JSON-serializable directly.
const snapshotJS = `() => {
	const dump = (s) => {
		const o = {};
		for (let i = 0; i < s.length; i++) {
			const k = s.key(i);
			o[k] = s.getItem(k);
		}
		return o;
	};
	return {
		origin: location.origin,
		url: location.href,
		title: document.title,
		localStorage: dump(localStorage),
		sessionStorage: dump(sessionStorage),
	};
}`

const restoreStorageJS = `(local, session) => {
	localStorage.clear();
	for (const [k, v] of Object.entries(local)) localStorage.setItem(k, v);
	sessionStorage.clear();
	for (const [k, v] of Object.entries(session)) sessionStorage.setItem(k, v);
}`

// Page binds one Rod page to the adapter contract.
type Page struct {
	page   *rod.Page
	logger *slog.Logger
}

// PageOption configures a Page.
type PageOption func(*Page)

// WithPageLogger overrides the default slog logger.
func WithPageLogger(l *slog.Logger) PageOption {
	return func(p *Page) { p.logger = l }
}

// Open creates a tab on the browser and navigates it to url. When useStealth
// is set the page is created with evasion patches applied before any script
// of the target runs.
func Open(ctx context.Context, b *Browser, url string, useStealth bool, opts ...PageOption) (*Page, error) {
	var (
		page *rod.Page
		err  error
	)
	if useStealth {
		page, err = stealth.Page(b.Rod())
	} else {
		page, err = b.Rod().Page(proto.TargetCreateTarget{})
	}
	if err != nil {
		return nil, fmt.Errorf("rodadapter: create tab: %w", err)
	}

	p := &Page{page: page, logger: slog.Default()}
	for _, o := range opts {
		o(p)
	}

	navCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := page.Context(navCtx).Navigate(url); err != nil {
		page.Close()
		return nil, fmt.Errorf("rodadapter: navigate %s: %w", url, err)
	}
	if err := page.Context(navCtx).WaitLoad(); err != nil {
		p.logger.Warn("rodadapter: wait load timeout", "url", url, "error", err)
	}
	return p, nil
}

// Wrap binds an existing page, e.g. one opened by other tooling.
func Wrap(page *rod.Page, opts ...PageOption) *Page {
	p := &Page{page: page, logger: slog.Default()}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Eval runs js in the page and returns the result as raw JSON.
func (p *Page) Eval(ctx context.Context, js string) (json.RawMessage, error) {
	res, err := p.page.Context(ctx).Eval(js)
	if err != nil {
		return nil, fmt.Errorf("rodadapter: eval: %w", err)
	}
	return json.RawMessage(res.Value.JSON("", "")), nil
}

// pageSnapshot mirrors the shape snapshotJS returns.
type pageSnapshot struct {
	Origin         string            `json:"origin"`
	URL            string            `json:"url"`
	Title          string            `json:"title"`
	LocalStorage   map[string]string `json:"localStorage"`
	SessionStorage map[string]string `json:"sessionStorage"`
}

// CaptureState snapshots cookies, web storage, and the current history
// position for the page's origin.
func (p *Page) CaptureState(ctx context.Context) (*state.SessionState, error) {
	raw, err := p.Eval(ctx, snapshotJS)
	if err != nil {
		return nil, fmt.Errorf("rodadapter: capture: %w", err)
	}
	var snap pageSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("rodadapter: decode snapshot: %w", err)
	}

	cookies, err := p.page.Context(ctx).Cookies(nil)
	if err != nil {
		return nil, fmt.Errorf("rodadapter: read cookies: %w", err)
	}

	now := time.Now().UnixMilli()
	s := state.New(snap.Origin, now)
	for _, c := range cookies {
		s.Storage.Cookies = append(s.Storage.Cookies, fromNetworkCookie(c))
	}
	if len(snap.LocalStorage) > 0 {
		s.Storage.LocalStorage[snap.Origin] = snap.LocalStorage
	}
	if len(snap.SessionStorage) > 0 {
		s.Storage.SessionStorage[snap.Origin] = snap.SessionStorage
	}
	s.History = &state.HistoryState{
		CurrentURL:   snap.URL,
		Entries:      []state.HistoryEntry{{URL: snap.URL, Title: snap.Title, Timestamp: now}},
		CurrentIndex: 0,
	}
	return s, nil
}

// ApplyState navigates to the snapshot's origin, restores cookies and web
// storage, then lands on the recorded current URL so the page boots with
// everything in place.
func (p *Page) ApplyState(ctx context.Context, s *state.SessionState) error {
	if err := s.Validate(); err != nil {
		return fmt.Errorf("rodadapter: apply: %w", err)
	}

	page := p.page.Context(ctx)
	if err := page.Navigate(s.Origin); err != nil {
		return fmt.Errorf("rodadapter: navigate %s: %w", s.Origin, err)
	}
	if err := page.WaitLoad(); err != nil {
		p.logger.Warn("rodadapter: wait load", "url", s.Origin, "error", err)
	}

	if len(s.Storage.Cookies) > 0 {
		params := make([]*proto.NetworkCookieParam, 0, len(s.Storage.Cookies))
		for _, c := range s.Storage.Cookies {
			params = append(params, toCookieParam(c))
		}
		if err := page.SetCookies(params); err != nil {
			return fmt.Errorf("rodadapter: set cookies: %w", err)
		}
	}

	local := s.Storage.LocalStorage[s.Origin]
	if local == nil {
		local = map[string]string{}
	}
	session := s.Storage.SessionStorage[s.Origin]
	if session == nil {
		session = map[string]string{}
	}
	if _, err := page.Eval(restoreStorageJS, local, session); err != nil {
		return fmt.Errorf("rodadapter: restore storage: %w", err)
	}

	// Land on the recorded position with the restored state active.
	target := s.Origin
	if s.History != nil && s.History.CurrentURL != "" {
		target = s.History.CurrentURL
	}
	if err := page.Navigate(target); err != nil {
		return fmt.Errorf("rodadapter: navigate %s: %w", target, err)
	}
	if err := page.WaitLoad(); err != nil {
		p.logger.Warn("rodadapter: wait load", "url", target, "error", err)
	}
	return nil
}

// Locate resolves a CSS path to a live element.
func (p *Page) Locate(ctx context.Context, selector string) (replay.Target, error) {
	el, err := p.page.Context(ctx).Element(selector)
	if err != nil {
		return nil, fmt.Errorf("rodadapter: locate %q: %w", selector, err)
	}
	return &element{el: el}, nil
}

// Navigate loads url and waits for the page to settle.
func (p *Page) Navigate(ctx context.Context, url string) error {
	page := p.page.Context(ctx)
	if err := page.Navigate(url); err != nil {
		return fmt.Errorf("rodadapter: navigate %s: %w", url, err)
	}
	if err := page.WaitLoad(); err != nil {
		p.logger.Warn("rodadapter: wait load", "url", url, "error", err)
	}
	return nil
}

// ScrollTo moves the viewport to an absolute position.
func (p *Page) ScrollTo(ctx context.Context, x, y float64) error {
	if _, err := p.page.Context(ctx).Eval(`(x, y) => window.scrollTo(x, y)`, x, y); err != nil {
		return fmt.Errorf("rodadapter: scroll: %w", err)
	}
	return nil
}

// Close closes the tab.
func (p *Page) Close() error {
	return p.page.Close()
}

// element adapts a Rod element to the replay target contract.
type element struct {
	el *rod.Element
}

// Click replays a pointer press on the re-located element. A plain click
// goes through the native input pipeline; a modifier click is synthesized
// as DOM events carrying the recorded coordinates and modifier keys, which
// the native path cannot express.
func (e *element) Click(ctx context.Context, payload state.ClickPayload) error {
	if hasModifiers(payload) {
		_, err := e.el.Context(ctx).Eval(`(button, x, y, alt, ctrl, meta, shift) => {
			const opts = {
				button, clientX: x, clientY: y,
				bubbles: true, cancelable: true, view: window,
				altKey: alt, ctrlKey: ctrl, metaKey: meta, shiftKey: shift,
			};
			this.dispatchEvent(new MouseEvent("mousedown", opts));
			this.dispatchEvent(new MouseEvent("mouseup", opts));
			this.dispatchEvent(new MouseEvent("click", opts));
		}`, payload.Button, payload.X, payload.Y, payload.Alt, payload.Ctrl, payload.Meta, payload.Shift)
		if err != nil {
			return fmt.Errorf("rodadapter: click: %w", err)
		}
		return nil
	}
	if err := e.el.Context(ctx).Click(mouseButton(payload.Button), 1); err != nil {
		return fmt.Errorf("rodadapter: click: %w", err)
	}
	return nil
}

// SetValue writes the recorded value wholesale and fires the events a real
// edit would, so framework bindings pick the change up.
func (e *element) SetValue(ctx context.Context, value string) error {
	_, err := e.el.Context(ctx).Eval(`(v) => {
		this.value = v;
		this.dispatchEvent(new Event("input", {bubbles: true}));
		this.dispatchEvent(new Event("change", {bubbles: true}));
	}`, value)
	if err != nil {
		return fmt.Errorf("rodadapter: set value: %w", err)
	}
	return nil
}

func (e *element) PressKey(ctx context.Context, payload state.KeyPayload) error {
	_, err := e.el.Context(ctx).Eval(`(key, code, alt, ctrl, meta, shift) => {
		const opts = {
			key, code,
			bubbles: true, cancelable: true,
			altKey: alt, ctrlKey: ctrl, metaKey: meta, shiftKey: shift,
		};
		this.dispatchEvent(new KeyboardEvent("keydown", opts));
		this.dispatchEvent(new KeyboardEvent("keyup", opts));
	}`, payload.Key, payload.Code, payload.Alt, payload.Ctrl, payload.Meta, payload.Shift)
	if err != nil {
		return fmt.Errorf("rodadapter: press key: %w", err)
	}
	return nil
}
