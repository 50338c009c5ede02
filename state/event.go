package state

import (
	"encoding/json"
	"fmt"
)

// Kind identifies an interaction event. The set is closed: the replay actor
// table is keyed by Kind and covers every value below.
type Kind string

const (
	KindClick      Kind = "click"
	KindInput      Kind = "input"
	KindKeydown    Kind = "keydown"
	KindNavigation Kind = "navigation"
	KindScroll     Kind = "scroll"
)

// Kinds lists every event kind in declaration order.
var Kinds = []Kind{KindClick, KindInput, KindKeydown, KindNavigation, KindScroll}

// Valid reports whether k is a known event kind.
func (k Kind) Valid() bool {
	switch k {
	case KindClick, KindInput, KindKeydown, KindNavigation, KindScroll:
		return true
	}
	return false
}

// NavigationType classifies how a navigation event was triggered.
type NavigationType string

const (
	// NavigationNavigate is a programmatic location change
	// (history.pushState / history.replaceState).
	NavigationNavigate NavigationType = "navigate"
	// NavigationBackForward is the browser back/forward signal (popstate).
	NavigationBackForward NavigationType = "back_forward"
)

// Event is one recorded user interaction. Timestamp is milliseconds relative
// to the recording start. Target is a CSS path, empty for events without a
// DOM target (navigation, window scroll).
type Event struct {
	Kind      Kind
	Timestamp int64
	Target    string
	Data      Payload
}

// Payload is the type-specific event payload. Exactly one concrete type
// exists per Kind.
type Payload interface {
	kind() Kind
}

// ClickPayload carries pointer button, client coordinates and modifiers.
type ClickPayload struct {
	Button int     `json:"button"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Alt    bool    `json:"altKey"`
	Ctrl   bool    `json:"ctrlKey"`
	Meta   bool    `json:"metaKey"`
	Shift  bool    `json:"shiftKey"`
}

// InputPayload carries the full value of the element at event time, not a
// diff.
type InputPayload struct {
	Value string `json:"value"`
}

// KeyPayload carries the key, physical code and modifiers of a keydown.
type KeyPayload struct {
	Key   string `json:"key"`
	Code  string `json:"code"`
	Alt   bool   `json:"altKey"`
	Ctrl  bool   `json:"ctrlKey"`
	Meta  bool   `json:"metaKey"`
	Shift bool   `json:"shiftKey"`
}

// NavigationPayload carries the destination URL and how it was reached.
type NavigationPayload struct {
	URL            string         `json:"url"`
	NavigationType NavigationType `json:"navigationType"`
}

// ScrollPayload carries the final scroll position of a debounced scroll
// burst.
type ScrollPayload struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

func (ClickPayload) kind() Kind      { return KindClick }
func (InputPayload) kind() Kind      { return KindInput }
func (KeyPayload) kind() Kind        { return KindKeydown }
func (NavigationPayload) kind() Kind { return KindNavigation }
func (ScrollPayload) kind() Kind     { return KindScroll }

// eventJSON is the wire shape of an Event.
type eventJSON struct {
	Type      Kind            `json:"type"`
	Timestamp int64           `json:"timestamp"`
	Target    string          `json:"target,omitempty"`
	Data      json.RawMessage `json:"data"`
}

// MarshalJSON writes the event in its wire shape
// {"type","timestamp","target","data"}.
func (e Event) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(e.Data)
	if err != nil {
		return nil, fmt.Errorf("state: marshal %s payload: %w", e.Kind, err)
	}
	return json.Marshal(eventJSON{
		Type:      e.Kind,
		Timestamp: e.Timestamp,
		Target:    e.Target,
		Data:      data,
	})
}

// UnmarshalJSON decodes the payload into the concrete type for the event
// kind. Unknown kinds are rejected rather than silently carried.
func (e *Event) UnmarshalJSON(b []byte) error {
	var w eventJSON
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	payload, err := decodePayload(w.Type, w.Data)
	if err != nil {
		return err
	}
	e.Kind = w.Type
	e.Timestamp = w.Timestamp
	e.Target = w.Target
	e.Data = payload
	return nil
}

func decodePayload(k Kind, raw json.RawMessage) (Payload, error) {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	var p Payload
	switch k {
	case KindClick:
		p = new(ClickPayload)
	case KindInput:
		p = new(InputPayload)
	case KindKeydown:
		p = new(KeyPayload)
	case KindNavigation:
		p = new(NavigationPayload)
	case KindScroll:
		p = new(ScrollPayload)
	default:
		return nil, fmt.Errorf("state: unknown event kind %q", k)
	}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("state: decode %s payload: %w", k, err)
	}
	return deref(p), nil
}

// deref flattens the pointer used for decoding back to a value payload.
func deref(p Payload) Payload {
	switch v := p.(type) {
	case *ClickPayload:
		return *v
	case *InputPayload:
		return *v
	case *KeyPayload:
		return *v
	case *NavigationPayload:
		return *v
	case *ScrollPayload:
		return *v
	}
	return p
}
