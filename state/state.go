// Package state defines the portable session format: a serializable snapshot
// of browser storage, navigation history and recorded interactions, plus the
// metadata record used as the unit of synchronization.
//
// The wire format is plain JSON. localStorage and sessionStorage serialize as
// nested objects (origin → {key: value}); recording events serialize as an
// array sorted ascending by timestamp.
package state

import (
	"fmt"
	"net/url"
	"sort"
)

// Version is the format version written into new snapshots.
const Version = "1.0.0"

// SessionState is one point-in-time snapshot of a browser session.
type SessionState struct {
	Version    string          `json:"version"`
	Timestamp  int64           `json:"timestamp"` // unix ms of capture
	Origin     string          `json:"origin"`    // scheme://host[:port]
	Storage    StorageState    `json:"storage"`
	History    *HistoryState   `json:"history,omitempty"`
	Recording  *RecordingState `json:"recording,omitempty"`
	Extensions map[string]any  `json:"extensions,omitempty"`
}

// StorageState holds cookies plus origin-keyed web storage.
type StorageState struct {
	Cookies        []Cookie                     `json:"cookies"`
	LocalStorage   map[string]map[string]string `json:"localStorage"`
	SessionStorage map[string]map[string]string `json:"sessionStorage"`
}

// SameSite values per RFC 6265bis.
type SameSite string

const (
	SameSiteStrict SameSite = "Strict"
	SameSiteLax    SameSite = "Lax"
	SameSiteNone   SameSite = "None"
)

// Cookie is a single browser cookie. Identity is (Name, Domain, Path).
type Cookie struct {
	Name        string   `json:"name"`
	Value       string   `json:"value"`
	Domain      string   `json:"domain"`
	Path        string   `json:"path"`
	Expires     *float64 `json:"expires"` // epoch seconds; nil = session cookie
	HTTPOnly    bool     `json:"httpOnly"`
	Secure      bool     `json:"secure"`
	SameSite    SameSite `json:"sameSite"`
	Partitioned bool     `json:"partitioned"`
}

// Key returns the identity tuple of the cookie.
func (c Cookie) Key() string {
	return c.Name + "\x00" + c.Domain + "\x00" + c.Path
}

// HistoryState captures the navigation position of the session.
type HistoryState struct {
	CurrentURL   string         `json:"currentUrl"`
	Entries      []HistoryEntry `json:"entries"`
	CurrentIndex int            `json:"currentIndex"`
}

// HistoryEntry is one visited page.
type HistoryEntry struct {
	URL       string `json:"url"`
	Title     string `json:"title"`
	Timestamp int64  `json:"timestamp"` // unix ms
}

// RecordingState is a time-ordered list of interaction events bound to one
// capture window. Events are immutable once appended.
type RecordingState struct {
	Events    []Event `json:"events"`
	StartTime int64   `json:"startTime"` // unix ms
	Duration  int64   `json:"duration"`  // ms, ≥ max(event timestamp)
}

// New returns an empty snapshot for origin with the current format version.
func New(origin string, timestamp int64) *SessionState {
	return &SessionState{
		Version:   Version,
		Timestamp: timestamp,
		Origin:    origin,
		Storage: StorageState{
			Cookies:        []Cookie{},
			LocalStorage:   map[string]map[string]string{},
			SessionStorage: map[string]map[string]string{},
		},
	}
}

// ValidateOrigin checks that s is a URL origin: scheme + host, optional port,
// nothing else.
func ValidateOrigin(s string) error {
	u, err := url.Parse(s)
	if err != nil {
		return fmt.Errorf("state: origin %q: %w", s, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("state: origin %q: missing scheme or host", s)
	}
	if u.Path != "" && u.Path != "/" {
		return fmt.Errorf("state: origin %q: must not carry a path", s)
	}
	if u.RawQuery != "" || u.Fragment != "" || u.User != nil {
		return fmt.Errorf("state: origin %q: must be scheme://host[:port] only", s)
	}
	return nil
}

// Validate checks the structural invariants of the snapshot: valid origin,
// sorted events, and the recording duration covering every event.
func (s *SessionState) Validate() error {
	if s.Version == "" {
		return fmt.Errorf("state: missing version")
	}
	if err := ValidateOrigin(s.Origin); err != nil {
		return err
	}
	if r := s.Recording; r != nil {
		for i := 1; i < len(r.Events); i++ {
			if r.Events[i].Timestamp < r.Events[i-1].Timestamp {
				return fmt.Errorf("state: recording events out of order at index %d", i)
			}
		}
		for _, e := range r.Events {
			if e.Timestamp > r.Duration {
				return fmt.Errorf("state: event timestamp %d exceeds recording duration %d", e.Timestamp, r.Duration)
			}
		}
	}
	return nil
}

// SortEvents sorts events ascending by timestamp, preserving the relative
// order of events with equal timestamps. Captured-then-appended batches can
// arrive out of order across poll cycles, so sorting is not optional.
func SortEvents(events []Event) {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp < events[j].Timestamp
	})
}

// Merge combines two snapshots of the same logical session. The newer
// snapshot wins wholesale for storage and history; recordings are
// concatenated and re-sorted. The result carries the newer timestamp.
func Merge(a, b *SessionState) *SessionState {
	newer, older := a, b
	if b.Timestamp > a.Timestamp {
		newer, older = b, a
	}

	out := *newer
	if newer.Recording == nil {
		out.Recording = older.Recording
	} else if older.Recording != nil {
		events := make([]Event, 0, len(older.Recording.Events)+len(newer.Recording.Events))
		events = append(events, older.Recording.Events...)
		events = append(events, newer.Recording.Events...)
		SortEvents(events)
		start := older.Recording.StartTime
		if newer.Recording.StartTime < start {
			start = newer.Recording.StartTime
		}
		dur := older.Recording.Duration
		if newer.Recording.Duration > dur {
			dur = newer.Recording.Duration
		}
		out.Recording = &RecordingState{Events: events, StartTime: start, Duration: dur}
	}

	if len(older.Extensions) > 0 {
		ext := make(map[string]any, len(older.Extensions)+len(newer.Extensions))
		for k, v := range older.Extensions {
			ext[k] = v
		}
		for k, v := range newer.Extensions {
			ext[k] = v
		}
		out.Extensions = ext
	}
	return &out
}
