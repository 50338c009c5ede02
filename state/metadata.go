package state

import "fmt"

// Metadata is the synchronization unit: everything a store needs to know
// about a session without loading its body. UpdatedAt is the logical clock
// used for conflict resolution; stores must key metadata identically so
// engine comparisons are backend-agnostic.
type Metadata struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Tags      []string `json:"tags,omitempty"`
	CreatedAt int64    `json:"createdAt"`          // unix ms
	UpdatedAt int64    `json:"updatedAt"`          // unix ms, logical clock
	ExpireAt  int64    `json:"expireAt,omitempty"` // unix ms, 0 = never
}

// Validate checks the minimal metadata invariants.
func (m Metadata) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("state: metadata missing id")
	}
	if m.UpdatedAt < m.CreatedAt {
		return fmt.Errorf("state: metadata %s: updatedAt %d before createdAt %d", m.ID, m.UpdatedAt, m.CreatedAt)
	}
	return nil
}

// Expired reports whether the session is past its expiry at the given unix
// millisecond clock. Zero ExpireAt never expires.
func (m Metadata) Expired(nowMs int64) bool {
	return m.ExpireAt != 0 && nowMs >= m.ExpireAt
}

// IndexByID builds a lookup map over a metadata list. Later duplicates win,
// matching "last writer wins" within a single store listing.
func IndexByID(list []Metadata) map[string]Metadata {
	idx := make(map[string]Metadata, len(list))
	for _, m := range list {
		idx[m.ID] = m
	}
	return idx
}
