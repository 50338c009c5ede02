package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/portablesession/psp/state"
)

// Memory is an in-process backend. Used by tests and as an ephemeral tier.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	body []byte
	meta state.Metadata
}

// NewMemory creates an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]memoryEntry)}
}

func (m *Memory) Upload(_ context.Context, id string, body []byte, meta state.Metadata) error {
	if err := checkID(id, &meta); err != nil {
		return err
	}
	cp := make([]byte, len(body))
	copy(cp, body)
	m.mu.Lock()
	m.entries[id] = memoryEntry{body: cp, meta: meta}
	m.mu.Unlock()
	return nil
}

func (m *Memory) Download(_ context.Context, id string) ([]byte, state.Metadata, error) {
	m.mu.RLock()
	e, ok := m.entries[id]
	m.mu.RUnlock()
	if !ok {
		return nil, state.Metadata{}, ErrNotFound
	}
	cp := make([]byte, len(e.body))
	copy(cp, e.body)
	return cp, e.meta, nil
}

func (m *Memory) List(_ context.Context) ([]state.Metadata, error) {
	m.mu.RLock()
	metas := make([]state.Metadata, 0, len(m.entries))
	for _, e := range m.entries {
		metas = append(metas, e.meta)
	}
	m.mu.RUnlock()
	sort.Slice(metas, func(i, j int) bool { return metas[i].ID < metas[j].ID })
	return metas, nil
}

func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[id]; !ok {
		return ErrNotFound
	}
	delete(m.entries, id)
	return nil
}

func (m *Memory) Exists(_ context.Context, id string) (bool, error) {
	m.mu.RLock()
	_, ok := m.entries[id]
	m.mu.RUnlock()
	return ok, nil
}
