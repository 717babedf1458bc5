package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps inbox entries in process, for single-instance
// deployments and tests
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]Entry
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

// Get returns a copy of the entry
func (m *MemoryStore) Get(_ context.Context, key string) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	return &e, nil
}

// Start records entry unless the key is held
func (m *MemoryStore) Start(_ context.Context, entry Entry) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.entries[entry.Key]; ok && cur.Status != StatusRecoverable && !entry.UpdatedAt.After(cur.ExpiresAt) {
		return false, nil
	}
	entry.Status = StatusStarted
	entry.Response = nil
	m.entries[entry.Key] = entry
	return true, nil
}

// Finish stores the response
func (m *MemoryStore) Finish(_ context.Context, key string, resp Response) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return ErrNotFound
	}
	e.Status = StatusFinished
	e.Response = &resp
	m.entries[key] = e
	return nil
}

// Release marks an entry RECOVERABLE
func (m *MemoryStore) Release(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return nil
	}
	e.Status = StatusRecoverable
	m.entries[key] = e
	return nil
}

// Cleanup removes entries that expired before now
func (m *MemoryStore) Cleanup(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, e := range m.entries {
		if e.ExpiresAt.Before(now) {
			delete(m.entries, k)
			n++
		}
	}
	return n, nil
}
