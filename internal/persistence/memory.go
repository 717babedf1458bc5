package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/smilecare/toothchart/internal/domain/chart"
)

// MemoryStore keeps charts and cached sessions in process. Values are stored
// as JSON so callers never share memory with the store, matching what a real
// document store hands back.
type MemoryStore struct {
	mu       sync.RWMutex
	charts   map[string][]byte
	sessions map[string][]byte
}

var (
	_ ChartStore   = (*MemoryStore)(nil)
	_ SessionCache = (*MemoryStore)(nil)
)

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		charts:   make(map[string][]byte),
		sessions: make(map[string][]byte),
	}
}

// Load returns the stored chart for a patient
func (m *MemoryStore) Load(ctx context.Context, patientID string) (chart.Document, error) {
	if err := ctx.Err(); err != nil {
		return chart.Document{}, err
	}
	m.mu.RLock()
	data, ok := m.charts[patientID]
	m.mu.RUnlock()
	if !ok {
		return chart.Document{}, fmt.Errorf("chart %s: %w", patientID, ErrNotFound)
	}

	var doc chart.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return chart.Document{}, fmt.Errorf("decode chart %s: %w", patientID, err)
	}
	return doc, nil
}

// Save replaces the stored chart for doc.PatientID
func (m *MemoryStore) Save(ctx context.Context, doc chart.Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode chart %s: %w", doc.PatientID, err)
	}
	m.mu.Lock()
	m.charts[doc.PatientID] = data
	m.mu.Unlock()
	return nil
}

// Read returns a cached session
func (m *MemoryStore) Read(ctx context.Context, key string) (CachedSession, error) {
	if err := ctx.Err(); err != nil {
		return CachedSession{}, err
	}
	m.mu.RLock()
	data, ok := m.sessions[key]
	m.mu.RUnlock()
	if !ok {
		return CachedSession{}, fmt.Errorf("session %s: %w", key, ErrNotFound)
	}

	var s CachedSession
	if err := json.Unmarshal(data, &s); err != nil {
		return CachedSession{}, fmt.Errorf("decode session %s: %w", key, err)
	}
	return s, nil
}

// Write stores a cached session
func (m *MemoryStore) Write(ctx context.Context, key string, s CachedSession) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", key, err)
	}
	m.mu.Lock()
	m.sessions[key] = data
	m.mu.Unlock()
	return nil
}

// Len returns the number of stored charts
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.charts)
}
