package session

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/smilecare/toothchart/internal/persistence"
)

// Registry keeps one Session per patient, matching the single active editor
// per chart. Sessions share the store, cache and observability options the
// registry was created with and are cached under their patient id.
type Registry struct {
	store  persistence.ChartStore
	opts   []Option
	logger *zap.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry creates a registry. opts are applied to every session.
func NewRegistry(store persistence.ChartStore, logger *zap.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		store:    store,
		opts:     append([]Option{WithLogger(logger)}, opts...),
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// Open returns the patient's session, creating it on first use. A new
// session is restored from the local cache before it is shared, so no caller
// sees it half restored; a cache failure is logged and the session starts
// empty.
func (r *Registry) Open(ctx context.Context, patientID string) *Session {
	if s, ok := r.Lookup(patientID); ok {
		return s
	}

	opts := append(append([]Option{}, r.opts...), WithCacheKey(patientID))
	s := New(r.store, opts...)
	if _, err := s.Restore(ctx); err != nil {
		r.logger.Warn("session restore failed",
			zap.String("patient_id", patientID),
			zap.Error(err))
	}

	r.mu.Lock()
	if existing, ok := r.sessions[patientID]; ok {
		r.mu.Unlock()
		// lost the race to a concurrent Open
		s.Unload()
		return existing
	}
	r.sessions[patientID] = s
	r.mu.Unlock()
	return s
}

// Lookup returns an existing session
func (r *Registry) Lookup(patientID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[patientID]
	return s, ok
}

// Peek returns the state of the patient's session without creating one.
// A patient with no open session reports an unloaded default state.
func (r *Registry) Peek(patientID string) State {
	if s, ok := r.Lookup(patientID); ok {
		return s.State()
	}
	return New(nil).State()
}

// Close unloads and forgets the patient's session
func (r *Registry) Close(patientID string) {
	r.mu.Lock()
	s, ok := r.sessions[patientID]
	delete(r.sessions, patientID)
	r.mu.Unlock()
	if ok {
		s.Unload()
	}
}

// Len returns the number of open sessions
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// CheckpointAll writes every open session to the local cache. It is used at
// shutdown so unsaved edits survive a restart; it never saves to the chart
// store. It returns the first error after attempting every session.
func (r *Registry) CheckpointAll(ctx context.Context) error {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	var first error
	for _, s := range sessions {
		if err := s.Checkpoint(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}
