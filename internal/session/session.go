// Package session holds the editing state for one chart: the loaded
// aggregate, the tooth selection and display preferences. It is the only
// place charts are loaded and saved, and it notifies subscribers after every
// change.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/smilecare/toothchart/internal/domain/chart"
	"github.com/smilecare/toothchart/internal/observability/metrics"
	"github.com/smilecare/toothchart/internal/persistence"
)

var (
	// ErrNoChartLoaded is returned by mutations and saves before a Load
	ErrNoChartLoaded = errors.New("no chart loaded")
	// ErrLoadSuperseded is returned by a Load that finished after a newer
	// load, an unload or an edit; its result is discarded
	ErrLoadSuperseded = errors.New("load superseded")
	// ErrStorageUnavailable wraps load and save failures of the chart store
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// DefaultCacheKey is the cache key of a session created without WithCacheKey
const DefaultCacheKey = "tooth-chart-session"

// State is a point-in-time snapshot of a session, safe to hand to renderers
type State struct {
	PatientID       string                `json:"patientId,omitempty"`
	Loaded          bool                  `json:"loaded"`
	Dirty           bool                  `json:"dirty"`
	Selection       []int                 `json:"selection"`
	NumberingSystem chart.NumberingSystem `json:"numberingSystem"`
	Dentition       chart.Dentition       `json:"dentition"`
	Chart           *chart.Document       `json:"chart,omitempty"`
	SavedAt         *time.Time            `json:"savedAt,omitempty"`
}

// Session is one editor's view of one chart.
//
// Mutations are synchronous and complete before they return. Load and Save
// are the only calls that perform I/O, and neither holds the session lock
// while talking to storage, so the chart stays readable and editable during
// a save. The lock only keeps the HTTP server's goroutines from racing; it is
// not a multi-editor conflict scheme.
type Session struct {
	store    persistence.ChartStore
	cache    persistence.SessionCache
	cacheKey string
	logger   *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
	chartOps []chart.Option

	mu        sync.Mutex
	chart     *chart.Chart
	selection *chart.Selection
	numbering chart.NumberingSystem
	dentition chart.Dentition
	savedAt   *time.Time

	// loadSeq advances on every Load and Unload, gen on every chart change.
	// A Load applies its result only when neither moved while it was in flight.
	loadSeq  uint64
	gen      uint64
	savedGen uint64

	subs    map[int]func(State)
	nextSub int
}

// Option configures a Session
type Option func(*Session)

// WithCache mirrors session state to a local cache
func WithCache(cache persistence.SessionCache) Option {
	return func(s *Session) { s.cache = cache }
}

// WithCacheKey sets the key the session is cached under
func WithCacheKey(key string) Option {
	return func(s *Session) { s.cacheKey = key }
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(s *Session) { s.logger = logger }
}

// WithMetrics records session activity
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithClock overrides the time source for the session and its charts
func WithClock(now func() time.Time) Option {
	return func(s *Session) {
		s.now = now
		s.chartOps = append(s.chartOps, chart.WithClock(now))
	}
}

// WithChartOptions passes options to every chart the session creates
func WithChartOptions(opts ...chart.Option) Option {
	return func(s *Session) { s.chartOps = append(s.chartOps, opts...) }
}

// New creates an unloaded session backed by store
func New(store persistence.ChartStore, opts ...Option) *Session {
	s := &Session{
		store:     store,
		cacheKey:  DefaultCacheKey,
		now:       func() time.Time { return time.Now().UTC() },
		selection: chart.NewSelection(),
		numbering: chart.NumberingUniversal,
		dentition: chart.DentitionAdult,
		subs:      make(map[int]func(State)),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	return s
}

// ToggleTooth adds n to the selection, or removes it if already selected
func (s *Session) ToggleTooth(n int) State {
	return s.update(func() { s.selection.Toggle(n) })
}

// SelectRange replaces the selection with the inclusive walk from a to b
func (s *Session) SelectRange(a, b int) State {
	return s.update(func() { s.selection.SelectRange(a, b) })
}

// ClearSelection empties the selection
func (s *Session) ClearSelection() State {
	return s.update(func() { s.selection.Clear() })
}

// SetNumberingSystem changes how tooth ids are displayed. It is a view
// preference and is not audited.
func (s *Session) SetNumberingSystem(system chart.NumberingSystem) State {
	return s.update(func() { s.numbering = system })
}

// SetDentition changes the displayed dentition. It is a view preference and
// is not audited.
func (s *Session) SetDentition(d chart.Dentition) State {
	return s.update(func() { s.dentition = d })
}

// Label renders a tooth id under the session's display preferences
func (s *Session) Label(tooth int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return chart.Label(tooth, s.numbering, s.dentition)
}

// ToothDetail is everything the loaded chart holds for one tooth
type ToothDetail struct {
	Label      string             `json:"label"`
	Summary    chart.ToothSummary `json:"summary"`
	Treatments []chart.Treatment  `json:"treatments"`
	Notes      []chart.ToothNote  `json:"notes"`
}

// Tooth returns the loaded chart's records for one tooth, labelled under the
// session's display preferences
func (s *Session) Tooth(tooth int) (ToothDetail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.chart == nil {
		return ToothDetail{}, ErrNoChartLoaded
	}
	if !chart.ValidTooth(s.chart.Dentition(), tooth) {
		return ToothDetail{}, fmt.Errorf("%w: %d", chart.ErrInvalidTooth, tooth)
	}
	return ToothDetail{
		Label:      chart.Label(tooth, s.numbering, s.dentition),
		Summary:    s.chart.ToothSummary(tooth),
		Treatments: s.chart.TreatmentsForTooth(tooth),
		Notes:      s.chart.NotesForTooth(tooth),
	}, nil
}

// Load fetches the patient's chart and makes it the session chart. A patient
// with no stored chart gets a new empty one. When the store fails, the chart
// last cached for the same patient is used instead; with nothing cached the
// error wraps ErrStorageUnavailable.
func (s *Session) Load(ctx context.Context, patientID string) (State, error) {
	s.mu.Lock()
	s.loadSeq++
	seq, gen := s.loadSeq, s.gen
	s.mu.Unlock()

	c, source, err := s.fetch(ctx, patientID)
	if err != nil {
		return State{}, err
	}

	s.mu.Lock()
	if seq != s.loadSeq || gen != s.gen {
		s.mu.Unlock()
		s.logger.Info("discarding superseded chart load", zap.String("patient_id", patientID))
		return State{}, fmt.Errorf("%w: %s", ErrLoadSuperseded, patientID)
	}
	if s.chart == nil {
		s.metrics.SessionActive(1)
	}
	s.chart = c
	s.gen++
	// a freshly created chart has nothing to save; a cached one may be ahead of the store
	if source == metrics.SourceCache {
		s.savedGen = 0
	} else {
		s.savedGen = s.gen
	}
	s.savedAt = nil
	st := s.snapshot()
	cached := s.cached()
	subs := s.subscribers()
	s.mu.Unlock()

	s.metrics.ChartLoaded(source)
	s.logger.Info("chart loaded",
		zap.String("patient_id", patientID),
		zap.String("source", source),
		zap.Int("treatments", len(st.Chart.Treatments)))

	s.writeCache(ctx, cached)
	notify(subs, st)
	return st, nil
}

func (s *Session) fetch(ctx context.Context, patientID string) (*chart.Chart, string, error) {
	doc, err := s.store.Load(ctx, patientID)
	switch {
	case err == nil:
		c, err := chart.FromDocument(doc, s.chartOps...)
		if err != nil {
			return nil, "", fmt.Errorf("load chart %s: %w", patientID, err)
		}
		return c, metrics.SourceRemote, nil
	case errors.Is(err, persistence.ErrNotFound):
		return chart.New(patientID, chart.NumberingUniversal, chart.DentitionAdult, s.chartOps...), metrics.SourceNew, nil
	}

	s.logger.Warn("chart store load failed",
		zap.String("patient_id", patientID),
		zap.Error(err))

	if doc, ok := s.cachedChart(ctx, patientID); ok {
		c, cerr := chart.FromDocument(doc, s.chartOps...)
		if cerr == nil {
			return c, metrics.SourceCache, nil
		}
		s.logger.Warn("cached chart rejected", zap.String("patient_id", patientID), zap.Error(cerr))
	}
	return nil, "", fmt.Errorf("%w: load chart %s: %w", ErrStorageUnavailable, patientID, err)
}

func (s *Session) cachedChart(ctx context.Context, patientID string) (chart.Document, bool) {
	if s.cache == nil {
		return chart.Document{}, false
	}
	cs, err := s.cache.Read(ctx, s.cacheKey)
	if err != nil || cs.Chart == nil || cs.Chart.PatientID != patientID {
		return chart.Document{}, false
	}
	return *cs.Chart, true
}

// Restore rehydrates the selection, preferences and last chart from the local
// cache. A loaded chart is never replaced. Nothing cached is not an error.
func (s *Session) Restore(ctx context.Context) (State, error) {
	if s.cache == nil {
		return s.State(), nil
	}
	cs, err := s.cache.Read(ctx, s.cacheKey)
	if errors.Is(err, persistence.ErrNotFound) {
		return s.State(), nil
	}
	if err != nil {
		return State{}, fmt.Errorf("restore session: %w", err)
	}

	var restored *chart.Chart
	if cs.Chart != nil {
		restored, err = chart.FromDocument(*cs.Chart, s.chartOps...)
		if err != nil {
			return State{}, fmt.Errorf("restore session: %w", err)
		}
	}

	return s.update(func() {
		s.selection = chart.NewSelection(cs.Selection...)
		if cs.NumberingSystem != "" {
			s.numbering = cs.NumberingSystem
		}
		if cs.Dentition != "" {
			s.dentition = cs.Dentition
		}
		if restored != nil && s.chart == nil {
			s.chart = restored
			s.gen++
			s.savedGen = 0
			s.metrics.SessionActive(1)
			s.metrics.ChartLoaded(metrics.SourceCache)
		}
	}), nil
}

// Unload drops the session chart and discards any load still in flight.
// Selection and preferences are kept.
func (s *Session) Unload() State {
	return s.update(func() {
		if s.chart != nil {
			s.metrics.SessionActive(-1)
		}
		s.chart = nil
		s.savedAt = nil
		s.loadSeq++
		s.gen++
		s.savedGen = s.gen
	})
}

// AddTreatment creates one treatment per selected tooth. The selection is
// left as it was.
func (s *Session) AddTreatment(userID string, in chart.TreatmentInput) ([]chart.Treatment, State, error) {
	var created []chart.Treatment
	st, err := s.mutate(func(c *chart.Chart) (int, error) {
		var err error
		created, err = c.AddTreatment(userID, in, s.selection.Teeth())
		return len(created), err
	})
	if err == nil {
		s.metrics.Treatments(len(created))
		s.metrics.Audited(string(chart.ActionAddTreatment), len(created))
	}
	return created, st, err
}

// AddTreatmentTo creates one treatment per given tooth, ignoring the selection
func (s *Session) AddTreatmentTo(userID string, in chart.TreatmentInput, teeth []int) ([]chart.Treatment, State, error) {
	var created []chart.Treatment
	st, err := s.mutate(func(c *chart.Chart) (int, error) {
		var err error
		created, err = c.AddTreatment(userID, in, teeth)
		return len(created), err
	})
	if err == nil {
		s.metrics.Treatments(len(created))
		s.metrics.Audited(string(chart.ActionAddTreatment), len(created))
	}
	return created, st, err
}

// UpdateTreatment patches a treatment
func (s *Session) UpdateTreatment(userID, id string, patch chart.TreatmentPatch) (chart.Treatment, State, error) {
	var updated chart.Treatment
	st, err := s.mutate(func(c *chart.Chart) (int, error) {
		var err error
		updated, err = c.UpdateTreatment(userID, id, patch)
		return 1, err
	})
	if err == nil {
		s.metrics.Audited(string(chart.ActionUpdateTreatment), 1)
	}
	return updated, st, err
}

// DeleteTreatment removes a treatment
func (s *Session) DeleteTreatment(userID, id string) (State, error) {
	st, err := s.mutate(func(c *chart.Chart) (int, error) {
		return 1, c.DeleteTreatment(userID, id)
	})
	if err == nil {
		s.metrics.Audited(string(chart.ActionDeleteTreatment), 1)
	}
	return st, err
}

// AddNote appends a note to a tooth
func (s *Session) AddNote(userID string, tooth int, text string) (chart.ToothNote, State, error) {
	var note chart.ToothNote
	st, err := s.mutate(func(c *chart.Chart) (int, error) {
		var err error
		note, err = c.AddNote(userID, tooth, text)
		return 1, err
	})
	if err == nil {
		s.metrics.Audited(string(chart.ActionAddNote), 1)
	}
	return note, st, err
}

// SetMissing marks or unmarks a tooth as missing
func (s *Session) SetMissing(userID string, tooth int, missing bool) (State, error) {
	return s.setToothState(func(c *chart.Chart) (bool, error) {
		return c.SetMissing(userID, tooth, missing)
	})
}

// SetErupting marks or unmarks a tooth as erupting
func (s *Session) SetErupting(userID string, tooth int, erupting bool) (State, error) {
	return s.setToothState(func(c *chart.Chart) (bool, error) {
		return c.SetErupting(userID, tooth, erupting)
	})
}

func (s *Session) setToothState(fn func(c *chart.Chart) (bool, error)) (State, error) {
	var changed bool
	st, err := s.mutate(func(c *chart.Chart) (int, error) {
		var err error
		changed, err = fn(c)
		if !changed {
			return 0, err
		}
		return 1, err
	})
	if err == nil && changed {
		s.metrics.Audited(string(chart.ActionSetToothState), 1)
	}
	return st, err
}

// Save writes the chart to the store. The in-memory chart is unchanged by a
// failed save; the error wraps ErrStorageUnavailable. A successful save is
// also written through to the local cache.
func (s *Session) Save(ctx context.Context) (State, error) {
	s.mu.Lock()
	if s.chart == nil {
		s.mu.Unlock()
		return State{}, ErrNoChartLoaded
	}
	doc := s.chart.Document()
	gen := s.gen
	s.mu.Unlock()

	start := time.Now()
	err := s.store.Save(ctx, doc)
	s.metrics.ObserveSave(err, time.Since(start))
	if err != nil {
		s.logger.Error("chart save failed",
			zap.String("patient_id", doc.PatientID),
			zap.Error(err))
		return State{}, fmt.Errorf("%w: save chart %s: %w", ErrStorageUnavailable, doc.PatientID, err)
	}

	s.mu.Lock()
	// edits made while the save was in flight keep the session dirty
	if s.chart != nil && s.chart.PatientID() == doc.PatientID {
		if gen > s.savedGen {
			s.savedGen = gen
		}
		saved := s.now()
		s.savedAt = &saved
	}
	st := s.snapshot()
	cached := s.cached()
	subs := s.subscribers()
	s.mu.Unlock()

	s.logger.Debug("chart saved",
		zap.String("patient_id", doc.PatientID),
		zap.Int("audit_entries", len(doc.Audit)))

	s.writeCache(ctx, cached)
	notify(subs, st)
	return st, nil
}

// Checkpoint writes the cached subset of the session to the local cache
func (s *Session) Checkpoint(ctx context.Context) error {
	if s.cache == nil {
		return nil
	}
	s.mu.Lock()
	cached := s.cached()
	s.mu.Unlock()

	if err := s.cache.Write(ctx, s.cacheKey, cached); err != nil {
		return fmt.Errorf("checkpoint session: %w", err)
	}
	return nil
}

// State returns a snapshot of the session
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot()
}

// Subscribe registers fn to receive a snapshot after every change. Callbacks
// run synchronously on the goroutine that made the change, outside the
// session lock. The returned func removes the subscription.
func (s *Session) Subscribe(fn func(State)) (cancel func()) {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

// update applies a change that cannot fail and notifies subscribers
func (s *Session) update(fn func()) State {
	s.mu.Lock()
	fn()
	st := s.snapshot()
	subs := s.subscribers()
	s.mu.Unlock()

	notify(subs, st)
	return st
}

// mutate runs fn against the loaded chart. fn reports how many audit
// entries it appended; zero means the chart did not change.
func (s *Session) mutate(fn func(c *chart.Chart) (int, error)) (State, error) {
	s.mu.Lock()
	if s.chart == nil {
		s.mu.Unlock()
		return State{}, ErrNoChartLoaded
	}
	n, err := fn(s.chart)
	if err != nil {
		s.mu.Unlock()
		return State{}, err
	}
	if n > 0 {
		s.gen++
	}
	st := s.snapshot()
	subs := s.subscribers()
	s.mu.Unlock()

	notify(subs, st)
	return st, nil
}

func (s *Session) snapshot() State {
	st := State{
		Loaded:          s.chart != nil,
		Dirty:           s.chart != nil && s.gen != s.savedGen,
		Selection:       s.selection.Teeth(),
		NumberingSystem: s.numbering,
		Dentition:       s.dentition,
	}
	if s.chart != nil {
		doc := s.chart.Document()
		st.PatientID = doc.PatientID
		st.Chart = &doc
	}
	if s.savedAt != nil {
		at := *s.savedAt
		st.SavedAt = &at
	}
	return st
}

func (s *Session) cached() persistence.CachedSession {
	cs := persistence.CachedSession{
		Selection:       s.selection.Teeth(),
		NumberingSystem: s.numbering,
		Dentition:       s.dentition,
	}
	if s.chart != nil {
		doc := s.chart.Document()
		cs.Chart = &doc
	}
	return cs
}

func (s *Session) writeCache(ctx context.Context, cs persistence.CachedSession) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Write(ctx, s.cacheKey, cs); err != nil {
		s.logger.Warn("session cache write failed",
			zap.String("key", s.cacheKey),
			zap.Error(err))
	}
}

func (s *Session) subscribers() []func(State) {
	if len(s.subs) == 0 {
		return nil
	}
	ids := make([]int, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]func(State), len(ids))
	for i, id := range ids {
		out[i] = s.subs[id]
	}
	return out
}

func notify(subs []func(State), st State) {
	for _, fn := range subs {
		fn(st)
	}
}
