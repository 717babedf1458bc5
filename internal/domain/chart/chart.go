package chart

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Chart is the aggregate root of one patient's dental record. It owns its
// treatments, notes, tooth state sets and the append-only audit log; none of
// them exist outside their chart.
//
// Every mutation validates fully before touching state, then appends exactly
// the audit entries it describes. A failed mutation leaves the chart unchanged.
// A Chart is not safe for concurrent use; callers serialize access.
type Chart struct {
	patientID  string
	numbering  NumberingSystem
	dentition  Dentition
	treatments []Treatment
	notes      []ToothNote
	missing    []int
	erupting   []int
	audit      []AuditEntry

	now   func() time.Time
	newID func() string
}

// Option configures a Chart
type Option func(*Chart)

// WithClock overrides the time source used for timestamps
func WithClock(now func() time.Time) Option {
	return func(c *Chart) { c.now = now }
}

// WithIDGenerator overrides the random component of generated ids
func WithIDGenerator(fn func() string) Option {
	return func(c *Chart) { c.newID = fn }
}

// Document is the serialized shape of a chart, as stored remotely and cached
// locally
type Document struct {
	PatientID       string          `json:"patientId"`
	NumberingSystem NumberingSystem `json:"numberingSystem"`
	Dentition       Dentition       `json:"dentition"`
	Treatments      []Treatment     `json:"treatments"`
	Notes           []ToothNote     `json:"notes"`
	Missing         []int           `json:"missing"`
	Erupting        []int           `json:"erupting"`
	Audit           []AuditEntry    `json:"audit"`
}

// New creates an empty chart for a patient charted for the first time
func New(patientID string, system NumberingSystem, dentition Dentition, opts ...Option) *Chart {
	if system == "" {
		system = NumberingUniversal
	}
	if dentition == "" {
		dentition = DentitionAdult
	}
	c := &Chart{
		patientID:  patientID,
		numbering:  system,
		dentition:  dentition,
		treatments: []Treatment{},
		notes:      []ToothNote{},
		missing:    []int{},
		erupting:   []int{},
		audit:      []AuditEntry{},
		now:        func() time.Time { return time.Now().UTC() },
		newID:      uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FromDocument rebuilds a chart from its persisted form
func FromDocument(doc Document, opts ...Option) (*Chart, error) {
	if strings.TrimSpace(doc.PatientID) == "" {
		return nil, fmt.Errorf("%w: missing patient id", ErrInvalidDocument)
	}
	if doc.NumberingSystem != "" {
		if _, err := ParseNumberingSystem(string(doc.NumberingSystem)); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
		}
	}
	if doc.Dentition != "" {
		if _, err := ParseDentition(string(doc.Dentition)); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
		}
	}

	seen := make(map[string]bool, len(doc.Treatments))
	for _, t := range doc.Treatments {
		if t.ID == "" || seen[t.ID] {
			return nil, fmt.Errorf("%w: treatment id %q missing or duplicated", ErrInvalidDocument, t.ID)
		}
		seen[t.ID] = true
	}

	c := New(doc.PatientID, doc.NumberingSystem, doc.Dentition, opts...)
	for _, t := range doc.Treatments {
		c.treatments = append(c.treatments, t.clone())
	}
	c.notes = append(c.notes, doc.Notes...)
	c.missing = append(c.missing, doc.Missing...)
	c.erupting = append(c.erupting, doc.Erupting...)
	for _, e := range doc.Audit {
		c.audit = append(c.audit, e.clone())
	}
	return c, nil
}

// Document returns a deep copy of the chart in its serialized shape
func (c *Chart) Document() Document {
	return Document{
		PatientID:       c.patientID,
		NumberingSystem: c.numbering,
		Dentition:       c.dentition,
		Treatments:      c.Treatments(),
		Notes:           c.Notes(),
		Missing:         c.Missing(),
		Erupting:        c.Erupting(),
		Audit:           c.Audit(),
	}
}

// PatientID returns the owning patient id
func (c *Chart) PatientID() string { return c.patientID }

// NumberingSystem returns the numbering system recorded on the chart
func (c *Chart) NumberingSystem() NumberingSystem { return c.numbering }

// Dentition returns the dentition that defines the valid tooth ids
func (c *Chart) Dentition() Dentition { return c.dentition }

// Treatments returns a copy of all treatments in insertion order
func (c *Chart) Treatments() []Treatment {
	out := make([]Treatment, len(c.treatments))
	for i, t := range c.treatments {
		out[i] = t.clone()
	}
	return out
}

// Treatment looks up a treatment by id
func (c *Chart) Treatment(id string) (Treatment, bool) {
	if i := c.indexOf(id); i >= 0 {
		return c.treatments[i].clone(), true
	}
	return Treatment{}, false
}

// TreatmentsForTooth returns the treatments recorded on one tooth
func (c *Chart) TreatmentsForTooth(tooth int) []Treatment {
	var out []Treatment
	for _, t := range c.treatments {
		if t.Tooth == tooth {
			out = append(out, t.clone())
		}
	}
	return out
}

// Notes returns a copy of all notes in insertion order
func (c *Chart) Notes() []ToothNote { return slices.Clone(c.notes) }

// NotesForTooth returns the notes recorded on one tooth
func (c *Chart) NotesForTooth(tooth int) []ToothNote {
	var out []ToothNote
	for _, n := range c.notes {
		if n.Tooth == tooth {
			out = append(out, n)
		}
	}
	return out
}

// Missing returns the ids marked missing
func (c *Chart) Missing() []int { return slices.Clone(c.missing) }

// Erupting returns the ids marked erupting
func (c *Chart) Erupting() []int { return slices.Clone(c.erupting) }

// Audit returns a copy of the audit log
func (c *Chart) Audit() []AuditEntry {
	out := make([]AuditEntry, len(c.audit))
	for i, e := range c.audit {
		out[i] = e.clone()
	}
	return out
}

// AuditLen returns the number of audit entries
func (c *Chart) AuditLen() int { return len(c.audit) }

// ToothSummary is the per-tooth digest a tooth grid renders
type ToothSummary struct {
	Tooth      int  `json:"tooth"`
	Planned    int  `json:"planned"`
	Completed  int  `json:"completed"`
	Failed     int  `json:"failed"`
	Treatments int  `json:"treatments"`
	Notes      int  `json:"notes"`
	Missing    bool `json:"missing"`
	Erupting   bool `json:"erupting"`
}

// ToothSummary aggregates treatment counts and state flags for one tooth
func (c *Chart) ToothSummary(tooth int) ToothSummary {
	s := ToothSummary{
		Tooth:    tooth,
		Missing:  slices.Contains(c.missing, tooth),
		Erupting: slices.Contains(c.erupting, tooth),
	}
	for _, t := range c.treatments {
		if t.Tooth != tooth {
			continue
		}
		s.Treatments++
		switch t.Status {
		case StatusPlanned:
			s.Planned++
		case StatusCompleted:
			s.Completed++
		case StatusFailed:
			s.Failed++
		}
	}
	for _, n := range c.notes {
		if n.Tooth == tooth {
			s.Notes++
		}
	}
	return s
}

// AddTreatment creates one treatment per target tooth from the same payload
// and appends one addTreatment audit entry per created treatment. Duplicate
// targets are collapsed. Either every treatment is added or none is.
func (c *Chart) AddTreatment(userID string, in TreatmentInput, teeth []int) ([]Treatment, error) {
	targets := dedupe(teeth)
	if len(targets) == 0 {
		return nil, ErrNoTeeth
	}
	for _, tooth := range targets {
		if err := c.checkTooth(tooth); err != nil {
			return nil, err
		}
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}

	now := c.now()
	user := actor(userID)
	created := make([]Treatment, 0, len(targets))
	entries := make([]AuditEntry, 0, len(targets))
	for _, tooth := range targets {
		t := in.build(fmt.Sprintf("%d-%s", tooth, c.newID()), tooth, now)
		created = append(created, t)
		entries = append(entries, newAuditEntry(t.ID+"-audit", user, now, TreatmentAdded{t.clone()}))
	}

	c.treatments = append(c.treatments, created...)
	c.audit = append(c.audit, entries...)

	out := make([]Treatment, len(created))
	for i, t := range created {
		out[i] = t.clone()
	}
	return out, nil
}

// UpdateTreatment applies a patch to an existing treatment. The audit entry
// carries the patch, not the resulting treatment.
func (c *Chart) UpdateTreatment(userID, id string, patch TreatmentPatch) (Treatment, error) {
	i := c.indexOf(id)
	if i < 0 {
		return Treatment{}, fmt.Errorf("%w: %s", ErrTreatmentNotFound, id)
	}
	if err := patch.Validate(); err != nil {
		return Treatment{}, err
	}

	now := c.now()
	patch.apply(&c.treatments[i])
	c.treatments[i].UpdatedAt = now
	c.audit = append(c.audit, newAuditEntry(
		fmt.Sprintf("%s-audit-update-%s", id, c.newID()),
		actor(userID), now,
		TreatmentUpdated{ID: id, Patch: patch.clone()},
	))
	return c.treatments[i].clone(), nil
}

// DeleteTreatment removes a treatment. Earlier audit entries that mention it
// stay in the log.
func (c *Chart) DeleteTreatment(userID, id string) error {
	i := c.indexOf(id)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrTreatmentNotFound, id)
	}

	now := c.now()
	c.treatments = slices.Delete(c.treatments, i, i+1)
	c.audit = append(c.audit, newAuditEntry(
		fmt.Sprintf("%s-audit-delete-%s", id, c.newID()),
		actor(userID), now,
		TreatmentDeleted{ID: id},
	))
	return nil
}

// AddNote appends a note to a tooth
func (c *Chart) AddNote(userID string, tooth int, text string) (ToothNote, error) {
	if err := c.checkTooth(tooth); err != nil {
		return ToothNote{}, err
	}
	if strings.TrimSpace(text) == "" {
		return ToothNote{}, fmt.Errorf("%w: text is required", ErrInvalidNote)
	}

	now := c.now()
	user := actor(userID)
	note := ToothNote{
		ID:        fmt.Sprintf("%d-note-%s", tooth, c.newID()),
		Tooth:     tooth,
		Text:      text,
		CreatedAt: now,
		UserID:    user,
	}
	c.notes = append(c.notes, note)
	c.audit = append(c.audit, newAuditEntry(note.ID+"-audit", user, now, NoteAdded{note}))
	return note, nil
}

// SetMissing marks or unmarks a tooth as missing. It reports whether the set
// changed; an unchanged set produces no audit entry.
func (c *Chart) SetMissing(userID string, tooth int, missing bool) (bool, error) {
	return c.setToothState(userID, tooth, ToothMissing, missing, &c.missing)
}

// SetErupting marks or unmarks a tooth as erupting
func (c *Chart) SetErupting(userID string, tooth int, erupting bool) (bool, error) {
	return c.setToothState(userID, tooth, ToothErupting, erupting, &c.erupting)
}

func (c *Chart) setToothState(userID string, tooth int, state ToothState, marked bool, set *[]int) (bool, error) {
	if err := c.checkTooth(tooth); err != nil {
		return false, err
	}
	i := slices.Index(*set, tooth)
	switch {
	case marked && i >= 0, !marked && i < 0:
		return false, nil
	case marked:
		*set = append(*set, tooth)
	default:
		*set = slices.Delete(*set, i, i+1)
	}

	now := c.now()
	c.audit = append(c.audit, newAuditEntry(
		fmt.Sprintf("%d-%s-audit-%s", tooth, state, c.newID()),
		actor(userID), now,
		ToothStateChanged{Tooth: tooth, State: state, Marked: marked},
	))
	return true, nil
}

func (c *Chart) checkTooth(tooth int) error {
	if !ValidTooth(c.dentition, tooth) {
		return fmt.Errorf("%w: %d not in 1..%d (%s)", ErrInvalidTooth, tooth, ToothCount(c.dentition), c.dentition)
	}
	return nil
}

func (c *Chart) indexOf(id string) int {
	return slices.IndexFunc(c.treatments, func(t Treatment) bool { return t.ID == id })
}

func actor(userID string) string {
	if strings.TrimSpace(userID) == "" {
		return SystemUser
	}
	return userID
}

func dedupe(teeth []int) []int {
	out := make([]int, 0, len(teeth))
	for _, n := range teeth {
		if !slices.Contains(out, n) {
			out = append(out, n)
		}
	}
	return out
}
