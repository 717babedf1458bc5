package chart

import (
	"fmt"
	"strings"
	"time"
)

// TreatmentStatus represents treatment status
type TreatmentStatus string

const (
	StatusPlanned   TreatmentStatus = "planned"
	StatusCompleted TreatmentStatus = "completed"
	StatusFailed    TreatmentStatus = "failed"
)

// Valid reports whether s is a known status
func (s TreatmentStatus) Valid() bool {
	switch s {
	case StatusPlanned, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// TreatmentType tags the clinical action or finding. The set is open; the
// constants below are the ones the chart UI offers.
type TreatmentType string

const (
	TypeFilling    TreatmentType = "filling"
	TypeCrown      TreatmentType = "crown"
	TypeExtraction TreatmentType = "extraction"
	TypeRootCanal  TreatmentType = "root_canal"
	TypeCavity     TreatmentType = "cavity"
	TypeImplant    TreatmentType = "implant"
	TypeBridge     TreatmentType = "bridge"
	TypeCleaning   TreatmentType = "cleaning"
	TypeOther      TreatmentType = "other"
)

// KnownTreatmentTypes lists the catalogue in display order
var KnownTreatmentTypes = []TreatmentType{
	TypeFilling, TypeCrown, TypeExtraction, TypeRootCanal, TypeCavity,
	TypeImplant, TypeBridge, TypeCleaning, TypeOther,
}

// dateLayout is the calendar date format used for treatment dates
const dateLayout = "2006-01-02"

// Treatment is one clinical action or finding on one tooth
type Treatment struct {
	ID          string          `json:"id"`
	Tooth       int             `json:"tooth"`
	Surfaces    []Surface       `json:"surfaces"`
	Type        TreatmentType   `json:"type"`
	Status      TreatmentStatus `json:"status"`
	Provider    string          `json:"provider"`
	Date        string          `json:"date"`
	Fee         *float64        `json:"fee,omitempty"`
	Duration    *int            `json:"duration,omitempty"`
	Shade       string          `json:"shade,omitempty"`
	Material    string          `json:"material,omitempty"`
	Notes       string          `json:"notes,omitempty"`
	Attachments []string        `json:"attachments,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

func (t Treatment) clone() Treatment {
	t.Surfaces = cloneSlice(t.Surfaces)
	t.Attachments = cloneSlice(t.Attachments)
	t.Fee = clonePtr(t.Fee)
	t.Duration = clonePtr(t.Duration)
	return t
}

// TreatmentInput is the payload for AddTreatment. Identity, tooth and
// timestamps are assigned by the chart.
type TreatmentInput struct {
	Surfaces    []Surface       `json:"surfaces"`
	Type        TreatmentType   `json:"type"`
	Status      TreatmentStatus `json:"status"`
	Provider    string          `json:"provider"`
	Date        string          `json:"date"`
	Fee         *float64        `json:"fee,omitempty"`
	Duration    *int            `json:"duration,omitempty"`
	Shade       string          `json:"shade,omitempty"`
	Material    string          `json:"material,omitempty"`
	Notes       string          `json:"notes,omitempty"`
	Attachments []string        `json:"attachments,omitempty"`
}

// Validate checks the input before any treatment is created
func (in TreatmentInput) Validate() error {
	if strings.TrimSpace(string(in.Type)) == "" {
		return fmt.Errorf("%w: type is required", ErrInvalidTreatment)
	}
	if !in.Status.Valid() {
		return fmt.Errorf("%w: status %q", ErrInvalidTreatment, in.Status)
	}
	if err := validateSurfaces(in.Surfaces); err != nil {
		return err
	}
	if err := validateDate(in.Date); err != nil {
		return err
	}
	return validateAmounts(in.Fee, in.Duration)
}

func (in TreatmentInput) build(id string, tooth int, now time.Time) Treatment {
	surfaces := cloneSlice(in.Surfaces)
	if surfaces == nil {
		surfaces = []Surface{}
	}
	return Treatment{
		ID:          id,
		Tooth:       tooth,
		Surfaces:    surfaces,
		Type:        in.Type,
		Status:      in.Status,
		Provider:    in.Provider,
		Date:        in.Date,
		Fee:         clonePtr(in.Fee),
		Duration:    clonePtr(in.Duration),
		Shade:       in.Shade,
		Material:    in.Material,
		Notes:       in.Notes,
		Attachments: cloneSlice(in.Attachments),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// TreatmentPatch carries the fields to change on an existing treatment. Nil
// fields are left untouched. Identity, tooth and createdAt are not patchable.
type TreatmentPatch struct {
	Surfaces    *[]Surface       `json:"surfaces,omitempty"`
	Type        *TreatmentType   `json:"type,omitempty"`
	Status      *TreatmentStatus `json:"status,omitempty"`
	Provider    *string          `json:"provider,omitempty"`
	Date        *string          `json:"date,omitempty"`
	Fee         *float64         `json:"fee,omitempty"`
	Duration    *int             `json:"duration,omitempty"`
	Shade       *string          `json:"shade,omitempty"`
	Material    *string          `json:"material,omitempty"`
	Notes       *string          `json:"notes,omitempty"`
	Attachments *[]string        `json:"attachments,omitempty"`
}

// Empty reports whether the patch changes nothing
func (p TreatmentPatch) Empty() bool {
	return p.Surfaces == nil && p.Type == nil && p.Status == nil &&
		p.Provider == nil && p.Date == nil && p.Fee == nil &&
		p.Duration == nil && p.Shade == nil && p.Material == nil &&
		p.Notes == nil && p.Attachments == nil
}

// Validate checks the patched values
func (p TreatmentPatch) Validate() error {
	if p.Empty() {
		return fmt.Errorf("%w: empty patch", ErrInvalidTreatment)
	}
	if p.Type != nil && strings.TrimSpace(string(*p.Type)) == "" {
		return fmt.Errorf("%w: type is required", ErrInvalidTreatment)
	}
	if p.Status != nil && !p.Status.Valid() {
		return fmt.Errorf("%w: status %q", ErrInvalidTreatment, *p.Status)
	}
	if p.Surfaces != nil {
		if err := validateSurfaces(*p.Surfaces); err != nil {
			return err
		}
	}
	if p.Date != nil {
		if err := validateDate(*p.Date); err != nil {
			return err
		}
	}
	return validateAmounts(p.Fee, p.Duration)
}

func (p TreatmentPatch) apply(t *Treatment) {
	if p.Surfaces != nil {
		t.Surfaces = cloneSlice(*p.Surfaces)
		if t.Surfaces == nil {
			t.Surfaces = []Surface{}
		}
	}
	if p.Type != nil {
		t.Type = *p.Type
	}
	if p.Status != nil {
		t.Status = *p.Status
	}
	if p.Provider != nil {
		t.Provider = *p.Provider
	}
	if p.Date != nil {
		t.Date = *p.Date
	}
	if p.Fee != nil {
		t.Fee = clonePtr(p.Fee)
	}
	if p.Duration != nil {
		t.Duration = clonePtr(p.Duration)
	}
	if p.Shade != nil {
		t.Shade = *p.Shade
	}
	if p.Material != nil {
		t.Material = *p.Material
	}
	if p.Notes != nil {
		t.Notes = *p.Notes
	}
	if p.Attachments != nil {
		t.Attachments = cloneSlice(*p.Attachments)
	}
}

func (p TreatmentPatch) clone() TreatmentPatch {
	out := p
	if p.Surfaces != nil {
		s := cloneSlice(*p.Surfaces)
		out.Surfaces = &s
	}
	if p.Attachments != nil {
		a := cloneSlice(*p.Attachments)
		out.Attachments = &a
	}
	out.Type = clonePtr(p.Type)
	out.Status = clonePtr(p.Status)
	out.Provider = clonePtr(p.Provider)
	out.Date = clonePtr(p.Date)
	out.Fee = clonePtr(p.Fee)
	out.Duration = clonePtr(p.Duration)
	out.Shade = clonePtr(p.Shade)
	out.Material = clonePtr(p.Material)
	out.Notes = clonePtr(p.Notes)
	return out
}

// ToothNote is a free-text annotation on one tooth. Notes are append-only; a
// correction is a new note.
type ToothNote struct {
	ID        string    `json:"id"`
	Tooth     int       `json:"tooth"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
	UserID    string    `json:"userId"`
}

func validateSurfaces(surfaces []Surface) error {
	seen := make(map[Surface]bool, len(surfaces))
	for _, s := range surfaces {
		if _, err := ParseSurface(string(s)); err != nil {
			return fmt.Errorf("%w: surface %q", ErrInvalidTreatment, s)
		}
		if seen[s] {
			return fmt.Errorf("%w: duplicate surface %q", ErrInvalidTreatment, s)
		}
		seen[s] = true
	}
	return nil
}

func validateDate(date string) error {
	if date == "" {
		return nil
	}
	if _, err := time.Parse(dateLayout, date); err != nil {
		return fmt.Errorf("%w: date %q is not YYYY-MM-DD", ErrInvalidTreatment, date)
	}
	return nil
}

func validateAmounts(fee *float64, duration *int) error {
	if fee != nil && *fee < 0 {
		return fmt.Errorf("%w: negative fee", ErrInvalidTreatment)
	}
	if duration != nil && *duration < 0 {
		return fmt.Errorf("%w: negative duration", ErrInvalidTreatment)
	}
	return nil
}

func cloneSlice[T any](in []T) []T {
	if in == nil {
		return nil
	}
	out := make([]T, len(in))
	copy(out, in)
	return out
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
