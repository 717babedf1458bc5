package chart

import (
	"encoding/json"
	"fmt"
	"time"
)

// Action tags an audit entry
type Action string

const (
	ActionAddTreatment    Action = "addTreatment"
	ActionUpdateTreatment Action = "updateTreatment"
	ActionDeleteTreatment Action = "deleteTreatment"
	ActionAddNote         Action = "addNote"
	ActionSetToothState   Action = "setToothState"
)

// SystemUser is recorded when a mutation carries no acting user
const SystemUser = "system"

// AuditPayload is the tagged union of audit payloads. Each variant belongs to
// exactly one Action.
type AuditPayload interface {
	Action() Action
	clonePayload() AuditPayload
}

// TreatmentAdded records the created treatment
type TreatmentAdded struct {
	Treatment
}

func (TreatmentAdded) Action() Action { return ActionAddTreatment }

func (p TreatmentAdded) clonePayload() AuditPayload { return TreatmentAdded{p.Treatment.clone()} }

// TreatmentUpdated records the delta applied, not the resulting state
type TreatmentUpdated struct {
	ID    string         `json:"id"`
	Patch TreatmentPatch `json:"patch"`
}

func (TreatmentUpdated) Action() Action { return ActionUpdateTreatment }

func (p TreatmentUpdated) clonePayload() AuditPayload {
	return TreatmentUpdated{ID: p.ID, Patch: p.Patch.clone()}
}

// TreatmentDeleted references the removed treatment
type TreatmentDeleted struct {
	ID string `json:"id"`
}

func (TreatmentDeleted) Action() Action { return ActionDeleteTreatment }

func (p TreatmentDeleted) clonePayload() AuditPayload { return p }

// NoteAdded records the created note
type NoteAdded struct {
	ToothNote
}

func (NoteAdded) Action() Action { return ActionAddNote }

func (p NoteAdded) clonePayload() AuditPayload { return p }

// ToothState names a per-tooth condition tracked as a set on the chart
type ToothState string

const (
	ToothMissing  ToothState = "missing"
	ToothErupting ToothState = "erupting"
)

// ToothStateChanged records a tooth entering or leaving a state set
type ToothStateChanged struct {
	Tooth  int        `json:"tooth"`
	State  ToothState `json:"state"`
	Marked bool       `json:"marked"`
}

func (ToothStateChanged) Action() Action { return ActionSetToothState }

func (p ToothStateChanged) clonePayload() AuditPayload { return p }

// AuditEntry is an immutable record of one state-changing action
type AuditEntry struct {
	ID        string       `json:"id"`
	UserID    string       `json:"userId"`
	Timestamp time.Time    `json:"timestamp"`
	Action    Action       `json:"action"`
	Payload   AuditPayload `json:"payload"`
}

func newAuditEntry(id, userID string, at time.Time, payload AuditPayload) AuditEntry {
	return AuditEntry{
		ID:        id,
		UserID:    userID,
		Timestamp: at,
		Action:    payload.Action(),
		Payload:   payload,
	}
}

func (e AuditEntry) clone() AuditEntry {
	if e.Payload != nil {
		e.Payload = e.Payload.clonePayload()
	}
	return e
}

// UnmarshalJSON decodes the payload variant selected by the action tag
func (e *AuditEntry) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID        string          `json:"id"`
		UserID    string          `json:"userId"`
		Timestamp time.Time       `json:"timestamp"`
		Action    Action          `json:"action"`
		Payload   json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	payload, err := decodePayload(raw.Action, raw.Payload)
	if err != nil {
		return fmt.Errorf("audit entry %s: %w", raw.ID, err)
	}

	*e = AuditEntry{
		ID:        raw.ID,
		UserID:    raw.UserID,
		Timestamp: raw.Timestamp,
		Action:    raw.Action,
		Payload:   payload,
	}
	return nil
}

func decodePayload(action Action, data json.RawMessage) (AuditPayload, error) {
	switch action {
	case ActionAddTreatment:
		var p TreatmentAdded
		err := json.Unmarshal(data, &p)
		return p, err
	case ActionUpdateTreatment:
		var p TreatmentUpdated
		err := json.Unmarshal(data, &p)
		return p, err
	case ActionDeleteTreatment:
		var p TreatmentDeleted
		err := json.Unmarshal(data, &p)
		return p, err
	case ActionAddNote:
		var p NoteAdded
		err := json.Unmarshal(data, &p)
		return p, err
	case ActionSetToothState:
		var p ToothStateChanged
		err := json.Unmarshal(data, &p)
		return p, err
	default:
		return nil, fmt.Errorf("unknown audit action %q", action)
	}
}

// SubjectID returns the treatment or note id an entry refers to, if any
func (e AuditEntry) SubjectID() string {
	switch p := e.Payload.(type) {
	case TreatmentAdded:
		return p.ID
	case TreatmentUpdated:
		return p.ID
	case TreatmentDeleted:
		return p.ID
	case NoteAdded:
		return p.ID
	}
	return ""
}
