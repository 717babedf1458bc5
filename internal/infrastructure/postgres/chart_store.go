package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/smilecare/toothchart/internal/domain/chart"
	"github.com/smilecare/toothchart/internal/persistence"
)

const (
	// AggregateTypeChart tags outbox rows written for charts
	AggregateTypeChart = "chart"
	// AuditTopic receives one event per new chart audit entry
	AuditTopic = "chart.audit"
)

// AuditEvent is the message published for each chart audit entry
type AuditEvent struct {
	EventID    string          `json:"eventId"`
	PatientID  string          `json:"patientId"`
	Action     chart.Action    `json:"action"`
	UserID     string          `json:"userId"`
	OccurredAt time.Time       `json:"occurredAt"`
	SubjectID  string          `json:"subjectId,omitempty"`
	Payload    json.RawMessage `json:"payload"`
}

// NewAuditEvent builds the outbox entry for one audit entry. Events are keyed
// by patient so a chart's history stays ordered within a partition.
func NewAuditEvent(patientID string, e chart.AuditEntry) (*OutboxEntry, error) {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode audit payload %s: %w", e.ID, err)
	}
	body, err := json.Marshal(AuditEvent{
		EventID:    e.ID,
		PatientID:  patientID,
		Action:     e.Action,
		UserID:     e.UserID,
		OccurredAt: e.Timestamp,
		SubjectID:  e.SubjectID(),
		Payload:    payload,
	})
	if err != nil {
		return nil, fmt.Errorf("encode audit event %s: %w", e.ID, err)
	}
	return &OutboxEntry{
		AggregateID:   patientID,
		AggregateType: AggregateTypeChart,
		EventType:     string(e.Action),
		Payload:       body,
		KafkaTopic:    AuditTopic,
		KafkaKey:      patientID,
	}, nil
}

// ChartStore is the remote chart document store. The full document is kept
// in patient_charts; audit entries are also appended to chart_audit, and each
// entry seen for the first time is published through the outbox.
type ChartStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
	tracer trace.Tracer
}

var _ persistence.ChartStore = (*ChartStore)(nil)

// NewChartStore creates a chart store on pool
func NewChartStore(pool *pgxpool.Pool, logger *zap.Logger) *ChartStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChartStore{
		pool:   pool,
		logger: logger,
		tracer: otel.Tracer("chart-store"),
	}
}

// Load returns the stored chart document
func (s *ChartStore) Load(ctx context.Context, patientID string) (chart.Document, error) {
	ctx, span := s.tracer.Start(ctx, "chart_store_load",
		trace.WithAttributes(attribute.String("patient_id", patientID)))
	defer span.End()

	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT document FROM patient_charts WHERE patient_id = $1`, patientID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return chart.Document{}, fmt.Errorf("chart %s: %w", patientID, persistence.ErrNotFound)
	}
	if err != nil {
		span.RecordError(err)
		return chart.Document{}, fmt.Errorf("select chart %s: %w", patientID, err)
	}

	var doc chart.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		span.RecordError(err)
		return chart.Document{}, fmt.Errorf("decode chart %s: %w", patientID, err)
	}
	return doc, nil
}

// Save upserts the chart document and appends new audit entries, all in one
// transaction
func (s *ChartStore) Save(ctx context.Context, doc chart.Document) error {
	ctx, span := s.tracer.Start(ctx, "chart_store_save",
		trace.WithAttributes(
			attribute.String("patient_id", doc.PatientID),
			attribute.Int("audit_entries", len(doc.Audit)),
		))
	defer span.End()

	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode chart %s: %w", doc.PatientID, err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO patient_charts (patient_id, document, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (patient_id) DO UPDATE
		SET document = EXCLUDED.document, updated_at = EXCLUDED.updated_at
	`, doc.PatientID, raw); err != nil {
		span.RecordError(err)
		return fmt.Errorf("upsert chart %s: %w", doc.PatientID, err)
	}

	appended, err := s.appendAudit(ctx, tx, doc.PatientID, doc.Audit)
	if err != nil {
		span.RecordError(err)
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		span.RecordError(err)
		return fmt.Errorf("commit: %w", err)
	}

	s.logger.Debug("chart stored",
		zap.String("patient_id", doc.PatientID),
		zap.Int("new_audit_entries", appended))
	return nil
}

// appendAudit inserts audit entries not yet stored and writes one outbox
// entry for each row actually inserted. The inserts go out as one batch.
func (s *ChartStore) appendAudit(ctx context.Context, tx pgx.Tx, patientID string, entries []chart.AuditEntry) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	for _, e := range entries {
		payload, err := json.Marshal(e.Payload)
		if err != nil {
			return 0, fmt.Errorf("encode audit payload %s: %w", e.ID, err)
		}
		batch.Queue(insertAuditSQL, e.ID, patientID, string(e.Action), e.UserID, e.Timestamp, payload)
	}

	inserted, err := execAuditBatch(tx.SendBatch(ctx, batch), entries)
	if err != nil {
		return 0, err
	}

	for _, e := range inserted {
		entry, err := NewAuditEvent(patientID, e)
		if err != nil {
			return 0, err
		}
		if err := WriteEntry(ctx, tx, entry); err != nil {
			return 0, err
		}
	}
	return len(inserted), nil
}

const insertAuditSQL = `
	INSERT INTO chart_audit (id, patient_id, action, user_id, occurred_at, payload)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (id) DO NOTHING
`

// execAuditBatch reads one result per queued insert and returns the entries
// whose row was new. The batch is closed before returning so the transaction
// can be used again.
func execAuditBatch(br pgx.BatchResults, entries []chart.AuditEntry) (inserted []chart.AuditEntry, err error) {
	defer func() {
		if cerr := br.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close audit batch: %w", cerr)
		}
	}()
	for _, e := range entries {
		tag, err := br.Exec()
		if err != nil {
			return nil, fmt.Errorf("insert audit %s: %w", e.ID, err)
		}
		if tag.RowsAffected() > 0 {
			inserted = append(inserted, e)
		}
	}
	return inserted, nil
}

// AuditLog returns the latest limit stored audit entries of a patient,
// oldest first
func (s *ChartStore) AuditLog(ctx context.Context, patientID string, limit int) ([]chart.AuditEntry, error) {
	ctx, span := s.tracer.Start(ctx, "chart_store_audit_log",
		trace.WithAttributes(attribute.String("patient_id", patientID)))
	defer span.End()

	rows, err := s.pool.Query(ctx, `
		SELECT id, action, user_id, occurred_at, payload FROM (
			SELECT id, action, user_id, occurred_at, payload
			FROM chart_audit
			WHERE patient_id = $1
			ORDER BY occurred_at DESC, id DESC
			LIMIT $2
		) latest
		ORDER BY occurred_at ASC, id ASC
	`, patientID, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit %s: %w", patientID, err)
	}
	defer rows.Close()

	var out []chart.AuditEntry
	for rows.Next() {
		var (
			id, action, userID string
			at                 time.Time
			payload            []byte
		)
		if err := rows.Scan(&id, &action, &userID, &at, &payload); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		e, err := decodeAuditRow(id, action, userID, at, payload)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func decodeAuditRow(id, action, userID string, at time.Time, payload []byte) (chart.AuditEntry, error) {
	raw, err := json.Marshal(struct {
		ID        string          `json:"id"`
		UserID    string          `json:"userId"`
		Timestamp time.Time       `json:"timestamp"`
		Action    string          `json:"action"`
		Payload   json.RawMessage `json:"payload"`
	}{id, userID, at.UTC(), action, payload})
	if err != nil {
		return chart.AuditEntry{}, err
	}
	var e chart.AuditEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return chart.AuditEntry{}, fmt.Errorf("decode audit %s: %w", id, err)
	}
	return e, nil
}

// Ping checks the pool
func (s *ChartStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
