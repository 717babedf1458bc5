package postgres

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smilecare/toothchart/internal/domain/chart"
)

func auditedChart(t *testing.T) *chart.Chart {
	t.Helper()
	at := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	c := chart.New("p1", chart.NumberingUniversal, chart.DentitionAdult,
		chart.WithClock(func() time.Time { return at }))
	created, err := c.AddTreatment("dr1", chart.TreatmentInput{
		Type:     chart.TypeCrown,
		Status:   chart.StatusPlanned,
		Provider: "dr1",
		Date:     "2024-01-01",
	}, []int{8})
	require.NoError(t, err)
	completed := chart.StatusCompleted
	_, err = c.UpdateTreatment("dr1", created[0].ID, chart.TreatmentPatch{Status: &completed})
	require.NoError(t, err)
	return c
}

func TestNewAuditEvent(t *testing.T) {
	c := auditedChart(t)
	audit := c.Audit()

	entry, err := NewAuditEvent("p1", audit[1])
	require.NoError(t, err)
	assert.Equal(t, AuditTopic, entry.KafkaTopic)
	assert.Equal(t, "p1", entry.KafkaKey)
	assert.Equal(t, "p1", entry.AggregateID)
	assert.Equal(t, AggregateTypeChart, entry.AggregateType)
	assert.Equal(t, "updateTreatment", entry.EventType)

	var ev AuditEvent
	require.NoError(t, json.Unmarshal(entry.Payload, &ev))
	assert.Equal(t, audit[1].ID, ev.EventID)
	assert.Equal(t, "dr1", ev.UserID)
	assert.Equal(t, audit[1].SubjectID(), ev.SubjectID)
	assert.JSONEq(t, `{"id":"`+ev.SubjectID+`","patch":{"status":"completed"}}`, string(ev.Payload))
}

func TestDecodeAuditRow(t *testing.T) {
	c := auditedChart(t)
	for _, want := range c.Audit() {
		payload, err := json.Marshal(want.Payload)
		require.NoError(t, err)

		got, err := decodeAuditRow(want.ID, string(want.Action), want.UserID, want.Timestamp, payload)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := decodeAuditRow("x", "rewriteHistory", "dr1", time.Now(), []byte(`{}`))
	assert.Error(t, err)
}

func TestNewDeadLetter(t *testing.T) {
	msg := "broker down"
	entry := &OutboxEntry{
		AggregateID: "p1",
		EventType:   "addNote",
		Payload:     json.RawMessage(`{"eventId":"e1"}`),
		KafkaTopic:  AuditTopic,
		RetryCount:  5,
		LastError:   &msg,
	}

	data, err := json.Marshal(NewDeadLetter(entry))
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, AuditTopic, got["original_topic"])
	assert.Equal(t, "broker down", got["last_error"])
	assert.Equal(t, map[string]any{"eventId": "e1"}, got["payload"])
}

func TestSchemaCoversTables(t *testing.T) {
	joined := ""
	for _, stmt := range schema {
		joined += stmt
	}
	for _, table := range []string{"patient_charts", "chart_audit", "outbox", "inbox"} {
		assert.Contains(t, joined, "CREATE TABLE IF NOT EXISTS "+table)
	}
}

// fakeBatch replays one command tag per queued insert
type fakeBatch struct {
	tags   []string
	err    error
	closed bool
}

func (b *fakeBatch) Exec() (pgconn.CommandTag, error) {
	if b.err != nil {
		return pgconn.CommandTag{}, b.err
	}
	tag := b.tags[0]
	b.tags = b.tags[1:]
	return pgconn.NewCommandTag(tag), nil
}

func (b *fakeBatch) Query() (pgx.Rows, error) { return nil, errors.New("not used") }
func (b *fakeBatch) QueryRow() pgx.Row       { return nil }

func (b *fakeBatch) Close() error {
	b.closed = true
	return nil
}

func TestExecAuditBatchKeepsNewRows(t *testing.T) {
	audit := auditedChart(t).Audit()
	br := &fakeBatch{tags: []string{"INSERT 0 0", "INSERT 0 1"}}

	inserted, err := execAuditBatch(br, audit)
	require.NoError(t, err)
	require.Len(t, inserted, 1)
	assert.Equal(t, audit[1].ID, inserted[0].ID)
	assert.True(t, br.closed)
}

func TestExecAuditBatchError(t *testing.T) {
	br := &fakeBatch{err: errors.New("conn reset")}

	_, err := execAuditBatch(br, auditedChart(t).Audit())
	assert.ErrorContains(t, err, "conn reset")
	assert.True(t, br.closed)
}
