package redpanda

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/smilecare/toothchart/internal/infrastructure/postgres"
)

func TestHeaderCarrier(t *testing.T) {
	rec := &kgo.Record{}
	c := HeaderCarrier{rec}

	c.Set("traceparent", "a")
	c.Set("baggage", "b")
	c.Set("traceparent", "c")

	assert.Equal(t, "c", c.Get("traceparent"))
	assert.Equal(t, "", c.Get("missing"))
	assert.Equal(t, []string{"traceparent", "baggage"}, c.Keys())
	assert.Len(t, rec.Headers, 2)
}

func TestTraceContextRoundTrip(t *testing.T) {
	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	prop := propagation.TraceContext{}
	rec := &kgo.Record{}
	prop.Inject(ctx, HeaderCarrier{rec})
	assert.Equal(t, "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01", HeaderCarrier{rec}.Get("traceparent"))

	extracted := trace.SpanContextFromContext(prop.Extract(context.Background(), HeaderCarrier{rec}))
	assert.Equal(t, traceID, extracted.TraceID())
}

func TestDefaultTopicConfigs(t *testing.T) {
	names := map[string]bool{}
	for _, cfg := range DefaultTopicConfigs() {
		names[cfg.Name] = true
		assert.Positive(t, cfg.Partitions)
	}
	assert.True(t, names[TopicChartAudit])
	assert.True(t, names[TopicDeadLetter])

	// the outbox writes to these names
	assert.Equal(t, postgres.AuditTopic, TopicChartAudit)
	assert.Equal(t, postgres.DefaultOutboxConfig().DeadLetterTopic, TopicDeadLetter)
}

func TestProducerImplementsOutboxPublisher(t *testing.T) {
	var _ postgres.OutboxPublisher = (*Producer)(nil)
}

func TestClientOpts(t *testing.T) {
	cfg := DefaultProducerConfig()
	assert.NotEmpty(t, clientOpts(cfg))

	cfg.RequiredAcks = 1
	cfg.Compression = "zstd"
	assert.Len(t, clientOpts(cfg), len(clientOpts(DefaultProducerConfig()))+1)
}
