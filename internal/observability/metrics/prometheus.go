// Package metrics provides Prometheus metrics for the tooth-chart service.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Load sources
const (
	SourceRemote = "remote"
	SourceNew    = "new"
	SourceCache  = "cache"
)

// Save results
const (
	ResultOK    = "ok"
	ResultError = "error"
)

// Metrics holds all application metrics. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	ChartsLoaded          *prometheus.CounterVec
	TreatmentsAdded       prometheus.Counter
	AuditEntries          *prometheus.CounterVec
	Saves                 *prometheus.CounterVec
	SaveDuration          prometheus.Histogram
	ActiveSessions        prometheus.Gauge
	KafkaMessagesProduced prometheus.Counter
	OutboxPending         prometheus.Gauge
	CircuitBreakerState   *prometheus.GaugeVec
}

// New creates and registers all metrics with the default registry
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates metrics registered with reg
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ChartsLoaded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "charts_loaded_total",
			Help: "Charts loaded into editing sessions, by source",
		}, []string{"source"}),
		TreatmentsAdded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chart_treatments_added_total",
			Help: "Total treatments created",
		}),
		AuditEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chart_audit_entries_total",
			Help: "Audit entries appended, by action",
		}, []string{"action"}),
		Saves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chart_saves_total",
			Help: "Chart saves, by result",
		}, []string{"result"}),
		SaveDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chart_save_duration_seconds",
			Help:    "Chart save duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chart_sessions_active",
			Help: "Editing sessions with a loaded chart",
		}),
		KafkaMessagesProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_produced_total",
			Help: "Total Kafka messages produced",
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
	}

	reg.MustRegister(
		m.ChartsLoaded,
		m.TreatmentsAdded,
		m.AuditEntries,
		m.Saves,
		m.SaveDuration,
		m.ActiveSessions,
		m.KafkaMessagesProduced,
		m.OutboxPending,
		m.CircuitBreakerState,
	)

	return m
}

// ChartLoaded records a completed load
func (m *Metrics) ChartLoaded(source string) {
	if m == nil {
		return
	}
	m.ChartsLoaded.WithLabelValues(source).Inc()
}

// Treatments records created treatments
func (m *Metrics) Treatments(n int) {
	if m == nil {
		return
	}
	m.TreatmentsAdded.Add(float64(n))
}

// Audited records appended audit entries
func (m *Metrics) Audited(action string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.AuditEntries.WithLabelValues(action).Add(float64(n))
}

// ObserveSave records one save attempt
func (m *Metrics) ObserveSave(err error, d time.Duration) {
	if m == nil {
		return
	}
	result := ResultOK
	if err != nil {
		result = ResultError
	}
	m.Saves.WithLabelValues(result).Inc()
	m.SaveDuration.Observe(d.Seconds())
}

// SessionActive moves the active session gauge
func (m *Metrics) SessionActive(delta float64) {
	if m == nil {
		return
	}
	m.ActiveSessions.Add(delta)
}

// BreakerState records a breaker transition. state is one of "closed",
// "open" or "half-open".
func (m *Metrics) BreakerState(name, state string) {
	if m == nil {
		return
	}
	v := 0.0
	switch state {
	case "open":
		v = 1
	case "half-open":
		v = 2
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(v)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
