package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/smilecare/toothchart/internal/domain/chart"
	"github.com/smilecare/toothchart/pkg/circuitbreaker"
)

// Resilient wraps a remote ChartStore with a per-call timeout and a circuit
// breaker. An absent chart is a normal answer and never trips the breaker.
type Resilient struct {
	next    ChartStore
	breaker *circuitbreaker.CircuitBreaker
	timeout time.Duration
}

var _ ChartStore = (*Resilient)(nil)

// NewResilient decorates next. A zero timeout disables the deadline.
func NewResilient(next ChartStore, breaker *circuitbreaker.CircuitBreaker, timeout time.Duration) *Resilient {
	return &Resilient{next: next, breaker: breaker, timeout: timeout}
}

// IsBreakerSuccess reports whether err should count as a healthy store
// response. Pass it as circuitbreaker.Config.IsSuccessful.
func IsBreakerSuccess(err error) bool {
	return err == nil || errors.Is(err, ErrNotFound)
}

// Load fetches a chart through the breaker
func (r *Resilient) Load(ctx context.Context, patientID string) (chart.Document, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	res, err := r.execute(ctx, func() (any, error) {
		return r.next.Load(ctx, patientID)
	})
	if err != nil {
		return chart.Document{}, err
	}
	return res.(chart.Document), nil
}

// Save stores a chart through the breaker
func (r *Resilient) Save(ctx context.Context, doc chart.Document) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	_, err := r.execute(ctx, func() (any, error) {
		return nil, r.next.Save(ctx, doc)
	})
	return err
}

func (r *Resilient) execute(ctx context.Context, fn func() (any, error)) (any, error) {
	if r.breaker == nil {
		return fn()
	}
	return r.breaker.Execute(ctx, fn)
}

func (r *Resilient) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.timeout)
}
