// Package persistence defines the load/save boundary between editing sessions
// and durable storage.
package persistence

import (
	"context"
	"errors"

	"github.com/smilecare/toothchart/internal/domain/chart"
)

// ErrNotFound is returned when nothing is stored under the requested key.
// For charts it means the patient has never been charted, which callers treat
// as "start an empty chart", not as a failure.
var ErrNotFound = errors.New("not found")

// ChartStore is the system of record for charts
type ChartStore interface {
	Load(ctx context.Context, patientID string) (chart.Document, error)
	Save(ctx context.Context, doc chart.Document) error
}

// CachedSession is the subset of session state mirrored to the local cache
type CachedSession struct {
	Selection       []int                 `json:"selection"`
	NumberingSystem chart.NumberingSystem `json:"numberingSystem"`
	Dentition       chart.Dentition       `json:"dentition"`
	Chart           *chart.Document       `json:"chart,omitempty"`
}

// SessionCache is a local durable mirror of session state. It is a
// convenience for surviving restarts; the ChartStore stays authoritative.
type SessionCache interface {
	Read(ctx context.Context, key string) (CachedSession, error)
	Write(ctx context.Context, key string, s CachedSession) error
}
