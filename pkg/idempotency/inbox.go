// Package idempotency provides the Inbox pattern for retried requests.
// A client-supplied key is scoped with GenerateKey; the first request under a
// key runs, later requests with the same body replay the stored response.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Status represents the processing status of an inbox entry
type Status string

const (
	StatusStarted     Status = "STARTED"
	StatusFinished    Status = "FINISHED"
	StatusRecoverable Status = "RECOVERABLE"
)

var (
	// ErrNotFound is returned by a Store for unknown keys
	ErrNotFound = errors.New("idempotency key not found")
	// ErrInProgress indicates the key is held by a request still running
	ErrInProgress = errors.New("request with this idempotency key in progress")
	// ErrKeyReused indicates the key was already used for a different request
	ErrKeyReused = errors.New("idempotency key reused with a different request")
)

// Response is the stored outcome of a request
type Response struct {
	StatusCode int             `json:"status"`
	Body       json.RawMessage `json:"body,omitempty"`
}

// Entry is one inbox record
type Entry struct {
	Key         string
	Handler     string
	Status      Status
	RequestHash string
	Response    *Response
	UpdatedAt   time.Time
	ExpiresAt   time.Time
}

// Store persists inbox entries
type Store interface {
	Get(ctx context.Context, key string) (*Entry, error)
	// Start records entry as STARTED. It returns false when the key exists
	// and is not RECOVERABLE.
	Start(ctx context.Context, entry Entry) (bool, error)
	Finish(ctx context.Context, key string, resp Response) error
	// Release marks the key RECOVERABLE so a retry can run
	Release(ctx context.Context, key string) error
	// Cleanup removes entries that expired before now
	Cleanup(ctx context.Context, now time.Time) (int64, error)
}

// Config holds configuration for the inbox
type Config struct {
	// TTL is how long a key is remembered
	TTL time.Duration
	// CleanupInterval is how often to clean expired entries
	CleanupInterval time.Duration
	// RecoveryTimeout is when to consider a STARTED entry as stale
	RecoveryTimeout time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		TTL:             24 * time.Hour,
		CleanupInterval: time.Hour,
		RecoveryTimeout: time.Minute,
	}
}

// Inbox manages idempotent request processing
type Inbox struct {
	store  Store
	config Config
	logger *zap.Logger
	tracer trace.Tracer
	now    func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// NewInbox creates a new inbox
func NewInbox(store Store, cfg Config, logger *zap.Logger) *Inbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Inbox{
		store:  store,
		config: cfg,
		logger: logger,
		tracer: otel.Tracer("inbox"),
		now:    time.Now,
	}
}

// Result is the outcome of Process
type Result struct {
	Response Response
	Replayed bool
}

// ProcessFunc runs the guarded request. Responses with a 5xx status are not
// remembered, so the client may retry them.
type ProcessFunc func(ctx context.Context) (Response, error)

// Process runs fn at most once per key and request body
func (i *Inbox) Process(ctx context.Context, key, handler string, request []byte, fn ProcessFunc) (*Result, error) {
	ctx, span := i.tracer.Start(ctx, "inbox_process",
		trace.WithAttributes(
			attribute.String("handler", handler),
		))
	defer span.End()

	hash := hashRequest(request)
	now := i.now()

	entry, err := i.store.Get(ctx, key)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("check inbox: %w", err)
	}
	if entry != nil && !entry.ExpiresAt.IsZero() && now.After(entry.ExpiresAt) {
		entry = nil
	}

	if entry != nil {
		switch entry.Status {
		case StatusFinished:
			if entry.RequestHash != hash {
				return nil, ErrKeyReused
			}
			span.SetAttributes(attribute.Bool("replayed", true))
			var resp Response
			if entry.Response != nil {
				resp = *entry.Response
			}
			return &Result{Response: resp, Replayed: true}, nil

		case StatusStarted:
			if now.Sub(entry.UpdatedAt) <= i.config.RecoveryTimeout {
				return nil, ErrInProgress
			}
			i.logger.Warn("recovering stale inbox entry", zap.String("handler", handler))
			if err := i.store.Release(ctx, key); err != nil {
				return nil, fmt.Errorf("release stale entry: %w", err)
			}

		case StatusRecoverable:
			span.SetAttributes(attribute.Bool("recovered", true))
		}
	}

	started, err := i.store.Start(ctx, Entry{
		Key:         key,
		Handler:     handler,
		Status:      StatusStarted,
		RequestHash: hash,
		UpdatedAt:   now,
		ExpiresAt:   now.Add(i.config.TTL),
	})
	if err != nil {
		return nil, fmt.Errorf("start processing: %w", err)
	}
	if !started {
		return nil, ErrInProgress
	}

	resp, handlerErr := fn(ctx)
	if handlerErr != nil || resp.StatusCode >= 500 {
		if err := i.store.Release(ctx, key); err != nil {
			i.logger.Error("failed to release inbox entry", zap.Error(err))
		}
		if handlerErr != nil {
			span.RecordError(handlerErr)
			return nil, handlerErr
		}
		return &Result{Response: resp}, nil
	}

	if err := i.store.Finish(ctx, key, resp); err != nil {
		// the request itself succeeded
		i.logger.Error("failed to mark finished", zap.Error(err))
	}
	return &Result{Response: resp}, nil
}

// GenerateKey scopes a client-supplied key to the caller and target so two
// users or two charts never share an entry
func GenerateKey(parts ...string) string {
	hash := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(hash[:])
}

func hashRequest(body []byte) string {
	hash := sha256.Sum256(body)
	return hex.EncodeToString(hash[:])
}

// StartCleanup starts the background cleanup goroutine
func (i *Inbox) StartCleanup(ctx context.Context) {
	ctx, i.cancel = context.WithCancel(ctx)
	i.done = make(chan struct{})
	go i.cleanupLoop(ctx)
	i.logger.Info("inbox cleanup started", zap.Duration("interval", i.config.CleanupInterval))
}

// Stop stops the inbox cleanup
func (i *Inbox) Stop() {
	if i.cancel == nil {
		return
	}
	i.cancel()
	<-i.done
	i.logger.Info("inbox stopped")
}

func (i *Inbox) cleanupLoop(ctx context.Context) {
	defer close(i.done)

	ticker := time.NewTicker(i.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := i.store.Cleanup(ctx, i.now())
			if err != nil {
				i.logger.Error("inbox cleanup failed", zap.Error(err))
				continue
			}
			if n > 0 {
				i.logger.Info("inbox cleanup completed", zap.Int64("deleted", n))
			}
		}
	}
}
