package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps inbox entries in the inbox table
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a store on pool
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Get retrieves an inbox entry by key
func (s *PostgresStore) Get(ctx context.Context, key string) (*Entry, error) {
	query := `
		SELECT idempotency_key, handler_name, status, request_hash, response, updated_at, expires_at
		FROM inbox
		WHERE idempotency_key = $1
	`

	entry := &Entry{}
	var response []byte
	err := s.pool.QueryRow(ctx, query, key).Scan(
		&entry.Key, &entry.Handler, &entry.Status, &entry.RequestHash,
		&response, &entry.UpdatedAt, &entry.ExpiresAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select inbox entry: %w", err)
	}
	if len(response) > 0 {
		var resp Response
		if err := json.Unmarshal(response, &resp); err != nil {
			return nil, fmt.Errorf("decode inbox response: %w", err)
		}
		entry.Response = &resp
	}
	return entry, nil
}

// Start creates an entry as STARTED or takes over a RECOVERABLE one
func (s *PostgresStore) Start(ctx context.Context, entry Entry) (bool, error) {
	query := `
		INSERT INTO inbox (idempotency_key, handler_name, status, request_hash, updated_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (idempotency_key) DO UPDATE
		SET status = EXCLUDED.status,
		    request_hash = EXCLUDED.request_hash,
		    updated_at = EXCLUDED.updated_at,
		    expires_at = EXCLUDED.expires_at,
		    response = NULL
		WHERE inbox.status = 'RECOVERABLE' OR inbox.expires_at < EXCLUDED.updated_at
		RETURNING idempotency_key
	`

	var returned string
	err := s.pool.QueryRow(ctx, query,
		entry.Key, entry.Handler, StatusStarted, entry.RequestHash, entry.UpdatedAt, entry.ExpiresAt,
	).Scan(&returned)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert inbox entry: %w", err)
	}
	return true, nil
}

// Finish stores the response and marks the entry FINISHED
func (s *PostgresStore) Finish(ctx context.Context, key string, resp Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encode inbox response: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE inbox
		SET status = $1, response = $2, updated_at = NOW()
		WHERE idempotency_key = $3
	`, StatusFinished, data, key)
	return err
}

// Release marks an entry RECOVERABLE
func (s *PostgresStore) Release(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE inbox
		SET status = $1, updated_at = NOW()
		WHERE idempotency_key = $2
	`, StatusRecoverable, key)
	return err
}

// Cleanup removes expired entries
func (s *PostgresStore) Cleanup(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.pool.Exec(ctx, `DELETE FROM inbox WHERE expires_at < $1`, now)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}
