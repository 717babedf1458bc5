// Package sqlite is the local durable session cache. Each session is stored
// as one JSON blob keyed by its cache key.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite" // pure go sqlite driver

	"github.com/smilecare/toothchart/internal/persistence"
)

// Cache implements persistence.SessionCache on a single SQLite table
type Cache struct {
	db     *sql.DB
	path   string
	logger *zap.Logger
}

var _ persistence.SessionCache = (*Cache)(nil)

// Open opens or creates the cache database at path
func Open(path string, logger *zap.Logger) (*Cache, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if path == "" {
		path = "toothchart-cache.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// a single writer avoids SQLITE_BUSY between the server goroutines
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS session_cache (
		key TEXT PRIMARY KEY,
		payload BLOB NOT NULL,
		updated_at TEXT NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create session_cache table: %w", err)
	}

	logger.Info("session cache opened", zap.String("path", path))
	return &Cache{db: db, path: path, logger: logger}, nil
}

// Read returns the cached session stored under key
func (c *Cache) Read(ctx context.Context, key string) (persistence.CachedSession, error) {
	var payload []byte
	err := c.db.QueryRowContext(ctx,
		`SELECT payload FROM session_cache WHERE key = ?`, key).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return persistence.CachedSession{}, fmt.Errorf("session %s: %w", key, persistence.ErrNotFound)
	}
	if err != nil {
		return persistence.CachedSession{}, fmt.Errorf("select session %s: %w", key, err)
	}

	var s persistence.CachedSession
	if err := json.Unmarshal(payload, &s); err != nil {
		return persistence.CachedSession{}, fmt.Errorf("decode session %s: %w", key, err)
	}
	return s, nil
}

// Write stores s under key, replacing any previous value
func (c *Cache) Write(ctx context.Context, key string, s persistence.CachedSession) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", key, err)
	}
	_, err = c.db.ExecContext(ctx, `INSERT INTO session_cache(key, payload, updated_at) VALUES(?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		key, payload, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("upsert session %s: %w", key, err)
	}
	return nil
}

// Delete removes a cached session
func (c *Cache) Delete(ctx context.Context, key string) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM session_cache WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete session %s: %w", key, err)
	}
	return nil
}

// Ping checks the database is reachable
func (c *Cache) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// Path returns the database file path
func (c *Cache) Path() string { return c.path }

// Close closes the database
func (c *Cache) Close() error {
	return c.db.Close()
}
