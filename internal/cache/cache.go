// Package cache provides the process-wide persistent caches: embedding
// vectors keyed by exact text and profile pictures keyed by username. Both
// sit on a bucketed key-value store with a SQLite default and a Redis
// alternative for shared deployments.
//
// The caches are append-mostly and race-tolerant: concurrent misses on the
// same key may both compute and both write, and the last write wins. The
// value is derived purely from the key, so duplicated work is wasted effort,
// never an inconsistency.
package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Store is a bucketed byte-value cache.
type Store interface {
	Get(ctx context.Context, bucket, key string) ([]byte, bool, error)
	Put(ctx context.Context, bucket, key string, value []byte) error
	Delete(ctx context.Context, bucket, key string) error
	Clear(ctx context.Context, bucket string) error
	Count(ctx context.Context, bucket string) (int64, error)
	Close() error
}

// SQLiteStore implements Store on a single-file SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (and if needed creates) a SQLite cache store. Pass
// ":memory:" for tests.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating cache directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening cache database: %w", err)
	}
	if path == ":memory:" {
		// Each pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS cache (
		bucket     TEXT NOT NULL,
		key        TEXT NOT NULL,
		value      BLOB NOT NULL,
		updated_at INTEGER NOT NULL DEFAULT (unixepoch()),
		PRIMARY KEY (bucket, key)
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating cache table: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, bucket, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM cache WHERE bucket = ? AND key = ?`, bucket, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache get %s/%s: %w", bucket, key, err)
	}
	return value, true, nil
}

func (s *SQLiteStore) Put(ctx context.Context, bucket, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cache (bucket, key, value, updated_at) VALUES (?, ?, ?, unixepoch())
		ON CONFLICT(bucket, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		bucket, key, value)
	if err != nil {
		return fmt.Errorf("cache put %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, bucket, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cache WHERE bucket = ? AND key = ?`, bucket, key); err != nil {
		return fmt.Errorf("cache delete %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (s *SQLiteStore) Clear(ctx context.Context, bucket string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cache WHERE bucket = ?`, bucket); err != nil {
		return fmt.Errorf("cache clear %s: %w", bucket, err)
	}
	return nil
}

func (s *SQLiteStore) Count(ctx context.Context, bucket string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cache WHERE bucket = ?`, bucket).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("cache count %s: %w", bucket, err)
	}
	return n, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
