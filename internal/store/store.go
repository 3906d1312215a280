// Package store provides the SQLite persistence layer for session records.
//
// One database file holds every session: the capture context, the raw
// imported posts, and the full serialized analysis state once the pipeline
// has run. Heavy JSON blobs stay out of listing queries.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/postscope/postscope/internal/session"
	"github.com/postscope/postscope/internal/state"
)

// DefaultDBPath is the default database location.
const DefaultDBPath = "~/.postscope/postscope.db"

// Config holds configuration for Open.
type Config struct {
	DBPath string
}

// SQLiteStore implements session.RecordStore on SQLite.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
}

// Open creates a SQLite-backed record store and runs pending schema
// migrations. Pass ":memory:" for in-memory databases (testing).
func Open(cfg Config) (*SQLiteStore, error) {
	if cfg.DBPath == "" {
		cfg.DBPath = expandPath(DefaultDBPath)
	}

	if cfg.DBPath != ":memory:" {
		dir := filepath.Dir(cfg.DBPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if cfg.DBPath == ":memory:" {
		// Each pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting pragma %q: %w", p, err)
		}
	}

	s := &SQLiteStore{db: db, dbPath: cfg.DBPath}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating schema: %w", err)
	}
	return s, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Get loads one full record. Returns session.ErrNotFound for absent ids.
func (s *SQLiteStore) Get(ctx context.Context, id int64) (*session.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, timestamp, name, context, post_count, raw_items, saved_state
		FROM sessions WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, session.ErrNotFound
	}
	return rec, err
}

// Put inserts or replaces a record wholesale (last-write-wins).
func (s *SQLiteStore) Put(ctx context.Context, rec *session.Record) error {
	contextJSON, err := session.MarshalContext(rec.Context)
	if err != nil {
		return fmt.Errorf("encoding context: %w", err)
	}
	rawJSON, err := json.Marshal(rec.RawItems)
	if err != nil {
		return fmt.Errorf("encoding raw items: %w", err)
	}
	var savedJSON []byte
	if rec.SavedState != nil {
		savedJSON, err = json.Marshal(rec.SavedState)
		if err != nil {
			return fmt.Errorf("encoding saved state: %w", err)
		}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO sessions (id, timestamp, name, context, post_count, raw_items, saved_state)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Timestamp, rec.Name, string(contextJSON), rec.PostCount, string(rawJSON), nullable(savedJSON))
	if err != nil {
		return fmt.Errorf("writing session %d: %w", rec.ID, err)
	}
	return nil
}

// Delete removes one record. Deleting an absent id is not an error.
func (s *SQLiteStore) Delete(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting session %d: %w", id, err)
	}
	return nil
}

// List returns session summaries newest first, heavy blobs excluded.
func (s *SQLiteStore) List(ctx context.Context) ([]session.Summary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, timestamp, name, context, post_count,
		       COALESCE(json_array_length(json_extract(saved_state, '$.data2D')) > 0, 0)
		FROM sessions ORDER BY timestamp DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var out []session.Summary
	for rows.Next() {
		var sum session.Summary
		var contextJSON string
		if err := rows.Scan(&sum.ID, &sum.Timestamp, &sum.Name, &contextJSON, &sum.PostCount, &sum.HasSavedState); err != nil {
			return nil, fmt.Errorf("scanning summary: %w", err)
		}
		if sum.Context, err = session.UnmarshalContext([]byte(contextJSON)); err != nil {
			return nil, fmt.Errorf("decoding context for session %d: %w", sum.ID, err)
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// Clear removes every record.
func (s *SQLiteStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions`); err != nil {
		return fmt.Errorf("clearing sessions: %w", err)
	}
	return nil
}

// UpdateName renames a record without touching its blobs.
func (s *SQLiteStore) UpdateName(ctx context.Context, id int64, name string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET name = ? WHERE id = ?`, name, id)
	if err != nil {
		return fmt.Errorf("renaming session %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return session.ErrNotFound
	}
	return nil
}

// Export returns every full record, newest first.
func (s *SQLiteStore) Export(ctx context.Context) ([]*session.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, timestamp, name, context, post_count, raw_items, saved_state
		FROM sessions ORDER BY timestamp DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("exporting sessions: %w", err)
	}
	defer rows.Close()

	var out []*session.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Import inserts records, skipping ids that already exist. Returns the
// number of records actually imported.
func (s *SQLiteStore) Import(ctx context.Context, records []*session.Record) (int, error) {
	imported := 0
	for _, rec := range records {
		var exists int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id = ?`, rec.ID).Scan(&exists)
		switch {
		case err == nil:
			continue
		case !errors.Is(err, sql.ErrNoRows):
			return imported, fmt.Errorf("checking session %d: %w", rec.ID, err)
		}
		if err := s.Put(ctx, rec); err != nil {
			return imported, err
		}
		imported++
	}
	return imported, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*session.Record, error) {
	var rec session.Record
	var contextJSON, rawJSON string
	var savedJSON sql.NullString
	if err := row.Scan(&rec.ID, &rec.Timestamp, &rec.Name, &contextJSON, &rec.PostCount, &rawJSON, &savedJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning session: %w", err)
	}

	c, err := session.UnmarshalContext([]byte(contextJSON))
	if err != nil {
		return nil, fmt.Errorf("decoding context for session %d: %w", rec.ID, err)
	}
	rec.Context = c

	if rawJSON != "" {
		if err := json.Unmarshal([]byte(rawJSON), &rec.RawItems); err != nil {
			return nil, fmt.Errorf("decoding raw items for session %d: %w", rec.ID, err)
		}
	}
	if savedJSON.Valid && savedJSON.String != "" {
		var st state.Serialized
		if err := json.Unmarshal([]byte(savedJSON.String), &st); err != nil {
			return nil, fmt.Errorf("decoding saved state for session %d: %w", rec.ID, err)
		}
		rec.SavedState = &st
	}
	return &rec, nil
}

func nullable(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
