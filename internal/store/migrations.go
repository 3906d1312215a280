package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// schemaVersion is the version this build writes. Migrations run once at
// open, in order, from the stored version up to this one.
const schemaVersion = 2

// migrations maps a starting version to the step that upgrades past it.
var migrations = map[int]func(*sql.Tx) error{
	0: migrateV0Bootstrap,
	1: migrateV1DropFragmentSessions,
}

func (s *SQLiteStore) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS meta (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`); err != nil {
		return fmt.Errorf("creating meta table: %w", err)
	}

	version, err := s.currentVersion()
	if err != nil {
		return err
	}

	for v := version; v < schemaVersion; v++ {
		step, ok := migrations[v]
		if !ok {
			return fmt.Errorf("no migration from schema version %d", v)
		}
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("starting migration from v%d: %w", v, err)
		}
		if err := step(tx); err != nil {
			tx.Rollback()
			return fmt.Errorf("migrating from v%d: %w", v, err)
		}
		if _, err := tx.Exec(`INSERT OR REPLACE INTO meta (key, value) VALUES ('schema_version', ?)`, v+1); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording schema version %d: %w", v+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration to v%d: %w", v+1, err)
		}
	}
	return nil
}

func (s *SQLiteStore) currentVersion() (int, error) {
	var version int
	err := s.db.QueryRow(`SELECT value FROM meta WHERE key = 'schema_version'`).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading schema version: %w", err)
	}
	return version, nil
}

// migrateV0Bootstrap creates the sessions table.
func migrateV0Bootstrap(tx *sql.Tx) error {
	_, err := tx.Exec(`CREATE TABLE IF NOT EXISTS sessions (
		id          INTEGER PRIMARY KEY,
		timestamp   INTEGER NOT NULL,
		name        TEXT NOT NULL,
		context     TEXT NOT NULL,
		post_count  INTEGER NOT NULL DEFAULT 0,
		raw_items   TEXT,
		saved_state TEXT
	)`)
	if err != nil {
		return err
	}
	_, err = tx.Exec(`CREATE INDEX IF NOT EXISTS idx_sessions_timestamp ON sessions (timestamp DESC)`)
	return err
}

// migrateV1DropFragmentSessions drops the legacy table that keyed sessions
// by an opaque capture fragment instead of a numeric id. The old records
// cannot be mapped onto numeric ids, so they are discarded; users re-import
// from the capture source. Deliberate, documented data loss.
func migrateV1DropFragmentSessions(tx *sql.Tx) error {
	_, err := tx.Exec(`DROP TABLE IF EXISTS sessions_by_fragment`)
	return err
}
