package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// DefaultKeepEvents bounds the update journal on small flash devices.
const DefaultKeepEvents = 500

type Store struct {
	db         *sql.DB
	keepEvents int
}

func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One connection keeps the WAL pragma and writes on a single handle.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, keepEvents: DefaultKeepEvents}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SetKeepEvents changes how many journal rows survive pruning. Zero or less
// disables pruning.
func (s *Store) SetKeepEvents(n int) {
	s.keepEvents = n
}

func (s *Store) migrate() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS update_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			operation TEXT NOT NULL,
			from_phase TEXT NOT NULL,
			from_version TEXT,
			to_phase TEXT NOT NULL,
			to_version TEXT,
			version TEXT,
			detail TEXT,
			error_text TEXT,
			device TEXT,
			created_utc TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS app_state (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_utc TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_update_events_created ON update_events(created_utc);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate schema: %w", err)
		}
	}
	return nil
}
