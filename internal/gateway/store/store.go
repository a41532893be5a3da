// Package store provides the gateway's sqlite-backed storage for runs,
// events, commands, agents, nonces, and artifacts. The gateway is the single
// writer; the store is the source of truth for run state.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Store wraps the sqlite database.
type Store struct {
	db *sqlx.DB
}

// Open opens (creating if needed) the sqlite database at path and initializes
// the schema.
func Open(path string) (*Store, error) {
	normalized := path
	if abs, err := filepath.Abs(path); err == nil {
		normalized = abs
	}
	if dir := filepath.Dir(normalized); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to prepare database path: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_mode=rwc&_busy_timeout=5000", normalized)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// OpenMemory opens an in-memory database, used by tests.
func OpenMemory() (*Store, error) {
	db, err := sqlx.Open("sqlite3", "file::memory:?_foreign_keys=on")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		worker_type TEXT NOT NULL,
		command TEXT DEFAULT '',
		model TEXT DEFAULT '',
		integration TEXT DEFAULT '',
		provider TEXT DEFAULT '',
		autonomous INTEGER NOT NULL DEFAULT 0,
		working_dir TEXT DEFAULT '',
		assigned_agent_id TEXT,
		capability_token TEXT NOT NULL,
		status TEXT NOT NULL,
		exit_code INTEGER,
		restarted_from TEXT,
		resumed_from TEXT,
		created_at DATETIME NOT NULL,
		started_at DATETIME,
		finished_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_runs_status_created ON runs(status, created_at);
	CREATE INDEX IF NOT EXISTS idx_runs_agent ON runs(assigned_agent_id);

	CREATE TABLE IF NOT EXISTS events (
		run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		event_id INTEGER NOT NULL,
		type TEXT NOT NULL,
		data TEXT NOT NULL,
		sender_seq INTEGER,
		created_at DATETIME NOT NULL,
		PRIMARY KEY (run_id, event_id)
	);

	CREATE TABLE IF NOT EXISTS commands (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		command TEXT NOT NULL,
		status TEXT NOT NULL,
		result TEXT,
		error TEXT,
		created_at DATETIME NOT NULL,
		acked_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_commands_run_status ON commands(run_id, status, created_at);

	CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		label TEXT DEFAULT '',
		version TEXT DEFAULT '',
		capabilities TEXT NOT NULL DEFAULT '[]',
		status TEXT NOT NULL,
		last_seen_at DATETIME NOT NULL,
		registered_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS run_states (
		run_id TEXT PRIMARY KEY REFERENCES runs(id) ON DELETE CASCADE,
		working_dir TEXT DEFAULT '',
		last_sequence INTEGER NOT NULL DEFAULT 0,
		stdin_buffer TEXT DEFAULT '',
		environment TEXT DEFAULT '',
		saved_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS nonces (
		nonce TEXT PRIMARY KEY,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS artifacts (
		run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		name TEXT NOT NULL,
		path TEXT NOT NULL,
		size INTEGER NOT NULL,
		created_at DATETIME NOT NULL,
		PRIMARY KEY (run_id, name)
	);

	CREATE TABLE IF NOT EXISTS audit_entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		action TEXT NOT NULL,
		run_id TEXT,
		agent_id TEXT,
		created_at DATETIME NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}
