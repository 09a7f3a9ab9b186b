package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens (and creates if needed) the SQLite database at path and
// ensures required tables exist.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Basic health check + apply a few safe pragmas.
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(pctx, "PRAGMA foreign_keys = ON;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign_keys: %w", err)
	}
	if _, err := db.ExecContext(pctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if err := BootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// BootstrapSQLite creates tables/indexes if missing.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
  id                TEXT PRIMARY KEY,
  status            TEXT NOT NULL,
  started_at        TEXT NOT NULL,
  finished_at       TEXT,
  checkpoint_cursor INTEGER NOT NULL DEFAULT 0
);`,
		`CREATE TABLE IF NOT EXISTS step_results (
  id            TEXT PRIMARY KEY,
  session_id    TEXT NOT NULL,
  target_path   TEXT NOT NULL,
  worker_type   TEXT NOT NULL,
  status        TEXT NOT NULL,
  risk          TEXT NOT NULL DEFAULT 'low',
  cost_consumed INTEGER NOT NULL DEFAULT 0,
  rolled_back   INTEGER NOT NULL DEFAULT 0,
  last_error    TEXT,
  seq           INTEGER NOT NULL,
  created_at    TEXT NOT NULL,
  FOREIGN KEY(session_id) REFERENCES sessions(id)
);`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
  session_id      TEXT PRIMARY KEY,
  processed_paths TEXT NOT NULL DEFAULT '[]',
  budget_consumed INTEGER NOT NULL DEFAULT 0,
  updated_at      TEXT NOT NULL,
  FOREIGN KEY(session_id) REFERENCES sessions(id)
);`,
		`CREATE TABLE IF NOT EXISTS locks (
  resource_id TEXT NOT NULL,
  holder_id   TEXT NOT NULL,
  holder_pid  INTEGER NOT NULL,
  lock_type   TEXT NOT NULL,
  acquired_at TEXT NOT NULL,
  expires_at  TEXT NOT NULL,
  PRIMARY KEY(resource_id, holder_id)
);`,
		`CREATE TABLE IF NOT EXISTS resource_usage (
  id           INTEGER PRIMARY KEY AUTOINCREMENT,
  amount       INTEGER NOT NULL,
  committed_at TEXT NOT NULL,
  day_bucket   TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS modifications (
  id              INTEGER PRIMARY KEY AUTOINCREMENT,
  resource_id     TEXT NOT NULL,
  session_id      TEXT,
  backup_location TEXT,
  modified_at     TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS step_results_session_seq_idx ON step_results(session_id, seq);`,
		`CREATE INDEX IF NOT EXISTS resource_usage_committed_at_idx ON resource_usage(committed_at);`,
		`CREATE INDEX IF NOT EXISTS resource_usage_day_bucket_idx ON resource_usage(day_bucket);`,
		`CREATE INDEX IF NOT EXISTS locks_expires_at_idx ON locks(expires_at);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
