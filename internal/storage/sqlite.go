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

// OpenSQLite opens (and creates if needed) the run ledger database at path and
// ensures the schema exists.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := requireLocalFilesystem(path); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Stage goroutines write concurrently; one connection serializes them
	// instead of surfacing SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON;",
		"PRAGMA busy_timeout = 5000;",
		"PRAGMA journal_mode = WAL;",
	} {
		if _, err := db.ExecContext(pctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	if err := BootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// BootstrapSQLite creates the ledger tables and indexes if missing.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS plan_runs (
  id             TEXT PRIMARY KEY,
  plan_id        TEXT NOT NULL,
  plan_key       TEXT NOT NULL,
  reason         TEXT NOT NULL,
  repository     TEXT NOT NULL,
  source_branch  TEXT NOT NULL,
  source_version TEXT,
  status         TEXT NOT NULL,
  plan           JSON NOT NULL,
  created_at     TEXT NOT NULL,
  completed_at   TEXT,
  superseded_by  TEXT
);`,
		`CREATE TABLE IF NOT EXISTS stage_runs (
  run_id     TEXT NOT NULL REFERENCES plan_runs(id) ON DELETE CASCADE,
  stage      TEXT NOT NULL,
  position   INTEGER NOT NULL,
  status     TEXT NOT NULL,
  updated_at TEXT NOT NULL,
  PRIMARY KEY (run_id, stage)
);`,
		`CREATE TABLE IF NOT EXISTS job_runs (
  run_id       TEXT NOT NULL REFERENCES plan_runs(id) ON DELETE CASCADE,
  job_id       TEXT NOT NULL,
  stage        TEXT NOT NULL,
  template     TEXT NOT NULL,
  status       TEXT NOT NULL,
  started_at   TEXT NOT NULL,
  completed_at TEXT,
  last_error   TEXT,
  PRIMARY KEY (run_id, job_id)
);`,
		`CREATE INDEX IF NOT EXISTS plan_runs_key_status_idx ON plan_runs(plan_key, status);`,
		`CREATE INDEX IF NOT EXISTS plan_runs_status_created_at_idx ON plan_runs(status, created_at);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
