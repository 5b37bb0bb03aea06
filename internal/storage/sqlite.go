// Package storage opens the SQLite database that backs the staging history.
// The work queue itself is memory-only and never touches this database.
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
// ensures required tables exist. The path must be on a local filesystem.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := requireLocalHistory(path, detectFilesystemType); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer (the dispatch loop); readers are the API and CLI.
	db.SetMaxOpenConns(4)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000;",
		"PRAGMA journal_mode = WAL;",
		"PRAGMA synchronous = NORMAL;",
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

// BootstrapSQLite creates tables and indexes if missing.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS stage_attempts (
  id           TEXT PRIMARY KEY,
  session_id   TEXT NOT NULL DEFAULT '',
  url          TEXT NOT NULL,
  instance_id  INTEGER NOT NULL,
  outcome      TEXT NOT NULL,
  failures     INTEGER NOT NULL DEFAULT 0,
  tree         TEXT,
  endpoint     TEXT,
  size_bytes   INTEGER NOT NULL DEFAULT 0,
  events       INTEGER NOT NULL DEFAULT 0,
  reason       TEXT,
  command      TEXT,
  stderr       TEXT,
  started_at   TEXT,
  finished_at  TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS stage_attempts_finished_at_idx ON stage_attempts(finished_at);`,
		`CREATE INDEX IF NOT EXISTS stage_attempts_url_idx ON stage_attempts(url, finished_at);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
