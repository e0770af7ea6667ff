// Package storage persists rivalwatch state in a SQLite database.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

type DB struct {
	sql *sql.DB
}

func Open(path string) (*DB, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	// Ensure schema exists for convenience.
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}
	return &DB{sql: db}, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS users (
  id          TEXT PRIMARY KEY,
  email       TEXT NOT NULL UNIQUE,
  plan_id     TEXT NOT NULL,
  created_at  TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS targets (
  id                   TEXT PRIMARY KEY,
  user_id              TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
  name                 TEXT NOT NULL,
  url                  TEXT NOT NULL,
  domain               TEXT NOT NULL,
  status               TEXT NOT NULL CHECK (status IN ('active','paused','error')),
  scraper_hint         TEXT,
  consecutive_failures INTEGER NOT NULL DEFAULT 0,
  last_checked_at      TEXT,
  created_at           TEXT NOT NULL,
  UNIQUE(user_id, url)
);
CREATE INDEX IF NOT EXISTS idx_targets_user ON targets(user_id, created_at);
CREATE INDEX IF NOT EXISTS idx_targets_status ON targets(status);
CREATE TABLE IF NOT EXISTS monitoring_contexts (
  id                      TEXT PRIMARY KEY,
  key                     TEXT NOT NULL UNIQUE,
  name                    TEXT NOT NULL,
  requires_rich_rendering INTEGER NOT NULL CHECK (requires_rich_rendering IN (0,1)),
  is_default              INTEGER NOT NULL CHECK (is_default IN (0,1)),
  position                INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS snapshots (
  id            TEXT PRIMARY KEY,
  target_id     TEXT NOT NULL REFERENCES targets(id) ON DELETE CASCADE,
  context_id    TEXT NOT NULL REFERENCES monitoring_contexts(id),
  signal        TEXT NOT NULL,
  method        TEXT NOT NULL,
  content_hash  TEXT NOT NULL,
  payload       TEXT NOT NULL,
  evidence_path TEXT,
  captured_at   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_snapshots_pair ON snapshots(target_id, context_id, signal, captured_at);
CREATE TABLE IF NOT EXISTS diffs (
  id               TEXT PRIMARY KEY,
  target_id        TEXT NOT NULL REFERENCES targets(id) ON DELETE CASCADE,
  context_id       TEXT NOT NULL REFERENCES monitoring_contexts(id),
  signal           TEXT NOT NULL,
  from_snapshot_id TEXT,
  to_snapshot_id   TEXT NOT NULL,
  severity         TEXT NOT NULL,
  summary          TEXT NOT NULL,
  classification   TEXT,
  changes          TEXT NOT NULL,
  created_at       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_diffs_pair ON diffs(target_id, context_id, created_at);
CREATE TABLE IF NOT EXISTS alerts (
  id          TEXT PRIMARY KEY,
  user_id     TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
  target_id   TEXT NOT NULL REFERENCES targets(id) ON DELETE CASCADE,
  context_id  TEXT NOT NULL,
  signal      TEXT NOT NULL,
  severity    TEXT NOT NULL,
  title       TEXT NOT NULL,
  description TEXT NOT NULL,
  metadata    TEXT NOT NULL,
  read        INTEGER NOT NULL DEFAULT 0 CHECK (read IN (0,1)),
  created_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_alerts_user ON alerts(user_id, created_at);
CREATE TABLE IF NOT EXISTS usage_counters (
  user_id             TEXT PRIMARY KEY REFERENCES users(id) ON DELETE CASCADE,
  crawls_today        INTEGER NOT NULL DEFAULT 0,
  manual_checks_today INTEGER NOT NULL DEFAULT 0,
  last_reset          TEXT NOT NULL
);
`

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (d *DB) Close() error {
	if d == nil || d.sql == nil {
		return nil
	}
	return d.sql.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		// Rows written by hand through `db shell` may use RFC 3339.
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t.UTC()
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
