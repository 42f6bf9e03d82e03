// Package state manages the SQLite database holding groups, their platform
// connections, venues, events and the sync run log.
//
// Only this package may open or query the database. All other packages receive
// a [*Store] and call its methods; reconciliation writes go through a [*Tx]
// obtained from [Store.WithGroupTx].
package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS groups (
    id           TEXT    PRIMARY KEY,
    urlname      TEXT    NOT NULL DEFAULT '',
    name         TEXT    NOT NULL,
    description  TEXT    NOT NULL DEFAULT '',
    link         TEXT    NOT NULL DEFAULT '',
    member_count INTEGER NOT NULL DEFAULT 0,
    photo_url    TEXT    NOT NULL DEFAULT '',
    created_at   TEXT    NOT NULL,
    updated_at   TEXT    NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_groups_urlname ON groups (lower(urlname)) WHERE urlname != '';

CREATE TABLE IF NOT EXISTS platform_connections (
    id           TEXT    PRIMARY KEY,
    group_id     TEXT    NOT NULL REFERENCES groups (id) ON DELETE CASCADE,
    platform     TEXT    NOT NULL,
    platform_id  TEXT    NOT NULL,
    identifier   TEXT    NOT NULL,
    active       INTEGER NOT NULL DEFAULT 1,
    last_sync_at TEXT    NOT NULL DEFAULT '',
    created_at   TEXT    NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_connections_platform_id ON platform_connections (platform, platform_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_connections_identifier  ON platform_connections (platform, identifier);
CREATE INDEX        IF NOT EXISTS idx_connections_group       ON platform_connections (group_id);

CREATE TABLE IF NOT EXISTS venues (
    id                TEXT PRIMARY KEY,
    platform          TEXT NOT NULL,
    platform_venue_id TEXT NOT NULL,
    name              TEXT NOT NULL,
    address           TEXT NOT NULL DEFAULT '',
    city              TEXT NOT NULL DEFAULT '',
    state             TEXT NOT NULL DEFAULT '',
    country           TEXT NOT NULL DEFAULT '',
    postal_code       TEXT NOT NULL DEFAULT '',
    lat               REAL,
    lng               REAL,
    updated_at        TEXT NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_venues_key ON venues (platform, platform_venue_id, name);

CREATE TABLE IF NOT EXISTS events (
    id            TEXT    PRIMARY KEY,
    group_id      TEXT    NOT NULL REFERENCES groups (id) ON DELETE CASCADE,
    platform      TEXT,
    platform_id   TEXT,
    title         TEXT    NOT NULL,
    description   TEXT    NOT NULL DEFAULT '',
    event_url     TEXT    NOT NULL DEFAULT '',
    photo_url     TEXT    NOT NULL DEFAULT '',
    start_time    TEXT    NOT NULL,
    end_time      TEXT    NOT NULL DEFAULT '',
    timezone      TEXT    NOT NULL DEFAULT 'UTC',
    duration      TEXT    NOT NULL DEFAULT '',
    status        TEXT    NOT NULL,
    event_type    TEXT    NOT NULL,
    rsvp_count    INTEGER NOT NULL DEFAULT 0,
    max_attendees INTEGER,
    venue_id      TEXT    REFERENCES venues (id) ON DELETE SET NULL,
    venue_json    TEXT    NOT NULL DEFAULT '',
    last_sync_at  TEXT    NOT NULL DEFAULT '',
    created_at    TEXT    NOT NULL,
    updated_at    TEXT    NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_events_natural_key ON events (platform, platform_id);
CREATE INDEX        IF NOT EXISTS idx_events_group       ON events (group_id, platform);
CREATE INDEX        IF NOT EXISTS idx_events_start       ON events (start_time);

CREATE TABLE IF NOT EXISTS sync_runs (
    id             TEXT    PRIMARY KEY,
    started_at     TEXT    NOT NULL,
    completed_at   TEXT    NOT NULL DEFAULT '',
    status         TEXT    NOT NULL,
    events_created INTEGER NOT NULL DEFAULT 0,
    events_updated INTEGER NOT NULL DEFAULT 0,
    events_deleted INTEGER NOT NULL DEFAULT 0,
    groups_changed INTEGER NOT NULL DEFAULT 0,
    groups_total   INTEGER NOT NULL DEFAULT 0,
    groups_failed  INTEGER NOT NULL DEFAULT 0,
    error          TEXT    NOT NULL DEFAULT '',
    group_id       TEXT    NOT NULL DEFAULT '',
    failures       TEXT    NOT NULL DEFAULT '[]'
);

CREATE INDEX IF NOT EXISTS idx_sync_runs_completed ON sync_runs (status, completed_at);
`

// Store is the SQLite-backed repository.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// DefaultDBPath returns the default path for the database:
// ~/.local/share/eventsync/eventsync.db
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "eventsync", "eventsync.db"), nil
}

// Open opens (or creates) the SQLite database at path, applies the schema, and
// configures WAL mode for better concurrent read performance.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("opening database %q: %w", path, err)
	}

	// Single writer to avoid SQLITE_BUSY under WAL. Group transactions queue
	// on this connection.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate applies the schema DDL idempotently (CREATE IF NOT EXISTS).
func migrate(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return err
	}
	return addColumn(db, "sync_runs", "groups_changed", "INTEGER NOT NULL DEFAULT 0")
}

// addColumn adds a column to tables created by an older schema.
func addColumn(db *sql.DB, table, column, decl string) error {
	rows, err := db.Query(`SELECT name FROM pragma_table_info(?)`, table)
	if err != nil {
		return fmt.Errorf("inspecting %s: %w", table, err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}
		if name == column {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	_ = rows.Close()
	if _, err := db.Exec(`ALTER TABLE ` + table + ` ADD COLUMN ` + column + ` ` + decl); err != nil {
		return fmt.Errorf("adding %s.%s: %w", table, column, err)
	}
	return nil
}

// Tx is a write transaction scoped to one group's reconciliation.
type Tx struct {
	tx  *sql.Tx
	now func() time.Time
}

// WithGroupTx runs fn inside a transaction. The transaction commits when fn
// returns nil and rolls back otherwise, so a failed group leaves no partial
// writes. fn must only use the Tx it is given.
func (s *Store) WithGroupTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(&Tx{tx: sqlTx, now: s.now}); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return errors.Join(err, fmt.Errorf("rolling back: %w", rbErr))
		}
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// --- helpers -----------------------------------------------------------------

// querier matches both *sql.DB and *sql.Tx so queries can run inside or
// outside a group transaction.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// scanner matches both *sql.Row and *sql.Rows so scan helpers can be reused.
type scanner interface {
	Scan(dest ...any) error
}

func newID() string {
	return uuid.NewString()
}

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// placeholders returns "?, ?, ?" for n arguments.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
