// Package state persists integrations, entity mappings, sync logs and the
// internal record store.
//
// Only this package may open or query the database. All other packages receive
// a [*Store] and call its methods. SQL is written once with ? placeholders and
// rebound for PostgreSQL.
package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver ("pgx")
	"github.com/mattn/go-sqlite3"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS integrations (
    id            TEXT    PRIMARY KEY,
    workspace_id  TEXT    NOT NULL,
    name          TEXT    NOT NULL DEFAULT '',
    platform      TEXT    NOT NULL,
    credentials   TEXT    NOT NULL DEFAULT '{}',
    config        TEXT    NOT NULL DEFAULT '{}',
    sync_settings TEXT    NOT NULL DEFAULT '{}',
    is_active     INTEGER NOT NULL DEFAULT 1,
    sync_status   TEXT    NOT NULL DEFAULT 'pending',
    last_sync     TEXT    NOT NULL DEFAULT '',
    error_log     TEXT    NOT NULL DEFAULT '[]',
    revision      INTEGER NOT NULL DEFAULT 1,
    created_at    TEXT    NOT NULL,
    updated_at    TEXT    NOT NULL
)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_integrations_active ON integrations (workspace_id, platform) WHERE is_active = 1`,

	`CREATE TABLE IF NOT EXISTS entity_mappings (
    id             TEXT    PRIMARY KEY,
    integration_id TEXT    NOT NULL,
    workspace_id   TEXT    NOT NULL,
    platform       TEXT    NOT NULL,
    entity_type    TEXT    NOT NULL,
    internal_id    TEXT    NOT NULL,
    external_id    TEXT    NOT NULL,
    external_url   TEXT    NOT NULL DEFAULT '',
    bidirectional  INTEGER NOT NULL DEFAULT 1,
    last_synced    TEXT    NOT NULL DEFAULT '',
    metadata       TEXT    NOT NULL DEFAULT '{}',
    created_at     TEXT    NOT NULL
)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_mappings_internal ON entity_mappings (integration_id, entity_type, internal_id)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_mappings_external ON entity_mappings (integration_id, entity_type, external_id)`,
	`CREATE INDEX        IF NOT EXISTS idx_mappings_scope    ON entity_mappings (workspace_id, platform, entity_type)`,

	`CREATE TABLE IF NOT EXISTS sync_logs (
    id             TEXT    PRIMARY KEY,
    integration_id TEXT    NOT NULL,
    workspace_id   TEXT    NOT NULL,
    platform       TEXT    NOT NULL,
    sync_type      TEXT    NOT NULL,
    operation      TEXT    NOT NULL,
    entity_type    TEXT    NOT NULL,
    entity_id      TEXT    NOT NULL DEFAULT '',
    external_id    TEXT    NOT NULL DEFAULT '',
    status         TEXT    NOT NULL,
    direction      TEXT    NOT NULL,
    payload        TEXT    NOT NULL DEFAULT '',
    error_message  TEXT    NOT NULL DEFAULT '',
    error_code     TEXT    NOT NULL DEFAULT '',
    error_stack    TEXT    NOT NULL DEFAULT '',
    retry_count    INTEGER NOT NULL DEFAULT 0,
    processing_ms  INTEGER NOT NULL DEFAULT 0,
    created_at     TEXT    NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_logs_integration ON sync_logs (integration_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_logs_retry       ON sync_logs (status, retry_count)`,
	`CREATE INDEX IF NOT EXISTS idx_logs_entity      ON sync_logs (entity_type, entity_id)`,
	`CREATE INDEX IF NOT EXISTS idx_logs_scope       ON sync_logs (workspace_id, platform, created_at)`,

	`CREATE TABLE IF NOT EXISTS records (
    id              TEXT PRIMARY KEY,
    workspace_id    TEXT NOT NULL,
    entity_type     TEXT NOT NULL,
    title           TEXT NOT NULL DEFAULT '',
    body            TEXT NOT NULL DEFAULT '',
    status          TEXT NOT NULL DEFAULT '',
    parent_id       TEXT NOT NULL DEFAULT '',
    assignee        TEXT NOT NULL DEFAULT '',
    due_date        TEXT NOT NULL DEFAULT '',
    source_platform TEXT NOT NULL DEFAULT '',
    external_url    TEXT NOT NULL DEFAULT '',
    extra           TEXT NOT NULL DEFAULT '{}',
    created_at      TEXT NOT NULL,
    updated_at      TEXT NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_records_scope ON records (workspace_id, entity_type)`,

	`CREATE TABLE IF NOT EXISTS sync_leases (
    name       TEXT PRIMARY KEY,
    holder     TEXT NOT NULL,
    expires_at TEXT NOT NULL
)`,
}

// Store is the database/sql-backed state repository.
type Store struct {
	db       *sql.DB
	postgres bool

	// now is overridable in tests.
	now func() time.Time
}

// Open opens (or creates) the database, applies the schema, and configures
// SQLite for WAL with a single writer.
func Open(driver, dsn string) (*Store, error) {
	var (
		db  *sql.DB
		err error
	)
	switch driver {
	case DriverSQLite:
		if err := os.MkdirAll(filepath.Dir(dsn), 0o700); err != nil {
			return nil, fmt.Errorf("creating state directory: %w", err)
		}
		db, err = sql.Open(DriverSQLite, dsn+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000")
		if err != nil {
			return nil, fmt.Errorf("opening database %q: %w", dsn, err)
		}
		// Single writer to avoid SQLITE_BUSY under WAL.
		db.SetMaxOpenConns(1)
	case DriverPostgres:
		db, err = sql.Open(DriverPostgres, dsn)
		if err != nil {
			return nil, fmt.Errorf("opening postgres database: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	s := &Store{db: db, postgres: driver == DriverPostgres, now: time.Now}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	return s, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate applies the schema DDL idempotently (CREATE IF NOT EXISTS).
func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// q rebinds ? placeholders to $n for PostgreSQL.
func (s *Store) q(query string) string {
	if !s.postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// inTx runs fn inside a transaction, rolling back on error.
func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// --- helpers -----------------------------------------------------------------

// scanner matches both *sql.Row and *sql.Rows so scan helpers can be reused.
type scanner interface {
	Scan(dest ...any) error
}

// isUniqueViolation reports whether err is a unique constraint failure on
// either backend.
func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var pe *pgconn.PgError
	if errors.As(err, &pe) {
		return pe.Code == "23505"
	}
	return false
}

// timeLayout is fixed-width so stored timestamps sort lexicographically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

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

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func encodeJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeJSON(s string, v any) error {
	if s == "" {
		return nil
	}
	return json.Unmarshal([]byte(s), v)
}

// placeholders returns "?, ?, ..." for n values.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
