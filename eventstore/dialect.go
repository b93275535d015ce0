package eventstore

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Dialect selects the SQL flavour of a SQLStore. It is fixed when the
// store is opened.
type Dialect int

const (
	// Postgres uses native UUID, JSONB and TIMESTAMPTZ columns.
	Postgres Dialect = iota + 1
	// SQLite stores everything in TEXT, INTEGER and BLOB columns.
	SQLite
)

// DialectFromDriver maps a database/sql driver name to its dialect.
func DialectFromDriver(driver string) (Dialect, error) {
	switch strings.ToLower(driver) {
	case "postgres", "postgresql", "pq":
		return Postgres, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	default:
		return 0, fmt.Errorf("unsupported sql driver %q", driver)
	}
}

func (d Dialect) String() string {
	switch d {
	case Postgres:
		return "postgres"
	case SQLite:
		return "sqlite"
	default:
		return fmt.Sprintf("dialect(%d)", int(d))
	}
}

// Driver returns the database/sql driver name registered for d.
func (d Dialect) Driver() string {
	switch d {
	case SQLite:
		return "sqlite"
	default:
		return "postgres"
	}
}

const eventColumns = `event_id, event_type, event_version, aggregate_type, aggregate_id, aggregate_version,
	data, metadata, created_at, effective_at, created_by, owned_by, correlation_id, causation_id,
	hash, previous_hash`

const (
	selectLastEvent = `SELECT ` + eventColumns + ` FROM events
	WHERE aggregate_type = $1 AND aggregate_id = $2
	ORDER BY aggregate_version DESC LIMIT 1`

	selectStreamEvents = `SELECT ` + eventColumns + ` FROM events
	WHERE aggregate_type = $1 AND aggregate_id = $2 AND aggregate_version >= $3
	ORDER BY aggregate_version ASC`

	selectEventByID = `SELECT ` + eventColumns + ` FROM events WHERE event_id = $1`

	insertEvent = `INSERT INTO events (` + eventColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`

	upsertSnapshot = `INSERT INTO snapshots (aggregate_type, aggregate_id, aggregate_version, state, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (aggregate_type, aggregate_id) DO UPDATE SET
		aggregate_version = excluded.aggregate_version,
		state = excluded.state,
		updated_at = excluded.updated_at`

	selectSnapshot = `SELECT aggregate_type, aggregate_id, aggregate_version, state, created_at, updated_at
	FROM snapshots WHERE aggregate_type = $1 AND aggregate_id = $2`

	lockStreamPostgres = `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`
)

var placeholder = regexp.MustCompile(`\$\d+`)

// rebind rewrites $n placeholders for dialects that use ?. Queries must
// reference each placeholder once and in order.
func (d Dialect) rebind(query string) string {
	if d == SQLite {
		return placeholder.ReplaceAllString(query, "?")
	}
	return query
}

// lockStream returns the statement that serialises appenders of one
// stream inside a transaction, or "" when the transaction itself already
// holds the write lock (SQLite with _txlock=immediate).
func (d Dialect) lockStream() string {
	if d == Postgres {
		return lockStreamPostgres
	}
	return ""
}

// isConflict reports whether err is a uniqueness violation.
func (d Dialect) isConflict(err error) bool {
	switch d {
	case Postgres:
		var pqErr *pq.Error
		return errors.As(err, &pqErr) && pqErr.Code == "23505"
	case SQLite:
		var sqErr *sqlite.Error
		if !errors.As(err, &sqErr) {
			return false
		}
		code := sqErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}

// timeValue converts a timestamp into a query argument.
func (d Dialect) timeValue(t time.Time) any {
	if d == SQLite {
		return formatTime(t)
	}
	return normalizeTime(t)
}

func (d Dialect) timePtrValue(t *time.Time) any {
	if t == nil {
		return nil
	}
	return d.timeValue(*t)
}

// schema returns the DDL for the events and snapshots tables.
func (d Dialect) schema() []string {
	if d == SQLite {
		return sqliteSchema
	}
	return postgresSchema
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS events (
		event_id UUID PRIMARY KEY,
		event_type TEXT NOT NULL,
		event_version SMALLINT NOT NULL,
		aggregate_type TEXT NOT NULL,
		aggregate_id UUID NOT NULL,
		aggregate_version BIGINT NOT NULL,
		data JSONB NOT NULL,
		metadata JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		effective_at TIMESTAMPTZ,
		created_by UUID NOT NULL,
		owned_by UUID,
		correlation_id UUID,
		causation_id UUID,
		hash BYTEA NOT NULL,
		previous_hash BYTEA NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS snapshots (
		aggregate_type TEXT NOT NULL,
		aggregate_id UUID NOT NULL,
		aggregate_version BIGINT NOT NULL,
		state JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (aggregate_type, aggregate_id)
	)`,
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS events (
		event_id TEXT PRIMARY KEY,
		event_type TEXT NOT NULL,
		event_version INTEGER NOT NULL,
		aggregate_type TEXT NOT NULL,
		aggregate_id TEXT NOT NULL,
		aggregate_version INTEGER NOT NULL,
		data TEXT NOT NULL,
		metadata TEXT,
		created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
		effective_at TEXT,
		created_by TEXT NOT NULL,
		owned_by TEXT,
		correlation_id TEXT,
		causation_id TEXT,
		hash BLOB NOT NULL,
		previous_hash BLOB NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS snapshots (
		aggregate_type TEXT NOT NULL,
		aggregate_id TEXT NOT NULL,
		aggregate_version INTEGER NOT NULL,
		state TEXT NOT NULL,
		created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
		updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
		PRIMARY KEY (aggregate_type, aggregate_id)
	)`,
}

// indexes are shared by both dialects.
var indexes = []string{
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_events_aggregate_type_id_version ON events (aggregate_type, aggregate_id, aggregate_version)`,
	`CREATE INDEX IF NOT EXISTS idx_events_correlation_id ON events (correlation_id)`,
	`CREATE INDEX IF NOT EXISTS idx_events_causation_id ON events (causation_id)`,
	`CREATE INDEX IF NOT EXISTS idx_events_event_type ON events (event_type)`,
	`CREATE INDEX IF NOT EXISTS idx_events_event_type_version ON events (event_type, event_version)`,
}
