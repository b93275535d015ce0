package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/google/uuid"
)

// querier is the part of *sql.DB and *sql.Tx the store needs.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLStore is an EventStore and SnapshotStore on top of database/sql.
// It supports Postgres (lib/pq) and SQLite (modernc.org/sqlite).
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	opts    options
}

// NewSQLStore wraps an open database. A SQLite database must be opened
// with a DSN prepared by SQLiteDSN, or appends from separate connections
// fail with SQLITE_BUSY instead of conflicting.
func NewSQLStore(db *sql.DB, dialect Dialect, opts ...Option) *SQLStore {
	return &SQLStore{
		db:      db,
		dialect: dialect,
		opts:    newOptions(dialect.String(), opts),
	}
}

// OpenSQLStore opens and pings a database using the named driver.
func OpenSQLStore(ctx context.Context, driver, dsn string, opts ...Option) (*SQLStore, error) {
	dialect, err := DialectFromDriver(driver)
	if err != nil {
		return nil, err
	}
	if dialect == SQLite {
		dsn = SQLiteDSN(dsn)
	}
	db, err := sql.Open(dialect.Driver(), dsn)
	if err != nil {
		return nil, transportError("open database", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, transportError("ping database", err)
	}
	return NewSQLStore(db, dialect, opts...), nil
}

// SQLiteDSN adds the settings concurrent appends depend on to a SQLite
// DSN: transactions take the write lock when they begin, so two appenders
// never both read the same head, and a writer waits up to five seconds
// for the lock instead of failing. Settings already present are kept.
func SQLiteDSN(dsn string) string {
	var params []string
	if !strings.Contains(dsn, "_txlock=") {
		params = append(params, "_txlock=immediate")
	}
	if !strings.Contains(dsn, "busy_timeout") {
		params = append(params, "_pragma=busy_timeout(5000)")
	}
	if len(params) == 0 {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + strings.Join(params, "&")
}

// DB returns the underlying database handle.
func (s *SQLStore) DB() *sql.DB { return s.db }

// Dialect returns the store's SQL dialect.
func (s *SQLStore) Dialect() Dialect { return s.dialect }

// Close closes the underlying database.
func (s *SQLStore) Close() error { return s.db.Close() }

// Migrate creates the events and snapshots tables and their indexes.
func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range append(s.dialect.schema(), indexes...) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return transportError("migrate", err)
		}
	}
	s.opts.log.Info("schema migrated")
	return nil
}

func (s *SQLStore) querier(ctx context.Context) querier {
	if tx, ok := TxFromContext(ctx); ok {
		return tx
	}
	return s.db
}

// InTx implements Transactor. A transaction already carried by ctx is
// joined, leaving commit and rollback to its owner.
func (s *SQLStore) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := TxFromContext(ctx); ok {
		return fn(ctx)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return transportError("begin", err)
	}
	if err := fn(WithTx(ctx, tx)); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return transportError("commit", err)
	}
	return nil
}

// Append implements the EventStore interface. Reading the stream head and
// inserting the next record happen in one transaction; on Postgres the
// stream is additionally locked with an advisory lock. The unique index on
// (aggregate_type, aggregate_id, aggregate_version) is the backstop.
func (s *SQLStore) Append(ctx context.Context, envelope Envelope) (rec Record, err error) {
	if err := envelope.Validate(); err != nil {
		return Record{}, err
	}
	key := envelope.Aggregate.Key()
	ctx, span := s.opts.startSpan(ctx, "eventstore.Append", key)
	started := time.Now()
	defer func() { s.opts.observeAppend(span, key, started, rec, err) }()

	if tx, ok := TxFromContext(ctx); ok {
		return s.appendTx(ctx, tx, envelope)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Record{}, transportError("begin append", err)
	}
	defer func() { _ = tx.Rollback() }()

	rec, err = s.appendTx(ctx, tx, envelope)
	if err != nil {
		var conflict *ConflictError
		if errors.As(err, &conflict) {
			_ = tx.Rollback()
			if existing, ok := s.committed(ctx, envelope); ok {
				return existing, nil
			}
			refreshHead(ctx, s, conflict)
		}
		return Record{}, err
	}

	if err = tx.Commit(); err != nil {
		return Record{}, transportError("commit append", err)
	}
	return rec, nil
}

func (s *SQLStore) appendTx(ctx context.Context, q querier, envelope Envelope) (Record, error) {
	key := envelope.Aggregate.Key()

	if lock := s.dialect.lockStream(); lock != "" {
		if _, err := q.ExecContext(ctx, s.dialect.rebind(lock), key.String()); err != nil {
			return Record{}, transportError("lock stream", err)
		}
	}

	last, found, err := s.lastRecord(ctx, q, key)
	if err != nil {
		return Record{}, err
	}

	rec, err := chain(envelope, last, found)
	if err != nil {
		return Record{}, err
	}

	if _, err := q.ExecContext(ctx, s.dialect.rebind(insertEvent), s.insertArgs(rec)...); err != nil {
		if s.dialect.isConflict(err) {
			return Record{}, &ConflictError{Stream: key, Expected: rec.Version(), Actual: rec.Version()}
		}
		return Record{}, transportError("insert event", err)
	}
	return rec, nil
}

// committed looks for a record already stored under the envelope's event
// id in the same stream, which makes a retried append idempotent.
func (s *SQLStore) committed(ctx context.Context, envelope Envelope) (Record, bool) {
	row := s.db.QueryRowContext(ctx, s.dialect.rebind(selectEventByID), envelope.EventID)
	rec, err := scanRecord(row)
	if err != nil {
		return Record{}, false
	}
	return rec, rec.Key() == envelope.Aggregate.Key()
}

func (s *SQLStore) insertArgs(rec Record) []any {
	return []any{
		rec.EventID,
		rec.EventType,
		rec.EventVersion,
		rec.Aggregate.Type,
		rec.Aggregate.ID,
		int64(rec.Aggregate.Version),
		string(rec.Data),
		nullJSON(rec.Metadata),
		s.dialect.timeValue(rec.CreatedAt),
		s.dialect.timePtrValue(rec.EffectiveAt),
		rec.Context.CreatedBy,
		rec.Context.OwnedBy,
		rec.Context.CorrelationID,
		rec.Context.CausationID,
		rec.Hash,
		rec.PreviousHash,
	}
}

// LastRecord implements the EventStore interface
func (s *SQLStore) LastRecord(ctx context.Context, key StreamKey) (Record, bool, error) {
	if err := key.Validate(); err != nil {
		return Record{}, false, err
	}
	return s.lastRecord(ctx, s.querier(ctx), key)
}

func (s *SQLStore) lastRecord(ctx context.Context, q querier, key StreamKey) (Record, bool, error) {
	row := q.QueryRowContext(ctx, s.dialect.rebind(selectLastEvent), key.Type, key.ID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

// Read implements the EventStore interface. The rows cursor is held for
// the duration of the iteration and released when it ends or breaks.
func (s *SQLStore) Read(ctx context.Context, key StreamKey, sel VersionSelect) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		if err := key.Validate(); err != nil {
			yield(Record{}, err)
			return
		}
		ctx, span := s.opts.startSpan(ctx, "eventstore.Read", key)
		defer span.End()
		started := time.Now()
		defer func() { s.opts.metrics.ReadDuration(key.Type, time.Since(started)) }()

		rows, err := s.querier(ctx).QueryContext(ctx, s.dialect.rebind(selectStreamEvents),
			key.Type, key.ID, int64(sel.Start()))
		if err != nil {
			yield(Record{}, transportError("read stream", err))
			return
		}
		defer func() { _ = rows.Close() }()

		for rows.Next() {
			rec, err := scanRecord(rows)
			if err != nil {
				span.RecordError(err)
				yield(Record{}, err)
				return
			}
			if !yield(rec, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(Record{}, transportError("read stream", err))
		}
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanRecord reads one events row. Driver failures come back as transport
// errors, sql.ErrNoRows unchanged, and unparseable JSON as a DecodeError.
func scanRecord(row rowScanner) (Record, error) {
	var (
		rec           Record
		version       int64
		data          sql.NullString
		metadata      sql.NullString
		createdAt     sqlTime
		effectiveAt   sqlTime
		ownedBy       uuid.NullUUID
		correlationID uuid.NullUUID
		causationID   uuid.NullUUID
	)
	err := row.Scan(
		&rec.EventID,
		&rec.EventType,
		&rec.EventVersion,
		&rec.Aggregate.Type,
		&rec.Aggregate.ID,
		&version,
		&data,
		&metadata,
		&createdAt,
		&effectiveAt,
		&rec.Context.CreatedBy,
		&ownedBy,
		&correlationID,
		&causationID,
		&rec.Hash,
		&rec.PreviousHash,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, err
	}
	if err != nil {
		return Record{}, transportError("scan event", err)
	}

	rec.Aggregate.Version = Version(version)
	rec.Context.OwnedBy = ownedBy
	rec.Context.CorrelationID = correlationID
	rec.Context.CausationID = causationID
	rec.CreatedAt = createdAt.Time
	if effectiveAt.Valid {
		t := effectiveAt.Time
		rec.EffectiveAt = &t
	}
	if rec.PreviousHash == nil {
		rec.PreviousHash = []byte{}
	}

	if rec.Data, err = canonicalJSON([]byte(data.String)); err != nil || rec.Data == nil {
		if err == nil {
			err = fmt.Errorf("data is empty")
		}
		return Record{}, &DecodeError{EventID: rec.EventID, Err: fmt.Errorf("data: %w", err)}
	}
	if metadata.Valid {
		if rec.Metadata, err = canonicalJSON([]byte(metadata.String)); err != nil {
			return Record{}, &DecodeError{EventID: rec.EventID, Err: fmt.Errorf("metadata: %w", err)}
		}
	}
	return rec, nil
}

func nullJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// sqlTime scans TIMESTAMPTZ values as well as the fixed-width text SQLite
// stores.
type sqlTime struct {
	Time  time.Time
	Valid bool
}

var sqlTimeLayouts = []string{
	timeLayout,
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

func (t *sqlTime) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		t.Time, t.Valid = time.Time{}, false
		return nil
	case time.Time:
		t.Time, t.Valid = normalizeTime(v), true
		return nil
	case string:
		return t.parse(v)
	case []byte:
		return t.parse(string(v))
	default:
		return fmt.Errorf("cannot scan %T into timestamp", src)
	}
}

func (t *sqlTime) parse(s string) error {
	s = strings.TrimSpace(s)
	for _, layout := range sqlTimeLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time, t.Valid = normalizeTime(parsed), true
			return nil
		}
	}
	return fmt.Errorf("cannot parse timestamp %q", s)
}
