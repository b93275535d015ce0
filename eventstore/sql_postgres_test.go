package eventstore

import (
	"context"
	"database/sql/driver"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var eventColumnNames = strings.Fields(strings.NewReplacer(",", " ").Replace(eventColumns))

type recordingMetrics struct {
	nopMetrics
	mu        sync.Mutex
	appended  int
	conflicts int
	saved     int
	hits      int
	misses    int
}

func (m *recordingMetrics) EventsAppended(_ string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appended += n
}

func (m *recordingMetrics) ConcurrencyConflict(string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conflicts++
}

func (m *recordingMetrics) SnapshotSaved(string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved++
}

func (m *recordingMetrics) SnapshotLoaded(_ string, hit bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if hit {
		m.hits++
	} else {
		m.misses++
	}
}

func newMockStore(t *testing.T, opts ...Option) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewSQLStore(db, Postgres, opts...), mock
}

func recordRow(rec Record) []driver.Value {
	var effective driver.Value
	if rec.EffectiveAt != nil {
		effective = *rec.EffectiveAt
	}
	var metadata driver.Value
	if rec.Metadata != nil {
		metadata = string(rec.Metadata)
	}
	return []driver.Value{
		rec.EventID.String(),
		rec.EventType,
		int64(rec.EventVersion),
		rec.Aggregate.Type,
		rec.Aggregate.ID.String(),
		int64(rec.Aggregate.Version),
		string(rec.Data),
		metadata,
		rec.CreatedAt,
		effective,
		rec.Context.CreatedBy.String(),
		nil,
		nil,
		nil,
		rec.Hash,
		rec.PreviousHash,
	}
}

func insertArgMatchers() []driver.Value {
	args := make([]driver.Value, 16)
	for i := range args {
		args[i] = sqlmock.AnyArg()
	}
	return args
}

func TestPostgresAppend(t *testing.T) {
	ctx := context.Background()

	t.Run("first event of a stream", func(ct *testing.T) {
		metrics := &recordingMetrics{}
		store, mock := newMockStore(ct, WithMetrics(metrics))
		key := Stream(todoType, NewID())

		mock.ExpectBegin()
		mock.ExpectExec(lockStreamPostgres).WithArgs(key.String()).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(selectLastEvent).WithArgs(key.Type, key.ID).WillReturnRows(sqlmock.NewRows(eventColumnNames))
		mock.ExpectExec(insertEvent).WithArgs(insertArgMatchers()...).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		rec, err := store.Append(ctx, newEnvelope(key, 1, `{"desc":"write tests"}`))
		require.NoError(ct, err)
		assert.Equal(ct, Version(1), rec.Version())
		assert.Equal(ct, GenesisHash, rec.PreviousHash)
		assert.NoError(ct, mock.ExpectationsWereMet())
		assert.Equal(ct, 1, metrics.appended)
	})

	t.Run("next event links to the stream head", func(ct *testing.T) {
		store, mock := newMockStore(ct)
		key := Stream(todoType, NewID())
		head, err := chain(newEnvelope(key, 1, `{}`), Record{}, false)
		require.NoError(ct, err)

		mock.ExpectBegin()
		mock.ExpectExec(lockStreamPostgres).WithArgs(key.String()).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(selectLastEvent).WithArgs(key.Type, key.ID).
			WillReturnRows(sqlmock.NewRows(eventColumnNames).AddRow(recordRow(head)...))
		mock.ExpectExec(insertEvent).WithArgs(insertArgMatchers()...).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		rec, err := store.Append(ctx, newEnvelope(key, 0, `{}`))
		require.NoError(ct, err)
		assert.Equal(ct, Version(2), rec.Version())
		assert.Equal(ct, head.Hash, rec.PreviousHash)
		assert.NoError(ct, VerifyHistory(History{head, rec}))
		assert.NoError(ct, mock.ExpectationsWereMet())
	})

	t.Run("unique violation is a conflict", func(ct *testing.T) {
		metrics := &recordingMetrics{}
		store, mock := newMockStore(ct, WithMetrics(metrics))
		key := Stream(todoType, NewID())
		envelope := newEnvelope(key, 1, `{}`)
		winner, err := chain(newEnvelope(key, 1, `{"won":true}`), Record{}, false)
		require.NoError(ct, err)

		mock.ExpectBegin()
		mock.ExpectExec(lockStreamPostgres).WithArgs(key.String()).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(selectLastEvent).WithArgs(key.Type, key.ID).WillReturnRows(sqlmock.NewRows(eventColumnNames))
		mock.ExpectExec(insertEvent).WithArgs(insertArgMatchers()...).WillReturnError(&pq.Error{Code: "23505"})
		mock.ExpectRollback()
		mock.ExpectQuery(selectEventByID).WithArgs(envelope.EventID).WillReturnRows(sqlmock.NewRows(eventColumnNames))
		mock.ExpectQuery(selectLastEvent).WithArgs(key.Type, key.ID).
			WillReturnRows(sqlmock.NewRows(eventColumnNames).AddRow(recordRow(winner)...))

		_, err = store.Append(ctx, envelope)
		require.Error(ct, err)
		assert.True(ct, errors.Is(err, ErrConflict))

		var conflict *ConflictError
		require.True(ct, errors.As(err, &conflict))
		assert.Equal(ct, Version(1), conflict.Expected)
		assert.Equal(ct, Version(1), conflict.Actual)
		assert.NoError(ct, mock.ExpectationsWereMet())
		assert.Equal(ct, 1, metrics.conflicts)
		assert.Equal(ct, 0, metrics.appended)
	})

	t.Run("retry of a committed event returns it", func(ct *testing.T) {
		store, mock := newMockStore(ct)
		key := Stream(todoType, NewID())
		envelope := newEnvelope(key, 1, `{}`)
		committed, err := chain(envelope, Record{}, false)
		require.NoError(ct, err)

		mock.ExpectBegin()
		mock.ExpectExec(lockStreamPostgres).WithArgs(key.String()).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(selectLastEvent).WithArgs(key.Type, key.ID).
			WillReturnRows(sqlmock.NewRows(eventColumnNames).AddRow(recordRow(committed)...))
		mock.ExpectRollback()
		mock.ExpectQuery(selectEventByID).WithArgs(envelope.EventID).
			WillReturnRows(sqlmock.NewRows(eventColumnNames).AddRow(recordRow(committed)...))

		rec, err := store.Append(ctx, envelope)
		require.NoError(ct, err)
		assert.True(ct, committed.Equal(rec))
		assert.NoError(ct, mock.ExpectationsWereMet())
	})

	t.Run("driver failure is a transport error", func(ct *testing.T) {
		store, mock := newMockStore(ct)
		key := Stream(todoType, NewID())

		mock.ExpectBegin()
		mock.ExpectExec(lockStreamPostgres).WithArgs(key.String()).WillReturnError(errors.New("connection reset"))
		mock.ExpectRollback()

		_, err := store.Append(ctx, newEnvelope(key, 1, `{}`))
		require.Error(ct, err)
		assert.True(ct, errors.Is(err, ErrTransport))
		assert.False(ct, errors.Is(err, ErrConflict))
		assert.NoError(ct, mock.ExpectationsWereMet())
	})
}

func TestPostgresRead(t *testing.T) {
	ctx := context.Background()
	store, mock := newMockStore(t)
	key := Stream(todoType, NewID())

	first, err := chain(newEnvelope(key, 1, `{"n":1}`), Record{}, false)
	require.NoError(t, err)
	effective := time.Now()
	envelope := newEnvelope(key, 2, `{"n":2}`)
	envelope.EffectiveAt = &effective
	envelope.Metadata = []byte(`{"ip":"127.0.0.1"}`)
	second, err := chain(envelope, first, true)
	require.NoError(t, err)

	mock.ExpectQuery(selectStreamEvents).WithArgs(key.Type, key.ID, int64(1)).
		WillReturnRows(sqlmock.NewRows(eventColumnNames).
			AddRow(recordRow(first)...).
			AddRow(recordRow(second)...))

	history, err := Load(ctx, store, key, All())
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.True(t, first.Equal(history[0]))
	assert.True(t, second.Equal(history[1]))
	assert.NoError(t, VerifyHistory(history))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresReadQueryFailure(t *testing.T) {
	store, mock := newMockStore(t)
	key := Stream(todoType, NewID())

	mock.ExpectQuery(selectStreamEvents).WithArgs(key.Type, key.ID, int64(3)).
		WillReturnError(errors.New("boom"))

	_, err := Load(context.Background(), store, key, From(3))
	assert.True(t, errors.Is(err, ErrTransport))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresMigrate(t *testing.T) {
	store, mock := newMockStore(t)
	for _, stmt := range append(postgresSchema, indexes...) {
		mock.ExpectExec(stmt).WillReturnResult(sqlmock.NewResult(0, 0))
	}
	assert.NoError(t, store.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSnapshots(t *testing.T) {
	ctx := context.Background()
	metrics := &recordingMetrics{}
	store, mock := newMockStore(t, WithMetrics(metrics))
	key := Stream(todoType, NewID())

	mock.ExpectExec(upsertSnapshot).
		WithArgs(key.Type, key.ID, int64(4), `{"b":[],"a":1}`, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.SaveSnapshot(ctx, Snapshot{
		AggregateType:    key.Type,
		AggregateID:      key.ID,
		AggregateVersion: 4,
		State:            []byte(`{"b": [], "a": 1}`),
	}))

	now := time.Now().UTC()
	mock.ExpectQuery(selectSnapshot).WithArgs(key.Type, key.ID).
		WillReturnRows(sqlmock.NewRows([]string{"aggregate_type", "aggregate_id", "aggregate_version", "state", "created_at", "updated_at"}).
			AddRow(key.Type, key.ID.String(), int64(4), `{"a":1,"b":[]}`, now, now))
	snapshot, err := store.LoadSnapshot(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, Version(4), snapshot.AggregateVersion)
	assert.Equal(t, key, snapshot.Key())
	assert.Equal(t, `{"a":1,"b":[]}`, string(snapshot.State))

	mock.ExpectQuery(selectSnapshot).WithArgs(key.Type, key.ID).
		WillReturnRows(sqlmock.NewRows([]string{"aggregate_type"}))
	_, err = store.LoadSnapshot(ctx, key)
	assert.True(t, errors.Is(err, ErrSnapshotNotFound))

	assert.NoError(t, mock.ExpectationsWereMet())
	assert.Equal(t, 1, metrics.saved)
	assert.Equal(t, 1, metrics.hits)
	assert.Equal(t, 1, metrics.misses)
}

func TestDialect(t *testing.T) {
	t.Run("rebind", func(ct *testing.T) {
		assert.Equal(ct, "a = ? AND b = ?", SQLite.rebind("a = $1 AND b = $2"))
		assert.Equal(ct, "a = $1", Postgres.rebind("a = $1"))
	})

	t.Run("driver names", func(ct *testing.T) {
		for driver, want := range map[string]Dialect{"postgres": Postgres, "pq": Postgres, "sqlite": SQLite, "sqlite3": SQLite} {
			got, err := DialectFromDriver(driver)
			assert.NoError(ct, err)
			assert.Equal(ct, want, got)
		}
		_, err := DialectFromDriver("oracle")
		assert.Error(ct, err)
	})

	t.Run("postgres conflicts", func(ct *testing.T) {
		assert.True(ct, Postgres.isConflict(&pq.Error{Code: "23505"}))
		assert.False(ct, Postgres.isConflict(&pq.Error{Code: "23502"}))
		assert.False(ct, Postgres.isConflict(errors.New("23505")))
	})
}
