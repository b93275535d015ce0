package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const todoType = "todo"

func newEnvelope(key StreamKey, version Version, data string) Envelope {
	return Envelope{
		EventID:      NewID(),
		Aggregate:    AggregateRef{Type: key.Type, ID: key.ID, Version: version},
		Context:      EventContext{CreatedBy: NewID()},
		CreatedAt:    time.Now(),
		EventType:    "TodoCreated",
		EventVersion: 1,
		Data:         json.RawMessage(data),
	}
}

func appendN(t testing.TB, ctx context.Context, store EventStore, key StreamKey, n int) History {
	t.Helper()
	history := History{}
	for i := 1; i <= n; i++ {
		rec, err := store.Append(ctx, newEnvelope(key, Version(i), fmt.Sprintf(`{"n":%d}`, i)))
		require.NoError(t, err)
		history = append(history, rec)
	}
	return history
}

// testEventStore runs the behaviour every EventStore backend shares.
func testEventStore(t *testing.T, store EventStore) {
	ctx := context.Background()

	t.Run("empty stream", func(ct *testing.T) {
		key := Stream(todoType, NewID())
		history, err := Load(ctx, store, key, All())
		assert.NoError(ct, err)
		assert.Empty(ct, history)

		_, found, err := store.LastRecord(ctx, key)
		assert.NoError(ct, err)
		assert.False(ct, found)
	})

	t.Run("versions are dense and hashes chain", func(ct *testing.T) {
		key := Stream(todoType, NewID())
		appended := appendN(ct, ctx, store, key, 5)

		history, err := Load(ctx, store, key, All())
		require.NoError(ct, err)
		require.Len(ct, history, 5)

		previous := GenesisHash
		for i, rec := range history {
			assert.Equal(ct, Version(i+1), rec.Version())
			assert.Equal(ct, previous, rec.PreviousHash)
			sum, err := ComputeHash(rec, previous)
			require.NoError(ct, err)
			assert.Equal(ct, sum, rec.Hash)
			assert.Len(ct, rec.Hash, HashSize)
			assert.True(ct, rec.Equal(appended[i]), "record %d differs after read", i+1)
			previous = rec.Hash
		}
		assert.NoError(ct, VerifyHistory(history))

		n, err := VerifyStream(ctx, store, key)
		assert.NoError(ct, err)
		assert.Equal(ct, 5, n)
	})

	t.Run("read from version", func(ct *testing.T) {
		key := Stream(todoType, NewID())
		appended := appendN(ct, ctx, store, key, 4)

		history, err := Load(ctx, store, key, From(3))
		require.NoError(ct, err)
		require.Len(ct, history, 2)
		assert.Equal(ct, appended[2].EventID, history[0].EventID)
		assert.Equal(ct, appended[3].EventID, history[1].EventID)

		last, found, err := store.LastRecord(ctx, key)
		assert.NoError(ct, err)
		assert.True(ct, found)
		assert.Equal(ct, Version(4), last.Version())
	})

	t.Run("read stops when the consumer breaks", func(ct *testing.T) {
		key := Stream(todoType, NewID())
		appendN(ct, ctx, store, key, 3)

		seen := 0
		for _, err := range store.Read(ctx, key, All()) {
			require.NoError(ct, err)
			seen++
			break
		}
		assert.Equal(ct, 1, seen)

		// the store is still usable afterwards
		_, err := store.Append(ctx, newEnvelope(key, 4, `{}`))
		assert.NoError(ct, err)
	})

	t.Run("streams are independent", func(ct *testing.T) {
		id := NewID()
		a := Stream(todoType, id)
		b := Stream("user", id)
		appendN(ct, ctx, store, a, 2)
		rec, err := store.Append(ctx, newEnvelope(b, 0, `{}`))
		require.NoError(ct, err)
		assert.Equal(ct, Version(1), rec.Version())
		assert.Equal(ct, GenesisHash, rec.PreviousHash)
	})

	t.Run("zero version appends at the end", func(ct *testing.T) {
		key := Stream(todoType, NewID())
		appendN(ct, ctx, store, key, 2)
		rec, err := store.Append(ctx, newEnvelope(key, 0, `{"x":1}`))
		require.NoError(ct, err)
		assert.Equal(ct, Version(3), rec.Version())
	})

	t.Run("stale version conflicts", func(ct *testing.T) {
		key := Stream(todoType, NewID())
		appendN(ct, ctx, store, key, 2)

		_, err := store.Append(ctx, newEnvelope(key, 2, `{}`))
		require.Error(ct, err)
		assert.True(ct, errors.Is(err, ErrConflict))

		var conflict *ConflictError
		require.True(ct, errors.As(err, &conflict))
		assert.Equal(ct, key, conflict.Stream)
		assert.Equal(ct, Version(2), conflict.Expected)
		assert.Equal(ct, Version(2), conflict.Actual)

		history, err := Load(ctx, store, key, All())
		assert.NoError(ct, err)
		assert.Len(ct, history, 2)
	})

	t.Run("version gap conflicts", func(ct *testing.T) {
		key := Stream(todoType, NewID())
		_, err := store.Append(ctx, newEnvelope(key, 3, `{}`))
		assert.True(ct, errors.Is(err, ErrConflict))
	})

	t.Run("retried append is idempotent", func(ct *testing.T) {
		key := Stream(todoType, NewID())
		appendN(ct, ctx, store, key, 1)

		envelope := newEnvelope(key, 2, `{"retry":true}`)
		first, err := store.Append(ctx, envelope)
		require.NoError(ct, err)
		second, err := store.Append(ctx, envelope)
		require.NoError(ct, err)
		assert.True(ct, first.Equal(second))

		envelope.Aggregate.Version = 0
		third, err := store.Append(ctx, envelope)
		require.NoError(ct, err)
		assert.True(ct, first.Equal(third))

		history, err := Load(ctx, store, key, All())
		assert.NoError(ct, err)
		assert.Len(ct, history, 2)
	})

	t.Run("concurrent appends at the same version", func(ct *testing.T) {
		key := Stream(todoType, NewID())
		appendN(ct, ctx, store, key, 2)

		const writers = 4
		var wg sync.WaitGroup
		errs := make([]error, writers)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, errs[i] = store.Append(ctx, newEnvelope(key, 3, fmt.Sprintf(`{"writer":%d}`, i)))
			}(i)
		}
		wg.Wait()

		succeeded, conflicted := 0, 0
		for _, err := range errs {
			var conflict *ConflictError
			switch {
			case err == nil:
				succeeded++
			case errors.As(err, &conflict):
				conflicted++
				assert.Equal(ct, Version(3), conflict.Actual, "conflict reports the committed head")
			default:
				ct.Errorf("unexpected error: %v", err)
			}
		}
		assert.Equal(ct, 1, succeeded)
		assert.Equal(ct, writers-1, conflicted)

		history, err := Load(ctx, store, key, All())
		require.NoError(ct, err)
		assert.Len(ct, history, 3)
		assert.NoError(ct, VerifyHistory(history))
	})

	t.Run("json is stored canonically", func(ct *testing.T) {
		key := Stream(todoType, NewID())
		envelope := newEnvelope(key, 1, `{ "b": 2, "a": [1, 2.50] }`)
		envelope.Metadata = json.RawMessage(`{"source": "test"}`)
		rec, err := store.Append(ctx, envelope)
		require.NoError(ct, err)
		assert.Equal(ct, `{"a":[1,2.5],"b":2}`, string(rec.Data))
		assert.Equal(ct, `{"source":"test"}`, string(rec.Metadata))
	})

	t.Run("optional context round trips", func(ct *testing.T) {
		key := Stream(todoType, NewID())
		effective := time.Date(2024, 3, 1, 12, 0, 0, 123456789, time.FixedZone("x", 3600))
		envelope := newEnvelope(key, 1, `{}`)
		envelope.EffectiveAt = &effective
		envelope.Context.OwnedBy = uuid.NullUUID{UUID: NewID(), Valid: true}
		envelope.Context.CorrelationID = uuid.NullUUID{UUID: NewID(), Valid: true}
		envelope.Context.CausationID = uuid.NullUUID{UUID: NewID(), Valid: true}

		rec, err := store.Append(ctx, envelope)
		require.NoError(ct, err)

		history, err := Load(ctx, store, key, All())
		require.NoError(ct, err)
		require.Len(ct, history, 1)
		assert.True(ct, rec.Equal(history[0]))
		require.NotNil(ct, history[0].EffectiveAt)
		assert.Equal(ct, time.UTC, history[0].EffectiveAt.Location())
		assert.Equal(ct, 123456000, history[0].EffectiveAt.Nanosecond())
		assert.Equal(ct, envelope.Context, history[0].Context)
	})

	t.Run("invalid envelopes are rejected", func(ct *testing.T) {
		key := Stream(todoType, NewID())
		cases := map[string]func(*Envelope){
			"nil event id":  func(e *Envelope) { e.EventID = uuid.Nil },
			"empty type":    func(e *Envelope) { e.Aggregate.Type = "" },
			"nil creator":   func(e *Envelope) { e.Context.CreatedBy = uuid.Nil },
			"no event type": func(e *Envelope) { e.EventType = "" },
			"bad data":      func(e *Envelope) { e.Data = json.RawMessage(`{nope`) },
			"null data":     func(e *Envelope) { e.Data = json.RawMessage(`null`) },
			"bad metadata":  func(e *Envelope) { e.Metadata = json.RawMessage(`[`) },
			"inexact data":  func(e *Envelope) { e.Data = json.RawMessage(`{"id":9007199254740993}`) },
			"inexact meta":  func(e *Envelope) { e.Metadata = json.RawMessage(`{"seq":[18446744073709551615]}`) },
		}
		for name, mutate := range cases {
			envelope := newEnvelope(key, 1, `{}`)
			mutate(&envelope)
			_, err := store.Append(ctx, envelope)
			assert.Error(ct, err, name)
			assert.False(ct, errors.Is(err, ErrConflict), name)
			assert.False(ct, errors.Is(err, ErrTransport), name)
		}
		_, found, err := store.LastRecord(ctx, key)
		assert.NoError(ct, err)
		assert.False(ct, found)
	})
}

func TestVersionSelect(t *testing.T) {
	assert.Equal(t, Version(1), All().Start())
	assert.Equal(t, Version(1), From(0).Start())
	assert.Equal(t, Version(7), From(7).Start())
	assert.Equal(t, Version(1), VersionSelect{}.Start())
}
