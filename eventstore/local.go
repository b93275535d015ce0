package eventstore

import (
	"context"
	"iter"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryEventStore struct {
	mux       *sync.Mutex
	opts      options
	streams   map[StreamKey]History
	eventByID map[uuid.UUID]Record
}

// Append implements the EventStore interface
func (m *memoryEventStore) Append(ctx context.Context, envelope Envelope) (rec Record, err error) {
	if err := envelope.Validate(); err != nil {
		return Record{}, err
	}
	key := envelope.Aggregate.Key()
	_, span := m.opts.startSpan(ctx, "eventstore.Append", key)
	started := time.Now()
	defer func() { m.opts.observeAppend(span, key, started, rec, err) }()

	m.mux.Lock()
	defer m.mux.Unlock()

	if existing, ok := m.eventByID[envelope.EventID]; ok {
		if existing.Key() == key {
			return existing, nil
		}
		return Record{}, &ConflictError{Stream: key, Expected: envelope.Aggregate.Version, Actual: Version(len(m.streams[key]))}
	}

	last, found := m.streams[key].Last()
	rec, err = chain(envelope, last, found)
	if err != nil {
		return Record{}, err
	}

	m.streams[key] = append(m.streams[key], rec)
	m.eventByID[rec.EventID] = rec
	return rec, nil
}

// Read implements the EventStore interface. It iterates over a copy taken
// when iteration starts.
func (m *memoryEventStore) Read(ctx context.Context, key StreamKey, sel VersionSelect) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		if err := key.Validate(); err != nil {
			yield(Record{}, err)
			return
		}
		started := time.Now()
		defer func() { m.opts.metrics.ReadDuration(key.Type, time.Since(started)) }()

		m.mux.Lock()
		all := m.streams[key]
		history := make(History, 0, len(all))
		for _, record := range all {
			if record.Aggregate.Version >= sel.Start() {
				history = append(history, record)
			}
		}
		m.mux.Unlock()

		for _, record := range history {
			if err := ctx.Err(); err != nil {
				yield(Record{}, transportError("read stream", err))
				return
			}
			if !yield(record, nil) {
				return
			}
		}
	}
}

// LastRecord implements the EventStore interface
func (m *memoryEventStore) LastRecord(_ context.Context, key StreamKey) (Record, bool, error) {
	if err := key.Validate(); err != nil {
		return Record{}, false, err
	}
	m.mux.Lock()
	defer m.mux.Unlock()
	rec, ok := m.streams[key].Last()
	return rec, ok, nil
}

// GetLocalStore returns an EventStore in memory - good for tests!
func GetLocalStore(opts ...Option) EventStore {
	return &memoryEventStore{
		mux:       &sync.Mutex{},
		opts:      newOptions("memory", opts),
		streams:   map[StreamKey]History{},
		eventByID: map[uuid.UUID]Record{},
	}
}
