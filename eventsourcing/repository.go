package eventsourcing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/cannahum/eventsourcing-chain/eventstore"
	"github.com/google/uuid"
)

// Repository is an object that knows how to serialize a specific type of entity.
// It also keeps a reference to the store associated with this entity.
type Repository struct {
	aggregateType string
	prototype     reflect.Type
	store         eventstore.EventStore
	serializer    Serializer
	observers     []Observer

	snapshots     eventstore.SnapshotStore
	snapshotEvery uint64
	log           *slog.Logger
}

// RepositoryOption configures a Repository.
type RepositoryOption func(*Repository)

// WithSnapshots makes Load start from the latest snapshot in store.
func WithSnapshots(store eventstore.SnapshotStore) RepositoryOption {
	return func(r *Repository) {
		r.snapshots = store
	}
}

// WithSnapshotEvery makes Apply save a snapshot each time the aggregate
// crosses a multiple of n versions. It needs WithSnapshots.
func WithSnapshotEvery(n uint64) RepositoryOption {
	return func(r *Repository) {
		r.snapshotEvery = n
	}
}

// WithLogger sets the repository's logger.
func WithLogger(log *slog.Logger) RepositoryOption {
	return func(r *Repository) {
		if log != nil {
			r.log = log
		}
	}
}

// Load rehydrates the aggregate: it starts from the snapshot when there is
// one, else from the zero value, and folds every later event in order.
func (r *Repository) Load(ctx context.Context, aggregateID uuid.UUID) (Aggregate, eventstore.Version, error) {
	key := eventstore.Stream(r.aggregateType, aggregateID)
	aggregate, version := r.fromSnapshot(ctx, key)

	for record, err := range r.store.Read(ctx, key, eventstore.From(version.Next())) {
		if err != nil {
			return nil, 0, err
		}
		if record.Version() != version.Next() {
			return nil, 0, &eventstore.IntegrityError{
				Stream:  key,
				Version: record.Version(),
				Reason:  fmt.Sprintf("version gap, expected %d", version.Next()),
			}
		}

		event, err := r.serializer.UnmarshalEvent(record)
		if err != nil {
			return nil, 0, err
		}
		if err := aggregate.On(event); err != nil {
			return nil, 0, fmt.Errorf("aggregate was unable to handle event %s at version %d: %w",
				record.EventType, record.Version(), err)
		}
		version = record.Version()
	}

	if version == 0 {
		return nil, 0, fmt.Errorf("%w: %s", eventstore.ErrNotFound, key)
	}
	if v, ok := aggregate.(Versioned); ok {
		v.SetAggregateVersion(aggregateID, version)
	}
	return aggregate, version, nil
}

// fromSnapshot returns the starting state for a fold. Snapshots are a
// cache, so any failure to use one falls back to a full replay.
func (r *Repository) fromSnapshot(ctx context.Context, key eventstore.StreamKey) (Aggregate, eventstore.Version) {
	if r.snapshots == nil {
		return r.newPrototype(), 0
	}

	snapshot, err := r.snapshots.LoadSnapshot(ctx, key)
	if err != nil {
		if !errors.Is(err, eventstore.ErrSnapshotNotFound) {
			r.log.Warn("load snapshot", slog.String("stream", key.String()), slog.Any("err", err))
		}
		return r.newPrototype(), 0
	}

	aggregate := r.newPrototype()
	if err := json.Unmarshal(snapshot.State, aggregate); err != nil {
		r.log.Warn("decode snapshot", slog.String("stream", key.String()), slog.Any("err", err))
		return r.newPrototype(), 0
	}
	return aggregate, snapshot.AggregateVersion
}

// Apply creates new event(s) as a result of a command. Conflicts are
// returned to the caller, who may reload and retry. When Save fails the
// aggregate is not returned and observers are not notified; see Save for
// which events may already be committed in that case.
func (r *Repository) Apply(ctx context.Context, command Command) (Aggregate, error) {
	if command == nil {
		return nil, errors.New("command provided to Repository.Apply may not be nil")
	}
	aggregateID := command.AggregateID()
	if aggregateID == uuid.Nil {
		return nil, errors.New("command provided to Repository.Apply may not contain a blank AggregateID")
	}

	aggregate, version, err := r.Load(ctx, aggregateID)
	if errors.Is(err, eventstore.ErrNotFound) {
		aggregate, version = r.newPrototype(), 0
	} else if err != nil {
		return nil, err
	}

	h, ok := aggregate.(CommandHandler)
	if !ok {
		return nil, fmt.Errorf("aggregate, %T, does not implement CommandHandler", aggregate)
	}

	events, err := h.Handle(ctx, command)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return aggregate, nil
	}

	records, err := r.Save(ctx, aggregateID, version, command.EventContext(), events...)
	if err != nil {
		return nil, err
	}

	for _, event := range events {
		if err := aggregate.On(event); err != nil {
			return nil, fmt.Errorf("aggregate was unable to handle event %s: %w", event.EventType(), err)
		}
	}
	latest := records[len(records)-1].Version()
	if v, ok := aggregate.(Versioned); ok {
		v.SetAggregateVersion(aggregateID, latest)
	}

	if r.shouldSnapshot(version, latest) {
		if err := r.saveSnapshot(ctx, aggregateID, aggregate, latest); err != nil {
			r.log.Warn("save snapshot", slog.String("aggregate_id", aggregateID.String()), slog.Any("err", err))
		}
	}

	for i, event := range events {
		committed := Committed{Event: event, Record: records[i]}
		for _, observer := range r.observers {
			if observer.WillObserve(aggregate, event) {
				if err := observer.Observe(ctx, aggregate, committed); err != nil {
					observer.OnObserveFailed(err)
				}
			}
		}
	}

	return aggregate, nil
}

// Save appends the events after version expected, one envelope each. On
// a store implementing eventstore.Transactor a multi-event save runs in one
// transaction and either every event commits or none does; a failed save
// then returns no records. Other stores append one at a time, so a failure
// part way leaves the earlier events committed and returns their records.
func (r *Repository) Save(
	ctx context.Context,
	aggregateID uuid.UUID,
	expected eventstore.Version,
	eventContext eventstore.EventContext,
	events ...Event,
) ([]eventstore.Record, error) {
	tx, ok := r.store.(eventstore.Transactor)
	if !ok || len(events) < 2 {
		return r.save(ctx, aggregateID, expected, eventContext, events)
	}

	var records []eventstore.Record
	err := tx.InTx(ctx, func(ctx context.Context) error {
		var err error
		records, err = r.save(ctx, aggregateID, expected, eventContext, events)
		return err
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (r *Repository) save(
	ctx context.Context,
	aggregateID uuid.UUID,
	expected eventstore.Version,
	eventContext eventstore.EventContext,
	events []Event,
) ([]eventstore.Record, error) {
	records := make([]eventstore.Record, 0, len(events))
	now := time.Now()
	version := expected

	for _, event := range events {
		envelope, err := r.serializer.MarshalEvent(event)
		if err != nil {
			return records, fmt.Errorf("could not marshal event %s: %w", event.EventType(), err)
		}
		version = version.Next()
		envelope.EventID = eventstore.NewID()
		envelope.Aggregate = eventstore.AggregateRef{Type: r.aggregateType, ID: aggregateID, Version: version}
		envelope.Context = eventContext
		envelope.CreatedAt = now

		record, err := r.store.Append(ctx, envelope)
		if err != nil {
			return records, err
		}
		records = append(records, record)
	}
	return records, nil
}

// Snapshot rehydrates the aggregate and stores its current state.
func (r *Repository) Snapshot(ctx context.Context, aggregateID uuid.UUID) (eventstore.Version, error) {
	if r.snapshots == nil {
		return 0, errors.New("repository has no snapshot store")
	}
	aggregate, version, err := r.Load(ctx, aggregateID)
	if err != nil {
		return 0, err
	}
	return version, r.saveSnapshot(ctx, aggregateID, aggregate, version)
}

func (r *Repository) shouldSnapshot(before, after eventstore.Version) bool {
	if r.snapshots == nil || r.snapshotEvery == 0 {
		return false
	}
	return after.Uint64()/r.snapshotEvery > before.Uint64()/r.snapshotEvery
}

func (r *Repository) saveSnapshot(ctx context.Context, id uuid.UUID, aggregate Aggregate, version eventstore.Version) error {
	state, err := json.Marshal(aggregate)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return r.snapshots.SaveSnapshot(ctx, eventstore.Snapshot{
		AggregateType:    r.aggregateType,
		AggregateID:      id,
		AggregateVersion: version,
		State:            state,
	})
}

func (r *Repository) newPrototype() Aggregate {
	rNew := reflect.New(r.prototype)
	rIf := rNew.Interface()
	return rIf.(Aggregate)
}

// NewRepository is a factory function that creates a new Repository object
func NewRepository(
	aggregateType string,
	t reflect.Type,
	store eventstore.EventStore,
	serializer Serializer,
	observers []Observer,
	opts ...RepositoryOption,
) *Repository {
	r := &Repository{
		aggregateType: aggregateType,
		prototype:     t,
		store:         store,
		serializer:    serializer,
		observers:     observers,
		log:           slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.With(slog.String("aggregate_type", aggregateType))
	return r
}
