package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// SaveSnapshot implements the SnapshotStore interface with an upsert on
// (aggregate_type, aggregate_id). created_at keeps its first value.
func (s *SQLStore) SaveSnapshot(ctx context.Context, snapshot Snapshot) error {
	if err := snapshot.validate(); err != nil {
		return err
	}
	snapshot = snapshot.stamp(time.Now())

	state, err := compactState(snapshot.State)
	if err != nil {
		return err
	}

	_, err = s.querier(ctx).ExecContext(ctx, s.dialect.rebind(upsertSnapshot),
		snapshot.AggregateType,
		snapshot.AggregateID,
		int64(snapshot.AggregateVersion),
		string(state),
		s.dialect.timeValue(snapshot.CreatedAt),
		s.dialect.timeValue(snapshot.UpdatedAt),
	)
	if err != nil {
		return transportError("save snapshot", err)
	}
	s.opts.metrics.SnapshotSaved(snapshot.AggregateType)
	return nil
}

// LoadSnapshot implements the SnapshotStore interface
func (s *SQLStore) LoadSnapshot(ctx context.Context, key StreamKey) (Snapshot, error) {
	var (
		snapshot  Snapshot
		version   int64
		state     string
		createdAt sqlTime
		updatedAt sqlTime
	)
	err := s.querier(ctx).QueryRowContext(ctx, s.dialect.rebind(selectSnapshot), key.Type, key.ID).Scan(
		&snapshot.AggregateType,
		&snapshot.AggregateID,
		&version,
		&state,
		&createdAt,
		&updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		s.opts.metrics.SnapshotLoaded(key.Type, false)
		return Snapshot{}, ErrSnapshotNotFound
	}
	if err != nil {
		return Snapshot{}, transportError("load snapshot", err)
	}

	snapshot.AggregateVersion = Version(version)
	snapshot.CreatedAt = createdAt.Time
	snapshot.UpdatedAt = updatedAt.Time
	if snapshot.State, err = compactState([]byte(state)); err != nil {
		return Snapshot{}, &DecodeError{Err: err}
	}
	s.opts.metrics.SnapshotLoaded(key.Type, true)
	return snapshot, nil
}
