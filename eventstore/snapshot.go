package eventstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Snapshot is the materialised state of an aggregate at a version. It is
// a cache: dropping every snapshot changes latency, never results.
type Snapshot struct {
	AggregateType    string          `json:"aggregate_type"`
	AggregateID      uuid.UUID       `json:"aggregate_id"`
	AggregateVersion Version         `json:"aggregate_version"`
	State            json.RawMessage `json:"state"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Key returns the stream the snapshot was taken from.
func (s Snapshot) Key() StreamKey {
	return StreamKey{Type: s.AggregateType, ID: s.AggregateID}
}

func (s Snapshot) validate() error {
	if err := s.Key().Validate(); err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	if s.AggregateVersion == 0 {
		return fmt.Errorf("snapshot %s: version is zero", s.Key())
	}
	if len(s.State) == 0 || !json.Valid(s.State) {
		return fmt.Errorf("snapshot %s: state is not valid json", s.Key())
	}
	return nil
}

// compactState strips insignificant whitespace from snapshot state. State
// is never hashed, so number literals are kept exactly as written.
func compactState(raw []byte) (json.RawMessage, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// stamp fills the timestamps for a write at now.
func (s Snapshot) stamp(now time.Time) Snapshot {
	now = normalizeTime(now)
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.CreatedAt = normalizeTime(s.CreatedAt)
	s.UpdatedAt = now
	return s
}

// SnapshotStore keeps the latest snapshot per stream.
type SnapshotStore interface {
	// SaveSnapshot upserts the snapshot; the last writer wins.
	SaveSnapshot(ctx context.Context, snapshot Snapshot) error
	// LoadSnapshot returns ErrSnapshotNotFound when no snapshot exists.
	LoadSnapshot(ctx context.Context, key StreamKey) (Snapshot, error)
}

// MemorySnapshotStore is a SnapshotStore held in process memory
type MemorySnapshotStore struct {
	mu        sync.Mutex
	snapshots map[StreamKey]Snapshot
}

// NewMemorySnapshotStore returns an empty in-memory snapshot store.
func NewMemorySnapshotStore() *MemorySnapshotStore {
	return &MemorySnapshotStore{snapshots: map[StreamKey]Snapshot{}}
}

// SaveSnapshot implements the SnapshotStore interface
func (m *MemorySnapshotStore) SaveSnapshot(_ context.Context, snapshot Snapshot) error {
	if err := snapshot.validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, ok := m.snapshots[snapshot.Key()]; ok {
		snapshot.CreatedAt = prev.CreatedAt
	}
	state, err := compactState(snapshot.State)
	if err != nil {
		return err
	}
	snapshot = snapshot.stamp(time.Now())
	snapshot.State = state
	m.snapshots[snapshot.Key()] = snapshot
	return nil
}

// LoadSnapshot implements the SnapshotStore interface
func (m *MemorySnapshotStore) LoadSnapshot(_ context.Context, key StreamKey) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot, ok := m.snapshots[key]
	if !ok {
		return Snapshot{}, ErrSnapshotNotFound
	}
	return snapshot, nil
}

// Delete drops the snapshot of a stream.
func (m *MemorySnapshotStore) Delete(key StreamKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.snapshots, key)
}
