package prometheus

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cannahum/eventsourcing-chain/eventstore"
)

func TestNewStoreMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewStoreMetrics(reg)
	require.NotNil(t, m)

	m.AppendDuration("todo", 3*time.Millisecond)
	m.ReadDuration("todo", time.Millisecond)
	m.EventsAppended("todo", 5)
	m.ConcurrencyConflict("todo")
	m.SnapshotSaved("todo")
	m.SnapshotLoaded("todo", true)
	m.SnapshotLoaded("todo", false)
	m.SnapshotLoaded("todo", false)

	sm := m.(*storeMetrics)
	assert.Equal(t, float64(5), testutil.ToFloat64(sm.eventsAppended.WithLabelValues("todo")))
	assert.Equal(t, float64(1), testutil.ToFloat64(sm.conflicts.WithLabelValues("todo")))
	assert.Equal(t, float64(1), testutil.ToFloat64(sm.snapshotsSaved.WithLabelValues("todo")))
	assert.Equal(t, float64(1), testutil.ToFloat64(sm.snapshotsLoaded.WithLabelValues("todo", "true")))
	assert.Equal(t, float64(2), testutil.ToFloat64(sm.snapshotsLoaded.WithLabelValues("todo", "false")))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.Len(t, families, 6)
}

func TestNewStoreMetricsDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewStoreMetrics(reg)
	assert.Panics(t, func() { NewStoreMetrics(reg) })
}

func TestStoreMetricsWithStore(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewStoreMetrics(reg)
	store := eventstore.GetLocalStore(eventstore.WithMetrics(m))
	ctx := context.Background()

	key := eventstore.Stream("todo", eventstore.NewID())
	envelope := func(version eventstore.Version) eventstore.Envelope {
		return eventstore.Envelope{
			EventID:      eventstore.NewID(),
			Aggregate:    eventstore.AggregateRef{Type: key.Type, ID: key.ID, Version: version},
			Context:      eventstore.EventContext{CreatedBy: eventstore.NewID()},
			CreatedAt:    time.Now(),
			EventType:    "TodoCreated",
			EventVersion: 1,
			Data:         json.RawMessage(`{}`),
		}
	}

	_, err := store.Append(ctx, envelope(1))
	require.NoError(t, err)
	_, err = store.Append(ctx, envelope(2))
	require.NoError(t, err)
	_, err = store.Append(ctx, envelope(2))
	require.True(t, errors.Is(err, eventstore.ErrConflict))

	history, err := eventstore.Load(ctx, store, key, eventstore.All())
	require.NoError(t, err)
	require.Len(t, history, 2)

	sm := m.(*storeMetrics)
	assert.Equal(t, float64(2), testutil.ToFloat64(sm.eventsAppended.WithLabelValues("todo")))
	assert.Equal(t, float64(1), testutil.ToFloat64(sm.conflicts.WithLabelValues("todo")))
	assert.Equal(t, 1, testutil.CollectAndCount(sm.appendDuration))
	assert.Equal(t, 1, testutil.CollectAndCount(sm.readDuration))
}
