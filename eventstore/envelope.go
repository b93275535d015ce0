package eventstore

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventContext carries who caused an event and how it relates to others.
type EventContext struct {
	CorrelationID uuid.NullUUID
	CausationID   uuid.NullUUID
	CreatedBy     uuid.UUID
	OwnedBy       uuid.NullUUID
}

// Envelope is an event on its way into the store. It is built by the
// application when a command is handled and consumed by Append.
type Envelope struct {
	EventID      uuid.UUID
	Aggregate    AggregateRef
	Context      EventContext
	CreatedAt    time.Time
	EffectiveAt  *time.Time
	EventType    string
	EventVersion int
	Data         json.RawMessage
	Metadata     json.RawMessage
}

// Validate checks that the envelope can be turned into a record.
func (e Envelope) Validate() error {
	if e.EventID == uuid.Nil {
		return fmt.Errorf("envelope event id is nil")
	}
	if err := e.Aggregate.Key().Validate(); err != nil {
		return fmt.Errorf("envelope %s: %w", e.EventID, err)
	}
	if e.Context.CreatedBy == uuid.Nil {
		return fmt.Errorf("envelope %s: created by is nil", e.EventID)
	}
	if e.EventType == "" {
		return fmt.Errorf("envelope %s: event type is empty", e.EventID)
	}
	if e.EventVersion < 1 {
		return fmt.Errorf("envelope %s: event version %d is not positive", e.EventID, e.EventVersion)
	}
	if len(e.Data) == 0 || !json.Valid(e.Data) {
		return fmt.Errorf("envelope %s: data is not valid json", e.EventID)
	}
	if len(e.Metadata) > 0 && !json.Valid(e.Metadata) {
		return fmt.Errorf("envelope %s: metadata is not valid json", e.EventID)
	}
	if err := exactNumbers(e.Data); err != nil {
		return fmt.Errorf("envelope %s: data: %w", e.EventID, err)
	}
	if err := exactNumbers(e.Metadata); err != nil {
		return fmt.Errorf("envelope %s: metadata: %w", e.EventID, err)
	}
	return nil
}

// record turns the envelope into an unhashed record at the given version.
// Timestamps are normalised and JSON is canonicalised so that the record
// hashes identically after a round trip through any backend.
func (e Envelope) record(version Version) (Record, error) {
	data, err := canonicalJSON(e.Data)
	if err != nil {
		return Record{}, fmt.Errorf("envelope %s: data: %w", e.EventID, err)
	}
	if data == nil {
		return Record{}, fmt.Errorf("envelope %s: data is null", e.EventID)
	}
	meta, err := canonicalJSON(e.Metadata)
	if err != nil {
		return Record{}, fmt.Errorf("envelope %s: metadata: %w", e.EventID, err)
	}

	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	return Record{
		EventID:      e.EventID,
		EventType:    e.EventType,
		EventVersion: e.EventVersion,
		Aggregate: AggregateRef{
			Type:    e.Aggregate.Type,
			ID:      e.Aggregate.ID,
			Version: version,
		},
		Context:     e.Context,
		CreatedAt:   normalizeTime(createdAt),
		EffectiveAt: normalizeTimePtr(e.EffectiveAt),
		Data:        data,
		Metadata:    meta,
	}, nil
}

func normalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

func normalizeTimePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	n := normalizeTime(*t)
	return &n
}
