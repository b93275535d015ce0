package bus

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/cannahum/eventsourcing-chain/eventstore"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

// Header names set on every published message.
const (
	HeaderEventType        = "event_type"
	HeaderEventVersion     = "event_version"
	HeaderAggregateVersion = "aggregate_version"
)

type wireRecord struct {
	EventID          uuid.UUID       `json:"event_id"`
	EventType        string          `json:"event_type"`
	EventVersion     int             `json:"event_version"`
	AggregateType    string          `json:"aggregate_type"`
	AggregateID      uuid.UUID       `json:"aggregate_id"`
	AggregateVersion uint64          `json:"aggregate_version"`
	Data             json.RawMessage `json:"data"`
	Metadata         json.RawMessage `json:"metadata,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	EffectiveAt      *time.Time      `json:"effective_at,omitempty"`
	CreatedBy        uuid.UUID       `json:"created_by"`
	OwnedBy          uuid.NullUUID   `json:"owned_by"`
	CorrelationID    uuid.NullUUID   `json:"correlation_id"`
	CausationID      uuid.NullUUID   `json:"causation_id"`
	Hash             []byte          `json:"hash"`
	PreviousHash     []byte          `json:"previous_hash"`
}

// EncodeRecord renders a record as the JSON published on the bus. HTML
// escaping stays off so payloads keep the exact bytes they were hashed as.
func EncodeRecord(rec eventstore.Record) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	err := enc.Encode(wireRecord{
		EventID:          rec.EventID,
		EventType:        rec.EventType,
		EventVersion:     rec.EventVersion,
		AggregateType:    rec.Aggregate.Type,
		AggregateID:      rec.Aggregate.ID,
		AggregateVersion: rec.Aggregate.Version.Uint64(),
		Data:             rec.Data,
		Metadata:         rec.Metadata,
		CreatedAt:        rec.CreatedAt,
		EffectiveAt:      rec.EffectiveAt,
		CreatedBy:        rec.Context.CreatedBy,
		OwnedBy:          rec.Context.OwnedBy,
		CorrelationID:    rec.Context.CorrelationID,
		CausationID:      rec.Context.CausationID,
		Hash:             rec.Hash,
		PreviousHash:     rec.PreviousHash,
	})
	if err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// DecodeRecord parses a published record and checks that its hash matches
// its content.
func DecodeRecord(data []byte) (eventstore.Record, error) {
	var w wireRecord
	if err := json.Unmarshal(data, &w); err != nil {
		return eventstore.Record{}, &eventstore.DecodeError{Err: err}
	}

	rec := eventstore.Record{
		EventID:      w.EventID,
		EventType:    w.EventType,
		EventVersion: w.EventVersion,
		Aggregate: eventstore.AggregateRef{
			Type:    w.AggregateType,
			ID:      w.AggregateID,
			Version: eventstore.Version(w.AggregateVersion),
		},
		Context: eventstore.EventContext{
			CreatedBy:     w.CreatedBy,
			OwnedBy:       w.OwnedBy,
			CorrelationID: w.CorrelationID,
			CausationID:   w.CausationID,
		},
		CreatedAt:    w.CreatedAt.UTC(),
		Data:         w.Data,
		Metadata:     w.Metadata,
		Hash:         w.Hash,
		PreviousHash: w.PreviousHash,
	}
	if w.EffectiveAt != nil {
		t := w.EffectiveAt.UTC()
		rec.EffectiveAt = &t
	}
	if rec.PreviousHash == nil {
		rec.PreviousHash = []byte{}
	}
	if err := eventstore.VerifyRecord(rec, rec.PreviousHash); err != nil {
		return eventstore.Record{}, err
	}
	return rec, nil
}

// Message builds the Kafka message for a record. The key is the stream, so
// a hash balancer keeps each stream on one partition, in order.
func Message(rec eventstore.Record) (kafka.Message, error) {
	value, err := EncodeRecord(rec)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encode record %s: %w", rec.EventID, err)
	}
	return kafka.Message{
		Key:   []byte(rec.Key().String()),
		Value: value,
		Headers: []kafka.Header{
			{Key: HeaderEventType, Value: []byte(rec.EventType)},
			{Key: HeaderEventVersion, Value: []byte(strconv.Itoa(rec.EventVersion))},
			{Key: HeaderAggregateVersion, Value: []byte(strconv.FormatUint(rec.Version().Uint64(), 10))},
		},
	}, nil
}

// DecodeMessage is the consumer side of Message.
func DecodeMessage(msg kafka.Message) (eventstore.Record, error) {
	rec, err := DecodeRecord(msg.Value)
	if err != nil {
		return eventstore.Record{}, err
	}
	if len(msg.Key) > 0 && string(msg.Key) != rec.Key().String() {
		return eventstore.Record{}, &eventstore.DecodeError{
			EventID: rec.EventID,
			Err:     fmt.Errorf("message key %q does not match stream %s", msg.Key, rec.Key()),
		}
	}
	return rec, nil
}
