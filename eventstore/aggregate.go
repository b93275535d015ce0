package eventstore

import (
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

// Version is the position of an event within its aggregate stream.
// The first event of a stream has version 1; 0 means the stream is empty.
type Version uint64

// Next returns the version that follows v.
func (v Version) Next() Version { return v + 1 }

// Uint64 returns v as a plain integer.
func (v Version) Uint64() uint64 { return uint64(v) }

func (v Version) slogAttr(key string) slog.Attr { return slog.Uint64(key, uint64(v)) }

// NewID returns a new time-ordered identifier (UUIDv7).
func NewID() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// StreamKey identifies a single event stream.
type StreamKey struct {
	Type string
	ID   uuid.UUID
}

// Stream builds a StreamKey.
func Stream(aggregateType string, aggregateID uuid.UUID) StreamKey {
	return StreamKey{Type: aggregateType, ID: aggregateID}
}

func (k StreamKey) String() string {
	return fmt.Sprintf("%s/%s", k.Type, k.ID)
}

// Validate reports whether the key names a stream.
func (k StreamKey) Validate() error {
	if k.Type == "" {
		return fmt.Errorf("aggregate type is empty")
	}
	if k.ID == uuid.Nil {
		return fmt.Errorf("aggregate id is nil")
	}
	return nil
}

func (k StreamKey) slogAttr() slog.Attr {
	return slog.Group("stream",
		slog.String("type", k.Type),
		slog.String("id", k.ID.String()),
	)
}

// AggregateRef places an event on a stream. Version is the version the
// event is recorded at; on an envelope, 0 asks the store to assign the
// next free version.
type AggregateRef struct {
	Type    string
	ID      uuid.UUID
	Version Version
}

// Key returns the stream the reference points into.
func (a AggregateRef) Key() StreamKey {
	return StreamKey{Type: a.Type, ID: a.ID}
}
