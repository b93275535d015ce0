package eventsourcing

import (
	"github.com/cannahum/eventsourcing-chain/eventstore"
)

// Serializer converts between Events and stored payloads
type Serializer interface {
	// MarshalEvent fills the type, version and data of an envelope
	MarshalEvent(event Event) (eventstore.Envelope, error)

	// UnmarshalEvent converts a Record back into an Event instance
	UnmarshalEvent(record eventstore.Record) (Event, error)
}
