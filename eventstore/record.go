package eventstore

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Record represents the event in persisted, hash-chained form
type Record struct {
	EventID      uuid.UUID
	EventType    string
	EventVersion int
	Aggregate    AggregateRef
	Context      EventContext
	CreatedAt    time.Time
	EffectiveAt  *time.Time
	Data         json.RawMessage
	Metadata     json.RawMessage
	Hash         []byte
	PreviousHash []byte
}

// Key returns the stream the record belongs to.
func (r Record) Key() StreamKey {
	return r.Aggregate.Key()
}

// Version returns the record's position in its stream.
func (r Record) Version() Version {
	return r.Aggregate.Version
}

// Equal reports whether two records carry identical content.
func (r Record) Equal(o Record) bool {
	return r.EventID == o.EventID &&
		r.EventType == o.EventType &&
		r.EventVersion == o.EventVersion &&
		r.Aggregate == o.Aggregate &&
		r.Context == o.Context &&
		r.CreatedAt.Equal(o.CreatedAt) &&
		timePtrEqual(r.EffectiveAt, o.EffectiveAt) &&
		bytes.Equal(r.Data, o.Data) &&
		bytes.Equal(r.Metadata, o.Metadata) &&
		bytes.Equal(r.Hash, o.Hash) &&
		bytes.Equal(r.PreviousHash, o.PreviousHash)
}

func timePtrEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

// History is an ordered run of records from one stream
type History []Record

// Len implements sort.Interface
func (h History) Len() int {
	return len(h)
}

// Swap implements sort.Interface
func (h History) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
}

// Less implements sort.Interface
func (h History) Less(i, j int) bool {
	return h[i].Aggregate.Version < h[j].Aggregate.Version
}

// Last returns the final record, if any.
func (h History) Last() (Record, bool) {
	if len(h) == 0 {
		return Record{}, false
	}
	return h[len(h)-1], true
}
