package eventstore

import (
	"context"
	"iter"
)

// EventStore is the append-only log of hash-chained records
type EventStore interface {
	// Append persists one envelope at the end of its stream and returns the
	// committed record. A concurrent writer that got there first yields a
	// ConflictError; the store never retries on its own.
	Append(ctx context.Context, envelope Envelope) (Record, error)

	// Read streams the records of one stream in ascending version order.
	// The sequence is single-pass; calling Read again starts over.
	Read(ctx context.Context, key StreamKey, sel VersionSelect) iter.Seq2[Record, error]

	// LastRecord returns the most recent record of a stream, if any.
	LastRecord(ctx context.Context, key StreamKey) (Record, bool, error)
}

// Transactor is implemented by stores that can run several operations as
// one unit. fn receives a context carrying the transaction; when it returns
// an error nothing it wrote is kept.
type Transactor interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// VersionSelect picks where a Read starts.
type VersionSelect struct {
	from Version
}

// All reads a stream from its first event.
func All() VersionSelect { return VersionSelect{from: 1} }

// From reads a stream starting at version v.
func From(v Version) VersionSelect {
	if v < 1 {
		v = 1
	}
	return VersionSelect{from: v}
}

// Start returns the first version the selection includes.
func (s VersionSelect) Start() Version {
	if s.from < 1 {
		return 1
	}
	return s.from
}

// Load drains Read into a History.
func Load(ctx context.Context, store EventStore, key StreamKey, sel VersionSelect) (History, error) {
	history := History{}
	for rec, err := range store.Read(ctx, key, sel) {
		if err != nil {
			return nil, err
		}
		history = append(history, rec)
	}
	return history, nil
}

// chain builds the record that follows last (found=false for an empty
// stream) and seals it with its hash.
func chain(envelope Envelope, last Record, found bool) (Record, error) {
	current := Version(0)
	previous := GenesisHash
	if found {
		current = last.Aggregate.Version
		previous = last.Hash
	}

	next := current.Next()
	if want := envelope.Aggregate.Version; want != 0 && want != next {
		return Record{}, &ConflictError{Stream: envelope.Aggregate.Key(), Expected: want, Actual: current}
	}

	rec, err := envelope.record(next)
	if err != nil {
		return Record{}, err
	}
	rec.PreviousHash = append([]byte{}, previous...)
	rec.Hash, err = ComputeHash(rec, rec.PreviousHash)
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}

// refreshHead sets the conflict's Actual to the stream head as read now. A
// write rejected by a uniqueness or condition check only knows a lower
// bound. The conflict is left unchanged when the head cannot be read.
func refreshHead(ctx context.Context, store EventStore, conflict *ConflictError) {
	last, found, err := store.LastRecord(ctx, conflict.Stream)
	if err != nil || !found {
		return
	}
	conflict.Actual = last.Version()
}
