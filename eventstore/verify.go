package eventstore

import (
	"context"
	"fmt"
)

// VerifyHistory checks a full stream: versions are contiguous from 1, each
// record links to its predecessor and each stored hash matches its content.
// The first broken record is reported.
func VerifyHistory(history History) error {
	previous := GenesisHash
	for i, rec := range history {
		if want := Version(i + 1); rec.Aggregate.Version != want {
			return &IntegrityError{
				Stream:  rec.Key(),
				Version: rec.Aggregate.Version,
				Reason:  fmt.Sprintf("version gap, expected %d", want),
			}
		}
		if i > 0 && rec.Key() != history[0].Key() {
			return &IntegrityError{
				Stream:  history[0].Key(),
				Version: rec.Aggregate.Version,
				Reason:  fmt.Sprintf("record belongs to stream %s", rec.Key()),
			}
		}
		if err := VerifyRecord(rec, previous); err != nil {
			return err
		}
		previous = rec.Hash
	}
	return nil
}

// VerifyStream reads a stream from the start and verifies it while
// streaming. It returns the number of records checked.
func VerifyStream(ctx context.Context, store EventStore, key StreamKey) (int, error) {
	previous := GenesisHash
	count := 0
	for rec, err := range store.Read(ctx, key, All()) {
		if err != nil {
			return count, err
		}
		if want := Version(count + 1); rec.Aggregate.Version != want {
			return count, &IntegrityError{
				Stream:  key,
				Version: rec.Aggregate.Version,
				Reason:  fmt.Sprintf("version gap, expected %d", want),
			}
		}
		if err := VerifyRecord(rec, previous); err != nil {
			return count, err
		}
		previous = rec.Hash
		count++
	}
	return count, nil
}
