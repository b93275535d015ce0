package eventstore

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrConflict is matched by every ConflictError.
	ErrConflict = errors.New("concurrency conflict")
	// ErrNotFound means the aggregate has no events and no snapshot.
	ErrNotFound = errors.New("aggregate does not exist")
	// ErrDecode is matched by every DecodeError.
	ErrDecode = errors.New("decode error")
	// ErrIntegrity is matched by every IntegrityError.
	ErrIntegrity = errors.New("integrity violation")
	// ErrTransport wraps failures of the underlying database or service.
	ErrTransport = errors.New("transport error")
	// ErrSnapshotNotFound is returned by snapshot stores holding no snapshot for a stream.
	ErrSnapshotNotFound = errors.New("snapshot not found")
)

// ConflictError is returned by Append when the stream moved on since the
// caller last read it. Expected is the version the caller tried to write,
// Actual is the last version committed to the stream.
type ConflictError struct {
	Stream   StreamKey
	Expected Version
	Actual   Version
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: stream %s: expected to write version %d, stream is at version %d",
		ErrConflict, e.Stream, e.Expected, e.Actual)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// DecodeError means a stored event could not be decoded.
type DecodeError struct {
	EventID uuid.UUID
	Err     error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s: event %s: %v", ErrDecode, e.EventID, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func (e *DecodeError) Is(target error) bool { return target == ErrDecode }

// IntegrityError means the stored chain for a stream is not intact.
type IntegrityError struct {
	Stream  StreamKey
	Version Version
	Reason  string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("%s: stream %s at version %d: %s", ErrIntegrity, e.Stream, e.Version, e.Reason)
}

func (e *IntegrityError) Is(target error) bool { return target == ErrIntegrity }

func transportError(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrTransport, err)
}
