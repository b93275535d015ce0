package eventstore

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
)

// HashSize is the length in bytes of a record hash.
const HashSize = sha256.Size

// timeLayout renders timestamps at a fixed width so the encoding does not
// depend on trailing zeros or the backend's precision.
const timeLayout = "2006-01-02T15:04:05.000000Z"

// GenesisHash is the previous hash of the first record in every stream.
var GenesisHash = []byte{}

// ComputeHash returns SHA-256(previous || JCS(fields)) for the record,
// where fields are all record fields except the two hashes.
func ComputeHash(rec Record, previous []byte) ([]byte, error) {
	encoded, err := canonicalRecord(rec)
	if err != nil {
		return nil, err
	}
	h := sha256.New()
	h.Write(previous)
	h.Write(encoded)
	return h.Sum(nil), nil
}

// VerifyRecord recomputes the record's hash against the given predecessor
// hash and compares it with what was stored.
func VerifyRecord(rec Record, previous []byte) error {
	if !bytes.Equal(rec.PreviousHash, previous) {
		return &IntegrityError{
			Stream:  rec.Key(),
			Version: rec.Version(),
			Reason:  "previous hash does not link to predecessor",
		}
	}
	sum, err := ComputeHash(rec, previous)
	if err != nil {
		return &DecodeError{EventID: rec.EventID, Err: err}
	}
	if !bytes.Equal(sum, rec.Hash) {
		return &IntegrityError{
			Stream:  rec.Key(),
			Version: rec.Version(),
			Reason:  "stored hash does not match record content",
		}
	}
	return nil
}

func canonicalRecord(rec Record) ([]byte, error) {
	data := rec.Data
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	meta := rec.Metadata
	if len(meta) == 0 {
		meta = json.RawMessage("null")
	}

	fields := map[string]any{
		"event_id":          rec.EventID.String(),
		"event_type":        rec.EventType,
		"event_version":     rec.EventVersion,
		"aggregate_type":    rec.Aggregate.Type,
		"aggregate_id":      rec.Aggregate.ID.String(),
		"aggregate_version": rec.Aggregate.Version.Uint64(),
		"data":              data,
		"metadata":          meta,
		"created_at":        formatTime(rec.CreatedAt),
		"effective_at":      formatTimePtr(rec.EffectiveAt),
		"created_by":        rec.Context.CreatedBy.String(),
		"owned_by":          nullUUIDString(rec.Context.OwnedBy),
		"correlation_id":    nullUUIDString(rec.Context.CorrelationID),
		"causation_id":      nullUUIDString(rec.Context.CausationID),
	}

	raw, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encode record %s: %w", rec.EventID, err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize record %s: %w", rec.EventID, err)
	}
	return out, nil
}

// canonicalJSON returns the RFC 8785 form of raw. Empty input and a bare
// null both collapse to nil.
func canonicalJSON(raw json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	out, err := jcs.Transform(trimmed)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Truncate(time.Microsecond).Format(timeLayout)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func nullUUIDString(id uuid.NullUUID) any {
	if !id.Valid {
		return nil
	}
	return id.UUID.String()
}

// exactNumbers rejects JSON whose canonical form would carry different
// numbers. JCS writes every number as an IEEE-754 double, so an integer
// literal with no exact double representation, such as 2^53+1, would be
// stored and hashed as its neighbour.
func exactNumbers(raw []byte) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if n, ok := tok.(json.Number); ok {
			if err := exactNumber(n); err != nil {
				return err
			}
		}
	}
}

func exactNumber(n json.Number) error {
	literal := string(n)
	f, err := strconv.ParseFloat(literal, 64)
	if err != nil {
		return fmt.Errorf("number %s is out of range", literal)
	}
	if strings.ContainsAny(literal, ".eE") {
		return nil
	}
	want, ok := new(big.Int).SetString(literal, 10)
	if !ok {
		return fmt.Errorf("number %s is not an integer", literal)
	}
	got, _ := big.NewFloat(f).Int(nil)
	if got.Cmp(want) != 0 {
		return fmt.Errorf("integer %s has no exact double representation", literal)
	}
	return nil
}
