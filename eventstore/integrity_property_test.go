//go:build property

package eventstore

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestChainProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	payloads := gen.SliceOfN(8, gen.Identifier())

	properties.Property("appended streams always verify", prop.ForAll(
		func(words []string) bool {
			key := Stream(todoType, NewID())
			history := History{}
			last, found := Record{}, false
			for i, w := range words {
				data, _ := json.Marshal(map[string]any{"word": w, "i": i})
				rec, err := chain(newEnvelope(key, 0, string(data)), last, found)
				if err != nil {
					return false
				}
				history = append(history, rec)
				last, found = rec, true
			}
			return VerifyHistory(history) == nil
		},
		payloads,
	))

	properties.Property("changing any payload breaks verification", prop.ForAll(
		func(words []string, victim int) bool {
			if len(words) == 0 {
				return true
			}
			key := Stream(todoType, NewID())
			history := History{}
			last, found := Record{}, false
			for i, w := range words {
				rec, err := chain(newEnvelope(key, 0, fmt.Sprintf(`{"w":%q,"i":%d}`, w, i)), last, found)
				if err != nil {
					return false
				}
				history = append(history, rec)
				last, found = rec, true
			}
			idx := victim % len(history)
			history[idx].Data = json.RawMessage(`{"tampered":true}`)
			return VerifyHistory(history) != nil
		},
		payloads,
		gen.IntRange(0, 1000),
	))

	properties.Property("hash ignores object key order", prop.ForAll(
		func(a, b string) bool {
			key := Stream(todoType, NewID())
			left := newEnvelope(key, 1, fmt.Sprintf(`{"a":%q,"b":%q}`, a, b))
			right := left
			right.Data = json.RawMessage(fmt.Sprintf(`{"b":%q,"a":%q}`, b, a))
			l, err := chain(left, Record{}, false)
			if err != nil {
				return false
			}
			r, err := chain(right, Record{}, false)
			if err != nil {
				return false
			}
			return string(l.Hash) == string(r.Hash)
		},
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
