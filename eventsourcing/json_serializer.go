package eventsourcing

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sync"

	"github.com/cannahum/eventsourcing-chain/eventstore"
)

type eventKey struct {
	Type    string
	Version int
}

func (k eventKey) String() string {
	return fmt.Sprintf("%s@v%d", k.Type, k.Version)
}

// Upcaster rewrites a payload of one schema version into the next one.
type Upcaster func(data json.RawMessage) (json.RawMessage, error)

// JSONSerializer provides a simple serializer implementation. Event types
// are registered per (type, version); payloads of older versions are
// upcast step by step until a registered version is reached.
type JSONSerializer struct {
	mu         sync.RWMutex
	eventTypes map[eventKey]reflect.Type
	upcasters  map[eventKey]Upcaster
}

// Bind registers the specified events with the serializer; may be called more than once
func (j *JSONSerializer) Bind(events ...Event) {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, event := range events {
		t := reflect.TypeOf(event)
		if t.Kind() == reflect.Ptr {
			t = t.Elem()
		}
		j.eventTypes[eventKey{event.EventType(), event.EventVersion()}] = t
	}
}

// Upcast registers fn to turn payloads of eventType at fromVersion into
// fromVersion+1.
func (j *JSONSerializer) Upcast(eventType string, fromVersion int, fn Upcaster) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.upcasters[eventKey{eventType, fromVersion}] = fn
}

// MarshalEvent converts an event into the payload part of an envelope
func (j *JSONSerializer) MarshalEvent(ev Event) (eventstore.Envelope, error) {
	key := eventKey{ev.EventType(), ev.EventVersion()}

	j.mu.RLock()
	_, ok := j.eventTypes[key]
	j.mu.RUnlock()
	if !ok {
		return eventstore.Envelope{}, fmt.Errorf("unbound event type, %v", key)
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return eventstore.Envelope{}, fmt.Errorf("unable to encode event %v: %w", key, err)
	}

	return eventstore.Envelope{
		EventType:    key.Type,
		EventVersion: key.Version,
		Data:         data,
	}, nil
}

// UnmarshalEvent converts the persistent type, Record, into an Event instance.
// The returned value is a pointer to the bound type.
func (j *JSONSerializer) UnmarshalEvent(record eventstore.Record) (Event, error) {
	decodeErr := func(err error) error {
		return &eventstore.DecodeError{EventID: record.EventID, Err: err}
	}

	key := eventKey{record.EventType, record.EventVersion}
	data := record.Data

	j.mu.RLock()
	defer j.mu.RUnlock()

	for {
		if t, ok := j.eventTypes[key]; ok {
			v := reflect.New(t).Interface()
			if err := json.Unmarshal(data, v); err != nil {
				return nil, decodeErr(fmt.Errorf("unable to unmarshal event data into %v: %w", key, err))
			}
			ev, ok := v.(Event)
			if !ok {
				return nil, decodeErr(fmt.Errorf("%T does not implement Event", v))
			}
			return ev, nil
		}

		up, ok := j.upcasters[key]
		if !ok {
			return nil, decodeErr(fmt.Errorf("unbound event type, %v", key))
		}
		upcast, err := up(data)
		if err != nil {
			return nil, decodeErr(fmt.Errorf("upcast %v: %w", key, err))
		}
		data = upcast
		key.Version++
	}
}

// NewJSONSerializer constructs a new JSONSerializer and populates it with the specified events.
// Bind may be subsequently called to add more events.
func NewJSONSerializer(events ...Event) *JSONSerializer {
	serializer := &JSONSerializer{
		eventTypes: map[eventKey]reflect.Type{},
		upcasters:  map[eventKey]Upcaster{},
	}
	serializer.Bind(events...)

	return serializer
}
