// Package bus moves committed records from the writer to whoever wants to
// react to them: in-process subscribers or a Kafka topic.
package bus

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/cannahum/eventsourcing-chain/eventstore"
)

// ErrClosed is returned when publishing on a closed bus.
var ErrClosed = errors.New("bus is closed")

// Memory broadcasts records to in-process subscribers. A subscriber whose
// buffer is full misses the record; the drop is logged.
type Memory struct {
	mu     sync.RWMutex
	subs   map[int]chan eventstore.Record
	next   int
	buffer int
	closed bool
	log    *slog.Logger
}

// NewMemory returns a bus whose subscriptions buffer up to buffer records.
func NewMemory(buffer int, log *slog.Logger) *Memory {
	if log == nil {
		log = slog.Default()
	}
	if buffer < 1 {
		buffer = 1
	}
	return &Memory{
		subs:   map[int]chan eventstore.Record{},
		buffer: buffer,
		log:    log.With(slog.String("bus", "memory")),
	}
}

// Subscribe returns a channel receiving every published record and a func
// that cancels the subscription and closes the channel.
func (m *Memory) Subscribe() (<-chan eventstore.Record, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan eventstore.Record, m.buffer)
	if m.closed {
		close(ch)
		return ch, func() {}
	}
	id := m.next
	m.next++
	m.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if sub, ok := m.subs[id]; ok {
				delete(m.subs, id)
				close(sub)
			}
		})
	}
}

// Publish implements eventsourcing.Publisher. It never blocks on a slow
// subscriber.
func (m *Memory) Publish(ctx context.Context, records ...eventstore.Record) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return ErrClosed
	}
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return err
		}
		for id, ch := range m.subs {
			select {
			case ch <- rec:
			default:
				m.log.Warn("subscriber is full, dropping record",
					slog.Int("subscriber", id),
					slog.String("stream", rec.Key().String()),
					slog.Uint64("version", rec.Version().Uint64()),
				)
			}
		}
	}
	return nil
}

// Close closes every subscription. Publishing afterwards fails.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for id, ch := range m.subs {
		delete(m.subs, id)
		close(ch)
	}
	return nil
}
