package eventsourcing

import (
	"context"
	"log/slog"

	"github.com/cannahum/eventsourcing-chain/eventstore"
)

// Committed pairs an event with the record it was stored as.
type Committed struct {
	Event  Event
	Record eventstore.Record
}

// Observer is notified after a command's events are committed. Observer
// failures never undo the commit.
type Observer interface {
	WillObserve(aggregate Aggregate, event Event) bool
	Observe(ctx context.Context, aggregate Aggregate, committed Committed) error
	OnObserveFailed(error)
}

// Publisher sends committed records somewhere else, e.g. a message bus.
type Publisher interface {
	Publish(ctx context.Context, records ...eventstore.Record) error
}

// PublishingObserver forwards every committed record it accepts to a
// Publisher.
type PublishingObserver struct {
	publisher Publisher
	filter    func(Event) bool
	log       *slog.Logger
}

// NewPublishingObserver returns an observer publishing events for which
// filter returns true; a nil filter accepts everything.
func NewPublishingObserver(publisher Publisher, filter func(Event) bool, log *slog.Logger) *PublishingObserver {
	if log == nil {
		log = slog.Default()
	}
	return &PublishingObserver{publisher: publisher, filter: filter, log: log}
}

// WillObserve implements the Observer interface
func (o *PublishingObserver) WillObserve(_ Aggregate, event Event) bool {
	return o.filter == nil || o.filter(event)
}

// Observe implements the Observer interface
func (o *PublishingObserver) Observe(ctx context.Context, _ Aggregate, committed Committed) error {
	return o.publisher.Publish(ctx, committed.Record)
}

// OnObserveFailed implements the Observer interface
func (o *PublishingObserver) OnObserveFailed(err error) {
	o.log.Error("publish committed event", slog.Any("err", err))
}
