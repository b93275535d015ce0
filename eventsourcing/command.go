package eventsourcing

import (
	"context"

	"github.com/cannahum/eventsourcing-chain/eventstore"
	"github.com/google/uuid"
)

// Command is a request to change one aggregate.
type Command interface {
	// AggregateID returns the id of the aggregate the command targets
	AggregateID() uuid.UUID

	// EventContext returns who issued the command; it is stamped on
	// every event the command produces.
	EventContext() eventstore.EventContext
}

// CommandModel provides a default implementation of Command
type CommandModel struct {
	ID      uuid.UUID
	Context eventstore.EventContext
}

// AggregateID implements the Command interface
func (m CommandModel) AggregateID() uuid.UUID {
	return m.ID
}

// EventContext implements the Command interface
func (m CommandModel) EventContext() eventstore.EventContext {
	return m.Context
}

// CommandHandler is implemented by aggregates that turn commands into
// events. It must not mutate the aggregate; the repository folds the
// returned events once they are committed.
type CommandHandler interface {
	Handle(ctx context.Context, command Command) ([]Event, error)
}
