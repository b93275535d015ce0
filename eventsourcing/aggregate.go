package eventsourcing

import (
	"github.com/cannahum/eventsourcing-chain/eventstore"
	"github.com/google/uuid"
)

// Aggregate stands for event-sourced model.
type Aggregate interface {
	On(event Event) error
}

// Versioned is implemented by aggregates that want to know their identity
// and the version they were rehydrated at.
type Versioned interface {
	SetAggregateVersion(id uuid.UUID, version eventstore.Version)
}

// Model provides a default implementation of Versioned, meant to be
// embedded in aggregates.
type Model struct {
	// ID contains the AggregateID
	ID uuid.UUID `json:"id"`

	// Version is the version of the last event folded into the aggregate
	Version eventstore.Version `json:"version"`
}

// SetAggregateVersion implements the Versioned interface
func (m *Model) SetAggregateVersion(id uuid.UUID, version eventstore.Version) {
	m.ID = id
	m.Version = version
}

// AggregateVersion returns the version of the aggregate
func (m Model) AggregateVersion() eventstore.Version {
	return m.Version
}
