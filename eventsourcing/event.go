package eventsourcing

// Event is a domain event. The pair (EventType, EventVersion) names the
// payload schema it is stored under.
type Event interface {
	// EventType returns the unique name of the event
	EventType() string

	// EventVersion returns the schema version of the payload
	EventVersion() int
}
