package eventstore

import "time"

// Metrics receives store measurements. Implementations must be safe for
// concurrent use.
type Metrics interface {
	AppendDuration(aggregateType string, d time.Duration)
	ReadDuration(aggregateType string, d time.Duration)
	EventsAppended(aggregateType string, count int)
	ConcurrencyConflict(aggregateType string)
	SnapshotSaved(aggregateType string)
	SnapshotLoaded(aggregateType string, hit bool)
}

type nopMetrics struct{}

func (nopMetrics) AppendDuration(string, time.Duration) {}
func (nopMetrics) ReadDuration(string, time.Duration)   {}
func (nopMetrics) EventsAppended(string, int)           {}
func (nopMetrics) ConcurrencyConflict(string)           {}
func (nopMetrics) SnapshotSaved(string)                 {}
func (nopMetrics) SnapshotLoaded(string, bool)          {}

// NopMetrics returns a Metrics that discards everything.
func NopMetrics() Metrics { return nopMetrics{} }
