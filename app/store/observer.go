package store

import "time"

// EventType is a kind of coordinator event
type EventType string

// enum of event types
const (
	EventReady                EventType = "ready"
	EventSetupFailed          EventType = "setup_failed"
	EventInteractiveCommitted EventType = "interactive_committed"
	EventInteractiveFailed    EventType = "interactive_failed"
	EventDurableCommitted     EventType = "durable_committed"
	EventDurableFailed        EventType = "durable_failed"
)

// Event describes something that happened to the coordinator.
// Durable events are delivered on the durable worker goroutine, other events on the goroutine calling Save
// or on the worker during setup.
type Event struct {
	Type     EventType
	SchemaID string
	Changes  int           // number of changes involved
	Staged   int           // changes left in the durable context after the event
	Duration time.Duration // durable commit time
	Err      error
}

// Observer gets coordinator events. Implementations must not block.
type Observer interface {
	OnEvent(ev Event)
}

// ObserverFunc is an adapter to use ordinary functions as observers
type ObserverFunc func(ev Event)

// OnEvent calls f(ev)
func (f ObserverFunc) OnEvent(ev Event) { f(ev) }

// MultiObserver fans out events to all observers in order
type MultiObserver []Observer

// OnEvent passes ev to every non-nil observer
func (m MultiObserver) OnEvent(ev Event) {
	for _, o := range m {
		if o != nil {
			o.OnEvent(ev)
		}
	}
}

// Health is a snapshot of durable commit statistics
type Health struct {
	Commits      int64     `json:"commits"`
	Committed    int64     `json:"committed"` // changes written to the backend
	Failures     int64     `json:"failures"`
	Consecutive  int       `json:"consecutive_failures"`
	Staged       int       `json:"staged"`
	LastError    string    `json:"last_error,omitempty"`
	LastErrorAt  time.Time `json:"last_error_at,omitzero"`
	LastCommitAt time.Time `json:"last_commit_at,omitzero"`
}

// Healthy is true if the last durable commit didn't fail
func (h Health) Healthy() bool {
	return h.Consecutive == 0
}
