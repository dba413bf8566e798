// Package history exports backend lifecycle events to external analytics
// systems. Sinks live in the sub-packages; factory builds one from a DSN.
package history

import (
	"context"
	"time"
)

// EventKind mirrors the supervisor's event kinds.
type EventKind string

const (
	EventStateChanged      EventKind = "state_changed"
	EventProcessStarted    EventKind = "process_started"
	EventProcessExited     EventKind = "process_exited"
	EventRecoveryExhausted EventKind = "recovery_exhausted"
)

// Event is one exported lifecycle event.
type Event struct {
	Kind       EventKind `json:"kind"`
	OccurredAt time.Time `json:"occurred_at"`
	Backend    string    `json:"backend"`
	RunID      string    `json:"run_id,omitempty"`
	PID        int       `json:"pid,omitempty"`
	Port       int       `json:"port,omitempty"`
	FromState  string    `json:"from_state,omitempty"`
	ToState    string    `json:"to_state,omitempty"`
	ExitCode   int       `json:"exit_code,omitempty"`
	Signal     string    `json:"signal,omitempty"`
	Expected   bool      `json:"expected,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Table is the relational table every SQL sink appends to.
const Table = "backend_history"
