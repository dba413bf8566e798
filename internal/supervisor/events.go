package supervisor

import (
	"time"
)

type EventKind string

const (
	EventStateChanged      EventKind = "state_changed"
	EventProcessStarted    EventKind = "process_started"
	EventProcessExited     EventKind = "process_exited"
	EventRecoveryExhausted EventKind = "recovery_exhausted"
)

// Event is emitted on the channel returned by Supervisor.Events. Only the
// fields relevant to Kind are populated.
type Event struct {
	Kind EventKind `json:"kind"`
	At   time.Time `json:"at"`

	// state_changed
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`

	// process_started / process_exited
	PID      int    `json:"pid,omitempty"`
	Port     int    `json:"port,omitempty"`
	RunID    string `json:"run_id,omitempty"`
	ExitCode int    `json:"exit_code,omitempty"`
	Signal   string `json:"signal,omitempty"`
	Expected bool   `json:"expected,omitempty"`

	// recovery_exhausted
	Attempts int `json:"attempts,omitempty"`

	Error string `json:"error,omitempty"`
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// emit never blocks; a full buffer drops the event and counts it.
func (s *Supervisor) emit(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	s.evMu.RLock()
	defer s.evMu.RUnlock()
	if s.evClosed {
		return
	}
	select {
	case s.events <- ev:
	default:
		s.dropped.Add(1)
		s.onDrop()
	}
}

// Events returns the supervisor's event stream. The channel is closed by Close.
func (s *Supervisor) Events() <-chan Event { return s.events }

// Dropped reports how many events were discarded because the consumer lagged.
func (s *Supervisor) Dropped() uint64 { return s.dropped.Load() }
