package supervisor

import "fmt"

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateHealthy
	StateDegraded
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	switch string(b) {
	case "stopped":
		*s = StateStopped
	case "starting":
		*s = StateStarting
	case "healthy":
		*s = StateHealthy
	case "degraded":
		*s = StateDegraded
	default:
		return fmt.Errorf("unknown state %q", string(b))
	}
	return nil
}

// Active reports whether a supervised process is expected to be alive.
func (s State) Active() bool { return s == StateStarting || s == StateHealthy || s == StateDegraded }
