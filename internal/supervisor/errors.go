package supervisor

import (
	"errors"
	"fmt"
)

var (
	// ErrNoRuntimeFound means none of the runtime candidates exists and is safe to execute.
	ErrNoRuntimeFound = errors.New("no backend runtime found")
	// ErrSpawnFailed means the OS refused to create the process or it exited during start-up.
	ErrSpawnFailed = errors.New("backend spawn failed")
	// ErrBackendUnhealthyTimeout means the backend never answered its health endpoint in time.
	ErrBackendUnhealthyTimeout = errors.New("backend did not become healthy in time")
	// ErrAlreadyRunning is returned by Start while a start is in flight or the backend is healthy.
	ErrAlreadyRunning = errors.New("backend already starting or running")
	// ErrStopped is returned when a start is cancelled by Stop or the supervisor is closed.
	ErrStopped = errors.New("supervisor stopped")
)

// ProcessError is returned by supervisor operations. Err wraps one of the
// sentinels above.
type ProcessError struct {
	Op  string
	Err error
}

func (e *ProcessError) Error() string { return fmt.Sprintf("supervisor %s: %v", e.Op, e.Err) }

func (e *ProcessError) Unwrap() error { return e.Err }

func opErr(op string, err error) error { return &ProcessError{Op: op, Err: err} }
