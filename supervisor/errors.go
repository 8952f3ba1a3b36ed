package supervisor

import (
	"errors"
	"fmt"
)

// ErrAlreadyRunning is returned by Start when the previous backend process has
// not yet been stopped or reaped.
var ErrAlreadyRunning = errors.New("backend is already running")

// SpawnError indicates the backend executable could not be launched.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawning backend %q: %s", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// TerminationError indicates the OS refused or failed the kill request.
// The process handle is gone regardless: a subsequent Stop is a no-op.
type TerminationError struct {
	PID int
	Err error
}

func (e *TerminationError) Error() string {
	return fmt.Sprintf("killing backend process %d: %s", e.PID, e.Err)
}

func (e *TerminationError) Unwrap() error { return e.Err }
