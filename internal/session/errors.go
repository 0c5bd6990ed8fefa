package session

import (
	"errors"
	"fmt"
)

var (
	// ErrBusy means the command queue is full; another caller's command is
	// in flight. Safe to retry shortly.
	ErrBusy = errors.New("session: another command is in flight")

	// ErrNoActiveSession means the operation needs a playing or paused
	// session and there is none. Surfaced rather than silently ignored so
	// callers building UI feedback can tell the difference.
	ErrNoActiveSession = errors.New("session: no active playback session")
)

// ValidationError reports caller input rejected before it ever becomes a
// command. The offending value is echoed back.
type ValidationError struct {
	Field  string
	Value  any
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s %v: %s", e.Field, e.Value, e.Reason)
}
