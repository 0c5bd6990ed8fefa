package mpv

// Property IDs registered with observe_property. mpv echoes these back in
// property-change events so we can translate the loosely-typed wire format
// into a closed set of event types.
const (
	observeTimePos = 1
	observePause   = 2
	observeEOF     = 3
)

// Event is an asynchronous notification pushed by the player outside the
// request/response cycle.
type Event interface {
	event()
}

// PositionEvent reports the current playback position in seconds.
type PositionEvent struct {
	Seconds float64
}

// PauseEvent reports a change of the player's pause flag.
type PauseEvent struct {
	Paused bool
}

// EndOfFileEvent reports that playback of the current file finished.
// Reason is the player's end-file reason when available ("eof", "error", ...).
type EndOfFileEvent struct {
	Reason string
}

func (PositionEvent) event()  {}
func (PauseEvent) event()     {}
func (EndOfFileEvent) event() {}
