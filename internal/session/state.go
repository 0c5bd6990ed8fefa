package session

// State is the authoritative playback state of the single live session.
// Callers never set it directly; transitions are applied only on the
// controller's run loop, each by the component that owns the triggering
// evidence.
type State int

const (
	StateIdle     State = iota // no process
	StateStarting              // process spawned, channel not yet ready
	StateReady                 // channel ready, nothing loaded
	StatePlaying
	StatePaused
	StateStopping
	StateFailed
)

// String returns a human-readable representation of the State
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateStopping:
		return "stopping"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// transitions is the closed edge set of the state machine. A process death
// may additionally move any state to StateFailed.
var transitions = map[State][]State{
	StateIdle:     {StateStarting},
	StateStarting: {StateReady, StateFailed},
	StateReady:    {StatePlaying, StateStopping},
	StatePlaying:  {StatePaused, StateStopping, StateReady},
	StatePaused:   {StatePlaying, StateStopping, StateReady},
	StateStopping: {StateIdle},
	StateFailed:   {StateStarting},
}

// validTransition reports whether the machine may move from one state to
// another along a defined edge.
func validTransition(from, to State) bool {
	if to == StateFailed {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// controllable reports whether direct playback commands (pause, seek, skip,
// volume) are valid in the given state.
func controllable(s State) bool {
	return s == StatePlaying || s == StatePaused
}
