package session

import "testing"

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateIdle, "idle"},
		{StateStarting, "starting"},
		{StateReady, "ready"},
		{StatePlaying, "playing"},
		{StatePaused, "paused"},
		{StateStopping, "stopping"},
		{StateFailed, "failed"},
		{State(99), "unknown"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestValidTransition(t *testing.T) {
	tests := []struct {
		name string
		from State
		to   State
		want bool
	}{
		{name: "idle to starting", from: StateIdle, to: StateStarting, want: true},
		{name: "starting to ready", from: StateStarting, to: StateReady, want: true},
		{name: "ready to playing", from: StateReady, to: StatePlaying, want: true},
		{name: "playing to paused", from: StatePlaying, to: StatePaused, want: true},
		{name: "paused to playing", from: StatePaused, to: StatePlaying, want: true},
		{name: "playing to stopping", from: StatePlaying, to: StateStopping, want: true},
		{name: "playing to ready on end of file", from: StatePlaying, to: StateReady, want: true},
		{name: "stopping to idle", from: StateStopping, to: StateIdle, want: true},
		{name: "failed to starting", from: StateFailed, to: StateStarting, want: true},

		{name: "idle straight to playing", from: StateIdle, to: StatePlaying, want: false},
		{name: "ready to paused", from: StateReady, to: StatePaused, want: false},
		{name: "stopping to playing", from: StateStopping, to: StatePlaying, want: false},
		{name: "failed to idle not via stop path", from: StateFailed, to: StatePlaying, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := validTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("validTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

// A process death can interrupt the machine anywhere, so StateFailed is
// reachable from every state.
func TestAnyStateCanFail(t *testing.T) {
	states := []State{StateIdle, StateStarting, StateReady, StatePlaying, StatePaused, StateStopping, StateFailed}
	for _, from := range states {
		if !validTransition(from, StateFailed) {
			t.Errorf("validTransition(%s, failed) = false, want true", from)
		}
	}
}

func TestControllable(t *testing.T) {
	tests := []struct {
		state State
		want  bool
	}{
		{StateIdle, false},
		{StateStarting, false},
		{StateReady, false},
		{StatePlaying, true},
		{StatePaused, true},
		{StateStopping, false},
		{StateFailed, false},
	}

	for _, tt := range tests {
		if got := controllable(tt.state); got != tt.want {
			t.Errorf("controllable(%s) = %v, want %v", tt.state, got, tt.want)
		}
	}
}
