package session

// View is the caller-visible snapshot of the current session. It is built
// from the last-settled state, so a status query never waits on a command
// in flight.
type View struct {
	State     string  `json:"state"`
	File      string  `json:"file,omitempty"`
	Position  float64 `json:"position"`
	Duration  float64 `json:"duration"`
	Volume    int     `json:"volume"`
	LastError string  `json:"last_error,omitempty"`
}
