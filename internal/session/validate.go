package session

import "fmt"

// Input bounds. Volume above 100 is software gain the player supports; seek
// is capped at 24 hours, skip at one hour in either direction.
const (
	VolumeMin = 0
	VolumeMax = 150

	SeekMin = 0.0
	SeekMax = 86400.0

	SkipMin = -3600.0
	SkipMax = 3600.0
)

// OutputRoutes is the fixed allowed set of DRM connectors.
var OutputRoutes = []string{"auto", "HDMI-A-1", "HDMI-A-2"}

// ValidateVolume bounds-checks a volume level.
func ValidateVolume(level int) error {
	if level < VolumeMin || level > VolumeMax {
		return &ValidationError{
			Field:  "volume",
			Value:  level,
			Reason: fmt.Sprintf("must be between %d and %d", VolumeMin, VolumeMax),
		}
	}
	return nil
}

// ValidateSeek bounds-checks an absolute seek position in seconds.
func ValidateSeek(position float64) error {
	if position < SeekMin || position > SeekMax {
		return &ValidationError{
			Field:  "position",
			Value:  position,
			Reason: fmt.Sprintf("must be between %g and %g seconds", SeekMin, SeekMax),
		}
	}
	return nil
}

// ValidateSkip bounds-checks a relative skip delta in seconds. Zero is
// accepted as a no-op.
func ValidateSkip(delta float64) error {
	if delta < SkipMin || delta > SkipMax {
		return &ValidationError{
			Field:  "skip",
			Value:  delta,
			Reason: fmt.Sprintf("must be between %g and %g seconds", SkipMin, SkipMax),
		}
	}
	return nil
}

// ValidateOutputRoute checks the route against the fixed allowed set.
func ValidateOutputRoute(route string) error {
	for _, allowed := range OutputRoutes {
		if route == allowed {
			return nil
		}
	}
	return &ValidationError{
		Field:  "output",
		Value:  route,
		Reason: fmt.Sprintf("must be one of %v", OutputRoutes),
	}
}
