package transcription

// State is the capture state of a [Session]. Transitions only happen through
// Start, Stop, Pause, Resume and Clear, or when restarts are exhausted.
type State int

const (
	StateIdle State = iota
	StateCapturing
	StatePaused
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCapturing:
		return "capturing"
	case StatePaused:
		return "paused"
	}
	return "unknown"
}
