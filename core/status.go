package orchestration

// Status is the coarse pipeline status shown to the user.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusListening Status = "listening"
	StatusThinking  Status = "thinking"
	StatusSpeaking  Status = "speaking"
)

// responseState tracks the current response. Transitions:
//
//	idle -> streaming -> settling -> speaking -> idle
//
// streaming and settling may go straight back to idle on errors, empty
// responses or when a newer turn supersedes them.
type responseState int

const (
	responseIdle responseState = iota
	// responseStreaming receives completion tokens.
	responseStreaming
	// responseSettling waits for outstanding synthesis.
	responseSettling
	// responseSpeaking waits for playback or the fallback speaker.
	responseSpeaking
)

func (s responseState) String() string {
	switch s {
	case responseIdle:
		return "idle"
	case responseStreaming:
		return "streaming"
	case responseSettling:
		return "settling"
	case responseSpeaking:
		return "speaking"
	}
	return "unknown"
}

// deriveStatus prefers listening over everything else, then speaking, then
// thinking.
func deriveStatus(capturing, playing bool, state responseState) Status {
	switch {
	case capturing:
		return StatusListening
	case playing || state == responseSpeaking:
		return StatusSpeaking
	case state == responseStreaming || state == responseSettling:
		return StatusThinking
	}
	return StatusIdle
}
