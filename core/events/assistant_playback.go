package events

const (
	// KindAssistantPlaybackStarted identifies playback start for the current response.
	KindAssistantPlaybackStarted Kind = "assistant_playback.started"
	// KindAssistantPlaybackEnded identifies the playback completion milestone.
	KindAssistantPlaybackEnded Kind = "assistant_playback.ended"
	// KindAssistantPlaybackFailed identifies a clip that could not be played.
	KindAssistantPlaybackFailed Kind = "assistant_playback.failed"
)

// AssistantPlaybackStarted marks the start of assistant playback.
type AssistantPlaybackStarted struct{ Base }

// NewAssistantPlaybackStarted creates an assistant playback started event.
func NewAssistantPlaybackStarted() AssistantPlaybackStarted {
	return AssistantPlaybackStarted{Base: NewBase(KindAssistantPlaybackStarted)}
}

// AssistantPlaybackEnded marks the end of assistant playback.
type AssistantPlaybackEnded struct{ Base }

// NewAssistantPlaybackEnded creates an assistant playback ended event.
func NewAssistantPlaybackEnded() AssistantPlaybackEnded {
	return AssistantPlaybackEnded{Base: NewBase(KindAssistantPlaybackEnded)}
}

type AssistantPlaybackFailed struct {
	Base
	Err error
}

func NewAssistantPlaybackFailed(err error) AssistantPlaybackFailed {
	return AssistantPlaybackFailed{Base: NewBase(KindAssistantPlaybackFailed), Err: err}
}
