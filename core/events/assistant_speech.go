package events

const (
	// KindAssistantSpeechSentence identifies a sentence sent to synthesis.
	KindAssistantSpeechSentence Kind = "assistant_speech.sentence"
	// KindAssistantSpeechFailed identifies a failed synthesis request.
	KindAssistantSpeechFailed Kind = "assistant_speech.failed"
	// KindAssistantSpeechFallback identifies the response being spoken by the
	// local fallback speaker.
	KindAssistantSpeechFallback Kind = "assistant_speech.fallback"
)

// AssistantSpeechSentence carries a sentence and its position in the response.
type AssistantSpeechSentence struct {
	Base
	Index int
	Text  string
}

func NewAssistantSpeechSentence(index int, text string) AssistantSpeechSentence {
	return AssistantSpeechSentence{Base: NewBase(KindAssistantSpeechSentence), Index: index, Text: text}
}

type AssistantSpeechFailed struct {
	Base
	Index int
	Err   error
}

func NewAssistantSpeechFailed(index int, err error) AssistantSpeechFailed {
	return AssistantSpeechFailed{Base: NewBase(KindAssistantSpeechFailed), Index: index, Err: err}
}

type AssistantSpeechFallback struct {
	Base
	Text string
}

func NewAssistantSpeechFallback(text string) AssistantSpeechFallback {
	return AssistantSpeechFallback{Base: NewBase(KindAssistantSpeechFallback), Text: text}
}
