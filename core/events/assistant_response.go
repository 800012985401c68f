package events

const (
	// KindAssistantResponseStarted identifies the start of a completion stream.
	KindAssistantResponseStarted Kind = "assistant_response.started"
	// KindAssistantResponseSegment identifies a streamed text delta.
	KindAssistantResponseSegment Kind = "assistant_response.segment"
	// KindAssistantResponseFinal identifies the end of a completion stream,
	// successful, failed or cancelled.
	KindAssistantResponseFinal Kind = "assistant_response.final"
)

type AssistantResponseStarted struct {
	Base
	MessageID string
}

func NewAssistantResponseStarted(messageID string) AssistantResponseStarted {
	return AssistantResponseStarted{Base: NewBase(KindAssistantResponseStarted), MessageID: messageID}
}

type AssistantResponseSegment struct {
	Base
	MessageID string
	Segment   string
}

func NewAssistantResponseSegment(messageID, segment string) AssistantResponseSegment {
	return AssistantResponseSegment{Base: NewBase(KindAssistantResponseSegment), MessageID: messageID, Segment: segment}
}

// AssistantResponseFinal carries the content the message was finalized with.
type AssistantResponseFinal struct {
	Base
	MessageID string
	Content   string
	IsError   bool
	Cancelled bool
}

func NewAssistantResponseFinal(messageID, content string, isError, cancelled bool) AssistantResponseFinal {
	return AssistantResponseFinal{
		Base:      NewBase(KindAssistantResponseFinal),
		MessageID: messageID,
		Content:   content,
		IsError:   isError,
		Cancelled: cancelled,
	}
}
