package events

const (
	// KindConversationMessageAppended identifies a new message in the history.
	KindConversationMessageAppended Kind = "conversation.message_appended"
	// KindConversationMessageUpdated identifies a changed message, usually a
	// streaming assistant message.
	KindConversationMessageUpdated Kind = "conversation.message_updated"
	// KindConversationReset identifies a cleared conversation.
	KindConversationReset Kind = "conversation.reset"
)

type ConversationMessageAppended struct {
	Base
	MessageID string
	Role      string
	Content   string
}

func NewConversationMessageAppended(messageID, role, content string) ConversationMessageAppended {
	return ConversationMessageAppended{
		Base:      NewBase(KindConversationMessageAppended),
		MessageID: messageID,
		Role:      role,
		Content:   content,
	}
}

type ConversationMessageUpdated struct {
	Base
	MessageID   string
	Content     string
	IsStreaming bool
	IsError     bool
}

func NewConversationMessageUpdated(messageID, content string, isStreaming, isError bool) ConversationMessageUpdated {
	return ConversationMessageUpdated{
		Base:        NewBase(KindConversationMessageUpdated),
		MessageID:   messageID,
		Content:     content,
		IsStreaming: isStreaming,
		IsError:     isError,
	}
}

type ConversationReset struct{ Base }

func NewConversationReset() ConversationReset {
	return ConversationReset{Base: NewBase(KindConversationReset)}
}
