package groq

import "github.com/koscakluka/ema-voice/core/llms"

type message struct {
	Role    messageRole `json:"role"`
	Content string      `json:"content"`
}

type messageRole string

const (
	messageRoleSystem    messageRole = "system"
	messageRoleUser      messageRole = "user"
	messageRoleAssistant messageRole = "assistant"
)

func toMessages(messages []llms.Message) []message {
	converted := make([]message, 0, len(messages))
	for _, msg := range messages {
		role := messageRoleUser
		switch msg.Role {
		case llms.RoleSystem:
			role = messageRoleSystem
		case llms.RoleAssistant:
			role = messageRoleAssistant
		}
		converted = append(converted, message{Role: role, Content: msg.Content})
	}
	return converted
}
