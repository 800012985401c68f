package orchestration

import (
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jinzhu/copier"
	"github.com/koscakluka/ema-voice/core/audio"
	"github.com/koscakluka/ema-voice/core/llms"
)

var ErrMessageNotFound = errors.New("conversation message not found")

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ChatMessage is one utterance of the conversation.
type ChatMessage struct {
	ID        string
	Role      Role
	Content   string
	Timestamp time.Time

	// IsStreaming is set while assistant content is still arriving.
	IsStreaming bool
	IsError     bool

	// HasAudio is set once the recorded speech of an assistant message is
	// kept. The clip stays with the conversation, use Replay to play it.
	HasAudio bool

	audio *audio.Clip
}

// snapshot drops the conversation-owned audio.
func (m ChatMessage) snapshot() ChatMessage {
	m.audio = nil
	return m
}

func newChatMessage(role Role, content string) ChatMessage {
	return ChatMessage{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	}
}

// Conversation is the ordered sequence of messages. The full sequence is
// kept for display and replay, only the most recent ones are sent as context.
type Conversation struct {
	mu       sync.RWMutex
	messages []ChatMessage
}

// Messages returns a point-in-time snapshot of the conversation.
func (c *Conversation) Messages() []ChatMessage {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var messages []ChatMessage
	if err := copier.Copy(&messages, &c.messages); err != nil {
		logger.Warn("failed to copy conversation, falling back to a clone", "error", err)
		messages = slices.Clone(c.messages)
	}
	for i := range messages {
		messages[i] = messages[i].snapshot()
	}
	return messages
}

func (c *Conversation) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.messages)
}

func (c *Conversation) Message(id string) (ChatMessage, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if i := c.indexLocked(id); i >= 0 {
		return c.messages[i].snapshot(), true
	}
	return ChatMessage{}, false
}

// Context returns the last n messages as completion messages. Messages that
// are still streaming or empty are skipped.
func (c *Conversation) Context(n int) []llms.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()

	start := max(len(c.messages)-n, 0)
	messages := make([]llms.Message, 0, len(c.messages)-start)
	for _, message := range c.messages[start:] {
		if message.IsStreaming || message.Content == "" {
			continue
		}
		messages = append(messages, llms.Message{Role: llms.Role(message.Role), Content: message.Content})
	}
	return messages
}

func (c *Conversation) append(message ChatMessage) ChatMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, message)
	return message
}

// update applies change to the message with id and returns the result.
func (c *Conversation) update(id string, change func(*ChatMessage)) (ChatMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	i := c.indexLocked(id)
	if i < 0 {
		return ChatMessage{}, ErrMessageNotFound
	}
	change(&c.messages[i])
	return c.messages[i].snapshot(), nil
}

// attachAudio stores clip as the message audio. Ownership of clip moves to
// the conversation even when the message no longer exists.
func (c *Conversation) attachAudio(id string, clip *audio.Clip) {
	c.mu.Lock()
	i := c.indexLocked(id)
	if i < 0 {
		c.mu.Unlock()
		clip.Release()
		return
	}
	previous := c.messages[i].audio
	c.messages[i].audio = clip
	c.messages[i].HasAudio = clip != nil
	c.mu.Unlock()

	previous.Release()
}

// audioCopy returns a copy of the message audio owned by the caller.
func (c *Conversation) audioCopy(id string) (*audio.Clip, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	i := c.indexLocked(id)
	if i < 0 {
		return nil, ErrMessageNotFound
	}
	return c.messages[i].audio.Clone(), nil
}

// reset drops every message, releasing recorded audio, and seeds the
// conversation with seed.
func (c *Conversation) reset(seed ...ChatMessage) {
	c.mu.Lock()
	previous := c.messages
	c.messages = slices.Clone(seed)
	c.mu.Unlock()

	for _, message := range previous {
		message.audio.Release()
	}
}

func (c *Conversation) indexLocked(id string) int {
	for i, message := range slices.Backward(c.messages) {
		if message.ID == id {
			return i
		}
	}
	return -1
}
