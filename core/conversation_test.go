package orchestration

import (
	"errors"
	"slices"
	"testing"

	"github.com/koscakluka/ema-voice/core/audio"
	"github.com/koscakluka/ema-voice/core/llms"
)

func TestConversationContextKeepsMostRecentFinishedMessages(t *testing.T) {
	conversation := &Conversation{}
	for _, content := range []string{"a", "b", "c"} {
		conversation.append(newChatMessage(RoleUser, content))
	}
	streaming := newChatMessage(RoleAssistant, "partial")
	streaming.IsStreaming = true
	conversation.append(streaming)

	got := conversation.Context(3)

	want := []llms.Message{llms.UserMessage("b"), llms.UserMessage("c")}
	if !slices.Equal(got, want) {
		t.Fatalf("expected %+v, got %+v", want, got)
	}
}

func TestConversationMessagesIsASnapshot(t *testing.T) {
	conversation := &Conversation{}
	message := conversation.append(newChatMessage(RoleUser, "hello"))

	snapshot := conversation.Messages()
	snapshot[0].Content = "changed"

	if current, _ := conversation.Message(message.ID); current.Content != "hello" {
		t.Fatalf("snapshot changes leaked into the conversation")
	}
}

func TestConversationSnapshotsDoNotShareAudio(t *testing.T) {
	conversation := &Conversation{}
	message := conversation.append(newChatMessage(RoleAssistant, "hi"))
	clip := audio.NewClip([]byte{1, 2}, audio.EncodingInfo{})
	conversation.attachAudio(message.ID, clip)

	snapshot := conversation.Messages()
	single, _ := conversation.Message(message.ID)
	if !snapshot[0].HasAudio || !single.HasAudio {
		t.Fatalf("expected snapshots to report the recorded audio")
	}
	if snapshot[0].audio != nil || single.audio != nil {
		t.Fatalf("snapshots must not hand out the conversation's clip")
	}

	conversation.reset()
	if !clip.Released() {
		t.Fatalf("expected reset to release the conversation's clip")
	}
	if !snapshot[0].HasAudio || snapshot[0].Content != "hi" {
		t.Fatalf("reset changed an earlier snapshot: %+v", snapshot[0])
	}
}

func TestConversationUpdateUnknownMessage(t *testing.T) {
	conversation := &Conversation{}

	_, err := conversation.update("missing", func(*ChatMessage) {})

	if !errors.Is(err, ErrMessageNotFound) {
		t.Fatalf("expected ErrMessageNotFound, got %v", err)
	}
}

func TestConversationResetReleasesAudio(t *testing.T) {
	conversation := &Conversation{}
	message := conversation.append(newChatMessage(RoleAssistant, "hi"))
	released := 0
	clip := audio.NewClip([]byte{1, 2}, audio.EncodingInfo{}, audio.WithReleaseHook(func() { released++ }))
	conversation.attachAudio(message.ID, clip)

	replay, err := conversation.audioCopy(message.ID)
	if err != nil || replay == nil {
		t.Fatalf("expected a copy of the audio, got %v", err)
	}
	replay.Release()
	if released != 0 {
		t.Fatalf("releasing the copy must not release the original")
	}

	conversation.reset(newChatMessage(RoleAssistant, "greeting"))

	if released != 1 {
		t.Fatalf("expected audio released once on reset, got %d", released)
	}
	if conversation.Len() != 1 {
		t.Fatalf("expected only the seed message, got %d", conversation.Len())
	}
}

func TestConversationAttachAudioToMissingMessageReleasesClip(t *testing.T) {
	conversation := &Conversation{}
	released := false
	clip := audio.NewClip([]byte{1, 2}, audio.EncodingInfo{}, audio.WithReleaseHook(func() { released = true }))

	conversation.attachAudio("missing", clip)

	if !released {
		t.Fatalf("expected clip to be released")
	}
}
