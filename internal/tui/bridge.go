package tui

import (
	"context"

	tea "github.com/charmbracelet/bubbletea"
	orchestration "github.com/koscakluka/ema-voice/core"
)

type (
	messagesMsg   []orchestration.ChatMessage
	transcriptMsg string
	statusMsg     orchestration.Status
	warningMsg    string
	errMsg        struct{ err error }
	doneMsg       struct{}
)

// Bridge carries orchestrator callbacks into the bubbletea event loop.
// Callbacks block until the model picks the message up, so updates are
// never dropped.
type Bridge struct {
	ctx  context.Context
	msgs chan tea.Msg
}

func NewBridge(ctx context.Context) *Bridge {
	return &Bridge{ctx: ctx, msgs: make(chan tea.Msg, 64)}
}

// Options registers the bridge with an Orchestrate call.
func (b *Bridge) Options() []orchestration.OrchestrateOption {
	return []orchestration.OrchestrateOption{
		orchestration.WithMessagesCallback(func(messages []orchestration.ChatMessage) {
			b.send(messagesMsg(messages))
		}),
		orchestration.WithTranscriptCallback(func(transcript string) {
			b.send(transcriptMsg(transcript))
		}),
		orchestration.WithStatusCallback(func(status orchestration.Status) {
			b.send(statusMsg(status))
		}),
		orchestration.WithWarningCallback(func(warning string) {
			b.send(warningMsg(warning))
		}),
	}
}

func (b *Bridge) send(msg tea.Msg) {
	select {
	case b.msgs <- msg:
	case <-b.ctx.Done():
	}
}

func (b *Bridge) wait() tea.Cmd {
	return func() tea.Msg {
		select {
		case msg := <-b.msgs:
			return msg
		case <-b.ctx.Done():
			return doneMsg{}
		}
	}
}
