// Package tui is the terminal front-end of a voice conversation.
package tui

import (
	"context"
	"slices"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	orchestration "github.com/koscakluka/ema-voice/core"
)

const maxWarnings = 3

// Controller is the part of the orchestrator the front-end drives.
type Controller interface {
	SendPrompt(text string) error
	StartListening(ctx context.Context) error
	StopListening()
	Replay(id string) error
	Reset()
}

type Model struct {
	ctx        context.Context
	controller Controller
	bridge     *Bridge

	spinner spinner.Model
	input   textinput.Model
	width   int

	messages   []orchestration.ChatMessage
	transcript string
	status     orchestration.Status
	warnings   []string
	err        error
	muted      bool
}

func NewModel(ctx context.Context, controller Controller, bridge *Bridge) Model {
	input := textinput.New()
	input.Placeholder = "Talk, or type and press enter"
	input.Prompt = "> "
	input.Focus()

	return Model{
		ctx:        ctx,
		controller: controller,
		bridge:     bridge,
		spinner:    spinner.New(spinner.WithSpinner(spinner.Dot), spinner.WithStyle(spinnerStyle)),
		input:      input,
		width:      80,
		status:     orchestration.StatusIdle,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.bridge.wait(), m.spinner.Tick, textinput.Blink)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.input.Width = max(msg.Width-4, 10)
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case messagesMsg:
		m.messages = msg
		return m, m.bridge.wait()
	case transcriptMsg:
		m.transcript = string(msg)
		return m, m.bridge.wait()
	case statusMsg:
		m.status = orchestration.Status(msg)
		return m, m.bridge.wait()
	case warningMsg:
		m.warnings = append(m.warnings, string(msg))
		if len(m.warnings) > maxWarnings {
			m.warnings = slices.Delete(m.warnings, 0, len(m.warnings)-maxWarnings)
		}
		return m, m.bridge.wait()
	case doneMsg:
		return m, tea.Quit

	case errMsg:
		m.err = msg.err
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// Controller calls run as commands. They may emit events synchronously and
// the bridge only drains while Update is not running.
func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "esc":
		return m, tea.Quit

	case "enter":
		text := strings.TrimSpace(m.input.Value())
		if text == "" {
			return m, nil
		}
		m.input.Reset()
		m.err = nil
		return m, m.call(func() error { return m.controller.SendPrompt(text) })

	// Muting stops the session, a paused one would be resumed by the next
	// response.
	case "ctrl+p":
		m.muted = !m.muted
		if m.muted {
			return m, m.call(func() error { m.controller.StopListening(); return nil })
		}
		return m, m.call(func() error { return m.controller.StartListening(m.ctx) })

	case "ctrl+r":
		m.warnings = nil
		m.err = nil
		m.muted = false
		return m, m.call(func() error {
			m.controller.Reset()
			return m.controller.StartListening(m.ctx)
		})

	case "ctrl+l":
		id, ok := m.lastSpoken()
		if !ok {
			return m, nil
		}
		return m, m.call(func() error { return m.controller.Replay(id) })
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) call(f func() error) tea.Cmd {
	return func() tea.Msg {
		if err := f(); err != nil {
			return errMsg{err: err}
		}
		return nil
	}
}

func (m Model) lastSpoken() (string, bool) {
	for _, message := range slices.Backward(m.messages) {
		if message.Role == orchestration.RoleAssistant && message.HasAudio {
			return message.ID, true
		}
	}
	return "", false
}
