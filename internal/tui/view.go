package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	orchestration "github.com/koscakluka/ema-voice/core"
	"github.com/muesli/reflow/indent"
	"github.com/muesli/reflow/wordwrap"
)

var (
	titleStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("213"))
	userStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	assistantStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("213"))
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	warningStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	liveStyle      = lipgloss.NewStyle().Italic(true).Foreground(lipgloss.Color("245"))
	helpStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	spinnerStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("213"))

	statusStyles = map[orchestration.Status]lipgloss.Style{
		orchestration.StatusIdle:      badge("240"),
		orchestration.StatusListening: badge("34"),
		orchestration.StatusThinking:  badge("99"),
		orchestration.StatusSpeaking:  badge("205"),
	}
)

func badge(color string) lipgloss.Style {
	return lipgloss.NewStyle().Padding(0, 1).Foreground(lipgloss.Color("231")).Background(lipgloss.Color(color))
}

func (m Model) View() string {
	var b strings.Builder

	status := string(m.status)
	if m.muted {
		status += " (muted)"
	}
	b.WriteString(titleStyle.Render("ema") + " " + statusStyles[m.status].Render(status) + "\n\n")

	wrap := max(m.width-2, 20)
	for _, message := range m.messages {
		b.WriteString(m.renderMessage(message, wrap))
		b.WriteString("\n")
	}

	if m.transcript != "" {
		b.WriteString(liveStyle.Render(wordwrap.String("… "+m.transcript, wrap)) + "\n\n")
	}
	for _, warning := range m.warnings {
		b.WriteString(warningStyle.Render("! "+warning) + "\n")
	}
	if m.err != nil {
		b.WriteString(errorStyle.Render(fmt.Sprintf("error: %v", m.err)) + "\n")
	}

	b.WriteString(m.input.View() + "\n")
	b.WriteString(helpStyle.Render("enter send • ctrl+p mute • ctrl+l replay • ctrl+r reset • esc quit"))
	return b.String()
}

func (m Model) renderMessage(message orchestration.ChatMessage, width int) string {
	label := userStyle.Render("You")
	if message.Role == orchestration.RoleAssistant {
		label = assistantStyle.Render("Ema")
	}

	content := message.Content
	switch {
	case message.IsStreaming && content == "":
		content = m.spinner.View()
	case message.IsError:
		content = errorStyle.Render(wordwrap.String(content, width-2))
	default:
		content = wordwrap.String(content, width-2)
	}
	return label + "\n" + indent.String(content, 2) + "\n"
}
