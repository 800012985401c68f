package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/koscakluka/ema-voice/core/transcription"
	"github.com/koscakluka/ema-voice/internal/tui"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start a conversation in the terminal",
	Long: `Start a conversation in the terminal.

Speak, or type a prompt and press enter. The assistant answers aloud while
the reply is still streaming. Without a microphone the conversation continues
as text only.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		shutdown, err := setupLogging(true)
		if err != nil {
			return err
		}
		defer shutdown()

		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		p, err := newPipeline(cfg)
		if err != nil {
			return err
		}
		defer p.Close()

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		bridge := tui.NewBridge(ctx)
		if err := p.orchestrator.Orchestrate(ctx, bridge.Options()...); err != nil {
			if !listeningUnavailable(err) {
				return fmt.Errorf("failed to start conversation: %w", err)
			}
			slog.Warn("listening disabled", "error", err)
		}

		program := tea.NewProgram(tui.NewModel(ctx, p.orchestrator, bridge),
			tea.WithAltScreen(),
			tea.WithContext(ctx),
		)
		if _, err := program.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
			return fmt.Errorf("terminal ui failed: %w", err)
		}
		return nil
	},
}

// listeningUnavailable reports whether err only means the microphone can not
// be used, in which case typed prompts still work.
func listeningUnavailable(err error) bool {
	return errors.Is(err, transcription.ErrCaptureUnavailable) ||
		errors.Is(err, transcription.ErrPermissionDenied)
}
