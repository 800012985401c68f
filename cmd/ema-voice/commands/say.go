package commands

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/koscakluka/ema-voice/core/playback"
	"github.com/koscakluka/ema-voice/core/sentences"
	"github.com/spf13/cobra"
)

var sayCmd = &cobra.Command{
	Use:   "say <text>",
	Short: "Synthesize text and play it",
	Long: `Synthesize text with the configured speech provider and play it.

The text is split into sentences and each is synthesized separately, the same
way replies are spoken during a conversation.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		shutdown, err := setupLogging(false)
		if err != nil {
			return err
		}
		defer shutdown()

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		synthesizer, err := newSynthesizer(cfg.Speech)
		if err != nil {
			return fmt.Errorf("failed to create synthesizer: %w", err)
		}
		if synthesizer == nil {
			return errors.New("speech is turned off in the config")
		}

		dev, err := openDevice(cfg.Audio)
		if err != nil {
			return fmt.Errorf("failed to open audio device: %w", err)
		}
		defer dev.Close()

		ctx := cmd.Context()

		ended := make(chan struct{})
		queue := playback.NewQueue(dev,
			playback.WithEndedCallback(func() { close(ended) }),
			playback.WithErrorCallback(func(err error) { slog.Warn("playback failed", "error", err) }),
		)
		defer queue.Dispose()

		text := strings.Join(args, " ")
		parts, remainder := sentences.Extract(text)
		if remainder = strings.TrimSpace(remainder); remainder != "" {
			parts = append(parts, remainder)
		}

		played := 0
		for i, sentence := range parts {
			clip, err := synthesizer.Synthesize(ctx, sentence)
			if err != nil {
				return fmt.Errorf("failed to synthesize sentence %d: %w", i, err)
			}
			if clip == nil {
				continue
			}
			slog.Debug("synthesized", "sentence", sentence, "duration", clip.Duration())
			if err := queue.Enqueue(clip); err != nil {
				return err
			}
			played++
		}
		queue.Finalize()
		if played == 0 {
			return nil
		}

		select {
		case <-ended:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	},
}
