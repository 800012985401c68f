package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/koscakluka/ema-voice/internal/config"
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	envFile string
	logFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "ema-voice",
	Short: "Talk to a language model with your voice",
	Long: `ema-voice listens to the microphone, sends finished turns to a language
model and speaks the reply sentence by sentence while it is still streaming.

Examples:
  # Start a conversation with OpenAI for text and speech
  OPENAI_API_KEY=... DEEPGRAM_API_KEY=... ema-voice run

  # Use Groq for completions and Deepgram for speech
  ema-voice run --config ema.yaml

  # Check a voice
  ema-voice say "Hey, I'm Cora."
`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the command line until it finishes or the process is
// interrupted.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file, skipped when missing")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "write logs to this file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(sayCmd)
	rootCmd.AddCommand(configCmd)
}

func loadConfig() (config.Config, error) {
	opts := []config.LoadOption{config.WithEnvFile(envFile)}
	if cfgFile != "" {
		opts = append(opts, config.WithFile(cfgFile))
	}
	cfg, err := config.Load(opts...)
	if err != nil {
		return config.Config{}, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}
