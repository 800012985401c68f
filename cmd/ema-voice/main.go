// Command ema-voice holds a spoken conversation with a language model.
//
// Usage:
//
//	ema-voice run                 talk in the terminal
//	ema-voice say "Hello there."  synthesize and play one sentence
//	ema-voice config schema       print the config JSON Schema
//	ema-voice config show         print the effective config
//
// Settings are read from --config (YAML), a .env file and the environment.
// API keys come from OPENAI_API_KEY, DEEPGRAM_API_KEY and GROQ_API_KEY.
package main

import (
	"fmt"
	"os"

	"github.com/koscakluka/ema-voice/cmd/ema-voice/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
