package commands

import (
	"errors"
	"fmt"
	"log/slog"

	orchestration "github.com/koscakluka/ema-voice/core"
	"github.com/koscakluka/ema-voice/core/audio/miniaudio"
	"github.com/koscakluka/ema-voice/core/audio/portaudio"
	"github.com/koscakluka/ema-voice/core/llms"
	"github.com/koscakluka/ema-voice/core/llms/groq"
	llmopenai "github.com/koscakluka/ema-voice/core/llms/openai"
	"github.com/koscakluka/ema-voice/core/playback"
	dgstt "github.com/koscakluka/ema-voice/core/speechtotext/deepgram"
	"github.com/koscakluka/ema-voice/core/texttospeech"
	dgtts "github.com/koscakluka/ema-voice/core/texttospeech/deepgram"
	"github.com/koscakluka/ema-voice/core/texttospeech/local"
	ttsopenai "github.com/koscakluka/ema-voice/core/texttospeech/openai"
	"github.com/koscakluka/ema-voice/core/transcription"
	"github.com/koscakluka/ema-voice/internal/config"
)

// device is a microphone and speaker pair.
type device interface {
	transcription.Capture
	playback.Player
	Close()
}

func openDevice(cfg config.Audio) (device, error) {
	if cfg.Backend == config.BackendPortaudio {
		client, err := portaudio.NewClient(cfg.BufferSize)
		if err != nil {
			return nil, err
		}
		return client, nil
	}
	client, err := miniaudio.NewClient()
	if err != nil {
		return nil, err
	}
	return client, nil
}

func newCompletionClient(cfg config.LLM) (orchestration.CompletionClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("no api key for %s completions", cfg.Provider)
	}

	completionOptions := []llms.CompletionOption{llms.WithTemperature(cfg.Temperature)}
	if cfg.Model != "" {
		completionOptions = append(completionOptions, llms.WithModel(cfg.Model))
	}

	switch cfg.Provider {
	case config.ProviderGroq:
		opts := []groq.ClientOption{groq.WithCompletionOptions(completionOptions...)}
		if cfg.BaseURL != "" {
			opts = append(opts, groq.WithURL(cfg.BaseURL))
		}
		return groq.NewClient(cfg.APIKey, opts...), nil
	default:
		opts := []llmopenai.ClientOption{llmopenai.WithCompletionOptions(completionOptions...)}
		if cfg.BaseURL != "" {
			opts = append(opts, llmopenai.WithBaseURL(cfg.BaseURL))
		}
		if cfg.MaxRetries > 0 {
			opts = append(opts, llmopenai.WithMaxRetries(cfg.MaxRetries))
		}
		return llmopenai.NewClient(cfg.APIKey, opts...), nil
	}
}

// newSynthesizer returns nil without error when speech is turned off.
func newSynthesizer(cfg config.Speech) (texttospeech.Synthesizer, error) {
	switch cfg.Provider {
	case config.ProviderNone:
		return nil, nil
	case config.ProviderDeepgram:
		voice, err := dgtts.ParseVoice(cfg.Voice)
		if err != nil {
			return nil, err
		}
		client, err := dgtts.NewTextToSpeechClient(voice, dgtts.WithAPIKey(cfg.APIKey))
		if err != nil {
			return nil, err
		}
		return client, nil
	default:
		if cfg.APIKey == "" {
			return nil, errors.New("no api key for openai speech")
		}
		return ttsopenai.NewSynthesizer(cfg.APIKey,
			ttsopenai.WithModel(cfg.Model),
			ttsopenai.WithVoice(cfg.Voice),
			ttsopenai.WithSpeed(cfg.Speed),
		), nil
	}
}

// newFallbackSpeaker returns nil when no local engine is available.
func newFallbackSpeaker(cfg config.Speech) texttospeech.Speaker {
	if cfg.FallbackDisabled() {
		return nil
	}
	var opts []local.SpeakerOption
	if len(cfg.Fallback) > 0 {
		opts = append(opts, local.WithCommand(cfg.Fallback[0], cfg.Fallback[1:]...))
	}
	speaker, err := local.NewSpeaker(opts...)
	if err != nil {
		slog.Warn("fallback speech disabled", "error", err)
		return nil
	}
	return speaker
}

type pipeline struct {
	orchestrator *orchestration.Orchestrator
	device       device
}

func (p *pipeline) Close() {
	p.orchestrator.Close()
	if p.device != nil {
		p.device.Close()
	}
}

func newPipeline(cfg config.Config) (*pipeline, error) {
	llm, err := newCompletionClient(cfg.LLM)
	if err != nil {
		return nil, err
	}

	opts := []orchestration.OrchestratorOption{
		orchestration.WithCompletionClient(llm),
		orchestration.WithContextSize(cfg.Conversation.ContextSize),
		orchestration.WithResumeDelay(cfg.Conversation.ResumeDelay.Std()),
		orchestration.WithMaxConcurrentSynthesis(cfg.Speech.MaxConcurrent),
	}
	if cfg.Conversation.SystemPrompt != "" {
		opts = append(opts, orchestration.WithSystemPrompt(cfg.Conversation.SystemPrompt))
	}
	if cfg.Conversation.Greeting != nil {
		opts = append(opts, orchestration.WithGreeting(*cfg.Conversation.Greeting))
	}

	p := &pipeline{}
	dev, err := openDevice(cfg.Audio)
	if err != nil {
		slog.Warn("audio device unavailable, continuing text only", "error", err)
	} else {
		p.device = dev
		opts = append(opts, orchestration.WithPlayer(dev))
	}

	if p.device != nil {
		synthesizer, err := newSynthesizer(cfg.Speech)
		if err != nil {
			p.device.Close()
			return nil, fmt.Errorf("failed to create synthesizer: %w", err)
		}
		if synthesizer != nil {
			opts = append(opts, orchestration.WithSynthesizer(synthesizer))
		}
		if fallback := newFallbackSpeaker(cfg.Speech); fallback != nil {
			opts = append(opts, orchestration.WithFallbackSpeaker(fallback))
		}
	}

	if p.device != nil && cfg.Transcription.Provider == config.ProviderDeepgram {
		recognizer, err := dgstt.NewTranscriptionClient(
			dgstt.WithAPIKey(cfg.Transcription.APIKey),
			dgstt.WithModel(cfg.Transcription.Model),
		)
		if err != nil {
			slog.Warn("transcription disabled", "error", err)
		} else {
			opts = append(opts, orchestration.WithTranscription(p.device, recognizer,
				transcription.WithSilenceWindow(cfg.Transcription.SilenceWindow.Std()),
				transcription.WithLanguage(cfg.Transcription.Language),
				transcription.WithRestartPolicy(transcription.RestartPolicy{
					Delay:       cfg.Transcription.RestartDelay.Std(),
					MaxAttempts: cfg.Transcription.MaxRestarts,
				}),
			))
		}
	}

	p.orchestrator = orchestration.NewOrchestrator(opts...)
	return p, nil
}
