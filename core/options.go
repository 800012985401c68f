package orchestration

import (
	"context"
	"time"

	"github.com/koscakluka/ema-voice/core/events"
	"github.com/koscakluka/ema-voice/core/llms"
	"github.com/koscakluka/ema-voice/core/playback"
	"github.com/koscakluka/ema-voice/core/speechtotext"
	"github.com/koscakluka/ema-voice/core/texttospeech"
	"github.com/koscakluka/ema-voice/core/transcription"
)

const (
	DefaultContextSize = 8
	// DefaultResumeDelay is waited after playback ended before listening
	// again, so the tail of the last clip is not picked up.
	DefaultResumeDelay = 300 * time.Millisecond
)

// CompletionClient opens streaming completions. The request is cancelled
// through the context passed to the returned stream's Chunks.
type CompletionClient interface {
	Stream(ctx context.Context, messages []llms.Message) llms.Stream
}

// EventHandler receives every pipeline event. HandleEvent is called
// synchronously and must not block.
type EventHandler interface {
	HandleEvent(events.Event)
}

type EventHandlerFunc func(events.Event)

func (f EventHandlerFunc) HandleEvent(event events.Event) {
	f(event)
}

type OrchestratorOption func(*Orchestrator)

func WithCompletionClient(client CompletionClient) OrchestratorOption {
	return func(o *Orchestrator) {
		o.llm = client
	}
}

func WithSynthesizer(synthesizer texttospeech.Synthesizer) OrchestratorOption {
	return func(o *Orchestrator) {
		o.synthesizer = synthesizer
	}
}

// WithFallbackSpeaker sets the speaker used when synthesis fails before any
// audio was played.
func WithFallbackSpeaker(speaker texttospeech.Speaker) OrchestratorOption {
	return func(o *Orchestrator) {
		o.fallback = speaker
	}
}

// WithPlayer sets the device the playback queue plays clips on.
func WithPlayer(player playback.Player) OrchestratorOption {
	return func(o *Orchestrator) {
		o.player = player
	}
}

// WithTranscription configures the capture device and recognizer of the
// transcription session. The orchestrator registers its own turn end, error
// and state callbacks after opts, so those take precedence.
func WithTranscription(capture transcription.Capture, recognizer speechtotext.Recognizer, opts ...transcription.SessionOption) OrchestratorOption {
	return func(o *Orchestrator) {
		o.sessionOptions = append(o.sessionOptions,
			transcription.WithCapture(capture),
			transcription.WithRecognizer(recognizer),
		)
		o.sessionOptions = append(o.sessionOptions, opts...)
	}
}

func WithSystemPrompt(prompt string) OrchestratorOption {
	return func(o *Orchestrator) {
		o.systemPrompt = prompt
	}
}

// WithGreeting sets the assistant message a new conversation starts with.
// An empty greeting starts conversations empty.
func WithGreeting(greeting string) OrchestratorOption {
	return func(o *Orchestrator) {
		o.greeting = greeting
	}
}

// WithContextSize sets how many recent messages are sent with each request.
func WithContextSize(size int) OrchestratorOption {
	return func(o *Orchestrator) {
		if size > 0 {
			o.contextSize = size
		}
	}
}

func WithResumeDelay(delay time.Duration) OrchestratorOption {
	return func(o *Orchestrator) {
		if delay >= 0 {
			o.resumeDelay = delay
		}
	}
}

func WithMaxConcurrentSynthesis(n int) OrchestratorOption {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxConcurrentSynthesis = n
		}
	}
}

type OrchestrateOptions struct {
	eventHandler EventHandler

	onTranscript  func(transcript string)
	onTurnEnd     func(transcript string)
	onResponse    func(segment string)
	onResponseEnd func()
	onMessages    func(messages []ChatMessage)
	onStatus      func(status Status)
	onWarning     func(warning string)
}

type OrchestrateOption func(*OrchestrateOptions)

// WithEventHandler registers a handler that receives every event.
func WithEventHandler(handler EventHandler) OrchestrateOption {
	return func(o *OrchestrateOptions) {
		o.eventHandler = handler
	}
}

// WithTranscriptCallback registers a callback for the live transcript.
func WithTranscriptCallback(callback func(transcript string)) OrchestrateOption {
	return func(o *OrchestrateOptions) {
		o.onTranscript = callback
	}
}

// WithTurnEndCallback registers a callback for transcripts that ended a
// user turn.
func WithTurnEndCallback(callback func(transcript string)) OrchestrateOption {
	return func(o *OrchestrateOptions) {
		o.onTurnEnd = callback
	}
}

func WithResponseCallback(callback func(segment string)) OrchestrateOption {
	return func(o *OrchestrateOptions) {
		o.onResponse = callback
	}
}

func WithResponseEndCallback(callback func()) OrchestrateOption {
	return func(o *OrchestrateOptions) {
		o.onResponseEnd = callback
	}
}

// WithMessagesCallback registers a callback that receives a snapshot of the
// conversation whenever a message is appended or changes.
func WithMessagesCallback(callback func(messages []ChatMessage)) OrchestrateOption {
	return func(o *OrchestrateOptions) {
		o.onMessages = callback
	}
}

func WithStatusCallback(callback func(status Status)) OrchestrateOption {
	return func(o *OrchestrateOptions) {
		o.onStatus = callback
	}
}

func WithWarningCallback(callback func(warning string)) OrchestrateOption {
	return func(o *OrchestrateOptions) {
		o.onWarning = callback
	}
}
