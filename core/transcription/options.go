package transcription

import (
	"context"
	"time"

	"github.com/koscakluka/ema-voice/core/audio"
	"github.com/koscakluka/ema-voice/core/speechtotext"
)

// Capture is a microphone. onAudio is called with raw frames in the
// device's encoding until StopCapture is called.
type Capture interface {
	StartCapture(ctx context.Context, onAudio func(audio []byte)) error
	StopCapture() error
}

// EncodingInfoProvider is implemented by captures that know their encoding.
type EncodingInfoProvider interface {
	EncodingInfo() audio.EncodingInfo
}

type SessionOption func(*Session)

func WithCapture(capture Capture) SessionOption {
	return func(s *Session) {
		s.capture = capture
	}
}

func WithRecognizer(recognizer speechtotext.Recognizer) SessionOption {
	return func(s *Session) {
		s.recognizer = recognizer
	}
}

// WithSilenceWindow sets how long after the last finalized phrase a turn is
// considered finished.
func WithSilenceWindow(window time.Duration) SessionOption {
	return func(s *Session) {
		if window > 0 {
			s.silenceWindow = window
		}
	}
}

func WithRestartPolicy(policy RestartPolicy) SessionOption {
	return func(s *Session) {
		s.restartPolicy = policy
	}
}

func WithLanguage(language string) SessionOption {
	return func(s *Session) {
		s.language = language
	}
}

// WithTurnEndCallback is called with the current transcript when the silence
// window elapses after a finalized phrase.
func WithTurnEndCallback(callback func(transcript string)) SessionOption {
	return func(s *Session) {
		s.onTurnEnd = callback
	}
}

// WithTranscriptCallback is called whenever the live transcript changes.
func WithTranscriptCallback(callback func(transcript string)) SessionOption {
	return func(s *Session) {
		s.onTranscript = callback
	}
}

// WithErrorCallback receives session level errors, i.e. start failures and
// unrecoverable recognizer errors.
func WithErrorCallback(callback func(error)) SessionOption {
	return func(s *Session) {
		s.onError = callback
	}
}

func WithStateCallback(callback func(State)) SessionOption {
	return func(s *Session) {
		s.onState = callback
	}
}

func withClock(c clock) SessionOption {
	return func(s *Session) {
		s.clock = c
	}
}
