package texttospeech

import (
	"context"
	"errors"

	"github.com/koscakluka/ema-voice/core/audio"
)

var ErrEmptyText = errors.New("nothing to synthesize")

// Synthesizer turns a piece of text into a playable clip. The caller owns the
// returned clip and must release it.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (*audio.Clip, error)
}

// Speaker speaks text directly, without producing a clip. It is used as a
// fallback when synthesis is unavailable.
type Speaker interface {
	// Speak blocks until text was spoken, ctx was cancelled or Cancel was
	// called.
	Speak(ctx context.Context, text string) error
	Cancel()
}

type SpeechOptions struct {
	// SpeechStartedCallback is called when a speaker starts speaking
	SpeechStartedCallback func()
	// SpeechEndedCallback is called when a speaker finished speaking, also when
	// it was cancelled
	SpeechEndedCallback func()
	// ErrorCallback is called when speech fails
	ErrorCallback func(error)

	EncodingInfo audio.EncodingInfo
}

type SpeechOption func(*SpeechOptions)

func NewSpeechOptions(defaultEncoding audio.EncodingInfo, opts ...SpeechOption) SpeechOptions {
	options := SpeechOptions{
		SpeechStartedCallback: func() {},
		SpeechEndedCallback:   func() {},
		ErrorCallback:         func(error) {},
		EncodingInfo:          defaultEncoding,
	}
	for _, opt := range opts {
		opt(&options)
	}
	return options
}

func WithSpeechStartedCallback(callback func()) SpeechOption {
	return func(o *SpeechOptions) {
		if callback != nil {
			o.SpeechStartedCallback = callback
		}
	}
}

func WithSpeechEndedCallback(callback func()) SpeechOption {
	return func(o *SpeechOptions) {
		if callback != nil {
			o.SpeechEndedCallback = callback
		}
	}
}

func WithErrorCallback(callback func(error)) SpeechOption {
	return func(o *SpeechOptions) {
		if callback != nil {
			o.ErrorCallback = callback
		}
	}
}

func WithEncodingInfo(encodingInfo audio.EncodingInfo) SpeechOption {
	return func(o *SpeechOptions) {
		if encodingInfo.IsZero() {
			return
		}
		o.EncodingInfo = encodingInfo
	}
}
