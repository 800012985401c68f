package speechtotext

import "github.com/koscakluka/ema-voice/core/audio"

type RecognitionOptions struct {
	// Continuous keeps the recognizer running across pauses in speech
	// instead of ending after the first utterance.
	Continuous bool
	// InterimResults requests non-final results for live display.
	InterimResults bool
	// Language is a BCP-47 tag, e.g. en-US.
	Language string

	// ResultCallback receives every result event of the segment.
	ResultCallback func(ResultEvent)
	// ErrorCallback receives engine errors, see [RecognitionError].
	ErrorCallback func(error)
	// EndCallback is called once when the segment ends, whether it was
	// stopped or the engine ended it on its own.
	EndCallback func()

	EncodingInfo audio.EncodingInfo
}

type RecognitionOption func(*RecognitionOptions)

// NewRecognitionOptions applies opts on top of the defaults. Unset callbacks
// are replaced by no-ops so adapters can call them unconditionally.
func NewRecognitionOptions(opts ...RecognitionOption) RecognitionOptions {
	options := RecognitionOptions{
		Continuous:     true,
		InterimResults: true,
		Language:       "en-US",
		EncodingInfo:   audio.GetDefaultEncodingInfo(),
	}
	for _, opt := range opts {
		opt(&options)
	}

	if options.ResultCallback == nil {
		options.ResultCallback = func(ResultEvent) {}
	}
	if options.ErrorCallback == nil {
		options.ErrorCallback = func(error) {}
	}
	if options.EndCallback == nil {
		options.EndCallback = func() {}
	}
	return options
}

func WithContinuous(continuous bool) RecognitionOption {
	return func(o *RecognitionOptions) {
		o.Continuous = continuous
	}
}

func WithInterimResults(interimResults bool) RecognitionOption {
	return func(o *RecognitionOptions) {
		o.InterimResults = interimResults
	}
}

func WithLanguage(language string) RecognitionOption {
	return func(o *RecognitionOptions) {
		if language == "" {
			return
		}
		o.Language = language
	}
}

func WithResultCallback(callback func(ResultEvent)) RecognitionOption {
	return func(o *RecognitionOptions) {
		o.ResultCallback = callback
	}
}

func WithErrorCallback(callback func(error)) RecognitionOption {
	return func(o *RecognitionOptions) {
		o.ErrorCallback = callback
	}
}

func WithEndCallback(callback func()) RecognitionOption {
	return func(o *RecognitionOptions) {
		o.EndCallback = callback
	}
}

func WithEncodingInfo(encodingInfo audio.EncodingInfo) RecognitionOption {
	return func(o *RecognitionOptions) {
		if encodingInfo.IsZero() {
			return
		}
		o.EncodingInfo = encodingInfo
	}
}
