package llms

// CompletionOptions configure a completion client. Zero values mean the
// client's default.
type CompletionOptions struct {
	Model       string
	Temperature *float64
	MaxTokens   int
}

type CompletionOption func(*CompletionOptions)

func NewCompletionOptions(defaultModel string, defaultTemperature float64, opts ...CompletionOption) CompletionOptions {
	options := CompletionOptions{
		Model:       defaultModel,
		Temperature: &defaultTemperature,
	}
	for _, opt := range opts {
		opt(&options)
	}
	return options
}

func WithModel(model string) CompletionOption {
	return func(opts *CompletionOptions) {
		if model != "" {
			opts.Model = model
		}
	}
}

func WithTemperature(temperature float64) CompletionOption {
	return func(opts *CompletionOptions) {
		opts.Temperature = &temperature
	}
}

// WithMaxTokens caps the length of a response. Zero leaves it to the model.
func WithMaxTokens(tokens int) CompletionOption {
	return func(opts *CompletionOptions) {
		opts.MaxTokens = tokens
	}
}
