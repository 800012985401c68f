package llms

import "context"

// Stream is a lazily started completion. The request is only sent once
// Chunks is ranged over, and cancelling ctx aborts it.
type Stream interface {
	Chunks(context.Context) func(func(StreamChunk, error) bool)
}

type StreamChunk interface {
	FinishReason() *string
}

type StreamContentChunk interface {
	StreamChunk
	Content() string
}

type StreamUsageChunk interface {
	StreamChunk
	Usage() Usage
}

type Usage struct {
	// InputTokens represents the number of input tokens.
	InputTokens int
	// OutputTokens represents the number of output tokens.
	OutputTokens int
	// TotalTokens represents the total number of tokens used.
	TotalTokens int
}

// StreamFunc adapts a plain function to a [Stream].
type StreamFunc func(context.Context) func(func(StreamChunk, error) bool)

func (f StreamFunc) Chunks(ctx context.Context) func(func(StreamChunk, error) bool) {
	return f(ctx)
}

// ErrorStream returns a stream that yields err and ends.
func ErrorStream(err error) Stream {
	return StreamFunc(func(context.Context) func(func(StreamChunk, error) bool) {
		return func(yield func(StreamChunk, error) bool) {
			yield(nil, err)
		}
	})
}

// ContentChunk is a text delta. Adapters share it so that consumers only
// need to know about the interfaces above.
type ContentChunk struct {
	Text   string
	Finish *string
}

func (c ContentChunk) FinishReason() *string {
	return c.Finish
}

func (c ContentChunk) Content() string {
	return c.Text
}

type UsageChunk struct {
	Counts Usage
	Finish *string
}

func (c UsageChunk) FinishReason() *string {
	return c.Finish
}

func (c UsageChunk) Usage() Usage {
	return c.Counts
}

// Tokens ranges over stream and yields only its text deltas. Iteration ends at
// the first error.
func Tokens(ctx context.Context, stream Stream) func(func(string, error) bool) {
	return func(yield func(string, error) bool) {
		for chunk, err := range stream.Chunks(ctx) {
			if err != nil {
				yield("", err)
				return
			}
			content, ok := chunk.(StreamContentChunk)
			if !ok || content.Content() == "" {
				continue
			}
			if !yield(content.Content(), nil) {
				return
			}
		}
	}
}
