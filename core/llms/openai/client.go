// Package openai streams chat completions from the OpenAI API.
package openai

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/koscakluka/ema-voice/core/llms"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	DefaultModel       = "gpt-4o-mini"
	DefaultTemperature = 0.35
)

type Client struct {
	client  openai.Client
	options llms.CompletionOptions
}

type ClientOption func(*clientConfig)

type clientConfig struct {
	requestOptions    []option.RequestOption
	completionOptions []llms.CompletionOption
}

// WithBaseURL points the client at an OpenAI compatible endpoint.
func WithBaseURL(url string) ClientOption {
	return func(c *clientConfig) {
		c.requestOptions = append(c.requestOptions, option.WithBaseURL(url))
	}
}

func WithMaxRetries(retries int) ClientOption {
	return func(c *clientConfig) {
		c.requestOptions = append(c.requestOptions, option.WithMaxRetries(retries))
	}
}

func WithCompletionOptions(opts ...llms.CompletionOption) ClientOption {
	return func(c *clientConfig) {
		c.completionOptions = append(c.completionOptions, opts...)
	}
}

func NewClient(apiKey string, opts ...ClientOption) *Client {
	config := clientConfig{}
	for _, opt := range opts {
		opt(&config)
	}

	requestOptions := append([]option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(newHTTPClient()),
	}, config.requestOptions...)

	return &Client{
		client:  openai.NewClient(requestOptions...),
		options: llms.NewCompletionOptions(DefaultModel, DefaultTemperature, config.completionOptions...),
	}
}

func newHTTPClient() *http.Client {
	return &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport,
		otelhttp.WithSpanNameFormatter(func(operationName string, request *http.Request) string {
			return operationName + " " + request.URL.Path
		}),
	)}
}

// Stream prepares a streamed chat completion for messages. Nothing is sent
// before the returned stream is ranged over.
func (c *Client) Stream(_ context.Context, messages []llms.Message) llms.Stream {
	return &Stream{
		client:   c.client,
		options:  c.options,
		messages: toOpenAIMessages(messages),
	}
}

type Stream struct {
	client   openai.Client
	options  llms.CompletionOptions
	messages []openai.ChatCompletionMessageParamUnion
}

func (s *Stream) params() openai.ChatCompletionNewParams {
	params := openai.ChatCompletionNewParams{
		Model:    s.options.Model,
		Messages: s.messages,
		StreamOptions: openai.ChatCompletionStreamOptionsParam{
			IncludeUsage: openai.Bool(true),
		},
	}
	if s.options.Temperature != nil {
		params.Temperature = openai.Float(*s.options.Temperature)
	}
	if s.options.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(s.options.MaxTokens))
	}
	return params
}

func (s *Stream) Chunks(ctx context.Context) func(func(llms.StreamChunk, error) bool) {
	return func(yield func(llms.StreamChunk, error) bool) {
		ctx, span := tracer.Start(ctx, "prompt llm stream")
		defer span.End()
		span.SetAttributes(
			attribute.String("request.model", s.options.Model),
			attribute.Int("request.messages", len(s.messages)),
		)

		requestStarted := time.Now()
		firstToken := true
		stream := s.client.Chat.Completions.NewStreaming(ctx, s.params())
		defer stream.Close()

		for stream.Next() {
			chunk := stream.Current()

			if chunk.Usage.TotalTokens > 0 {
				span.SetAttributes(
					attribute.Int64("usage.input", chunk.Usage.PromptTokens),
					attribute.Int64("usage.output", chunk.Usage.CompletionTokens),
					attribute.Int64("usage.total", chunk.Usage.TotalTokens),
				)
				if !yield(llms.UsageChunk{Counts: llms.Usage{
					InputTokens:  int(chunk.Usage.PromptTokens),
					OutputTokens: int(chunk.Usage.CompletionTokens),
					TotalTokens:  int(chunk.Usage.TotalTokens),
				}}, nil) {
					return
				}
			}

			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]
			var finishReason *string
			if choice.FinishReason != "" {
				reason := choice.FinishReason
				finishReason = &reason
				span.SetAttributes(attribute.String("response.finish_reason", reason))
			}
			if choice.Delta.Content == "" && finishReason == nil {
				continue
			}

			if firstToken {
				firstToken = false
				span.SetAttributes(attribute.Float64("response.request_to_first_token_time", time.Since(requestStarted).Seconds()))
				span.AddEvent("received first chunk")
			}
			if !yield(llms.ContentChunk{Text: choice.Delta.Content, Finish: finishReason}, nil) {
				return
			}
		}

		if err := stream.Err(); err != nil {
			err = fmt.Errorf("error reading streamed response: %w", err)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			logger.Error("completion stream failed", "error", err)
			yield(nil, err)
		}
	}
}

func toOpenAIMessages(messages []llms.Message) []openai.ChatCompletionMessageParamUnion {
	converted := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, message := range messages {
		switch message.Role {
		case llms.RoleSystem:
			converted = append(converted, openai.SystemMessage(message.Content))
		case llms.RoleAssistant:
			converted = append(converted, openai.AssistantMessage(message.Content))
		default:
			converted = append(converted, openai.UserMessage(message.Content))
		}
	}
	return converted
}
