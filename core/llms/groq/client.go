// Package groq streams chat completions from Groq's OpenAI compatible API.
package groq

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/koscakluka/ema-voice/core/llms"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultURL         = "https://api.groq.com/openai/v1/chat/completions"
	DefaultModel       = "llama-3.1-8b-instant"
	DefaultTemperature = 0.35

	endMessage  = "[DONE]"
	chunkPrefix = "data:"
)

type Client struct {
	apiKey  string
	url     string
	client  *http.Client
	options llms.CompletionOptions

	tokens metric.Int64Counter
}

type ClientOption func(*Client)

func WithURL(url string) ClientOption {
	return func(c *Client) {
		c.url = url
	}
}

func WithCompletionOptions(opts ...llms.CompletionOption) ClientOption {
	return func(c *Client) {
		c.options = llms.NewCompletionOptions(c.options.Model, *c.options.Temperature, opts...)
	}
}

func NewClient(apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		apiKey: apiKey,
		url:    DefaultURL,
		client: &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport,
			otelhttp.WithSpanNameFormatter(func(operationName string, request *http.Request) string {
				return operationName + " " + request.URL.Path
			}),
		)},
		options: llms.NewCompletionOptions(DefaultModel, DefaultTemperature),
	}
	for _, opt := range opts {
		opt(c)
	}

	tokens, err := meter.Int64Counter("llm.tokens",
		metric.WithDescription("Tokens used by streamed completions"),
	)
	if err != nil {
		logger.Warn("failed to create token counter", "error", err)
	}
	c.tokens = tokens
	return c
}

func (c *Client) Stream(_ context.Context, messages []llms.Message) llms.Stream {
	return &Stream{client: c, messages: toMessages(messages)}
}

type Stream struct {
	client   *Client
	messages []message
}

func (s *Stream) Chunks(ctx context.Context) func(func(llms.StreamChunk, error) bool) {
	requestToFirstTokenTime := time.Time{}
	setRequestToFirstTokenTime := func(span trace.Span) {
		if requestToFirstTokenTime.IsZero() {
			return
		}
		span.SetAttributes(attribute.Float64("response.request_to_first_token_time", time.Since(requestToFirstTokenTime).Seconds()))
		span.AddEvent("received first chunk")
		requestToFirstTokenTime = time.Time{}
	}

	return func(yield func(llms.StreamChunk, error) bool) {
		ctx, span := tracer.Start(ctx, "prompt llm stream")
		defer span.End()
		options := s.client.options
		span.SetAttributes(attribute.String("request.model", options.Model))

		fail := func(err error) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			yield(nil, err)
		}

		reqBody := requestBody{
			Model:       options.Model,
			Messages:    s.messages,
			Stream:      true,
			Temperature: options.Temperature,
		}
		if options.MaxTokens > 0 {
			reqBody.MaxCompletionTokens = &options.MaxTokens
		}

		requestBodyBytes, err := json.Marshal(reqBody)
		if err != nil {
			fail(fmt.Errorf("error marshalling JSON: %w", err))
			return
		}

		req, err := http.NewRequestWithContext(ctx, "POST", s.client.url, bytes.NewBuffer(requestBodyBytes))
		if err != nil {
			fail(fmt.Errorf("error creating HTTP request: %w", err))
			return
		}

		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+s.client.apiKey)

		span.SetAttributes(attribute.String("request.url", req.URL.String()))
		requestToFirstTokenTime = time.Now()
		span.AddEvent("request started")
		resp, err := s.client.client.Do(req)
		if err != nil {
			fail(fmt.Errorf("error sending request: %w", err))
			return
		}
		defer resp.Body.Close()

		span.SetAttributes(attribute.Int("response.status_code", resp.StatusCode))
		if resp.StatusCode != http.StatusOK {
			if errorBody, err := io.ReadAll(resp.Body); err != nil {
				span.RecordError(fmt.Errorf("error reading error body: %w", err))
			} else {
				span.SetAttributes(attribute.String("response.error", string(errorBody)))
			}
			fail(fmt.Errorf("non-OK HTTP status: %s", resp.Status))
			return
		}

		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			chunk := strings.TrimSpace(strings.TrimPrefix(scanner.Text(), chunkPrefix))
			setRequestToFirstTokenTime(span)

			if len(chunk) == 0 {
				continue
			}

			if chunk == endMessage {
				break
			}

			var responseBody streamingResponseBody
			if err := json.Unmarshal([]byte(chunk), &responseBody); err != nil {
				err = fmt.Errorf("error unmarshalling JSON: %w", err)
				span.RecordError(err)
				if !yield(nil, err) {
					return
				}
				continue
			}

			var finishReason *string
			if len(responseBody.Choices) > 0 {
				choice := responseBody.Choices[0]
				finishReason = choice.FinishReason
				if choice.Delta.Content != "" || finishReason != nil {
					if !yield(llms.ContentChunk{Text: choice.Delta.Content, Finish: finishReason}, nil) {
						return
					}
				}
			}

			usage := responseBody.Usage
			if usage == nil && responseBody.XGroq != nil {
				usage = responseBody.XGroq.Usage
			}
			if usage != nil {
				span.SetAttributes(
					attribute.Int("usage.input", usage.PromptTokens),
					attribute.Int("usage.output", usage.CompletionTokens),
					attribute.Int("usage.total", usage.TotalTokens),
					attribute.Float64("usage.queue_time", usage.QueueTime),
					attribute.Float64("usage.total_time", usage.TotalTime),
				)
				if s.client.tokens != nil {
					s.client.tokens.Add(ctx, int64(usage.TotalTokens),
						metric.WithAttributes(attribute.String("model", options.Model)))
				}
				if !yield(llms.UsageChunk{
					Finish: finishReason,
					Counts: llms.Usage{
						InputTokens:  usage.PromptTokens,
						OutputTokens: usage.CompletionTokens,
						TotalTokens:  usage.TotalTokens,
					},
				}, nil) {
					return
				}
			}
		}

		if err := scanner.Err(); err != nil {
			fail(fmt.Errorf("error reading streamed response: %w", err))
			return
		}
	}
}

type requestBody struct {
	Model               string    `json:"model"`
	Messages            []message `json:"messages"`
	Stream              bool      `json:"stream"`
	Temperature         *float64  `json:"temperature,omitempty"`
	MaxCompletionTokens *int      `json:"max_completion_tokens,omitempty"`
}

type streamingUsage struct {
	QueueTime        float64 `json:"queue_time"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	TotalTime        float64 `json:"total_time"`
}

type streamingResponseBody struct {
	Choices []struct {
		Delta struct {
			Role    string `json:"role,omitempty"`
			Content string `json:"content,omitempty"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason,omitempty"`
	} `json:"choices"`
	Usage *streamingUsage `json:"usage"`
	XGroq *struct {
		Usage *streamingUsage `json:"usage"`
	} `json:"x_groq"`
}
