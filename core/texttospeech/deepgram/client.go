// Package deepgram synthesizes speech through Deepgram's streaming speak API.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/koscakluka/ema-voice/core/audio"
	"github.com/koscakluka/ema-voice/core/texttospeech"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var ErrMissingAPIKey = errors.New("deepgram api key not found")

type TextToSpeechClient struct {
	apiKey   string
	endpoint url.URL
	voice    deepgramVoice
	options  texttospeech.SpeechOptions
	dialer   *websocket.Dialer
}

type ClientOption func(*TextToSpeechClient)

// WithAPIKey overrides the DEEPGRAM_API_KEY environment variable.
func WithAPIKey(apiKey string) ClientOption {
	return func(c *TextToSpeechClient) {
		if apiKey != "" {
			c.apiKey = apiKey
		}
	}
}

func WithEndpoint(endpoint url.URL) ClientOption {
	return func(c *TextToSpeechClient) {
		c.endpoint = endpoint
	}
}

func WithSpeechOptions(opts ...texttospeech.SpeechOption) ClientOption {
	return func(c *TextToSpeechClient) {
		for _, opt := range opts {
			opt(&c.options)
		}
	}
}

func NewTextToSpeechClient(voice deepgramVoice, opts ...ClientOption) (*TextToSpeechClient, error) {
	if voice == "" {
		voice = defaultVoice
	}
	if !slices.Contains(GetAvailableVoices(), voice) {
		return nil, fmt.Errorf("invalid voice %q", voice)
	}

	client := &TextToSpeechClient{
		apiKey:   os.Getenv("DEEPGRAM_API_KEY"),
		endpoint: url.URL{Scheme: "wss", Host: "api.deepgram.com", Path: "/v1/speak"},
		voice:    voice,
		options:  texttospeech.NewSpeechOptions(audio.GetSynthesisEncodingInfo()),
		dialer:   websocket.DefaultDialer,
	}
	for _, opt := range opts {
		opt(client)
	}
	if client.apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	return client, nil
}

func (c *TextToSpeechClient) SetVoice(voice deepgramVoice) {
	c.voice = voice
}

// Synthesize opens a speak socket, sends text followed by a flush and collects
// the streamed audio until Deepgram confirms the flush.
func (c *TextToSpeechClient) Synthesize(ctx context.Context, text string) (*audio.Clip, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, texttospeech.ErrEmptyText
	}

	ctx, span := tracer.Start(ctx, "synthesize speech")
	defer span.End()
	span.SetAttributes(
		attribute.String("request.voice", string(c.voice)),
		attribute.Int("request.text_length", len(text)),
	)

	data, err := c.synthesize(ctx, text)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("response.bytes", len(data)))
	return audio.NewClip(data, c.options.EncodingInfo, audio.WithText(text)), nil
}

func (c *TextToSpeechClient) synthesize(ctx context.Context, text string) ([]byte, error) {
	conn, err := c.connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open websocket: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	defer stop()

	if err := conn.WriteJSON(speakMessage{Type: "Speak", Text: text}); err != nil {
		return nil, fmt.Errorf("failed to send text: %w", err)
	}
	if err := conn.WriteJSON(controlMessage{Type: "Flush"}); err != nil {
		return nil, fmt.Errorf("failed to flush: %w", err)
	}

	var data []byte
	for {
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("failed to read speech: %w", err)
		}

		switch msgType {
		case websocket.BinaryMessage:
			data = append(data, msg...)
		case websocket.TextMessage:
			var parsedMsg struct {
				Type        string `json:"type"`
				Description string `json:"description"`
			}
			if err := json.Unmarshal(msg, &parsedMsg); err != nil {
				logger.Debug("failed to unmarshal deepgram message", "error", err)
				continue
			}

			switch parsedMsg.Type {
			case "Flushed":
				if err := conn.WriteJSON(controlMessage{Type: "Close"}); err != nil {
					logger.Debug("failed to close speak socket", "error", err)
				}
				if len(data) == 0 {
					return nil, fmt.Errorf("deepgram returned no audio")
				}
				return data, nil
			case "Error":
				return nil, fmt.Errorf("deepgram error: %s", parsedMsg.Description)
			case "Warning":
				logger.Warn("deepgram warning", "description", parsedMsg.Description)
			}
		}
	}
}

func (c *TextToSpeechClient) connect(ctx context.Context) (*websocket.Conn, error) {
	urlValues := url.Values{}
	urlValues.Set("encoding", c.options.EncodingInfo.Format.Name())
	urlValues.Set("sample_rate", strconv.Itoa(c.options.EncodingInfo.SampleRate))
	urlValues.Set("model", string(c.voice))
	urlValues.Set("container", "none")

	endpoint := c.endpoint
	endpoint.RawQuery = urlValues.Encode()

	conn, resp, err := c.dialer.DialContext(ctx, endpoint.String(),
		http.Header{"Authorization": {"token " + c.apiKey}})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open socket connection to deepgram: %w", err)
	}
	return conn, nil
}

type speakMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type controlMessage struct {
	Type string `json:"type"`
}
