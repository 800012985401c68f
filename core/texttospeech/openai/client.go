// Package openai synthesizes speech with the OpenAI speech endpoint.
package openai

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/koscakluka/ema-voice/core/audio"
	"github.com/koscakluka/ema-voice/core/texttospeech"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	DefaultModel = openai.SpeechModelTTS1
	DefaultVoice = openai.AudioSpeechNewParamsVoiceAlloy
	DefaultSpeed = 1.0
)

type Synthesizer struct {
	client openai.Client

	model string
	voice openai.AudioSpeechNewParamsVoice
	speed float64
}

type SynthesizerOption func(*synthesizerConfig)

type synthesizerConfig struct {
	requestOptions []option.RequestOption
	model          string
	voice          string
	speed          float64
}

func WithBaseURL(url string) SynthesizerOption {
	return func(c *synthesizerConfig) {
		c.requestOptions = append(c.requestOptions, option.WithBaseURL(url))
	}
}

func WithMaxRetries(retries int) SynthesizerOption {
	return func(c *synthesizerConfig) {
		c.requestOptions = append(c.requestOptions, option.WithMaxRetries(retries))
	}
}

func WithModel(model string) SynthesizerOption {
	return func(c *synthesizerConfig) {
		if model != "" {
			c.model = model
		}
	}
}

func WithVoice(voice string) SynthesizerOption {
	return func(c *synthesizerConfig) {
		if voice != "" {
			c.voice = voice
		}
	}
}

// WithSpeed sets the speaking rate. Values outside 0.25 to 4 are ignored.
func WithSpeed(speed float64) SynthesizerOption {
	return func(c *synthesizerConfig) {
		if speed >= 0.25 && speed <= 4 {
			c.speed = speed
		}
	}
}

func NewSynthesizer(apiKey string, opts ...SynthesizerOption) *Synthesizer {
	config := synthesizerConfig{
		model: DefaultModel,
		voice: string(DefaultVoice),
		speed: DefaultSpeed,
	}
	for _, opt := range opts {
		opt(&config)
	}

	requestOptions := append([]option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(&http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport,
			otelhttp.WithSpanNameFormatter(func(operationName string, request *http.Request) string {
				return operationName + " " + request.URL.Path
			}),
		)}),
	}, config.requestOptions...)

	return &Synthesizer{
		client: openai.NewClient(requestOptions...),
		model:  config.model,
		voice:  openai.AudioSpeechNewParamsVoice(config.voice),
		speed:  config.speed,
	}
}

// Synthesize requests raw PCM for text. The clip is 24 kHz linear16 mono.
func (s *Synthesizer) Synthesize(ctx context.Context, text string) (*audio.Clip, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, texttospeech.ErrEmptyText
	}

	ctx, span := tracer.Start(ctx, "synthesize speech")
	defer span.End()
	span.SetAttributes(
		attribute.String("request.model", s.model),
		attribute.String("request.voice", string(s.voice)),
		attribute.Int("request.text_length", len(text)),
	)

	data, err := s.synthesize(ctx, text)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Warn("speech synthesis failed", "error", err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("response.bytes", len(data)))

	return audio.NewClip(data, audio.GetSynthesisEncodingInfo(), audio.WithText(text)), nil
}

func (s *Synthesizer) synthesize(ctx context.Context, text string) ([]byte, error) {
	resp, err := s.client.Audio.Speech.New(ctx, openai.AudioSpeechNewParams{
		Input:          text,
		Model:          s.model,
		Voice:          s.voice,
		Speed:          openai.Float(s.speed),
		ResponseFormat: openai.AudioSpeechNewParamsResponseFormatPCM,
	})
	if err != nil {
		return nil, fmt.Errorf("error requesting speech: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("error reading speech: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("speech response was empty")
	}
	return data, nil
}
