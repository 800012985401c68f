// Package config loads the settings of the ema-voice binary.
//
// Values are read from a YAML file first, then from a .env file and finally
// from the process environment, each layer overriding the previous one.
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	ProviderOpenAI   = "openai"
	ProviderGroq     = "groq"
	ProviderDeepgram = "deepgram"
	ProviderNone     = "none"

	BackendMiniaudio = "miniaudio"
	BackendPortaudio = "portaudio"
)

var ErrInvalid = errors.New("invalid config")

type Config struct {
	LLM           LLM           `yaml:"llm" json:"llm"`
	Speech        Speech        `yaml:"speech" json:"speech"`
	Transcription Transcription `yaml:"transcription" json:"transcription"`
	Conversation  Conversation  `yaml:"conversation" json:"conversation"`
	Audio         Audio         `yaml:"audio" json:"audio"`
}

type LLM struct {
	Provider    string  `yaml:"provider" json:"provider" jsonschema:"enum=openai,enum=groq,default=openai"`
	Model       string  `yaml:"model,omitempty" json:"model,omitempty" jsonschema:"example=gpt-4o-mini"`
	Temperature float64 `yaml:"temperature" json:"temperature" jsonschema:"minimum=0,maximum=2,default=0.35"`
	BaseURL     string  `yaml:"base_url,omitempty" json:"base_url,omitempty"`
	MaxRetries  int     `yaml:"max_retries,omitempty" json:"max_retries,omitempty" jsonschema:"minimum=0"`
	// APIKey is usually taken from OPENAI_API_KEY or GROQ_API_KEY.
	APIKey string `yaml:"api_key,omitempty" json:"api_key,omitempty"`
}

type Speech struct {
	Provider string  `yaml:"provider" json:"provider" jsonschema:"enum=openai,enum=deepgram,enum=none,default=openai"`
	Model    string  `yaml:"model,omitempty" json:"model,omitempty" jsonschema:"example=tts-1"`
	Voice    string  `yaml:"voice,omitempty" json:"voice,omitempty" jsonschema:"example=alloy"`
	Speed    float64 `yaml:"speed" json:"speed" jsonschema:"minimum=0.25,maximum=4,default=1"`
	APIKey   string  `yaml:"api_key,omitempty" json:"api_key,omitempty"`
	// MaxConcurrent bounds the synthesis calls in flight for one response.
	MaxConcurrent int `yaml:"max_concurrent" json:"max_concurrent" jsonschema:"minimum=1,default=3"`
	// Fallback is the command of the local speech engine used when synthesis
	// fails. Empty detects one, ["none"] disables the fallback.
	Fallback []string `yaml:"fallback,omitempty" json:"fallback,omitempty"`
}

type Transcription struct {
	Provider      string   `yaml:"provider" json:"provider" jsonschema:"enum=deepgram,enum=none,default=deepgram"`
	Model         string   `yaml:"model,omitempty" json:"model,omitempty" jsonschema:"example=nova-3"`
	Language      string   `yaml:"language,omitempty" json:"language,omitempty" jsonschema:"example=en-US"`
	SilenceWindow Duration `yaml:"silence_window" json:"silence_window" jsonschema:"type=string,default=1.5s"`
	RestartDelay  Duration `yaml:"restart_delay" json:"restart_delay" jsonschema:"type=string,default=250ms"`
	// MaxRestarts bounds consecutive restarts without a result, zero is
	// unlimited.
	MaxRestarts int    `yaml:"max_restarts" json:"max_restarts" jsonschema:"minimum=0"`
	APIKey      string `yaml:"api_key,omitempty" json:"api_key,omitempty"`
}

type Conversation struct {
	SystemPrompt string   `yaml:"system_prompt,omitempty" json:"system_prompt,omitempty"`
	Greeting     *string  `yaml:"greeting,omitempty" json:"greeting,omitempty"`
	ContextSize  int      `yaml:"context_size" json:"context_size" jsonschema:"minimum=1,default=8"`
	ResumeDelay  Duration `yaml:"resume_delay" json:"resume_delay" jsonschema:"type=string,default=300ms"`
}

type Audio struct {
	Backend    string `yaml:"backend" json:"backend" jsonschema:"enum=miniaudio,enum=portaudio,default=miniaudio"`
	BufferSize int    `yaml:"buffer_size" json:"buffer_size" jsonschema:"minimum=0"`
}

// Duration is a time.Duration written as "1.5s" in files and environment
// variables.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func Default() Config {
	return Config{
		// Empty models and voices select the provider's default, e.g.
		// gpt-4o-mini and tts-1 with alloy for OpenAI.
		LLM: LLM{
			Provider:    ProviderOpenAI,
			Temperature: 0.35,
		},
		Speech: Speech{
			Provider:      ProviderOpenAI,
			Speed:         1.0,
			MaxConcurrent: 3,
		},
		Transcription: Transcription{
			Provider:      ProviderDeepgram,
			SilenceWindow: Duration(1500 * time.Millisecond),
			RestartDelay:  Duration(250 * time.Millisecond),
		},
		Conversation: Conversation{
			ContextSize: 8,
			ResumeDelay: Duration(300 * time.Millisecond),
		},
		Audio: Audio{
			Backend: BackendMiniaudio,
		},
	}
}

type loadOptions struct {
	file    string
	envFile string
	lookup  func(string) (string, bool)
}

type LoadOption func(*loadOptions)

// WithFile reads path as YAML. A missing file is an error.
func WithFile(path string) LoadOption {
	return func(o *loadOptions) {
		o.file = path
	}
}

// WithEnvFile reads path as a dotenv file. A missing file is skipped.
func WithEnvFile(path string) LoadOption {
	return func(o *loadOptions) {
		o.envFile = path
	}
}

// WithLookup replaces os.LookupEnv.
func WithLookup(lookup func(string) (string, bool)) LoadOption {
	return func(o *loadOptions) {
		o.lookup = lookup
	}
}

func Load(opts ...LoadOption) (Config, error) {
	options := loadOptions{envFile: ".env", lookup: os.LookupEnv}
	for _, opt := range opts {
		opt(&options)
	}

	cfg := Default()
	if options.file != "" {
		data, err := os.ReadFile(options.file)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file %s: %w", options.file, err)
		}
	}

	dotenv := map[string]string{}
	if options.envFile != "" {
		values, err := godotenv.Read(options.envFile)
		switch {
		case err == nil:
			dotenv = values
		case errors.Is(err, os.ErrNotExist):
		default:
			return Config{}, fmt.Errorf("failed to read env file %s: %w", options.envFile, err)
		}
	}
	lookup := func(key string) (string, bool) {
		if value, ok := options.lookup(key); ok {
			return value, true
		}
		value, ok := dotenv[key]
		return value, ok
	}

	if err := cfg.applyEnv(lookup); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	str := func(key string, target *string) {
		if value, ok := lookup(key); ok && value != "" {
			*target = value
		}
	}
	number := func(key string, target *int) {
		if value, ok := lookup(key); ok && value != "" {
			parsed, err := strconv.Atoi(value)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*target = parsed
		}
	}
	float := func(key string, target *float64) {
		if value, ok := lookup(key); ok && value != "" {
			parsed, err := strconv.ParseFloat(value, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*target = parsed
		}
	}
	duration := func(key string, target *Duration) {
		if value, ok := lookup(key); ok && value != "" {
			parsed, err := time.ParseDuration(value)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*target = Duration(parsed)
		}
	}

	str("EMA_LLM_PROVIDER", &c.LLM.Provider)
	str("EMA_LLM_MODEL", &c.LLM.Model)
	float("EMA_LLM_TEMPERATURE", &c.LLM.Temperature)
	str("EMA_LLM_BASE_URL", &c.LLM.BaseURL)
	if c.LLM.APIKey == "" {
		switch c.LLM.Provider {
		case ProviderOpenAI:
			str("OPENAI_API_KEY", &c.LLM.APIKey)
		case ProviderGroq:
			str("GROQ_API_KEY", &c.LLM.APIKey)
		}
	}

	str("EMA_SPEECH_PROVIDER", &c.Speech.Provider)
	str("EMA_SPEECH_MODEL", &c.Speech.Model)
	str("EMA_SPEECH_VOICE", &c.Speech.Voice)
	float("EMA_SPEECH_SPEED", &c.Speech.Speed)
	number("EMA_SPEECH_MAX_CONCURRENT", &c.Speech.MaxConcurrent)
	if value, ok := lookup("EMA_SPEECH_FALLBACK"); ok && value != "" {
		c.Speech.Fallback = strings.Fields(value)
	}
	if c.Speech.APIKey == "" {
		switch c.Speech.Provider {
		case ProviderOpenAI:
			str("OPENAI_API_KEY", &c.Speech.APIKey)
		case ProviderDeepgram:
			str("DEEPGRAM_API_KEY", &c.Speech.APIKey)
		}
	}

	str("EMA_TRANSCRIPTION_PROVIDER", &c.Transcription.Provider)
	str("EMA_TRANSCRIPTION_MODEL", &c.Transcription.Model)
	str("EMA_LANGUAGE", &c.Transcription.Language)
	duration("EMA_SILENCE_WINDOW", &c.Transcription.SilenceWindow)
	if c.Transcription.APIKey == "" && c.Transcription.Provider == ProviderDeepgram {
		str("DEEPGRAM_API_KEY", &c.Transcription.APIKey)
	}

	str("EMA_SYSTEM_PROMPT", &c.Conversation.SystemPrompt)
	number("EMA_CONTEXT_SIZE", &c.Conversation.ContextSize)
	duration("EMA_RESUME_DELAY", &c.Conversation.ResumeDelay)

	str("EMA_AUDIO_BACKEND", &c.Audio.Backend)

	return errors.Join(errs...)
}

// Validate reports every setting that is out of range, joined into one error
// wrapping ErrInvalid.
func (c Config) Validate() error {
	var errs []error
	oneOf := func(field, value string, allowed ...string) {
		if !slices.Contains(allowed, value) {
			errs = append(errs, fmt.Errorf("%s must be one of %s, got %q", field, strings.Join(allowed, ", "), value))
		}
	}

	oneOf("llm.provider", c.LLM.Provider, ProviderOpenAI, ProviderGroq)
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		errs = append(errs, fmt.Errorf("llm.temperature must be between 0 and 2, got %v", c.LLM.Temperature))
	}
	oneOf("speech.provider", c.Speech.Provider, ProviderOpenAI, ProviderDeepgram, ProviderNone)
	if c.Speech.Speed < 0.25 || c.Speech.Speed > 4 {
		errs = append(errs, fmt.Errorf("speech.speed must be between 0.25 and 4, got %v", c.Speech.Speed))
	}
	if c.Speech.MaxConcurrent < 1 {
		errs = append(errs, fmt.Errorf("speech.max_concurrent must be positive, got %d", c.Speech.MaxConcurrent))
	}
	oneOf("transcription.provider", c.Transcription.Provider, ProviderDeepgram, ProviderNone)
	if c.Transcription.SilenceWindow <= 0 {
		errs = append(errs, fmt.Errorf("transcription.silence_window must be positive, got %s", c.Transcription.SilenceWindow))
	}
	if c.Transcription.MaxRestarts < 0 {
		errs = append(errs, fmt.Errorf("transcription.max_restarts must not be negative, got %d", c.Transcription.MaxRestarts))
	}
	if c.Conversation.ContextSize < 1 {
		errs = append(errs, fmt.Errorf("conversation.context_size must be positive, got %d", c.Conversation.ContextSize))
	}
	if c.Conversation.ResumeDelay < 0 {
		errs = append(errs, fmt.Errorf("conversation.resume_delay must not be negative, got %s", c.Conversation.ResumeDelay))
	}
	oneOf("audio.backend", c.Audio.Backend, BackendMiniaudio, BackendPortaudio)

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}

// FallbackDisabled reports whether the local fallback speaker is turned off.
func (s Speech) FallbackDisabled() bool {
	return len(s.Fallback) == 1 && s.Fallback[0] == ProviderNone
}
