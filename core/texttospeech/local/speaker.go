// Package local speaks text with a speech engine installed on the machine.
package local

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/koscakluka/ema-voice/core/audio"
	"github.com/koscakluka/ema-voice/core/texttospeech"
	"go.opentelemetry.io/contrib/bridges/otelslog"
)

var ErrNoSpeechEngine = errors.New("no local speech engine found")

var logger = otelslog.NewLogger("github.com/koscakluka/ema-voice/core/texttospeech/local")

// knownEngines are tried in order. The text is always passed as the last
// argument.
var knownEngines = [][]string{
	{"espeak-ng"},
	{"espeak"},
	{"say"},
	{"spd-say", "--wait"},
}

type Speaker struct {
	command []string
	options texttospeech.SpeechOptions

	mu     sync.Mutex
	cancel context.CancelFunc
	runID  int
}

type SpeakerOption func(*Speaker)

// WithCommand uses name with args instead of detecting an engine.
func WithCommand(name string, args ...string) SpeakerOption {
	return func(s *Speaker) {
		s.command = append([]string{name}, args...)
	}
}

func WithSpeechOptions(opts ...texttospeech.SpeechOption) SpeakerOption {
	return func(s *Speaker) {
		for _, opt := range opts {
			opt(&s.options)
		}
	}
}

func NewSpeaker(opts ...SpeakerOption) (*Speaker, error) {
	s := &Speaker{options: texttospeech.NewSpeechOptions(audio.EncodingInfo{})}
	for _, opt := range opts {
		opt(s)
	}

	if len(s.command) == 0 {
		for _, engine := range knownEngines {
			if _, err := exec.LookPath(engine[0]); err == nil {
				s.command = engine
				break
			}
		}
	}
	if len(s.command) == 0 {
		return nil, ErrNoSpeechEngine
	}
	return s, nil
}

// Speak blocks until the engine finished speaking text. A previous utterance
// still in progress is cancelled first.
func (s *Speaker) Speak(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return texttospeech.ErrEmptyText
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.runID++
	runID := s.runID
	s.cancel = cancel
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if s.runID == runID {
			s.cancel = nil
		}
		s.mu.Unlock()
	}()

	args := append(append([]string{}, s.command[1:]...), text)
	cmd := exec.CommandContext(ctx, s.command[0], args...)
	if err := cmd.Start(); err != nil {
		err = fmt.Errorf("failed to start %s: %w", s.command[0], err)
		s.options.ErrorCallback(err)
		return err
	}

	s.options.SpeechStartedCallback()
	err := cmd.Wait()
	s.options.SpeechEndedCallback()

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		err = fmt.Errorf("%s failed: %w", s.command[0], err)
		logger.Warn("local speech failed", "error", err)
		s.options.ErrorCallback(err)
		return err
	}
	return nil
}

// Cancel stops the current utterance, if any.
func (s *Speaker) Cancel() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}
