package transcription

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/koscakluka/ema-voice/core/audio"
	"github.com/koscakluka/ema-voice/core/speechtotext"
)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Duration
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now + d, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	return true
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now + d
	c.mu.Unlock()

	for {
		c.mu.Lock()
		var next *fakeTimer
		for _, t := range c.timers {
			if t.fired || t.stopped || t.at > target {
				continue
			}
			if next == nil || t.at < next.at {
				next = t
			}
		}
		if next == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		c.now = next.at
		next.fired = true
		c.mu.Unlock()
		next.f()
	}
}

type fakeSegment struct {
	options speechtotext.RecognitionOptions

	mu      sync.Mutex
	audio   [][]byte
	stopped bool
	ended   bool
}

func (s *fakeSegment) SendAudio(audio []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audio = append(s.audio, audio)
	return nil
}

func (s *fakeSegment) Stop() error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.end()
	return nil
}

func (s *fakeSegment) end() {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	s.mu.Unlock()
	s.options.EndCallback()
}

func (s *fakeSegment) final(texts ...string) {
	results := make([]speechtotext.Result, 0, len(texts))
	for _, text := range texts {
		results = append(results, speechtotext.Result{Transcript: text, IsFinal: true, Confidence: 0.9})
	}
	s.options.ResultCallback(speechtotext.ResultEvent{Results: results})
}

type fakeRecognizer struct {
	mu       sync.Mutex
	segments []*fakeSegment
	failWith []error
}

func (r *fakeRecognizer) Recognize(_ context.Context, opts ...speechtotext.RecognitionOption) (speechtotext.Segment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.failWith) > 0 {
		err := r.failWith[0]
		if len(r.failWith) > 1 {
			r.failWith = r.failWith[1:]
		}
		return nil, err
	}
	seg := &fakeSegment{options: speechtotext.NewRecognitionOptions(opts...)}
	r.segments = append(r.segments, seg)
	return seg, nil
}

func (r *fakeRecognizer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.segments)
}

func (r *fakeRecognizer) last() *fakeSegment {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.segments) == 0 {
		return nil
	}
	return r.segments[len(r.segments)-1]
}

type fakeCapture struct {
	mu       sync.Mutex
	startErr error
	onAudio  func([]byte)
	stops    int
}

func (c *fakeCapture) StartCapture(_ context.Context, onAudio func([]byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.startErr != nil {
		return c.startErr
	}
	c.onAudio = onAudio
	return nil
}

func (c *fakeCapture) StopCapture() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stops++
	return nil
}

func (c *fakeCapture) push(frame []byte) {
	c.mu.Lock()
	onAudio := c.onAudio
	c.mu.Unlock()
	onAudio(frame)
}

type sessionHarness struct {
	session    *Session
	clock      *fakeClock
	recognizer *fakeRecognizer
	capture    *fakeCapture

	mu       sync.Mutex
	turnEnds []string
	errs     []error
}

func newSessionHarness(t *testing.T, opts ...SessionOption) *sessionHarness {
	t.Helper()
	h := &sessionHarness{
		clock:      &fakeClock{},
		recognizer: &fakeRecognizer{},
		capture:    &fakeCapture{},
	}
	base := []SessionOption{
		withClock(h.clock),
		WithCapture(h.capture),
		WithRecognizer(h.recognizer),
		WithTurnEndCallback(func(transcript string) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.turnEnds = append(h.turnEnds, transcript)
		}),
		WithErrorCallback(func(err error) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.errs = append(h.errs, err)
		}),
	}
	h.session = NewSession(append(base, opts...)...)
	return h
}

func (h *sessionHarness) turnEndCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.turnEnds)
}

func TestStartFailsWithoutCapture(t *testing.T) {
	session := NewSession(WithRecognizer(&fakeRecognizer{}))

	err := session.Start(context.Background())
	if !errors.Is(err, ErrCaptureUnavailable) {
		t.Fatalf("expected capture unavailable error, got %v", err)
	}
	if session.State() != StateIdle {
		t.Fatalf("expected idle session, got %s", session.State())
	}
	if !errors.Is(session.Err(), ErrCaptureUnavailable) {
		t.Fatalf("expected session error to be kept, got %v", session.Err())
	}
}

func TestStartReportsPermissionDenied(t *testing.T) {
	h := newSessionHarness(t)
	h.capture.startErr = audio.ErrPermissionDenied

	err := h.session.Start(context.Background())
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
	if h.session.State() != StateIdle {
		t.Fatalf("expected idle session after refused permission")
	}
	if h.recognizer.count() != 0 {
		t.Fatalf("expected no recognition segment to start")
	}
}

func TestStartWrapsOtherCaptureFailuresAsUnavailable(t *testing.T) {
	h := newSessionHarness(t)
	h.capture.startErr = errors.New("no device")

	if err := h.session.Start(context.Background()); !errors.Is(err, ErrCaptureUnavailable) {
		t.Fatalf("expected capture unavailable, got %v", err)
	}
}

func TestSilenceWindowDebouncesFinalPhrases(t *testing.T) {
	h := newSessionHarness(t)
	if err := h.session.Start(context.Background()); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}
	seg := h.recognizer.last()

	seg.final("what's")
	h.clock.Advance(1000 * time.Millisecond)
	seg.options.ResultCallback(speechtotext.ResultEvent{
		ResultIndex: 1,
		Results: []speechtotext.Result{
			{Transcript: "what's", IsFinal: true},
			{Transcript: "the weather", IsFinal: true},
		},
	})

	h.clock.Advance(1499 * time.Millisecond)
	if got := h.turnEndCount(); got != 0 {
		t.Fatalf("expected no turn end before the window elapsed, got %d", got)
	}

	h.clock.Advance(time.Millisecond)
	if got := h.turnEndCount(); got != 1 {
		t.Fatalf("expected exactly one turn end, got %d", got)
	}
	if got := h.turnEnds[0]; got != "what's the weather " {
		t.Fatalf("unexpected turn-end transcript %q", got)
	}
}

func TestInterimResultsDoNotArmSilenceTimer(t *testing.T) {
	h := newSessionHarness(t)
	if err := h.session.Start(context.Background()); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}
	seg := h.recognizer.last()

	seg.options.ResultCallback(speechtotext.ResultEvent{Results: []speechtotext.Result{{Transcript: "hel"}}})
	h.clock.Advance(5 * time.Second)

	if got := h.turnEndCount(); got != 0 {
		t.Fatalf("expected interim results not to end the turn, got %d", got)
	}
	if got := h.session.Transcript(); got != "hel" {
		t.Fatalf("expected interim text in transcript, got %q", got)
	}
}

func TestInterimResultDoesNotDisarmPendingTimer(t *testing.T) {
	h := newSessionHarness(t)
	if err := h.session.Start(context.Background()); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}
	seg := h.recognizer.last()

	seg.final("hello")
	h.clock.Advance(1000 * time.Millisecond)
	seg.options.ResultCallback(speechtotext.ResultEvent{
		ResultIndex: 1,
		Results:     []speechtotext.Result{{Transcript: "hello", IsFinal: true}, {Transcript: "th"}},
	})
	h.clock.Advance(500 * time.Millisecond)

	if got := h.turnEndCount(); got != 1 {
		t.Fatalf("expected turn end from the first final phrase, got %d", got)
	}
}

func TestSegmentRotationCommitsTextAndRestartsAfterDelay(t *testing.T) {
	h := newSessionHarness(t, WithRestartPolicy(RestartPolicy{Delay: 200 * time.Millisecond}))
	if err := h.session.Start(context.Background()); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}
	first := h.recognizer.last()
	first.final("hello")
	first.end()

	if got := h.session.CommittedText(); got != "hello " {
		t.Fatalf("expected segment text to be committed, got %q", got)
	}
	if got := h.recognizer.count(); got != 1 {
		t.Fatalf("expected restart to wait for the delay, got %d segments", got)
	}

	h.clock.Advance(200 * time.Millisecond)
	if got := h.recognizer.count(); got != 2 {
		t.Fatalf("expected a new segment after the delay, got %d", got)
	}

	h.recognizer.last().final("world")
	if got := h.session.Transcript(); got != "hello world " {
		t.Fatalf("expected transcript to span segments, got %q", got)
	}
}

func TestStaleSegmentEventsAreIgnored(t *testing.T) {
	h := newSessionHarness(t)
	if err := h.session.Start(context.Background()); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}
	first := h.recognizer.last()
	first.end()
	h.clock.Advance(DefaultRestartDelay)

	first.final("ghost")
	if got := h.session.Transcript(); got != "" {
		t.Fatalf("expected stale segment result to be ignored, got %q", got)
	}
}

func TestPauseTearsDownWithoutRestartAndResumeAppends(t *testing.T) {
	h := newSessionHarness(t)
	if err := h.session.Start(context.Background()); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}
	first := h.recognizer.last()
	first.final("hello")

	h.session.Pause()
	if !first.stopped {
		t.Fatalf("expected pause to stop the segment")
	}
	h.clock.Advance(10 * time.Second)
	if got := h.recognizer.count(); got != 1 {
		t.Fatalf("expected no restart while paused, got %d segments", got)
	}
	if got := h.turnEndCount(); got != 0 {
		t.Fatalf("expected pause to disarm the silence timer, got %d turn ends", got)
	}

	if err := h.session.Resume(); err != nil {
		t.Fatalf("unexpected resume error: %v", err)
	}
	if got := h.recognizer.count(); got != 2 {
		t.Fatalf("expected resume to start a segment, got %d", got)
	}
	h.recognizer.last().final("again")
	if got := h.session.Transcript(); got != "hello again " {
		t.Fatalf("expected resumed text to append, got %q", got)
	}
}

func TestStopCancelsPendingRestart(t *testing.T) {
	h := newSessionHarness(t)
	if err := h.session.Start(context.Background()); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}
	h.recognizer.last().end()
	h.session.Stop()
	h.clock.Advance(time.Second)

	if got := h.recognizer.count(); got != 1 {
		t.Fatalf("expected no restart after stop, got %d segments", got)
	}
	if h.session.State() != StateIdle {
		t.Fatalf("expected idle after stop")
	}
	if h.capture.stops != 1 {
		t.Fatalf("expected capture to stop once, got %d", h.capture.stops)
	}
}

func TestRecoverableErrorRotatesSegment(t *testing.T) {
	h := newSessionHarness(t)
	if err := h.session.Start(context.Background()); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}
	first := h.recognizer.last()
	first.final("kept")
	first.options.ErrorCallback(speechtotext.ErrNoSpeech)

	if !first.stopped {
		t.Fatalf("expected errored segment to be stopped")
	}
	h.clock.Advance(DefaultRestartDelay)
	if got := h.recognizer.count(); got != 2 {
		t.Fatalf("expected a replacement segment, got %d", got)
	}
	if h.session.Err() != nil {
		t.Fatalf("expected recoverable error to stay internal, got %v", h.session.Err())
	}
	if got := h.session.Transcript(); got != "kept " {
		t.Fatalf("expected finalized text to survive rotation, got %q", got)
	}
}

func TestUnrecoverableErrorStopsSession(t *testing.T) {
	h := newSessionHarness(t)
	if err := h.session.Start(context.Background()); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}
	h.recognizer.last().options.ErrorCallback(speechtotext.ErrNotAllowed)

	if h.session.State() != StateIdle {
		t.Fatalf("expected session to stop, got %s", h.session.State())
	}
	if !errors.Is(h.session.Err(), speechtotext.ErrNotAllowed) {
		t.Fatalf("expected session error to wrap recognizer error, got %v", h.session.Err())
	}
	if len(h.errs) != 1 {
		t.Fatalf("expected one reported error, got %d", len(h.errs))
	}
}

func TestRestartPolicyBoundsConsecutiveFailures(t *testing.T) {
	h := newSessionHarness(t, WithRestartPolicy(RestartPolicy{Delay: 100 * time.Millisecond, MaxAttempts: 2}))
	if err := h.session.Start(context.Background()); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}
	h.recognizer.failWith = []error{speechtotext.ErrNetwork}
	h.recognizer.last().end()

	h.clock.Advance(time.Second)

	if h.session.State() != StateIdle {
		t.Fatalf("expected session to give up, got %s", h.session.State())
	}
	if !errors.Is(h.session.Err(), ErrRestartsExhausted) {
		t.Fatalf("expected exhausted restarts, got %v", h.session.Err())
	}
}

func TestUnrecoverableFirstSegmentLeavesCaptureInactive(t *testing.T) {
	h := newSessionHarness(t)
	h.recognizer.failWith = []error{errors.New("invalid api key")}

	if err := h.session.Start(context.Background()); err == nil {
		t.Fatalf("expected start to fail")
	}
	if h.session.State() != StateIdle {
		t.Fatalf("expected idle session")
	}
	if h.capture.stops != 1 {
		t.Fatalf("expected capture to be released, got %d stops", h.capture.stops)
	}
}

func TestResetTranscriptKeepsCapturing(t *testing.T) {
	h := newSessionHarness(t)
	if err := h.session.Start(context.Background()); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}
	seg := h.recognizer.last()
	seg.final("first turn")

	h.session.ResetTranscript()
	if got := h.session.Transcript(); got != "" {
		t.Fatalf("expected empty transcript, got %q", got)
	}
	if h.session.State() != StateCapturing {
		t.Fatalf("expected capture to continue")
	}

	seg.options.ResultCallback(speechtotext.ResultEvent{
		ResultIndex: 1,
		Results:     []speechtotext.Result{{Transcript: "first turn", IsFinal: true}, {Transcript: "second", IsFinal: true}},
	})
	if got := h.session.Transcript(); got != "second " {
		t.Fatalf("expected only new text after reset, got %q", got)
	}
}

func TestAudioIsForwardedAndRecorded(t *testing.T) {
	h := newSessionHarness(t)
	if err := h.session.Start(context.Background()); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}
	h.capture.push([]byte{1, 2})
	h.capture.push([]byte{3, 4})

	if got := len(h.recognizer.last().audio); got != 2 {
		t.Fatalf("expected two frames forwarded, got %d", got)
	}

	h.session.Stop()
	recording := h.session.Recording()
	if recording == nil || len(recording.Data) != 4 {
		t.Fatalf("expected recorded audio after stop, got %v", recording)
	}

	h.session.Clear()
	if h.session.Recording() != nil {
		t.Fatalf("expected clear to drop the recording")
	}
}

func TestClearResetsTranscriptAndError(t *testing.T) {
	h := newSessionHarness(t)
	if err := h.session.Start(context.Background()); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}
	h.recognizer.last().final("something")
	h.recognizer.last().options.ErrorCallback(speechtotext.ErrNotAllowed)

	h.session.Clear()
	if h.session.Transcript() != "" || h.session.Err() != nil {
		t.Fatalf("expected clear to reset transcript and error")
	}
}
