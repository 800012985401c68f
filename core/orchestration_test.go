package orchestration

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/koscakluka/ema-voice/core/audio"
	"github.com/koscakluka/ema-voice/core/events"
	"github.com/koscakluka/ema-voice/core/llms"
	"github.com/koscakluka/ema-voice/core/speechtotext"
	"github.com/koscakluka/ema-voice/core/transcription"
)

type fakeCapture struct{}

func (fakeCapture) StartCapture(context.Context, func([]byte)) error { return nil }
func (fakeCapture) StopCapture() error                              { return nil }

type fakeSegment struct {
	options speechtotext.RecognitionOptions
	once    sync.Once
}

func (s *fakeSegment) SendAudio([]byte) error { return nil }

func (s *fakeSegment) Stop() error {
	s.once.Do(s.options.EndCallback)
	return nil
}

func (s *fakeSegment) say(text string) {
	s.options.ResultCallback(speechtotext.ResultEvent{
		Results: []speechtotext.Result{{Transcript: text, IsFinal: true, Confidence: 0.9}},
	})
}

type fakeRecognizer struct {
	mu       sync.Mutex
	segments []*fakeSegment
}

func (r *fakeRecognizer) Recognize(_ context.Context, opts ...speechtotext.RecognitionOption) (speechtotext.Segment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	segment := &fakeSegment{options: speechtotext.NewRecognitionOptions(opts...)}
	r.segments = append(r.segments, segment)
	return segment, nil
}

func (r *fakeRecognizer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.segments)
}

func (r *fakeRecognizer) last() *fakeSegment {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.segments[len(r.segments)-1]
}

type completionFunc func(ctx context.Context, messages []llms.Message) llms.Stream

func (f completionFunc) Stream(ctx context.Context, messages []llms.Message) llms.Stream {
	return f(ctx, messages)
}

func tokenStream(tokens ...string) llms.Stream {
	return llms.StreamFunc(func(context.Context) func(func(llms.StreamChunk, error) bool) {
		return func(yield func(llms.StreamChunk, error) bool) {
			for _, token := range tokens {
				if !yield(llms.ContentChunk{Text: token}, nil) {
					return
				}
			}
		}
	})
}

// blockingStream yields tokens and then waits for ctx to end.
func blockingStream(started chan<- struct{}, tokens ...string) llms.Stream {
	return llms.StreamFunc(func(ctx context.Context) func(func(llms.StreamChunk, error) bool) {
		return func(yield func(llms.StreamChunk, error) bool) {
			for _, token := range tokens {
				if !yield(llms.ContentChunk{Text: token}, nil) {
					return
				}
			}
			close(started)
			<-ctx.Done()
			yield(nil, ctx.Err())
		}
	})
}

type fakeSynthesizer struct {
	mu     sync.Mutex
	calls  []string
	delays map[string]time.Duration
	fail   map[string]bool
	// gates hold a sentence until closed, even after ctx ended.
	gates    map[string]chan struct{}
	released atomic.Int32
}

func newFakeSynthesizer() *fakeSynthesizer {
	return &fakeSynthesizer{
		delays: map[string]time.Duration{},
		fail:   map[string]bool{},
		gates:  map[string]chan struct{}{},
	}
}

func (s *fakeSynthesizer) Synthesize(ctx context.Context, text string) (*audio.Clip, error) {
	s.mu.Lock()
	s.calls = append(s.calls, text)
	delay := s.delays[text]
	fail := s.fail[text] || s.fail["*"]
	gate := s.gates[text]
	s.mu.Unlock()

	if gate != nil {
		<-gate
	}

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail {
		return nil, errors.New("synthesis unavailable")
	}
	return audio.NewClip([]byte(text), audio.GetSynthesisEncodingInfo(),
		audio.WithText(text),
		audio.WithReleaseHook(func() { s.released.Add(1) }),
	), nil
}

func (s *fakeSynthesizer) requested() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.calls)
}

type fakePlayer struct {
	mu     sync.Mutex
	played []string
	data   [][]byte
	hold   chan struct{}
}

func (p *fakePlayer) Play(ctx context.Context, clip *audio.Clip) error {
	p.mu.Lock()
	p.played = append(p.played, clip.Text)
	p.data = append(p.data, slices.Clone(clip.Data))
	hold := p.hold
	p.mu.Unlock()

	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (p *fakePlayer) Stop() error { return nil }

func (p *fakePlayer) playedTexts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.played)
}

type fakeSpeaker struct {
	mu       sync.Mutex
	spoken   []string
	onCancel func()
}

func (s *fakeSpeaker) Speak(_ context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spoken = append(s.spoken, text)
	return nil
}

func (s *fakeSpeaker) Cancel() {
	s.mu.Lock()
	onCancel := s.onCancel
	s.onCancel = nil
	s.mu.Unlock()
	if onCancel != nil {
		onCancel()
	}
}

func (s *fakeSpeaker) spokenTexts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.spoken)
}

type recordedEvents struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordedEvents) HandleEvent(event events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordedEvents) count(kind events.Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, event := range r.events {
		if event.Kind() == kind {
			n++
		}
	}
	return n
}

type harness struct {
	orchestrator *Orchestrator
	recognizer   *fakeRecognizer
	synthesizer  *fakeSynthesizer
	player       *fakePlayer
	speaker      *fakeSpeaker
	events       *recordedEvents
}

func newHarness(t *testing.T, client CompletionClient, opts ...OrchestratorOption) *harness {
	t.Helper()
	h := &harness{
		recognizer:  &fakeRecognizer{},
		synthesizer: newFakeSynthesizer(),
		player:      &fakePlayer{},
		speaker:     &fakeSpeaker{},
		events:      &recordedEvents{},
	}
	opts = append([]OrchestratorOption{
		WithCompletionClient(client),
		WithSynthesizer(h.synthesizer),
		WithPlayer(h.player),
		WithFallbackSpeaker(h.speaker),
		WithResumeDelay(0),
		WithTranscription(fakeCapture{}, h.recognizer, transcription.WithSilenceWindow(20*time.Millisecond)),
	}, opts...)
	h.orchestrator = NewOrchestrator(opts...)

	if err := h.orchestrator.Orchestrate(context.Background(), WithEventHandler(h.events)); err != nil {
		t.Fatalf("failed to orchestrate: %v", err)
	}
	t.Cleanup(h.orchestrator.Close)
	return h
}

func eventually(t *testing.T, condition func() bool, format string, args ...any) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !condition() {
		if time.Now().After(deadline) {
			t.Fatalf(format, args...)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func (h *harness) waitIdle(t *testing.T) {
	t.Helper()
	eventually(t, func() bool {
		h.orchestrator.mu.Lock()
		defer h.orchestrator.mu.Unlock()
		return h.orchestrator.state == responseIdle && h.orchestrator.current == nil
	}, "response never finished")
}

func lastMessage(messages []ChatMessage, role Role) ChatMessage {
	for _, message := range slices.Backward(messages) {
		if message.Role == role {
			return message
		}
	}
	return ChatMessage{}
}

func TestSpokenTurnIsAnsweredAndListeningResumes(t *testing.T) {
	var requests atomic.Int32
	h := newHarness(t, completionFunc(func(_ context.Context, messages []llms.Message) llms.Stream {
		requests.Add(1)
		return tokenStream("It's sun", "ny today. En", "joy!")
	}))
	// The first sentence resolves last.
	h.synthesizer.delays["It's sunny today."] = 40 * time.Millisecond

	h.recognizer.last().say("What's the weather")

	eventually(t, func() bool { return h.events.count(events.KindAssistantPlaybackEnded) == 1 }, "playback never ended")
	h.waitIdle(t)
	eventually(t, func() bool {
		return h.orchestrator.session.State() == transcription.StateCapturing && h.recognizer.count() == 2
	}, "listening never resumed")

	if got := requests.Load(); got != 1 {
		t.Fatalf("expected one completion request, got %d", got)
	}
	if got := h.synthesizer.requested(); len(got) != 2 {
		t.Fatalf("expected two synthesis calls, got %q", got)
	}
	if got := h.player.playedTexts(); !slices.Equal(got, []string{"It's sunny today.", "Enjoy!"}) {
		t.Fatalf("unexpected playback order %q", got)
	}

	messages := h.orchestrator.Conversation().Messages()
	if user := lastMessage(messages, RoleUser); user.Content != "What's the weather" {
		t.Fatalf("unexpected user turn %q", user.Content)
	}
	assistant := lastMessage(messages, RoleAssistant)
	if assistant.Content != "It's sunny today. Enjoy!" || assistant.IsStreaming || assistant.IsError {
		t.Fatalf("unexpected assistant turn %+v", assistant)
	}
	if !assistant.HasAudio {
		t.Fatalf("expected the assistant turn to keep its audio")
	}
	if h.orchestrator.Transcript() != "" {
		t.Fatalf("expected transcript reset, got %q", h.orchestrator.Transcript())
	}
	if h.events.count(events.KindAssistantPlaybackStarted) != 1 {
		t.Fatalf("expected exactly one playback started event")
	}
}

func TestSendPromptSupersedesStreamingResponse(t *testing.T) {
	var calls atomic.Int32
	firstStarted := make(chan struct{})
	h := newHarness(t, completionFunc(func(_ context.Context, messages []llms.Message) llms.Stream {
		if calls.Add(1) == 1 {
			return blockingStream(firstStarted, "Partial answer")
		}
		return tokenStream("Second answer.")
	}))

	if err := h.orchestrator.SendPrompt("first"); err != nil {
		t.Fatalf("first prompt: %v", err)
	}
	<-firstStarted
	if err := h.orchestrator.SendPrompt("second"); err != nil {
		t.Fatalf("second prompt: %v", err)
	}
	h.waitIdle(t)

	messages := h.orchestrator.Conversation().Messages()
	var assistants []ChatMessage
	for _, message := range messages[1:] {
		if message.Role == RoleAssistant {
			assistants = append(assistants, message)
		}
		if message.IsStreaming {
			t.Fatalf("message %q still streaming", message.Content)
		}
	}
	if len(assistants) != 2 {
		t.Fatalf("expected one assistant turn per attempt, got %d", len(assistants))
	}
	if assistants[0].Content != ErrResponseCancelled.Error() || !assistants[0].IsError {
		t.Fatalf("cancelled turn should be marked errored, got %+v", assistants[0])
	}
	if assistants[1].Content != "Second answer." {
		t.Fatalf("unexpected second answer %q", assistants[1].Content)
	}
	if got := h.events.count(events.KindAssistantResponseFinal); got != 2 {
		t.Fatalf("expected two final events, got %d", got)
	}
}

func TestSupersededResponseAudioNeverReachesNextTurn(t *testing.T) {
	var calls atomic.Int32
	firstStarted := make(chan struct{})
	h := newHarness(t, completionFunc(func(_ context.Context, messages []llms.Message) llms.Stream {
		if calls.Add(1) == 1 {
			return blockingStream(firstStarted, "One. ")
		}
		return tokenStream("Second.")
	}))
	gate := make(chan struct{})
	h.synthesizer.gates["One."] = gate

	if err := h.orchestrator.SendPrompt("first"); err != nil {
		t.Fatalf("first prompt: %v", err)
	}
	<-firstStarted
	eventually(t, func() bool { return len(h.synthesizer.requested()) == 1 }, "first sentence never dispatched")

	// "One." finishes synthesizing while the first response is being
	// cancelled.
	h.speaker.mu.Lock()
	h.speaker.onCancel = func() {
		close(gate)
		time.Sleep(30 * time.Millisecond)
	}
	h.speaker.mu.Unlock()
	if err := h.orchestrator.SendPrompt("second"); err != nil {
		t.Fatalf("second prompt: %v", err)
	}
	h.waitIdle(t)

	if got := h.player.playedTexts(); !slices.Equal(got, []string{"Second."}) {
		t.Fatalf("expected only the new turn to play, got %q", got)
	}
	if got := h.events.count(events.KindAssistantPlaybackStarted); got != 1 {
		t.Fatalf("expected one playback started event, got %d", got)
	}
	if h.synthesizer.released.Load() < 1 {
		t.Fatalf("expected the superseded clip to be released")
	}
}

func TestTurnEndIsIgnoredWhileStreaming(t *testing.T) {
	started := make(chan struct{})
	var calls atomic.Int32
	h := newHarness(t, completionFunc(func(_ context.Context, messages []llms.Message) llms.Stream {
		calls.Add(1)
		return blockingStream(started, "Thinking")
	}))

	h.orchestrator.HandleTurnEnd("first question")
	<-started
	h.orchestrator.HandleTurnEnd("second question")

	if got := calls.Load(); got != 1 {
		t.Fatalf("expected a single request, got %d", got)
	}
	if got := h.orchestrator.Status(); got != StatusThinking {
		t.Fatalf("expected thinking status, got %s", got)
	}
}

func TestEmptyTurnEndIsIgnored(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t, completionFunc(func(context.Context, []llms.Message) llms.Stream {
		calls.Add(1)
		return tokenStream()
	}))

	h.orchestrator.HandleTurnEnd("   ")

	if calls.Load() != 0 || h.orchestrator.Conversation().Len() != 1 {
		t.Fatalf("empty transcript should not start a response")
	}
}

func TestStreamFailureMarksTurnAndResumesListening(t *testing.T) {
	h := newHarness(t, completionFunc(func(context.Context, []llms.Message) llms.Stream {
		return llms.ErrorStream(errors.New("service unavailable"))
	}))

	if err := h.orchestrator.SendPrompt("hello"); err != nil {
		t.Fatalf("prompt: %v", err)
	}
	h.waitIdle(t)

	assistant := lastMessage(h.orchestrator.Conversation().Messages(), RoleAssistant)
	if !assistant.IsError || assistant.IsStreaming || !strings.Contains(assistant.Content, "service unavailable") {
		t.Fatalf("expected errored assistant turn, got %+v", assistant)
	}
	if state := h.orchestrator.session.State(); state != transcription.StateCapturing {
		t.Fatalf("expected listening to resume, got %s", state)
	}
	select {
	case warning := <-h.orchestrator.Warnings():
		if !strings.Contains(warning, "service unavailable") {
			t.Fatalf("unexpected warning %q", warning)
		}
	default:
		t.Fatalf("expected a warning")
	}
}

func TestSynthesisFailureFallsBackToLocalSpeech(t *testing.T) {
	h := newHarness(t, completionFunc(func(context.Context, []llms.Message) llms.Stream {
		return tokenStream("First. ", "Second.")
	}))
	h.synthesizer.fail["*"] = true

	if err := h.orchestrator.SendPrompt("hello"); err != nil {
		t.Fatalf("prompt: %v", err)
	}
	h.waitIdle(t)

	if got := h.speaker.spokenTexts(); !slices.Equal(got, []string{"First. Second."}) {
		t.Fatalf("expected fallback to speak the whole response, got %q", got)
	}
	if got := h.player.playedTexts(); len(got) != 0 {
		t.Fatalf("nothing should have played, got %q", got)
	}
	if h.events.count(events.KindWarning) == 0 {
		t.Fatalf("expected a warning event")
	}
	if state := h.orchestrator.session.State(); state != transcription.StateCapturing {
		t.Fatalf("expected listening to resume, got %s", state)
	}
}

func TestSynthesisFailureAfterPlaybackDoesNotRepeatSpokenText(t *testing.T) {
	h := newHarness(t, completionFunc(func(context.Context, []llms.Message) llms.Stream {
		return tokenStream("One. ", "Two.")
	}), WithMaxConcurrentSynthesis(1))
	h.synthesizer.fail["Two."] = true
	// "One." plays and the queue drains before "Two." fails.
	h.synthesizer.delays["Two."] = 60 * time.Millisecond

	if err := h.orchestrator.SendPrompt("count"); err != nil {
		t.Fatalf("prompt: %v", err)
	}
	h.waitIdle(t)

	if got := h.player.playedTexts(); !slices.Equal(got, []string{"One."}) {
		t.Fatalf("unexpected playback %q", got)
	}
	if got := h.speaker.spokenTexts(); len(got) != 0 {
		t.Fatalf("fallback repeated text that was already heard: %q", got)
	}
	if h.events.count(events.KindAssistantPlaybackEnded) != 1 {
		t.Fatalf("expected playback to end once")
	}
}

func TestSynthesisFailureStopsDispatchingRestOfTurn(t *testing.T) {
	h := newHarness(t, completionFunc(func(context.Context, []llms.Message) llms.Stream {
		return tokenStream("One. ", "Two. ", "Three.")
	}), WithMaxConcurrentSynthesis(1))
	h.synthesizer.fail["Two."] = true
	hold := make(chan struct{})
	h.player.hold = hold

	if err := h.orchestrator.SendPrompt("count"); err != nil {
		t.Fatalf("prompt: %v", err)
	}
	eventually(t, func() bool { return len(h.player.playedTexts()) == 1 }, "first sentence never played")
	eventually(t, func() bool {
		h.orchestrator.mu.Lock()
		defer h.orchestrator.mu.Unlock()
		return h.orchestrator.state == responseSpeaking
	}, "response never settled")
	close(hold)
	h.waitIdle(t)

	if got := h.synthesizer.requested(); !slices.Equal(got, []string{"One.", "Two."}) {
		t.Fatalf("expected dispatch to stop after the failure, got %q", got)
	}
	if got := h.speaker.spokenTexts(); len(got) != 0 {
		t.Fatalf("fallback should not run once audio played, got %q", got)
	}
	if h.events.count(events.KindAssistantSpeechFailed) != 1 {
		t.Fatalf("expected one speech failed event")
	}
}

func TestEmptyResponseResumesWithoutPlayback(t *testing.T) {
	h := newHarness(t, completionFunc(func(context.Context, []llms.Message) llms.Stream {
		return tokenStream()
	}))

	if err := h.orchestrator.SendPrompt("hello"); err != nil {
		t.Fatalf("prompt: %v", err)
	}
	h.waitIdle(t)

	if state := h.orchestrator.session.State(); state != transcription.StateCapturing {
		t.Fatalf("expected listening to resume, got %s", state)
	}
	if h.events.count(events.KindAssistantPlaybackStarted) != 0 {
		t.Fatalf("nothing should have played")
	}
}

func TestRequestCarriesSystemPromptAndRecentContext(t *testing.T) {
	var request []llms.Message
	var mu sync.Mutex
	h := newHarness(t, completionFunc(func(_ context.Context, messages []llms.Message) llms.Stream {
		mu.Lock()
		request = messages
		mu.Unlock()
		return tokenStream("Ok.")
	}), WithSystemPrompt("be brief"), WithContextSize(2))

	for _, prompt := range []string{"one", "two"} {
		if err := h.orchestrator.SendPrompt(prompt); err != nil {
			t.Fatalf("prompt: %v", err)
		}
		h.waitIdle(t)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []llms.Message{
		llms.SystemMessage("be brief"),
		llms.AssistantMessage("Ok."),
		llms.UserMessage("two"),
	}
	if !slices.Equal(request, want) {
		t.Fatalf("expected request %+v, got %+v", want, request)
	}
}

func TestReplayPlaysRecordedAudio(t *testing.T) {
	h := newHarness(t, completionFunc(func(context.Context, []llms.Message) llms.Stream {
		return tokenStream("Hi. ", "Bye.")
	}))

	if err := h.orchestrator.SendPrompt("hello"); err != nil {
		t.Fatalf("prompt: %v", err)
	}
	h.waitIdle(t)

	assistant := lastMessage(h.orchestrator.Conversation().Messages(), RoleAssistant)
	if err := h.orchestrator.Replay(assistant.ID); err != nil {
		t.Fatalf("replay: %v", err)
	}
	h.waitIdle(t)

	h.player.mu.Lock()
	defer h.player.mu.Unlock()
	if len(h.player.data) != 3 {
		t.Fatalf("expected two clips and one replay, got %d", len(h.player.data))
	}
	if got := string(h.player.data[2]); got != "Hi.Bye." {
		t.Fatalf("unexpected replayed audio %q", got)
	}
}

func TestReplayWithoutAudioFails(t *testing.T) {
	h := newHarness(t, completionFunc(func(context.Context, []llms.Message) llms.Stream {
		return tokenStream()
	}))

	greeting := h.orchestrator.Conversation().Messages()[0]
	if err := h.orchestrator.Replay(greeting.ID); !errors.Is(err, ErrNoAudio) {
		t.Fatalf("expected ErrNoAudio, got %v", err)
	}
	if err := h.orchestrator.Replay("missing"); !errors.Is(err, ErrMessageNotFound) {
		t.Fatalf("expected ErrMessageNotFound, got %v", err)
	}
}

func TestResetSeedsGreetingAndStopsListening(t *testing.T) {
	h := newHarness(t, completionFunc(func(context.Context, []llms.Message) llms.Stream {
		return tokenStream("Sure.")
	}), WithGreeting("Hello!"))

	if err := h.orchestrator.SendPrompt("hello"); err != nil {
		t.Fatalf("prompt: %v", err)
	}
	h.waitIdle(t)
	h.orchestrator.Reset()

	messages := h.orchestrator.Conversation().Messages()
	if len(messages) != 1 || messages[0].Content != "Hello!" || messages[0].Role != RoleAssistant {
		t.Fatalf("expected only the greeting, got %+v", messages)
	}
	if state := h.orchestrator.session.State(); state != transcription.StateIdle {
		t.Fatalf("expected listening to stop, got %s", state)
	}
	if h.orchestrator.Status() != StatusIdle {
		t.Fatalf("expected idle status, got %s", h.orchestrator.Status())
	}
}

func TestCloseCancelsResponseAndClosesWarnings(t *testing.T) {
	started := make(chan struct{})
	h := newHarness(t, completionFunc(func(context.Context, []llms.Message) llms.Stream {
		return blockingStream(started, "Long")
	}))

	if err := h.orchestrator.SendPrompt("hello"); err != nil {
		t.Fatalf("prompt: %v", err)
	}
	<-started
	h.orchestrator.Close()

	if _, ok := <-h.orchestrator.Warnings(); ok {
		t.Fatalf("expected warnings channel to be closed")
	}
	if err := h.orchestrator.SendPrompt("again"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestOrchestratorWithoutPlayerAnswersInText(t *testing.T) {
	recognizer := &fakeRecognizer{}
	o := NewOrchestrator(
		WithCompletionClient(completionFunc(func(context.Context, []llms.Message) llms.Stream {
			return tokenStream("Text only.")
		})),
		WithSynthesizer(newFakeSynthesizer()),
		WithTranscription(fakeCapture{}, recognizer),
	)
	defer o.Close()

	if err := o.SendPrompt("hello"); err != nil {
		t.Fatalf("prompt: %v", err)
	}
	eventually(t, func() bool {
		return lastMessage(o.Conversation().Messages(), RoleAssistant).Content == "Text only."
	}, "response never arrived")
	eventually(t, func() bool { return o.Status() == StatusIdle }, "response never finished")
}
