package orchestration

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/koscakluka/ema-voice/core/audio"
	"github.com/koscakluka/ema-voice/core/events"
	"github.com/koscakluka/ema-voice/core/llms"
	"github.com/koscakluka/ema-voice/core/playback"
	"github.com/koscakluka/ema-voice/core/sentences"
	"github.com/koscakluka/ema-voice/core/texttospeech"
	"github.com/koscakluka/ema-voice/core/transcription"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrClosed             = errors.New("orchestrator closed")
	ErrNoCompletionClient = errors.New("no completion client configured")
	ErrBusy               = errors.New("a response is in progress")
	ErrNoAudio            = errors.New("message has no recorded audio")
	ErrNoPlayer           = errors.New("no audio player configured")
	ErrResponseCancelled  = errors.New("response cancelled")
)

const (
	synthesisFallbackWarning   = "Speech synthesis failed. Playing fallback speech while the issue persists."
	synthesisNoFallbackWarning = "Speech synthesis failed and no fallback speech is available."

	warningsCapacity = 16
)

// response is one assistant reply, from the request until capture resumes.
type response struct {
	messageID string
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}

	// finalized is set, under the orchestrator lock, once no more clips will
	// be queued for the response.
	finalized bool

	clipsMu sync.Mutex
	clips   []*audio.Clip
}

func newResponse(ctx context.Context, messageID string) *response {
	ctx, cancel := context.WithCancel(ctx)
	return &response{
		messageID: messageID,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

func (r *response) keep(clip *audio.Clip) {
	if clip == nil {
		return
	}
	r.clipsMu.Lock()
	defer r.clipsMu.Unlock()
	r.clips = append(r.clips, clip)
}

// recording joins the kept clips into one clip owned by the caller.
func (r *response) recording() *audio.Clip {
	r.clipsMu.Lock()
	clips := r.clips
	r.clips = nil
	r.clipsMu.Unlock()

	joined := audio.Concat(clips...)
	for _, clip := range clips {
		clip.Release()
	}
	return joined
}

func (r *response) releaseClips() {
	r.recording().Release()
}

// Orchestrator turns the end of a user turn into a spoken reply and resumes
// listening once the reply was heard.
type Orchestrator struct {
	mu          sync.Mutex
	state       responseState
	current     *response
	closed      bool
	resumeTimer *time.Timer
	baseContext context.Context
	closeHook   chan struct{}

	// turnMu serializes starting, replaying, resetting and closing.
	turnMu    sync.Mutex
	closeOnce sync.Once
	responses sync.WaitGroup

	statusMu sync.Mutex
	status   Status

	conversation *Conversation
	session      *transcription.Session
	queue        *playback.Queue

	llm                    CompletionClient
	synthesizer            texttospeech.Synthesizer
	fallback               texttospeech.Speaker
	player                 playback.Player
	sessionOptions         []transcription.SessionOption
	systemPrompt           string
	greeting               string
	contextSize            int
	resumeDelay            time.Duration
	maxConcurrentSynthesis int

	emitter  atomic.Pointer[eventEmitter]
	warnings chan string

	synthesisFailures metric.Int64Counter
}

func NewOrchestrator(opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		baseContext:            context.Background(),
		status:                 StatusIdle,
		conversation:           &Conversation{},
		systemPrompt:           DefaultSystemPrompt,
		greeting:               DefaultGreeting,
		contextSize:            DefaultContextSize,
		resumeDelay:            DefaultResumeDelay,
		maxConcurrentSynthesis: DefaultMaxConcurrentSynthesis,
		warnings:               make(chan string, warningsCapacity),
	}
	emitter := eventEmitter(noopEventEmitter)
	o.emitter.Store(&emitter)

	for _, opt := range opts {
		opt(o)
	}

	player := o.player
	if player == nil {
		player = missingPlayer{}
		o.synthesizer = nil
	}
	o.queue = playback.NewQueue(player,
		playback.WithStartedCallback(o.handlePlaybackStarted),
		playback.WithEndedCallback(o.handlePlaybackEnded),
		playback.WithErrorCallback(o.handlePlaybackError),
	)

	sessionOptions := append([]transcription.SessionOption{}, o.sessionOptions...)
	sessionOptions = append(sessionOptions,
		transcription.WithTurnEndCallback(func(transcript string) { go o.HandleTurnEnd(transcript) }),
		transcription.WithTranscriptCallback(func(transcript string) { o.emit(events.NewUserTranscriptUpdated(transcript)) }),
		transcription.WithErrorCallback(o.handleSessionError),
		transcription.WithStateCallback(func(transcription.State) { o.updateStatus() }),
	)
	o.session = transcription.NewSession(sessionOptions...)

	o.conversation.reset(o.seedMessages()...)

	var err error
	if o.synthesisFailures, err = meter.Int64Counter("orchestration.synthesis_failures"); err != nil {
		logger.Warn("failed to create synthesis failure counter", "error", err)
	}

	return o
}

// Orchestrate registers the callbacks and starts listening. ctx is the base
// context of every response, the orchestrator closes itself when it ends.
//
// A capture error is returned but the orchestrator stays usable, e.g. through
// SendPrompt or a later StartListening.
func (o *Orchestrator) Orchestrate(ctx context.Context, opts ...OrchestrateOption) error {
	options := OrchestrateOptions{}
	for _, opt := range opts {
		opt(&options)
	}
	emitter := newCallbackEventEmitter(options, o.conversation)
	o.emitter.Store(&emitter)

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrClosed
	}
	o.baseContext = ctx
	if o.closeHook == nil {
		o.closeHook = withContextCancelHook(ctx, o.Close)
	}
	o.mu.Unlock()

	o.statusMu.Lock()
	o.status = o.Status()
	status := o.status
	o.statusMu.Unlock()
	o.emit(events.NewStatusChanged(string(status)))

	return o.StartListening(ctx)
}

func (o *Orchestrator) StartListening(ctx context.Context) error {
	if err := o.session.Start(ctx); err != nil {
		return fmt.Errorf("failed to start listening: %w", err)
	}
	return nil
}

func (o *Orchestrator) StopListening() {
	o.session.Stop()
}

func (o *Orchestrator) PauseListening() {
	o.session.Pause()
}

func (o *Orchestrator) ResumeListening() error {
	return o.session.Resume()
}

// HandleTurnEnd responds to a transcript that ended the user's turn. It is
// ignored when empty or while a response is streaming.
func (o *Orchestrator) HandleTurnEnd(transcript string) {
	text := strings.TrimSpace(transcript)
	if text == "" {
		return
	}

	o.mu.Lock()
	streaming := o.state == responseStreaming
	o.mu.Unlock()
	if streaming {
		logger.Debug("ignoring turn end while streaming", "transcript", text)
		return
	}

	o.emit(events.NewUserTurnEnded(transcript))
	if err := o.startResponse(text, false); err != nil {
		logger.Warn("failed to respond to turn end", "error", err)
	}
}

// SendPrompt responds to text as if the user said it. Unlike a turn end it
// supersedes a response that is still streaming.
func (o *Orchestrator) SendPrompt(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	return o.startResponse(text, true)
}

func (o *Orchestrator) startResponse(text string, supersedeStreaming bool) error {
	o.turnMu.Lock()
	defer o.turnMu.Unlock()

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrClosed
	}
	if o.llm == nil {
		o.mu.Unlock()
		return ErrNoCompletionClient
	}
	if !supersedeStreaming && o.state == responseStreaming {
		o.mu.Unlock()
		return nil
	}
	previous := o.current
	o.current = nil
	o.state = responseStreaming
	o.stopResumeTimerLocked()
	baseContext := o.baseContext
	o.mu.Unlock()

	user := o.conversation.append(newChatMessage(RoleUser, text))
	o.emit(events.NewConversationMessageAppended(user.ID, string(user.Role), user.Content))

	o.session.Pause()
	o.session.ResetTranscript()

	o.cancelResponse(previous)

	history := o.conversation.Context(o.contextSize)

	placeholder := newChatMessage(RoleAssistant, "")
	placeholder.IsStreaming = true
	o.conversation.append(placeholder)
	o.emit(events.NewConversationMessageAppended(placeholder.ID, string(placeholder.Role), ""))

	resp := newResponse(baseContext, placeholder.ID)
	o.mu.Lock()
	o.current = resp
	o.mu.Unlock()
	o.updateStatus()

	o.responses.Add(1)
	go o.respond(resp, history)
	return nil
}

// cancelResponse stops resp and everything it queued and waits until its
// goroutine finished. The caller owns resuming capture.
func (o *Orchestrator) cancelResponse(resp *response) {
	if resp != nil {
		resp.cancel()
		if o.fallback != nil {
			o.fallback.Cancel()
		}
		// Clips resp settles before it is done must not outlive the clear.
		<-resp.done
	}
	o.queue.Clear()
	if o.fallback != nil {
		o.fallback.Cancel()
	}
}

func (o *Orchestrator) respond(resp *response, history []llms.Message) {
	defer o.responses.Done()
	defer close(resp.done)

	ctx, span := tracer.Start(resp.ctx, "respond")
	defer span.End()
	span.SetAttributes(
		attribute.String("message.id", resp.messageID),
		attribute.Int("context.size", len(history)),
	)

	o.emit(events.NewAssistantResponseStarted(resp.messageID))

	var dispatcher *synthesisDispatcher
	if o.synthesizer != nil {
		dispatcher = newSynthesisDispatcher(ctx, o.synthesizer, o.maxConcurrentSynthesis,
			func(index int, clip *audio.Clip) { o.enqueueClip(resp, index, clip) },
			func(index int, err error) { o.handleSynthesisFailure(ctx, index, err) },
		)
	}

	messages := make([]llms.Message, 0, len(history)+1)
	if o.systemPrompt != "" {
		messages = append(messages, llms.SystemMessage(o.systemPrompt))
	}
	messages = append(messages, history...)

	var content strings.Builder
	var buffer sentences.Buffer
	var streamErr error
	for token, err := range llms.Tokens(ctx, o.llm.Stream(ctx, messages)) {
		if err != nil {
			streamErr = err
			break
		}
		if token == "" {
			continue
		}
		content.WriteString(token)
		o.updateMessage(resp.messageID, content.String(), true, false)
		o.emit(events.NewAssistantResponseSegment(resp.messageID, token))

		for _, sentence := range buffer.Append(token) {
			o.dispatchSentence(dispatcher, sentence)
		}
	}

	if ctx.Err() != nil {
		message := ErrResponseCancelled.Error()
		o.updateMessage(resp.messageID, message, false, true)
		o.emit(events.NewAssistantResponseFinal(resp.messageID, message, true, true))
		o.settleDispatcher(dispatcher)
		resp.releaseClips()
		return
	}

	if streamErr != nil {
		streamErr = fmt.Errorf("completion stream failed: %w", streamErr)
		span.RecordError(streamErr)
		span.SetStatus(codes.Error, streamErr.Error())
		logger.Error("completion stream failed", "error", streamErr)

		message := streamErr.Error()
		o.updateMessage(resp.messageID, message, false, true)
		o.emit(events.NewAssistantResponseFinal(resp.messageID, message, true, false))
		o.warn(message)

		resp.cancel()
		o.settleDispatcher(dispatcher)
		resp.releaseClips()
		o.queue.Clear()
		o.finishResponse(resp)
		return
	}

	if remainder := strings.TrimSpace(buffer.Flush()); remainder != "" {
		o.dispatchSentence(dispatcher, remainder)
	}

	text := content.String()
	o.updateMessage(resp.messageID, text, false, false)
	o.emit(events.NewAssistantResponseFinal(resp.messageID, text, false, false))

	o.setState(resp, responseSettling)
	failed := o.settleDispatcher(dispatcher)
	if ctx.Err() != nil {
		resp.releaseClips()
		return
	}
	if recording := resp.recording(); recording != nil {
		o.conversation.attachAudio(resp.messageID, recording)
		o.emit(events.NewConversationMessageUpdated(resp.messageID, text, false, false))
	}

	if failed && o.queue.IsIdle() && !o.queue.HasStarted() {
		o.speakFallback(ctx, resp, text)
		return
	}

	o.mu.Lock()
	if o.current != resp {
		o.mu.Unlock()
		return
	}
	resp.finalized = true
	o.state = responseSpeaking
	o.mu.Unlock()

	o.queue.Finalize()
	if o.queue.IsIdle() && !o.queue.HasStarted() {
		// Nothing was queued, e.g. an empty response or synthesis disabled.
		o.finishResponse(resp)
		return
	}
	o.updateStatus()
}

func (o *Orchestrator) dispatchSentence(dispatcher *synthesisDispatcher, sentence string) {
	if dispatcher == nil {
		return
	}
	if index := dispatcher.Dispatch(sentence); index >= 0 {
		o.emit(events.NewAssistantSpeechSentence(index, sentence))
	}
}

// settleDispatcher waits for outstanding synthesis and reports whether any
// of it failed.
func (o *Orchestrator) settleDispatcher(dispatcher *synthesisDispatcher) bool {
	if dispatcher == nil {
		return false
	}
	failed, err := dispatcher.Wait()
	if err != nil {
		logger.Debug("synthesis settled with errors", "error", err)
	}
	return failed
}

func (o *Orchestrator) enqueueClip(resp *response, index int, clip *audio.Clip) {
	if resp.ctx.Err() != nil {
		clip.Release()
		return
	}
	resp.keep(clip.Clone())
	if err := o.queue.Enqueue(clip); err != nil {
		logger.Debug("dropping synthesized clip", "index", index, "error", err)
	}
}

func (o *Orchestrator) handleSynthesisFailure(ctx context.Context, index int, err error) {
	if o.synthesisFailures != nil {
		o.synthesisFailures.Add(ctx, 1)
	}
	logger.Warn("sentence synthesis failed, skipping the rest of the response", "index", index, "error", err)
	o.emit(events.NewAssistantSpeechFailed(index, err))
}

// speakFallback speaks text with the fallback speaker after synthesis failed
// before any audio could be played.
func (o *Orchestrator) speakFallback(ctx context.Context, resp *response, text string) {
	// Resets the playback turn, nothing is queued.
	o.queue.Clear()

	if o.fallback == nil || strings.TrimSpace(text) == "" {
		o.warn(synthesisNoFallbackWarning)
		o.finishResponse(resp)
		return
	}

	o.setState(resp, responseSpeaking)
	o.emit(events.NewAssistantSpeechFallback(text))
	o.warn(synthesisFallbackWarning)

	if err := o.fallback.Speak(ctx, text); err != nil && ctx.Err() == nil {
		logger.Warn("fallback speech failed", "error", err)
	}
	if ctx.Err() != nil {
		return
	}
	o.finishResponse(resp)
}

// finishResponse ends resp and resumes capture if resp is still current.
func (o *Orchestrator) finishResponse(resp *response) {
	o.mu.Lock()
	if o.current != resp || o.closed {
		o.mu.Unlock()
		return
	}
	o.current = nil
	o.state = responseIdle
	o.resumeTimer = nil
	o.mu.Unlock()

	if err := o.session.Resume(); err != nil {
		logger.Warn("failed to resume listening", "error", err)
	}
	o.updateStatus()
}

func (o *Orchestrator) setState(resp *response, state responseState) {
	o.mu.Lock()
	if o.current == resp {
		o.state = state
	}
	o.mu.Unlock()
	o.updateStatus()
}

func (o *Orchestrator) stopResumeTimerLocked() {
	if o.resumeTimer != nil {
		o.resumeTimer.Stop()
		o.resumeTimer = nil
	}
}

func (o *Orchestrator) handlePlaybackStarted() {
	o.emit(events.NewAssistantPlaybackStarted())
	o.updateStatus()
}

func (o *Orchestrator) handlePlaybackEnded() {
	o.emit(events.NewAssistantPlaybackEnded())

	o.mu.Lock()
	resp := o.current
	if resp != nil && resp.finalized && !o.closed {
		o.stopResumeTimerLocked()
		o.resumeTimer = time.AfterFunc(o.resumeDelay, func() { o.finishResponse(resp) })
	}
	o.mu.Unlock()

	o.updateStatus()
}

func (o *Orchestrator) handlePlaybackError(err error) {
	o.emit(events.NewAssistantPlaybackFailed(err))
	o.warn(fmt.Sprintf("Audio playback failed: %v", err))
}

func (o *Orchestrator) handleSessionError(err error) {
	o.emit(events.NewUserCaptureFailed(err))
	o.warn(err.Error())
	o.updateStatus()
}

func (o *Orchestrator) updateMessage(id, content string, isStreaming, isError bool) {
	_, err := o.conversation.update(id, func(message *ChatMessage) {
		message.Content = content
		message.IsStreaming = isStreaming
		message.IsError = isError
	})
	if err != nil {
		logger.Debug("failed to update message", "id", id, "error", err)
		return
	}
	o.emit(events.NewConversationMessageUpdated(id, content, isStreaming, isError))
}

// Replay plays the recorded audio of an assistant message again. It fails
// with [ErrBusy] while a response is in progress.
func (o *Orchestrator) Replay(id string) error {
	o.turnMu.Lock()
	defer o.turnMu.Unlock()

	clip, err := o.conversation.audioCopy(id)
	if err != nil {
		return err
	}
	if clip == nil {
		return ErrNoAudio
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		clip.Release()
		return ErrClosed
	}
	if o.state != responseIdle || o.current != nil {
		o.mu.Unlock()
		clip.Release()
		return ErrBusy
	}
	resp := newResponse(o.baseContext, id)
	close(resp.done)
	resp.finalized = true
	o.current = resp
	o.state = responseSpeaking
	o.mu.Unlock()

	o.session.Pause()
	if err := o.queue.Enqueue(clip); err != nil {
		o.finishResponse(resp)
		return fmt.Errorf("failed to replay message %s: %w", id, err)
	}
	o.queue.Finalize()
	o.updateStatus()
	return nil
}

// Reset cancels any response, stops listening and starts a new conversation
// with the greeting.
func (o *Orchestrator) Reset() {
	o.turnMu.Lock()
	defer o.turnMu.Unlock()

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	previous := o.current
	o.current = nil
	o.state = responseIdle
	o.stopResumeTimerLocked()
	o.mu.Unlock()

	o.cancelResponse(previous)
	o.session.Clear()

	seed := o.seedMessages()
	o.conversation.reset(seed...)
	o.emit(events.NewConversationReset())
	for _, message := range seed {
		o.emit(events.NewConversationMessageAppended(message.ID, string(message.Role), message.Content))
	}
	o.updateStatus()
}

// Close cancels everything in progress and releases all audio. The
// orchestrator can not be used afterwards.
func (o *Orchestrator) Close() {
	o.closeOnce.Do(func() {
		o.turnMu.Lock()
		defer o.turnMu.Unlock()

		o.mu.Lock()
		o.closed = true
		previous := o.current
		o.current = nil
		o.state = responseIdle
		o.stopResumeTimerLocked()
		close(o.warnings)
		if o.closeHook != nil {
			close(o.closeHook)
		}
		o.mu.Unlock()

		o.cancelResponse(previous)
		o.queue.Dispose()
		o.session.Clear()
		o.responses.Wait()
		o.conversation.reset()

		span := trace.SpanFromContext(o.baseContext)
		span.AddEvent("orchestrator closed")
	})
}

func (o *Orchestrator) seedMessages() []ChatMessage {
	if o.greeting == "" {
		return nil
	}
	return []ChatMessage{newChatMessage(RoleAssistant, o.greeting)}
}

// Status derives the coarse pipeline status.
func (o *Orchestrator) Status() Status {
	capturing := o.session.State() == transcription.StateCapturing
	playing := o.queue.IsPlaying()

	o.mu.Lock()
	defer o.mu.Unlock()
	return deriveStatus(capturing, playing, o.state)
}

func (o *Orchestrator) updateStatus() {
	o.statusMu.Lock()
	status := o.Status()
	changed := status != o.status
	o.status = status
	o.statusMu.Unlock()

	if changed {
		o.emit(events.NewStatusChanged(string(status)))
	}
}

func (o *Orchestrator) Conversation() *Conversation {
	return o.conversation
}

// Transcript returns the live transcript of the current user turn.
func (o *Orchestrator) Transcript() string {
	return o.session.Transcript()
}

// Err returns the last capture error.
func (o *Orchestrator) Err() error {
	return o.session.Err()
}

// Warnings delivers user visible warnings. Warnings are dropped when the
// channel is full. It is closed by Close.
func (o *Orchestrator) Warnings() <-chan string {
	return o.warnings
}

func (o *Orchestrator) warn(message string) {
	o.emit(events.NewWarning(message))

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	select {
	case o.warnings <- message:
	default:
		logger.Warn("dropping warning, channel full", "warning", message)
	}
}

func (o *Orchestrator) emit(event events.Event) {
	(*o.emitter.Load())(event)
}

type missingPlayer struct{}

func (missingPlayer) Play(context.Context, *audio.Clip) error { return ErrNoPlayer }
func (missingPlayer) Stop() error                             { return nil }
