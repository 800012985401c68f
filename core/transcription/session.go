package transcription

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/koscakluka/ema-voice/core/audio"
	"github.com/koscakluka/ema-voice/core/speechtotext"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
)

var (
	ErrCaptureUnavailable = errors.New("speech capture unavailable")
	ErrPermissionDenied   = errors.New("microphone permission denied")
	ErrRestartsExhausted  = errors.New("recognition restarts exhausted")
)

// maxRecordingDuration bounds the audio kept for Recording.
const maxRecordingDuration = 10 * time.Minute

type segment struct {
	id      int
	stream  speechtotext.Segment
	final   string
	interim string
}

// Session captures microphone audio, keeps the live transcript of the current
// turn and reports when the speaker has gone quiet.
//
// Capture is split into recognizer segments which are rotated transparently
// while the session is capturing. Text finalized in ended segments is kept in
// the committed text, the current segment contributes the live text.
//
// Callbacks are never invoked with internal locks held, but state and
// transcript callbacks may be invoked while a control operation (Start, Stop,
// Pause, Resume, Clear) is in progress and must not call those synchronously.
type Session struct {
	// opMu serializes control operations.
	opMu sync.Mutex
	mu   sync.Mutex

	state     State
	committed string
	segment   *segment
	segments  int
	err       error
	ctx       context.Context

	silenceTimer timer
	silenceGen   int

	restartTimer    timer
	restartGen      int
	restartAttempts int

	recording     []byte
	recordingClip *audio.Clip

	capture       Capture
	recognizer    speechtotext.Recognizer
	clock         clock
	silenceWindow time.Duration
	restartPolicy RestartPolicy
	language      string

	onTurnEnd    func(transcript string)
	onTranscript func(transcript string)
	onError      func(error)
	onState      func(State)

	restarts metric.Int64Counter
}

func NewSession(opts ...SessionOption) *Session {
	s := &Session{
		ctx:           context.Background(),
		clock:         realClock{},
		silenceWindow: DefaultSilenceWindow,
		restartPolicy: DefaultRestartPolicy(),
		language:      "en-US",
	}
	for _, opt := range opts {
		opt(s)
	}

	var err error
	if s.restarts, err = meter.Int64Counter("transcription.segment_restarts"); err != nil {
		logger.Warn("failed to create segment restart counter", "error", err)
	}

	return s
}

// Start begins capturing. It fails with [ErrCaptureUnavailable] when no
// capture device or recognizer is available and with [ErrPermissionDenied]
// when the device refuses access. Starting an already started session is a
// no-op.
func (s *Session) Start(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	ctx, span := tracer.Start(ctx, "start transcription session")
	defer span.End()

	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return nil
	}
	if s.capture == nil || s.recognizer == nil {
		s.err = ErrCaptureUnavailable
		s.mu.Unlock()
		span.RecordError(ErrCaptureUnavailable)
		span.SetStatus(codes.Error, ErrCaptureUnavailable.Error())
		s.reportError(ErrCaptureUnavailable)
		return ErrCaptureUnavailable
	}
	s.mu.Unlock()

	if err := s.capture.StartCapture(ctx, s.handleAudio); err != nil {
		err = classifyCaptureError(err)
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.reportError(err)
		return err
	}

	s.mu.Lock()
	s.state = StateCapturing
	s.ctx = context.WithoutCancel(ctx)
	s.committed = ""
	s.err = nil
	s.restartAttempts = 0
	s.recording = nil
	previousRecording := s.recordingClip
	s.recordingClip = nil
	s.mu.Unlock()

	previousRecording.Release()
	s.notifyState(StateCapturing)
	s.notifyTranscript("")

	if err := s.beginSegment(); err != nil {
		if err := s.handleSegmentStartFailure(err); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
	}
	return nil
}

// Stop ends capture without restarting. The transcript is kept.
func (s *Session) Stop() {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.stop()
}

func (s *Session) stop() {
	s.mu.Lock()
	if s.state == StateIdle {
		s.mu.Unlock()
		return
	}
	s.state = StateIdle
	s.disarmTimersLocked()
	stream := s.endSegmentLocked()
	s.finishRecordingLocked()
	s.mu.Unlock()

	stopStream(stream)
	if err := s.capture.StopCapture(); err != nil {
		logger.Warn("failed to stop capture", "error", err)
	}
	s.notifyState(StateIdle)
}

// Pause ends the current segment and disarms the silence timer. Committed
// text is kept and Resume continues appending to it.
func (s *Session) Pause() {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.state != StateCapturing {
		s.mu.Unlock()
		return
	}
	s.state = StatePaused
	s.disarmTimersLocked()
	stream := s.endSegmentLocked()
	s.mu.Unlock()

	stopStream(stream)
	s.notifyState(StatePaused)
}

// Resume starts a fresh segment after Pause.
func (s *Session) Resume() error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.state != StatePaused {
		s.mu.Unlock()
		return nil
	}
	s.state = StateCapturing
	s.restartAttempts = 0
	s.mu.Unlock()

	s.notifyState(StateCapturing)
	if err := s.beginSegment(); err != nil {
		return s.handleSegmentStartFailure(err)
	}
	return nil
}

// ResetTranscript clears the transcript without touching capture.
func (s *Session) ResetTranscript() {
	s.mu.Lock()
	s.committed = ""
	if s.segment != nil {
		s.segment.final = ""
		s.segment.interim = ""
	}
	s.mu.Unlock()

	s.notifyTranscript("")
}

// Clear stops capture and drops the transcript, the recording and any error.
func (s *Session) Clear() {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.stop()

	s.mu.Lock()
	s.committed = ""
	s.err = nil
	s.recording = nil
	recording := s.recordingClip
	s.recordingClip = nil
	s.mu.Unlock()

	recording.Release()
	s.notifyTranscript("")
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Transcript returns the committed text followed by the live text.
func (s *Session) Transcript() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transcriptLocked()
}

func (s *Session) CommittedText() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.committed
}

func (s *Session) LiveText() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.segment == nil {
		return ""
	}
	return s.segment.final + s.segment.interim
}

// Err returns the last session level error, cleared by a successful Start.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Recording returns a copy of the audio captured until the last stop. The
// caller owns the returned clip.
func (s *Session) Recording() *audio.Clip {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recordingClip.Clone()
}

func (s *Session) transcriptLocked() string {
	if s.segment == nil {
		return s.committed
	}
	return s.committed + s.segment.final + s.segment.interim
}

func (s *Session) beginSegment() error {
	s.mu.Lock()
	if s.state != StateCapturing || s.segment != nil {
		s.mu.Unlock()
		return nil
	}
	s.segments++
	seg := &segment{id: s.segments}
	s.segment = seg
	ctx := s.ctx
	encodingInfo := s.captureEncodingInfo()
	s.mu.Unlock()

	ctx, span := tracer.Start(ctx, "recognize segment")
	defer span.End()
	span.SetAttributes(attribute.Int("segment.id", seg.id))

	stream, err := s.recognizer.Recognize(ctx,
		speechtotext.WithContinuous(true),
		speechtotext.WithInterimResults(true),
		speechtotext.WithLanguage(s.language),
		speechtotext.WithEncodingInfo(encodingInfo),
		speechtotext.WithResultCallback(func(event speechtotext.ResultEvent) { s.handleResult(seg.id, event) }),
		speechtotext.WithErrorCallback(func(err error) { s.handleRecognizerError(seg.id, err) }),
		speechtotext.WithEndCallback(func() { s.handleEnd(seg.id) }),
	)

	s.mu.Lock()
	if err != nil {
		if s.segment == seg {
			s.segment = nil
		}
		s.mu.Unlock()
		err = fmt.Errorf("failed to start recognition segment: %w", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if s.segment != seg {
		// Stopped, paused or ended while starting.
		s.mu.Unlock()
		stopStream(stream)
		return nil
	}
	seg.stream = stream
	s.mu.Unlock()
	return nil
}

// handleSegmentStartFailure schedules another attempt for recoverable errors
// and fails the session otherwise. It returns the error the session failed
// with, if any.
func (s *Session) handleSegmentStartFailure(err error) error {
	if speechtotext.IsRecoverable(err) {
		s.mu.Lock()
		scheduled := true
		if s.state == StateCapturing && s.segment == nil {
			scheduled = s.scheduleRestartLocked()
		}
		s.mu.Unlock()
		if scheduled {
			logger.Debug("recognition segment failed to start, retrying", "error", err)
			return nil
		}
		err = errors.Join(ErrRestartsExhausted, err)
	}

	s.fail(err)
	return err
}

func (s *Session) handleAudio(frame []byte) {
	s.mu.Lock()
	if s.state != StateCapturing {
		s.mu.Unlock()
		return
	}
	if limit := s.captureEncodingInfo().BytesPerSecond() * int(maxRecordingDuration/time.Second); len(s.recording)+len(frame) <= limit {
		s.recording = append(s.recording, frame...)
	}
	var stream speechtotext.Segment
	if s.segment != nil {
		stream = s.segment.stream
	}
	s.mu.Unlock()

	if stream == nil {
		return
	}
	if err := stream.SendAudio(frame); err != nil {
		logger.Debug("failed to send audio to recognizer", "error", err)
	}
}

func (s *Session) handleResult(segmentID int, event speechtotext.ResultEvent) {
	s.mu.Lock()
	seg := s.segment
	if seg == nil || seg.id != segmentID || s.state != StateCapturing {
		s.mu.Unlock()
		return
	}

	s.restartAttempts = 0
	interim := ""
	hasFinal := false
	for i := max(event.ResultIndex, 0); i < len(event.Results); i++ {
		result := event.Results[i]
		if result.IsFinal {
			seg.final += result.Transcript + " "
			hasFinal = true
		} else {
			interim += result.Transcript
		}
	}
	seg.interim = interim

	if hasFinal {
		s.armSilenceTimerLocked()
	}
	transcript := s.transcriptLocked()
	s.mu.Unlock()

	s.notifyTranscript(transcript)
}

func (s *Session) handleRecognizerError(segmentID int, err error) {
	s.mu.Lock()
	current := s.segment != nil && s.segment.id == segmentID
	s.mu.Unlock()
	if !current {
		return
	}

	if !speechtotext.IsRecoverable(err) {
		s.fail(fmt.Errorf("recognition failed: %w", err))
		return
	}

	logger.Debug("recoverable recognition error, rotating segment", "error", err)
	s.mu.Lock()
	if s.segment == nil || s.segment.id != segmentID {
		s.mu.Unlock()
		return
	}
	stream := s.endSegmentLocked()
	scheduled := true
	if s.state == StateCapturing {
		scheduled = s.scheduleRestartLocked()
	}
	s.mu.Unlock()

	stopStream(stream)
	if !scheduled {
		s.fail(errors.Join(ErrRestartsExhausted, err))
	}
}

func (s *Session) handleEnd(segmentID int) {
	s.mu.Lock()
	if s.segment == nil || s.segment.id != segmentID {
		s.mu.Unlock()
		return
	}
	s.endSegmentLocked()
	scheduled := true
	if s.state == StateCapturing {
		scheduled = s.scheduleRestartLocked()
	}
	s.mu.Unlock()

	if !scheduled {
		s.fail(ErrRestartsExhausted)
	}
}

func (s *Session) handleSilence(gen int) {
	s.mu.Lock()
	if gen != s.silenceGen || s.state != StateCapturing {
		s.mu.Unlock()
		return
	}
	s.silenceTimer = nil
	transcript := s.transcriptLocked()
	s.mu.Unlock()

	if s.onTurnEnd != nil {
		s.onTurnEnd(transcript)
	}
}

func (s *Session) restart(gen int) {
	s.mu.Lock()
	if gen != s.restartGen || s.state != StateCapturing {
		s.mu.Unlock()
		return
	}
	s.restartTimer = nil
	ctx := s.ctx
	s.mu.Unlock()

	if s.restarts != nil {
		s.restarts.Add(ctx, 1)
	}
	if err := s.beginSegment(); err != nil {
		_ = s.handleSegmentStartFailure(err)
	}
}

// fail tears the session down after an unrecoverable error.
func (s *Session) fail(err error) {
	s.mu.Lock()
	s.err = err
	if s.state == StateIdle {
		s.mu.Unlock()
		s.reportError(err)
		return
	}
	s.state = StateIdle
	s.disarmTimersLocked()
	stream := s.endSegmentLocked()
	s.finishRecordingLocked()
	s.mu.Unlock()

	logger.Error("transcription session failed", "error", err)
	stopStream(stream)
	if stopErr := s.capture.StopCapture(); stopErr != nil {
		logger.Warn("failed to stop capture", "error", stopErr)
	}
	s.notifyState(StateIdle)
	s.reportError(err)
}

func (s *Session) endSegmentLocked() speechtotext.Segment {
	seg := s.segment
	if seg == nil {
		return nil
	}
	s.segment = nil
	s.committed += seg.final
	return seg.stream
}

func (s *Session) scheduleRestartLocked() bool {
	s.restartAttempts++
	if !s.restartPolicy.allows(s.restartAttempts) {
		return false
	}

	if s.restartTimer != nil {
		s.restartTimer.Stop()
	}
	s.restartGen++
	gen := s.restartGen
	s.restartTimer = s.clock.AfterFunc(s.restartPolicy.delay(), func() { s.restart(gen) })
	return true
}

func (s *Session) armSilenceTimerLocked() {
	s.disarmSilenceTimerLocked()
	gen := s.silenceGen
	s.silenceTimer = s.clock.AfterFunc(s.silenceWindow, func() { s.handleSilence(gen) })
}

func (s *Session) disarmSilenceTimerLocked() {
	if s.silenceTimer != nil {
		s.silenceTimer.Stop()
		s.silenceTimer = nil
	}
	s.silenceGen++
}

func (s *Session) disarmTimersLocked() {
	s.disarmSilenceTimerLocked()
	if s.restartTimer != nil {
		s.restartTimer.Stop()
		s.restartTimer = nil
	}
	s.restartGen++
}

func (s *Session) finishRecordingLocked() {
	if len(s.recording) == 0 {
		return
	}
	previous := s.recordingClip
	s.recordingClip = audio.NewClip(s.recording, s.captureEncodingInfo())
	s.recording = nil
	previous.Release()
}

func (s *Session) captureEncodingInfo() audio.EncodingInfo {
	if provider, ok := s.capture.(EncodingInfoProvider); ok {
		if info := provider.EncodingInfo(); !info.IsZero() {
			return info
		}
	}
	return audio.GetDefaultEncodingInfo()
}

func (s *Session) notifyState(state State) {
	if s.onState != nil {
		s.onState(state)
	}
}

func (s *Session) notifyTranscript(transcript string) {
	if s.onTranscript != nil {
		s.onTranscript(transcript)
	}
}

func (s *Session) reportError(err error) {
	if s.onError != nil {
		s.onError(err)
	}
}

func stopStream(stream speechtotext.Segment) {
	if stream == nil {
		return
	}
	if err := stream.Stop(); err != nil {
		logger.Debug("failed to stop recognition segment", "error", err)
	}
}

func classifyCaptureError(err error) error {
	if errors.Is(err, audio.ErrPermissionDenied) {
		return fmt.Errorf("%w: %w", ErrPermissionDenied, err)
	}
	return fmt.Errorf("%w: %w", ErrCaptureUnavailable, err)
}
