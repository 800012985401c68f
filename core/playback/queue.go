package playback

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/koscakluka/ema-voice/core/audio"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var ErrDisposed = errors.New("playback queue disposed")

// Player plays a single clip. Play blocks until the clip was heard in full,
// ctx is cancelled or Stop is called. Players never release clips.
type Player interface {
	Play(ctx context.Context, clip *audio.Clip) error
	Stop() error
}

type State int

const (
	StateIdle State = iota
	StatePlaying
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePlaying:
		return "playing"
	case StateDisposed:
		return "disposed"
	}
	return "unknown"
}

type QueueOption func(*Queue)

// WithStartedCallback is called once per turn when the first clip starts.
func WithStartedCallback(callback func()) QueueOption {
	return func(q *Queue) {
		q.onStarted = callback
	}
}

// WithEndedCallback is called once per turn after the turn was finalized and
// the last clip finished.
func WithEndedCallback(callback func()) QueueOption {
	return func(q *Queue) {
		q.onEnded = callback
	}
}

// WithErrorCallback receives errors of individual clips. Playback continues
// with the next clip.
func WithErrorCallback(callback func(error)) QueueOption {
	return func(q *Queue) {
		q.onError = callback
	}
}

// Queue plays clips strictly one after another in the order they were
// enqueued. The queue owns every enqueued clip and releases each exactly once,
// after it played, after it failed or when it is dropped by Clear.
type Queue struct {
	mu sync.Mutex

	state      State
	entries    []*audio.Clip
	current    *audio.Clip
	stopClip   context.CancelFunc
	generation int
	workerDone chan struct{}

	started   bool
	finalized bool
	ended     bool

	player    Player
	onStarted func()
	onEnded   func()
	onError   func(error)
}

func NewQueue(player Player, opts ...QueueOption) *Queue {
	q := &Queue{
		player:    player,
		onStarted: func() {},
		onEnded:   func() {},
		onError:   func(error) {},
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue appends clip to the queue and starts playback if nothing is
// playing. Ownership of clip moves to the queue, even on error.
func (q *Queue) Enqueue(clip *audio.Clip) error {
	if clip == nil {
		return nil
	}

	q.mu.Lock()
	if q.state == StateDisposed {
		q.mu.Unlock()
		clip.Release()
		return ErrDisposed
	}

	if q.finalized && (q.ended || !q.started) {
		q.resetTurnLocked()
	}

	q.entries = append(q.entries, clip)
	if q.state == StateIdle {
		q.state = StatePlaying
		q.startWorkerLocked()
	}
	q.mu.Unlock()
	return nil
}

// Finalize marks that no more clips will be enqueued for the current turn.
func (q *Queue) Finalize() {
	q.mu.Lock()
	if q.state == StateDisposed {
		q.mu.Unlock()
		return
	}
	q.finalized = true
	fire := q.state == StateIdle && len(q.entries) == 0 && q.started && !q.ended
	if fire {
		q.ended = true
	}
	q.mu.Unlock()

	if fire {
		q.onEnded()
	}
}

// Clear stops the current clip, releases everything queued and resets the
// queue for a new turn. No ended signal fires for the cleared turn.
func (q *Queue) Clear() {
	q.clear(false)
}

// Dispose clears the queue and makes it unusable.
func (q *Queue) Dispose() {
	q.clear(true)
}

func (q *Queue) clear(dispose bool) {
	q.mu.Lock()
	if q.state == StateDisposed {
		q.mu.Unlock()
		return
	}

	q.generation++
	pending := q.entries
	q.entries = nil
	stopClip := q.stopClip
	wasPlaying := q.current != nil
	q.current = nil
	q.stopClip = nil
	q.resetTurnLocked()
	if dispose {
		q.state = StateDisposed
	} else {
		q.state = StateIdle
	}
	q.mu.Unlock()

	for _, clip := range pending {
		clip.Release()
	}
	if stopClip != nil {
		stopClip()
	}
	if wasPlaying {
		if err := q.player.Stop(); err != nil {
			logger.Warn("failed to stop player", "error", err)
		}
	}
}

func (q *Queue) State() State {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// IsIdle reports whether nothing is playing or waiting to be played.
func (q *Queue) IsIdle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state != StatePlaying && len(q.entries) == 0
}

func (q *Queue) IsPlaying() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.current != nil
}

// HasStarted reports whether a clip started playing in the current turn.
func (q *Queue) HasStarted() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.started
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

func (q *Queue) resetTurnLocked() {
	q.started = false
	q.finalized = false
	q.ended = false
}

func (q *Queue) startWorkerLocked() {
	previous := q.workerDone
	done := make(chan struct{})
	q.workerDone = done
	go q.run(q.generation, previous, done)
}

func (q *Queue) run(generation int, previous <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	if previous != nil {
		// A cleared worker may still be returning from Play.
		<-previous
	}

	for {
		q.mu.Lock()
		if generation != q.generation || q.state != StatePlaying {
			q.mu.Unlock()
			return
		}

		if len(q.entries) == 0 {
			q.state = StateIdle
			fireEnded := q.finalized && q.started && !q.ended
			if fireEnded {
				q.ended = true
			}
			q.mu.Unlock()

			if fireEnded {
				q.onEnded()
			}
			return
		}

		clip := q.entries[0]
		q.entries[0] = nil
		q.entries = q.entries[1:]
		ctx, stopClip := context.WithCancel(context.Background())
		q.current = clip
		q.stopClip = stopClip
		fireStarted := !q.started
		q.started = true
		q.mu.Unlock()

		if fireStarted {
			q.onStarted()
		}
		q.playOne(ctx, stopClip, clip, generation)
	}
}

func (q *Queue) playOne(ctx context.Context, stopClip context.CancelFunc, clip *audio.Clip, generation int) {
	defer clip.Release()
	defer stopClip()

	ctx, span := tracer.Start(ctx, "play clip")
	defer span.End()
	span.SetAttributes(
		attribute.String("clip.id", clip.ID),
		attribute.Float64("clip.duration", clip.Duration().Seconds()),
	)

	err := func() (err error) {
		defer func() {
			if recovered := recover(); recovered != nil {
				err = fmt.Errorf("player panicked: %v", recovered)
			}
		}()
		return q.player.Play(ctx, clip)
	}()

	q.mu.Lock()
	if q.current == clip {
		q.current = nil
		q.stopClip = nil
	}
	stale := generation != q.generation
	q.mu.Unlock()

	if err == nil || stale || errors.Is(err, context.Canceled) {
		return
	}
	err = fmt.Errorf("failed to play clip %s: %w", clip.ID, err)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	logger.Warn("clip playback failed", "error", err)
	q.onError(err)
}
