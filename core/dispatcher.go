package orchestration

import (
	"context"
	"fmt"
	"sync"

	"github.com/koscakluka/ema-voice/core/audio"
	"github.com/koscakluka/ema-voice/core/texttospeech"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

const DefaultMaxConcurrentSynthesis = 3

// synthesisDispatcher synthesizes the sentences of one response concurrently
// and hands the clips over in the order the sentences were dispatched.
//
// Once a call fails no further calls are issued. Sentences that were skipped
// or failed leave a hole that is stepped over.
type synthesisDispatcher struct {
	ctx         context.Context
	group       errgroup.Group
	limit       *semaphore.Weighted
	synthesizer texttospeech.Synthesizer

	onReady  func(index int, clip *audio.Clip)
	onFailed func(index int, err error)

	mu       sync.Mutex
	next     int
	released int
	settled  map[int]*audio.Clip
	failed   bool
	// lastStarted is closed once the latest dispatched sentence acquired a
	// slot, so sentences start in order.
	lastStarted chan struct{}

	// deliverMu keeps deliveries in index order across settling goroutines.
	deliverMu sync.Mutex
}

func newSynthesisDispatcher(
	ctx context.Context,
	synthesizer texttospeech.Synthesizer,
	maxConcurrent int,
	onReady func(index int, clip *audio.Clip),
	onFailed func(index int, err error),
) *synthesisDispatcher {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrentSynthesis
	}
	return &synthesisDispatcher{
		ctx:         ctx,
		limit:       semaphore.NewWeighted(int64(maxConcurrent)),
		synthesizer: synthesizer,
		onReady:     onReady,
		onFailed:    onFailed,
		settled:     map[int]*audio.Clip{},
	}
}

// Dispatch starts synthesizing text without waiting for the result. It
// returns the index of the sentence, or -1 when nothing was dispatched.
func (d *synthesisDispatcher) Dispatch(text string) int {
	d.mu.Lock()
	if d.failed || d.ctx.Err() != nil {
		d.mu.Unlock()
		return -1
	}
	index := d.next
	d.next++
	previous := d.lastStarted
	started := make(chan struct{})
	d.lastStarted = started
	d.mu.Unlock()

	d.group.Go(panicSafeNamedWorker(fmt.Sprintf("synthesis %d", index), func(ctx context.Context) error {
		var clip *audio.Clip
		defer func() { d.settle(index, clip) }()

		var err error
		clip, err = d.synthesize(ctx, index, text, previous, started)
		return err
	}).with(d.ctx))

	return index
}

func (d *synthesisDispatcher) synthesize(ctx context.Context, index int, text string, previous <-chan struct{}, started chan<- struct{}) (*audio.Clip, error) {
	startedClosed := false
	defer func() {
		if !startedClosed {
			close(started)
		}
	}()

	if previous != nil {
		select {
		case <-previous:
		case <-ctx.Done():
			return nil, nil
		}
	}
	if err := d.limit.Acquire(ctx, 1); err != nil {
		return nil, nil
	}
	defer d.limit.Release(1)
	close(started)
	startedClosed = true

	if d.hasFailed() {
		return nil, nil
	}

	ctx, span := tracer.Start(ctx, "synthesize sentence")
	defer span.End()
	span.SetAttributes(attribute.Int("sentence.index", index))

	clip, err := d.synthesizer.Synthesize(ctx, text)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil
		}
		err = fmt.Errorf("failed to synthesize sentence %d: %w", index, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		d.mu.Lock()
		d.failed = true
		d.mu.Unlock()
		d.onFailed(index, err)
		return nil, err
	}
	if clip != nil && clip.Text == "" {
		clip.Text = text
	}
	return clip, nil
}

// settle stores the outcome of index and delivers every clip that is next in
// line. Ownership of clip moves to the dispatcher.
func (d *synthesisDispatcher) settle(index int, clip *audio.Clip) {
	d.deliverMu.Lock()
	defer d.deliverMu.Unlock()

	d.mu.Lock()
	d.settled[index] = clip
	ready := map[int]*audio.Clip{}
	first := d.released
	for {
		clip, ok := d.settled[d.released]
		if !ok {
			break
		}
		delete(d.settled, d.released)
		ready[d.released] = clip
		d.released++
	}
	last := d.released
	d.mu.Unlock()

	for i := first; i < last; i++ {
		clip := ready[i]
		if clip == nil {
			continue
		}
		if d.ctx.Err() != nil {
			clip.Release()
			continue
		}
		d.onReady(i, clip)
	}
}

func (d *synthesisDispatcher) hasFailed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.failed
}

// Wait blocks until every dispatched sentence settled. It reports whether
// any synthesis call failed.
func (d *synthesisDispatcher) Wait() (failed bool, err error) {
	err = d.group.Wait()
	return d.hasFailed(), err
}
