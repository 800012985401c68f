package miniaudio

import "sync"

// playbackBuffer holds audio waiting for the device. Each write gets a mark
// that is closed once the device consumed the written bytes, or when the
// buffer is cleared.
type playbackBuffer struct {
	mu    sync.Mutex
	audio []byte
	marks []playbackMark
}

type playbackMark struct {
	position int
	done     chan struct{}
}

func (b *playbackBuffer) write(data []byte) <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.audio = append(b.audio, data...)
	mark := playbackMark{position: len(b.audio), done: make(chan struct{})}
	b.marks = append(b.marks, mark)
	return mark.done
}

// read fills out with buffered audio and pads the rest with silence.
func (b *playbackBuffer) read(out []byte, silence byte) {
	b.mu.Lock()
	n := copy(out, b.audio)
	b.audio = b.audio[n:]
	if len(b.audio) == 0 {
		b.audio = nil
	}

	passed := 0
	for i := range b.marks {
		b.marks[i].position -= n
		if b.marks[i].position <= 0 {
			passed++
		}
	}
	reached := b.marks[:passed]
	b.marks = b.marks[passed:]
	b.mu.Unlock()

	for i := n; i < len(out); i++ {
		out[i] = silence
	}
	for _, mark := range reached {
		close(mark.done)
	}
}

func (b *playbackBuffer) clear() {
	b.mu.Lock()
	marks := b.marks
	b.audio = nil
	b.marks = nil
	b.mu.Unlock()

	for _, mark := range marks {
		close(mark.done)
	}
}

func (b *playbackBuffer) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.audio)
}
