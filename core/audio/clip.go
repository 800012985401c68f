package audio

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrPermissionDenied is returned by capture devices when the platform
	// refuses access to the microphone.
	ErrPermissionDenied = errors.New("audio device permission denied")
	// ErrDeviceUnavailable is returned when no usable device exists.
	ErrDeviceUnavailable = errors.New("audio device unavailable")
)

// Clip is a playable audio resource with a single owner. Whoever owns the
// clip last must call Release; the release hook runs at most once no matter
// how many times Release is called.
type Clip struct {
	ID           string
	Data         []byte
	EncodingInfo EncodingInfo
	// Text is the text the clip voices, if known.
	Text string

	released  atomic.Bool
	onRelease func()
}

type ClipOption func(*Clip)

// WithReleaseHook registers a function that runs when the clip is released.
func WithReleaseHook(hook func()) ClipOption {
	return func(c *Clip) {
		c.onRelease = hook
	}
}

func WithText(text string) ClipOption {
	return func(c *Clip) {
		c.Text = text
	}
}

func NewClip(data []byte, encodingInfo EncodingInfo, opts ...ClipOption) *Clip {
	if encodingInfo.IsZero() {
		encodingInfo = GetDefaultEncodingInfo()
	}

	c := &Clip{
		ID:           uuid.NewString(),
		Data:         data,
		EncodingInfo: encodingInfo,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Release frees the clip data and runs the release hook. It reports whether
// this call performed the release.
func (c *Clip) Release() bool {
	if c == nil {
		return false
	}

	if !c.released.CompareAndSwap(false, true) {
		return false
	}

	c.Data = nil
	if c.onRelease != nil {
		c.onRelease()
	}
	return true
}

func (c *Clip) Released() bool {
	if c == nil {
		return true
	}
	return c.released.Load()
}

func (c *Clip) Duration() time.Duration {
	if c == nil {
		return 0
	}
	return c.EncodingInfo.Duration(len(c.Data))
}

// Clone returns an independent copy of the clip data without the release
// hook. Cloning a released clip returns nil.
func (c *Clip) Clone() *Clip {
	if c == nil || c.Released() {
		return nil
	}

	data := make([]byte, len(c.Data))
	copy(data, c.Data)
	return NewClip(data, c.EncodingInfo, WithText(c.Text))
}

// Concat joins clips sharing the same encoding into a new clip. Clips with a
// different encoding than the first one are skipped.
func Concat(clips ...*Clip) *Clip {
	var first *Clip
	size := 0
	for _, clip := range clips {
		if clip == nil || clip.Released() {
			continue
		}
		if first == nil {
			first = clip
		}
		if clip.EncodingInfo == first.EncodingInfo {
			size += len(clip.Data)
		}
	}
	if first == nil {
		return nil
	}

	data := make([]byte, 0, size)
	text := ""
	for _, clip := range clips {
		if clip == nil || clip.Released() || clip.EncodingInfo != first.EncodingInfo {
			continue
		}
		data = append(data, clip.Data...)
		if clip.Text != "" {
			if text != "" {
				text += " "
			}
			text += clip.Text
		}
	}
	return NewClip(data, first.EncodingInfo, WithText(text))
}
