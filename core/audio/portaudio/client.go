// Package portaudio captures and plays audio with PortAudio's blocking API.
package portaudio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gordonklaus/portaudio"
	"github.com/koscakluka/ema-voice/core/audio"
	"go.opentelemetry.io/contrib/bridges/otelslog"
)

var logger = otelslog.NewLogger("github.com/koscakluka/ema-voice/core/audio/portaudio")

var ErrUnsupportedEncoding = errors.New("clip encoding does not match playback stream")

const DefaultBufferSize = 1024

type Client struct {
	bufferSize int

	captureEncoding  audio.EncodingInfo
	playbackEncoding audio.EncodingInfo

	mu            sync.Mutex
	input         *portaudio.Stream
	in            []int16
	stopCapture   chan struct{}
	captureDone   chan struct{}
	output        *portaudio.Stream
	out           []int16
	outputStarted bool

	// playGen is bumped by Stop so a blocking Play notices it was aborted.
	playGen atomic.Int64
}

func NewClient(bufferSize int) (*Client, error) {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("%w: failed to initialize PortAudio: %w", audio.ErrDeviceUnavailable, err)
	}

	c := &Client{
		bufferSize:       bufferSize,
		captureEncoding:  audio.GetDefaultEncodingInfo(),
		playbackEncoding: audio.GetSynthesisEncodingInfo(),
		in:               make([]int16, bufferSize),
		out:              make([]int16, bufferSize),
	}

	var err error
	c.input, err = portaudio.OpenDefaultStream(1, 0, float64(c.captureEncoding.SampleRate), bufferSize, c.in)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("%w: failed to open input stream: %w", audio.ErrDeviceUnavailable, err)
	}
	c.output, err = portaudio.OpenDefaultStream(0, 1, float64(c.playbackEncoding.SampleRate), bufferSize, c.out)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("%w: failed to open output stream: %w", audio.ErrDeviceUnavailable, err)
	}
	return c, nil
}

func (c *Client) EncodingInfo() audio.EncodingInfo {
	return c.captureEncoding
}

func (c *Client) StartCapture(ctx context.Context, onAudio func(audio []byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.input == nil {
		return audio.ErrDeviceUnavailable
	}
	if c.stopCapture != nil {
		return nil
	}

	if err := c.input.Start(); err != nil {
		return fmt.Errorf("%w: failed to start input stream: %w", audio.ErrDeviceUnavailable, err)
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	c.stopCapture = stop
	c.captureDone = done
	go c.capture(ctx, stop, done, onAudio)
	return nil
}

func (c *Client) capture(ctx context.Context, stop <-chan struct{}, done chan<- struct{}, onAudio func([]byte)) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		default:
		}

		if err := c.input.Read(); err != nil {
			logger.Debug("failed to read from input stream", "error", err)
			continue
		}
		frame := make([]byte, len(c.in)*2)
		for i, sample := range c.in {
			binary.LittleEndian.PutUint16(frame[i*2:], uint16(sample))
		}
		onAudio(frame)
	}
}

func (c *Client) StopCapture() error {
	c.mu.Lock()
	stop, done := c.stopCapture, c.captureDone
	c.stopCapture, c.captureDone = nil, nil
	c.mu.Unlock()

	if stop == nil {
		return nil
	}
	close(stop)
	<-done
	if err := c.input.Stop(); err != nil {
		return fmt.Errorf("failed to stop input stream: %w", err)
	}
	return nil
}

// Play writes the clip to the output stream in buffer sized chunks. Writes
// block, so Play returns once the last chunk was handed to the device.
func (c *Client) Play(ctx context.Context, clip *audio.Clip) error {
	if clip.Released() {
		return nil
	}
	if clip.EncodingInfo != c.playbackEncoding {
		return fmt.Errorf("%w: got %d Hz %s", ErrUnsupportedEncoding,
			clip.EncodingInfo.SampleRate, clip.EncodingInfo.Format.Name())
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.output == nil {
		return audio.ErrDeviceUnavailable
	}
	if !c.outputStarted {
		if err := c.output.Start(); err != nil {
			return fmt.Errorf("%w: failed to start output stream: %w", audio.ErrDeviceUnavailable, err)
		}
		c.outputStarted = true
	}

	gen := c.playGen.Load()
	data := clip.Data
	chunkSize := c.bufferSize * 2
	for offset := 0; offset < len(data); offset += chunkSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		if c.playGen.Load() != gen {
			return context.Canceled
		}

		chunk := data[offset:min(offset+chunkSize, len(data))]
		for i := range c.out {
			if i*2+1 < len(chunk) {
				c.out[i] = int16(binary.LittleEndian.Uint16(chunk[i*2:]))
			} else {
				c.out[i] = 0
			}
		}
		if err := c.output.Write(); err != nil {
			return fmt.Errorf("failed to write to output stream: %w", err)
		}
	}
	return nil
}

// Stop aborts a Play in progress after its current chunk.
func (c *Client) Stop() error {
	c.playGen.Add(1)
	return nil
}

func (c *Client) Close() {
	_ = c.StopCapture()
	c.Stop()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.input != nil {
		_ = c.input.Close()
		c.input = nil
	}
	if c.output != nil {
		_ = c.output.Close()
		c.output = nil
	}
	_ = portaudio.Terminate()
}
