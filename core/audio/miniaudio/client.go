// Package miniaudio captures and plays audio through miniaudio.
package miniaudio

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"
	"github.com/koscakluka/ema-voice/core/audio"
	"go.opentelemetry.io/contrib/bridges/otelslog"
)

var logger = otelslog.NewLogger("github.com/koscakluka/ema-voice/core/audio/miniaudio")

var ErrUnsupportedEncoding = errors.New("clip encoding does not match playback device")

// Client owns a miniaudio context with one capture and one playback device.
// It satisfies both the capture contract of a transcription session and the
// player contract of a playback queue.
type Client struct {
	audioContext *malgo.AllocatedContext

	captureEncoding  audio.EncodingInfo
	playbackEncoding audio.EncodingInfo

	mu      sync.Mutex
	capture *malgo.Device
	onAudio func([]byte)

	playback *malgo.Device
	buffer   playbackBuffer
}

type ClientOption func(*Client)

func WithCaptureEncoding(encoding audio.EncodingInfo) ClientOption {
	return func(c *Client) {
		if !encoding.IsZero() {
			c.captureEncoding = encoding
		}
	}
}

func WithPlaybackEncoding(encoding audio.EncodingInfo) ClientOption {
	return func(c *Client) {
		if !encoding.IsZero() {
			c.playbackEncoding = encoding
		}
	}
}

func NewClient(opts ...ClientOption) (*Client, error) {
	client := &Client{
		captureEncoding:  audio.GetDefaultEncodingInfo(),
		playbackEncoding: audio.GetSynthesisEncodingInfo(),
	}
	for _, opt := range opts {
		opt(client)
	}

	audioCtx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		logger.Debug("malgo", "message", message)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", audio.ErrDeviceUnavailable, err)
	}
	client.audioContext = audioCtx

	if err := client.initPlayback(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to initialize playback device: %w", err)
	}
	if err := client.playback.Start(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to start playback device: %w", classifyDeviceError(err))
	}

	if err := client.initCapture(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to initialize capture device: %w", err)
	}

	return client, nil
}

func (c *Client) initCapture() error {
	const channels = 1
	format := malgo.FormatS16
	bytesPerFrame := malgo.SampleSizeInBytes(format) * channels

	config := malgo.DefaultDeviceConfig(malgo.Capture)
	config.SampleRate = uint32(c.captureEncoding.SampleRate)
	config.Capture.Format = format
	config.Capture.Channels = channels
	config.Alsa.NoMMap = 1
	config.PerformanceProfile = malgo.LowLatency
	config.PeriodSizeInFrames = 480
	config.Periods = 3

	device, err := malgo.InitDevice(c.audioContext.Context, config, malgo.DeviceCallbacks{
		Data: func(_, pInput []byte, frameCount uint32) {
			n := int(frameCount) * bytesPerFrame
			if len(pInput) < n || n == 0 {
				return
			}
			c.mu.Lock()
			onAudio := c.onAudio
			c.mu.Unlock()
			if onAudio != nil {
				frame := make([]byte, n)
				copy(frame, pInput[:n])
				onAudio(frame)
			}
		},
	})
	if err != nil {
		return classifyDeviceError(err)
	}
	c.capture = device
	return nil
}

func (c *Client) initPlayback() error {
	const channels = 1
	format := malgo.FormatS16
	bytesPerFrame := malgo.SampleSizeInBytes(format) * channels
	silence := c.playbackEncoding.SilenceValue()

	config := malgo.DefaultDeviceConfig(malgo.Playback)
	config.SampleRate = uint32(c.playbackEncoding.SampleRate)
	config.Playback.Format = format
	config.Playback.Channels = channels
	config.Alsa.NoMMap = 1
	config.PeriodSizeInFrames = uint32(c.playbackEncoding.SampleRate / 10) // ~100ms of audio
	config.Periods = 4

	device, err := malgo.InitDevice(c.audioContext.Context, config, malgo.DeviceCallbacks{
		Data: func(pOutput, _ []byte, frameCount uint32) {
			need := min(int(frameCount)*bytesPerFrame, len(pOutput))
			c.buffer.read(pOutput[:need], silence)
		},
	})
	if err != nil {
		return classifyDeviceError(err)
	}
	c.playback = device
	return nil
}

func (c *Client) EncodingInfo() audio.EncodingInfo {
	return c.captureEncoding
}

func (c *Client) StartCapture(_ context.Context, onAudio func(audio []byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.capture == nil {
		return fmt.Errorf("capture device not initialized: %w", audio.ErrDeviceUnavailable)
	}

	c.onAudio = onAudio
	if c.capture.IsStarted() {
		return nil
	}
	if err := c.capture.Start(); err != nil {
		c.onAudio = nil
		return fmt.Errorf("failed to start capture device: %w", classifyDeviceError(err))
	}
	return nil
}

func (c *Client) StopCapture() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onAudio = nil
	if c.capture == nil || !c.capture.IsStarted() {
		return nil
	}
	if err := c.capture.Stop(); err != nil {
		return fmt.Errorf("failed to stop capture device: %w", err)
	}
	return nil
}

// Play queues the clip on the playback device and waits until the device
// consumed all of it. The clip is not released.
func (c *Client) Play(ctx context.Context, clip *audio.Clip) error {
	if clip.Released() {
		return nil
	}
	if clip.EncodingInfo != c.playbackEncoding {
		return fmt.Errorf("%w: got %d Hz %s", ErrUnsupportedEncoding,
			clip.EncodingInfo.SampleRate, clip.EncodingInfo.Format.Name())
	}

	c.mu.Lock()
	device := c.playback
	c.mu.Unlock()
	if device == nil || !device.IsStarted() {
		return fmt.Errorf("playback device not started: %w", audio.ErrDeviceUnavailable)
	}

	done := c.buffer.write(clip.Data)
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		c.buffer.clear()
		return ctx.Err()
	}
}

// Stop drops everything waiting for the playback device.
func (c *Client) Stop() error {
	c.buffer.clear()
	return nil
}

func (c *Client) Close() {
	c.buffer.clear()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.onAudio = nil
	if c.capture != nil {
		c.capture.Uninit()
		c.capture = nil
	}
	if c.playback != nil {
		c.playback.Uninit()
		c.playback = nil
	}
	if c.audioContext != nil {
		_ = c.audioContext.Uninit()
		c.audioContext.Free()
		c.audioContext = nil
	}
}

func classifyDeviceError(err error) error {
	if errors.Is(err, malgo.ErrAccessDenied) {
		return fmt.Errorf("%w: %w", audio.ErrPermissionDenied, err)
	}
	return fmt.Errorf("%w: %w", audio.ErrDeviceUnavailable, err)
}
