package audio

import "time"

const (
	DefaultSampleRate = 16000
	DefaultFormat     = "linear16"

	// SynthesisSampleRate is the rate raw PCM speech is delivered at by the
	// synthesis vendors used here.
	SynthesisSampleRate = 24000
)

func GetDefaultEncodingInfo() EncodingInfo {
	return EncodingInfo{SampleRate: DefaultSampleRate, Format: encodingFormat(DefaultFormat)}
}

// GetSynthesisEncodingInfo describes mono linear16 PCM at the synthesis rate.
func GetSynthesisEncodingInfo() EncodingInfo {
	return EncodingInfo{SampleRate: SynthesisSampleRate, Format: EncodingLinear16}
}

type EncodingInfo struct {
	SampleRate int
	Format     encodingFormat
}

func (e EncodingInfo) IsZero() bool {
	return e.SampleRate == 0 || e.Format.Name() == ""
}

func (e EncodingInfo) SilenceValue() byte {
	switch e.Format {
	case EncodingALaw:
		return 0x55
	case EncodingMulaw:
		return 0xFF
	case EncodingLinear16:
		return 0
	}

	return 0
}

// BytesPerSecond assumes a single channel.
func (e EncodingInfo) BytesPerSecond() int {
	if e.IsZero() || e.Format.ByteSize() <= 0 {
		return 0
	}
	return e.SampleRate * e.Format.ByteSize()
}

// Duration reports how long n bytes of audio in this encoding play for.
func (e EncodingInfo) Duration(n int) time.Duration {
	bps := e.BytesPerSecond()
	if bps == 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(bps)
}

type encodingFormat string

func (e encodingFormat) Name() string {
	return string(e)
}

func (e encodingFormat) ByteSize() int {
	switch e {
	case EncodingMulaw, EncodingALaw:
		return 1
	case EncodingLinear16:
		return 2
	}
	return -1
}

const (
	EncodingMulaw    encodingFormat = "mulaw"
	EncodingALaw     encodingFormat = "alaw"
	EncodingLinear16 encodingFormat = "linear16"
)
