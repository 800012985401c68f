package deepgram

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strconv"

	"github.com/koscakluka/ema-voice/core/audio"
)

var ErrUnsupportedEncoding = errors.New("unsupported encoding")

// listenEncoding is the raw audio format announced in the listen URL.
type listenEncoding struct {
	name       string
	sampleRate int
}

var supportedSampleRates = []int{8000, 16000, 24000, 32000, 48000}

func listenEncodingFor(encoding audio.EncodingInfo) (listenEncoding, error) {
	if !slices.Contains(supportedSampleRates, encoding.SampleRate) {
		return listenEncoding{}, fmt.Errorf("%w: sample rate %d", ErrUnsupportedEncoding, encoding.SampleRate)
	}

	var name string
	switch encoding.Format {
	case audio.EncodingLinear16:
		return listenEncoding{name: "linear16", sampleRate: encoding.SampleRate}, nil
	case audio.EncodingALaw:
		name = "alaw"
	case audio.EncodingMulaw:
		name = "mulaw"
	default:
		return listenEncoding{}, fmt.Errorf("%w: format %q", ErrUnsupportedEncoding, encoding.Format.Name())
	}
	// Telephony formats are only accepted at 8 kHz.
	if encoding.SampleRate != 8000 {
		return listenEncoding{}, fmt.Errorf("%w: %s needs 8000 Hz, got %d", ErrUnsupportedEncoding, name, encoding.SampleRate)
	}
	return listenEncoding{name: name, sampleRate: encoding.SampleRate}, nil
}

func (e listenEncoding) apply(query url.Values) {
	query.Set("encoding", e.name)
	query.Set("sample_rate", strconv.Itoa(e.sampleRate))
	query.Set("channels", "1")
}
