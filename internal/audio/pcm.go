package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrMalformedAudio marks client binary frames that cannot be decoded as
// 16-bit little-endian PCM. Callers drop the frame and keep the session open.
var ErrMalformedAudio = errors.New("malformed audio frame")

// Frame is one decoded chunk of client audio. Samples are normalized to
// [-1, 1]; RMS is computed over the whole frame during decoding.
type Frame struct {
	Samples []float64
	RMS     float64
}

// DecodeFrame converts raw little-endian 16-bit signed PCM into a normalized
// sample buffer. The input is never retained or mutated.
func DecodeFrame(raw []byte) (Frame, error) {
	if len(raw) == 0 {
		return Frame{}, fmt.Errorf("empty frame: %w", ErrMalformedAudio)
	}
	if len(raw)%2 != 0 {
		return Frame{}, fmt.Errorf("odd frame length %d: %w", len(raw), ErrMalformedAudio)
	}

	samples := make([]float64, len(raw)/2)
	var sumSquares float64
	for i := range samples {
		s := int16(binary.LittleEndian.Uint16(raw[2*i:]))
		v := float64(s) / 32768.0
		samples[i] = v
		sumSquares += v * v
	}

	return Frame{
		Samples: samples,
		RMS:     math.Sqrt(sumSquares / float64(len(samples))),
	}, nil
}
