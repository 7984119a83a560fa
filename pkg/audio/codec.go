package audio

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// EncodedFrame is a transport-safe encoding of a PCM16 buffer.
type EncodedFrame struct {
	// Data is base64-encoded little-endian PCM16.
	Data string

	// MIMEType describes encoding and rate, e.g. "audio/pcm;rate=16000".
	MIMEType string
}

// MIMEType returns the descriptor used for raw PCM16 audio at rate.
func MIMEType(rate int) string {
	return fmt.Sprintf("audio/pcm;rate=%d", rate)
}

// DecodeError reports a server audio payload that is not valid PCM16.
type DecodeError struct {
	Length int
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("audio: decode: %d bytes is not a whole number of 16-bit samples", e.Length)
}

// Encode converts normalised samples to PCM16 at [InputSampleRate] and wraps
// them in an [EncodedFrame].
func Encode(samples []float32) EncodedFrame {
	return EncodeRate(samples, InputSampleRate)
}

// EncodeRate is like [Encode] for an arbitrary sample rate.
func EncodeRate(samples []float32, rate int) EncodedFrame {
	return EncodedFrame{
		Data:     base64.StdEncoding.EncodeToString(FloatToPCM16(samples)),
		MIMEType: MIMEType(rate),
	}
}

// FloatToPCM16 converts samples in [-1, 1] to little-endian signed 16-bit PCM.
// Values outside the range are clamped.
func FloatToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := float64(s) * 32768
		switch {
		case math.IsNaN(v):
			v = 0
		case v > math.MaxInt16:
			v = math.MaxInt16
		case v < math.MinInt16:
			v = math.MinInt16
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	}
	return out
}

// PCM16ToFloat converts little-endian PCM16 bytes to normalised samples.
func PCM16ToFloat(data []byte) ([]float32, error) {
	if len(data)%2 != 0 {
		return nil, &DecodeError{Length: len(data)}
	}
	out := make([]float32, len(data)/2)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(data[i*2:]))) / 32768
	}
	return out, nil
}

// Decoded is playable audio produced by [Decode].
type Decoded struct {
	Samples []float32

	// SampleRate is the rate the payload was declared at. Buffers must be
	// tagged with this rate; the output device resamples if it differs.
	SampleRate int

	// ContextRate is the rate of the output device.
	ContextRate int
}

// Duration is the playback length at the declared sample rate.
func (d Decoded) Duration() time.Duration {
	return SamplesDuration(len(d.Samples), d.SampleRate)
}

// Seconds is Duration as float seconds, the unit of the playback clock.
func (d Decoded) Seconds() float64 {
	if d.SampleRate <= 0 {
		return 0
	}
	return float64(len(d.Samples)) / float64(d.SampleRate)
}

// Resampled reports whether the device must resample the buffer.
func (d Decoded) Resampled() bool {
	return d.SampleRate != d.ContextRate
}

// Decode interprets data as PCM16 at declaredRate for an output device
// running at contextRate. A zero declaredRate means the device rate.
func Decode(data []byte, contextRate, declaredRate int) (Decoded, error) {
	samples, err := PCM16ToFloat(data)
	if err != nil {
		return Decoded{}, err
	}
	if declaredRate == 0 {
		declaredRate = contextRate
	}
	return Decoded{Samples: samples, SampleRate: declaredRate, ContextRate: contextRate}, nil
}

// DecodeBase64 decodes a base64 PCM16 payload as received on the wire.
func DecodeBase64(payload string, contextRate, declaredRate int) (Decoded, error) {
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return Decoded{}, fmt.Errorf("audio: decode base64: %w", err)
	}
	return Decode(raw, contextRate, declaredRate)
}
