package audio

import "time"

const (
	// InputSampleRate is the microphone capture rate expected by the remote model.
	InputSampleRate = 16000

	// OutputSampleRate is the rate of audio returned by the remote model.
	OutputSampleRate = 24000

	// FrameSize is the number of samples in one capture frame. At 16 kHz one
	// frame spans 256 ms.
	FrameSize = 4096
)

// Frame is one fixed-size chunk of captured microphone audio.
type Frame struct {
	// Samples are normalised float32 PCM values in [-1, 1].
	Samples []float32

	// SampleRate in Hz.
	SampleRate int

	// Seq is the zero-based index of the frame since capture started.
	Seq uint64

	// Volume is the cheap loudness proxy in [0, 1], see [VolumeProxy].
	Volume float64
}

// Duration returns the time span covered by the frame.
func (f Frame) Duration() time.Duration {
	return SamplesDuration(len(f.Samples), f.SampleRate)
}

// SamplesDuration converts a sample count at rate into a duration.
func SamplesDuration(n, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(rate)
}
