// Package audio holds the audio codec and device abstractions used by the
// voice session engine.
//
// The codec converts between normalised float32 samples and the PCM16 wire
// format of the remote model ([Encode], [Decode]). Devices are abstracted
// behind two narrow interfaces:
//
//   - [Microphone] pushes raw capture samples to a callback.
//   - playback.Output (in audio/playback) schedules buffers on an audio clock.
//
// Concrete implementations live in audio/local (miniaudio via malgo) and
// audio/mock (tests).
package audio

import "context"

// Microphone is a capture device delivering mono samples at [InputSampleRate].
//
// The callback is invoked from the device's own thread with buffers of
// arbitrary length; callers must copy samples they retain and must return
// promptly to avoid overruns. Implementations must be safe for concurrent use.
type Microphone interface {
	// Start acquires the device and begins delivering samples to onSamples
	// until ctx is cancelled or Close is called. A failure to acquire the
	// device (no device, permission denied) is returned synchronously.
	Start(ctx context.Context, onSamples func(samples []float32)) error

	// Close stops capture and releases the device. Safe to call more than once.
	Close() error
}
