// Package capture turns a live microphone stream into fixed-size, encoded
// frames for the transport.
//
// The device callback ([Pipeline.Process]) frames incoming samples, computes
// the volume proxy and PCM16 encoding for each frame, and hands the result to
// a buffered channel without blocking. When the consumer falls behind, frames
// are dropped: real-time continuity wins over completeness.
package capture

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/salesarchitect/voicecoach/pkg/audio"
)

const defaultBuffer = 8

// Chunk is one captured frame together with its wire encoding.
type Chunk struct {
	audio.Frame
	Encoded audio.EncodedFrame
}

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithFrameSize overrides the number of samples per frame (default
// [audio.FrameSize]).
func WithFrameSize(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.frameSize = n
		}
	}
}

// WithBuffer sets the capacity of the chunk channel.
func WithBuffer(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.bufSize = n
		}
	}
}

// WithDropHook registers fn to be called for every dropped frame.
func WithDropHook(fn func()) Option {
	return func(p *Pipeline) { p.onDrop = fn }
}

// Pipeline frames, measures and encodes microphone audio.
//
// Process may be called from the device thread while Chunks is consumed from
// another goroutine. Close stops delivery and closes the chunk channel.
type Pipeline struct {
	frameSize int
	bufSize   int
	onDrop    func()

	mu     sync.Mutex
	framer *Framer
	seq    uint64
	out    chan Chunk
	closed bool

	volume  atomic.Uint64 // math.Float64bits of the last volume
	dropped atomic.Uint64
}

// New creates a capture pipeline.
func New(opts ...Option) *Pipeline {
	p := &Pipeline{
		frameSize: audio.FrameSize,
		bufSize:   defaultBuffer,
	}
	for _, o := range opts {
		o(p)
	}
	p.framer = NewFramer(p.frameSize)
	p.out = make(chan Chunk, p.bufSize)
	return p
}

// Process is the microphone callback. It never blocks.
func (p *Pipeline) Process(samples []float32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.framer.Write(samples, p.emitLocked)
}

func (p *Pipeline) emitLocked(samples []float32) {
	vol := audio.VolumeProxy(samples)
	p.volume.Store(math.Float64bits(vol))
	c := Chunk{
		Frame: audio.Frame{
			Samples:    samples,
			SampleRate: audio.InputSampleRate,
			Seq:        p.seq,
			Volume:     vol,
		},
		Encoded: audio.Encode(samples),
	}
	p.seq++
	select {
	case p.out <- c:
	default:
		p.dropped.Add(1)
		if p.onDrop != nil {
			p.onDrop()
		}
	}
}

// Chunks returns the channel of captured frames. It is closed by Close.
func (p *Pipeline) Chunks() <-chan Chunk { return p.out }

// Volume returns the volume proxy of the most recent frame.
func (p *Pipeline) Volume() float64 {
	return math.Float64frombits(p.volume.Load())
}

// Dropped returns how many frames were discarded because the consumer was slow.
func (p *Pipeline) Dropped() uint64 { return p.dropped.Load() }

// Close stops the pipeline. Buffered chunks remain readable. Idempotent.
func (p *Pipeline) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.framer.Reset()
	close(p.out)
}
