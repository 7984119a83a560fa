package capture

// Framer regroups arbitrarily sized device buffers into fixed-size frames.
// Not safe for concurrent use.
type Framer struct {
	size int
	buf  []float32
}

// NewFramer returns a Framer emitting frames of size samples. A non-positive
// size panics.
func NewFramer(size int) *Framer {
	if size <= 0 {
		panic("capture: frame size must be positive")
	}
	return &Framer{size: size, buf: make([]float32, 0, size)}
}

// Write appends samples and calls emit once for every completed frame, in
// order. Each emitted slice is freshly allocated and owned by the callee.
func (f *Framer) Write(samples []float32, emit func([]float32)) {
	for len(samples) > 0 {
		n := min(f.size-len(f.buf), len(samples))
		f.buf = append(f.buf, samples[:n]...)
		samples = samples[n:]
		if len(f.buf) == f.size {
			frame := make([]float32, f.size)
			copy(frame, f.buf)
			f.buf = f.buf[:0]
			emit(frame)
		}
	}
}

// Pending returns the number of buffered samples not yet emitted.
func (f *Framer) Pending() int { return len(f.buf) }

// Reset discards buffered samples.
func (f *Framer) Reset() { f.buf = f.buf[:0] }
