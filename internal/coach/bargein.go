package coach

import "sync/atomic"

// DefaultBargeInThreshold is the volume proxy above which user speech cuts
// off model playback.
const DefaultBargeInThreshold = 0.2

// BargeIn decides, frame by frame, whether the user is talking over the model.
type BargeIn struct {
	threshold float64
	triggers  atomic.Uint64
}

// NewBargeIn returns a controller firing when volume exceeds threshold.
// A threshold <= 0 selects [DefaultBargeInThreshold].
func NewBargeIn(threshold float64) *BargeIn {
	if threshold <= 0 {
		threshold = DefaultBargeInThreshold
	}
	return &BargeIn{threshold: threshold}
}

// Observe reports whether a capture frame with the given volume proxy should
// flush playback. It only fires while the model is speaking.
func (b *BargeIn) Observe(volume float64, speaking bool) bool {
	if !speaking || volume <= b.threshold {
		return false
	}
	b.triggers.Add(1)
	return true
}

// Threshold returns the configured threshold.
func (b *BargeIn) Threshold() float64 { return b.threshold }

// Triggers returns how many frames fired a barge-in.
func (b *BargeIn) Triggers() uint64 { return b.triggers.Load() }
