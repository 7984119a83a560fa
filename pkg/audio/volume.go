package audio

import "math"

// volumeStride is the subsampling step of the volume proxy.
const volumeStride = 100

// VolumeProxy returns a cheap loudness estimate in [0, 1]: the mean absolute
// value of every 100th sample, scaled by 5 and clamped.
func VolumeProxy(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < len(samples); i += volumeStride {
		sum += math.Abs(float64(samples[i]))
	}
	mean := sum / (float64(len(samples)) / volumeStride)
	return math.Min(1, mean*5)
}
