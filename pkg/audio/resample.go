package audio

import (
	"strconv"
	"strings"
)

// RateFromMIME extracts the rate parameter of a MIME type such as
// "audio/pcm;rate=24000". It returns def when the parameter is missing or
// malformed.
func RateFromMIME(mime string, def int) int {
	for param := range strings.SplitSeq(mime, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(param), "=")
		if !ok || k != "rate" {
			continue
		}
		if rate, err := strconv.Atoi(v); err == nil && rate > 0 {
			return rate
		}
	}
	return def
}

// Resample converts mono samples from one rate to another by linear
// interpolation. Equal or invalid rates return samples unchanged.
func Resample(samples []float32, from, to int) []float32 {
	if from <= 0 || to <= 0 || from == to || len(samples) == 0 {
		return samples
	}
	n := int(int64(len(samples)) * int64(to) / int64(from))
	if n == 0 {
		return nil
	}
	out := make([]float32, n)
	ratio := float64(from) / float64(to)
	last := len(samples) - 1
	for i := range out {
		pos := float64(i) * ratio
		j := int(pos)
		if j >= last {
			out[i] = samples[last]
			continue
		}
		frac := float32(pos - float64(j))
		out[i] = samples[j]*(1-frac) + samples[j+1]*frac
	}
	return out
}

// ResampleMono16 is [Resample] for little-endian PCM16. A trailing odd byte
// is dropped.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	samples, err := PCM16ToFloat(pcm[:len(pcm)&^1])
	if err != nil {
		return pcm
	}
	out := Resample(samples, srcRate, dstRate)
	if len(out) == 0 {
		return nil
	}
	return FloatToPCM16(out)
}
