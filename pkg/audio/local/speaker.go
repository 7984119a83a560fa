package local

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/salesarchitect/voicecoach/pkg/audio"
	"github.com/salesarchitect/voicecoach/pkg/audio/playback"
)

var _ playback.Output = (*Speaker)(nil)

// ErrSpeakerClosed is returned when scheduling on a closed speaker.
var ErrSpeakerClosed = errors.New("local: speaker closed")

// Speaker plays scheduled buffers on the default output device. Its clock is
// the number of frames the device has consumed, so scheduling is sample
// accurate with respect to what has actually been heard.
type Speaker struct {
	rate   int
	device *malgo.Device

	mu     sync.Mutex
	played int64 // device frames rendered so far
	voices []*voice
	closed bool
}

type voice struct {
	sp      *Speaker
	start   int64
	samples []float32
	onEnded func()
	done    bool
}

// NewSpeaker opens and starts the default playback device at
// [audio.OutputSampleRate].
func NewSpeaker(ctx *Context) (*Speaker, error) {
	if ctx == nil || ctx.mctx == nil {
		return nil, errors.New("local: audio context closed")
	}
	s := &Speaker{rate: audio.OutputSampleRate}
	device, err := malgo.InitDevice(ctx.mctx.Context, deviceConfig(malgo.Playback, s.rate), malgo.DeviceCallbacks{
		Data: s.render,
	})
	if err != nil {
		return nil, fmt.Errorf("local: open playback device: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		return nil, fmt.Errorf("local: start playback device: %w", err)
	}
	s.device = device
	return s, nil
}

// Now implements [playback.Clock].
func (s *Speaker) Now() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return float64(s.played) / float64(s.rate)
}

// Schedule implements [playback.Output]. Buffers declared at a rate other
// than the device rate are resampled linearly.
func (s *Speaker) Schedule(buf audio.Decoded, at float64, onEnded func()) (playback.Voice, error) {
	samples := buf.Samples
	if buf.SampleRate > 0 && buf.SampleRate != s.rate {
		samples = audio.Resample(samples, buf.SampleRate, s.rate)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSpeakerClosed
	}
	v := &voice{
		sp:      s,
		start:   int64(math.Round(at * float64(s.rate))),
		samples: samples,
		onEnded: onEnded,
	}
	s.voices = append(s.voices, v)
	return v, nil
}

// render is the device callback: it mixes every voice overlapping the
// current block and retires voices that have finished.
func (s *Speaker) render(pOutput, _ []byte, frameCount uint32) {
	n := int64(frameCount)
	s.mu.Lock()
	from := s.played
	for i := range n {
		var mix float32
		for _, v := range s.voices {
			idx := from + i - v.start
			if idx >= 0 && idx < int64(len(v.samples)) {
				mix += v.samples[idx]
			}
		}
		binary.LittleEndian.PutUint16(pOutput[i*2:], uint16(toInt16(mix)))
	}
	s.played += n

	var ended []*voice
	kept := s.voices[:0]
	for _, v := range s.voices {
		if v.start+int64(len(v.samples)) <= s.played {
			v.done = true
			ended = append(ended, v)
			continue
		}
		kept = append(kept, v)
	}
	s.voices = kept
	s.mu.Unlock()

	for _, v := range ended {
		v.onEnded()
	}
}

// Close stops the device. Pending voices are ended.
func (s *Speaker) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	pending := s.voices
	s.voices = nil
	for _, v := range pending {
		v.done = true
	}
	s.mu.Unlock()

	err := s.device.Stop()
	s.device.Uninit()
	for _, v := range pending {
		v.onEnded()
	}
	if err != nil {
		return fmt.Errorf("local: stop playback device: %w", err)
	}
	return nil
}

func (v *voice) Stop() {
	s := v.sp
	s.mu.Lock()
	if v.done {
		s.mu.Unlock()
		return
	}
	v.done = true
	for i, other := range s.voices {
		if other == v {
			s.voices = append(s.voices[:i], s.voices[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
	v.onEnded()
}

func toInt16(f float32) int16 {
	v := float64(f) * 32768
	switch {
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	}
	return int16(v)
}
