package playback

import (
	"errors"
	"slices"
	"sync"

	"github.com/salesarchitect/voicecoach/pkg/audio"
)

// ErrOutputClosed is returned when scheduling on a closed output.
var ErrOutputClosed = errors.New("playback: output closed")

// Scheduled records one call to [SimOutput.Schedule].
type Scheduled struct {
	At       float64
	Duration float64
	Samples  int
}

// SimOutput is an [Output] driven by a manual clock. Buffers end when
// [SimOutput.Advance] moves the clock past their end time. It is used by
// tests and by headless sessions that have no audio device.
type SimOutput struct {
	mu        sync.Mutex
	now       float64
	voices    []*simVoice
	scheduled []Scheduled
	closed    bool
}

type simVoice struct {
	out     *SimOutput
	end     float64
	onEnded func()
	done    bool
}

var _ Output = (*SimOutput)(nil)

// NewSimOutput returns a SimOutput whose clock starts at 0.
func NewSimOutput() *SimOutput { return &SimOutput{} }

// Now implements [Clock].
func (s *SimOutput) Now() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// Schedule implements [Output].
func (s *SimOutput) Schedule(buf audio.Decoded, at float64, onEnded func()) (Voice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrOutputClosed
	}
	v := &simVoice{out: s, end: at + buf.Seconds(), onEnded: onEnded}
	s.voices = append(s.voices, v)
	s.scheduled = append(s.scheduled, Scheduled{At: at, Duration: buf.Seconds(), Samples: len(buf.Samples)})
	return v, nil
}

// Advance moves the clock forward by dt seconds and fires the end callback
// of every buffer whose end time has been reached, in end-time order.
func (s *SimOutput) Advance(dt float64) {
	s.mu.Lock()
	s.now += dt
	var ended []*simVoice
	kept := s.voices[:0]
	for _, v := range s.voices {
		if !v.done && v.end <= s.now+1e-9 {
			v.done = true
			ended = append(ended, v)
			continue
		}
		if !v.done {
			kept = append(kept, v)
		}
	}
	s.voices = kept
	s.mu.Unlock()

	slices.SortStableFunc(ended, func(a, b *simVoice) int {
		switch {
		case a.end < b.end:
			return -1
		case a.end > b.end:
			return 1
		}
		return 0
	})
	for _, v := range ended {
		v.onEnded()
	}
}

// Scheduled returns every buffer scheduled so far.
func (s *SimOutput) Scheduled() []Scheduled {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.scheduled)
}

// Pending returns the number of buffers that have neither ended nor been stopped.
func (s *SimOutput) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, v := range s.voices {
		if !v.done {
			n++
		}
	}
	return n
}

// Close makes further Schedule calls fail.
func (s *SimOutput) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (v *simVoice) Stop() {
	v.out.mu.Lock()
	if v.done {
		v.out.mu.Unlock()
		return
	}
	v.done = true
	v.out.mu.Unlock()
	v.onEnded()
}
