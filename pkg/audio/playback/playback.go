// Package playback schedules decoded model audio for gapless sequential
// playback and cancels it atomically on interruption.
//
// The [Pipeline] keeps a scheduling cursor on the output device's audio
// clock. Each buffer starts at max(cursor, now) and advances the cursor by
// its duration, so buffers arriving at irregular network intervals play back
// to back. Buffers that have been scheduled but have not ended form the live
// set; the AI is "speaking" while the set is non-empty.
package playback

import (
	"fmt"
	"sync"
	"time"

	"github.com/salesarchitect/voicecoach/pkg/audio"
)

// Clock reports the output device's audio clock in seconds.
type Clock interface {
	Now() float64
}

// Voice is a scheduled buffer that can be stopped before it ends.
type Voice interface {
	Stop()
}

// Output is an audio sink that plays buffers at absolute clock times.
//
// onEnded must be invoked exactly once when the buffer finishes or is
// stopped, and never while the Output holds locks that Schedule acquires.
type Output interface {
	Clock
	Schedule(buf audio.Decoded, at float64, onEnded func()) (Voice, error)
}

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithResponseDelay holds back the first buffer of each AI turn by d,
// leaving room for a user utterance that is still trailing off. Later
// buffers of the same turn play back to back.
func WithResponseDelay(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.responseDelay = d.Seconds()
		}
	}
}

// WithSpeakingHook registers fn to observe transitions of [Pipeline.Speaking].
// fn is called without the pipeline lock held.
func WithSpeakingHook(fn func(speaking bool)) Option {
	return func(p *Pipeline) { p.onSpeaking = fn }
}

// Pipeline is the playback scheduler. All methods are safe for concurrent use.
type Pipeline struct {
	out           Output
	responseDelay float64
	onSpeaking    func(bool)

	mu        sync.Mutex
	nextStart float64
	live      map[uint64]Voice
	nextID    uint64
	inTurn    bool
}

// New returns a Pipeline playing through out.
func New(out Output, opts ...Option) *Pipeline {
	p := &Pipeline{
		out:  out,
		live: make(map[uint64]Voice),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Enqueue schedules buf after everything already scheduled and returns its
// start time. Buffers must be enqueued in arrival order.
func (p *Pipeline) Enqueue(buf audio.Decoded) (float64, error) {
	p.mu.Lock()
	now := p.out.Now()
	start := max(p.nextStart, now)
	if !p.inTurn && p.responseDelay > 0 {
		start = max(start, now+p.responseDelay)
	}

	id := p.nextID
	p.nextID++
	voice, err := p.out.Schedule(buf, start, func() { p.ended(id) })
	if err != nil {
		p.mu.Unlock()
		return 0, fmt.Errorf("playback: schedule: %w", err)
	}
	p.inTurn = true
	p.nextStart = start + buf.Seconds()
	p.live[id] = voice
	started := len(p.live) == 1
	p.mu.Unlock()

	if started && p.onSpeaking != nil {
		p.onSpeaking(true)
	}
	return start, nil
}

func (p *Pipeline) ended(id uint64) {
	p.mu.Lock()
	if _, ok := p.live[id]; !ok {
		// Already removed by a flush.
		p.mu.Unlock()
		return
	}
	delete(p.live, id)
	silent := len(p.live) == 0
	p.mu.Unlock()

	if silent && p.onSpeaking != nil {
		p.onSpeaking(false)
	}
}

// FlushAll stops every live buffer, empties the live set and resets the
// cursor to 0. It returns the number of buffers stopped; a second call with
// nothing scheduled in between is a no-op returning 0.
func (p *Pipeline) FlushAll() int {
	p.mu.Lock()
	stopped := make([]Voice, 0, len(p.live))
	for id, v := range p.live {
		stopped = append(stopped, v)
		delete(p.live, id)
	}
	p.nextStart = 0
	p.inTurn = false
	p.mu.Unlock()

	for _, v := range stopped {
		v.Stop()
	}
	if len(stopped) > 0 && p.onSpeaking != nil {
		p.onSpeaking(false)
	}
	return len(stopped)
}

// MarkTurnComplete tells the pipeline the current AI turn is over, so the
// next buffer is treated as the first of a new turn.
func (p *Pipeline) MarkTurnComplete() {
	p.mu.Lock()
	p.inTurn = false
	p.mu.Unlock()
}

// Speaking reports whether any buffer is scheduled or playing.
func (p *Pipeline) Speaking() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.live) > 0
}

// Live returns the size of the live set.
func (p *Pipeline) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.live)
}

// NextStartTime returns the scheduling cursor in clock seconds.
func (p *Pipeline) NextStartTime() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nextStart
}
