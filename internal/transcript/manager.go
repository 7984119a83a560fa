// Package transcript accumulates streamed transcription fragments into an
// ordered, append-only log of sealed turns.
//
// Each speaker channel has a pending buffer that grows as partial fragments
// arrive. A turn-complete signal seals the user's buffer and then the
// agent's; an interruption discards only the agent's buffer because the
// truncated audio's transcript is unreliable. Flush seals whatever remains at
// session end.
package transcript

import (
	"slices"
	"strings"
	"sync"

	"github.com/salesarchitect/voicecoach/pkg/types"
)

// Manager is the turn and transcript state of one session. Safe for
// concurrent use, although the session controller drives it from a single
// goroutine.
type Manager struct {
	mu      sync.Mutex
	pending map[types.Speaker]*strings.Builder
	log     []types.TranscriptTurn
}

// New returns an empty Manager.
func New() *Manager {
	return &Manager{
		pending: map[types.Speaker]*strings.Builder{
			types.SpeakerUser:  {},
			types.SpeakerAgent: {},
		},
	}
}

// Append adds a fragment to speaker's pending buffer. Fragments are
// concatenated verbatim in arrival order.
func (m *Manager) Append(speaker types.Speaker, fragment string) {
	if fragment == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.pending[speaker]
	if !ok {
		b = &strings.Builder{}
		m.pending[speaker] = b
	}
	b.WriteString(fragment)
}

// TurnComplete seals the user's pending turn, then the agent's. It returns
// the turns sealed by this call.
func (m *Manager) TurnComplete() []types.TranscriptTurn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sealLocked()
}

// Interrupted discards the agent's pending text. The user's buffer and the
// sealed log are untouched.
func (m *Manager) Interrupted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[types.SpeakerAgent].Reset()
}

// Flush seals any remaining pending text for both speakers and returns the
// complete log.
func (m *Manager) Flush() []types.TranscriptTurn {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sealLocked()
	return slices.Clone(m.log)
}

func (m *Manager) sealLocked() []types.TranscriptTurn {
	var sealed []types.TranscriptTurn
	for _, sp := range []types.Speaker{types.SpeakerUser, types.SpeakerAgent} {
		b := m.pending[sp]
		if b.Len() == 0 {
			continue
		}
		turn := types.TranscriptTurn{Speaker: sp, Text: b.String()}
		b.Reset()
		m.log = append(m.log, turn)
		sealed = append(sealed, turn)
	}
	return sealed
}

// Pending returns the unsealed text for speaker.
func (m *Manager) Pending(speaker types.Speaker) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.pending[speaker]; ok {
		return b.String()
	}
	return ""
}

// Turns returns a copy of the sealed log.
func (m *Manager) Turns() []types.TranscriptTurn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.log)
}

// Text serialises the sealed log as "speaker: text" lines.
func (m *Manager) Text() string {
	return types.FormatTranscript(m.Turns())
}

// Messages converts turns to persistence messages.
func Messages(turns []types.TranscriptTurn) []types.Message {
	msgs := make([]types.Message, len(turns))
	for i, t := range turns {
		msgs[i] = types.Message{Role: t.Speaker.Role(), Content: t.Text}
	}
	return msgs
}
