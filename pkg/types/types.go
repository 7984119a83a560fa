// Package types defines the data model shared across the voice coaching engine.
//
// Audio-specific types live in pkg/audio; this package holds the values that
// outlive a single voice session (transcripts, metrics, settings) or that must
// be shared between the session controller, persistence and prompt building
// without creating import cycles.
package types

import (
	"fmt"
	"strings"
)

// Speaker identifies which side of the conversation produced a transcript turn.
type Speaker string

const (
	// SpeakerUser is the human practising the pitch.
	SpeakerUser Speaker = "user"

	// SpeakerAgent is the remote conversational model (prospect or mentor).
	SpeakerAgent Speaker = "agent"
)

// Role maps the speaker onto the role vocabulary used by the persistence
// collaborator ("user" / "model").
func (s Speaker) Role() string {
	if s == SpeakerAgent {
		return "model"
	}
	return "user"
}

// TranscriptTurn is one sealed span of speech from a single speaker.
type TranscriptTurn struct {
	Speaker Speaker
	Text    string
}

// String renders the turn as a single "speaker: text" line.
func (t TranscriptTurn) String() string {
	return fmt.Sprintf("%s: %s", t.Speaker, t.Text)
}

// FormatTranscript serialises turns as newline-separated "speaker: text" lines.
func FormatTranscript(turns []TranscriptTurn) string {
	var b strings.Builder
	for i, t := range turns {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(t.String())
	}
	return b.String()
}

// Message is a persisted conversation message.
type Message struct {
	// Role is "user" or "model".
	Role string

	// Content is the message text.
	Content string
}

// TrainingMode selects the persona the remote model adopts.
type TrainingMode string

const (
	ModeCoaching TrainingMode = "coaching"
	ModeRoleplay TrainingMode = "roleplay"
	ModeStrategy TrainingMode = "strategy"
)

// IsValid reports whether m is a known training mode.
func (m TrainingMode) IsValid() bool {
	switch m {
	case ModeCoaching, ModeRoleplay, ModeStrategy:
		return true
	}
	return false
}

// Intensity tunes how hard the roleplay prospect pushes back.
type Intensity string

const (
	IntensityEasy   Intensity = "easy"
	IntensityNormal Intensity = "normal"
	IntensityHard   Intensity = "hard"
)

// IsValid reports whether i is a known intensity.
func (i Intensity) IsValid() bool {
	switch i {
	case IntensityEasy, IntensityNormal, IntensityHard:
		return true
	}
	return false
}

// VoicePreference is the user's requested gender for the AI voice.
type VoicePreference string

const (
	VoiceMale   VoicePreference = "Male"
	VoiceFemale VoicePreference = "Female"
)

// Settings configures one training session.
type Settings struct {
	// Mode chooses between mentor coaching and prospect roleplay.
	Mode TrainingMode `json:"mode"`

	// Persona is a free-form description of the prospect, e.g.
	// "Skeptical CFO at a mid-size logistics company". Roleplay only.
	Persona string `json:"persona,omitempty"`

	// Intensity controls prospect resistance. Roleplay only.
	Intensity Intensity `json:"intensity,omitempty"`

	// Voice selects the AI voice identity.
	Voice VoicePreference `json:"voice,omitempty"`
}

// Document is a user-supplied text document used as grounding context.
type Document struct {
	Filename string `json:"filename"`
	Content  string `json:"content"`
}

// HiddenState holds roleplay facts the prospect withholds until the user earns
// them through discovery. Generated once per session.
type HiddenState struct {
	BudgetCap          string
	HiddenCompetitor   string
	RealDecisionMaker  string
	TimelineConstraint string
	PainPoint          string
}

// PerformanceMetrics is the structured scorecard produced for a completed session.
type PerformanceMetrics struct {
	// EngagementScore is in [0, 100].
	EngagementScore int `json:"engagementScore"`

	// ObjectionsHandled is the number of objections the user addressed.
	ObjectionsHandled int `json:"objectionsHandled"`

	// ConversionProbability is in [0, 100].
	ConversionProbability int `json:"conversionProbability"`

	// Feedback is a short narrative assessment.
	Feedback string `json:"feedback"`

	Strengths  []string `json:"strengths,omitempty"`
	FocusAreas []string `json:"focusAreas,omitempty"`
}
