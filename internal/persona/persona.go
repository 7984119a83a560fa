// Package persona builds the system instructions for the live voice session.
//
// Coaching sessions cast the model as a mentor grounded in the embedded sales
// playbook. Roleplay sessions cast it as a prospect that follows the chosen
// scenario and intensity and guards a randomly generated [types.HiddenState]
// until the user uncovers it through good discovery.
package persona

import (
	"fmt"
	"strings"

	"github.com/salesarchitect/voicecoach/pkg/types"
)

// Voices maps a voice preference to a provider voice name.
type Voices struct {
	Male   string `yaml:"male"`
	Female string `yaml:"female"`
}

// DefaultVoices are the Gemini Live voices used when none are configured.
var DefaultVoices = Voices{Male: "Fenrir", Female: "Zephyr"}

// VoiceFor returns the voice name for pref. Anything other than Male maps to
// the female voice.
func (v Voices) VoiceFor(pref types.VoicePreference) string {
	if pref == types.VoiceMale {
		return v.Male
	}
	return v.Female
}

// Input is everything the instructions are built from.
type Input struct {
	Settings  types.Settings
	Documents []types.Document

	// Hidden is only used in roleplay mode.
	Hidden types.HiddenState

	// Knowledge overrides the embedded playbook when non-empty.
	Knowledge string
}

// BuildInstructions renders the system instruction for a session.
func BuildInstructions(in Input) string {
	kb := in.Knowledge
	if kb == "" {
		kb = KnowledgeBase()
	}
	docs := documentContext(in.Documents)

	var b strings.Builder
	if in.Settings.Mode == types.ModeRoleplay {
		writeRoleplay(&b, in.Settings, in.Hidden, docs)
	} else {
		writeCoaching(&b, kb, docs)
	}
	return b.String()
}

func writeCoaching(b *strings.Builder, kb, docs string) {
	b.WriteString("You are the Sales Architect, a master sales coach.\n")
	b.WriteString("Listen to the salesperson, ask clarifying questions, and give advice based strictly on the playbook below.\n")
	b.WriteString("Be encouraging, punchy and direct. Use short sentences. You are a mentor, never a prospect.\n\n")
	b.WriteString("PLAYBOOK:\n")
	b.WriteString(kb)
	if docs != "" {
		b.WriteString("\n")
		b.WriteString(docs)
	}
}

func writeRoleplay(b *strings.Builder, s types.Settings, h types.HiddenState, docs string) {
	persona := s.Persona
	if persona == "" {
		persona = "A busy prospect evaluating whether to take this call seriously"
	}
	intensity := s.Intensity
	if intensity == "" {
		intensity = types.IntensityNormal
	}

	b.WriteString("You are the Sales Architect live roleplay partner.\n")
	fmt.Fprintf(b, "Scenario: %s.\n", persona)
	fmt.Fprintf(b, "Difficulty: %s.\n\n", intensity)
	b.WriteString("Act exactly as the prospect described and never break character.\n")
	switch intensity {
	case types.IntensityHard:
		b.WriteString("Be difficult: interrupt, challenge claims and demand proof.\n")
	case types.IntensityEasy:
		b.WriteString("Be agreeable but still ask the standard questions a buyer would ask.\n")
	default:
		b.WriteString("Be realistic: raise a couple of genuine objections and expect good answers.\n")
	}

	b.WriteString("\nHIDDEN FACTS (reveal each one only if the salesperson asks a good discovery question that earns it):\n")
	for _, f := range []struct{ label, value string }{
		{"Budget", h.BudgetCap},
		{"Competition", h.HiddenCompetitor},
		{"Decision maker", h.RealDecisionMaker},
		{"Timeline", h.TimelineConstraint},
		{"Pain", h.PainPoint},
	} {
		if f.value != "" {
			fmt.Fprintf(b, "- %s: %s\n", f.label, f.value)
		}
	}

	if docs != "" {
		b.WriteString("\n")
		b.WriteString(docs)
		b.WriteString("You only know what is in the company context if it would be public or the salesperson mentioned it. ")
		b.WriteString("Challenge pricing or feature claims that contradict it.\n")
	}
	b.WriteString("\nStart the conversation immediately by greeting the salesperson as the prospect would.\n")
}

// documentContext renders user documents as a delimited context block, or
// the empty string when there are none.
func documentContext(docs []types.Document) string {
	if len(docs) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("*** USER PROVIDED COMPANY CONTEXT ***\n")
	b.WriteString("The user uploaded these documents about their company and product. Use them to tailor your responses.\n\n")
	for _, d := range docs {
		fmt.Fprintf(&b, "--- Document: %s ---\n%s\n\n", d.Filename, d.Content)
	}
	b.WriteString("*************************************\n")
	return b.String()
}
