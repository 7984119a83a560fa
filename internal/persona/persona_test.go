package persona_test

import (
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/salesarchitect/voicecoach/internal/persona"
	"github.com/salesarchitect/voicecoach/pkg/types"
)

func TestGenerateHiddenState_Deterministic(t *testing.T) {
	t.Parallel()

	a := persona.GenerateHiddenState(rand.New(rand.NewPCG(42, 7)))
	b := persona.GenerateHiddenState(rand.New(rand.NewPCG(42, 7)))
	if a != b {
		t.Errorf("same seed produced different states:\n%+v\n%+v", a, b)
	}
	if a.BudgetCap == "" || a.HiddenCompetitor == "" || a.RealDecisionMaker == "" {
		t.Errorf("required fields missing: %+v", a)
	}
}

func TestGenerateHiddenState_CoversOptions(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewPCG(1, 1))
	seen := map[string]bool{}
	for range 200 {
		seen[persona.GenerateHiddenState(rng).BudgetCap] = true
	}
	if len(seen) < 2 {
		t.Errorf("only %d distinct budget caps in 200 draws", len(seen))
	}
}

func TestBuildInstructions_Coaching(t *testing.T) {
	t.Parallel()

	got := persona.BuildInstructions(persona.Input{
		Settings: types.Settings{Mode: types.ModeCoaching},
		Hidden:   types.HiddenState{BudgetCap: "SECRET-BUDGET"},
	})
	if !strings.Contains(got, "mentor") {
		t.Error("coaching instructions should cast a mentor")
	}
	if !strings.Contains(got, persona.KnowledgeBase()) {
		t.Error("coaching instructions should embed the playbook")
	}
	if strings.Contains(got, "SECRET-BUDGET") {
		t.Error("hidden state must not leak into coaching mode")
	}
}

func TestBuildInstructions_Roleplay(t *testing.T) {
	t.Parallel()

	hidden := types.HiddenState{
		BudgetCap:         "cap-1",
		HiddenCompetitor:  "comp-1",
		RealDecisionMaker: "dm-1",
	}
	got := persona.BuildInstructions(persona.Input{
		Settings: types.Settings{
			Mode:      types.ModeRoleplay,
			Persona:   "The Skeptic (Needs Proof)",
			Intensity: types.IntensityHard,
		},
		Hidden:    hidden,
		Documents: []types.Document{{Filename: "pricing.txt", Content: "Seats are $40/month."}},
	})

	for _, want := range []string{
		"The Skeptic (Needs Proof)",
		"Difficulty: hard",
		"interrupt",
		"cap-1", "comp-1", "dm-1",
		"--- Document: pricing.txt ---",
		"Seats are $40/month.",
		"greeting",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("roleplay instructions missing %q", want)
		}
	}
	if strings.Contains(got, "Timeline:") {
		t.Error("empty hidden fields should be omitted")
	}
}

func TestVoiceFor(t *testing.T) {
	t.Parallel()

	v := persona.DefaultVoices
	if v.VoiceFor(types.VoiceMale) != "Fenrir" || v.VoiceFor(types.VoiceFemale) != "Zephyr" {
		t.Errorf("unexpected voices %+v", v)
	}
	if v.VoiceFor("") != "Zephyr" {
		t.Error("unset preference should use the female voice")
	}
}

func TestKnowledgeExcerpt(t *testing.T) {
	t.Parallel()

	full := persona.KnowledgeBase()
	if persona.KnowledgeExcerpt(0) != full {
		t.Error("non-positive limit should return everything")
	}
	ex := persona.KnowledgeExcerpt(200)
	if len(ex) > 200 || !strings.HasPrefix(full, ex) {
		t.Errorf("excerpt of %d chars is not a prefix within limit", len(ex))
	}
}
