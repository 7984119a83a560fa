package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/salesarchitect/voicecoach/internal/coach"
	"github.com/salesarchitect/voicecoach/pkg/types"
)

const meterWidth = 30

func describe(s types.Settings) string {
	if s.Mode != types.ModeRoleplay {
		return string(s.Mode)
	}
	p := s.Persona
	if p == "" {
		p = "generic prospect"
	}
	return fmt.Sprintf("roleplay, %s, %s", p, s.Intensity)
}

// drawMeter redraws the one-line volume meter on stderr.
func drawMeter(s *coach.Session, agentTalking bool) {
	if s == nil {
		return
	}
	n := min(int(s.Volume()*meterWidth+0.5), meterWidth)
	who := "you  "
	if agentTalking {
		who = "coach"
	}
	fmt.Fprintf(os.Stderr, "\r\033[K[%s%s] %-10s %s", strings.Repeat("#", n), strings.Repeat(" ", meterWidth-n), s.State(), who)
}

func printScorecard(o coach.Outcome) {
	fmt.Println()
	switch o.State {
	case coach.StateSummary:
	case coach.StateError:
		fmt.Printf("Session failed: %v\n", o.Err)
		return
	default:
		if o.Err != nil {
			fmt.Printf("Session closed without a summary: %v\n", o.Err)
		} else {
			fmt.Println("Session closed without a summary: not enough conversation to score.")
		}
		return
	}

	m := o.Metrics
	fmt.Println("══════════════ Scorecard ══════════════")
	fmt.Printf("  Engagement             %3d / 100\n", m.EngagementScore)
	fmt.Printf("  Objections handled     %3d\n", m.ObjectionsHandled)
	fmt.Printf("  Conversion probability %3d%%\n", m.ConversionProbability)
	fmt.Println()
	fmt.Println("  " + m.Feedback)
	printList("Strengths", m.Strengths)
	printList("Focus areas", m.FocusAreas)
	fmt.Println("═══════════════════════════════════════")
	fmt.Printf("  session %s, %d turns\n", o.SessionID, len(o.Transcript))
}

func printList(title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Printf("\n  %s:\n", title)
	for _, it := range items {
		fmt.Printf("   - %s\n", it)
	}
}
