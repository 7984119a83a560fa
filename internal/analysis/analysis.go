// Package analysis turns a finished session transcript into a structured
// performance scorecard by asking a remote model for JSON.
//
// Scoring is a single non-streaming request. Any failure, including output
// that cannot be parsed, is reported as an error and never retried: the
// caller ends the session without a summary.
package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/salesarchitect/voicecoach/pkg/types"
)

// ErrUnparseable is returned when the scoring model's reply is not a valid
// metrics object.
var ErrUnparseable = errors.New("analysis: unparseable scoring response")

// Request is the input of one scoring call.
type Request struct {
	Mode       types.TrainingMode
	Knowledge  string
	Transcript string
}

// Scorer produces PerformanceMetrics for a transcript.
type Scorer interface {
	Score(ctx context.Context, req Request) (types.PerformanceMetrics, error)
}

// ScorerFunc adapts a function to the Scorer interface.
type ScorerFunc func(ctx context.Context, req Request) (types.PerformanceMetrics, error)

// Score implements Scorer.
func (f ScorerFunc) Score(ctx context.Context, req Request) (types.PerformanceMetrics, error) {
	return f(ctx, req)
}

func modeLabel(m types.TrainingMode) string {
	if m == types.ModeRoleplay {
		return "Roleplay (Prospect & Salesperson)"
	}
	return "Coaching Session (Mentor & Mentee)"
}

// BuildPrompt renders the scoring prompt.
func BuildPrompt(req Request) string {
	var b strings.Builder
	b.WriteString("Analyze this sales transcript.\n")
	fmt.Fprintf(&b, "Mode: %s\n\n", modeLabel(req.Mode))
	if req.Knowledge != "" {
		b.WriteString("Use the following sales methodology as the scoring rubric:\n")
		b.WriteString(req.Knowledge)
		b.WriteString("\n\n")
	}
	b.WriteString("Transcript:\n")
	b.WriteString(req.Transcript)
	b.WriteString("\n\nReturn only a JSON object with:\n")
	b.WriteString("- engagementScore: number (0-100)\n")
	b.WriteString("- objectionsHandled: number\n")
	b.WriteString("- conversionProbability: number (0-100)\n")
	b.WriteString("- feedback: string (two sentences of plain text advice)\n")
	b.WriteString("- strengths: array of short strings\n")
	b.WriteString("- focusAreas: array of short strings\n")
	return b.String()
}

// wireMetrics accepts numbers as floats so "72.5" style replies still parse.
type wireMetrics struct {
	EngagementScore       *float64 `json:"engagementScore"`
	ObjectionsHandled     *float64 `json:"objectionsHandled"`
	ConversionProbability *float64 `json:"conversionProbability"`
	Feedback              string   `json:"feedback"`
	Strengths             []string `json:"strengths"`
	FocusAreas            []string `json:"focusAreas"`
}

// ParseMetrics decodes the model's JSON reply. Markdown code fences are
// stripped, scores are clamped to [0, 100] and counts to >= 0. The three
// numeric fields are required.
func ParseMetrics(text string) (types.PerformanceMetrics, error) {
	text = stripFences(text)
	if text == "" {
		return types.PerformanceMetrics{}, fmt.Errorf("%w: empty response", ErrUnparseable)
	}
	var w wireMetrics
	if err := json.Unmarshal([]byte(text), &w); err != nil {
		return types.PerformanceMetrics{}, fmt.Errorf("%w: %v", ErrUnparseable, err)
	}
	if w.EngagementScore == nil || w.ObjectionsHandled == nil || w.ConversionProbability == nil {
		return types.PerformanceMetrics{}, fmt.Errorf("%w: missing required score fields", ErrUnparseable)
	}
	return types.PerformanceMetrics{
		EngagementScore:       clamp(*w.EngagementScore, 0, 100),
		ObjectionsHandled:     clamp(*w.ObjectionsHandled, 0, 1<<20),
		ConversionProbability: clamp(*w.ConversionProbability, 0, 100),
		Feedback:              strings.TrimSpace(w.Feedback),
		Strengths:             w.Strengths,
		FocusAreas:            w.FocusAreas,
	}, nil
}

// clamp rounds v into [lo, hi]. The bounds are applied in float64 so huge
// or non-finite values never reach the int conversion.
func clamp(v float64, lo, hi int) int {
	if math.IsNaN(v) {
		return lo
	}
	v = math.Min(math.Max(v, float64(lo)), float64(hi))
	return int(math.Round(v))
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:] // drop the language tag line
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
