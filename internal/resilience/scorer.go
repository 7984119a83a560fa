package resilience

import (
	"context"

	"github.com/salesarchitect/voicecoach/internal/analysis"
	"github.com/salesarchitect/voicecoach/pkg/types"
)

var _ analysis.Scorer = (*FallbackScorer)(nil)

// FallbackScorer scores with the primary scorer and fails over to the
// fallbacks in order.
type FallbackScorer struct {
	group *Group[analysis.Scorer]
}

// NewFallbackScorer wraps primary. Add fallbacks with [FallbackScorer.Add].
func NewFallbackScorer(name string, primary analysis.Scorer, cfg BreakerConfig) *FallbackScorer {
	return &FallbackScorer{group: NewGroup(name, primary, cfg)}
}

// Add registers a fallback scorer.
func (f *FallbackScorer) Add(name string, s analysis.Scorer) {
	f.group.Add(name, s)
}

// Score implements [analysis.Scorer].
func (f *FallbackScorer) Score(ctx context.Context, req analysis.Request) (types.PerformanceMetrics, error) {
	return Call(ctx, f.group, func(s analysis.Scorer) (types.PerformanceMetrics, error) {
		return s.Score(ctx, req)
	})
}
