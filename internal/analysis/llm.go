package analysis

import (
	"context"
	"fmt"

	"github.com/salesarchitect/voicecoach/pkg/provider/llm"
	"github.com/salesarchitect/voicecoach/pkg/types"
)

const llmSystemPrompt = "You are a sales performance analyst. Reply with a single JSON object and nothing else."

// LLMScorer scores transcripts with any text LLM provider.
type LLMScorer struct {
	provider llm.Provider
}

var _ Scorer = (*LLMScorer)(nil)

// NewLLMScorer returns a scorer backed by p.
func NewLLMScorer(p llm.Provider) *LLMScorer {
	return &LLMScorer{provider: p}
}

// Score implements Scorer.
func (s *LLMScorer) Score(ctx context.Context, req Request) (types.PerformanceMetrics, error) {
	resp, err := s.provider.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: llmSystemPrompt,
		Messages:     []llm.Message{{Role: "user", Content: BuildPrompt(req)}},
		Temperature:  0.2,
	})
	if err != nil {
		return types.PerformanceMetrics{}, fmt.Errorf("analysis: llm: %w", err)
	}
	return ParseMetrics(resp.Content)
}
