package analysis

import (
	"context"
	"fmt"

	"google.golang.org/genai"

	"github.com/salesarchitect/voicecoach/pkg/types"
)

const defaultGeminiModel = "gemini-2.5-flash"

// GeminiOption configures a [GeminiScorer].
type GeminiOption func(*geminiOptions)

type geminiOptions struct {
	model   string
	baseURL string
}

// WithGeminiModel overrides the scoring model.
func WithGeminiModel(model string) GeminiOption {
	return func(o *geminiOptions) {
		if model != "" {
			o.model = model
		}
	}
}

// WithGeminiBaseURL points the client at a different endpoint, used in tests.
func WithGeminiBaseURL(url string) GeminiOption {
	return func(o *geminiOptions) { o.baseURL = url }
}

// GeminiScorer scores transcripts with the Gemini generateContent API using a
// JSON response schema.
type GeminiScorer struct {
	client *genai.Client
	model  string
}

var _ Scorer = (*GeminiScorer)(nil)

// NewGeminiScorer creates a scorer authenticated with apiKey.
func NewGeminiScorer(ctx context.Context, apiKey string, opts ...GeminiOption) (*GeminiScorer, error) {
	o := geminiOptions{model: defaultGeminiModel}
	for _, opt := range opts {
		opt(&o)
	}
	if apiKey == "" {
		return nil, fmt.Errorf("analysis: gemini: missing API key")
	}
	cfg := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if o.baseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: o.baseURL}
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("analysis: gemini: new client: %w", err)
	}
	return &GeminiScorer{client: client, model: o.model}, nil
}

// Score implements Scorer.
func (s *GeminiScorer) Score(ctx context.Context, req Request) (types.PerformanceMetrics, error) {
	resp, err := s.client.Models.GenerateContent(ctx, s.model, genai.Text(BuildPrompt(req)), &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		ResponseSchema:   metricsSchema,
	})
	if err != nil {
		return types.PerformanceMetrics{}, fmt.Errorf("analysis: gemini: generate: %w", err)
	}
	return ParseMetrics(resp.Text())
}

var metricsSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"engagementScore":       {Type: genai.TypeNumber},
		"objectionsHandled":     {Type: genai.TypeNumber},
		"conversionProbability": {Type: genai.TypeNumber},
		"feedback":              {Type: genai.TypeString},
		"strengths":             {Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}},
		"focusAreas":            {Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}},
	},
	Required: []string{"engagementScore", "objectionsHandled", "conversionProbability", "feedback"},
}
