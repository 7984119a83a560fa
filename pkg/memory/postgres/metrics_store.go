package postgres

import (
	"context"
	"fmt"

	"github.com/salesarchitect/voicecoach/pkg/types"
)

// InsertSessionMetrics implements [memory.MetricsStore]. A second scorecard
// for the same session replaces the first.
func (s *Store) InsertSessionMetrics(ctx context.Context, sessionID string, m types.PerformanceMetrics) error {
	const q = `
		INSERT INTO session_metrics
		    (session_id, engagement_score, objections_handled, conversion_probability,
		     feedback, strengths, focus_areas)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (session_id) DO UPDATE SET
		    engagement_score       = EXCLUDED.engagement_score,
		    objections_handled     = EXCLUDED.objections_handled,
		    conversion_probability = EXCLUDED.conversion_probability,
		    feedback               = EXCLUDED.feedback,
		    strengths              = EXCLUDED.strengths,
		    focus_areas            = EXCLUDED.focus_areas`

	_, err := s.pool.Exec(ctx, q,
		sessionID,
		m.EngagementScore,
		m.ObjectionsHandled,
		m.ConversionProbability,
		m.Feedback,
		nonNil(m.Strengths),
		nonNil(m.FocusAreas),
	)
	if err != nil {
		return fmt.Errorf("metrics store: insert: %w", err)
	}
	return nil
}

// SessionMetrics loads the scorecard stored for sessionID.
func (s *Store) SessionMetrics(ctx context.Context, sessionID string) (types.PerformanceMetrics, error) {
	const q = `
		SELECT engagement_score, objections_handled, conversion_probability,
		       feedback, strengths, focus_areas
		FROM   session_metrics
		WHERE  session_id = $1`

	var m types.PerformanceMetrics
	err := s.pool.QueryRow(ctx, q, sessionID).Scan(
		&m.EngagementScore,
		&m.ObjectionsHandled,
		&m.ConversionProbability,
		&m.Feedback,
		&m.Strengths,
		&m.FocusAreas,
	)
	if err != nil {
		return types.PerformanceMetrics{}, fmt.Errorf("metrics store: get: %w", err)
	}
	return m, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
