package coach

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/salesarchitect/voicecoach/internal/analysis"
	"github.com/salesarchitect/voicecoach/internal/observe"
	"github.com/salesarchitect/voicecoach/internal/persona"
	"github.com/salesarchitect/voicecoach/internal/transcript"
	"github.com/salesarchitect/voicecoach/pkg/types"
)

// finalize closes the transport, scores the transcript and persists the
// results. It runs once, in the background, after End.
func (s *Session) finalize() {
	ctx, span := observe.StartSpan(context.Background(), "coach.finalize")
	defer span.End()

	s.mu.Lock()
	handle, sessionID := s.handle, s.sessionID
	s.mu.Unlock()
	observe.TagSession(ctx, sessionID)
	log := observe.Logger(ctx).With("session_id", sessionID)

	if handle != nil {
		if err := handle.Close(); err != nil {
			log.Debug("close transport", "err", err)
		}
	}

	turns := s.transcript.Flush()
	text := types.FormatTranscript(turns)
	if len(text) < s.cfg.MinTranscriptChars {
		log.Info("transcript too short to score", "chars", len(text), "min", s.cfg.MinTranscriptChars)
		s.finish(ctx, Outcome{State: StateClosed, SessionID: sessionID, Transcript: turns}, "no_summary")
		return
	}

	s.persist(ctx, log, "insert_messages", func(ctx context.Context) error {
		return s.deps.Store.InsertMessages(ctx, sessionID, transcript.Messages(turns))
	})

	metrics, err := s.score(ctx, text)
	if err != nil {
		log.Warn("scoring failed, closing without summary", "err", err)
		s.finish(ctx, Outcome{State: StateClosed, SessionID: sessionID, Transcript: turns, Err: err}, "no_summary")
		return
	}

	s.persist(ctx, log, "insert_session_metrics", func(ctx context.Context) error {
		return s.deps.Store.InsertSessionMetrics(ctx, sessionID, metrics)
	})

	s.mu.Lock()
	s.result = &metrics
	s.mu.Unlock()
	log.Info("session scored",
		"engagement", metrics.EngagementScore,
		"objections", metrics.ObjectionsHandled,
		"conversion", metrics.ConversionProbability,
	)
	s.finish(ctx, Outcome{State: StateSummary, SessionID: sessionID, Transcript: turns, Metrics: &metrics}, "summary")
}

func (s *Session) score(ctx context.Context, text string) (types.PerformanceMetrics, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ScoringTimeout)
	defer cancel()

	kb := s.cfg.Knowledge
	if kb == "" {
		kb = persona.KnowledgeExcerpt(knowledgeExcerptChars)
	}
	start := time.Now()
	m, err := s.deps.Scorer.Score(ctx, analysis.Request{
		Mode:       s.cfg.Settings.Mode,
		Knowledge:  kb,
		Transcript: text,
	})
	s.metrics.ScoringDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		s.metrics.RecordProviderRequest(ctx, "scoring", "analysis", "error")
		return types.PerformanceMetrics{}, fmt.Errorf("coach: score: %w", err)
	}
	s.metrics.RecordProviderRequest(ctx, "scoring", "analysis", "ok")
	return m, nil
}

// persist runs write in the background. Failures are logged and counted,
// never surfaced.
func (s *Session) persist(ctx context.Context, log *slog.Logger, op string, write func(context.Context) error) {
	if s.deps.Store == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	s.bg.Go(func() {
		if err := write(ctx); err != nil {
			s.metrics.RecordPersistError(ctx, op)
			log.Warn("persist failed", "op", op, "err", err)
		}
	})
}

func (s *Session) finish(ctx context.Context, o Outcome, outcome string) {
	if !s.setState(o.State, o.Err) {
		return
	}
	s.metrics.RecordSessionFinished(ctx, outcome)
	s.deliver(o)
}
