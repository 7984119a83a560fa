// Package memory defines the persistence collaborator of the voice coaching
// engine: session records, the conversation log, performance scorecards and
// user-supplied grounding documents.
//
// The session controller only ever writes through [Store] in fire-and-forget
// fashion. Failures are logged by the caller and never block a state
// transition, so implementations should return promptly and wrap every error
// with enough context to be useful in a log line.
//
// Every implementation must be safe for concurrent use.
package memory

import (
	"context"
	"errors"

	"github.com/salesarchitect/voicecoach/pkg/types"
)

// ErrSessionNotFound is returned when an operation references a session ID
// that was never created.
var ErrSessionNotFound = errors.New("memory: session not found")

// SessionStore records training sessions and their conversation log.
type SessionStore interface {
	// CreateSession registers a new session for userID and returns its ID.
	CreateSession(ctx context.Context, userID string, settings types.Settings) (string, error)

	// InsertMessages appends msgs to the session log in order.
	InsertMessages(ctx context.Context, sessionID string, msgs []types.Message) error

	// FetchRecentMessages returns up to limit of the most recent messages for
	// sessionID, oldest first. A limit <= 0 returns an empty slice.
	FetchRecentMessages(ctx context.Context, sessionID string, limit int) ([]types.Message, error)
}

// MetricsStore persists scorecards.
type MetricsStore interface {
	// InsertSessionMetrics stores the scorecard produced for sessionID.
	InsertSessionMetrics(ctx context.Context, sessionID string, m types.PerformanceMetrics) error
}

// DocumentStore holds the user's knowledge-base documents.
type DocumentStore interface {
	// AddDocument stores doc under userID, replacing any document with the
	// same filename.
	AddDocument(ctx context.Context, userID string, doc types.Document) error

	// ListDocuments returns every document owned by userID ordered by filename.
	ListDocuments(ctx context.Context, userID string) ([]types.Document, error)
}

// Store is the full persistence collaborator.
type Store interface {
	SessionStore
	MetricsStore
	DocumentStore
}
