// Package postgres provides a PostgreSQL implementation of [memory.Store].
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//
//	id, _ := store.CreateSession(ctx, userID, settings)
//	_ = store.InsertMessages(ctx, id, msgs)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlSessions = `
CREATE TABLE IF NOT EXISTS sessions (
    id          TEXT         PRIMARY KEY,
    user_id     TEXT         NOT NULL,
    mode        TEXT         NOT NULL,
    persona     TEXT         NOT NULL DEFAULT '',
    intensity   TEXT         NOT NULL DEFAULT '',
    voice       TEXT         NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_sessions_user_id
    ON sessions (user_id, created_at);
`

const ddlMessages = `
CREATE TABLE IF NOT EXISTS messages (
    id          BIGSERIAL    PRIMARY KEY,
    session_id  TEXT         NOT NULL REFERENCES sessions (id) ON DELETE CASCADE,
    role        TEXT         NOT NULL,
    content     TEXT         NOT NULL,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_messages_session_id
    ON messages (session_id, id);
`

const ddlSessionMetrics = `
CREATE TABLE IF NOT EXISTS session_metrics (
    session_id              TEXT         PRIMARY KEY REFERENCES sessions (id) ON DELETE CASCADE,
    engagement_score        INTEGER      NOT NULL,
    objections_handled      INTEGER      NOT NULL,
    conversion_probability  INTEGER      NOT NULL,
    feedback                TEXT         NOT NULL DEFAULT '',
    strengths               TEXT[]       NOT NULL DEFAULT '{}',
    focus_areas             TEXT[]       NOT NULL DEFAULT '{}',
    created_at              TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

const ddlDocuments = `
CREATE TABLE IF NOT EXISTS documents (
    user_id     TEXT         NOT NULL,
    filename    TEXT         NOT NULL,
    content     TEXT         NOT NULL,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    PRIMARY KEY (user_id, filename)
);
`

// Migrate creates or ensures all required tables exist. It is idempotent and
// safe to call on every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	statements := []string{
		ddlSessions,
		ddlMessages,
		ddlSessionMetrics,
		ddlDocuments,
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
