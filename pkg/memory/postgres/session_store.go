package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/salesarchitect/voicecoach/pkg/types"
)

// CreateSession implements [memory.SessionStore].
func (s *Store) CreateSession(ctx context.Context, userID string, settings types.Settings) (string, error) {
	const q = `
		INSERT INTO sessions (id, user_id, mode, persona, intensity, voice)
		VALUES ($1, $2, $3, $4, $5, $6)`

	id := uuid.NewString()
	_, err := s.pool.Exec(ctx, q,
		id,
		userID,
		string(settings.Mode),
		settings.Persona,
		string(settings.Intensity),
		string(settings.Voice),
	)
	if err != nil {
		return "", fmt.Errorf("session store: create session: %w", err)
	}
	return id, nil
}

// InsertMessages implements [memory.SessionStore]. All messages are sent in a
// single batch so their ids preserve the caller's order.
func (s *Store) InsertMessages(ctx context.Context, sessionID string, msgs []types.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	const q = `INSERT INTO messages (session_id, role, content) VALUES ($1, $2, $3)`

	batch := &pgx.Batch{}
	for _, m := range msgs {
		batch.Queue(q, sessionID, m.Role, m.Content)
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range msgs {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("session store: insert messages: %w", err)
		}
	}
	return nil
}

// FetchRecentMessages implements [memory.SessionStore].
func (s *Store) FetchRecentMessages(ctx context.Context, sessionID string, limit int) ([]types.Message, error) {
	if limit <= 0 {
		return []types.Message{}, nil
	}
	const q = `
		SELECT role, content FROM (
		    SELECT id, role, content
		    FROM   messages
		    WHERE  session_id = $1
		    ORDER  BY id DESC
		    LIMIT  $2
		) recent
		ORDER BY id`

	rows, err := s.pool.Query(ctx, q, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("session store: fetch recent: %w", err)
	}
	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.Message, error) {
		var m types.Message
		err := row.Scan(&m.Role, &m.Content)
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("session store: scan rows: %w", err)
	}
	if msgs == nil {
		msgs = []types.Message{}
	}
	return msgs, nil
}
