package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/salesarchitect/voicecoach/pkg/types"
)

// AddDocument implements [memory.DocumentStore].
func (s *Store) AddDocument(ctx context.Context, userID string, doc types.Document) error {
	const q = `
		INSERT INTO documents (user_id, filename, content)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, filename) DO UPDATE SET content = EXCLUDED.content`

	if _, err := s.pool.Exec(ctx, q, userID, doc.Filename, doc.Content); err != nil {
		return fmt.Errorf("document store: add: %w", err)
	}
	return nil
}

// ListDocuments implements [memory.DocumentStore].
func (s *Store) ListDocuments(ctx context.Context, userID string) ([]types.Document, error) {
	const q = `
		SELECT filename, content
		FROM   documents
		WHERE  user_id = $1
		ORDER  BY filename`

	rows, err := s.pool.Query(ctx, q, userID)
	if err != nil {
		return nil, fmt.Errorf("document store: list: %w", err)
	}
	docs, err := pgx.CollectRows(rows, pgx.RowToStructByPos[types.Document])
	if err != nil {
		return nil, fmt.Errorf("document store: scan rows: %w", err)
	}
	if docs == nil {
		docs = []types.Document{}
	}
	return docs, nil
}
