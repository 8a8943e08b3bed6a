package postgres

import (
	"context"
	"database/sql"
	"fmt"

	pgvector "github.com/pgvector/pgvector-go"

	"github.com/takahashiJe/OC-guidanceLLM/internal/storage"
)

// LongTermStore implements storage.LongTermMemoryStore on a pgvector table.
// The memory service appends one combined question+answer record per saved
// turn. Search is wired but deliberately unused by the pipeline for now.
type LongTermStore struct {
	db        *sql.DB
	dimension int
}

var _ storage.LongTermMemoryStore = (*LongTermStore)(nil)

// NewLongTermStore creates the store and ensures its schema.
func NewLongTermStore(db *sql.DB, dimension int) (*LongTermStore, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("%w: embedding dimension must be positive", storage.ErrInvalidInput)
	}

	schema := fmt.Sprintf(`
		CREATE EXTENSION IF NOT EXISTS vector;
		CREATE TABLE IF NOT EXISTS long_term_memory (
			id          BIGSERIAL PRIMARY KEY,
			user_id     BIGINT NOT NULL,
			session_id  TEXT NOT NULL,
			turn_number INTEGER NOT NULL,
			content     TEXT NOT NULL,
			embedding   vector(%d) NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS idx_long_term_memory_user
			ON long_term_memory (user_id, session_id);
	`, dimension)

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("postgres: failed to ensure long-term schema: %w", err)
	}

	return &LongTermStore{db: db, dimension: dimension}, nil
}

// Append stores one combined question+answer record.
func (s *LongTermStore) Append(ctx context.Context, rec storage.LongTermRecord) error {
	if rec.Content == "" {
		return fmt.Errorf("%w: record content is required", storage.ErrInvalidInput)
	}
	if len(rec.Embedding) != s.dimension {
		return fmt.Errorf("%w: embedding length %d does not match dimension %d",
			storage.ErrInvalidInput, len(rec.Embedding), s.dimension)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO long_term_memory (user_id, session_id, turn_number, content, embedding)
		 VALUES ($1, $2, $3, $4, $5)`,
		rec.UserID, rec.SessionID, rec.TurnNumber, rec.Content, pgvector.NewVector(rec.Embedding),
	)
	if err != nil {
		return fmt.Errorf("postgres: failed to append long-term record: %w", err)
	}
	return nil
}

// Search returns the k records closest to the query embedding.
// Reserved extension point; no pipeline node calls this yet.
func (s *LongTermStore) Search(ctx context.Context, embedding []float32, k int) ([]storage.LongTermRecord, error) {
	if len(embedding) != s.dimension {
		return nil, fmt.Errorf("%w: embedding length %d does not match dimension %d",
			storage.ErrInvalidInput, len(embedding), s.dimension)
	}
	if k <= 0 {
		k = 5
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, session_id, turn_number, content, created_at
		   FROM long_term_memory
		  ORDER BY embedding <=> $1
		  LIMIT $2`,
		pgvector.NewVector(embedding), k,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: long-term search failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []storage.LongTermRecord
	for rows.Next() {
		var r storage.LongTermRecord
		if err := rows.Scan(&r.UserID, &r.SessionID, &r.TurnNumber, &r.Content, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan long-term row: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: long-term rows iteration failed: %w", err)
	}
	return records, nil
}
