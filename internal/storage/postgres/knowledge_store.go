// Package postgres implements the vector-backed stores (knowledge base,
// long-term memory) on PostgreSQL with the pgvector extension.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/lib/pq" // PostgreSQL driver
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/takahashiJe/OC-guidanceLLM/internal/storage"
)

// Open opens a PostgreSQL connection pool for the given DSN and verifies it.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to open connection: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres: failed to ping database: %w", err)
	}
	return db, nil
}

// KnowledgeStore implements storage.KnowledgeStore over a pgvector-indexed
// passages table. The service is strictly a client of the index: ingestion
// happens through InsertPassage (used by cmd/kb-loader), search through
// SearchSimilar.
type KnowledgeStore struct {
	db        *sql.DB
	dimension int
}

var _ storage.KnowledgeStore = (*KnowledgeStore)(nil)

// NewKnowledgeStore creates the store and ensures its schema. dimension is
// the embedding width of the configured embedding model.
func NewKnowledgeStore(db *sql.DB, dimension int) (*KnowledgeStore, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("%w: embedding dimension must be positive", storage.ErrInvalidInput)
	}

	schema := fmt.Sprintf(`
		CREATE EXTENSION IF NOT EXISTS vector;
		CREATE TABLE IF NOT EXISTS knowledge_passages (
			id         BIGSERIAL PRIMARY KEY,
			content    TEXT NOT NULL,
			source     TEXT NOT NULL,
			metadata   JSONB NOT NULL DEFAULT '{}'::jsonb,
			embedding  vector(%d) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
	`, dimension)

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("postgres: failed to ensure knowledge schema: %w", err)
	}

	return &KnowledgeStore{db: db, dimension: dimension}, nil
}

// SearchSimilar returns the k passages closest to the query embedding by
// cosine distance (pgvector's <=> operator), nearest first.
func (s *KnowledgeStore) SearchSimilar(ctx context.Context, embedding []float32, k int) ([]storage.Passage, error) {
	if len(embedding) != s.dimension {
		return nil, fmt.Errorf("%w: embedding length %d does not match dimension %d",
			storage.ErrInvalidInput, len(embedding), s.dimension)
	}
	if k <= 0 {
		k = 3
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT content, source, metadata
		   FROM knowledge_passages
		  ORDER BY embedding <=> $1
		  LIMIT $2`,
		pgvector.NewVector(embedding), k,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: similarity search failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var passages []storage.Passage
	for rows.Next() {
		var p storage.Passage
		var metaRaw []byte
		if err := rows.Scan(&p.Content, &p.Source, &metaRaw); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan passage row: %w", err)
		}
		if len(metaRaw) > 0 {
			if err := json.Unmarshal(metaRaw, &p.Metadata); err != nil {
				// Metadata is advisory; a bad row must not sink the search.
				p.Metadata = nil
			}
		}
		passages = append(passages, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: passage rows iteration failed: %w", err)
	}
	return passages, nil
}

// InsertPassage adds one passage with its embedding to the index.
func (s *KnowledgeStore) InsertPassage(ctx context.Context, p storage.Passage, embedding []float32) error {
	if p.Content == "" {
		return fmt.Errorf("%w: passage content is required", storage.ErrInvalidInput)
	}
	if len(embedding) != s.dimension {
		return fmt.Errorf("%w: embedding length %d does not match dimension %d",
			storage.ErrInvalidInput, len(embedding), s.dimension)
	}

	meta := p.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("postgres: failed to marshal passage metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO knowledge_passages (content, source, metadata, embedding)
		 VALUES ($1, $2, $3, $4)`,
		p.Content, p.Source, metaJSON, pgvector.NewVector(embedding),
	)
	if err != nil {
		return fmt.Errorf("postgres: failed to insert passage from %q: %w", p.Source, err)
	}
	return nil
}
