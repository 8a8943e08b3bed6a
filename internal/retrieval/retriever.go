// Package retrieval wraps the similarity-search index behind the small
// Retriever boundary the pipeline consumes.
package retrieval

import (
	"context"
	"fmt"

	"github.com/takahashiJe/OC-guidanceLLM/internal/llm"
	"github.com/takahashiJe/OC-guidanceLLM/internal/storage"
)

// Retriever is the knowledge retrieval boundary: one query in, ranked
// passages out. Metadata carries at minimum a source identifier.
type Retriever interface {
	Search(ctx context.Context, query string, k int) ([]storage.Passage, error)
}

// VectorRetriever embeds the query and delegates to the pgvector-backed
// knowledge store.
type VectorRetriever struct {
	embedder llm.EmbeddingGenerator
	store    storage.KnowledgeStore
}

var _ Retriever = (*VectorRetriever)(nil)

// NewVectorRetriever creates a retriever over the given embedder and store.
func NewVectorRetriever(embedder llm.EmbeddingGenerator, store storage.KnowledgeStore) *VectorRetriever {
	return &VectorRetriever{embedder: embedder, store: store}
}

// Search embeds query and returns the k nearest passages.
func (r *VectorRetriever) Search(ctx context.Context, query string, k int) ([]storage.Passage, error) {
	vector, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("retrieval: failed to embed query: %w", err)
	}

	passages, err := r.store.SearchSimilar(ctx, vector, k)
	if err != nil {
		return nil, fmt.Errorf("retrieval: similarity search failed: %w", err)
	}
	return passages, nil
}
