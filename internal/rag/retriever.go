package rag

import (
	"context"
	"fmt"
	"strings"

	"github.com/MrWong99/speculo/pkg/knowledge"
	"github.com/MrWong99/speculo/pkg/provider/embeddings"
)

// IndexRetriever implements [Retriever] by embedding the query and running a
// nearest-neighbour search against a [knowledge.Index].
type IndexRetriever struct {
	emb   embeddings.Provider
	index knowledge.Index
}

var _ Retriever = (*IndexRetriever)(nil)

// NewRetriever returns an [IndexRetriever].
func NewRetriever(emb embeddings.Provider, index knowledge.Index) *IndexRetriever {
	return &IndexRetriever{emb: emb, index: index}
}

// Search implements [Retriever]. A blank query or non-positive limit returns
// an empty slice without touching the backends.
func (r *IndexRetriever) Search(ctx context.Context, query string, limit int) ([]string, error) {
	if limit <= 0 || strings.TrimSpace(query) == "" {
		return []string{}, nil
	}
	vec, err := r.emb.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("rag: embed query: %w", err)
	}
	hits, err := r.index.Search(ctx, vec, limit)
	if err != nil {
		return nil, fmt.Errorf("rag: search index: %w", err)
	}
	return knowledge.Texts(hits), nil
}
