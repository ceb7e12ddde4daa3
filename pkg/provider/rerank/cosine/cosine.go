// Package cosine provides a reranker that scores passages by cosine
// similarity between query and passage embeddings. It needs no dedicated
// model server and serves as a fallback for the cross-encoder.
package cosine

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/speculo/pkg/provider/embeddings"
	"github.com/MrWong99/speculo/pkg/provider/rerank"
)

var _ rerank.Provider = (*Provider)(nil)

// Provider implements rerank.Provider over an embeddings.Provider.
type Provider struct {
	embedder embeddings.Provider
}

// New creates a cosine reranker. embedder must not be nil.
func New(embedder embeddings.Provider) (*Provider, error) {
	if embedder == nil {
		return nil, errors.New("cosine rerank: embedder must not be nil")
	}
	return &Provider{embedder: embedder}, nil
}

// Rerank implements rerank.Provider.
func (p *Provider) Rerank(ctx context.Context, query string, docs []string, topK int) ([]string, error) {
	if len(docs) == 0 {
		return []string{}, nil
	}

	qv, err := p.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("cosine rerank: embed query: %w", err)
	}
	dvs, err := p.embedder.EmbedBatch(ctx, docs)
	if err != nil {
		return nil, fmt.Errorf("cosine rerank: embed docs: %w", err)
	}
	if len(dvs) != len(docs) {
		return nil, fmt.Errorf("cosine rerank: expected %d vectors, got %d", len(docs), len(dvs))
	}

	scores := make([]float64, len(docs))
	for i, v := range dvs {
		scores[i] = embeddings.Cosine(qv, v)
	}
	return rerank.TopK(docs, scores, topK), nil
}
