package resilience

import (
	"context"

	"github.com/MrWong99/speculo/pkg/provider/rerank"
)

// RerankFallback implements [rerank.Provider] with automatic failover, e.g.
// from a hosted cross-encoder to the embedding-cosine reranker.
type RerankFallback struct {
	group *FallbackGroup[rerank.Provider]
}

// Compile-time interface assertion.
var _ rerank.Provider = (*RerankFallback)(nil)

// NewRerankFallback creates a [RerankFallback] with primary as the preferred backend.
func NewRerankFallback(primary rerank.Provider, primaryName string, cfg FallbackConfig) *RerankFallback {
	return &RerankFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional reranker as a fallback.
func (f *RerankFallback) AddFallback(name string, provider rerank.Provider) {
	f.group.AddFallback(name, provider)
}

// Rerank orders docs with the first healthy provider.
func (f *RerankFallback) Rerank(ctx context.Context, query string, docs []string, topK int) ([]string, error) {
	return ExecuteWithResult(f.group, func(p rerank.Provider) ([]string, error) {
		return p.Rerank(ctx, query, docs, topK)
	})
}
