// Package rerank defines the Provider interface for passage rerankers.
//
// A reranker scores (query, passage) pairs more precisely than vector search
// and keeps the best few. Implementations must return an empty result without
// contacting any backend when docs is empty.
//
// Implementations must be safe for concurrent use.
package rerank

import (
	"context"
	"slices"
)

// Provider reorders candidate passages by relevance to a query.
type Provider interface {
	// Rerank returns at most topK elements of docs, best first. A topK of zero
	// or less keeps every document.
	Rerank(ctx context.Context, query string, docs []string, topK int) ([]string, error)
}

// TopK orders docs by descending score and truncates to k. Ties keep their
// input order. scores[i] belongs to docs[i]; a length mismatch yields nil.
func TopK(docs []string, scores []float64, k int) []string {
	if len(docs) != len(scores) {
		return nil
	}
	idx := make([]int, len(docs))
	for i := range idx {
		idx[i] = i
	}
	slices.SortStableFunc(idx, func(a, b int) int {
		switch {
		case scores[a] > scores[b]:
			return -1
		case scores[a] < scores[b]:
			return 1
		default:
			return 0
		}
	})
	if k > 0 && k < len(idx) {
		idx = idx[:k]
	}
	out := make([]string, len(idx))
	for i, j := range idx {
		out[i] = docs[j]
	}
	return out
}
