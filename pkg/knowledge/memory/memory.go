// Package memory provides an in-process knowledge.Index that performs exact
// brute-force cosine search. It suits small manuals, demos and tests; use the
// postgres package for anything persistent.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/speculo/pkg/knowledge"
	"github.com/MrWong99/speculo/pkg/provider/embeddings"
)

var _ knowledge.Index = (*Index)(nil)

// Index is an in-memory knowledge.Index.
type Index struct {
	dims int

	mu    sync.RWMutex
	order []string
	byID  map[string]knowledge.Passage
}

// New returns an empty Index. A positive dims enforces the vector length on
// Upsert and Search; zero accepts any length.
func New(dims int) *Index {
	return &Index{dims: dims, byID: make(map[string]knowledge.Passage)}
}

// Upsert implements knowledge.Index.
func (ix *Index) Upsert(_ context.Context, passages []knowledge.Passage) error {
	for _, p := range passages {
		if err := ix.check(p.Embedding); err != nil {
			return fmt.Errorf("memory index: upsert %s: %w", p.ID, err)
		}
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	for _, p := range passages {
		if _, ok := ix.byID[p.ID]; !ok {
			ix.order = append(ix.order, p.ID)
		}
		p.Embedding = slices.Clone(p.Embedding)
		ix.byID[p.ID] = p
	}
	return nil
}

// Search implements knowledge.Index. Ties in distance keep insertion order.
func (ix *Index) Search(_ context.Context, embedding []float32, limit int) ([]knowledge.Hit, error) {
	if err := ix.check(embedding); err != nil {
		return nil, fmt.Errorf("memory index: search: %w", err)
	}

	ix.mu.RLock()
	hits := make([]knowledge.Hit, 0, len(ix.order))
	for _, id := range ix.order {
		p := ix.byID[id]
		hits = append(hits, knowledge.Hit{Passage: p, Distance: 1 - embeddings.Cosine(embedding, p.Embedding)})
	}
	ix.mu.RUnlock()

	slices.SortStableFunc(hits, func(a, b knowledge.Hit) int {
		switch {
		case a.Distance < b.Distance:
			return -1
		case a.Distance > b.Distance:
			return 1
		default:
			return 0
		}
	})
	if limit >= 0 && limit < len(hits) {
		hits = hits[:limit]
	}
	return hits, nil
}

// Count implements knowledge.Index.
func (ix *Index) Count(context.Context) (int, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.order), nil
}

// Recreate implements knowledge.Index.
func (ix *Index) Recreate(context.Context) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.order = nil
	ix.byID = make(map[string]knowledge.Passage)
	return nil
}

// Ping implements knowledge.Index. It always succeeds.
func (ix *Index) Ping(context.Context) error { return nil }

// Close implements knowledge.Index.
func (ix *Index) Close() {}

func (ix *Index) check(vec []float32) error {
	if ix.dims > 0 && len(vec) != ix.dims {
		return fmt.Errorf("%w: got %d, want %d", knowledge.ErrDimensionMismatch, len(vec), ix.dims)
	}
	return nil
}
