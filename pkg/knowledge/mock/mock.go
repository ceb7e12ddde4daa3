// Package mock provides a test double for the knowledge.Index interface.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/speculo/pkg/knowledge"
)

// SearchCall records a single invocation of Search.
type SearchCall struct {
	Embedding []float32
	Limit     int
}

// Index is a mock implementation of knowledge.Index.
type Index struct {
	mu sync.Mutex

	// Hits is returned by Search, truncated to the requested limit.
	Hits []knowledge.Hit

	// SearchErr, UpsertErr, RecreateErr and PingErr are returned by the
	// corresponding methods when non-nil.
	SearchErr   error
	UpsertErr   error
	RecreateErr error
	PingErr     error

	// Upserted accumulates every passage passed to Upsert.
	Upserted []knowledge.Passage

	// SearchCalls records every Search invocation.
	SearchCalls []SearchCall

	// RecreateCount and CloseCount count the respective calls.
	RecreateCount int
	CloseCount    int
}

// Upsert records the passages and returns UpsertErr.
func (m *Index) Upsert(_ context.Context, passages []knowledge.Passage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.UpsertErr != nil {
		return m.UpsertErr
	}
	m.Upserted = append(m.Upserted, passages...)
	return nil
}

// Search records the call and returns Hits, SearchErr.
func (m *Index) Search(_ context.Context, embedding []float32, limit int) ([]knowledge.Hit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SearchCalls = append(m.SearchCalls, SearchCall{Embedding: embedding, Limit: limit})
	if m.SearchErr != nil {
		return nil, m.SearchErr
	}
	hits := append([]knowledge.Hit{}, m.Hits...)
	if limit >= 0 && limit < len(hits) {
		hits = hits[:limit]
	}
	return hits, nil
}

// Count returns the number of upserted passages.
func (m *Index) Count(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Upserted), nil
}

// Recreate clears Upserted and returns RecreateErr.
func (m *Index) Recreate(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RecreateCount++
	if m.RecreateErr != nil {
		return m.RecreateErr
	}
	m.Upserted = nil
	return nil
}

// Ping returns PingErr.
func (m *Index) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.PingErr
}

// Close counts the call.
func (m *Index) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CloseCount++
}

// Ensure Index implements knowledge.Index at compile time.
var _ knowledge.Index = (*Index)(nil)
