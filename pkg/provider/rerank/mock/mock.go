// Package mock provides a test double for the rerank.Provider interface.
//
// With no configured result the mock behaves like an identity reranker: it
// returns the first topK documents in input order.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/speculo/pkg/provider/rerank"
)

// Call records a single invocation of Rerank.
type Call struct {
	Query string
	Docs  []string
	TopK  int
}

// Provider is a mock implementation of rerank.Provider.
type Provider struct {
	mu sync.Mutex

	// Result, if non-nil, is returned by Rerank.
	Result []string

	// Err, if non-nil, is returned as the error from Rerank.
	Err error

	// Calls records every invocation in order.
	Calls []Call
}

// Rerank records the call and returns Result, Err.
func (p *Provider) Rerank(_ context.Context, query string, docs []string, topK int) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = append(p.Calls, Call{Query: query, Docs: append([]string(nil), docs...), TopK: topK})
	if p.Err != nil {
		return nil, p.Err
	}
	if p.Result != nil {
		return append([]string(nil), p.Result...), nil
	}
	out := append([]string{}, docs...)
	if topK > 0 && topK < len(out) {
		out = out[:topK]
	}
	return out, nil
}

// CallCount returns the number of Rerank invocations. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}

// Ensure Provider implements rerank.Provider at compile time.
var _ rerank.Provider = (*Provider)(nil)
