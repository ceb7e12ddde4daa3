// Package mock provides test doubles for the rag stage interfaces.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/speculo/internal/rag"
)

// RewriteCall records a single invocation of Rewrite.
type RewriteCall struct {
	Query   string
	History []string
}

// Rewriter is a mock implementation of rag.Rewriter. With no RewriteFunc it
// returns the query unchanged.
type Rewriter struct {
	mu sync.Mutex

	// RewriteFunc, if set, computes the result.
	RewriteFunc func(ctx context.Context, query string, history []string) string

	// Calls records every invocation in order.
	Calls []RewriteCall
}

// Rewrite records the call.
func (m *Rewriter) Rewrite(ctx context.Context, query string, history []string) string {
	m.mu.Lock()
	m.Calls = append(m.Calls, RewriteCall{Query: query, History: append([]string(nil), history...)})
	fn := m.RewriteFunc
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx, query, history)
	}
	return query
}

// CallCount returns the number of Rewrite calls. Thread-safe.
func (m *Rewriter) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

// Queries returns the query of every call in order. Thread-safe.
func (m *Rewriter) Queries() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.Calls))
	for i, c := range m.Calls {
		out[i] = c.Query
	}
	return out
}

// LastCall returns the most recent call. It panics if there was none.
func (m *Rewriter) LastCall() RewriteCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Calls[len(m.Calls)-1]
}

// SearchCall records a single invocation of Search.
type SearchCall struct {
	Query string
	Limit int
}

// Retriever is a mock implementation of rag.Retriever.
type Retriever struct {
	mu sync.Mutex

	// SearchFunc, if set, takes precedence over Results and Err.
	SearchFunc func(ctx context.Context, query string, limit int) ([]string, error)

	// Results is returned by Search, truncated to limit.
	Results []string

	// Err, if non-nil, is returned from Search.
	Err error

	// Calls records every invocation in order.
	Calls []SearchCall
}

// Search records the call and returns Results, Err.
func (m *Retriever) Search(ctx context.Context, query string, limit int) ([]string, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, SearchCall{Query: query, Limit: limit})
	fn, res, err := m.SearchFunc, m.Results, m.Err
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx, query, limit)
	}
	if err != nil {
		return nil, err
	}
	out := append([]string{}, res...)
	if limit >= 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

// CallCount returns the number of Search calls. Thread-safe.
func (m *Retriever) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

// Queries returns the queries passed to Search, in order. Thread-safe.
func (m *Retriever) Queries() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.Calls))
	for i, c := range m.Calls {
		out[i] = c.Query
	}
	return out
}

// Formatter is a mock implementation of rag.Formatter. With no FormatFunc it
// returns the text unchanged.
type Formatter struct {
	mu sync.Mutex

	// FormatFunc, if set, computes the result.
	FormatFunc func(ctx context.Context, text string) string

	// Calls records every text passed to Format.
	Calls []string
}

// Format records the call.
func (m *Formatter) Format(ctx context.Context, text string) string {
	m.mu.Lock()
	m.Calls = append(m.Calls, text)
	fn := m.FormatFunc
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx, text)
	}
	return text
}

// CallCount returns the number of Format calls. Thread-safe.
func (m *Formatter) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

// Compile-time interface assertions.
var (
	_ rag.Rewriter  = (*Rewriter)(nil)
	_ rag.Retriever = (*Retriever)(nil)
	_ rag.Formatter = (*Formatter)(nil)
)
