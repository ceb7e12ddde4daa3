// Package mock provides a test double for the embeddings.Provider interface.
//
// By default the mock is deterministic: every text maps to a stable vector
// derived from its bytes, so cosine comparisons in tests are reproducible.
// Set Vectors to pin exact vectors for specific texts.
//
// Example:
//
//	p := &mock.Provider{Dims: 4, Vectors: map[string][]float32{"battery": {1, 0, 0, 0}}}
//	vec, _ := p.Embed(ctx, "battery")
package mock

import (
	"context"
	"hash/fnv"
	"sync"

	"github.com/MrWong99/speculo/pkg/provider/embeddings"
)

// Provider is a mock implementation of embeddings.Provider.
type Provider struct {
	mu sync.Mutex

	// Dims is the vector length. Defaults to 8.
	Dims int

	// Vectors pins the vector returned for specific texts.
	Vectors map[string][]float32

	// Err, if non-nil, is returned by Embed and EmbedBatch.
	Err error

	// ModelIDValue is returned by ModelID.
	ModelIDValue string

	// EmbedCalls records every text passed to Embed.
	EmbedCalls []string

	// EmbedBatchCalls records a copy of every slice passed to EmbedBatch.
	EmbedBatchCalls [][]string
}

// Embed records the call and returns the vector for text.
func (p *Provider) Embed(_ context.Context, text string) ([]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.EmbedCalls = append(p.EmbedCalls, text)
	if p.Err != nil {
		return nil, p.Err
	}
	return p.vector(text), nil
}

// EmbedBatch records the call and returns one vector per text.
func (p *Provider) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.EmbedBatchCalls = append(p.EmbedBatchCalls, append([]string(nil), texts...))
	if p.Err != nil {
		return nil, p.Err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = p.vector(t)
	}
	return out, nil
}

// Dimensions returns Dims, or 8 when unset.
func (p *Provider) Dimensions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dims()
}

// ModelID returns ModelIDValue.
func (p *Provider) ModelID() string { return p.ModelIDValue }

// BatchCallCount returns the number of EmbedBatch calls. Thread-safe.
func (p *Provider) BatchCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.EmbedBatchCalls)
}

func (p *Provider) dims() int {
	if p.Dims > 0 {
		return p.Dims
	}
	return 8
}

// vector must be called with p.mu held.
func (p *Provider) vector(text string) []float32 {
	if v, ok := p.Vectors[text]; ok {
		return append([]float32(nil), v...)
	}
	n := p.dims()
	out := make([]float32, n)
	h := fnv.New64a()
	for i := range out {
		h.Write([]byte(text))
		out[i] = float32(h.Sum64()%1000)/1000 + 0.001
	}
	return out
}

// Ensure Provider implements embeddings.Provider at compile time.
var _ embeddings.Provider = (*Provider)(nil)
