// Package crossencoder provides a reranker backed by a cross-encoder model
// served over HTTP, such as Hugging Face text-embeddings-inference running
// cross-encoder/ms-marco-MiniLM-L-6-v2.
//
// The server must accept POST {base}/rerank with body
// {"query": "...", "texts": ["..."]} and answer with a JSON array of
// {"index": i, "score": s} objects.
package crossencoder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/speculo/pkg/provider/rerank"
)

// DefaultModel is the model the original deployment used; it is informational
// only since the server decides which model runs.
const DefaultModel = "cross-encoder/ms-marco-MiniLM-L-6-v2"

var _ rerank.Provider = (*Provider)(nil)

// Provider implements rerank.Provider against a TEI-compatible /rerank endpoint.
type Provider struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

// Option is a functional option for Provider.
type Option func(*Provider)

// WithAPIKey sends the key as a bearer token.
func WithAPIKey(key string) Option {
	return func(p *Provider) {
		p.apiKey = key
	}
}

// WithModel records the served model name for logging.
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.httpClient.Timeout = d
	}
}

// New creates a Provider talking to baseURL, which must not be empty.
func New(baseURL string, opts ...Option) (*Provider, error) {
	if baseURL == "" {
		return nil, errors.New("crossencoder: baseURL must not be empty")
	}
	p := &Provider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      DefaultModel,
		httpClient: &http.Client{},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Model returns the configured model name.
func (p *Provider) Model() string { return p.model }

type rerankRequest struct {
	Query string   `json:"query"`
	Texts []string `json:"texts"`
}

type rerankHit struct {
	Index int     `json:"index"`
	Score float64 `json:"score"`
}

// Rerank implements rerank.Provider.
func (p *Provider) Rerank(ctx context.Context, query string, docs []string, topK int) ([]string, error) {
	if len(docs) == 0 {
		return []string{}, nil
	}

	body, err := json.Marshal(rerankRequest{Query: query, Texts: docs})
	if err != nil {
		return nil, fmt.Errorf("crossencoder: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/rerank", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("crossencoder: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("crossencoder: http: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, fmt.Errorf("crossencoder: unexpected status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	var hits []rerankHit
	if err := json.NewDecoder(resp.Body).Decode(&hits); err != nil {
		return nil, fmt.Errorf("crossencoder: decode response: %w", err)
	}

	scores := make([]float64, len(docs))
	seen := make([]bool, len(docs))
	for _, h := range hits {
		if h.Index < 0 || h.Index >= len(docs) {
			return nil, fmt.Errorf("crossencoder: index %d out of range", h.Index)
		}
		scores[h.Index] = h.Score
		seen[h.Index] = true
	}
	for i, ok := range seen {
		if !ok {
			return nil, fmt.Errorf("crossencoder: no score for document %d", i)
		}
	}
	return rerank.TopK(docs, scores, topK), nil
}
