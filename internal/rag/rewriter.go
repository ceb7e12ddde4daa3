package rag

import (
	"context"
	"log/slog"
	"strconv"
	"strings"

	"github.com/MrWong99/speculo/pkg/provider/llm"
)

const (
	defaultRewriteTemperature = 0.0
	defaultRewriteMaxTokens   = 50
)

const rewriteSystemPrompt = `You are a query rewriting engine. Rewrite the LAST user query so it is standalone, resolving pronouns and references (it, they, the first one) using the conversation history.
Output ONLY the rewritten query. Do not explain.

Example:
History: ["How much is the X100?", "The X100 costs $500."]
User: "What is its battery life?"
Rewritten: "What is the battery life of the X100?"`

// RewriterOption configures a [QueryRewriter].
type RewriterOption func(*QueryRewriter)

// WithRewriteTemperature sets the sampling temperature. Default: 0.
func WithRewriteTemperature(t float64) RewriterOption {
	return func(r *QueryRewriter) { r.temperature = t }
}

// WithRewriteMaxTokens caps the rewritten query length. Default: 50.
func WithRewriteMaxTokens(n int) RewriterOption {
	return func(r *QueryRewriter) { r.maxTokens = n }
}

// QueryRewriter implements [Rewriter] with an [llm.Provider].
// It is safe for concurrent use.
type QueryRewriter struct {
	llm         llm.Provider
	temperature float64
	maxTokens   int
}

var _ Rewriter = (*QueryRewriter)(nil)

// NewRewriter returns a [QueryRewriter] backed by provider.
func NewRewriter(provider llm.Provider, opts ...RewriterOption) *QueryRewriter {
	r := &QueryRewriter{
		llm:         provider,
		temperature: defaultRewriteTemperature,
		maxTokens:   defaultRewriteMaxTokens,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Rewrite implements [Rewriter]. With an empty history no model call is made.
func (r *QueryRewriter) Rewrite(ctx context.Context, query string, history []string) string {
	if len(history) == 0 || strings.TrimSpace(query) == "" {
		return query
	}

	resp, err := r.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: rewriteSystemPrompt,
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: "History: " + quoteList(history) + "\nUser: " + query},
		},
		Temperature: llm.Temp(r.temperature),
		MaxTokens:   r.maxTokens,
	})
	if err != nil {
		slog.Debug("rag: rewrite failed, using original query", "err", err)
		return query
	}
	if resp == nil {
		return query
	}
	out := strings.Trim(strings.TrimSpace(resp.Content), `"`)
	if out == "" {
		return query
	}
	return out
}

// quoteList renders items as ["a", "b"].
func quoteList(items []string) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, s := range items {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(strconv.Quote(s))
	}
	b.WriteByte(']')
	return b.String()
}
