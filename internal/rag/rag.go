// Package rag implements the retrieval-augmented answer stages that the
// speculative engine and the session orchestrator compose: query rewriting,
// passage retrieval, spoken formatting, and document ingestion.
//
// Rewriting and formatting are fail-soft by contract. Their interfaces return
// no error; on any backend failure the input is returned unchanged so the
// voice path always has something to say. Retrieval errors are returned to
// the caller, who decides whether to degrade.
package rag

import "context"

// Rewriter turns a possibly context-dependent query into a standalone one
// using the conversation history (e.g. "what about its battery" becomes
// "what is the battery life of the X100"). Implementations must return query
// unchanged when history is empty or the backend fails.
type Rewriter interface {
	Rewrite(ctx context.Context, query string, history []string) string
}

// Retriever returns up to limit passage texts relevant to query, best first.
type Retriever interface {
	Search(ctx context.Context, query string, limit int) ([]string, error)
}

// Formatter rewrites answer text for speech synthesis. Implementations must
// return text unchanged on failure.
type Formatter interface {
	Format(ctx context.Context, text string) string
}
