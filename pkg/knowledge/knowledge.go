// Package knowledge defines the vector index that holds the manual's passages.
//
// Ingestion splits documents into passages, embeds them, and upserts them into
// an [Index]. At query time the retriever embeds the (rewritten) question and
// asks the index for the nearest passages by cosine distance.
package knowledge

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrDimensionMismatch is returned when a vector's length differs from the
// dimension the index was created with.
var ErrDimensionMismatch = errors.New("knowledge: embedding dimension mismatch")

// passageNamespace scopes deterministic passage IDs.
var passageNamespace = uuid.MustParse("8d4f0c9e-5b7a-4a61-9a3e-2f1c6b0d7e52")

// Passage is one retrievable chunk of source text.
type Passage struct {
	// ID uniquely identifies the passage. Re-ingesting the same source yields
	// the same IDs, so upserts replace rather than duplicate.
	ID string

	// Source names the document the passage came from.
	Source string

	// Text is the passage content returned to callers.
	Text string

	// Embedding is the passage vector.
	Embedding []float32
}

// Hit is a search result.
type Hit struct {
	Passage

	// Distance is the cosine distance to the query (0 = identical).
	Distance float64
}

// Index is a nearest-neighbour store of passages.
//
// Implementations must be safe for concurrent use.
type Index interface {
	// Upsert inserts passages, replacing any with the same ID.
	Upsert(ctx context.Context, passages []Passage) error

	// Search returns up to limit passages ordered by ascending cosine distance
	// to embedding. An empty index yields an empty, non-nil slice.
	Search(ctx context.Context, embedding []float32, limit int) ([]Hit, error)

	// Count returns the number of stored passages.
	Count(ctx context.Context) (int, error)

	// Recreate drops every passage and recreates the empty collection.
	Recreate(ctx context.Context) error

	// Ping reports whether the index is reachable.
	Ping(ctx context.Context) error

	// Close releases resources held by the index.
	Close()
}

// PassageID derives a stable passage ID from its source and position.
func PassageID(source string, ordinal int) string {
	return uuid.NewSHA1(passageNamespace, fmt.Appendf(nil, "%s#%d", source, ordinal)).String()
}

// Texts extracts the passage texts from hits, preserving order.
func Texts(hits []Hit) []string {
	out := make([]string, len(hits))
	for i, h := range hits {
		out[i] = h.Text
	}
	return out
}
