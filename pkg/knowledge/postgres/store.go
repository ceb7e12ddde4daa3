// Package postgres provides a PostgreSQL + pgvector implementation of
// knowledge.Index.
//
// Passages live in a single table per collection with an HNSW index over
// vector_cosine_ops, so Search is an approximate nearest-neighbour query
// ordered by the <=> cosine distance operator. [Migrate] installs the vector
// extension automatically via CREATE EXTENSION IF NOT EXISTS.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn, "manual_chunks", 1536)
//	if err != nil { … }
//	defer store.Close()
//	hits, err := store.Search(ctx, queryVec, 10)
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/MrWong99/speculo/pkg/knowledge"
)

// DefaultCollection is the table used when none is configured.
const DefaultCollection = "manual_chunks"

var collectionName = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,47}$`)

var _ knowledge.Index = (*Store)(nil)

// Store is a knowledge.Index backed by a pgxpool.Pool.
// All operations are safe for concurrent use.
type Store struct {
	pool       *pgxpool.Pool
	collection string
	table      string
	dims       int
}

// NewStore connects to the PostgreSQL database at dsn, registers pgvector
// types on every connection, and runs [Migrate] for collection.
func NewStore(ctx context.Context, dsn, collection string, embeddingDimensions int) (*Store, error) {
	if collection == "" {
		collection = DefaultCollection
	}
	if !collectionName.MatchString(collection) {
		return nil, fmt.Errorf("knowledge store: invalid collection name %q", collection)
	}
	if embeddingDimensions <= 0 {
		return nil, errors.New("knowledge store: embedding dimensions must be positive")
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("knowledge store: parse dsn: %w", err)
	}

	// Register pgvector types on every new connection so that vector columns
	// can be scanned into and inserted from pgvector.Vector values.
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("knowledge store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("knowledge store: ping: %w", err)
	}

	if err := Migrate(ctx, pool, collection, embeddingDimensions); err != nil {
		pool.Close()
		return nil, fmt.Errorf("knowledge store: %w", err)
	}

	return &Store{
		pool:       pool,
		collection: collection,
		table:      pgx.Identifier{collection}.Sanitize(),
		dims:       embeddingDimensions,
	}, nil
}

// Upsert implements knowledge.Index. All passages are sent in one batch.
func (s *Store) Upsert(ctx context.Context, passages []knowledge.Passage) error {
	if len(passages) == 0 {
		return nil
	}
	q := fmt.Sprintf(`
		INSERT INTO %s (id, source, content, embedding)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
		    source    = EXCLUDED.source,
		    content   = EXCLUDED.content,
		    embedding = EXCLUDED.embedding`, s.table)

	batch := &pgx.Batch{}
	for _, p := range passages {
		if len(p.Embedding) != s.dims {
			return fmt.Errorf("knowledge store: upsert %s: %w: got %d, want %d",
				p.ID, knowledge.ErrDimensionMismatch, len(p.Embedding), s.dims)
		}
		batch.Queue(q, p.ID, p.Source, p.Text, pgvector.NewVector(p.Embedding))
	}

	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("knowledge store: upsert: %w", err)
	}
	return nil
}

// Search implements knowledge.Index. Results are ordered by ascending cosine
// distance (most similar first).
func (s *Store) Search(ctx context.Context, embedding []float32, limit int) ([]knowledge.Hit, error) {
	if len(embedding) != s.dims {
		return nil, fmt.Errorf("knowledge store: search: %w: got %d, want %d",
			knowledge.ErrDimensionMismatch, len(embedding), s.dims)
	}

	q := fmt.Sprintf(`
		SELECT id, source, content, embedding <=> $1 AS distance
		FROM   %s
		ORDER  BY distance
		LIMIT  $2`, s.table)

	rows, err := s.pool.Query(ctx, q, pgvector.NewVector(embedding), limit)
	if err != nil {
		return nil, fmt.Errorf("knowledge store: search: %w", err)
	}

	hits, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (knowledge.Hit, error) {
		var h knowledge.Hit
		err := row.Scan(&h.ID, &h.Source, &h.Text, &h.Distance)
		return h, err
	})
	if err != nil {
		return nil, fmt.Errorf("knowledge store: scan rows: %w", err)
	}
	if hits == nil {
		hits = []knowledge.Hit{}
	}
	return hits, nil
}

// Count implements knowledge.Index.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, "SELECT count(*) FROM "+s.table).Scan(&n); err != nil {
		return 0, fmt.Errorf("knowledge store: count: %w", err)
	}
	return n, nil
}

// Recreate implements knowledge.Index by dropping and re-migrating the table.
func (s *Store) Recreate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, "DROP TABLE IF EXISTS "+s.table+" CASCADE"); err != nil {
		return fmt.Errorf("knowledge store: drop: %w", err)
	}
	if err := Migrate(ctx, s.pool, s.collection, s.dims); err != nil {
		return fmt.Errorf("knowledge store: %w", err)
	}
	return nil
}

// Ping implements knowledge.Index.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all connections held by the pool.
func (s *Store) Close() {
	s.pool.Close()
}
