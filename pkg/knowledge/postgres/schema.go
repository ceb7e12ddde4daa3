package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ddl returns the collection DDL with the table name and embedding dimension
// substituted. The vector dimension is baked into the column type at creation
// time.
func ddl(collection string, embeddingDimensions int) string {
	table := pgx.Identifier{collection}.Sanitize()
	index := pgx.Identifier{"idx_" + collection + "_embedding"}.Sanitize()
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS %[1]s (
    id          TEXT         PRIMARY KEY,
    source      TEXT         NOT NULL DEFAULT '',
    content     TEXT         NOT NULL,
    embedding   vector(%[3]d) NOT NULL,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS %[2]s
    ON %[1]s USING hnsw (embedding vector_cosine_ops);
`, table, index, embeddingDimensions)
}

// Migrate creates the vector extension and the collection table if they do not
// exist. It is idempotent and safe to call on every start.
//
// embeddingDimensions must match the embedding model (e.g. 1536 for
// text-embedding-3-small, 768 for nomic-embed-text). Changing it later
// requires Recreate.
func Migrate(ctx context.Context, pool *pgxpool.Pool, collection string, embeddingDimensions int) error {
	if _, err := pool.Exec(ctx, ddl(collection, embeddingDimensions)); err != nil {
		return fmt.Errorf("knowledge migrate: %w", err)
	}
	return nil
}
