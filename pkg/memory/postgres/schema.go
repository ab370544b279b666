// Package postgres provides a PostgreSQL + pgvector implementation of
// [memory.Store].
//
// Two tables are managed:
//
//   - memories: the append-only observation log with an embedding column.
//   - user_memory: one row per user with the long-term and policy vectors.
//
// No vector index is created. Nearest ranks one user's rows against that
// user's stored long-term vector, a per-row join value rather than a query
// constant, so an ANN index could never serve it. The scan is bounded by
// idx_memories_user_id instead. Databases migrated by earlier versions have
// their idx_memories_embedding dropped.
//
// The pgvector extension must be available in the target database; [Migrate]
// installs it automatically via CREATE EXTENSION IF NOT EXISTS.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn, 3072, 128)
//	if err != nil { … }
//	defer store.Close()
//
//	entry, state, err := store.Observe(ctx, memory.Entry{…}, fuse)
//	nearest, err := store.Nearest(ctx, "u1", 200)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

func ddlMemories(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS memories (
    id          BIGSERIAL    PRIMARY KEY,
    user_id     TEXT         NOT NULL,
    kind        TEXT         NOT NULL DEFAULT 'note',
    text        TEXT         NOT NULL,
    embedding   vector(%d)   NOT NULL,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_memories_user_id
    ON memories (user_id, id);

DROP INDEX IF EXISTS idx_memories_embedding;
`, embeddingDimensions)
}

func ddlUserMemory(embeddingDimensions, policyDimensions int) string {
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS user_memory (
    user_id       TEXT         PRIMARY KEY,
    long_term     vector(%d),
    policy        vector(%d),
    last_updated  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    version       BIGINT       NOT NULL DEFAULT 0
);
`, embeddingDimensions, policyDimensions)
}

// Migrate creates or ensures all required tables, indexes, and extensions
// exist. It is idempotent and safe to call on every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions, policyDimensions int) error {
	if embeddingDimensions <= 0 || policyDimensions <= 0 {
		return fmt.Errorf("postgres migrate: dimensions must be positive (embedding %d, policy %d)",
			embeddingDimensions, policyDimensions)
	}

	statements := []string{
		ddlMemories(embeddingDimensions),
		ddlUserMemory(embeddingDimensions, policyDimensions),
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
