package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/MrWong99/attune/pkg/memory"
)

var _ memory.Store = (*Store)(nil)

// Store is the PostgreSQL-backed [memory.Store]. It holds a single
// [pgxpool.Pool]; every operation acquires a connection for its own duration
// (or transaction) and releases it afterwards, so no request shares a
// connection with another.
//
// All operations are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// Option configures a [Store].
type Option func(*options)

type options struct {
	maxConns int32
}

// WithMaxConns caps the size of the connection pool.
func WithMaxConns(n int32) Option {
	return func(o *options) { o.maxConns = n }
}

// NewStore creates a Store, establishes a connection pool to the PostgreSQL
// database at dsn, registers pgvector types on every connection, and runs
// [Migrate].
//
// embeddingDimensions must match the embeddings model (e.g. 3072 for
// text-embedding-3-large) and policyDimensions the projection row count.
// Both are baked into the column types; changing them after the first
// migration requires a manual schema change.
func NewStore(ctx context.Context, dsn string, embeddingDimensions, policyDimensions int, opts ...Option) (*Store, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	cfg, err := poolConfig(dsn, o)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool, embeddingDimensions, policyDimensions); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

func poolConfig(dsn string, o *options) (*pgxpool.Config, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}
	if o.maxConns > 0 {
		cfg.MaxConns = o.maxConns
	}

	// Register pgvector types on every new connection so that vector columns
	// can be scanned into and inserted from pgvector.Vector values.
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}
	return cfg, nil
}

// Ping implements [memory.Store].
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return &memory.StorageError{Op: "ping", Err: err}
	}
	return nil
}

// Close releases all connections held by the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}
