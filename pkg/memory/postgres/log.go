package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/MrWong99/attune/pkg/memory"
)

const entryColumns = `id, user_id, kind, text, embedding, created_at`

// Append implements [memory.Log]. It inserts entry without touching the
// user's state; the update path uses [Store.Observe] instead.
func (s *Store) Append(ctx context.Context, entry memory.Entry) (int64, error) {
	const q = `
		INSERT INTO memories (user_id, kind, text, embedding)
		VALUES ($1, $2, $3, $4)
		RETURNING id`

	var id int64
	err := s.pool.QueryRow(ctx, q,
		entry.UserID,
		kindOrDefault(entry.Kind),
		entry.Text,
		pgvector.NewVector(entry.Embedding),
	).Scan(&id)
	if err != nil {
		return 0, &memory.StorageError{Op: "append", Err: err}
	}
	return id, nil
}

// ListByUser implements [memory.Log]. Rows come back in insertion order.
func (s *Store) ListByUser(ctx context.Context, userID string) ([]memory.Entry, error) {
	const q = `SELECT ` + entryColumns + `
		FROM   memories
		WHERE  user_id = $1
		ORDER  BY id`

	rows, err := s.pool.Query(ctx, q, userID)
	if err != nil {
		return nil, &memory.StorageError{Op: "list by user", Err: err}
	}
	entries, err := pgx.CollectRows(rows, scanEntry)
	if err != nil {
		return nil, &memory.StorageError{Op: "list by user: scan", Err: err}
	}
	if entries == nil {
		entries = []memory.Entry{}
	}
	return entries, nil
}

// Nearest implements [memory.Store]. The join against user_memory makes a
// user without a long-term vector return no rows, and <#> (negative inner
// product) orders most similar first. The id tiebreak keeps equal distances
// in insertion order.
func (s *Store) Nearest(ctx context.Context, userID string, limit int) ([]memory.Entry, error) {
	if limit <= 0 {
		return []memory.Entry{}, nil
	}

	const q = `
		SELECT m.id, m.user_id, m.kind, m.text, m.embedding, m.created_at
		FROM   memories m
		JOIN   user_memory u ON u.user_id = m.user_id
		WHERE  m.user_id = $1
		  AND  u.long_term IS NOT NULL
		ORDER  BY m.embedding <#> u.long_term, m.id
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, userID, limit)
	if err != nil {
		return nil, &memory.StorageError{Op: "nearest", Err: err}
	}
	entries, err := pgx.CollectRows(rows, scanEntry)
	if err != nil {
		return nil, &memory.StorageError{Op: "nearest: scan", Err: err}
	}
	if entries == nil {
		entries = []memory.Entry{}
	}
	return entries, nil
}

func scanEntry(row pgx.CollectableRow) (memory.Entry, error) {
	var (
		e   memory.Entry
		vec pgvector.Vector
	)
	if err := row.Scan(&e.ID, &e.UserID, &e.Kind, &e.Text, &vec, &e.CreatedAt); err != nil {
		return memory.Entry{}, err
	}
	e.Embedding = vec.Slice()
	return e, nil
}

func kindOrDefault(kind string) string {
	if kind == "" {
		return memory.DefaultKind
	}
	return kind
}
