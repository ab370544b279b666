package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/MrWong99/attune/pkg/memory"
)

// State implements [memory.Store].
func (s *Store) State(ctx context.Context, userID string) (*memory.State, error) {
	const q = `
		SELECT long_term, policy, last_updated, version
		FROM   user_memory
		WHERE  user_id = $1`

	st, err := scanState(s.pool.QueryRow(ctx, q, userID), userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &memory.StorageError{Op: "get state", Err: err}
	}
	return st, nil
}

// Observe implements [memory.Store].
//
// The whole read-modify-write runs in one transaction:
//
//  1. A placeholder user_memory row is inserted if none exists, so the next
//     step always has a row to lock (concurrent first observations block on
//     the primary key until the winner commits).
//  2. SELECT … FOR UPDATE takes the row lock, serialising observations for
//     this user only.
//  3. fuse computes the next vectors in memory.
//  4. The log row is inserted and the state row updated.
//
// Any failure rolls everything back, including the placeholder row.
func (s *Store) Observe(ctx context.Context, entry memory.Entry, fuse memory.FuseFunc) (memory.Entry, *memory.State, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return memory.Entry{}, nil, &memory.StorageError{Op: "observe: begin", Err: err}
	}
	defer func() {
		// Rollback after Commit is a no-op returning ErrTxClosed.
		_ = tx.Rollback(context.WithoutCancel(ctx))
	}()

	const ensureRow = `
		INSERT INTO user_memory (user_id) VALUES ($1)
		ON CONFLICT (user_id) DO NOTHING`
	if _, err := tx.Exec(ctx, ensureRow, entry.UserID); err != nil {
		return memory.Entry{}, nil, &memory.StorageError{Op: "observe: ensure state row", Err: err}
	}

	const lockRow = `
		SELECT long_term, policy, last_updated, version
		FROM   user_memory
		WHERE  user_id = $1
		FOR UPDATE`
	prev, err := scanState(tx.QueryRow(ctx, lockRow, entry.UserID), entry.UserID)
	if err != nil {
		return memory.Entry{}, nil, &memory.StorageError{Op: "observe: lock state", Err: err}
	}

	next, err := fuse(prev, entry)
	if err != nil {
		return memory.Entry{}, nil, err
	}

	const insertEntry = `
		INSERT INTO memories (user_id, kind, text, embedding)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`
	entry.Kind = kindOrDefault(entry.Kind)
	if err := tx.QueryRow(ctx, insertEntry,
		entry.UserID,
		entry.Kind,
		entry.Text,
		pgvector.NewVector(entry.Embedding),
	).Scan(&entry.ID, &entry.CreatedAt); err != nil {
		return memory.Entry{}, nil, &memory.StorageError{Op: "observe: append entry", Err: err}
	}

	const updateState = `
		UPDATE user_memory
		SET    long_term = $2, policy = $3, last_updated = $4, version = version + 1
		WHERE  user_id = $1
		RETURNING version`
	state := &memory.State{
		UserID:      entry.UserID,
		LongTerm:    next.LongTerm,
		Policy:      next.Policy,
		LastUpdated: entry.CreatedAt,
	}
	if err := tx.QueryRow(ctx, updateState,
		entry.UserID,
		pgvector.NewVector(next.LongTerm),
		pgvector.NewVector(next.Policy),
		entry.CreatedAt,
	).Scan(&state.Version); err != nil {
		return memory.Entry{}, nil, &memory.StorageError{Op: "observe: update state", Err: err}
	}

	if err := tx.Commit(ctx); err != nil {
		return memory.Entry{}, nil, &memory.StorageError{Op: "observe: commit", Err: err}
	}
	return entry, state, nil
}

func scanState(row pgx.Row, userID string) (*memory.State, error) {
	var (
		longTerm, policy *pgvector.Vector
		lastUpdated      time.Time
		version          int64
	)
	if err := row.Scan(&longTerm, &policy, &lastUpdated, &version); err != nil {
		return nil, err
	}
	st := &memory.State{UserID: userID, LastUpdated: lastUpdated, Version: version}
	if longTerm != nil {
		st.LongTerm = longTerm.Slice()
	}
	if policy != nil {
		st.Policy = policy.Slice()
	}
	return st, nil
}
