// Package memory defines attune's per-user adaptive memory model and the
// storage contract the core depends on.
//
// Two entities are persisted:
//
//   - [Entry]: one row per observation in an append-only log.
//   - [State]: one row per user holding the decayed long-term and policy
//     vectors.
//
// The only write path that touches [State] is [Store.Observe], which appends
// a log entry and replaces the user's state inside a single atomic,
// per-user-serialised transaction. Observations for different users never
// block each other.
//
// Implementations live in sub-packages: postgres (pgx + pgvector) and memstore
// (in-process, for development and tests).
package memory

import (
	"context"
	"errors"
	"fmt"
)

// ErrStorage is matched by every [*StorageError].
var ErrStorage = errors.New("memory: storage error")

// StorageError wraps a transaction or connectivity failure. When returned
// from [Store.Observe] no part of the observation has been committed.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("memory: %s: %v", e.Op, e.Err)
}

// Unwrap returns both the sentinel and the cause so either can be matched.
func (e *StorageError) Unwrap() []error { return []error{ErrStorage, e.Err} }

// FuseFunc computes the next vectors from the current state and the new
// entry. prev is never nil; a user with no history is passed a State with
// empty vectors. FuseFunc runs while the user's row lock is held and must not
// perform I/O.
type FuseFunc func(prev *State, entry Entry) (Vectors, error)

// Log is the append-only observation log.
type Log interface {
	// Append inserts entry and returns its id. It is used for imports and
	// tests; the update path goes through [Store.Observe].
	Append(ctx context.Context, entry Entry) (int64, error)

	// ListByUser returns every entry for userID. Order carries no meaning.
	ListByUser(ctx context.Context, userID string) ([]Entry, error)
}

// Store is the full persistence contract used by attune.
//
// Implementations must be safe for concurrent use.
type Store interface {
	Log

	// State returns the current state for userID, or (nil, nil) when the user
	// has never been observed.
	State(ctx context.Context, userID string) (*State, error)

	// Observe appends entry and fuses it into the user's state atomically.
	// Concurrent calls for the same user serialise; a failure (including an
	// error from fuse) leaves both the log and the state untouched. It returns
	// the committed entry (with ID and CreatedAt set) and the new state.
	Observe(ctx context.Context, entry Entry, fuse FuseFunc) (Entry, *State, error)

	// Nearest returns up to limit of userID's entries ordered by ascending
	// negative inner product against the user's long-term vector, ties broken
	// by ascending ID. A user without a long-term vector yields an empty,
	// non-nil slice.
	Nearest(ctx context.Context, userID string, limit int) ([]Entry, error)

	// Ping verifies connectivity.
	Ping(ctx context.Context) error
}
