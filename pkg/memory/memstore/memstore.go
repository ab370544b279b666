// Package memstore is an in-process implementation of [memory.Store].
//
// It keeps every user's log and state in a bucket guarded by that user's own
// mutex, so observations for one user serialise while different users proceed
// in parallel. It is intended for development (no postgres_dsn configured)
// and for tests; nothing is persisted across restarts.
package memstore

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/attune/pkg/memory"
	"github.com/MrWong99/attune/pkg/vecmath"
)

var _ memory.Store = (*Store)(nil)

type bucket struct {
	mu      sync.RWMutex
	entries []memory.Entry
	state   *memory.State
}

// Store is the in-memory [memory.Store]. The zero value is not usable; call
// [New].
type Store struct {
	mu      sync.RWMutex
	buckets map[string]*bucket

	nextID atomic.Int64
	now    func() time.Time
}

// Option configures a [Store].
type Option func(*Store)

// WithClock overrides the time source used for CreatedAt and LastUpdated.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New returns an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) bucket(userID string, create bool) *bucket {
	s.mu.RLock()
	b, ok := s.buckets[userID]
	s.mu.RUnlock()
	if ok || !create {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok = s.buckets[userID]; ok {
		return b
	}
	b = &bucket{}
	s.buckets[userID] = b
	return b
}

func (s *Store) stamp(entry memory.Entry) memory.Entry {
	entry.ID = s.nextID.Add(1)
	entry.CreatedAt = s.now()
	entry.Embedding = append([]float32(nil), entry.Embedding...)
	return entry
}

// Append implements [memory.Log].
func (s *Store) Append(ctx context.Context, entry memory.Entry) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, &memory.StorageError{Op: "append", Err: err}
	}
	b := s.bucket(entry.UserID, true)
	b.mu.Lock()
	defer b.mu.Unlock()
	entry = s.stamp(entry)
	b.entries = append(b.entries, entry)
	return entry.ID, nil
}

// ListByUser implements [memory.Log]. Entries are returned in insertion order.
func (s *Store) ListByUser(ctx context.Context, userID string) ([]memory.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, &memory.StorageError{Op: "list by user", Err: err}
	}
	b := s.bucket(userID, false)
	if b == nil {
		return []memory.Entry{}, nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return slices.Clone(b.entries), nil
}

// State implements [memory.Store].
func (s *Store) State(ctx context.Context, userID string) (*memory.State, error) {
	if err := ctx.Err(); err != nil {
		return nil, &memory.StorageError{Op: "get state", Err: err}
	}
	b := s.bucket(userID, false)
	if b == nil {
		return nil, nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state.Clone(), nil
}

// Observe implements [memory.Store]. The user's bucket lock is held from the
// state read through the final write, so fuse always sees the latest
// committed state.
func (s *Store) Observe(ctx context.Context, entry memory.Entry, fuse memory.FuseFunc) (memory.Entry, *memory.State, error) {
	if err := ctx.Err(); err != nil {
		return memory.Entry{}, nil, &memory.StorageError{Op: "observe", Err: err}
	}
	b := s.bucket(entry.UserID, true)
	b.mu.Lock()
	defer b.mu.Unlock()

	prev := b.state.Clone()
	if prev == nil {
		prev = &memory.State{UserID: entry.UserID}
	}
	next, err := fuse(prev, entry)
	if err != nil {
		return memory.Entry{}, nil, err
	}

	entry = s.stamp(entry)
	state := &memory.State{
		UserID:      entry.UserID,
		LongTerm:    next.LongTerm,
		Policy:      next.Policy,
		LastUpdated: entry.CreatedAt,
		Version:     prev.Version + 1,
	}
	b.entries = append(b.entries, entry)
	b.state = state
	return entry, state.Clone(), nil
}

// Nearest implements [memory.Store] with a linear scan.
func (s *Store) Nearest(ctx context.Context, userID string, limit int) ([]memory.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, &memory.StorageError{Op: "nearest", Err: err}
	}
	out := []memory.Entry{}
	b := s.bucket(userID, false)
	if b == nil || limit <= 0 {
		return out, nil
	}

	b.mu.RLock()
	if b.state.Empty() {
		b.mu.RUnlock()
		return out, nil
	}
	query := slices.Clone(b.state.LongTerm)
	entries := slices.Clone(b.entries)
	b.mu.RUnlock()

	type scored struct {
		entry    memory.Entry
		distance float64
	}
	ranked := make([]scored, 0, len(entries))
	for _, e := range entries {
		dot, err := vecmath.Dot(query, e.Embedding)
		if err != nil {
			// Mirrors pgvector, which rejects mixed-dimension comparisons.
			return nil, &memory.StorageError{Op: "nearest", Err: err}
		}
		ranked = append(ranked, scored{entry: e, distance: -dot})
	}
	slices.SortStableFunc(ranked, func(a, b scored) int {
		if c := cmp.Compare(a.distance, b.distance); c != 0 {
			return c
		}
		return cmp.Compare(a.entry.ID, b.entry.ID)
	})

	for i := 0; i < len(ranked) && i < limit; i++ {
		out = append(out, ranked[i].entry)
	}
	return out, nil
}

// Ping implements [memory.Store]; the in-memory store is always reachable.
func (s *Store) Ping(context.Context) error { return nil }
