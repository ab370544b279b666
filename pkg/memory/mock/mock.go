// Package mock provides a test double for the [memory.Store] interface.
//
// The mock records every method call for assertion in tests and exposes
// exported fields that control what it returns. It is safe for concurrent use.
//
// Typical usage:
//
//	store := &mock.Store{NearestResult: []memory.Entry{{ID: 1, Text: "likes tea"}}}
//
//	// inject store into the system under test …
//
//	if got := store.CallCount("Nearest"); got != 1 {
//	    t.Errorf("expected 1 Nearest call, got %d", got)
//	}
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/attune/pkg/memory"
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// Store is a configurable test double for [memory.Store]. All *Err fields
// default to nil (success).
type Store struct {
	mu sync.Mutex

	calls []Call

	// AppendID is returned by [Store.Append].
	AppendID int64
	// AppendErr is returned by [Store.Append] when non-nil.
	AppendErr error

	// ListResult is returned by [Store.ListByUser]. When nil an empty
	// non-nil slice is returned.
	ListResult []memory.Entry
	// ListErr is returned by [Store.ListByUser] when non-nil.
	ListErr error

	// StateResult is returned by [Store.State].
	StateResult *memory.State
	// StateErr is returned by [Store.State] when non-nil.
	StateErr error

	// ObserveState is returned by [Store.Observe]. When nil the mock runs the
	// fuse function against an empty state and returns the result at version 1.
	ObserveState *memory.State
	// ObserveErr is returned by [Store.Observe] when non-nil. The fuse
	// function is not invoked.
	ObserveErr error

	// NearestResult is returned by [Store.Nearest], truncated to limit. When
	// nil an empty non-nil slice is returned.
	NearestResult []memory.Entry
	// NearestErr is returned by [Store.Nearest] when non-nil.
	NearestErr error

	// PingErr is returned by [Store.Ping] when non-nil.
	PingErr error
}

var _ memory.Store = (*Store)(nil)

func (s *Store) record(method string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, Call{Method: method, Args: args})
}

// Calls returns a copy of all recorded calls in order.
func (s *Store) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.calls)
}

// CallCount returns how many times method was called.
func (s *Store) CallCount(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Reset clears recorded calls. Configured results are kept.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = nil
}

// Append implements [memory.Log].
func (s *Store) Append(_ context.Context, entry memory.Entry) (int64, error) {
	s.record("Append", entry)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.AppendID, s.AppendErr
}

// ListByUser implements [memory.Log].
func (s *Store) ListByUser(_ context.Context, userID string) ([]memory.Entry, error) {
	s.record("ListByUser", userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ListErr != nil {
		return nil, s.ListErr
	}
	if s.ListResult == nil {
		return []memory.Entry{}, nil
	}
	return slices.Clone(s.ListResult), nil
}

// State implements [memory.Store].
func (s *Store) State(_ context.Context, userID string) (*memory.State, error) {
	s.record("State", userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.StateErr != nil {
		return nil, s.StateErr
	}
	return s.StateResult.Clone(), nil
}

// Observe implements [memory.Store].
func (s *Store) Observe(_ context.Context, entry memory.Entry, fuse memory.FuseFunc) (memory.Entry, *memory.State, error) {
	s.record("Observe", entry)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ObserveErr != nil {
		return memory.Entry{}, nil, s.ObserveErr
	}
	if s.ObserveState != nil {
		return entry, s.ObserveState.Clone(), nil
	}
	v, err := fuse(&memory.State{UserID: entry.UserID}, entry)
	if err != nil {
		return memory.Entry{}, nil, err
	}
	return entry, &memory.State{UserID: entry.UserID, LongTerm: v.LongTerm, Policy: v.Policy, Version: 1}, nil
}

// Nearest implements [memory.Store].
func (s *Store) Nearest(_ context.Context, userID string, limit int) ([]memory.Entry, error) {
	s.record("Nearest", userID, limit)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.NearestErr != nil {
		return nil, s.NearestErr
	}
	out := []memory.Entry{}
	for i := 0; i < len(s.NearestResult) && i < limit; i++ {
		out = append(out, s.NearestResult[i])
	}
	return out, nil
}

// Ping implements [memory.Store].
func (s *Store) Ping(context.Context) error {
	s.record("Ping")
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.PingErr
}
