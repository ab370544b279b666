package memstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/attune/pkg/memory"
	"github.com/MrWong99/attune/pkg/vecmath"
)

// countingFuse applies the long-term decay and counts fusions in Policy[0].
func countingFuse(prev *memory.State, e memory.Entry) (memory.Vectors, error) {
	lt, err := vecmath.Fuse(prev.LongTerm, e.Embedding, 0.2)
	if err != nil {
		return memory.Vectors{}, err
	}
	n := float32(0)
	if len(prev.Policy) > 0 {
		n = prev.Policy[0]
	}
	return memory.Vectors{LongTerm: lt, Policy: []float32{n + 1}}, nil
}

func TestAppendAndListByUser(t *testing.T) {
	s := New()
	ctx := context.Background()

	for _, text := range []string{"a", "b"} {
		if _, err := s.Append(ctx, memory.Entry{UserID: "u1", Kind: "note", Text: text, Embedding: []float32{1}}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if _, err := s.Append(ctx, memory.Entry{UserID: "u2", Text: "c"}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	got, err := s.ListByUser(ctx, "u1")
	if err != nil {
		t.Fatalf("ListByUser: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].ID >= got[1].ID {
		t.Errorf("ids not increasing: %d, %d", got[0].ID, got[1].ID)
	}

	none, err := s.ListByUser(ctx, "nobody")
	if err != nil {
		t.Fatalf("ListByUser: %v", err)
	}
	if none == nil || len(none) != 0 {
		t.Errorf("unknown user: got %v, want empty non-nil slice", none)
	}
}

func TestObserve_SetsStateAndLog(t *testing.T) {
	fixed := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	s := New(WithClock(func() time.Time { return fixed }))
	ctx := context.Background()

	entry, state, err := s.Observe(ctx, memory.Entry{UserID: "u1", Kind: "note", Text: "x", Embedding: []float32{1, 0}}, countingFuse)
	if err != nil {
		t.Fatalf("Observe: %v", err)
	}
	if entry.ID == 0 || !entry.CreatedAt.Equal(fixed) {
		t.Errorf("entry = %+v, want id and CreatedAt set", entry)
	}
	if state.Version != 1 || !state.LastUpdated.Equal(fixed) {
		t.Errorf("state = %+v, want version 1 and LastUpdated %v", state, fixed)
	}

	got, err := s.State(ctx, "u1")
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if got.LongTerm[0] != 1 || got.LongTerm[1] != 0 {
		t.Errorf("LongTerm = %v, want [1 0]", got.LongTerm)
	}
}

func TestObserve_FuseErrorLeavesNothing(t *testing.T) {
	s := New()
	ctx := context.Background()
	if _, _, err := s.Observe(ctx, memory.Entry{UserID: "u1", Embedding: []float32{1, 2}}, countingFuse); err != nil {
		t.Fatalf("Observe: %v", err)
	}

	// Different dimensionality must fail without writing.
	_, _, err := s.Observe(ctx, memory.Entry{UserID: "u1", Embedding: []float32{1, 2, 3}}, countingFuse)
	if !errors.Is(err, vecmath.ErrDimensionMismatch) {
		t.Fatalf("err = %v, want ErrDimensionMismatch", err)
	}

	entries, _ := s.ListByUser(ctx, "u1")
	if len(entries) != 1 {
		t.Errorf("log length = %d, want 1", len(entries))
	}
	st, _ := s.State(ctx, "u1")
	if st.Version != 1 {
		t.Errorf("version = %d, want 1", st.Version)
	}
}

func TestObserve_ConcurrentSameUserNoLostUpdates(t *testing.T) {
	s := New()
	ctx := context.Background()
	const n = 64

	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			emb := []float32{float32(i), float32(n - i)}
			if _, _, err := s.Observe(ctx, memory.Entry{UserID: "u1", Embedding: emb}, countingFuse); err != nil {
				t.Errorf("Observe: %v", err)
			}
		}()
	}
	wg.Wait()

	st, err := s.State(ctx, "u1")
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if st.Version != n {
		t.Errorf("version = %d, want %d", st.Version, n)
	}
	if st.Policy[0] != n {
		t.Errorf("fusion count = %v, want %d", st.Policy[0], n)
	}

	// Log order is commit order, so folding the log reproduces the state.
	entries, _ := s.ListByUser(ctx, "u1")
	var want []float32
	for _, e := range entries {
		want, _ = vecmath.Fuse(want, e.Embedding, 0.2)
	}
	for i := range want {
		if want[i] != st.LongTerm[i] {
			t.Fatalf("LongTerm = %v, want fold of log %v", st.LongTerm, want)
		}
	}
}

func TestObserve_CancelledContext(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := s.Observe(ctx, memory.Entry{UserID: "u1", Embedding: []float32{1}}, countingFuse)
	if !errors.Is(err, memory.ErrStorage) {
		t.Fatalf("err = %v, want ErrStorage", err)
	}
}

func TestNearest(t *testing.T) {
	s := New()
	ctx := context.Background()

	// Log entries first so the long-term vector is controlled independently.
	for _, e := range []memory.Entry{
		{UserID: "u1", Text: "far", Embedding: []float32{-1, 0}},
		{UserID: "u1", Text: "tie-a", Embedding: []float32{0, 1}},
		{UserID: "u1", Text: "near", Embedding: []float32{1, 0}},
		{UserID: "u1", Text: "tie-b", Embedding: []float32{0, 1}},
	} {
		if _, err := s.Append(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.Nearest(ctx, "u1", 10)
	if err != nil {
		t.Fatalf("Nearest: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("without a long-term vector: got %d entries, want 0", len(got))
	}

	fuse := func(*memory.State, memory.Entry) (memory.Vectors, error) {
		return memory.Vectors{LongTerm: []float32{1, 0.5}, Policy: []float32{1}}, nil
	}
	if _, _, err := s.Observe(ctx, memory.Entry{UserID: "u1", Text: "q", Embedding: []float32{0, 0}}, fuse); err != nil {
		t.Fatal(err)
	}

	got, err = s.Nearest(ctx, "u1", 10)
	if err != nil {
		t.Fatalf("Nearest: %v", err)
	}
	var texts []string
	for _, e := range got {
		texts = append(texts, e.Text)
	}
	want := []string{"near", "tie-a", "tie-b", "q", "far"}
	if len(texts) != len(want) {
		t.Fatalf("texts = %v, want %v", texts, want)
	}
	for i := range want {
		if texts[i] != want[i] {
			t.Fatalf("texts = %v, want %v", texts, want)
		}
	}

	limited, _ := s.Nearest(ctx, "u1", 2)
	if len(limited) != 2 {
		t.Errorf("limit 2: got %d", len(limited))
	}
}
