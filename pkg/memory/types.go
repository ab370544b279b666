package memory

import "time"

// DefaultKind is the kind assigned to observations that do not name one.
const DefaultKind = "note"

// Entry is one observed fact in a user's append-only memory log. Entries are
// written once and never mutated or deleted.
type Entry struct {
	// ID is the store-assigned, monotonically increasing insertion id. It
	// breaks retrieval ties so ordering is deterministic.
	ID int64

	// UserID is the opaque, lifetime-stable owner identifier.
	UserID string

	// Kind is a free-form classification tag (e.g. "note").
	Kind string

	// Text is the original observation text.
	Text string

	// Embedding is the vector produced by the embeddings provider for Text.
	Embedding []float32

	// CreatedAt is the insertion time.
	CreatedAt time.Time
}

// State is the per-user adaptive summary. There is at most one State per user.
type State struct {
	UserID string

	// LongTerm is the decayed running summary of raw embeddings. Empty until
	// the user's first observation.
	LongTerm []float32

	// Policy is the decayed running summary of projected embeddings.
	Policy []float32

	// LastUpdated is the time of the most recent fusion.
	LastUpdated time.Time

	// Version counts committed fusions.
	Version int64
}

// Empty reports whether no observation has been fused into s yet.
func (s *State) Empty() bool {
	return s == nil || len(s.LongTerm) == 0
}

// Clone returns a deep copy of s.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	c := *s
	c.LongTerm = append([]float32(nil), s.LongTerm...)
	c.Policy = append([]float32(nil), s.Policy...)
	return &c
}

// Vectors is the result of a fusion step: the next long-term and policy
// vectors to persist.
type Vectors struct {
	LongTerm []float32
	Policy   []float32
}
