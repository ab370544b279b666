// Package retrieval selects the stored observations most aligned with a
// user's long-term vector.
//
// Ranking is delegated to [memory.Store.Nearest]: ascending negative inner
// product against the current long-term vector, ties broken by insertion id.
// Retrieval is a pure read and never takes the per-user fusion lock, so it
// may observe the state as of any committed version.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/attune/internal/observe"
	"github.com/MrWong99/attune/pkg/memory"
)

// DefaultLimit is the candidate count used when the caller passes limit <= 0.
const DefaultLimit = 200

// ErrMissingUser is returned when the user id is empty.
var ErrMissingUser = errors.New("retrieval: user id is required")

// Engine ranks a user's memory log. It is safe for concurrent use.
type Engine struct {
	store        memory.Store
	defaultLimit int
	metrics      *observe.Metrics
}

// Option configures an [Engine].
type Option func(*Engine)

// WithDefaultLimit overrides [DefaultLimit]. Non-positive values are ignored.
func WithDefaultLimit(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.defaultLimit = n
		}
	}
}

// WithMetrics enables metric recording.
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// New returns an Engine reading from store.
func New(store memory.Store, opts ...Option) *Engine {
	e := &Engine{store: store, defaultLimit: DefaultLimit}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Retrieve returns up to limit of userID's entries, best match first. A user
// without a long-term vector yields an empty, non-nil slice.
func (e *Engine) Retrieve(ctx context.Context, userID string, limit int) (_ []memory.Entry, err error) {
	if userID == "" {
		return nil, ErrMissingUser
	}
	if limit <= 0 {
		limit = e.defaultLimit
	}

	ctx, span := observe.StartSpan(ctx, "retrieval.Retrieve",
		trace.WithAttributes(
			attribute.String("attune.user_id", userID),
			attribute.Int("attune.limit", limit),
		))
	defer func() {
		observe.RecordError(span, err)
		span.End()
	}()

	start := time.Now()
	entries, err := e.store.Nearest(ctx, userID, limit)
	if e.metrics != nil {
		e.metrics.RetrievalDuration.Record(ctx, time.Since(start).Seconds())
	}
	if err != nil {
		return nil, fmt.Errorf("retrieval: %w", err)
	}
	if entries == nil {
		entries = []memory.Entry{}
	}
	if e.metrics != nil {
		e.metrics.RetrievedCandidates.Record(ctx, int64(len(entries)))
	}
	span.SetAttributes(attribute.Int("attune.candidates", len(entries)))
	return entries, nil
}
