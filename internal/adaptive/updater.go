// Package adaptive turns observed facts into per-user memory.
//
// [Updater.Observe] embeds the text, then hands the vector to the store's
// atomic fuse-and-persist transaction. Inside that transaction the user's
// long-term vector moves towards the embedding by the long-term decay rate and
// the policy vector moves towards the embedding's deterministic projection by
// the policy decay rate. A user's first observation becomes both baselines
// verbatim.
package adaptive

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/attune/internal/observe"
	"github.com/MrWong99/attune/pkg/memory"
	"github.com/MrWong99/attune/pkg/provider"
	"github.com/MrWong99/attune/pkg/provider/embeddings"
	"github.com/MrWong99/attune/pkg/vecmath"
)

const (
	// DefaultLongTermDecay is the EMA weight of a new embedding in the
	// long-term vector.
	DefaultLongTermDecay = 0.2

	// DefaultPolicyDecay is the EMA weight of a new projection in the policy
	// vector.
	DefaultPolicyDecay = 0.1
)

// ErrInvalidObservation is returned when the user id or text is empty.
var ErrInvalidObservation = errors.New("adaptive: user id and text are required")

// Result is a committed observation.
type Result struct {
	Entry memory.Entry
	State *memory.State
}

// Updater implements the update path. It is safe for concurrent use.
type Updater struct {
	embedder  embeddings.Provider
	store     memory.Store
	projector *vecmath.Projector

	longTermDecay float64
	policyDecay   float64
	dimensions    int

	metrics *observe.Metrics
}

// Option configures an [Updater].
type Option func(*Updater)

// WithDecay overrides the long-term and policy decay rates.
func WithDecay(longTerm, policy float64) Option {
	return func(u *Updater) {
		u.longTermDecay = longTerm
		u.policyDecay = policy
	}
}

// WithProjector overrides the projector. The default is
// vecmath.NewProjector(vecmath.DefaultSeed, vecmath.DefaultPolicyDimensions).
func WithProjector(p *vecmath.Projector) Option {
	return func(u *Updater) { u.projector = p }
}

// WithDimensions pins the expected embedding length. Embeddings of any other
// length are rejected with a [*vecmath.DimensionError] before fusion.
func WithDimensions(n int) Option {
	return func(u *Updater) { u.dimensions = n }
}

// WithMetrics enables metric recording.
func WithMetrics(m *observe.Metrics) Option {
	return func(u *Updater) { u.metrics = m }
}

// New returns an Updater writing to store.
func New(embedder embeddings.Provider, store memory.Store, opts ...Option) (*Updater, error) {
	u := &Updater{
		embedder:      embedder,
		store:         store,
		longTermDecay: DefaultLongTermDecay,
		policyDecay:   DefaultPolicyDecay,
	}
	for _, o := range opts {
		o(u)
	}
	if u.projector == nil {
		u.projector = vecmath.NewProjector(vecmath.DefaultSeed, vecmath.DefaultPolicyDimensions)
	}

	var errs []error
	if embedder == nil {
		errs = append(errs, errors.New("embedder is required"))
	}
	if store == nil {
		errs = append(errs, errors.New("store is required"))
	}
	if !(u.longTermDecay > 0 && u.longTermDecay <= 1) {
		errs = append(errs, fmt.Errorf("long-term decay %v outside (0,1]", u.longTermDecay))
	}
	if !(u.policyDecay > 0 && u.policyDecay <= 1) {
		errs = append(errs, fmt.Errorf("policy decay %v outside (0,1]", u.policyDecay))
	}
	if u.dimensions < 0 {
		errs = append(errs, fmt.Errorf("dimensions must not be negative, got %d", u.dimensions))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("adaptive: %w", err)
	}
	return u, nil
}

// Observe records text as a new observation for userID. An empty kind
// becomes [memory.DefaultKind].
//
// Provider failures abort before the store is touched. A dimension mismatch
// or storage failure leaves the log and state exactly as they were.
func (u *Updater) Observe(ctx context.Context, userID, kind, text string) (res *Result, err error) {
	if userID == "" || text == "" {
		return nil, ErrInvalidObservation
	}
	if kind == "" {
		kind = memory.DefaultKind
	}

	ctx, span := observe.StartSpan(ctx, "adaptive.Observe",
		trace.WithAttributes(attribute.String("attune.user_id", userID)))
	defer func() {
		observe.RecordError(span, err)
		span.End()
		if u.metrics != nil {
			u.metrics.RecordObservation(ctx, observe.Status(err))
		}
	}()

	vec, err := u.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("adaptive: embed: %w", provider.Wrap(provider.KindEmbeddings, u.embedder.ModelID(), err))
	}
	if len(vec) == 0 {
		return nil, fmt.Errorf("adaptive: embed: %w",
			provider.Wrap(provider.KindEmbeddings, u.embedder.ModelID(), errors.New("empty embedding")))
	}

	start := time.Now()
	entry, state, err := u.store.Observe(ctx, memory.Entry{
		UserID:    userID,
		Kind:      kind,
		Text:      text,
		Embedding: vec,
	}, u.Fuse)
	if u.metrics != nil {
		u.metrics.ObserveDuration.Record(ctx, time.Since(start).Seconds())
	}
	if err != nil {
		return nil, fmt.Errorf("adaptive: observe: %w", err)
	}

	span.SetAttributes(
		attribute.Int64("attune.entry_id", entry.ID),
		attribute.Int64("attune.state_version", state.Version),
	)
	observe.Logger(ctx).Debug("observation fused",
		"user_id", userID,
		"entry_id", entry.ID,
		"version", state.Version)
	return &Result{Entry: entry, State: state}, nil
}

// Fuse is the [memory.FuseFunc] applied under the user's lock. It is pure.
func (u *Updater) Fuse(prev *memory.State, entry memory.Entry) (memory.Vectors, error) {
	if u.dimensions > 0 && len(entry.Embedding) != u.dimensions {
		return memory.Vectors{}, &vecmath.DimensionError{Op: "embedding", Got: len(entry.Embedding), Want: u.dimensions}
	}

	longTerm, err := vecmath.Fuse(prev.LongTerm, entry.Embedding, u.longTermDecay)
	if err != nil {
		return memory.Vectors{}, fmt.Errorf("long-term: %w", err)
	}

	projected, err := u.projector.Project(entry.Embedding)
	if err != nil {
		return memory.Vectors{}, fmt.Errorf("project: %w", err)
	}

	policy := projected
	if len(prev.Policy) > 0 {
		if policy, err = vecmath.Fuse(prev.Policy, projected, u.policyDecay); err != nil {
			return memory.Vectors{}, fmt.Errorf("policy: %w", err)
		}
	}
	return memory.Vectors{LongTerm: longTerm, Policy: policy}, nil
}
