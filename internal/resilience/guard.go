package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/attune/internal/observe"
	"github.com/MrWong99/attune/pkg/provider"
	"github.com/MrWong99/attune/pkg/provider/embeddings"
	"github.com/MrWong99/attune/pkg/provider/llm"
	"github.com/MrWong99/attune/pkg/provider/rerank"
)

// GuardConfig configures a provider guard.
type GuardConfig struct {
	// Timeout bounds every call. Zero leaves the caller's deadline alone.
	Timeout time.Duration

	// Breaker tunes the guard's circuit breaker. Name defaults to
	// "<kind>/<provider>".
	Breaker CircuitBreakerConfig

	// Metrics receives latency and error counts. Nil disables recording.
	Metrics *observe.Metrics
}

// guard is the shared call path of every provider guard.
type guard struct {
	kind    provider.Kind
	name    string
	timeout time.Duration
	breaker *CircuitBreaker
	metrics *observe.Metrics
}

func newGuard(kind provider.Kind, name string, cfg GuardConfig) *guard {
	if cfg.Breaker.Name == "" {
		cfg.Breaker.Name = string(kind) + "/" + name
	}
	return &guard{
		kind:    kind,
		name:    name,
		timeout: cfg.Timeout,
		breaker: NewCircuitBreaker(cfg.Breaker),
		metrics: cfg.Metrics,
	}
}

// call runs fn through the breaker under the per-call timeout and classifies
// any failure with provider.Wrap.
func call[T any](ctx context.Context, g *guard, fn func(context.Context) (T, error)) (T, error) {
	callCtx := ctx
	if g.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	start := time.Now()
	var out T
	err := g.breaker.Execute(func() error {
		var err error
		out, err = fn(callCtx)
		return err
	})
	err = provider.Wrap(g.kind, g.name, err)

	if g.metrics != nil {
		g.metrics.RecordProviderCall(ctx, string(g.kind), g.name, time.Since(start), err, errorClass(err))
	}
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

func errorClass(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCircuitOpen):
		return "circuit_open"
	case provider.Retryable(err):
		return "timeout"
	default:
		return "error"
	}
}

// Embedder guards an [embeddings.Provider].
type Embedder struct {
	next embeddings.Provider
	g    *guard
}

var _ embeddings.Provider = (*Embedder)(nil)

// GuardEmbeddings wraps p, reported under name.
func GuardEmbeddings(p embeddings.Provider, name string, cfg GuardConfig) *Embedder {
	return &Embedder{next: p, g: newGuard(provider.KindEmbeddings, name, cfg)}
}

// Embed implements embeddings.Provider.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return call(ctx, e.g, func(ctx context.Context) ([]float32, error) {
		return e.next.Embed(ctx, text)
	})
}

// Dimensions implements embeddings.Provider.
func (e *Embedder) Dimensions() int { return e.next.Dimensions() }

// ModelID implements embeddings.Provider.
func (e *Embedder) ModelID() string { return e.next.ModelID() }

// Breaker exposes the guard's circuit breaker.
func (e *Embedder) Breaker() *CircuitBreaker { return e.g.breaker }

// Reranker guards a [rerank.Provider].
type Reranker struct {
	next rerank.Provider
	g    *guard
}

var _ rerank.Provider = (*Reranker)(nil)

// GuardRerank wraps p, reported under name.
func GuardRerank(p rerank.Provider, name string, cfg GuardConfig) *Reranker {
	return &Reranker{next: p, g: newGuard(provider.KindRerank, name, cfg)}
}

// Rerank implements rerank.Provider.
func (r *Reranker) Rerank(ctx context.Context, query string, docs []string, topN int) ([]int, error) {
	return call(ctx, r.g, func(ctx context.Context) ([]int, error) {
		return r.next.Rerank(ctx, query, docs, topN)
	})
}

// ModelID implements rerank.Provider.
func (r *Reranker) ModelID() string { return r.next.ModelID() }

// Breaker exposes the guard's circuit breaker.
func (r *Reranker) Breaker() *CircuitBreaker { return r.g.breaker }

// Generator guards an [llm.Provider].
type Generator struct {
	next llm.Provider
	g    *guard
}

var _ llm.Provider = (*Generator)(nil)

// GuardLLM wraps p, reported under name.
func GuardLLM(p llm.Provider, name string, cfg GuardConfig) *Generator {
	return &Generator{next: p, g: newGuard(provider.KindLLM, name, cfg)}
}

// Complete implements llm.Provider.
func (g *Generator) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return call(ctx, g.g, func(ctx context.Context) (*llm.CompletionResponse, error) {
		return g.next.Complete(ctx, req)
	})
}

// ModelID implements llm.Provider.
func (g *Generator) ModelID() string { return g.next.ModelID() }

// Breaker exposes the guard's circuit breaker.
func (g *Generator) Breaker() *CircuitBreaker { return g.g.breaker }
