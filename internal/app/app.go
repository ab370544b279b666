// Package app wires attune's subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates the store, guards the
// providers and assembles the update and respond paths; Run serves HTTP until
// its context is cancelled; Shutdown releases everything in order.
//
// For testing, inject a store or metrics via functional options. When an
// option is not provided, New creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/attune/internal/adaptive"
	"github.com/MrWong99/attune/internal/api"
	"github.com/MrWong99/attune/internal/config"
	"github.com/MrWong99/attune/internal/health"
	"github.com/MrWong99/attune/internal/observe"
	"github.com/MrWong99/attune/internal/personalize"
	"github.com/MrWong99/attune/internal/resilience"
	"github.com/MrWong99/attune/internal/retrieval"
	"github.com/MrWong99/attune/pkg/memory"
	"github.com/MrWong99/attune/pkg/memory/memstore"
	"github.com/MrWong99/attune/pkg/memory/postgres"
	"github.com/MrWong99/attune/pkg/provider/embeddings"
	"github.com/MrWong99/attune/pkg/provider/llm"
	"github.com/MrWong99/attune/pkg/provider/rerank"
	"github.com/MrWong99/attune/pkg/vecmath"
)

// shutdownGrace bounds the graceful HTTP drain in Run.
const shutdownGrace = 10 * time.Second

// Providers holds the external collaborators. Populated by main.go via the
// config registry. All three are required.
type Providers struct {
	Embeddings embeddings.Provider
	LLM        llm.Provider
	Rerank     rerank.Provider
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	store          memory.Store
	metrics        *observe.Metrics
	metricsHandler http.Handler
	logLevel       *slog.LevelVar

	embedder  *resilience.Embedder
	reranker  *resilience.Reranker
	generator *resilience.Generator

	updater   *adaptive.Updater
	retriever *retrieval.Engine
	pipeline  *personalize.Pipeline
	handler   http.Handler

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a memory store instead of creating one from config.
func WithStore(s memory.Store) Option {
	return func(a *App) { a.store = s }
}

// WithMetrics injects the metric instruments. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler serves h on /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithLogLevel lets [App.ApplyConfig] change the log level of the running
// process.
func WithLogLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = v }
}

// New creates an App by wiring all subsystems together.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.Embeddings == nil || providers.LLM == nil || providers.Rerank == nil {
		return nil, errors.New("app: embeddings, llm and rerank providers are required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	a.initGuards()

	dims, err := a.initStore(ctx)
	if err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	if err := a.initPipelines(dims); err != nil {
		return nil, fmt.Errorf("app: init pipelines: %w", err)
	}

	a.handler = a.buildHandler()
	return a, nil
}

// initGuards wraps every provider in a timeout and circuit breaker.
func (a *App) initGuards() {
	rc := a.cfg.Resilience
	guard := func() resilience.GuardConfig {
		return resilience.GuardConfig{
			Timeout: rc.ProviderTimeout,
			Breaker: resilience.CircuitBreakerConfig{
				MaxFailures:  rc.MaxFailures,
				ResetTimeout: rc.ResetTimeout,
			},
			Metrics: a.metrics,
		}
	}
	pc := a.cfg.Providers
	a.embedder = resilience.GuardEmbeddings(a.providers.Embeddings, pc.Embeddings.Name, guard())
	a.reranker = resilience.GuardRerank(a.providers.Rerank, pc.Rerank.Name, guard())
	a.generator = resilience.GuardLLM(a.providers.LLM, pc.LLM.Name, guard())
}

// initStore connects the configured store and returns the embedding
// dimension to enforce, or 0 when it is unknown.
func (a *App) initStore(ctx context.Context) (int, error) {
	dims := a.cfg.Memory.EmbeddingDimensions
	reported := a.providers.Embeddings.Dimensions()
	switch {
	case dims == 0:
		dims = reported
	case reported > 0 && reported != dims:
		return 0, fmt.Errorf("memory.embedding_dimensions is %d but provider %q reports %d for model %q",
			dims, a.cfg.Providers.Embeddings.Name, reported, a.providers.Embeddings.ModelID())
	}
	if a.store != nil {
		return dims, nil
	}

	dsn := a.cfg.Memory.PostgresDSN
	if dsn == "" {
		slog.Warn("using in-process memory store; observations are lost on restart")
		a.store = memstore.New()
		return dims, nil
	}

	if dims <= 0 {
		return 0, fmt.Errorf("memory.embedding_dimensions is required: provider %q reports no dimension for model %q",
			a.cfg.Providers.Embeddings.Name, a.providers.Embeddings.ModelID())
	}
	store, err := postgres.NewStore(ctx, dsn, dims, a.cfg.Memory.PolicyDimensions,
		postgres.WithMaxConns(a.cfg.Memory.PostgresMaxConns))
	if err != nil {
		return 0, err
	}
	a.store = store
	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})
	slog.Info("connected to postgres memory store", "embedding_dimensions", dims)
	return dims, nil
}

func (a *App) initPipelines(dims int) error {
	mc := a.cfg.Memory

	var err error
	a.updater, err = adaptive.New(a.embedder, a.store,
		adaptive.WithDecay(mc.LongTermDecay, mc.PolicyDecay),
		adaptive.WithProjector(vecmath.NewProjector(mc.Seed(), mc.PolicyDimensions)),
		adaptive.WithDimensions(dims),
		adaptive.WithMetrics(a.metrics),
	)
	if err != nil {
		return err
	}

	a.retriever = retrieval.New(a.store,
		retrieval.WithDefaultLimit(mc.CandidateLimit),
		retrieval.WithMetrics(a.metrics),
	)

	a.pipeline, err = personalize.New(a.retriever, a.reranker, a.generator,
		personalize.WithCandidateLimit(mc.CandidateLimit),
		personalize.WithRerankTopN(mc.RerankTopN),
		personalize.WithGeneration(
			a.cfg.Providers.LLM.OptionFloat("temperature"),
			a.cfg.Providers.LLM.OptionInt("max_tokens"),
		),
		personalize.WithMetrics(a.metrics),
	)
	return err
}

// buildHandler assembles the API, health and (when sharing the listener)
// metrics routes behind request-id and telemetry middleware.
func (a *App) buildHandler() http.Handler {
	mux := http.NewServeMux()
	api.New(a.updater, a.pipeline, a.store,
		api.WithRequestTimeout(a.cfg.Server.RequestTimeout),
	).Register(mux)
	health.New(a.readinessChecks()).Register(mux)
	if a.metricsHandler != nil && a.cfg.Telemetry.MetricsAddr == "" {
		mux.Handle("GET /metrics", a.metricsHandler)
	}
	return api.RequestID(observe.Middleware(a.metrics)(mux))
}

func (a *App) readinessChecks() []health.Checker {
	return []health.Checker{
		{Name: "store", Check: a.store.Ping},
		{Name: "providers", Check: func(context.Context) error {
			var open []string
			for _, b := range a.Breakers() {
				if b.State() == resilience.StateOpen {
					open = append(open, b.Name())
				}
			}
			if len(open) > 0 {
				return fmt.Errorf("circuit open: %v", open)
			}
			return nil
		}},
	}
}

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Breakers returns the provider circuit breakers.
func (a *App) Breakers() []*resilience.CircuitBreaker {
	return []*resilience.CircuitBreaker{a.embedder.Breaker(), a.reranker.Breaker(), a.generator.Breaker()}
}

// Store returns the memory store in use.
func (a *App) Store() memory.Store { return a.store }

// Run serves the API (and the separate metrics listener, if configured) and
// blocks until ctx is cancelled or a listener fails. Servers are drained
// gracefully before Run returns.
func (a *App) Run(ctx context.Context) error {
	servers := []*http.Server{{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}}
	if addr := a.cfg.Telemetry.MetricsAddr; addr != "" && a.metricsHandler != nil {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", a.metricsHandler)
		servers = append(servers, &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second})
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		g.Go(func() error {
			slog.Info("http server listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: serve %s: %w", srv.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
		defer cancel()
		var errs []error
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("app: shutdown %s: %w", srv.Addr, err))
			}
		}
		return errors.Join(errs...)
	})
	return g.Wait()
}

// ApplyConfig reacts to a reloaded config. The log level changes in place;
// every other change is logged as requiring a restart.
func (a *App) ApplyConfig(c config.Change) {
	if c.Diff.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(SlogLevel(c.Diff.NewLogLevel))
		slog.Info("log level changed", "level", c.Diff.NewLogLevel)
	}
	if len(c.Diff.RestartRequired) > 0 {
		slog.Warn("configuration changed; restart to apply", "sections", c.Diff.RestartRequired)
	}
}

// Shutdown tears down all subsystems in order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// SlogLevel converts a config log level to its slog equivalent.
func SlogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
