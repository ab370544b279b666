// Command attune is the main entry point for the attune personalization server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/attune/internal/app"
	"github.com/MrWong99/attune/internal/config"
	"github.com/MrWong99/attune/internal/observe"
	"github.com/MrWong99/attune/pkg/provider/embeddings"
	ollamaembed "github.com/MrWong99/attune/pkg/provider/embeddings/ollama"
	oaembed "github.com/MrWong99/attune/pkg/provider/embeddings/openai"
	"github.com/MrWong99/attune/pkg/provider/llm"
	"github.com/MrWong99/attune/pkg/provider/llm/anyllm"
	oaillm "github.com/MrWong99/attune/pkg/provider/llm/openai"
	"github.com/MrWong99/attune/pkg/provider/rerank"
	"github.com/MrWong99/attune/pkg/provider/rerank/cohere"
)

// version is set at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	watch := flag.Bool("watch", false, "reload the log level when the config file changes")
	watchInterval := flag.Duration("watch-interval", config.DefaultWatchInterval, "how often -watch polls the config file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "attune: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "attune: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(app.SlogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	slog.Info("attune starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	application, err := app.New(ctx, cfg, providers,
		app.WithMetricsHandler(tel.MetricsHandler),
		app.WithLogLevel(&level),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config watcher (optional) ─────────────────────────────────────────────
	if *watch {
		w, err := config.NewWatcher(*configPath, application.ApplyConfig, config.WithInterval(*watchInterval))
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			go w.Run(ctx)
		}
	}

	slog.Info("server ready; press Ctrl+C to shut down")

	exit := 0
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		exit = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		exit = 1
	}
	if err := tel.Shutdown(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return exit
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the provider
// from the implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── Embeddings ────────────────────────────────────────────────────────────

	reg.RegisterEmbeddings("openai", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		var opts []oaembed.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaembed.WithBaseURL(entry.BaseURL))
		}
		if org := entry.OptionString("organization"); org != "" {
			opts = append(opts, oaembed.WithOrganization(org))
		}
		if dims := entry.OptionInt("dimensions"); dims > 0 {
			opts = append(opts, oaembed.WithDimensions(dims))
		}
		if d := entry.OptionDuration("timeout"); d > 0 {
			opts = append(opts, oaembed.WithTimeout(d))
		}
		return oaembed.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterEmbeddings("ollama", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		var opts []ollamaembed.Option
		if dims := entry.OptionInt("dimensions"); dims > 0 {
			opts = append(opts, ollamaembed.WithDimensions(dims))
		}
		if d := entry.OptionDuration("timeout"); d > 0 {
			opts = append(opts, ollamaembed.WithTimeout(d))
		}
		return ollamaembed.New(entry.BaseURL, entry.Model, opts...)
	})

	// ── LLM ───────────────────────────────────────────────────────────────────

	// openai talks to the Chat Completions API directly.
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []oaillm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaillm.WithBaseURL(entry.BaseURL))
		}
		if org := entry.OptionString("organization"); org != "" {
			opts = append(opts, oaillm.WithOrganization(org))
		}
		if d := entry.OptionDuration("timeout"); d > 0 {
			opts = append(opts, oaillm.WithTimeout(d))
		}
		return oaillm.New(entry.APIKey, entry.Model, opts...)
	})

	// The remaining backends go through any-llm and share the same pattern:
	// optional APIKey + optional BaseURL.
	for _, providerName := range []string{
		"anthropic", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile", "ollama",
	} {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ── Rerank ────────────────────────────────────────────────────────────────

	reg.RegisterRerank("cohere", func(entry config.ProviderEntry) (rerank.Provider, error) {
		var opts []cohere.Option
		if entry.BaseURL != "" {
			opts = append(opts, cohere.WithBaseURL(entry.BaseURL))
		}
		if d := entry.OptionDuration("timeout"); d > 0 {
			opts = append(opts, cohere.WithTimeout(d))
		}
		return cohere.New(entry.APIKey, entry.Model, opts...)
	})

	for _, kind := range []string{"embeddings", "llm", "rerank"} {
		slog.Debug("registered providers", "kind", kind, "names", reg.Names(kind))
	}
}

// buildProviders instantiates the three providers named in cfg. Unlike
// optional integrations, every one of them is required.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}
	var err error

	if ps.Embeddings, err = reg.CreateEmbeddings(cfg.Providers.Embeddings); err != nil {
		return nil, fmt.Errorf("create embeddings provider %q: %w", cfg.Providers.Embeddings.Name, err)
	}
	slog.Info("provider created", "kind", "embeddings", "name", cfg.Providers.Embeddings.Name, "model", ps.Embeddings.ModelID())

	if ps.LLM, err = reg.CreateLLM(cfg.Providers.LLM); err != nil {
		return nil, fmt.Errorf("create llm provider %q: %w", cfg.Providers.LLM.Name, err)
	}
	slog.Info("provider created", "kind", "llm", "name", cfg.Providers.LLM.Name, "model", ps.LLM.ModelID())

	if ps.Rerank, err = reg.CreateRerank(cfg.Providers.Rerank); err != nil {
		return nil, fmt.Errorf("create rerank provider %q: %w", cfg.Providers.Rerank.Name, err)
	}
	slog.Info("provider created", "kind", "rerank", "name", cfg.Providers.Rerank.Name, "model", ps.Rerank.ModelID())

	return ps, nil
}
