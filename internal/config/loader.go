package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"embeddings": {"openai", "ollama"},
	"llm":        {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"rerank":     {"cohere"},
}

// apiKeyEnv maps provider names to the environment variable consulted when
// api_key is left empty.
var apiKeyEnv = map[string]string{
	"openai": "OPENAI_API_KEY",
	"cohere": "COHERE_API_KEY",
}

// Default values applied by [ApplyDefaults].
const (
	DefaultListenAddr       = ":8080"
	DefaultRequestTimeout   = 60 * time.Second
	DefaultLongTermDecay    = 0.2
	DefaultPolicyDecay      = 0.1
	DefaultPolicyDimensions = 128
	DefaultProjectionSeed   = 42
	DefaultCandidateLimit   = 200
	DefaultRerankTopN       = 8
	DefaultMaxFailures      = 5
	DefaultResetTimeout     = 30 * time.Second
	DefaultProviderTimeout  = 30 * time.Second
	DefaultServiceName      = "attune"
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills defaults and
// environment fallbacks, and validates the result. An empty document yields
// the default configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	ApplyEnv(cfg, os.LookupEnv)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills every zero-valued field that has a default. Provider
// blocks without a name get the original deployment's providers: OpenAI
// embeddings and generation, Cohere rerank.
func ApplyDefaults(cfg *Config) {
	s := &cfg.Server
	if s.ListenAddr == "" {
		s.ListenAddr = DefaultListenAddr
	}
	if s.LogLevel == "" {
		s.LogLevel = LogInfo
	}
	if s.RequestTimeout == 0 {
		s.RequestTimeout = DefaultRequestTimeout
	}

	p := &cfg.Providers
	if p.Embeddings.Name == "" {
		p.Embeddings.Name = "openai"
		if p.Embeddings.Model == "" {
			p.Embeddings.Model = "text-embedding-3-large"
		}
	}
	if p.LLM.Name == "" {
		p.LLM.Name = "openai"
		if p.LLM.Model == "" {
			p.LLM.Model = "gpt-5"
		}
	}
	if p.Rerank.Name == "" {
		p.Rerank.Name = "cohere"
		if p.Rerank.Model == "" {
			p.Rerank.Model = "rerank-v3.5"
		}
	}

	m := &cfg.Memory
	if m.LongTermDecay == 0 {
		m.LongTermDecay = DefaultLongTermDecay
	}
	if m.PolicyDecay == 0 {
		m.PolicyDecay = DefaultPolicyDecay
	}
	if m.PolicyDimensions == 0 {
		m.PolicyDimensions = DefaultPolicyDimensions
	}
	if m.ProjectionSeed == nil {
		seed := uint64(DefaultProjectionSeed)
		m.ProjectionSeed = &seed
	}
	if m.CandidateLimit == 0 {
		m.CandidateLimit = DefaultCandidateLimit
	}
	if m.RerankTopN == 0 {
		m.RerankTopN = DefaultRerankTopN
	}

	r := &cfg.Resilience
	if r.MaxFailures == 0 {
		r.MaxFailures = DefaultMaxFailures
	}
	if r.ResetTimeout == 0 {
		r.ResetTimeout = DefaultResetTimeout
	}
	if r.ProviderTimeout == 0 {
		r.ProviderTimeout = DefaultProviderTimeout
	}

	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = DefaultServiceName
	}
}

// ApplyEnv fills empty provider API keys from the environment using lookup.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	for _, e := range []*ProviderEntry{&cfg.Providers.Embeddings, &cfg.Providers.LLM, &cfg.Providers.Rerank} {
		if e.APIKey != "" {
			continue
		}
		if name, ok := apiKeyEnv[e.Name]; ok {
			if v, ok := lookup(name); ok {
				e.APIKey = v
			}
		}
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.RequestTimeout < 0 {
		errs = append(errs, fmt.Errorf("server.request_timeout %s must not be negative", cfg.Server.RequestTimeout))
	}

	// Providers
	for _, p := range []struct {
		kind  string
		entry ProviderEntry
	}{
		{"embeddings", cfg.Providers.Embeddings},
		{"llm", cfg.Providers.LLM},
		{"rerank", cfg.Providers.Rerank},
	} {
		if p.entry.Name == "" {
			errs = append(errs, fmt.Errorf("providers.%s.name is required", p.kind))
			continue
		}
		validateProviderName(p.kind, p.entry.Name)
		if _, err := parseDurationOption(p.entry.Options["timeout"]); err != nil {
			errs = append(errs, fmt.Errorf("providers.%s.options.timeout: %w", p.kind, err))
		}
	}

	// Memory
	m := cfg.Memory
	if m.EmbeddingDimensions < 0 {
		errs = append(errs, fmt.Errorf("memory.embedding_dimensions %d must not be negative", m.EmbeddingDimensions))
	}
	if !(m.LongTermDecay > 0 && m.LongTermDecay <= 1) {
		errs = append(errs, fmt.Errorf("memory.long_term_decay %v is out of range (0, 1]", m.LongTermDecay))
	}
	if !(m.PolicyDecay > 0 && m.PolicyDecay <= 1) {
		errs = append(errs, fmt.Errorf("memory.policy_decay %v is out of range (0, 1]", m.PolicyDecay))
	}
	if m.PostgresMaxConns < 0 {
		errs = append(errs, fmt.Errorf("memory.postgres_max_conns %d must not be negative", m.PostgresMaxConns))
	}
	if m.PolicyDimensions <= 0 {
		errs = append(errs, fmt.Errorf("memory.policy_dimensions %d must be positive", m.PolicyDimensions))
	}
	if m.CandidateLimit <= 0 {
		errs = append(errs, fmt.Errorf("memory.candidate_limit %d must be positive", m.CandidateLimit))
	}
	if m.RerankTopN <= 0 {
		errs = append(errs, fmt.Errorf("memory.rerank_top_n %d must be positive", m.RerankTopN))
	}
	if m.PostgresDSN == "" {
		slog.Warn("memory.postgres_dsn is empty; memory is kept in-process and lost on restart")
	}

	// Resilience
	r := cfg.Resilience
	if r.MaxFailures <= 0 {
		errs = append(errs, fmt.Errorf("resilience.max_failures %d must be positive", r.MaxFailures))
	}
	if r.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("resilience.reset_timeout %s must not be negative", r.ResetTimeout))
	}
	if r.ProviderTimeout < 0 {
		errs = append(errs, fmt.Errorf("resilience.provider_timeout %s must not be negative", r.ProviderTimeout))
	}

	if cfg.Telemetry.MetricsAddr != "" && cfg.Telemetry.MetricsAddr == cfg.Server.ListenAddr {
		errs = append(errs, fmt.Errorf("telemetry.metrics_addr %q must differ from server.listen_addr; leave it empty to share the API listener", cfg.Telemetry.MetricsAddr))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name; may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
