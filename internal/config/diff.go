package config

import "fmt"

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	// LogLevelChanged is true when server.log_level differs. It is the only
	// setting applied without restart.
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RestartRequired lists the changed sections that only take effect
	// after a restart, e.g. "providers.llm" or "memory".
	RestartRequired []string
}

// Changed reports whether anything differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Server.ListenAddr != new.Server.ListenAddr || old.Server.RequestTimeout != new.Server.RequestTimeout {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !sameProvider(old.Providers.Embeddings, new.Providers.Embeddings) {
		d.RestartRequired = append(d.RestartRequired, "providers.embeddings")
	}
	if !sameProvider(old.Providers.LLM, new.Providers.LLM) {
		d.RestartRequired = append(d.RestartRequired, "providers.llm")
	}
	if !sameProvider(old.Providers.Rerank, new.Providers.Rerank) {
		d.RestartRequired = append(d.RestartRequired, "providers.rerank")
	}
	if !sameMemory(old.Memory, new.Memory) {
		d.RestartRequired = append(d.RestartRequired, "memory")
	}
	if old.Resilience != new.Resilience {
		d.RestartRequired = append(d.RestartRequired, "resilience")
	}
	if old.Telemetry != new.Telemetry {
		d.RestartRequired = append(d.RestartRequired, "telemetry")
	}
	return d
}

// sameMemory compares two memory sections by value, resolving the seed.
func sameMemory(a, b MemoryConfig) bool {
	if a.Seed() != b.Seed() {
		return false
	}
	a.ProjectionSeed, b.ProjectionSeed = nil, nil
	return a == b
}

// sameProvider compares the scalar fields of two provider entries. Options
// maps are compared by key count and string form of their values.
func sameProvider(a, b ProviderEntry) bool {
	if a.Name != b.Name || a.APIKey != b.APIKey || a.BaseURL != b.BaseURL || a.Model != b.Model {
		return false
	}
	if len(a.Options) != len(b.Options) {
		return false
	}
	for k, av := range a.Options {
		bv, ok := b.Options[k]
		if !ok || fmt.Sprint(av) != fmt.Sprint(bv) {
			return false
		}
	}
	return true
}
