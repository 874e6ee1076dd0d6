package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":        {"openai", "anthropic", "gemini", "ollama", "deepseek", "mistral", "groq", "heuristic"},
	"embeddings": {"openai"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
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

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)
	for i, fb := range cfg.Providers.LLMFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.llm_fallbacks[%d].name must not be empty", i))
			continue
		}
		validateProviderName("llm", fb.Name)
	}
	if len(cfg.Providers.LLMFallbacks) > 0 && cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("providers.llm_fallbacks requires a primary providers.llm"))
	}

	// Provider availability warnings
	if cfg.Providers.LLM.Name == "" {
		slog.Warn("no LLM provider configured; the engine will fall back to the offline heuristic narrator")
	}
	if cfg.Providers.Embeddings.Name == "" {
		slog.Warn("no embeddings provider configured; memory retrieval will rank by recency only")
	}

	// Game store
	if cfg.GameStore.Backend != "" {
		switch cfg.GameStore.Backend {
		case BackendRedis:
			if cfg.GameStore.RedisAddr == "" {
				errs = append(errs, errors.New("game_store.redis_addr is required when game_store.backend is redis"))
			}
		case BackendMemory:
		default:
			errs = append(errs, fmt.Errorf("game_store.backend %q is invalid; valid values: redis, memory", cfg.GameStore.Backend))
		}
	}
	if cfg.GameStore.TurnLogCap < 0 {
		errs = append(errs, fmt.Errorf("game_store.turn_log_cap %d must not be negative", cfg.GameStore.TurnLogCap))
	}

	// Memory store
	if cfg.Memory.Backend != "" {
		switch cfg.Memory.Backend {
		case BackendPostgres:
			if cfg.Memory.PostgresDSN == "" {
				errs = append(errs, errors.New("memory.postgres_dsn is required when memory.backend is postgres"))
			}
		case BackendMemory:
		default:
			errs = append(errs, fmt.Errorf("memory.backend %q is invalid; valid values: postgres, memory", cfg.Memory.Backend))
		}
	}
	if cfg.Providers.Embeddings.Name != "" && cfg.Memory.EmbeddingDimensions <= 0 {
		slog.Warn("providers.embeddings is configured but memory.embedding_dimensions is not set; defaulting to 1536")
	}
	if cfg.Memory.Alpha != nil && (*cfg.Memory.Alpha < 0 || *cfg.Memory.Alpha > 1) {
		errs = append(errs, fmt.Errorf("memory.alpha %.2f is out of range [0, 1]", *cfg.Memory.Alpha))
	}
	if cfg.Memory.RecencyHalfLife < 0 {
		errs = append(errs, fmt.Errorf("memory.recency_half_life %v must not be negative", cfg.Memory.RecencyHalfLife))
	}
	if cfg.Memory.Retention.MaxCount < 0 {
		errs = append(errs, fmt.Errorf("memory.retention.max_count %d must not be negative", cfg.Memory.Retention.MaxCount))
	}
	if cfg.Memory.Retention.MaxAge < 0 {
		errs = append(errs, fmt.Errorf("memory.retention.max_age %v must not be negative", cfg.Memory.Retention.MaxAge))
	}

	// Turn pipeline
	if cfg.Turn.RecentTurns < 0 {
		errs = append(errs, fmt.Errorf("turn.recent_turns %d must not be negative", cfg.Turn.RecentTurns))
	}
	if cfg.Turn.TopK < 0 {
		errs = append(errs, fmt.Errorf("turn.top_k %d must not be negative", cfg.Turn.TopK))
	}
	if cfg.Turn.CharBudget < 0 {
		errs = append(errs, fmt.Errorf("turn.char_budget %d must not be negative", cfg.Turn.CharBudget))
	}
	if cfg.Turn.SoftDeadline < 0 {
		errs = append(errs, fmt.Errorf("turn.soft_deadline %v must not be negative", cfg.Turn.SoftDeadline))
	}
	if cfg.Turn.SalienceThreshold < 0 || cfg.Turn.SalienceThreshold > 1 {
		errs = append(errs, fmt.Errorf("turn.salience_threshold %.2f is out of range [0, 1]", cfg.Turn.SalienceThreshold))
	}
	if cfg.Turn.QueueCapacity < 0 {
		errs = append(errs, fmt.Errorf("turn.queue_capacity %d must not be negative", cfg.Turn.QueueCapacity))
	}
	if cfg.Turn.WorkerIdleTTL < 0 {
		errs = append(errs, fmt.Errorf("turn.worker_idle_ttl %v must not be negative", cfg.Turn.WorkerIdleTTL))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, possibly a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
