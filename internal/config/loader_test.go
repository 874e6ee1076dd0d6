package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/loomworks/loreweaver/internal/config"
)

func TestValidate_InvalidLogLevel(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: bananas
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for invalid log level, got nil")
	}
	if !strings.Contains(err.Error(), "log_level") {
		t.Errorf("error should mention log_level, got: %v", err)
	}
}

func TestValidate_RedisBackendRequiresAddr(t *testing.T) {
	t.Parallel()
	yaml := `
game_store:
  backend: redis
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for redis backend without address, got nil")
	}
	if !strings.Contains(err.Error(), "redis_addr") {
		t.Errorf("error should mention redis_addr, got: %v", err)
	}
}

func TestValidate_PostgresBackendRequiresDSN(t *testing.T) {
	t.Parallel()
	yaml := `
memory:
  backend: postgres
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for postgres backend without DSN, got nil")
	}
	if !strings.Contains(err.Error(), "postgres_dsn") {
		t.Errorf("error should mention postgres_dsn, got: %v", err)
	}
}

func TestValidate_FallbackRequiresName(t *testing.T) {
	t.Parallel()
	yaml := `
providers:
  llm:
    name: openai
  llm_fallbacks:
    - model: llama3
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for a nameless fallback, got nil")
	}
	if !strings.Contains(err.Error(), "llm_fallbacks[0].name") {
		t.Errorf("error should mention llm_fallbacks[0].name, got: %v", err)
	}
}

func TestValidate_FallbacksRequirePrimary(t *testing.T) {
	t.Parallel()
	yaml := `
providers:
  llm_fallbacks:
    - name: heuristic
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for fallbacks without a primary, got nil")
	}
	if !strings.Contains(err.Error(), "primary") {
		t.Errorf("error should mention the missing primary, got: %v", err)
	}
}

func TestValidate_InvalidGameStoreBackend(t *testing.T) {
	t.Parallel()
	yaml := `
game_store:
  backend: sqlite
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for invalid game store backend, got nil")
	}
	if !strings.Contains(err.Error(), "backend") {
		t.Errorf("error should mention backend, got: %v", err)
	}
}

func TestValidate_AlphaOutOfRange(t *testing.T) {
	t.Parallel()
	yaml := `
memory:
  alpha: 1.5
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for alpha out of range, got nil")
	}
	if !strings.Contains(err.Error(), "alpha") {
		t.Errorf("error should mention alpha, got: %v", err)
	}
}

func TestValidate_AlphaZeroIsValid(t *testing.T) {
	t.Parallel()
	yaml := `
memory:
  alpha: 0
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("alpha 0 must be a legal config: %v", err)
	}
	if cfg.Memory.Alpha == nil || *cfg.Memory.Alpha != 0 {
		t.Fatalf("Alpha = %v, want an explicit 0", cfg.Memory.Alpha)
	}
	if got := cfg.Memory.BlendAlpha(); got != 0 {
		t.Errorf("BlendAlpha() = %v, want 0", got)
	}
}

func TestValidate_AlphaUnsetUsesDefault(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader("memory: {}\n"))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Memory.Alpha != nil {
		t.Errorf("Alpha = %v, want nil for an omitted key", *cfg.Memory.Alpha)
	}
	if got := cfg.Memory.BlendAlpha(); got != -1 {
		t.Errorf("BlendAlpha() = %v, want the -1 unset sentinel", got)
	}
}

func TestValidate_SalienceThresholdOutOfRange(t *testing.T) {
	t.Parallel()
	yaml := `
turn:
  salience_threshold: 2
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for salience threshold out of range, got nil")
	}
	if !strings.Contains(err.Error(), "salience_threshold") {
		t.Errorf("error should mention salience_threshold, got: %v", err)
	}
}

func TestValidate_NegativeTurnKnobs(t *testing.T) {
	t.Parallel()
	yaml := `
turn:
  recent_turns: -1
  top_k: -2
  char_budget: -3
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for negative turn knobs, got nil")
	}
	for _, field := range []string{"recent_turns", "top_k", "char_budget"} {
		if !strings.Contains(err.Error(), field) {
			t.Errorf("error should mention %s, got: %v", field, err)
		}
	}
}

func TestValidate_MultipleErrorsJoined(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: nope
memory:
  alpha: -1
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected joined errors, got nil")
	}
	if !strings.Contains(err.Error(), "log_level") || !strings.Contains(err.Error(), "alpha") {
		t.Errorf("expected both validation failures in error, got: %v", err)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	t.Parallel()
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

func TestLoad_FromFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  listen_addr: ":9090"
  log_level: debug
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.ListenAddr != ":9090" {
		t.Errorf("listen_addr: got %q, want %q", cfg.Server.ListenAddr, ":9090")
	}
}
