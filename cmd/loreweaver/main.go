// Command loreweaver is the main entry point for the Loreweaver turn engine
// server.
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

	"github.com/loomworks/loreweaver/internal/agentclient"
	"github.com/loomworks/loreweaver/internal/applier"
	"github.com/loomworks/loreweaver/internal/assembler"
	"github.com/loomworks/loreweaver/internal/config"
	"github.com/loomworks/loreweaver/internal/observe"
	"github.com/loomworks/loreweaver/internal/orchestrator"
	"github.com/loomworks/loreweaver/internal/resilience"
	"github.com/loomworks/loreweaver/internal/server"
	"github.com/loomworks/loreweaver/pkg/game"
	gamemem "github.com/loomworks/loreweaver/pkg/game/memstore"
	gameredis "github.com/loomworks/loreweaver/pkg/game/redis"
	"github.com/loomworks/loreweaver/pkg/memory"
	memmem "github.com/loomworks/loreweaver/pkg/memory/memstore"
	mempg "github.com/loomworks/loreweaver/pkg/memory/postgres"
	"github.com/loomworks/loreweaver/pkg/provider/embeddings"
	oaembed "github.com/loomworks/loreweaver/pkg/provider/embeddings/openai"
	"github.com/loomworks/loreweaver/pkg/provider/llm"
	"github.com/loomworks/loreweaver/pkg/provider/llm/anyllm"
	"github.com/loomworks/loreweaver/pkg/provider/llm/heuristic"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "loreweaver: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "loreweaver: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logLevel := new(slog.LevelVar)
	logLevel.Set(slogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	slog.Info("loreweaver starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "loreweaver",
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	narrator, embedder, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Stores ────────────────────────────────────────────────────────────────
	games, gameStoreClose, gameStorePing, err := buildGameStore(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialise game store", "err", err)
		return 1
	}
	defer gameStoreClose()

	memories, memStoreClose, memStorePing, err := buildMemoryStore(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialise memory store", "err", err)
		return 1
	}
	defer memStoreClose()

	// ── Turn pipeline ─────────────────────────────────────────────────────────
	asm := assembler.New(games, memories, embedder,
		assembler.WithRecentTurns(cfg.Turn.RecentTurns),
		assembler.WithTopK(cfg.Turn.TopK),
		assembler.WithCharBudget(cfg.Turn.CharBudget),
		assembler.WithRanking(cfg.Memory.BlendAlpha(), cfg.Memory.RecencyHalfLife),
	)

	agentOpts := []agentclient.Option{}
	if cfg.Turn.SoftDeadline > 0 {
		agentOpts = append(agentOpts, agentclient.WithCallTimeout(cfg.Turn.SoftDeadline))
	}
	agent := agentclient.New(narrator, agentOpts...)

	applierOpts := []applier.Option{}
	if cfg.Turn.SalienceThreshold > 0 {
		applierOpts = append(applierOpts, applier.WithSalienceThreshold(cfg.Turn.SalienceThreshold))
	}
	app := applier.New(games, memories, embedder, applierOpts...)

	orch := orchestrator.New(asm, agent, app, memories,
		orchestrator.WithSoftDeadline(cfg.Turn.SoftDeadline),
		orchestrator.WithQueueCapacity(cfg.Turn.QueueCapacity),
		orchestrator.WithIdleTTL(cfg.Turn.WorkerIdleTTL),
		orchestrator.WithRetention(memory.RetentionPolicy{
			MaxCount: cfg.Memory.Retention.MaxCount,
			MaxAge:   cfg.Memory.Retention.MaxAge,
		}),
	)
	defer orch.Close()

	// ── HTTP server ───────────────────────────────────────────────────────────
	srvOpts := []server.Option{
		server.WithReadinessChecks(
			server.Checker{Name: "game_store", Check: gameStorePing},
			server.Checker{Name: "memory_store", Check: memStorePing},
		),
	}
	if cfg.Server.TLS != nil {
		srvOpts = append(srvOpts, server.WithTLS(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile))
	}
	srv := server.New(cfg.Server.ListenAddr, orch, srvOpts...)

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		applyConfigChange(config.Diff(old, new), logLevel, asm, orch)
	})
	if err != nil {
		slog.Warn("config watcher disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg, narrator)

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Start() }()

	slog.Info("server ready — press Ctrl+C to shut down")

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			slog.Error("server error", "err", err)
			return 1
		}
		return 0
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping…")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// apiKeyEnv maps LLM provider names to the environment variable consulted
// when the config file carries no api_key.
var apiKeyEnv = map[string]string{
	"openai":    "OPENAI_API_KEY",
	"anthropic": "ANTHROPIC_API_KEY",
	"gemini":    "GEMINI_API_KEY",
	"deepseek":  "DEEPSEEK_API_KEY",
	"mistral":   "MISTRAL_API_KEY",
	"groq":      "GROQ_API_KEY",
}

// registerBuiltinProviders wires all built-in provider factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// openai, anthropic, gemini, deepseek, mistral, groq all share the same
	// pattern: optional APIKey (with env fallback) + optional BaseURL.
	for _, providerName := range []string{
		"openai", "anthropic", "gemini", "deepseek", "mistral", "groq",
	} {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if key := resolveAPIKey(entry); key != "" {
				opts = append(opts, anyllmlib.WithAPIKey(key))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)
	})

	// heuristic is the deterministic dev-mode narrator; it needs no credentials.
	reg.RegisterLLM("heuristic", func(config.ProviderEntry) (llm.Provider, error) {
		return heuristic.New(), nil
	})

	reg.RegisterEmbeddings("openai", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		var opts []oaembed.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaembed.WithBaseURL(entry.BaseURL))
		}
		return oaembed.New(resolveAPIKey(entry), entry.Model, opts...)
	})
}

// resolveAPIKey returns the configured api_key, falling back to the
// provider's conventional environment variable. Keys live in config or env
// only, never in code.
func resolveAPIKey(entry config.ProviderEntry) string {
	if entry.APIKey != "" {
		return entry.APIKey
	}
	if env, ok := apiKeyEnv[entry.Name]; ok {
		return os.Getenv(env)
	}
	return ""
}

// buildProviders instantiates the narrator LLM and the embeddings provider.
// A missing LLM falls back to the heuristic narrator; a missing embeddings
// provider leaves retrieval recency-only.
func buildProviders(cfg *config.Config, reg *config.Registry) (llm.Provider, embeddings.Provider, error) {
	var narrator llm.Provider
	if name := cfg.Providers.LLM.Name; name != "" {
		p, err := reg.CreateLLM(cfg.Providers.LLM)
		if err != nil {
			return nil, nil, fmt.Errorf("create llm provider %q: %w", name, err)
		}
		narrator = p
		slog.Info("provider created", "kind", "llm", "name", name, "model", p.ModelID())

		if len(cfg.Providers.LLMFallbacks) > 0 {
			chain := resilience.NewLLMFallback(name, p, resilience.CircuitBreakerConfig{})
			for _, fb := range cfg.Providers.LLMFallbacks {
				fp, err := reg.CreateLLM(fb)
				if err != nil {
					return nil, nil, fmt.Errorf("create llm fallback %q: %w", fb.Name, err)
				}
				chain.Add(fb.Name, fp)
				slog.Info("llm fallback registered", "name", fb.Name, "model", fp.ModelID())
			}
			narrator = chain
		}
	} else {
		narrator = heuristic.New()
		slog.Warn("no llm provider configured, using the heuristic narrator")
	}

	var embedder embeddings.Provider
	if name := cfg.Providers.Embeddings.Name; name != "" {
		p, err := reg.CreateEmbeddings(cfg.Providers.Embeddings)
		if err != nil {
			return nil, nil, fmt.Errorf("create embeddings provider %q: %w", name, err)
		}
		embedder = p
		slog.Info("provider created", "kind", "embeddings", "name", name, "model", p.ModelID())
	} else {
		slog.Warn("no embeddings provider configured, memory retrieval is recency-only")
	}

	return narrator, embedder, nil
}

// ── Store wiring ──────────────────────────────────────────────────────────────

// noPing is the readiness check for in-memory stores.
func noPing(context.Context) error { return nil }

func buildGameStore(ctx context.Context, cfg *config.Config) (game.Store, func(), func(context.Context) error, error) {
	switch cfg.GameStore.Backend {
	case config.BackendRedis:
		opts := []gameredis.Option{}
		if cfg.GameStore.RedisPassword != "" {
			opts = append(opts, gameredis.WithPassword(cfg.GameStore.RedisPassword))
		}
		if cfg.GameStore.TurnLogCap > 0 {
			opts = append(opts, gameredis.WithTurnLogCap(cfg.GameStore.TurnLogCap))
		}
		s, err := gameredis.New(ctx, cfg.GameStore.RedisAddr, opts...)
		if err != nil {
			return nil, nil, nil, err
		}
		slog.Info("game store connected", "backend", "redis", "addr", cfg.GameStore.RedisAddr)
		return s, func() { _ = s.Close() }, s.Ping, nil

	default:
		slog.Info("game store initialised", "backend", "memory")
		return gamemem.New(), func() {}, noPing, nil
	}
}

func buildMemoryStore(ctx context.Context, cfg *config.Config) (memory.Store, func(), func(context.Context) error, error) {
	switch cfg.Memory.Backend {
	case config.BackendPostgres:
		s, err := mempg.NewStore(ctx, cfg.Memory.PostgresDSN, cfg.Memory.EmbeddingDimensions)
		if err != nil {
			return nil, nil, nil, err
		}
		slog.Info("memory store connected", "backend", "postgres",
			"embedding_dimensions", cfg.Memory.EmbeddingDimensions)
		return s, s.Close, s.Ping, nil

	default:
		slog.Info("memory store initialised", "backend", "memory")
		return memmem.New(), func() {}, noPing, nil
	}
}

// ── Config hot reload ─────────────────────────────────────────────────────────

// applyConfigChange applies the hot-reloadable parts of a config diff.
// Backend, provider, and listener changes require a restart and are ignored.
func applyConfigChange(d config.ConfigDiff, logLevel *slog.LevelVar, asm *assembler.Assembler, orch *orchestrator.Orchestrator) {
	if d.LogLevelChanged {
		logLevel.Set(slogLevel(d.NewLogLevel))
		slog.Info("log level updated", "level", d.NewLogLevel)
	}
	if d.TurnTuningChanged {
		asm.UpdateTuning(d.NewTurn.RecentTurns, d.NewTurn.TopK, d.NewTurn.CharBudget)
		slog.Info("turn tuning updated",
			"recent_turns", d.NewTurn.RecentTurns,
			"top_k", d.NewTurn.TopK,
			"char_budget", d.NewTurn.CharBudget)
		// Soft deadline, queue capacity, and worker TTL apply on restart.
	}
	if d.RankingChanged {
		asm.UpdateRanking(d.NewAlpha, d.NewRecencyHalfLife)
		slog.Info("memory ranking updated",
			"alpha", d.NewAlpha, "recency_half_life", d.NewRecencyHalfLife)
	}
	if d.RetentionChanged {
		orch.UpdateRetention(memory.RetentionPolicy{
			MaxCount: d.NewRetention.MaxCount,
			MaxAge:   d.NewRetention.MaxAge,
		})
		slog.Info("memory retention updated",
			"max_count", d.NewRetention.MaxCount, "max_age", d.NewRetention.MaxAge)
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, narrator llm.Provider) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        Loreweaver — startup summary   ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("LLM", providerLabel(cfg.Providers.LLM, narrator.ModelID()))
	printRow("Embeddings", providerLabel(cfg.Providers.Embeddings, ""))
	printRow("Game store", backendLabel(string(cfg.GameStore.Backend)))
	printRow("Memory store", backendLabel(string(cfg.Memory.Backend)))
	if cfg.Server.ListenAddr != "" {
		printRow("Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func providerLabel(entry config.ProviderEntry, fallbackModel string) string {
	if entry.Name == "" {
		if fallbackModel != "" {
			return fallbackModel
		}
		return "(not configured)"
	}
	if entry.Model != "" {
		return entry.Name + " / " + entry.Model
	}
	return entry.Name
}

func backendLabel(backend string) string {
	if backend == "" {
		return "memory"
	}
	return backend
}

func printRow(kind, value string) {
	if len([]rune(value)) > 19 {
		value = string([]rune(value)[:16]) + "…"
	}
	fmt.Printf("║  %-13s : %-19s ║\n", kind, value)
}

// ── Logger ────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
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
