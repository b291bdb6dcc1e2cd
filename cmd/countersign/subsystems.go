package main

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"

	"github.com/redis/go-redis/v9"

	"github.com/tetrad-labs/countersign/pkg/approval"
	"github.com/tetrad-labs/countersign/pkg/cache"
	"github.com/tetrad-labs/countersign/pkg/comparator"
	"github.com/tetrad-labs/countersign/pkg/config"
	"github.com/tetrad-labs/countersign/pkg/detector"
	"github.com/tetrad-labs/countersign/pkg/engine"
	"github.com/tetrad-labs/countersign/pkg/generator"
	"github.com/tetrad-labs/countersign/pkg/ledger"
	"github.com/tetrad-labs/countersign/pkg/llm"
	"github.com/tetrad-labs/countersign/pkg/notify"
	"github.com/tetrad-labs/countersign/pkg/observability"
	"github.com/tetrad-labs/countersign/pkg/parser"
	"github.com/tetrad-labs/countersign/pkg/pipeline"
	"github.com/tetrad-labs/countersign/pkg/policy"
	"github.com/tetrad-labs/countersign/pkg/voting"

	_ "github.com/lib/pq"  // Postgres driver
	_ "modernc.org/sqlite" // SQLite driver
)

// subsystems bundles the wired components behind the server.
type subsystems struct {
	pipeline *pipeline.Pipeline
	queue    approval.Queue
	store    ledger.Store
	quota    *cache.QuotaLimiter
	closers  []func() error
}

// Close releases resources in reverse construction order.
func (s *subsystems) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		_ = s.closers[i]()
	}
}

// buildSubsystems turns configuration into a wired pipeline.
func buildSubsystems(ctx context.Context, cfg *config.Config, logger *slog.Logger, telemetry *observability.Provider) (*subsystems, error) {
	s := &subsystems{}

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = cache.NewClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		s.closers = append(s.closers, redisClient.Close)
		s.quota = cache.NewQuotaLimiter(redisClient, cache.QuotaConfig{FailOpen: true})
	}

	parsers, err := buildParsers(ctx, cfg, redisClient, logger)
	if err != nil {
		s.Close()
		return nil, err
	}
	ensemble, err := parser.NewEnsemble(parsers,
		parser.WithPerParserTimeout(cfg.ParserTimeout),
		parser.WithEnsembleLogger(logger))
	if err != nil {
		s.Close()
		return nil, err
	}

	profile, ruleEngine, err := policy.LoadProfile(cfg.ProfilesDir, cfg.ActiveProfile)
	if err != nil {
		s.Close()
		return nil, err
	}

	comparatorOpts := []comparator.Option{
		comparator.WithRuleEngine(ruleEngine),
		comparator.WithLogger(logger),
	}
	if cfg.StrictMode {
		comparatorOpts = append(comparatorOpts, comparator.WithStrictMode())
	}

	gen, err := buildGenerator(cfg, profile.Policy, logger)
	if err != nil {
		s.Close()
		return nil, err
	}

	s.store, err = buildLedger(ctx, cfg)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.queue, err = buildQueue(cfg)
	if err != nil {
		s.Close()
		return nil, err
	}

	notifiers := []notify.Notifier{notify.NewLogNotifier(logger)}
	if cfg.WebhookURL != "" {
		notifiers = append(notifiers, notify.NewWebhookNotifier(cfg.WebhookURL, notify.WithLogger(logger)))
	}

	s.pipeline, err = pipeline.New(pipeline.Deps{
		Detector:   detector.New(),
		Ensemble:   ensemble,
		Voter:      voting.New(voting.Config{HighConfidenceMin: cfg.HighConfidenceMin, LowConfidenceMin: cfg.LowConfidenceMin}, logger),
		Comparator: comparator.New(comparatorOpts...),
		Generator:  gen,
		Engine:     engine.New(engine.DefaultConfig(), engine.WithLogger(logger)),
		Queue:      s.queue,
		Ledger:     s.store,
		Notifier:   notify.NewFanout(logger, notifiers...),
		Telemetry:  telemetry,
		Policy:     profile.Policy,
		Logger:     logger,
	})
	if err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// buildParsers assembles the ensemble: the deterministic parser always
// runs; model and plugin parsers join when configured.
func buildParsers(ctx context.Context, cfg *config.Config, redisClient *redis.Client, logger *slog.Logger) ([]parser.Parser, error) {
	parsers := []parser.Parser{parser.NewRuleParser()}

	var llmOpts []parser.LLMOption
	llmOpts = append(llmOpts, parser.WithLLMLogger(logger))
	if redisClient != nil {
		llmOpts = append(llmOpts, parser.WithParseCache(cache.NewRedisCache(redisClient), cfg.CacheTTL))
	}

	var ollama llm.Client
	if cfg.OllamaBaseURL != "" {
		ollama = llm.NewOpenAIClient("", cfg.OllamaModel, llm.WithBaseURL(cfg.OllamaBaseURL))
	}

	switch {
	case cfg.OpenAIAPIKey != "":
		primary := llm.NewOpenAIClient(cfg.OpenAIAPIKey, cfg.OpenAIModel, llm.WithBaseURL(cfg.OpenAIBaseURL))
		guardOpts := []llm.GuardOption{llm.WithGuardLogger(logger)}
		if ollama != nil {
			guardOpts = append(guardOpts, llm.WithFallback(ollama))
		}
		parsers = append(parsers, parser.NewLLMParser("llm_"+cfg.OpenAIModel, llm.NewGuard(primary, guardOpts...), llmOpts...))
	case ollama != nil:
		parsers = append(parsers, parser.NewLLMParser("llm_"+cfg.OllamaModel, llm.NewGuard(ollama, llm.WithGuardLogger(logger)), llmOpts...))
	}

	if cfg.WASMPluginPath != "" {
		wasmBytes, err := os.ReadFile(cfg.WASMPluginPath)
		if err != nil {
			return nil, fmt.Errorf("read wasm plugin: %w", err)
		}
		wp, err := parser.NewWASMParser(ctx, "wasm_plugin", wasmBytes, parser.DefaultWASMConfig())
		if err != nil {
			return nil, err
		}
		parsers = append(parsers, wp)
	}

	return parsers, nil
}

func buildGenerator(cfg *config.Config, pol policy.ProviderPolicy, logger *slog.Logger) (*generator.Generator, error) {
	genCfg := generator.DefaultConfig()
	genCfg.EnableSignatures = cfg.EnableSignatures
	genCfg.AllowedActions = pol.AllowedActions

	opts := []generator.Option{generator.WithLogger(logger)}
	if cfg.EnableSignatures {
		seed, err := hex.DecodeString(cfg.SigningSeedHex)
		if err != nil {
			return nil, fmt.Errorf("decode signing seed: %w", err)
		}
		provider, err := generator.NewMemoryKeyProviderFromSeed(seed)
		if err != nil {
			return nil, err
		}
		opts = append(opts, generator.WithKeyring(generator.NewKeyring(provider)))
	}
	return generator.New(genCfg, opts...), nil
}

func buildLedger(ctx context.Context, cfg *config.Config) (ledger.Store, error) {
	switch cfg.LedgerBackend {
	case config.BackendSQLite:
		db, err := sql.Open("sqlite", cfg.LedgerSQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open ledger db: %w", err)
		}
		return ledger.NewSQLiteStore(db)
	case config.BackendPostgres:
		db, err := sql.Open("postgres", cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open ledger db: %w", err)
		}
		store := ledger.NewPostgresStore(db)
		if err := store.Init(ctx); err != nil {
			return nil, fmt.Errorf("init ledger schema: %w", err)
		}
		return store, nil
	default:
		return ledger.NewMemoryStore(), nil
	}
}

func buildQueue(cfg *config.Config) (approval.Queue, error) {
	if cfg.QueueBackend == config.BackendSQLite {
		db, err := sql.Open("sqlite", cfg.QueueSQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open approval db: %w", err)
		}
		return approval.NewSQLiteQueue(db)
	}
	return approval.NewMemoryQueue(), nil
}
