// Package app assembles the analytics pipeline from configuration. The
// server and the operator CLI share it so both run identical stages.
package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-redis/redis/v8"

	"github.com/seanankenbruck/semantic-analytics/internal/auth"
	"github.com/seanankenbruck/semantic-analytics/internal/compiler"
	"github.com/seanankenbruck/semantic-analytics/internal/config"
	"github.com/seanankenbruck/semantic-analytics/internal/diagnostics"
	"github.com/seanankenbruck/semantic-analytics/internal/dremio"
	"github.com/seanankenbruck/semantic-analytics/internal/llm"
	"github.com/seanankenbruck/semantic-analytics/internal/observability"
	"github.com/seanankenbruck/semantic-analytics/internal/processor"
	"github.com/seanankenbruck/semantic-analytics/internal/resolver"
	"github.com/seanankenbruck/semantic-analytics/internal/results"
	"github.com/seanankenbruck/semantic-analytics/internal/safety"
	"github.com/seanankenbruck/semantic-analytics/internal/semantic"
)

// App holds every long-lived collaborator of one process.
type App struct {
	Config    *config.Config
	Logger    *observability.Logger
	Redis     *redis.Client
	Source    semantic.Source
	Store     *semantic.Store
	Dremio    *dremio.CircuitBreakerClient
	LLM       *llm.CircuitBreakerClient
	Compiler  *compiler.Compiler
	Gate      *safety.Gate
	Processor *processor.QueryProcessor
	Health    *observability.HealthChecker

	closers []func() error
}

// New wires the pipeline and loads the semantic model. A model that fails
// to load is logged and left unloaded; queries then fail with
// MODEL_UNAVAILABLE until an admin reload succeeds.
func New(ctx context.Context, cfg *config.Config, logger *observability.Logger) (*App, error) {
	if logger == nil {
		logger = observability.NewLogger("app")
	}
	a := &App{Config: cfg, Logger: logger, Health: observability.NewHealthChecker()}

	a.Redis = redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	a.closers = append(a.closers, a.Redis.Close)
	a.Health.Register("redis", observability.RedisHealthCheck(func(ctx context.Context) error {
		return a.Redis.Ping(ctx).Err()
	}))

	a.Dremio = dremio.NewCircuitBreakerClient(dremio.NewClient(cfg.Dremio), "dremio", dremio.DefaultCircuitBreakerConfig, logger.Named("dremio"))
	a.Health.Register("dremio", observability.DremioHealthCheck(a.Dremio.TestConnection))

	if err := a.buildSource(cfg); err != nil {
		a.Close()
		return nil, err
	}
	a.Store = semantic.NewStore(a.Source, a.Dremio, logger.Named("semantic"))
	err := logger.WithOperation(ctx, "load_semantic_model", func(ctx context.Context) error {
		_, err := a.Store.Reload(ctx)
		return err
	})
	if err != nil {
		logger.Warn(ctx, "Starting without a semantic model", map[string]interface{}{"error": err.Error()})
	}

	if cfg.LLM.APIKey != "" || strings.EqualFold(cfg.LLM.Provider, llm.ProviderGemini) {
		client, err := llm.NewClient(ctx, cfg.LLM)
		if err != nil {
			if cfg.Pipeline.UseGeneration {
				a.Close()
				return nil, fmt.Errorf("generation is enabled but the LLM client failed: %w", err)
			}
			logger.Warn(ctx, "LLM client unavailable, fallback classification disabled", map[string]interface{}{"error": err.Error()})
		} else {
			a.LLM = client
		}
	} else if cfg.Pipeline.UseGeneration {
		a.Close()
		return nil, fmt.Errorf("generation is enabled but no LLM API key is configured")
	}

	a.Processor = a.buildProcessor(cfg, logger)
	a.Processor.SetHealthChecker(a.Health)
	return a, nil
}

func (a *App) buildSource(cfg *config.Config) error {
	switch strings.ToLower(cfg.Pipeline.ModelSource) {
	case "postgres":
		src, err := semantic.NewPostgresSource(cfg.Database)
		if err != nil {
			return fmt.Errorf("failed to open semantic model database: %w", err)
		}
		a.Source = src
		a.closers = append(a.closers, src.Close)
		a.Health.Register("database", observability.DatabaseHealthCheck(src.Ping))
	default:
		a.Source = semantic.NewFileSource(cfg.Pipeline.ModelPath)
	}
	return nil
}

func (a *App) buildProcessor(cfg *config.Config, logger *observability.Logger) *processor.QueryProcessor {
	p := cfg.Pipeline
	policy := auth.NewCapabilityPolicy()

	var ledger safety.Ledger
	if strings.EqualFold(p.QuotaBackend, "redis") {
		ledger = safety.NewRedisLedger(a.Redis, p.QuotaPerWindow, p.QuotaWindow)
	} else {
		ledger = safety.NewMemoryLedger(p.QuotaPerWindow, p.QuotaWindow)
	}
	a.Gate = safety.NewGate(a.Dremio, ledger, safety.Limits{MaxRows: p.MaxRows, MaxCostPerQuery: p.MaxCostPerQuery}, logger.Named("safety"))

	validator := compiler.NewValidator(p.SchemaAllowlist, compiler.WithModelAllowlist(a.modelSchemaAllowed))
	template := compiler.New(compiler.NewTemplateProducer(), validator, logger.Named("compiler"))
	a.Compiler = template
	if p.UseGeneration && a.LLM != nil {
		a.Compiler = compiler.New(compiler.NewGenerationProducer(llm.NewSQLGenerator(a.LLM, logger.Named("llm"))), validator, logger.Named("compiler"))
	}

	resolverOpts := []resolver.Option{
		resolver.WithConfidenceFloor(p.IntentFloor),
		resolver.WithLogger(logger.Named("resolver")),
	}
	if a.LLM != nil {
		resolverOpts = append(resolverOpts, resolver.WithClassifier(llm.NewIntentClassifier(a.LLM)))
		a.Health.Register("llm", observability.LLMHealthCheck(func(context.Context) error {
			if counts := a.LLM.Counts(); counts.ConsecutiveFailures >= 5 {
				return fmt.Errorf("%d consecutive generation failures", counts.ConsecutiveFailures)
			}
			return nil
		}))
	}

	fetchRows := p.DisplayRowCap
	if fetchRows <= 0 {
		fetchRows = results.DefaultDisplayRowCap
	}

	pipeline := processor.Pipeline{
		Store:    a.Store,
		Resolver: resolver.New(resolverOpts...),
		Grounder: semantic.NewGrounder(p.FuzzyThreshold, policy, logger.Named("grounder")),
		Compiler: a.Compiler,
		Gate:     a.Gate,
		Executor: a.Dremio,
		// the recipe always uses templates so diagnostics stay deterministic
		Diagnoser: diagnostics.NewAgent(template, a.Gate, a.Dremio, policy, p.DiagnosticsWorkers, fetchRows, logger.Named("diagnostics")),
		Results:   results.NewProcessor(fetchRows, logger.Named("results")),
	}

	return processor.NewQueryProcessor(pipeline, processor.ProcessorConfig{
		ResolveTimeout:     p.ResolveTimeout,
		GenerationTimeout:  p.GenerationTimeout,
		EstimateTimeout:    p.EstimateTimeout,
		ExecuteTimeout:     p.ExecuteTimeout,
		DiagnosticsTimeout: p.DiagnosticsTimeout,
		FetchRows:          fetchRows,
	}, observability.NewLogRecordEmitter(logger.Named("records")), logger.Named("processor"))
}

// modelSchemaAllowed checks the active model's allowlist. With no model
// loaded no schema is allowed.
func (a *App) modelSchemaAllowed(schema string) bool {
	m := a.Store.Current()
	return m != nil && m.SchemaAllowed(schema)
}

// Close releases connections in reverse order of creation.
func (a *App) Close() error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	a.closers = nil
	return first
}
