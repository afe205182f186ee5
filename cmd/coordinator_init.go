package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/bidflow/internal/checkpoint"
	"github.com/sells-group/bidflow/internal/resilience"
	"github.com/sells-group/bidflow/internal/selector"
	"github.com/sells-group/bidflow/internal/stage"
	"github.com/sells-group/bidflow/internal/workflow"
	"github.com/sells-group/bidflow/pkg/catalog"
	"github.com/sells-group/bidflow/pkg/dispatch"
	"github.com/sells-group/bidflow/pkg/extraction"
	"github.com/sells-group/bidflow/pkg/narrative"
	"github.com/sells-group/bidflow/pkg/pricing"
)

// coordEnv holds the initialized store, session machine, and batch manager
// shared by the submit/status/resolve/serve/export commands.
type coordEnv struct {
	Store   checkpoint.Store
	Machine *workflow.Machine
	Manager *workflow.Manager
}

// Close releases resources held by the coordinator environment.
func (ce *coordEnv) Close() {
	if ce.Store != nil {
		_ = ce.Store.Close()
	}
}

// initCoordinator builds the checkpoint store, collaborator clients, stage
// registry, session machine, and batch manager. Callers should defer
// env.Close().
func initCoordinator(ctx context.Context) (*coordEnv, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		if fb, ok := st.(*checkpoint.FallbackStore); ok && fb.Degraded() {
			zap.L().Warn("primary store migration failed, continuing in memory-only mode", zap.Error(err))
		} else {
			_ = st.Close()
			return nil, eris.Wrap(err, "migrate store")
		}
	}

	extractionClient := extraction.NewClient(cfg.Extraction.Key, extraction.WithBaseURL(cfg.Extraction.BaseURL))
	catalogClient := catalog.NewClient(cfg.Catalog.Key, catalog.WithBaseURL(cfg.Catalog.BaseURL))
	pricingClient := pricing.NewClient(cfg.Pricing.Key, pricing.WithBaseURL(cfg.Pricing.BaseURL))
	dispatchClient := dispatch.NewClient(cfg.Dispatch.Key, dispatch.WithBaseURL(cfg.Dispatch.BaseURL))
	var narrativeClient narrative.Client
	if cfg.Anthropic.Key != "" {
		narrativeClient = narrative.NewClient(cfg.Anthropic.Key,
			narrative.WithModel(cfg.Anthropic.Model),
			narrative.WithMaxTokens(cfg.Anthropic.MaxTokens),
		)
	} else {
		zap.L().Warn("anthropic key not set, using templated bid narratives")
		narrativeClient = narrative.NewTemplate()
	}

	registry := stage.NewRegistry([]stage.Executor{
		stage.NewExtraction(extractionClient),
		stage.NewMatching(catalogClient),
		stage.NewPricing(pricingClient, cfg.Pricing.ContingencyRate),
		stage.NewAssembly(narrativeClient),
		stage.NewDispatch(dispatchClient, cfg.Dispatch.Recipient),
	},
		stage.WithTimeout(cfg.Workflow.StageTimeout),
		stage.WithRateLimit(cfg.Workflow.StageRatePerSec, cfg.Workflow.StageRateBurst),
	)

	machine := workflow.NewMachine(st, registry, resilienceConfig())
	sel := selector.New(cfg.Scoring.Weights, cfg.Scoring.PriorityTable, cfg.Scoring.LowConfidenceThreshold)
	manager := workflow.NewManager(machine, st, sel, cfg.Workflow.MaxBatchSize, cfg.Workflow.WorkerPoolSize)

	return &coordEnv{
		Store:   st,
		Machine: machine,
		Manager: manager,
	}, nil
}

func resilienceConfig() resilience.RetryConfig {
	c := resilience.DefaultRetryConfig()
	c.MaxAttempts = cfg.Workflow.RetryAttempts
	c.InitialBackoff = cfg.Workflow.RetryBackoff
	return c
}

// initStore opens the configured checkpoint backend. Durable backends are
// wrapped with an in-memory fallback so a store outage degrades the
// coordinator instead of stopping it.
func initStore(ctx context.Context) (checkpoint.Store, error) {
	switch cfg.Store.Driver {
	case "memory":
		zap.L().Warn("using in-memory checkpoint store; sessions will not survive a restart")
		return checkpoint.NewMemory(), nil

	case "postgres":
		pg, err := checkpoint.NewPostgres(ctx, cfg.Store.DatabaseURL, &checkpoint.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
		if err != nil {
			return nil, err
		}
		return checkpoint.NewFallback(pg, zap.L()), nil

	default:
		sq, err := checkpoint.NewSQLite(cfg.Store.SQLitePath)
		if err != nil {
			return nil, err
		}
		return checkpoint.NewFallback(sq, zap.L()), nil
	}
}
