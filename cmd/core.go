package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/cortexa-labs/cortexa/internal/adapters"
	"github.com/cortexa-labs/cortexa/internal/catalog"
	"github.com/cortexa-labs/cortexa/internal/generator"
	"github.com/cortexa-labs/cortexa/internal/ingest"
	"github.com/cortexa-labs/cortexa/internal/registry"
	"github.com/cortexa-labs/cortexa/internal/router"
	"github.com/cortexa-labs/cortexa/internal/sandbox"
	"github.com/cortexa-labs/cortexa/internal/store"
	"github.com/cortexa-labs/cortexa/pkg/embedder"
	"github.com/cortexa-labs/cortexa/pkg/genai"
	"github.com/cortexa-labs/cortexa/pkg/knowledge"
)

// core holds the wired application graph shared by the CLI commands and the
// HTTP server.
type core struct {
	store     store.Store
	registry  *registry.Registry
	catalog   *catalog.Catalog
	generator *generator.Generator
	knowledge *knowledge.Manager
	adapters  *adapters.Manager
	router    *router.Router
	runner    *ingest.Runner
}

// initCore builds the application graph from config. The metadata store is
// migrated and the builtin handler catalog seeded on every start; both are
// idempotent.
func initCore(ctx context.Context) (*core, error) {
	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}

	exec := sandbox.NewExecutor(cfg.Sandbox.WallClock(), cfg.Sandbox.MaxSampleBytes, cfg.Sandbox.MaxOutputBytes)
	cat := catalog.New(st, exec)
	if err := cat.Seed(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}

	reg := registry.New(st, cfg.Registry.TTL(), cfg.Registry.SweepInterval(), cfg.Registry.LookupTimeout())
	gen := generator.New(
		genai.NewClient(cfg.Generator.Key, genai.WithModel(cfg.Generator.Model)),
		cat, exec, cfg.Generator.MaxAttempts,
	)
	kn := knowledge.NewManager()
	ad := adapters.NewManager(cfg.Adapters, nil)

	embedFor := func(baseURL string) embedder.Client {
		return embedder.NewClient(baseURL, embedder.WithBatchSize(cfg.Ingest.EmbedBatchSize))
	}

	runner := ingest.NewRunner(st, reg, gen, cat, kn, embedFor, cfg.Ingest)
	rt := router.New(reg, ad, kn, nil, embedFor, cfg.Router)

	zap.L().Debug("core initialized", zap.String("store_driver", cfg.Store.Driver))
	return &core{
		store:     st,
		registry:  reg,
		catalog:   cat,
		generator: gen,
		knowledge: kn,
		adapters:  ad,
		router:    rt,
		runner:    runner,
	}, nil
}

func openStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "postgres", "":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	case "sqlite":
		return store.NewSQLite(cfg.Store.DatabaseURL)
	default:
		return nil, eris.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

func (c *core) Close() {
	c.knowledge.Close()
	if err := c.store.Close(); err != nil {
		zap.L().Warn("store close failed", zap.Error(err))
	}
}
