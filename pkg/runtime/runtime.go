// Package runtime assembles the orchestrator and its collaborators from
// configuration: providers, indices, stores, tools, and the state store.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/queryweave/queryweave/pkg/agents"
	"github.com/queryweave/queryweave/pkg/cache"
	"github.com/queryweave/queryweave/pkg/config"
	"github.com/queryweave/queryweave/pkg/embed"
	"github.com/queryweave/queryweave/pkg/llm"
	"github.com/queryweave/queryweave/pkg/logger"
	"github.com/queryweave/queryweave/pkg/observability"
	"github.com/queryweave/queryweave/pkg/orchestrator"
	"github.com/queryweave/queryweave/pkg/prompt"
	"github.com/queryweave/queryweave/pkg/schema"
	"github.com/queryweave/queryweave/pkg/search"
	"github.com/queryweave/queryweave/pkg/sqlexec"
	"github.com/queryweave/queryweave/pkg/state"
	"github.com/queryweave/queryweave/pkg/tools"
	"github.com/queryweave/queryweave/pkg/values"
	"github.com/queryweave/queryweave/pkg/vector"
)

// Runtime owns every built component and their teardown order.
type Runtime struct {
	Config       *config.Config
	Logger       *slog.Logger
	Orchestrator *orchestrator.Orchestrator

	SchemaStore *schema.Store
	ValueStore  *values.Store
	Cache       *cache.Cache
	Connector   *sqlexec.Connector

	llms        *llm.Registry
	embedder    embed.Embedder
	vectorStore vector.Provider
	indices     []search.Index
	states      state.Store
	stopWatch   func()
	stopTrace   func(context.Context) error
}

// Options tune runtime construction.
type Options struct {
	// EntitiesDir, when set, loads and indexes entity documents at startup.
	EntitiesDir string
	// ColumnValuesPath, when set, loads and indexes the column value JSONL.
	ColumnValuesPath string
	// Reindex pushes loaded documents into the search indices.
	Reindex bool
	// EnableTracing installs the stdout trace exporter.
	EnableTracing bool
}

// New builds the full component graph from configuration.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Runtime, error) {
	log := logger.Init(logger.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})

	observability.SetGlobal(observability.NewMetrics(prometheus.DefaultRegisterer))
	stopTrace, err := observability.InitTracing(opts.EnableTracing)
	if err != nil {
		return nil, err
	}

	rt := &Runtime{Config: cfg, Logger: log, stopTrace: stopTrace}

	if err := rt.build(ctx, opts); err != nil {
		_ = rt.Close()
		return nil, err
	}
	return rt, nil
}

func (rt *Runtime) build(ctx context.Context, opts Options) error {
	cfg := rt.Config
	log := rt.Logger

	// LLM providers.
	rt.llms = llm.NewRegistry()
	for name, llmCfg := range cfg.LLMs {
		if _, err := rt.llms.CreateFromConfig(name, llmCfg); err != nil {
			return fmt.Errorf("llm %q: %w", name, err)
		}
	}
	provider, err := rt.llms.Get(cfg.Orchestrator.LLM)
	if err != nil {
		return err
	}

	// Embedder and vector store back the three hybrid indices.
	rt.embedder, err = embed.New(cfg.Embedder)
	if err != nil {
		return fmt.Errorf("embedder: %w", err)
	}

	vectorProvider, err := vector.New(cfg.Vector)
	if err != nil {
		return fmt.Errorf("vector store: %w", err)
	}
	rt.vectorStore = vectorProvider

	schemaIndex, err := rt.newIndex(cfg.Search.SchemaIndex, cfg, vectorProvider)
	if err != nil {
		return err
	}
	valueIndex, err := rt.newIndex(cfg.Search.ColumnValueIndex, cfg, vectorProvider)
	if err != nil {
		return err
	}
	cacheIndex, err := rt.newIndex(cfg.Search.QueryCacheIndex, cfg, vectorProvider)
	if err != nil {
		return err
	}

	// Schema store.
	var entities []*schema.Entity
	if opts.EntitiesDir != "" {
		entities, err = schema.LoadDir(opts.EntitiesDir)
		if err != nil {
			return fmt.Errorf("loading entities: %w", err)
		}
		log.Info("loaded entity documents", "count", len(entities), "dir", opts.EntitiesDir)
	}
	rt.SchemaStore, err = schema.NewStore(entities, schemaIndex, log)
	if err != nil {
		return fmt.Errorf("schema store: %w", err)
	}
	if opts.Reindex && len(entities) > 0 {
		if err := rt.SchemaStore.Reindex(ctx); err != nil {
			return fmt.Errorf("indexing schemas: %w", err)
		}
	}

	// Column value store.
	var records []*values.Record
	if opts.ColumnValuesPath != "" && cfg.Orchestrator.UseColumnValueStore {
		records, err = values.LoadJSONL(opts.ColumnValuesPath)
		if err != nil {
			return fmt.Errorf("loading column values: %w", err)
		}
		log.Info("loaded column values", "count", len(records))
	}
	rt.ValueStore = values.NewStore(records, valueIndex, log)
	if opts.Reindex && len(records) > 0 {
		if err := rt.ValueStore.Reindex(ctx); err != nil {
			return fmt.Errorf("indexing column values: %w", err)
		}
	}

	// SQL connector.
	rt.Connector, err = sqlexec.New(cfg.Database)
	if err != nil {
		return fmt.Errorf("sql connector: %w", err)
	}

	// Query cache.
	rt.Cache, err = cache.New(cache.Options{
		Index:        cacheIndex,
		Executor:     rt.Connector,
		HitThreshold: cfg.Search.CacheHitThreshold,
		RowLimit:     cfg.Database.EffectiveRowLimit(),
		Logger:       log,
	})
	if err != nil {
		return fmt.Errorf("query cache: %w", err)
	}

	// Tool registry.
	registry := tools.NewRegistry(time.Duration(cfg.Orchestrator.ToolTimeoutSeconds) * time.Second)
	toolSet := []tools.Tool{
		tools.NewEntitySchemasTool(rt.SchemaStore),
		tools.NewColumnValuesTool(rt.ValueStore),
		tools.NewValidateSQLTool(cfg.Database.TargetEngine),
		tools.NewExecuteSQLTool(rt.Connector, cfg.Database.EffectiveRowLimit()),
		tools.NewCurrentDatetimeTool(time.Now().UTC()),
	}
	for _, t := range toolSet {
		if err := registry.Register(t); err != nil {
			return fmt.Errorf("registering tool: %w", err)
		}
	}

	// Prompts with optional hot reload.
	prompts := prompt.NewLoader(cfg.Prompts.OverrideDir, log)
	if cfg.Prompts.Watch {
		stop, err := prompts.Watch()
		if err != nil {
			return fmt.Errorf("prompt watcher: %w", err)
		}
		rt.stopWatch = stop
	}

	// State store for suspended runs.
	rt.states, err = state.New(cfg.State)
	if err != nil {
		return fmt.Errorf("state store: %w", err)
	}

	deps := &agents.Deps{
		Provider:    provider,
		Tools:       registry,
		Prompts:     prompts,
		Config:      cfg,
		Cache:       rt.Cache,
		SchemaStore: rt.SchemaStore,
		Executor:    rt.Connector,
		Logger:      log,
	}
	rt.Orchestrator = orchestrator.New(deps, rt.states, log)
	return nil
}

func (rt *Runtime) newIndex(name string, cfg *config.Config, provider vector.Provider) (search.Index, error) {
	keywordPath := ""
	if cfg.Search.KeywordPath != "" {
		keywordPath = filepath.Join(cfg.Search.KeywordPath, name+".bleve")
	}

	idx, err := search.NewHybridIndex(name, keywordPath, provider, rt.embedder)
	if err != nil {
		return nil, fmt.Errorf("index %s: %w", name, err)
	}
	rt.indices = append(rt.indices, idx)
	return idx, nil
}

// Close tears components down in reverse dependency order.
func (rt *Runtime) Close() error {
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if rt.stopWatch != nil {
		rt.stopWatch()
	}
	for _, idx := range rt.indices {
		record(idx.Close())
	}
	if rt.vectorStore != nil {
		record(rt.vectorStore.Close())
	}
	if rt.embedder != nil {
		record(rt.embedder.Close())
	}
	if rt.Connector != nil {
		record(rt.Connector.Close())
	}
	if rt.states != nil {
		record(rt.states.Close())
	}
	if rt.llms != nil {
		record(rt.llms.Close())
	}
	if rt.stopTrace != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		record(rt.stopTrace(ctx))
	}
	return firstErr
}
