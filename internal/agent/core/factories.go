package core

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/mohammad-safakhou/buildingqa/config"
	"github.com/mohammad-safakhou/buildingqa/internal/audit"
	"github.com/mohammad-safakhou/buildingqa/internal/cache"
	"github.com/mohammad-safakhou/buildingqa/internal/graph"
	"github.com/mohammad-safakhou/buildingqa/internal/llm"
	"github.com/mohammad-safakhou/buildingqa/internal/runtime"
	"github.com/mohammad-safakhou/buildingqa/internal/sandbox"
	"github.com/mohammad-safakhou/buildingqa/internal/telemetry"
	"github.com/mohammad-safakhou/buildingqa/internal/timeseries"
	"github.com/redis/go-redis/v9"
)

// Resources are the connections opened by NewFromConfig. Close releases all of them.
type Resources struct {
	Redis        *redis.Client
	TimeseriesDB *sql.DB
	AuditDB      *sql.DB
	Index        *graph.Index
	Audit        *audit.MultiSink
	Metrics      *telemetry.Metrics

	closers []func() error
}

func (r *Resources) Close() error {
	if r == nil {
		return nil
	}
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}

func (r *Resources) onClose(fn func() error) {
	r.closers = append(r.closers, fn)
}

// NewRedisClient builds a client from the shared storage settings.
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	opts := &redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if cfg.Timeout > 0 {
		opts.DialTimeout = cfg.Timeout
		opts.ReadTimeout = cfg.Timeout
		opts.WriteTimeout = cfg.Timeout
	}
	return redis.NewClient(opts)
}

// NeedsRedis reports whether any configured component uses redis.
func NeedsRedis(cfg *config.Config) bool {
	if cfg.Cache.Backend == "redis" || cfg.Session.Backend == "redis" {
		return true
	}
	for _, s := range cfg.Audit.Sinks {
		if s == "stream" {
			return true
		}
	}
	return false
}

// NewFromConfig connects every collaborator named by cfg and builds an orchestrator.
// On error, connections opened so far are closed.
func NewFromConfig(ctx context.Context, cfg *config.Config, logger *log.Logger) (o *Orchestrator, res *Resources, err error) {
	res = &Resources{Metrics: telemetry.Default()}
	defer func() {
		if err != nil {
			_ = res.Close()
			res = nil
		}
	}()

	if NeedsRedis(cfg) {
		res.Redis = NewRedisClient(cfg.Storage.Redis)
		res.onClose(res.Redis.Close)
		if err = res.Redis.Ping(ctx).Err(); err != nil {
			return nil, nil, fmt.Errorf("redis: %w", err)
		}
	}

	pc, err := newPromptCache(cfg.Cache, res, logger)
	if err != nil {
		return nil, nil, err
	}

	registry, err := llm.NewRegistry(cfg.LLM, llm.SystemClock{}, res.Metrics)
	if err != nil {
		return nil, nil, err
	}

	client := graph.NewClient(cfg.Graph, logger)
	res.Index, err = graph.NewIndex(cfg.Graph.IndexPath)
	if err != nil {
		return nil, nil, err
	}
	res.onClose(res.Index.Close)
	if res.Index.Len() == 0 {
		if err = loadEntities(ctx, cfg.Graph, client, res.Index, logger); err != nil {
			return nil, nil, err
		}
	}
	retriever := graph.NewRetriever(res.Index, client, cfg.Graph.Prefixes, cfg.Graph.MaxTriples, logger)

	res.TimeseriesDB, err = runtime.OpenPostgres(cfg.Timeseries.Postgres)
	if err != nil {
		return nil, nil, fmt.Errorf("timeseries store: %w", err)
	}
	res.onClose(res.TimeseriesDB.Close)

	res.AuditDB = res.TimeseriesDB
	if cfg.Storage.Postgres.Configured() {
		res.AuditDB, err = runtime.OpenPostgres(cfg.Storage.Postgres)
		if err != nil {
			return nil, nil, fmt.Errorf("audit database: %w", err)
		}
		res.onClose(res.AuditDB.Close)
	}

	executor, err := NewSandbox(cfg.Sandbox, logger)
	if err != nil {
		return nil, nil, err
	}
	if c, ok := executor.(interface{ Close() error }); ok {
		res.onClose(c.Close)
	}

	res.Audit, err = audit.NewFromConfig(cfg.Audit, res.AuditDB, res.Redis, res.Metrics, logger)
	if err != nil {
		return nil, nil, err
	}

	o, err = New(cfg, Deps{
		IntentLLM:    registry.For("intent"),
		KnowledgeLLM: registry.For("knowledge"),
		AnalyticsLLM: registry.For("analytics"),
		SummaryLLM:   registry.For("summary"),
		Cache:        pc,
		Retriever:    retriever,
		Graph:        client,
		Readings:     timeseries.NewStore(res.TimeseriesDB, cfg.Timeseries),
		Sandbox:      executor,
		Audit:        res.Audit,
		Metrics:      res.Metrics,
		Logger:       logger,
	})
	if err != nil {
		return nil, nil, err
	}
	return o, res, nil
}

func newPromptCache(cfg config.CacheConfig, res *Resources, logger *log.Logger) (*cache.PromptCache, error) {
	switch cfg.Backend {
	case "redis":
		return cache.New(cache.NewRedisStore(res.Redis), cfg.TTL, logger, res.Metrics), nil
	case "memory":
		store, err := cache.NewMemoryStore(cfg.MaxCost)
		if err != nil {
			return nil, err
		}
		res.onClose(func() error { store.Close(); return nil })
		return cache.New(store, cfg.TTL, logger, res.Metrics), nil
	default:
		return nil, nil
	}
}

func loadEntities(ctx context.Context, cfg config.GraphConfig, client *graph.Client, index *graph.Index, logger *log.Logger) error {
	var (
		entities []graph.Entity
		err      error
	)
	if strings.TrimSpace(cfg.EntitiesFile) != "" {
		entities, err = graph.LoadEntitiesFile(cfg.EntitiesFile)
	} else {
		entities, err = graph.LoadEntities(ctx, client)
	}
	if err != nil {
		if errors.Is(err, graph.ErrUnreachable) {
			logger.Printf("[KG] warn: graph unreachable, starting with an empty label index: %v", err)
			return nil
		}
		return fmt.Errorf("load entities: %w", err)
	}
	if err := index.Add(entities); err != nil {
		return err
	}
	logger.Printf("[KG] indexed %d entities", len(entities))
	return nil
}

// NewSandbox builds the executor named by the sandbox policy.
func NewSandbox(cfg config.SandboxConfig, logger *log.Logger) (sandbox.Executor, error) {
	policy, err := sandbox.LoadPolicy(cfg)
	if err != nil {
		return nil, err
	}
	enforcer := sandbox.NewEnforcer(policy)
	switch policy.Provider {
	case "docker":
		return sandbox.NewDockerExecutor(policy.Image, cfg.WorkDir, enforcer, logger)
	case "process":
		return sandbox.NewProcessExecutor(cfg.Python, cfg.WorkDir, enforcer, logger), nil
	default:
		return nil, fmt.Errorf("unsupported sandbox provider %q", policy.Provider)
	}
}
