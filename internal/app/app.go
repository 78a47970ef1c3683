// Package app assembles docqa's services from a validated config. It is the
// composition root shared by cmd/docqa and the embeddable client.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/docqa/internal/cache"
	"github.com/kailas-cloud/docqa/internal/chunker"
	"github.com/kailas-cloud/docqa/internal/config"
	"github.com/kailas-cloud/docqa/internal/db"
	dbRedis "github.com/kailas-cloud/docqa/internal/db/redis"
	"github.com/kailas-cloud/docqa/internal/domain"
	"github.com/kailas-cloud/docqa/internal/metrics"
	"github.com/kailas-cloud/docqa/internal/repository/conversation"
	"github.com/kailas-cloud/docqa/internal/repository/embcache"
	"github.com/kailas-cloud/docqa/internal/repository/memvector"
	"github.com/kailas-cloud/docqa/internal/repository/pgvector"
	"github.com/kailas-cloud/docqa/internal/repository/resultcache"
	"github.com/kailas-cloud/docqa/internal/repository/vector"
	"github.com/kailas-cloud/docqa/internal/resilience"
	"github.com/kailas-cloud/docqa/internal/tokenizer"
	openaitransport "github.com/kailas-cloud/docqa/internal/transport/openai"
	embeddinguc "github.com/kailas-cloud/docqa/internal/usecase/embedding"
	healthuc "github.com/kailas-cloud/docqa/internal/usecase/health"
	"github.com/kailas-cloud/docqa/internal/usecase/ingest"
	"github.com/kailas-cloud/docqa/internal/usecase/pipeline"
	"github.com/kailas-cloud/docqa/internal/usecase/retrieval"
)

// Overrides replace components built from config. Nil fields are built.
type Overrides struct {
	Embedder    domain.Embedder
	Generator   domain.Generator
	VectorStore domain.VectorStore
}

// App holds the wired services.
type App struct {
	Ingest   *ingest.Service
	Pipeline *pipeline.Orchestrator
	Health   *healthuc.Service
	Memory   *conversation.Store

	closers []func()
}

type pingStore interface {
	domain.VectorStore
	Ping(ctx context.Context) error
}

// New connects to the configured vector store and wires every service.
// cfg must already be validated.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, ov Overrides) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Register()

	a := &App{}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	store, backend, err := a.openStore(ctx, cfg, ov.VectorStore, logger)
	if err != nil {
		return nil, err
	}

	tok, err := tokenizer.New(cfg.Chunking.Tokenizer)
	if err != nil {
		return nil, fmt.Errorf("tokenizer: %w", err)
	}
	split, err := chunker.New(chunker.Config{Size: cfg.Chunking.Size, Overlap: cfg.Chunking.Overlap}, tok)
	if err != nil {
		return nil, fmt.Errorf("chunker: %w", err)
	}

	policy := resilience.Policy{
		Attempts:  cfg.Retry.Attempts,
		BaseDelay: cfg.Retry.BaseDelay,
		MaxDelay:  cfg.Retry.MaxDelay,
		Jitter:    cfg.Retry.Jitter,
		Logger:    logger,
	}

	embCache, err := newCache[[]float32](cfg.EmbeddingCache, "embedding", embcache.KeyPrefix,
		backend, cache.VectorCodec{}, logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, embCache.Close)

	rawEmbedder, embChecker := buildEmbedder(cfg.Embedding, ov.Embedder, logger)
	var embedder domain.Embedder = embeddinguc.NewInstrumentedEmbedder(
		rawEmbedder, cfg.Embedding.Provider, cfg.Embedding.Model,
		policy.WithTimeout(cfg.Timeouts.Embedding), logger,
	)
	embedder = embcache.New(embedder, cfg.Embedding.Model, embCache)
	docEmbedder := withInstruction(embedder, cfg.Embedding.DocumentInstruction)
	queryEmbedder := withInstruction(embedder, cfg.Embedding.QueryInstruction)

	answers, err := newCache[domain.Answer](cfg.ResultCache.CacheConfig, "result", resultcache.KeyPrefix,
		backend, cache.JSONCodec[domain.Answer]{}, logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, answers.Close)
	results := resultcache.New(answers, cfg.ResultCache.GlobalEnabled, logger)

	memory, err := conversation.New(conversation.Config{
		Window:        cfg.Conversation.Window,
		IdleTimeout:   cfg.Conversation.IdleTimeout,
		SweepInterval: cfg.Conversation.SweepInterval,
		Logger:        logger,
	})
	if err != nil {
		return nil, fmt.Errorf("conversation store: %w", err)
	}
	memory.Start()
	a.closers = append(a.closers, memory.Close)
	a.Memory = memory

	engine, err := retrieval.New(queryEmbedder, store, retrieval.Config{
		TopK:             cfg.Retrieval.TopK,
		MinSimilarity:    cfg.Retrieval.MinSimilarity,
		MaxContextTokens: cfg.Retrieval.MaxContextTokens,
		RecencyWeight:    cfg.Retrieval.RecencyWeight,
		RecencyHalfLife:  cfg.Retrieval.RecencyHalfLife,
		SearchPolicy:     policy.WithTimeout(cfg.Timeouts.Search),
		Tokenizer:        tok,
		Logger:           logger,
	})
	if err != nil {
		return nil, fmt.Errorf("retrieval: %w", err)
	}

	generator, genChecker := buildGenerator(cfg.Generation, ov.Generator, logger)

	a.Pipeline = pipeline.New(engine, generator, results, memory, pipeline.Config{
		HistoryTurns:     cfg.Conversation.HistoryTurns,
		GenerationPolicy: policy.WithTimeout(cfg.Timeouts.Generation),
		Logger:           logger,
	})
	a.Ingest = ingest.New(split, docEmbedder, store, results, ingest.Config{
		Concurrency: cfg.Embedding.Concurrency,
		Logger:      logger,
	})
	a.Health = healthuc.New(store, embChecker, genChecker)

	logger.Info("Services wired",
		zap.String("db_driver", cfg.Database.Driver),
		zap.String("embedding_model", cfg.Embedding.Model),
		zap.Int("dimensions", cfg.Embedding.Dimensions),
		zap.String("generation_model", cfg.Generation.Model),
		zap.String("tokenizer", tok.Name()),
		zap.Bool("shared_cache", backend != nil),
	)

	ok = true
	return a, nil
}

// Close stops background workers and releases connections, newest first.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// openStore returns the vector store and, for Redis/Valkey with a shared
// cache tier enabled, the KV backend for the caches.
func (a *App) openStore(
	ctx context.Context, cfg config.Config, override domain.VectorStore, logger *zap.Logger,
) (pingStore, cache.Backend, error) {
	if override != nil {
		return withPing(override), nil, nil
	}

	switch cfg.Database.Driver {
	case config.DriverValkey, config.DriverRedis:
		rs, err := dbRedis.NewStore(dbRedis.Config{
			Addrs:    cfg.Database.Addrs,
			Username: cfg.Database.Username,
			Password: cfg.Database.Password,
			DB:       cfg.Database.DB,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("create %s store: %w", cfg.Database.Driver, err)
		}
		a.closers = append(a.closers, rs.Close)
		if err := rs.WaitForReady(ctx, readiness(cfg)); err != nil {
			return nil, nil, fmt.Errorf("database not ready: %w", err)
		}
		logger.Info("Connected to database", zap.String("driver", cfg.Database.Driver))
		return redisVectorStore(ctx, cfg, rs, logger)

	case config.DriverPgvector:
		pool, err := pgvector.Connect(ctx, cfg.Database.DSN)
		if err != nil {
			return nil, nil, err //nolint:wrapcheck // already prefixed
		}
		repo, err := pgvector.New(pool, pgvector.Config{
			Table:      cfg.VectorStore.Table,
			Dimensions: cfg.Embedding.Dimensions,
			Lists:      cfg.VectorStore.IVFFlatLists,
		})
		if err != nil {
			pool.Close()
			return nil, nil, err //nolint:wrapcheck // already prefixed
		}
		a.closers = append(a.closers, repo.Close)
		if err := waitPing(ctx, repo, readiness(cfg)); err != nil {
			return nil, nil, fmt.Errorf("database not ready: %w", err)
		}
		if err := repo.EnsureSchema(ctx); err != nil {
			return nil, nil, err //nolint:wrapcheck // already prefixed
		}
		logger.Info("Connected to database", zap.String("driver", cfg.Database.Driver))
		return repo, nil, nil

	case config.DriverMemory:
		ms, err := memvector.New(cfg.Embedding.Dimensions)
		if err != nil {
			return nil, nil, err //nolint:wrapcheck // already prefixed
		}
		return ms, nil, nil

	default:
		return nil, nil, fmt.Errorf("unknown database driver %q: %w", cfg.Database.Driver, domain.ErrInvalidConfiguration)
	}
}

func redisVectorStore(
	ctx context.Context, cfg config.Config, rs *dbRedis.Store, logger *zap.Logger,
) (pingStore, cache.Backend, error) {
	algo, err := db.ParseVectorAlgorithm(cfg.VectorStore.Algorithm)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", domain.ErrInvalidConfiguration, err)
	}
	repo, err := vector.New(rs, vector.Config{
		IndexName:  cfg.VectorStore.IndexName,
		Dimensions: cfg.Embedding.Dimensions,
		Algorithm:  algo,
		HNSW: vector.HNSWConfig{
			M:              cfg.VectorStore.HNSWM,
			EFConstruction: cfg.VectorStore.HNSWEFConstruct,
		},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("vector store: %w", err)
	}
	rebuilt, err := repo.EnsureIndex(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("vector store: %w", err)
	}
	if rebuilt {
		logger.Warn("Vector index rebuilt for new embedding dimensions; re-ingest existing documents",
			zap.String("index", cfg.VectorStore.IndexName),
			zap.Int("dimensions", cfg.Embedding.Dimensions))
	}

	// Pass a nil interface, not a typed nil, when the shared tier is off.
	var backend cache.Backend
	if cfg.EmbeddingCache.Shared || cfg.ResultCache.Shared {
		backend = rs
	}
	return repo, backend, nil
}

func newCache[V any](
	cc config.CacheConfig, name, prefix string, backend cache.Backend, codec cache.Codec[V], logger *zap.Logger,
) (*cache.Cache[V], error) {
	if !cc.Shared {
		backend = nil
	}
	c, err := cache.New[V](cache.Config{
		Name:           name,
		TTL:            cc.TTL,
		MaxEntries:     cc.MaxEntries,
		SweepInterval:  cc.SweepInterval,
		ComputeTimeout: cc.ComputeTimeout,
		KeyPrefix:      prefix,
		Backend:        backend,
		Logger:         logger,
		Metrics:        metrics.CacheResultsTotal,
	}, codec)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrInvalidConfiguration, err)
	}
	c.Start()
	return c, nil
}

// buildEmbedder returns the provider embedder and its health checker. The
// checker is a nil interface when the provider cannot be checked.
func buildEmbedder(
	cfg config.EmbeddingConfig, override domain.Embedder, logger *zap.Logger,
) (domain.Embedder, healthuc.ProviderChecker) {
	if override != nil {
		if hc, ok := override.(healthuc.ProviderChecker); ok {
			return override, hc
		}
		return override, nil
	}
	e := openaitransport.NewEmbedder(&openaitransport.Config{
		APIKey:     cfg.APIKey,
		BaseURL:    cfg.BaseURL,
		Model:      cfg.Model,
		Dimensions: cfg.Dimensions,
		Provider:   cfg.Provider,
		Logger:     logger,
	})
	return e, e
}

func buildGenerator(
	cfg config.GenerationConfig, override domain.Generator, logger *zap.Logger,
) (domain.Generator, healthuc.ProviderChecker) {
	if override != nil {
		if hc, ok := override.(healthuc.ProviderChecker); ok {
			return override, hc
		}
		return override, nil
	}
	g := openaitransport.NewGenerator(&openaitransport.GeneratorConfig{
		Config: openaitransport.Config{
			APIKey:   cfg.APIKey,
			BaseURL:  cfg.BaseURL,
			Model:    cfg.Model,
			Provider: cfg.Provider,
			Logger:   logger,
		},
		SystemPrompt: cfg.SystemPrompt,
		MaxTokens:    cfg.MaxTokens,
		Temperature:  cfg.Temperature,
	})
	return g, g
}

// withInstruction prefixes texts outside the cache, so the cache key
// includes the instruction.
func withInstruction(e domain.Embedder, instruction string) domain.Embedder {
	if instruction == "" {
		return e
	}
	return domain.NewInstructionEmbedder(e, instruction)
}

func readiness(cfg config.Config) time.Duration {
	return time.Duration(cfg.Database.ReadinessTimeout) * time.Second
}

func waitPing(ctx context.Context, p db.Pinger, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		err := p.Ping(ctx)
		if err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.Join(ctx.Err(), err)
		case <-ticker.C:
		}
	}
}

type pinged struct {
	domain.VectorStore
	pinger db.Pinger
}

func (p pinged) Ping(ctx context.Context) error {
	return p.pinger.Ping(ctx) //nolint:wrapcheck // pass-through
}

func withPing(s domain.VectorStore) pingStore {
	if ps, ok := s.(pingStore); ok {
		return ps
	}
	return pinged{VectorStore: s, pinger: noopPinger{}}
}

type noopPinger struct{}

func (noopPinger) Ping(context.Context) error { return nil }
