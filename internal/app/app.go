// Package app wires the retrieval core from configuration. Both the API server and the CLI
// build their components through it.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	rediscache "github.com/cryptobroker/backend/internal/cache/redis"
	"github.com/cryptobroker/backend/internal/embedding"
	"github.com/cryptobroker/backend/internal/extraction"
	"github.com/cryptobroker/backend/internal/ingestion"
	"github.com/cryptobroker/backend/internal/kg"
	"github.com/cryptobroker/backend/internal/kg/builder"
	kgmemory "github.com/cryptobroker/backend/internal/kg/memory"
	"github.com/cryptobroker/backend/internal/kg/neo4j"
	"github.com/cryptobroker/backend/internal/llm"
	"github.com/cryptobroker/backend/internal/quality"
	"github.com/cryptobroker/backend/internal/query"
	"github.com/cryptobroker/backend/internal/search/web"
	"github.com/cryptobroker/backend/internal/storage/sqlite"
	"github.com/cryptobroker/backend/internal/vector"
	vecmemory "github.com/cryptobroker/backend/internal/vector/memory"
	"github.com/cryptobroker/backend/internal/vector/zilliz"
	"github.com/cryptobroker/backend/pkg/config"
	"github.com/cryptobroker/backend/pkg/logger"
	"github.com/cryptobroker/backend/pkg/retry"
)

type App struct {
	Config    *config.Config
	DB        *sqlite.Client
	Cache     *rediscache.Client
	Vectors   *vector.Store
	Graph     *kg.Adapter
	Filter    *quality.Filter
	Processor *ingestion.Processor
	Engine    *query.Engine
}

// Build connects every backend named in cfg. Only the SQLite store is required: an unreachable
// Milvus starts the vector store on its fallback, an unreachable Neo4j starts the graph in mock
// mode and an unreachable Redis disables caching.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{Config: cfg}

	db, err := sqlite.NewClient(cfg.SQLite.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to create SQLite client: %w", err)
	}
	if err := db.InitSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	a.DB = db

	if cfg.Redis.Enabled {
		cache, err := rediscache.NewClient(ctx, rediscache.Options{
			Addr:         cfg.Redis.Addr(),
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			QueryTTL:     time.Duration(cfg.Redis.QueryTTLSec) * time.Second,
			EmbeddingTTL: time.Duration(cfg.Redis.EmbeddingTTLSec) * time.Second,
		})
		if err != nil {
			logger.Warn("Redis unavailable, caching disabled", zap.Error(err))
		} else {
			a.Cache = cache
		}
	}

	var llmClient *llm.Client
	if cfg.LLM.Enabled && cfg.LLM.APIKey != "" {
		llmClient = llm.NewClient(llm.Config{
			APIKey:         cfg.LLM.APIKey,
			BaseURL:        cfg.LLM.BaseURL,
			Model:          cfg.LLM.Model,
			EmbeddingModel: cfg.LLM.EmbeddingModel,
			EmbeddingDim:   cfg.Milvus.VectorDim,
			Temperature:    cfg.LLM.Temperature,
			MaxTokens:      cfg.LLM.MaxTokens,
			Timeout:        time.Duration(cfg.LLM.TimeoutSec) * time.Second,
		})
	}

	vectors, err := a.buildVectors(ctx, llmClient)
	if err != nil {
		_ = a.Close(ctx)
		return nil, err
	}
	a.Vectors = vectors
	a.Graph = buildGraph(ctx, cfg)

	filter, err := buildFilter(cfg.Quality)
	if err != nil {
		_ = a.Close(ctx)
		return nil, err
	}
	a.Filter = filter

	extractRetry := retry.DefaultConfig()
	extractRetry.MaxAttempts = 2
	extractTimeout := time.Duration(cfg.Ingestion.ExtractTimeoutSec) * time.Second

	var base extraction.Extractor = extraction.NewRules()
	if llmClient != nil {
		base = extraction.NewChain(extraction.NewLLM(llmClient), extraction.NewRules())
	}
	extractor := extraction.NewGuarded(base, extractTimeout, extractRetry)

	a.Processor = ingestion.NewProcessor(db, filter, extractor, vectors, builder.NewBuilder(a.Graph), ingestion.Options{
		Workers: cfg.Ingestion.Workers,
	})
	if cfg.Search.Enabled && cfg.Search.SerpAPIKey != "" {
		a.Processor.SetCollector(web.NewClient(web.Config{
			APIKey:        cfg.Search.SerpAPIKey,
			BaseURL:       cfg.Search.BaseURL,
			MaxResults:    cfg.Search.MaxResults,
			Timeout:       time.Duration(cfg.Search.TimeoutSec) * time.Second,
			ScrapeContent: cfg.Search.ScrapeContent,
		}))
	}

	a.Engine = query.NewEngine(vectors, a.Graph, db, query.Config{
		VectorWeight:   cfg.Retrieval.VectorWeight,
		GraphWeight:    cfg.Retrieval.GraphWeight,
		FallbackWeight: cfg.Retrieval.FallbackWeight,
		DefaultLimit:   cfg.Retrieval.DefaultLimit,
		MaxLimit:       cfg.Retrieval.MaxLimit,
	})

	if a.Cache != nil {
		a.Processor.SetQueryCache(a.Cache)
		a.Engine.SetCache(a.Cache)
	}

	return a, nil
}

func (a *App) buildVectors(ctx context.Context, llmClient *llm.Client) (*vector.Store, error) {
	cfg := a.Config

	var primaryEmbedder embedding.Embedder
	if llmClient != nil {
		primaryEmbedder = llmClient
	} else {
		hashing, err := embedding.NewHashingEmbedder(cfg.Milvus.VectorDim)
		if err != nil {
			return nil, fmt.Errorf("failed to create primary embedder: %w", err)
		}
		primaryEmbedder = hashing
	}
	if a.Cache != nil {
		primaryEmbedder = embedding.NewCached(primaryEmbedder, a.Cache)
	}

	localEmbedder, err := embedding.NewHashingEmbedder(cfg.Vector.LocalDim)
	if err != nil {
		return nil, fmt.Errorf("failed to create local embedder: %w", err)
	}

	var primary vector.Backend
	switch cfg.Vector.Backend {
	case "memory":
		primary = vecmemory.NewStore(cfg.Milvus.VectorDim)
	default:
		milvusCfg := zilliz.Config{
			Endpoint:       cfg.Milvus.Endpoint,
			APIKey:         cfg.Milvus.APIKey,
			CollectionName: cfg.Milvus.CollectionName,
			VectorDim:      cfg.Milvus.VectorDim,
			Nlist:          cfg.Milvus.Nlist,
			Nprobe:         cfg.Milvus.Nprobe,
		}
		reconnecting := vector.NewReconnecting(func(ctx context.Context) (vector.Backend, error) {
			client, err := zilliz.Dial(ctx, milvusCfg)
			if err != nil {
				return nil, err
			}
			return client, nil
		})

		// the milvus client blocks until connected, so the first dial needs its own deadline
		dialCtx, cancel := context.WithTimeout(ctx, cfg.Vector.ConnectTimeout())
		err := reconnecting.Connect(dialCtx)
		cancel()
		if err != nil {
			logger.Warn("Milvus unreachable, starting on the local vector store", zap.Error(err))
		}
		primary = reconnecting
	}

	retryCfg := retry.DefaultConfig()
	retryCfg.InitialDelay = time.Duration(cfg.Vector.RetryDelayMs) * time.Millisecond

	store := vector.NewStore(primary, primaryEmbedder, a.DB, localEmbedder, vector.Options{
		Dimension:     cfg.Milvus.VectorDim,
		Timeout:       cfg.Vector.Timeout(),
		ProbeInterval: cfg.Vector.ProbeInterval(),
		Retry:         retryCfg,
	})
	store.Probe(ctx)
	return store, nil
}

func buildGraph(ctx context.Context, cfg *config.Config) *kg.Adapter {
	var backend kg.Backend
	switch cfg.Graph.Backend {
	case "memory":
		backend = kgmemory.NewGraph()
	case "mock":
		backend = kg.Unavailable{}
	default:
		client, err := neo4j.NewClient(cfg.Neo4j.URI, cfg.Neo4j.Username, cfg.Neo4j.Password, cfg.Neo4j.Database)
		if err != nil {
			logger.Warn("Neo4j unreachable, graph starts in mock mode", zap.Error(err))
			backend = kg.Unavailable{}
			break
		}
		if err := client.EnsureSchema(ctx); err != nil {
			logger.Warn("Failed to ensure Neo4j schema", zap.Error(err))
		}
		backend = client
	}

	adapter := kg.NewAdapter(backend, kg.Options{
		Timeout:       cfg.Graph.Timeout(),
		ProbeInterval: cfg.Graph.ProbeInterval(),
		MaxHops:       cfg.Graph.MaxHops,
	})
	adapter.Probe(ctx)
	return adapter
}

func buildFilter(cfg config.QualityConfig) (*quality.Filter, error) {
	policy := quality.DefaultPolicy()
	if cfg.PolicyFile != "" {
		p, err := quality.LoadPolicy(cfg.PolicyFile)
		if err != nil {
			return nil, err
		}
		policy = p
	}
	if cfg.MinWords > 0 {
		policy.MinWords = cfg.MinWords
	}
	if cfg.ClickbaitThreshold > 0 {
		policy.ClickbaitThreshold = cfg.ClickbaitThreshold
	}
	if cfg.Threshold > 0 {
		policy.Threshold = cfg.Threshold
	}
	if len(cfg.TrackedSymbols) > 0 {
		policy.TrackedSymbols = cfg.TrackedSymbols
	}
	return quality.New(policy), nil
}

// Start launches the health probe loops of both adapters. They stop when ctx is done.
func (a *App) Start(ctx context.Context) {
	a.Vectors.Start(ctx)
	a.Graph.Start(ctx)
}

func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Vectors != nil {
		errs = append(errs, a.Vectors.Close())
	}
	if a.Graph != nil {
		errs = append(errs, a.Graph.Close(ctx))
	}
	if a.Cache != nil {
		errs = append(errs, a.Cache.Close())
	}
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
	}
	return errors.Join(errs...)
}
