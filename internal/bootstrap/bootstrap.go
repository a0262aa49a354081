// Package bootstrap wires storage, optional backends and the ingestion
// pipeline from configuration. Both binaries start from here.
package bootstrap

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/defiguard/backend/internal/cache/redis"
	"github.com/defiguard/backend/internal/classifier"
	"github.com/defiguard/backend/internal/ingestion"
	"github.com/defiguard/backend/internal/kg/neo4j"
	"github.com/defiguard/backend/internal/llm"
	"github.com/defiguard/backend/internal/severity"
	"github.com/defiguard/backend/internal/sources"
	"github.com/defiguard/backend/internal/storage/sqlite"
	"github.com/defiguard/backend/internal/vector/zilliz"
	"github.com/defiguard/backend/pkg/config"
	"github.com/defiguard/backend/pkg/logger"
)

// Components holds everything the binaries need. Cache, Graph and Index are
// nil when disabled or unreachable.
type Components struct {
	Store      *sqlite.Client
	Cache      *redis.Client
	Graph      *neo4j.Client
	Index      *zilliz.Client
	Classifier *classifier.Service
	Manager    *ingestion.Manager
	Cutoffs    severity.Cutoffs
}

// Build opens the corpus store and the optional backends, then assembles the
// ingestion manager. The notifier may be nil.
func Build(ctx context.Context, cfg *config.Config, notifier ingestion.Notifier) (*Components, error) {
	store, err := sqlite.NewClient(cfg.SQLite.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open corpus store: %w", err)
	}
	if err := store.InitSchema(); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	c := &Components{
		Store: store,
		Cutoffs: severity.Cutoffs{
			Medium:   cfg.Risk.SeverityMedium,
			High:     cfg.Risk.SeverityHigh,
			Critical: cfg.Risk.SeverityCritical,
		},
	}

	var llmClient *llm.Client
	if cfg.LLM.APIKey != "" {
		llmClient = llm.NewClient(llm.Options{
			APIKey:         cfg.LLM.APIKey,
			Model:          cfg.LLM.Model,
			EmbeddingModel: cfg.LLM.EmbeddingModel,
			Temperature:    cfg.LLM.Temperature,
			MaxTokens:      cfg.LLM.MaxTokens,
			Timeout:        time.Duration(cfg.LLM.TimeoutSec) * time.Second,
		})
	} else {
		logger.Warn("No LLM API key configured, classification uses fallback matching")
	}

	if cfg.Redis.Enabled {
		c.Cache, err = redis.NewClient(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Warn("Redis unavailable, classification cache disabled", zap.Error(err))
		}
	}

	if cfg.Neo4j.Enabled {
		c.Graph, err = neo4j.NewClient(cfg.Neo4j.URI, cfg.Neo4j.Username, cfg.Neo4j.Password, cfg.Neo4j.Database)
		if err != nil {
			logger.Warn("Neo4j unavailable, incident graph disabled", zap.Error(err))
		} else if err := c.Graph.EnsureSchema(ctx); err != nil {
			logger.Warn("Failed to create graph constraints", zap.Error(err))
		}
	}

	if cfg.Zilliz.Enabled {
		if llmClient == nil {
			logger.Warn("Similar-incident index needs embeddings, skipping without an LLM API key")
		} else {
			c.Index, err = zilliz.NewClient(cfg.Zilliz.Endpoint, cfg.Zilliz.APIKey,
				cfg.Zilliz.CollectionName, cfg.Zilliz.VectorDim, llmClient)
			if err != nil {
				logger.Warn("Milvus unavailable, similar-incident index disabled", zap.Error(err))
			} else if err := c.Index.CreateCollection(ctx); err != nil {
				logger.Warn("Failed to prepare collection, similar-incident index disabled", zap.Error(err))
				c.Index.Close()
				c.Index = nil
			}
		}
	}

	c.Classifier = newClassifier(cfg, llmClient, c.Cache)

	adapters, err := sources.Build(cfg, c.Classifier)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to build sources: %w", err)
	}

	opts := []ingestion.Option{
		ingestion.WithConcurrency(cfg.Ingestion.MaxConcurrentSources),
	}
	var projectors []ingestion.Projector
	if c.Graph != nil {
		projectors = append(projectors, c.Graph)
	}
	if c.Index != nil {
		projectors = append(projectors, c.Index)
	}
	if len(projectors) > 0 {
		opts = append(opts, ingestion.WithProjectors(projectors...))
	}
	if notifier != nil {
		opts = append(opts, ingestion.WithNotifier(notifier))
	}
	c.Manager = ingestion.NewManager(store, adapters, opts...)

	return c, nil
}

// newClassifier keeps nil backends out of the interfaces so the service sees
// a real nil and takes its fallback paths.
func newClassifier(cfg *config.Config, llmClient *llm.Client, cache *redis.Client) *classifier.Service {
	var completer classifier.Completer
	if llmClient != nil {
		completer = llmClient
	}

	var opts []classifier.Option
	if cache != nil {
		opts = append(opts, classifier.WithCache(cache))
	}

	return classifier.NewService(completer, classifier.Config{
		MaxConcurrent: cfg.Classifier.MaxConcurrent,
		MaxRetries:    cfg.Classifier.MaxRetries,
		RetryDelay:    time.Duration(cfg.Classifier.RetryDelayMs) * time.Millisecond,
		CallTimeout:   time.Duration(cfg.Classifier.CallTimeoutSec) * time.Second,
		CacheTTL:      time.Duration(cfg.Classifier.CacheTTLMinutes) * time.Minute,
	}, opts...)
}

func (c *Components) Close() {
	if c.Index != nil {
		if err := c.Index.Close(); err != nil {
			logger.Warn("Failed to close milvus client", zap.Error(err))
		}
	}
	if c.Graph != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.Graph.Close(ctx); err != nil {
			logger.Warn("Failed to close neo4j driver", zap.Error(err))
		}
	}
	if c.Cache != nil {
		if err := c.Cache.Close(); err != nil {
			logger.Warn("Failed to close redis client", zap.Error(err))
		}
	}
	if err := c.Store.Close(); err != nil {
		logger.Warn("Failed to close corpus store", zap.Error(err))
	}
}
