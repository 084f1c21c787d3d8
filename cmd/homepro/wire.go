package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kalambet/homepro/internal/agent"
	"github.com/kalambet/homepro/internal/config"
	"github.com/kalambet/homepro/internal/embedding"
	"github.com/kalambet/homepro/internal/retry"
	"github.com/kalambet/homepro/internal/storage"
	"github.com/kalambet/homepro/internal/vectorindex"
)

// closers runs cleanup functions in reverse order of registration.
type closers []func() error

func (c *closers) add(fn func() error) { *c = append(*c, fn) }

func (c closers) close(logger *slog.Logger) {
	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i](); err != nil {
			logger.Warn("closing resource", "error", err)
		}
	}
}

func retryPolicy(cfg config.Config, logger *slog.Logger) retry.Policy {
	return retry.Policy{
		MaxAttempts:    cfg.Retry.MaxAttempts,
		InitialBackoff: cfg.Retry.InitialBackoff,
		MaxBackoff:     cfg.Retry.MaxBackoff,
		Logger:         logger,
	}
}

func indexSpec(cfg config.Config) (vectorindex.IndexSpec, error) {
	metric, err := vectorindex.ParseMetric(cfg.Index.Metric)
	if err != nil {
		return vectorindex.IndexSpec{}, err
	}
	return vectorindex.IndexSpec{
		Name:      cfg.Index.Name,
		Dimension: cfg.Index.Dimension,
		Metric:    metric,
	}, nil
}

// opened holds the concrete stores behind a ConversationStore so the vector
// index can share their connections.
type opened struct {
	sqlite *storage.Store
	pg     *storage.PGStore
}

// openStore opens the conversation store selected by storage.driver.
func openStore(ctx context.Context, cfg config.Config, cl *closers) (storage.ConversationStore, opened, error) {
	if cfg.Storage.Driver == "postgres" {
		pg, err := storage.OpenPostgres(ctx, cfg.Storage.DatabaseURL)
		if err != nil {
			return nil, opened{}, fmt.Errorf("opening postgres: %w", err)
		}
		cl.add(pg.Close)
		return pg, opened{pg: pg}, nil
	}
	s, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, opened{}, fmt.Errorf("opening storage: %w", err)
	}
	cl.add(s.Close)
	return s, opened{sqlite: s}, nil
}

// newEmbedder builds the provider selected by embedding.provider behind a
// Batcher.
func newEmbedder(ctx context.Context, cfg config.Config, logger *slog.Logger, cl *closers) (*embedding.Batcher, error) {
	var p embedding.Provider
	switch cfg.Embedding.Provider {
	case "gemini":
		model := cfg.Embedding.Model
		if model == embedding.DefaultOpenAIModel {
			model = ""
		}
		g, err := embedding.NewGemini(ctx, cfg.Gemini.APIKey, model)
		if err != nil {
			return nil, err
		}
		cl.add(g.Close)
		p = g
	default:
		p = embedding.NewOpenAI(embedding.OpenAIConfig{
			APIKey:            cfg.OpenAI.APIKey,
			BaseURL:           cfg.OpenAI.BaseURL,
			Model:             cfg.Embedding.Model,
			RequestsPerSecond: cfg.Embedding.RequestsPerSecond,
		})
	}
	b := embedding.NewBatcher(p, cfg.Embedding.BatchSize, retryPolicy(cfg, logger))
	return b.WithLogger(logger), nil
}

// newIndex builds the vector index client for index.backend. It reuses the
// conversation store's database when one is open and compatible.
func newIndex(ctx context.Context, cfg config.Config, st opened, logger *slog.Logger, cl *closers) (*vectorindex.Client, error) {
	var b vectorindex.Backend
	switch cfg.Index.Backend {
	case "sqlite":
		if st.sqlite == nil {
			s, err := storage.Open(cfg.Storage.DataDir)
			if err != nil {
				return nil, fmt.Errorf("opening storage: %w", err)
			}
			cl.add(s.Close)
			st.sqlite = s
		}
		b = vectorindex.NewSQLite(st.sqlite.DB())
	case "pgvector":
		var (
			pg  *vectorindex.PGVector
			err error
		)
		if st.pg != nil {
			pg, err = vectorindex.NewPGVectorFromPool(ctx, st.pg.Pool())
		} else {
			pg, err = vectorindex.OpenPGVector(ctx, cfg.Storage.DatabaseURL)
		}
		if err != nil {
			return nil, fmt.Errorf("opening pgvector: %w", err)
		}
		cl.add(pg.Close)
		b = pg
	default:
		pc, err := vectorindex.NewPinecone(vectorindex.PineconeConfig{
			APIKey:            cfg.Pinecone.APIKey,
			Environment:       cfg.Pinecone.Environment,
			ControllerURL:     cfg.Pinecone.ControllerURL,
			Namespace:         cfg.Index.Namespace,
			RequestsPerSecond: cfg.Pinecone.RequestsPerSecond,
		})
		if err != nil {
			return nil, err
		}
		cl.add(pc.Close)
		b = pc
	}
	return vectorindex.NewClient(b,
		vectorindex.WithUpsertBatchSize(cfg.Index.UpsertBatchSize),
		vectorindex.WithSettleWait(cfg.Index.SettleWait),
		vectorindex.WithStrict(cfg.Index.Strict),
		vectorindex.WithRetry(retryPolicy(cfg, logger)),
		vectorindex.WithLogger(logger),
	), nil
}

func loadAgents(cfg config.Config) (*agent.Registry, error) {
	if cfg.Chat.AgentsFile == "" {
		return agent.DefaultRegistry(), nil
	}
	reg, err := agent.LoadFile(cfg.Chat.AgentsFile)
	if err != nil {
		return nil, fmt.Errorf("loading agents: %w", err)
	}
	return reg, nil
}
