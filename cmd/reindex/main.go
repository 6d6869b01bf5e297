// Package main implements the reindex CLI: it loads every active document
// from the source, re-embeds the corpus, and rebuilds the vector index. Run
// it after bulk imports or an embedding-model change.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/poolai/knowledge-engine/engine/answer"
	"github.com/poolai/knowledge-engine/engine/embed"
	"github.com/poolai/knowledge-engine/engine/index"
	"github.com/poolai/knowledge-engine/engine/kb"
	"github.com/poolai/knowledge-engine/engine/retrieval"
	"github.com/poolai/knowledge-engine/engine/store"
	"github.com/poolai/knowledge-engine/engine/store/sqlite"
	"github.com/poolai/knowledge-engine/pkg/config"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	timeout := flag.Duration("timeout", 10*time.Minute, "overall rebuild deadline")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("config load failed", "err", err)
		os.Exit(1)
	}

	if err := run(cfg, *timeout, logger); err != nil {
		logger.Error("reindex failed", "err", err)
		os.Exit(1)
	}
	logger.Info("reindex complete")
}

func run(cfg config.Config, timeout time.Duration, logger *slog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	db, err := sqlite.Open(cfg.Store.SQLitePath)
	if err != nil {
		return err
	}
	defer db.Close()

	provider, err := buildProvider(cfg.Embedder)
	if err != nil {
		return err
	}
	idx, err := buildIndex(cfg.Index)
	if err != nil {
		return err
	}

	docs := store.New()
	svc := kb.New(kb.Deps{
		Provider:  provider,
		Index:     idx,
		Docs:      docs,
		Source:    db,
		Retrieval: retrieval.New(provider, idx, docs, retrieval.DefaultOptions(), logger, nil),
		Composer:  answer.Static{},
		Logger:    logger,
	})

	return svc.Rebuild(ctx)
}

func buildProvider(cfg config.EmbedderConfig) (embed.Provider, error) {
	var inner embed.Provider
	switch cfg.Type {
	case "openai":
		p, err := embed.NewOpenAI(embed.OpenAIConfig{
			BaseURL: cfg.OpenAI.BaseURL,
			APIKey:  config.Secret(cfg.OpenAI.APIKeyEnv),
			Model:   cfg.OpenAI.Model,
		})
		if err != nil {
			return nil, err
		}
		inner = p
	case "ollama", "":
		inner = embed.NewOllama(cfg.Ollama.BaseURL, cfg.Ollama.Model)
	default:
		return nil, fmt.Errorf("unknown embedder type %q", cfg.Type)
	}

	opts := embed.DefaultLimitedOpts
	if cfg.RequestsPerSecond > 0 {
		opts.RequestsPerSecond = cfg.RequestsPerSecond
	}
	if cfg.Burst > 0 {
		opts.Burst = cfg.Burst
	}
	return embed.NewLimited(inner, opts), nil
}

func buildIndex(cfg config.IndexConfig) (index.Index, error) {
	switch cfg.Type {
	case "flat", "":
		return index.NewFlat(), nil
	case "qdrant":
		return index.NewQdrant(cfg.Qdrant.Addr, cfg.Qdrant.Collection)
	default:
		return nil, fmt.Errorf("unknown index type %q", cfg.Type)
	}
}
