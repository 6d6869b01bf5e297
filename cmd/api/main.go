// Package main implements the knowledge-base API server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/poolai/knowledge-engine/engine/answer"
	"github.com/poolai/knowledge-engine/engine/embed"
	"github.com/poolai/knowledge-engine/engine/graph"
	"github.com/poolai/knowledge-engine/engine/index"
	"github.com/poolai/knowledge-engine/engine/kb"
	"github.com/poolai/knowledge-engine/engine/retrieval"
	"github.com/poolai/knowledge-engine/engine/store"
	"github.com/poolai/knowledge-engine/engine/store/sqlite"
	"github.com/poolai/knowledge-engine/pkg/config"
	"github.com/poolai/knowledge-engine/pkg/metrics"
	"github.com/poolai/knowledge-engine/pkg/mid"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("config load failed", "err", err)
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := metrics.New()

	// --- Document source (SQLite) ---
	db, err := sqlite.Open(cfg.Store.SQLitePath)
	if err != nil {
		return err
	}
	defer db.Close()

	// --- Embedding provider ---
	provider, err := buildProvider(cfg.Embedder)
	if err != nil {
		return err
	}

	// --- Vector index ---
	idx, err := buildIndex(cfg.Index)
	if err != nil {
		return err
	}

	// --- Optional tag graph ---
	var tagGraph kb.TagGraph
	if cfg.Graph.Enabled {
		driver, err := neo4j.NewDriverWithContext(cfg.Graph.URL,
			neo4j.BasicAuth(cfg.Graph.User, config.Secret(cfg.Graph.PasswordEnv), ""))
		if err != nil {
			return fmt.Errorf("neo4j driver: %w", err)
		}
		defer driver.Close(ctx)
		tagGraph = graph.New(driver)
	}

	// --- Answer composer ---
	composer, err := buildComposer(cfg.Answer, logger)
	if err != nil {
		return err
	}

	// --- Assemble the service ---
	docs := store.New()
	retOpts := retrieval.Options{
		TopK:          cfg.Query.TopK,
		SnippetLength: cfg.Query.SnippetLength,
		OverFetch:     cfg.Query.OverFetch,
	}
	svc := kb.New(kb.Deps{
		Provider:  provider,
		Index:     idx,
		Docs:      docs,
		Source:    db,
		Retrieval: retrieval.New(provider, idx, docs, retOpts, logger, reg),
		Composer:  composer,
		Graph:     tagGraph,
		Logger:    logger,
		Metrics:   reg,
	})

	// Warm up from the persisted corpus. An empty database is fine; queries
	// fail with index-not-ready until the first document arrives.
	if err := svc.Rebuild(ctx); err != nil {
		logger.Warn("initial rebuild failed, starting with an empty index", "err", err)
	}

	// --- Optional NATS write path ---
	if cfg.NATS.Enabled {
		nc, err := nats.Connect(cfg.NATS.URL)
		if err != nil {
			return fmt.Errorf("nats connect: %w", err)
		}
		defer nc.Drain()
		sub, err := kb.StartConsumer(nc, svc, logger)
		if err != nil {
			return fmt.Errorf("nats subscribe: %w", err)
		}
		defer sub.Unsubscribe()
		logger.Info("document-event consumer started", "url", cfg.NATS.URL)
	}

	// --- HTTP server ---
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", handleHealth)
	mux.Handle("GET /metrics", reg.Handler())
	registerRoutes(mux, svc, cfg.Query.DefaultLanguage, logger)

	handler := mid.Chain(mux,
		mid.Recover(logger),
		mid.Logger(logger),
		mid.CORS(cfg.Server.CORSOrigin),
		mid.OTel("knowledge-api"),
	)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server starting", "port", cfg.Server.Port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}

// buildProvider wires the configured embedding provider behind the rate
// limiter and circuit breaker.
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

// buildIndex wires the configured vector index.
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

// buildComposer wires the configured answer composer.
func buildComposer(cfg config.AnswerConfig, logger *slog.Logger) (answer.Composer, error) {
	switch cfg.Type {
	case "openai":
		return answer.NewOpenAI(answer.OpenAIConfig{
			BaseURL: cfg.OpenAI.BaseURL,
			APIKey:  config.Secret(cfg.OpenAI.APIKeyEnv),
		}, answer.Options{Model: cfg.OpenAI.Model}, logger)
	case "static", "":
		return answer.Static{}, nil
	default:
		return nil, fmt.Errorf("unknown answer type %q", cfg.Type)
	}
}
