package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/knoguchi/medrag/internal/auth"
	"github.com/knoguchi/medrag/internal/cache"
	"github.com/knoguchi/medrag/internal/config"
	"github.com/knoguchi/medrag/internal/embedder"
	"github.com/knoguchi/medrag/internal/events"
	"github.com/knoguchi/medrag/internal/evidence"
	"github.com/knoguchi/medrag/internal/ingestion"
	"github.com/knoguchi/medrag/internal/llm"
	"github.com/knoguchi/medrag/internal/metrics"
	"github.com/knoguchi/medrag/internal/pipeline"
	"github.com/knoguchi/medrag/internal/repository/postgres"
	"github.com/knoguchi/medrag/internal/reranker"
	"github.com/knoguchi/medrag/internal/retrieval"
	"github.com/knoguchi/medrag/internal/server"
	"github.com/knoguchi/medrag/internal/summarizer"
	"github.com/knoguchi/medrag/internal/vectorstore"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Set up structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	if err := run(cfg); err != nil {
		slog.Error("failed to run server", "error", err)
		os.Exit(1)
	}
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func run(cfg *config.Config) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	slog.Info("starting medrag service",
		"grpc_port", cfg.GRPCPort,
		"http_port", cfg.HTTPPort,
		"environment", cfg.Environment,
	)

	m := metrics.New()
	origin := uuid.NewString()

	// Initialize PostgreSQL
	db, err := postgres.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	paperRepo := postgres.NewPaperRepo(db)
	slog.Info("connected to PostgreSQL")

	// Initialize Qdrant vector store
	vectors, err := vectorstore.NewQdrantStore(cfg.QdrantGRPCURL, cfg.QdrantCollection)
	if err != nil {
		return fmt.Errorf("failed to connect to Qdrant: %w", err)
	}
	defer vectors.Close()
	slog.Info("connected to Qdrant", "collection", cfg.QdrantCollection)

	// Initialize Ollama embedder and LLM
	embed := embedder.NewOllamaEmbedder(embedder.OllamaConfig{
		BaseURL: cfg.OllamaURL,
		Model:   cfg.EmbeddingModel,
	})
	llmClient := llm.NewOllamaClient(
		llm.WithBaseURL(cfg.OllamaURL),
		llm.WithModel(cfg.LLMModel),
	)
	slog.Info("initialized Ollama clients", "embedding_model", cfg.EmbeddingModel, "llm_model", cfg.LLMModel)

	var rr reranker.Reranker
	if cfg.RerankerURL != "" {
		rr = reranker.NewCrossEncoder(cfg.RerankerURL, reranker.WithCrossEncoderModel(cfg.RerankerModel))
		slog.Info("using cross-encoder reranker", "url", cfg.RerankerURL, "model", cfg.RerankerModel)
	} else {
		rr = reranker.NewLLMReranker(llmClient, reranker.WithModel(cfg.LLMModel))
		slog.Info("using LLM reranker", "model", cfg.LLMModel)
	}

	abstractive := summarizer.NewAbstractive(llmClient,
		summarizer.WithModel(cfg.LLMModel),
		summarizer.WithLengths(cfg.SummaryMaxLength, cfg.SummaryMinLength),
	)
	summaries := summarizer.NewRegistry(summarizer.NewExtractive(summarizer.DefaultSentences), abstractive)

	retriever, err := retrieval.NewHybridRetriever(embed, retrieval.WithAlpha(cfg.HybridAlpha))
	if err != nil {
		return fmt.Errorf("failed to create retriever: %w", err)
	}

	pipeOpts := []pipeline.Option{
		pipeline.WithReranker(rr),
		pipeline.WithSummarizer(abstractive),
		pipeline.WithMetrics(m),
		pipeline.WithLimits(cfg.DefaultLimit, cfg.MaxLimit),
		pipeline.WithDefaultAlpha(cfg.HybridAlpha),
	}
	var summaryCache *cache.SummaryCache
	if cfg.RedisAddr != "" {
		store, err := cache.NewRedisStore(ctx, cache.RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			return fmt.Errorf("failed to connect to Redis: %w", err)
		}
		defer store.Close()
		pipeOpts = append(pipeOpts, pipeline.WithCache(
			cache.New(store, cfg.CacheTTL, cache.WithCounters(m.CacheHitsTotal, m.CacheMissesTotal)),
		))
		summaryCache = cache.NewSummaryCache(store, cfg.SummaryCacheTTL)
		slog.Info("connected to Redis", "ttl", cfg.CacheTTL, "summary_ttl", cfg.SummaryCacheTTL)
	}
	pipe := pipeline.New(retriever, pipeOpts...)

	indexOpts := []ingestion.IndexerOption{
		ingestion.WithVectorStore(vectors),
		ingestion.WithLoader(pipe),
		ingestion.WithIndexerMetrics(m),
	}
	if len(cfg.KafkaBrokers) > 0 {
		publisher := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaIndexTopic, origin)
		defer publisher.Close()
		indexOpts = append(indexOpts, ingestion.WithPublisher(publisher))
	}
	indexer := ingestion.NewIndexer(paperRepo, embed, indexOpts...)

	var jwtManager *auth.JWTManager
	if cfg.JWTSecret != "" {
		jwtCfg := auth.DefaultJWTConfig(cfg.JWTSecret)
		jwtCfg.Expiry = cfg.JWTExpiry
		jwtManager = auth.NewJWTManager(jwtCfg)
	}
	authn := auth.NewAuthenticator(cfg.APIKeys, cfg.AdminAPIKey, jwtManager)
	if !authn.Enabled() {
		slog.Warn("authentication disabled: no API keys or JWT secret configured")
	}

	grpcServer := server.NewGRPCServer(server.GRPCServerConfig{
		Port:   cfg.GRPCPort,
		Logger: slog.Default(),
	})

	handler := server.NewHandler(server.Services{
		Pipeline:    pipe,
		Summarizers: summaries,
		Verifier:    evidence.NewVerifier(llmClient, cfg.LLMModel),
		Classifier:  evidence.NewClassifier(llmClient, cfg.LLMModel),
		Papers:      paperRepo,
		Vectors:     vectors,
		Indexer:     reloadNotifier{indexer: indexer, grpc: grpcServer},

		SummaryCache: summaryCache,
		SummaryOptions: summarizer.Options{
			MaxLength: cfg.SummaryMaxLength,
			MinLength: cfg.SummaryMinLength,
		},
	})
	httpServer := server.NewHTTPServer(server.HTTPServerConfig{
		Host:           cfg.Host,
		Port:           cfg.HTTPPort,
		Logger:         slog.Default(),
		AllowedOrigins: cfg.AllowedOrigins,
		Auth:           authn,
		Metrics:        m,
	}, handler)

	errCh := make(chan error, 3)

	go func() {
		if err := grpcServer.Start(); err != nil {
			errCh <- err
		}
	}()
	go func() {
		if err := httpServer.Start(); err != nil {
			errCh <- err
		}
	}()

	// Build the initial index in the background; /readyz reports 503 until it completes.
	go func() {
		if _, err := indexer.Rebuild(ctx); err != nil {
			slog.Error("initial index build failed", "error", err)
			return
		}
		grpcServer.SetServing(true)
	}()

	if len(cfg.KafkaBrokers) > 0 {
		consumer := events.NewConsumer(cfg.KafkaBrokers, cfg.KafkaIndexTopic, cfg.KafkaGroupID+"-"+origin, origin,
			func(ctx context.Context, ev events.IndexEvent) error {
				if _, err := indexer.Rebuild(ctx); err != nil {
					return err
				}
				grpcServer.SetServing(true)
				if summaryCache != nil {
					if err := summaryCache.Invalidate(ctx, ""); err != nil {
						slog.Warn("failed to clear summary cache", "error", err)
					}
				}
				return nil
			})
		defer consumer.Close()
		go func() {
			if err := consumer.Start(ctx); err != nil {
				errCh <- fmt.Errorf("index event consumer: %w", err)
			}
		}()
		slog.Info("consuming index events", "topic", cfg.KafkaIndexTopic, "brokers", cfg.KafkaBrokers)
	}

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		slog.Info("received shutdown signal")
	}

	// Graceful shutdown
	slog.Info("shutting down servers...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	var errs []error
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	if err := grpcServer.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, err)
	}

	slog.Info("servers stopped")
	return errors.Join(errs...)
}

// reloadNotifier marks the gRPC health SERVING after an admin-triggered reload.
type reloadNotifier struct {
	indexer *ingestion.Indexer
	grpc    *server.GRPCServer
}

func (r reloadNotifier) Reload(ctx context.Context, reason string) (int, error) {
	n, err := r.indexer.Reload(ctx, reason)
	if err == nil {
		r.grpc.SetServing(true)
	}
	return n, err
}

// Ensure interfaces are satisfied at compile time
var (
	_ embedder.Embedder       = (*embedder.OllamaEmbedder)(nil)
	_ llm.LLM                 = (*llm.OllamaClient)(nil)
	_ vectorstore.VectorStore = (*vectorstore.QdrantStore)(nil)
	_ server.Reloader         = reloadNotifier{}
)
