// Package cli implements the medragctl command tree.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/knoguchi/medrag/internal/config"
	"github.com/knoguchi/medrag/internal/embedder"
	"github.com/knoguchi/medrag/internal/events"
	"github.com/knoguchi/medrag/internal/ingestion"
	"github.com/knoguchi/medrag/internal/repository/postgres"
	"github.com/knoguchi/medrag/internal/vectorstore"
)

var verbose bool

var rootCmd = &cobra.Command{
	Use:           "medragctl",
	Short:         "Operate the medrag paper store and index",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelWarn
		if verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// backend bundles the storage side shared by the commands.
type backend struct {
	cfg     *config.Config
	db      *postgres.DB
	papers  *postgres.PaperRepo
	vectors *vectorstore.QdrantStore
	pub     *events.KafkaPublisher
	embed   *embedder.OllamaEmbedder
}

func openBackend(ctx context.Context) (*backend, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	db, err := postgres.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	vectors, err := vectorstore.NewQdrantStore(cfg.QdrantGRPCURL, cfg.QdrantCollection)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to Qdrant: %w", err)
	}

	b := &backend{
		cfg:     cfg,
		db:      db,
		papers:  postgres.NewPaperRepo(db),
		vectors: vectors,
		embed: embedder.NewOllamaEmbedder(embedder.OllamaConfig{
			BaseURL: cfg.OllamaURL,
			Model:   cfg.EmbeddingModel,
		}),
	}
	if len(cfg.KafkaBrokers) > 0 {
		b.pub = events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaIndexTopic, "medragctl")
	}
	return b, nil
}

// indexer builds an Indexer over the backend. Extra options are applied last.
func (b *backend) indexer(opts ...ingestion.IndexerOption) *ingestion.Indexer {
	base := []ingestion.IndexerOption{ingestion.WithVectorStore(b.vectors)}
	if b.pub != nil {
		base = append(base, ingestion.WithPublisher(b.pub))
	}
	return ingestion.NewIndexer(b.papers, b.embed, append(base, opts...)...)
}

func (b *backend) Close() {
	if b.pub != nil {
		if err := b.pub.Close(); err != nil {
			slog.Warn("failed to close publisher", "error", err)
		}
	}
	if err := b.vectors.Close(); err != nil {
		slog.Warn("failed to close vector store", "error", err)
	}
	b.db.Close()
}
