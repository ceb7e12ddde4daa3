// Command speculo-ingest splits manuals into passages, embeds them, and
// stores them in the PostgreSQL knowledge index used by speculo.
//
// Usage:
//
//	speculo-ingest -config config.yaml [-recreate] [path ...]
//
// Paths may be files or directories (walked for .txt and .md files). When
// none are given, knowledge.documents from the config is used.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/speculo/internal/app"
	"github.com/MrWong99/speculo/internal/config"
	"github.com/MrWong99/speculo/internal/observe"
	"github.com/MrWong99/speculo/internal/rag"
	"github.com/MrWong99/speculo/pkg/knowledge/postgres"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	recreate := flag.Bool("recreate", false, "drop and recreate the collection before ingesting")
	chunkSize := flag.Int("chunk-size", rag.DefaultChunkSize, "maximum passage length in characters")
	chunkOverlap := flag.Int("chunk-overlap", rag.DefaultChunkOverlap, "characters shared by neighbouring passages")
	batchSize := flag.Int("batch-size", rag.DefaultBatchSize, "passages per embedding request")
	concurrency := flag.Int("concurrency", 4, "embedding requests in flight")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "speculo-ingest: %v\n", err)
		return 1
	}
	if cfg.Knowledge.Backend != config.KnowledgePostgres {
		fmt.Fprintln(os.Stderr, "speculo-ingest: knowledge.backend must be postgres; the memory backend loads knowledge.documents at server start-up")
		return 2
	}

	paths := flag.Args()
	if len(paths) == 0 {
		paths = cfg.Knowledge.Documents
	}
	if len(paths) == 0 {
		fmt.Fprintln(os.Stderr, "speculo-ingest: no input paths given and knowledge.documents is empty")
		return 2
	}

	splitter, err := rag.NewSplitter(*chunkSize, *chunkOverlap)
	if err != nil {
		fmt.Fprintf(os.Stderr, "speculo-ingest: %v\n", err)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := ingest(ctx, cfg, paths, *recreate,
		rag.WithSplitter(splitter),
		rag.WithBatchSize(*batchSize),
		rag.WithConcurrency(*concurrency),
	); err != nil {
		slog.Error("ingest failed", "err", err)
		return 1
	}
	return 0
}

func ingest(ctx context.Context, cfg *config.Config, paths []string, recreate bool, opts ...rag.IngestOption) error {
	reg := config.NewRegistry()
	app.RegisterBuiltinProviders(reg)

	emb, err := reg.CreateEmbeddings(cfg.Providers.Embeddings)
	if err != nil {
		return fmt.Errorf("create embeddings provider %q: %w", cfg.Providers.Embeddings.Name, err)
	}
	dims := cfg.Knowledge.EmbeddingDimensions
	if d := emb.Dimensions(); d > 0 && d != dims {
		return fmt.Errorf("embedding model %s produces %d dimensions but knowledge.embedding_dimensions is %d", emb.ModelID(), d, dims)
	}

	docs, err := rag.LoadDocuments(paths)
	if err != nil {
		return err
	}
	slog.Info("documents loaded", "count", len(docs))

	store, err := postgres.NewStore(ctx, cfg.Knowledge.PostgresDSN, cfg.Knowledge.Collection, dims)
	if err != nil {
		return err
	}
	defer store.Close()

	start := time.Now()
	opts = append(opts, rag.WithRecreate(recreate), rag.WithIngestMetrics(observe.DefaultMetrics()))
	stats, err := rag.NewIngester(emb, store, opts...).Ingest(ctx, docs)
	if errors.Is(err, context.Canceled) {
		return errors.New("interrupted; batches stored before the signal remain in the collection")
	}
	if err != nil {
		return err
	}

	total, err := store.Count(ctx)
	if err != nil {
		return fmt.Errorf("count passages: %w", err)
	}
	slog.Info("ingest complete",
		"documents", stats.Documents,
		"passages", stats.Passages,
		"collection", cfg.Knowledge.Collection,
		"collection_total", total,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return nil
}
