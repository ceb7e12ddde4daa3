package rag

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/speculo/internal/observe"
	"github.com/MrWong99/speculo/pkg/knowledge"
	"github.com/MrWong99/speculo/pkg/provider/embeddings"
)

const (
	// DefaultBatchSize is the number of passages embedded and upserted per
	// round trip.
	DefaultBatchSize = 100

	defaultIngestConcurrency = 4
)

// Document is one source text to ingest.
type Document struct {
	// Source names the document; passage IDs derive from it.
	Source string
	Text   string
}

// IngestStats summarises an [Ingester.Ingest] run.
type IngestStats struct {
	Documents int
	Passages  int
}

// IngestOption configures an [Ingester].
type IngestOption func(*Ingester)

// WithSplitter replaces the default 500/50 splitter.
func WithSplitter(s Splitter) IngestOption {
	return func(in *Ingester) { in.splitter = s }
}

// WithBatchSize sets the passages per embed/upsert batch. Default: 100.
func WithBatchSize(n int) IngestOption {
	return func(in *Ingester) {
		if n > 0 {
			in.batchSize = n
		}
	}
}

// WithConcurrency bounds the number of batches in flight. Default: 4.
func WithConcurrency(n int) IngestOption {
	return func(in *Ingester) {
		if n > 0 {
			in.concurrency = n
		}
	}
}

// WithRecreate drops the collection before ingesting.
func WithRecreate(recreate bool) IngestOption {
	return func(in *Ingester) { in.recreate = recreate }
}

// WithIngestMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithIngestMetrics(m *observe.Metrics) IngestOption {
	return func(in *Ingester) { in.metrics = m }
}

// Ingester splits documents into passages, embeds them in batches and
// upserts them into a [knowledge.Index].
type Ingester struct {
	emb         embeddings.Provider
	index       knowledge.Index
	splitter    Splitter
	batchSize   int
	concurrency int
	recreate    bool
	metrics     *observe.Metrics
}

// NewIngester returns an [Ingester].
func NewIngester(emb embeddings.Provider, index knowledge.Index, opts ...IngestOption) *Ingester {
	in := &Ingester{
		emb:         emb,
		index:       index,
		splitter:    Splitter{Size: DefaultChunkSize, Overlap: DefaultChunkOverlap, Separators: DefaultSeparators},
		batchSize:   DefaultBatchSize,
		concurrency: defaultIngestConcurrency,
	}
	for _, o := range opts {
		o(in)
	}
	if in.metrics == nil {
		in.metrics = observe.DefaultMetrics()
	}
	return in
}

// Ingest splits, embeds and stores docs. The first failing batch cancels the
// rest and its error is returned; batches already upserted stay in the index.
func (in *Ingester) Ingest(ctx context.Context, docs []Document) (IngestStats, error) {
	if in.recreate {
		if err := in.index.Recreate(ctx); err != nil {
			return IngestStats{}, fmt.Errorf("rag: recreate collection: %w", err)
		}
	}

	var passages []knowledge.Passage
	for _, d := range docs {
		for i, chunk := range in.splitter.Split(d.Text) {
			passages = append(passages, knowledge.Passage{
				ID:     knowledge.PassageID(d.Source, i),
				Source: d.Source,
				Text:   chunk,
			})
		}
	}
	stats := IngestStats{Documents: len(docs), Passages: len(passages)}
	if len(passages) == 0 {
		return stats, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(in.concurrency)
	for start := 0; start < len(passages); start += in.batchSize {
		batch := passages[start:min(start+in.batchSize, len(passages))]
		g.Go(func() error { return in.store(gctx, batch) })
	}
	if err := g.Wait(); err != nil {
		return IngestStats{}, err
	}
	slog.Info("rag: ingested documents", "documents", stats.Documents, "passages", stats.Passages)
	return stats, nil
}

func (in *Ingester) store(ctx context.Context, batch []knowledge.Passage) error {
	texts := make([]string, len(batch))
	for i, p := range batch {
		texts[i] = p.Text
	}
	vecs, err := in.emb.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("rag: embed batch: %w", err)
	}
	if len(vecs) != len(batch) {
		return fmt.Errorf("rag: embed batch: got %d vectors for %d passages", len(vecs), len(batch))
	}
	for i := range batch {
		batch[i].Embedding = vecs[i]
	}
	if err := in.index.Upsert(ctx, batch); err != nil {
		return fmt.Errorf("rag: upsert batch: %w", err)
	}
	in.metrics.IngestedPassages.Add(ctx, int64(len(batch)),
		metric.WithAttributes(observe.Attr("embedder", in.emb.ModelID())))
	return nil
}

// ingestExts lists the file extensions LoadDocuments reads.
var ingestExts = map[string]bool{".txt": true, ".md": true, ".markdown": true}

// LoadDocuments reads every text or Markdown file named by paths. Directories
// are walked recursively; files with other extensions inside them are
// skipped, while an explicitly named file is always read.
func LoadDocuments(paths []string) ([]Document, error) {
	var docs []Document
	read := func(path string) error {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("rag: read %s: %w", path, err)
		}
		docs = append(docs, Document{Source: filepath.ToSlash(path), Text: string(data)})
		return nil
	}

	for _, root := range paths {
		info, err := os.Stat(root)
		if err != nil {
			return nil, fmt.Errorf("rag: stat %s: %w", root, err)
		}
		if !info.IsDir() {
			if err := read(root); err != nil {
				return nil, err
			}
			continue
		}
		err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !ingestExts[strings.ToLower(filepath.Ext(path))] {
				return nil
			}
			return read(path)
		})
		if err != nil {
			return nil, err
		}
	}
	if len(docs) == 0 {
		return nil, errors.New("rag: no documents found")
	}
	return docs, nil
}
