package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/knoguchi/medrag/internal/embedder"
	"github.com/knoguchi/medrag/internal/events"
	"github.com/knoguchi/medrag/internal/metrics"
	"github.com/knoguchi/medrag/internal/repository"
	"github.com/knoguchi/medrag/internal/retrieval"
	"github.com/knoguchi/medrag/internal/vectorstore"
)

// DefaultPageSize is the number of papers read from the repository per query.
const DefaultPageSize = 500

// IndexLoader receives the documents and vectors of a rebuilt index.
type IndexLoader interface {
	LoadDocumentsWithVectors(ctx context.Context, docs []retrieval.Document, vectors [][]float32) error
}

// Indexer turns the stored corpus into a retrieval index.
type Indexer struct {
	repo      repository.PaperRepository
	embedder  embedder.Embedder
	vectors   vectorstore.VectorStore
	loader    IndexLoader
	publisher events.Publisher
	metrics   *metrics.Metrics
	pageSize  int
	logger    *slog.Logger

	// mu serializes rebuilds.
	mu sync.Mutex
}

// IndexerOption configures an Indexer.
type IndexerOption func(*Indexer)

// WithVectorStore persists embeddings and reuses them across rebuilds.
func WithVectorStore(vs vectorstore.VectorStore) IndexerOption {
	return func(ix *Indexer) {
		ix.vectors = vs
	}
}

// WithLoader sets the index that receives rebuilt documents.
func WithLoader(l IndexLoader) IndexerOption {
	return func(ix *Indexer) {
		ix.loader = l
	}
}

// WithPublisher announces completed rebuilds.
func WithPublisher(p events.Publisher) IndexerOption {
	return func(ix *Indexer) {
		ix.publisher = p
	}
}

// WithIndexerMetrics counts ingested papers.
func WithIndexerMetrics(m *metrics.Metrics) IndexerOption {
	return func(ix *Indexer) {
		ix.metrics = m
	}
}

// WithPageSize sets the repository page size.
func WithPageSize(n int) IndexerOption {
	return func(ix *Indexer) {
		if n > 0 {
			ix.pageSize = n
		}
	}
}

// NewIndexer creates an indexer over repo.
func NewIndexer(repo repository.PaperRepository, emb embedder.Embedder, opts ...IndexerOption) *Indexer {
	ix := &Indexer{
		repo:     repo,
		embedder: emb,
		pageSize: DefaultPageSize,
		logger:   slog.Default().With("component", "indexer"),
	}
	for _, opt := range opts {
		opt(ix)
	}
	return ix
}

// Ingest cleans papers and stores them. Papers left with nothing to index are skipped.
func (ix *Indexer) Ingest(ctx context.Context, papers []*repository.Paper) (int, error) {
	cleaned := CleanPapers(papers)
	if len(cleaned) == 0 {
		return 0, nil
	}
	if err := ix.repo.Upsert(ctx, cleaned); err != nil {
		return 0, fmt.Errorf("storing papers: %w", err)
	}
	if ix.metrics != nil {
		for _, p := range cleaned {
			ix.metrics.PapersIngestedTotal.WithLabelValues(p.Source).Inc()
		}
	}
	return len(cleaned), nil
}

// Rebuild reads every stored paper, embeds those without a stored vector, and loads the
// result into the index. It returns the number of indexed papers.
func (ix *Indexer) Rebuild(ctx context.Context) (int, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	start := time.Now()
	papers, err := ix.loadPapers(ctx)
	if err != nil {
		return 0, err
	}
	papers = CleanPapers(papers)

	docs := make([]retrieval.Document, len(papers))
	for i, p := range papers {
		docs[i] = PaperDocument(p)
	}

	vectors, err := ix.embed(ctx, papers, docs)
	if err != nil {
		return 0, err
	}

	if ix.loader != nil {
		if err := ix.loader.LoadDocumentsWithVectors(ctx, docs, vectors); err != nil {
			return 0, err
		}
	}
	ix.logger.Info("index rebuilt", "papers", len(docs), "duration", time.Since(start))
	return len(docs), nil
}

// Reload rebuilds and then announces the rebuild to other instances.
func (ix *Indexer) Reload(ctx context.Context, reason string) (int, error) {
	n, err := ix.Rebuild(ctx)
	if err != nil {
		return 0, err
	}
	if ix.publisher != nil {
		ev := events.IndexEvent{Reason: reason, PaperCount: n, At: time.Now().UTC()}
		if err := ix.publisher.Publish(ctx, ev); err != nil {
			ix.logger.Warn("failed to publish index event", "error", err)
		}
	}
	return n, nil
}

func (ix *Indexer) loadPapers(ctx context.Context) ([]*repository.Paper, error) {
	var all []*repository.Paper
	for offset := 0; ; {
		page, total, err := ix.repo.List(ctx, ix.pageSize, offset)
		if err != nil {
			return nil, fmt.Errorf("listing papers at offset %d: %w", offset, err)
		}
		all = append(all, page...)
		offset += len(page)
		if len(page) == 0 || offset >= total {
			return all, nil
		}
	}
}

// embed returns one vector per document, reusing stored vectors of the current dimension.
func (ix *Indexer) embed(ctx context.Context, papers []*repository.Paper, docs []retrieval.Document) ([][]float32, error) {
	vectors := make([][]float32, len(docs))

	if ix.vectors != nil && len(docs) > 0 {
		ids := make([]string, len(docs))
		for i, d := range docs {
			ids[i] = d.ID
		}
		stored, err := ix.vectors.GetMany(ctx, ids)
		if err != nil {
			ix.logger.Warn("vector store lookup failed, embedding all papers", "error", err)
		}
		dim := ix.embedder.Dimension()
		for i, d := range docs {
			if v, ok := stored[d.ID]; ok && (dim == 0 || len(v) == dim) {
				vectors[i] = v
			}
		}
	}

	var missing []int
	for i, v := range vectors {
		if v == nil {
			missing = append(missing, i)
		}
	}
	if len(missing) == 0 {
		return vectors, nil
	}

	texts := make([]string, len(missing))
	for j, i := range missing {
		texts[j] = docs[i].Text
	}
	fresh, err := ix.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embedding papers: %w", err)
	}
	if len(fresh) != len(texts) {
		return nil, errors.New("embedder returned wrong number of vectors")
	}

	toStore := make([]vectorstore.PaperVector, len(missing))
	for j, i := range missing {
		vectors[i] = fresh[j]
		toStore[j] = vectorstore.PaperVector{
			PaperID: docs[i].ID,
			Vector:  fresh[j],
			Payload: map[string]string{"title": papers[i].Title, "source": papers[i].Source},
		}
	}
	ix.logger.Info("embedded papers", "count", len(missing), "reused", len(docs)-len(missing))

	if ix.vectors != nil {
		if err := ix.persist(ctx, toStore); err != nil {
			ix.logger.Warn("failed to persist vectors", "error", err)
		}
	}
	return vectors, nil
}

func (ix *Indexer) persist(ctx context.Context, vecs []vectorstore.PaperVector) error {
	if err := ix.vectors.EnsureCollection(ctx, len(vecs[0].Vector)); err != nil {
		return err
	}
	return ix.vectors.Upsert(ctx, vecs)
}

// PaperDocument maps a paper to an indexable document. Source, year and journal become
// filterable metadata.
func PaperDocument(p *repository.Paper) retrieval.Document {
	md := map[string]string{"source": p.Source}
	if p.Year > 0 {
		md["year"] = strconv.Itoa(p.Year)
	}
	if p.Journal != "" {
		md["journal"] = p.Journal
	}
	if p.Title != "" {
		md["title"] = p.Title
	}
	return retrieval.Document{ID: p.ID, Text: p.IndexText(), Metadata: md}
}
