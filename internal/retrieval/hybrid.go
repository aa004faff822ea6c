package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/knoguchi/medrag/internal/embedder"
	"golang.org/x/sync/errgroup"
)

// snapshot is one fully built, immutable index generation.
type snapshot struct {
	docs    []Document
	idToPos map[string]int
	sparse  *SparseIndex
	dense   *DenseIndex
	builtAt time.Time

	// generation increases by one per successful build, starting at 1.
	generation uint64
}

// Query describes a single retrieval request.
type Query struct {
	Text string
	K    int

	// Alpha is the dense weight. Nil means the retriever's default.
	Alpha *float64

	// Filters restricts results to documents whose metadata matches every pair.
	Filters map[string]string
}

// HybridRetriever fuses BM25 and dense similarity over one document collection.
//
// Builds are serialized; each build produces a new snapshot that replaces the previous one
// atomically, so concurrent queries see either the old or the new collection, never a mix.
type HybridRetriever struct {
	embedder embedder.Embedder
	alpha    float64
	logger   *slog.Logger

	buildMu     sync.Mutex
	current     atomic.Pointer[snapshot]
	generations uint64
}

// HybridOption is a functional option for configuring HybridRetriever.
type HybridOption func(*HybridRetriever)

// WithAlpha sets the default dense weight.
func WithAlpha(alpha float64) HybridOption {
	return func(h *HybridRetriever) {
		h.alpha = alpha
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) HybridOption {
	return func(h *HybridRetriever) {
		h.logger = logger
	}
}

// NewHybridRetriever creates a retriever that embeds documents and queries with emb.
func NewHybridRetriever(emb embedder.Embedder, opts ...HybridOption) (*HybridRetriever, error) {
	h := &HybridRetriever{
		embedder: emb,
		alpha:    DefaultAlpha,
		logger:   slog.Default().With("component", "hybrid-retriever"),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.alpha < 0 || h.alpha > 1 {
		return nil, fmt.Errorf("%w: got %v", ErrInvalidAlpha, h.alpha)
	}
	return h, nil
}

// Build embeds docs and replaces the current index.
func (h *HybridRetriever) Build(ctx context.Context, docs []Document) error {
	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.Text
	}

	vectors, err := h.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("embedding documents: %w", err)
	}
	return h.BuildWithVectors(docs, vectors)
}

// BuildWithVectors replaces the current index using precomputed document vectors.
// vectors[i] must be the embedding of docs[i].
func (h *HybridRetriever) BuildWithVectors(docs []Document, vectors [][]float32) error {
	if len(docs) != len(vectors) {
		return fmt.Errorf("%w: %d documents, %d vectors", ErrLengthMismatch, len(docs), len(vectors))
	}

	h.buildMu.Lock()
	defer h.buildMu.Unlock()

	start := time.Now()
	snap := &snapshot{
		docs:    make([]Document, len(docs)),
		idToPos: make(map[string]int, len(docs)),
		builtAt: start,
	}
	copy(snap.docs, docs)
	for i, d := range snap.docs {
		if _, dup := snap.idToPos[d.ID]; dup {
			return fmt.Errorf("%w: %q", ErrDuplicateID, d.ID)
		}
		snap.idToPos[d.ID] = i
	}

	dense, err := BuildDenseIndex(vectors)
	if err != nil {
		return err
	}
	snap.dense = dense
	snap.sparse = NewSparseIndex(snap.docs)

	h.generations++
	snap.generation = h.generations
	h.current.Store(snap)
	h.logger.Info("built hybrid index",
		"documents", len(snap.docs),
		"generation", snap.generation,
		"dimension", dense.Dimension(),
		"duration", time.Since(start),
	)
	return nil
}

// Built reports whether an index is available.
func (h *HybridRetriever) Built() bool {
	return h.current.Load() != nil
}

// BuiltAt returns when the current index was built, or the zero time.
func (h *HybridRetriever) BuiltAt() time.Time {
	snap := h.current.Load()
	if snap == nil {
		return time.Time{}
	}
	return snap.builtAt
}

// Generation identifies the current index build, or 0 before the first build. A value
// read before a Search is never newer than the snapshot that Search scores against.
func (h *HybridRetriever) Generation() uint64 {
	snap := h.current.Load()
	if snap == nil {
		return 0
	}
	return snap.generation
}

// Len returns the size of the current collection, or 0 before the first build.
func (h *HybridRetriever) Len() int {
	snap := h.current.Load()
	if snap == nil {
		return 0
	}
	return len(snap.docs)
}

// Embedding returns the stored vector for docID.
func (h *HybridRetriever) Embedding(docID string) ([]float32, error) {
	snap := h.current.Load()
	if snap == nil {
		return nil, ErrIndexNotBuilt
	}
	pos, ok := snap.idToPos[docID]
	if !ok {
		return nil, fmt.Errorf("document %q: %w", docID, ErrDocumentNotFound)
	}
	vec, _ := snap.dense.Vector(pos)
	return vec, nil
}

// Retrieve returns the top k documents for query using the default alpha.
func (h *HybridRetriever) Retrieve(ctx context.Context, query string, k int) ([]Candidate, error) {
	return h.Search(ctx, Query{Text: query, K: k})
}

// RetrieveWithAlpha is Retrieve with an explicit dense weight.
func (h *HybridRetriever) RetrieveWithAlpha(ctx context.Context, query string, k int, alpha float64) ([]Candidate, error) {
	return h.Search(ctx, Query{Text: query, K: k, Alpha: &alpha})
}

// Search scores the whole collection lexically and densely in parallel, fuses both score
// arrays and returns the top q.K candidates (min(q.K, matching documents)).
func (h *HybridRetriever) Search(ctx context.Context, q Query) ([]Candidate, error) {
	snap := h.current.Load()
	if snap == nil {
		return nil, ErrIndexNotBuilt
	}

	alpha := h.alpha
	if q.Alpha != nil {
		alpha = *q.Alpha
	}
	if alpha < 0 || alpha > 1 {
		return nil, fmt.Errorf("%w: got %v", ErrInvalidAlpha, alpha)
	}
	if len(snap.docs) == 0 || q.K <= 0 {
		return []Candidate{}, nil
	}

	var sparseScores, denseScores []float64
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sparseScores = snap.sparse.Scores(q.Text)
		return nil
	})
	g.Go(func() error {
		vec, err := h.embedder.Embed(gctx, q.Text)
		if err != nil {
			return fmt.Errorf("embedding query: %w", err)
		}
		denseScores, err = snap.dense.Similarities(vec)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	rows, err := Fuse(sparseScores, denseScores, alpha, 0)
	if err != nil {
		return nil, err
	}

	results := make([]Candidate, 0, min(q.K, len(rows)))
	for _, row := range rows {
		if len(results) == q.K {
			break
		}
		doc := snap.docs[row.Position]
		if !matches(doc.Metadata, q.Filters) {
			continue
		}
		results = append(results, Candidate{
			Document:      doc,
			Position:      row.Position,
			SparseScore:   row.Sparse,
			DenseScore:    row.Dense,
			CombinedScore: row.Combined,
			Score:         row.Combined,
		})
	}
	return results, nil
}

func matches(metadata, filters map[string]string) bool {
	for k, v := range filters {
		if metadata[k] != v {
			return false
		}
	}
	return true
}
