// Package pipeline sequences hybrid retrieval, reranking and answer generation.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/knoguchi/medrag/internal/cache"
	"github.com/knoguchi/medrag/internal/metrics"
	"github.com/knoguchi/medrag/internal/reranker"
	"github.com/knoguchi/medrag/internal/retrieval"
	"github.com/knoguchi/medrag/internal/summarizer"
)

// Limits and defaults.
const (
	DefaultLimit = 10
	MaxLimit     = 100

	// candidateFactor is how many fused candidates are fetched per requested result
	// when reranking.
	candidateFactor = 3

	answerSources   = 3
	answerMaxLength = 200

	// NoContextAnswer is returned when there is nothing to answer from.
	NoContextAnswer = "No relevant context found."
)

var (
	// ErrEmptyQuery is returned for blank queries.
	ErrEmptyQuery = errors.New("query is required")

	// ErrNoSummarizer is returned by GenerateAnswer when no summarizer is configured.
	ErrNoSummarizer = errors.New("no summarizer configured")
)

// RetrieveRequest is one retrieval call.
type RetrieveRequest struct {
	Query string
	Limit int

	// UseReranker enables second-stage scoring when a reranker is configured.
	UseReranker bool

	// Alpha overrides the dense weight. Nil means the retriever's default.
	Alpha *float64

	Filters map[string]string
}

// Answer is the output of GenerateAnswer.
type Answer struct {
	Answer  string                `json:"answer"`
	Context string                `json:"context"`
	Sources []retrieval.Candidate `json:"sources"`
}

// RAGPipeline runs retrieve, rerank and summarize over one hybrid index.
type RAGPipeline struct {
	retriever    *retrieval.HybridRetriever
	reranker     reranker.Reranker
	summarizer   summarizer.Summarizer
	cache        *cache.QueryCache
	metrics      *metrics.Metrics
	logger       *slog.Logger
	defaultLimit int
	maxLimit     int
	defaultAlpha float64
}

// Option is a functional option for configuring RAGPipeline.
type Option func(*RAGPipeline)

// WithReranker sets the second-stage reranker.
func WithReranker(r reranker.Reranker) Option {
	return func(p *RAGPipeline) {
		p.reranker = r
	}
}

// WithSummarizer sets the summarizer used by GenerateAnswer.
func WithSummarizer(s summarizer.Summarizer) Option {
	return func(p *RAGPipeline) {
		p.summarizer = s
	}
}

// WithCache puts a result cache in front of Retrieve.
func WithCache(c *cache.QueryCache) Option {
	return func(p *RAGPipeline) {
		p.cache = c
	}
}

// WithMetrics records retrieval and index metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *RAGPipeline) {
		p.metrics = m
	}
}

// WithLimits sets the default and maximum result counts.
func WithLimits(defaultLimit, maxLimit int) Option {
	return func(p *RAGPipeline) {
		if defaultLimit > 0 {
			p.defaultLimit = defaultLimit
		}
		if maxLimit > 0 {
			p.maxLimit = maxLimit
		}
	}
}

// WithDefaultAlpha records the retriever's default dense weight, used in cache keys.
func WithDefaultAlpha(alpha float64) Option {
	return func(p *RAGPipeline) {
		p.defaultAlpha = alpha
	}
}

// New creates a pipeline over retriever.
func New(retriever *retrieval.HybridRetriever, opts ...Option) *RAGPipeline {
	p := &RAGPipeline{
		retriever:    retriever,
		logger:       slog.Default().With("component", "rag-pipeline"),
		defaultLimit: DefaultLimit,
		maxLimit:     MaxLimit,
		defaultAlpha: retrieval.DefaultAlpha,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// LoadDocuments rebuilds the index from docs and drops cached results.
func (p *RAGPipeline) LoadDocuments(ctx context.Context, docs []retrieval.Document) error {
	return p.load(ctx, len(docs), func() error {
		return p.retriever.Build(ctx, docs)
	})
}

// LoadDocumentsWithVectors rebuilds the index from docs and their precomputed embeddings.
func (p *RAGPipeline) LoadDocumentsWithVectors(ctx context.Context, docs []retrieval.Document, vectors [][]float32) error {
	return p.load(ctx, len(docs), func() error {
		return p.retriever.BuildWithVectors(docs, vectors)
	})
}

func (p *RAGPipeline) load(ctx context.Context, n int, build func() error) error {
	start := time.Now()
	err := build()
	if p.metrics != nil {
		status := "ok"
		if err != nil {
			status = "error"
		}
		p.metrics.IndexBuildsTotal.WithLabelValues(status).Inc()
		p.metrics.IndexBuildDuration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		return fmt.Errorf("building index: %w", err)
	}
	if p.metrics != nil {
		p.metrics.IndexedDocuments.Set(float64(n))
	}

	if p.cache != nil {
		if err := p.cache.Invalidate(ctx); err != nil {
			p.logger.Warn("cache invalidation failed", "error", err)
		}
	}
	p.logger.Info("documents loaded", "count", n, "duration", time.Since(start))
	return nil
}

// LoadTexts indexes plain texts, identified by their ordinal position.
func (p *RAGPipeline) LoadTexts(ctx context.Context, texts []string) error {
	docs := make([]retrieval.Document, len(texts))
	for i, t := range texts {
		docs[i] = retrieval.Document{ID: strconv.Itoa(i), Text: t}
	}
	return p.LoadDocuments(ctx, docs)
}

// Ready reports whether an index has been built.
func (p *RAGPipeline) Ready() bool {
	return p.retriever.Built()
}

// Len returns the number of indexed documents.
func (p *RAGPipeline) Len() int {
	return p.retriever.Len()
}

// Embedding returns the indexed vector of a document.
func (p *RAGPipeline) Embedding(docID string) ([]float32, error) {
	return p.retriever.Embedding(docID)
}

// Retrieve returns up to req.Limit candidates for req.Query.
//
// With reranking, 3×limit fused candidates are fetched; when more candidates than
// limit come back they are rescored, joined back by document ID, and Score is
// replaced with the rerank score. A failing reranker leaves the fused order intact.
func (p *RAGPipeline) Retrieve(ctx context.Context, req RetrieveRequest) ([]retrieval.Candidate, error) {
	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		return nil, ErrEmptyQuery
	}
	if req.Limit <= 0 {
		req.Limit = p.defaultLimit
	}
	if req.Limit > p.maxLimit {
		req.Limit = p.maxLimit
	}
	alpha := p.defaultAlpha
	if req.Alpha != nil {
		alpha = *req.Alpha
	}
	if alpha < 0 || alpha > 1 {
		return nil, fmt.Errorf("%w: got %v", retrieval.ErrInvalidAlpha, alpha)
	}
	req.Alpha = &alpha
	if !p.retriever.Built() {
		return nil, retrieval.ErrIndexNotBuilt
	}

	if p.cache == nil {
		return p.retrieve(ctx, req)
	}
	// The generation is read before the search loads its snapshot, so results from a build
	// replaced mid-query are stored under a key no later request uses.
	key := cache.Key{
		Generation:  p.retriever.Generation(),
		Query:       req.Query,
		Limit:       req.Limit,
		UseReranker: req.UseReranker && p.reranker != nil,
		Alpha:       alpha,
		Filters:     req.Filters,
	}
	results, _, err := p.cache.GetOrCompute(ctx, key, func() ([]retrieval.Candidate, error) {
		return p.retrieve(ctx, req)
	})
	return results, err
}

func (p *RAGPipeline) retrieve(ctx context.Context, req RetrieveRequest) ([]retrieval.Candidate, error) {
	rerank := req.UseReranker && p.reranker != nil
	fetch := req.Limit
	if rerank {
		fetch = req.Limit * candidateFactor
	}

	start := time.Now()
	candidates, err := p.retriever.Search(ctx, retrieval.Query{
		Text:    req.Query,
		K:       fetch,
		Alpha:   req.Alpha,
		Filters: req.Filters,
	})
	p.observeStage("fusion", start)
	if err != nil {
		p.countOutcome("error")
		return nil, err
	}

	outcome := "ok"
	if rerank && len(candidates) > req.Limit {
		reranked, err := p.rerank(ctx, req.Query, candidates, req.Limit)
		if err != nil {
			p.logger.Warn("reranking failed, keeping fused order", "error", err)
			if p.metrics != nil {
				p.metrics.RerankFallbacksTotal.Inc()
			}
		} else {
			candidates = reranked
			outcome = "reranked"
		}
	}

	if len(candidates) > req.Limit {
		candidates = candidates[:req.Limit]
	}
	p.countOutcome(outcome)
	if p.metrics != nil {
		p.metrics.RetrievalResults.Observe(float64(len(candidates)))
	}
	return candidates, nil
}

// rerank rescores candidates and returns them in reranker order, joined by ID.
func (p *RAGPipeline) rerank(ctx context.Context, query string, candidates []retrieval.Candidate, limit int) ([]retrieval.Candidate, error) {
	start := time.Now()
	defer p.observeStage("rerank", start)

	input := make([]reranker.Candidate, len(candidates))
	byID := make(map[string]retrieval.Candidate, len(candidates))
	for i, c := range candidates {
		input[i] = reranker.Candidate{ID: c.Document.ID, Text: c.Document.Text}
		byID[c.Document.ID] = c
	}

	results, err := p.reranker.Rerank(ctx, query, input, limit)
	if err != nil {
		return nil, err
	}

	out := make([]retrieval.Candidate, 0, len(results))
	for _, r := range results {
		c, ok := byID[r.ID]
		if !ok {
			return nil, fmt.Errorf("%w: unknown candidate %q", reranker.ErrInvalidResponse, r.ID)
		}
		score := r.Score
		c.RerankScore = &score
		c.Score = score
		out = append(out, c)
	}
	return out, nil
}

// GenerateAnswer summarizes the top documents for query. When retrieveFirst is false,
// contextText is summarized as given.
func (p *RAGPipeline) GenerateAnswer(ctx context.Context, query, contextText string, retrieveFirst bool) (*Answer, error) {
	if p.summarizer == nil {
		return nil, ErrNoSummarizer
	}

	sources := []retrieval.Candidate{}
	if retrieveFirst {
		results, err := p.Retrieve(ctx, RetrieveRequest{Query: query, Limit: answerSources, UseReranker: true})
		if err != nil {
			return nil, err
		}
		sources = results
		texts := make([]string, len(results))
		for i, r := range results {
			texts[i] = r.Document.Text
		}
		contextText = strings.Join(texts, "\n")
	}

	if strings.TrimSpace(contextText) == "" {
		return &Answer{Answer: NoContextAnswer, Context: "", Sources: sources}, nil
	}

	summary, err := p.summarizer.Summarize(ctx, contextText, summarizer.Options{MaxLength: answerMaxLength})
	if err != nil {
		return nil, fmt.Errorf("summarizing context: %w", err)
	}
	return &Answer{Answer: summary, Context: contextText, Sources: sources}, nil
}

func (p *RAGPipeline) observeStage(stage string, start time.Time) {
	if p.metrics != nil {
		p.metrics.RetrievalLatency.WithLabelValues(stage).Observe(time.Since(start).Seconds())
	}
}

func (p *RAGPipeline) countOutcome(outcome string) {
	if p.metrics != nil {
		p.metrics.RetrievalsTotal.WithLabelValues(outcome).Inc()
	}
}
