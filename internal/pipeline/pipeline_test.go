package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knoguchi/medrag/internal/cache"
	"github.com/knoguchi/medrag/internal/llm"
	"github.com/knoguchi/medrag/internal/metrics"
	"github.com/knoguchi/medrag/internal/reranker"
	"github.com/knoguchi/medrag/internal/retrieval"
	"github.com/knoguchi/medrag/internal/summarizer"
)

// hashEmbedder maps each token to one of 16 slots.
type hashEmbedder struct{}

func (hashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	v := make([]float32, 16)
	for _, tok := range strings.Fields(text) {
		h := 0
		for _, r := range tok {
			h = h*31 + int(r)
		}
		v[(h%16+16)%16]++
	}
	return v, nil
}

func (e hashEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i], _ = e.Embed(ctx, t)
	}
	return out, nil
}

func (hashEmbedder) Dimension() int    { return 16 }
func (hashEmbedder) ModelName() string { return "hash" }

// reverseReranker scores candidates in reverse input order and records calls.
type reverseReranker struct {
	mu    sync.Mutex
	calls int
	seen  []reranker.Candidate
	err   error
	bogus bool
}

func (r *reverseReranker) Rerank(_ context.Context, _ string, cands []reranker.Candidate, topK int) ([]reranker.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.seen = cands
	if r.err != nil {
		return nil, r.err
	}
	var out []reranker.Result
	for i := len(cands) - 1; i >= 0 && len(out) < topK; i-- {
		id := cands[i].ID
		if r.bogus {
			id = "not-a-candidate"
		}
		out = append(out, reranker.Result{ID: id, Index: i, Score: float64(i) / 10})
	}
	return out, nil
}

type stubSummarizer struct {
	text string
	opts summarizer.Options
	err  error
}

func (s *stubSummarizer) Summarize(_ context.Context, text string, opts summarizer.Options) (string, error) {
	s.text, s.opts = text, opts
	if s.err != nil {
		return "", s.err
	}
	return "summary of " + strings.Fields(text)[0], nil
}

var corpus = []string{
	"aspirin reduces stroke risk",
	"aspirin and clopidogrel after stroke",
	"statins lower cholesterol",
	"aspirin dosing in children",
	"metformin for diabetes",
	"stroke rehabilitation outcomes",
	"aspirin resistance",
	"blood pressure and stroke",
}

func newPipeline(t *testing.T, opts ...Option) *RAGPipeline {
	t.Helper()
	r, err := retrieval.NewHybridRetriever(hashEmbedder{})
	require.NoError(t, err)
	p := New(r, opts...)
	require.NoError(t, p.LoadTexts(context.Background(), corpus))
	return p
}

func ids(cands []retrieval.Candidate) []string {
	out := make([]string, len(cands))
	for i, c := range cands {
		out[i] = c.Document.ID
	}
	return out
}

func TestRetrieve_NotBuilt(t *testing.T) {
	r, err := retrieval.NewHybridRetriever(hashEmbedder{})
	require.NoError(t, err)
	p := New(r)

	assert.False(t, p.Ready())
	_, err = p.Retrieve(context.Background(), RetrieveRequest{Query: "aspirin"})
	require.ErrorIs(t, err, retrieval.ErrIndexNotBuilt)
}

func TestRetrieve_Validation(t *testing.T) {
	p := newPipeline(t)

	_, err := p.Retrieve(context.Background(), RetrieveRequest{Query: "  "})
	require.ErrorIs(t, err, ErrEmptyQuery)

	bad := -0.5
	_, err = p.Retrieve(context.Background(), RetrieveRequest{Query: "aspirin", Alpha: &bad})
	require.ErrorIs(t, err, retrieval.ErrInvalidAlpha)
}

func TestRetrieve_WithoutReranker(t *testing.T) {
	p := newPipeline(t)
	assert.True(t, p.Ready())
	assert.Equal(t, len(corpus), p.Len())

	results, err := p.Retrieve(context.Background(), RetrieveRequest{Query: "aspirin stroke", Limit: 3, UseReranker: true})
	require.NoError(t, err)
	require.Len(t, results, 3)
	for i, r := range results {
		assert.Nil(t, r.RerankScore)
		assert.Equal(t, r.CombinedScore, r.Score)
		if i > 0 {
			assert.GreaterOrEqual(t, results[i-1].Score, r.Score)
		}
	}
}

func TestRetrieve_LimitDefaultsAndClamp(t *testing.T) {
	p := newPipeline(t, WithLimits(2, 5))

	results, err := p.Retrieve(context.Background(), RetrieveRequest{Query: "aspirin"})
	require.NoError(t, err)
	assert.Len(t, results, 2)

	results, err = p.Retrieve(context.Background(), RetrieveRequest{Query: "aspirin", Limit: 50})
	require.NoError(t, err)
	assert.Len(t, results, 5)
}

func TestRetrieve_RerankJoinsByID(t *testing.T) {
	rr := &reverseReranker{}
	p := newPipeline(t, WithReranker(rr))

	fused, err := p.Retrieve(context.Background(), RetrieveRequest{Query: "aspirin stroke", Limit: 6})
	require.NoError(t, err)
	require.Len(t, fused, 6)

	results, err := p.Retrieve(context.Background(), RetrieveRequest{Query: "aspirin stroke", Limit: 2, UseReranker: true})
	require.NoError(t, err)
	require.Len(t, results, 2)

	// 3×limit fused candidates went to the reranker, in fused order
	require.Len(t, rr.seen, 6)
	for i, c := range rr.seen {
		assert.Equal(t, fused[i].Document.ID, c.ID)
		assert.Equal(t, fused[i].Document.Text, c.Text)
	}

	// the reranker reversed them; records keep their own text and fused scores
	assert.Equal(t, []string{fused[5].Document.ID, fused[4].Document.ID}, ids(results))
	for _, r := range results {
		require.NotNil(t, r.RerankScore)
		assert.Equal(t, *r.RerankScore, r.Score)
		assert.Equal(t, corpus[mustAtoi(t, r.Document.ID)], r.Document.Text)
	}
	assert.Equal(t, fused[5].CombinedScore, results[0].CombinedScore)
	assert.Equal(t, 0.5, results[0].Score)
}

func TestRetrieve_NoRerankWhenFewCandidates(t *testing.T) {
	rr := &reverseReranker{}
	p := newPipeline(t, WithReranker(rr))

	// 8 documents, limit 8: candidates never exceed limit
	results, err := p.Retrieve(context.Background(), RetrieveRequest{Query: "aspirin", Limit: 8, UseReranker: true})
	require.NoError(t, err)
	assert.Len(t, results, 8)
	assert.Zero(t, rr.calls)
}

func TestRetrieve_RerankerFailureKeepsFusedOrder(t *testing.T) {
	m := metrics.New()
	for name, rr := range map[string]*reverseReranker{
		"error":   {err: errors.New("rerank server down")},
		"bad ids": {bogus: true},
	} {
		t.Run(name, func(t *testing.T) {
			p := newPipeline(t, WithReranker(rr), WithMetrics(m))

			want, err := p.Retrieve(context.Background(), RetrieveRequest{Query: "stroke", Limit: 2})
			require.NoError(t, err)

			got, err := p.Retrieve(context.Background(), RetrieveRequest{Query: "stroke", Limit: 2, UseReranker: true})
			require.NoError(t, err)
			assert.Equal(t, ids(want), ids(got))
			for _, c := range got {
				assert.Nil(t, c.RerankScore)
			}
		})
	}
	assert.Equal(t, 2.0, testutil.ToFloat64(m.RerankFallbacksTotal))
}

// proseLLM answers every prompt with text that holds no scores.
type proseLLM struct{}

func (proseLLM) Generate(context.Context, string, llm.GenerateOptions) (string, error) {
	return "Document 3 looks most relevant to me.", nil
}

func TestRetrieve_UnparseableLLMRerankFallsBack(t *testing.T) {
	m := metrics.New()
	p := newPipeline(t, WithReranker(reranker.NewLLMReranker(proseLLM{})), WithMetrics(m))

	want, err := p.Retrieve(context.Background(), RetrieveRequest{Query: "stroke", Limit: 2})
	require.NoError(t, err)

	got, err := p.Retrieve(context.Background(), RetrieveRequest{Query: "stroke", Limit: 2, UseReranker: true})
	require.NoError(t, err)
	assert.Equal(t, ids(want), ids(got))
	for _, c := range got {
		assert.Nil(t, c.RerankScore)
		assert.Equal(t, c.CombinedScore, c.Score)
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RerankFallbacksTotal))
	assert.Zero(t, testutil.ToFloat64(m.RetrievalsTotal.WithLabelValues("reranked")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.RetrievalsTotal.WithLabelValues("ok")))
}

func TestRetrieve_Filters(t *testing.T) {
	r, err := retrieval.NewHybridRetriever(hashEmbedder{})
	require.NoError(t, err)
	p := New(r)
	require.NoError(t, p.LoadDocuments(context.Background(), []retrieval.Document{
		{ID: "pmid:1", Text: "aspirin stroke", Metadata: map[string]string{"year": "2020"}},
		{ID: "pmid:2", Text: "aspirin stroke prevention", Metadata: map[string]string{"year": "2021"}},
	}))

	results, err := p.Retrieve(context.Background(), RetrieveRequest{
		Query:   "aspirin",
		Filters: map[string]string{"year": "2021"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"pmid:2"}, ids(results))
}

func TestRetrieve_CachedAndInvalidatedOnReload(t *testing.T) {
	store := &memStore{data: map[string][]byte{}}
	m := metrics.New()
	qc := cache.New(store, time.Minute, cache.WithCounters(m.CacheHitsTotal, m.CacheMissesTotal))
	p := newPipeline(t, WithCache(qc), WithMetrics(m))

	req := RetrieveRequest{Query: "aspirin", Limit: 2}
	first, err := p.Retrieve(context.Background(), req)
	require.NoError(t, err)
	second, err := p.Retrieve(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, ids(first), ids(second))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheHitsTotal))
	assert.Len(t, store.data, 1)

	require.NoError(t, p.LoadTexts(context.Background(), []string{"only aspirin"}))
	assert.Empty(t, store.data)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.IndexedDocuments))

	third, err := p.Retrieve(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, []string{"0"}, ids(third))
}

// gatedEmbedder holds the first query embedding after arm until release is closed.
type gatedEmbedder struct {
	hashEmbedder

	mu      sync.Mutex
	armed   bool
	entered chan struct{}
	release chan struct{}
}

func (g *gatedEmbedder) arm() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.armed = true
	g.entered = make(chan struct{})
	g.release = make(chan struct{})
}

func (g *gatedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	g.mu.Lock()
	if g.armed {
		g.armed = false
		entered, release := g.entered, g.release
		g.mu.Unlock()
		close(entered)
		<-release
	} else {
		g.mu.Unlock()
	}
	return g.hashEmbedder.Embed(ctx, text)
}

func TestRetrieve_CacheIgnoresResultsOfReplacedIndex(t *testing.T) {
	emb := &gatedEmbedder{}
	r, err := retrieval.NewHybridRetriever(emb)
	require.NoError(t, err)
	store := &memStore{data: map[string][]byte{}}
	p := New(r, WithCache(cache.New(store, time.Minute)))
	require.NoError(t, p.LoadTexts(context.Background(), corpus))

	req := RetrieveRequest{Query: "aspirin", Limit: 2}
	emb.arm()
	done := make(chan error, 1)
	go func() {
		_, err := p.Retrieve(context.Background(), req)
		done <- err
	}()

	<-emb.entered
	require.NoError(t, p.LoadTexts(context.Background(), []string{"only aspirin"}))
	close(emb.release)
	require.NoError(t, <-done)

	got, err := p.Retrieve(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, []string{"0"}, ids(got))
}

func TestGenerateAnswer(t *testing.T) {
	sum := &stubSummarizer{}
	p := newPipeline(t, WithSummarizer(sum))

	ans, err := p.GenerateAnswer(context.Background(), "aspirin stroke", "", true)
	require.NoError(t, err)
	require.Len(t, ans.Sources, answerSources)
	assert.Equal(t, answerMaxLength, sum.opts.MaxLength)

	texts := make([]string, len(ans.Sources))
	for i, s := range ans.Sources {
		texts[i] = s.Document.Text
	}
	assert.Equal(t, strings.Join(texts, "\n"), ans.Context)
	assert.Equal(t, ans.Context, sum.text)
	assert.True(t, strings.HasPrefix(ans.Answer, "summary of "))
}

func TestGenerateAnswer_GivenContext(t *testing.T) {
	sum := &stubSummarizer{}
	p := newPipeline(t, WithSummarizer(sum))

	ans, err := p.GenerateAnswer(context.Background(), "q", "metformin lowers glucose", false)
	require.NoError(t, err)
	assert.Equal(t, "summary of metformin", ans.Answer)
	assert.Empty(t, ans.Sources)

	ans, err = p.GenerateAnswer(context.Background(), "q", "  ", false)
	require.NoError(t, err)
	assert.Equal(t, NoContextAnswer, ans.Answer)
}

func TestGenerateAnswer_Errors(t *testing.T) {
	_, err := newPipeline(t).GenerateAnswer(context.Background(), "q", "text", false)
	require.ErrorIs(t, err, ErrNoSummarizer)

	p := newPipeline(t, WithSummarizer(&stubSummarizer{err: errors.New("llm down")}))
	_, err = p.GenerateAnswer(context.Background(), "q", "text", false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "llm down")
}

func TestEmbedding(t *testing.T) {
	p := newPipeline(t)

	v, err := p.Embedding("2")
	require.NoError(t, err)
	assert.Len(t, v, 16)

	_, err = p.Embedding("missing")
	require.ErrorIs(t, err, retrieval.ErrDocumentNotFound)
}

func TestLoadDocumentsWithVectors(t *testing.T) {
	r, err := retrieval.NewHybridRetriever(hashEmbedder{})
	require.NoError(t, err)
	m := metrics.New()
	p := New(r, WithMetrics(m))

	docs := []retrieval.Document{{ID: "a", Text: "aspirin"}, {ID: "b", Text: "statins"}}
	vecs := make([][]float32, len(docs))
	for i, d := range docs {
		vecs[i], _ = hashEmbedder{}.Embed(context.Background(), d.Text)
	}
	require.NoError(t, p.LoadDocumentsWithVectors(context.Background(), docs, vecs))
	assert.Equal(t, 2, p.Len())
	assert.Equal(t, float64(2), testutil.ToFloat64(m.IndexedDocuments))

	err = p.LoadDocumentsWithVectors(context.Background(), docs, vecs[:1])
	require.ErrorIs(t, err, retrieval.ErrLengthMismatch)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.IndexBuildsTotal.WithLabelValues("error")))
	assert.Equal(t, 2, p.Len(), "failed build keeps the previous index")
}

type memStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (m *memStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return nil, cache.ErrMiss
	}
	return v, nil
}

func (m *memStore) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *memStore) DeletePrefix(_ context.Context, prefix string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			delete(m.data, k)
			n++
		}
	}
	return n, nil
}

func mustAtoi(t *testing.T, s string) int {
	t.Helper()
	n := 0
	for _, r := range s {
		require.True(t, r >= '0' && r <= '9', "id %q", s)
		n = n*10 + int(r-'0')
	}
	return n
}
