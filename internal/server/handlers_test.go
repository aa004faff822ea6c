package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knoguchi/medrag/internal/auth"
	"github.com/knoguchi/medrag/internal/cache"
	"github.com/knoguchi/medrag/internal/evidence"
	"github.com/knoguchi/medrag/internal/llm"
	"github.com/knoguchi/medrag/internal/metrics"
	"github.com/knoguchi/medrag/internal/pipeline"
	"github.com/knoguchi/medrag/internal/repository"
	"github.com/knoguchi/medrag/internal/retrieval"
	"github.com/knoguchi/medrag/internal/summarizer"
	"github.com/knoguchi/medrag/internal/vectorstore"
)

// wordEmbedder counts a fixed vocabulary.
type wordEmbedder struct{}

var vocab = []string{"aspirin", "stroke", "statins", "cholesterol", "metformin", "diabetes"}

func (wordEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	v := make([]float32, len(vocab))
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		for i, w := range vocab {
			if tok == w {
				v[i]++
			}
		}
	}
	return v, nil
}

func (e wordEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i], _ = e.Embed(ctx, t)
	}
	return out, nil
}

func (wordEmbedder) Dimension() int    { return len(vocab) }
func (wordEmbedder) ModelName() string { return "words" }

// cannedLLM returns a fixed response.
type cannedLLM struct{ response string }

func (c cannedLLM) Generate(context.Context, string, llm.GenerateOptions) (string, error) {
	return c.response, nil
}

type firstWords struct{}

func (firstWords) Summarize(_ context.Context, text string, _ summarizer.Options) (string, error) {
	f := strings.Fields(text)
	if len(f) == 0 {
		return "", summarizer.ErrEmptyText
	}
	return strings.Join(f[:min(3, len(f))], " "), nil
}

type stubPapers struct {
	repository.PaperRepository
	papers map[string]*repository.Paper
}

func (s stubPapers) GetByID(_ context.Context, id string) (*repository.Paper, error) {
	p, ok := s.papers[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return p, nil
}

type stubVectors struct {
	vectorstore.VectorStore
	vecs map[string][]float32
}

func (s stubVectors) Get(_ context.Context, id string) ([]float32, error) {
	v, ok := s.vecs[id]
	if !ok {
		return nil, vectorstore.ErrNotFound
	}
	return v, nil
}

// mapStore is an in-memory cache.Store.
type mapStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (m *mapStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return nil, cache.ErrMiss
	}
	return v, nil
}

func (m *mapStore) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *mapStore) DeletePrefix(_ context.Context, prefix string) (int64, error) {
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

type countingReloader struct{ calls []string }

func (c *countingReloader) Reload(_ context.Context, reason string) (int, error) {
	c.calls = append(c.calls, reason)
	return 3, nil
}

var docs = []retrieval.Document{
	{ID: "pubmed:1", Text: "aspirin reduces stroke risk", Metadata: map[string]string{"year": "2019"}},
	{ID: "pubmed:2", Text: "statins lower cholesterol", Metadata: map[string]string{"year": "2020"}},
	{ID: "pubmed:3", Text: "metformin for diabetes", Metadata: map[string]string{"year": "2019"}},
}

type fixture struct {
	router   http.Handler
	pipeline *pipeline.RAGPipeline
	reloader *countingReloader
	metrics  *metrics.Metrics
	papers   map[string]*repository.Paper
}

func newFixture(t *testing.T, build bool, authn *auth.Authenticator) *fixture {
	t.Helper()
	r, err := retrieval.NewHybridRetriever(wordEmbedder{})
	require.NoError(t, err)
	p := pipeline.New(r, pipeline.WithSummarizer(firstWords{}))
	if build {
		require.NoError(t, p.LoadDocuments(context.Background(), docs))
	}

	reloader := &countingReloader{}
	papers := map[string]*repository.Paper{
		"pubmed:9": {ID: "pubmed:9", Abstract: "Stored abstract text here."},
	}
	m := metrics.New()
	h := NewHandler(Services{
		Pipeline:     p,
		Summarizers:  summarizer.NewRegistry(summarizer.NewExtractive(1), firstWords{}),
		Verifier:     evidence.NewVerifier(cannedLLM{`{"label": "Entailment", "confidence": 0.9}`}, ""),
		Classifier:   evidence.NewClassifier(cannedLLM{`{"scores": {"RCT": 3, "Cohort": 1}}`}, ""),
		Papers:       stubPapers{papers: papers},
		Vectors:      stubVectors{vecs: map[string][]float32{"pubmed:9": {0.5, 0.25}}},
		Indexer:      reloader,
		SummaryCache: cache.NewSummaryCache(&mapStore{data: map[string][]byte{}}, 0),
	})
	router := NewRouter(HTTPServerConfig{Auth: authn, Metrics: m}, h)
	return &fixture{router: router, pipeline: p, reloader: reloader, metrics: m, papers: papers}
}

func (f *fixture) do(t *testing.T, method, path, body string, headers ...string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	var out map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func TestRetrieve(t *testing.T) {
	f := newFixture(t, true, nil)

	rec, out := f.do(t, http.MethodPost, "/api/retrieve", `{"query": "aspirin stroke", "limit": 2}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	papers := out["papers"].([]any)
	scores := out["scores"].([]any)
	require.Len(t, papers, 2)
	require.Len(t, scores, 2)
	assert.Equal(t, "pubmed:1", papers[0].(map[string]any)["id"])
	assert.GreaterOrEqual(t, scores[0].(float64), scores[1].(float64))
}

func TestRetrieve_Filters(t *testing.T) {
	f := newFixture(t, true, nil)

	_, out := f.do(t, http.MethodPost, "/api/retrieve", `{"query": "aspirin", "filters": {"year": "2020"}}`)
	papers := out["papers"].([]any)
	require.Len(t, papers, 1)
	assert.Equal(t, "pubmed:2", papers[0].(map[string]any)["id"])
}

func TestRetrieve_Errors(t *testing.T) {
	tests := []struct {
		name   string
		build  bool
		body   string
		status int
	}{
		{"not built", false, `{"query": "aspirin"}`, http.StatusServiceUnavailable},
		{"empty query", true, `{"query": "  "}`, http.StatusBadRequest},
		{"bad alpha", true, `{"query": "aspirin", "alpha": 2}`, http.StatusBadRequest},
		{"bad json", true, `{"query":`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.build, nil)
			rec, out := f.do(t, http.MethodPost, "/api/retrieve", tt.body)
			assert.Equal(t, tt.status, rec.Code)
			assert.NotEmpty(t, out["error"])
		})
	}
}

func TestSummarize(t *testing.T) {
	f := newFixture(t, true, nil)

	rec, out := f.do(t, http.MethodPost, "/api/summarize", `{"content": "one two three four", "method": ""}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "one two three", out["summary"])
	assert.Equal(t, "abstractive", out["method"])

	rec, out = f.do(t, http.MethodPost, "/api/summarize", `{"content": "First sentence here. Second one.", "method": "extractive"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "extractive", out["method"])
	assert.NotEmpty(t, out["summary"])

	rec, out = f.do(t, http.MethodPost, "/api/summarize", `{"paperId": "pubmed:9"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Stored abstract text", out["summary"])

	rec, _ = f.do(t, http.MethodPost, "/api/summarize", `{"paperId": "pubmed:404"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = f.do(t, http.MethodPost, "/api/summarize", `{"content": "x", "method": "poetry"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = f.do(t, http.MethodPost, "/api/summarize", `{"content": ""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSummarize_StoredPaperIsCachedUntilReload(t *testing.T) {
	f := newFixture(t, true, nil)

	rec, out := f.do(t, http.MethodPost, "/api/summarize", `{"paperId": "pubmed:9"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Stored abstract text", out["summary"])

	f.papers["pubmed:9"] = &repository.Paper{ID: "pubmed:9", Abstract: "Revised abstract wording."}

	_, out = f.do(t, http.MethodPost, "/api/summarize", `{"paperId": "pubmed:9"}`)
	assert.Equal(t, "Stored abstract text", out["summary"], "served from cache")

	_, out = f.do(t, http.MethodPost, "/api/summarize", `{"paperId": "pubmed:9", "method": "extractive"}`)
	assert.Equal(t, "Revised abstract wording.", out["summary"], "cached per method")

	_, out = f.do(t, http.MethodPost, "/api/summarize", `{"paperId": "pubmed:9", "content": "explicit content wins"}`)
	assert.Equal(t, "explicit content wins", out["summary"])

	rec, _ = f.do(t, http.MethodPost, "/api/index/reload", "")
	require.Equal(t, http.StatusOK, rec.Code)

	_, out = f.do(t, http.MethodPost, "/api/summarize", `{"paperId": "pubmed:9"}`)
	assert.Equal(t, "Revised abstract wording", out["summary"])
}

func TestVerify(t *testing.T) {
	f := newFixture(t, true, nil)

	rec, out := f.do(t, http.MethodPost, "/api/verify", `{"claim": "aspirin helps", "context": "aspirin reduced events"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "entailment", out["entailment"])
	assert.Equal(t, 0.9, out["confidence"])

	rec, _ = f.do(t, http.MethodPost, "/api/verify", `{"claim": "", "context": "x"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestClassify(t *testing.T) {
	f := newFixture(t, true, nil)

	rec, out := f.do(t, http.MethodPost, "/api/classify", `{"text": "randomized trial", "task": "study_type"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "RCT", out["label"])
	assert.Equal(t, 0.75, out["confidence"])
	assert.Len(t, out["all_scores"], 6)

	rec, out = f.do(t, http.MethodPost, "/api/classify", `{"text": "x", "task": "sentiment"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, out["error"], "study_type")
}

func TestAnswer(t *testing.T) {
	f := newFixture(t, true, nil)

	rec, out := f.do(t, http.MethodPost, "/api/answer", `{"query": "aspirin stroke", "retrieve_first": true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "aspirin reduces stroke", out["answer"])
	assert.Len(t, out["sources"], 3)

	rec, out = f.do(t, http.MethodPost, "/api/answer", `{"query": "aspirin stroke"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "aspirin reduces stroke", out["answer"], "retrieves by default")
	assert.Len(t, out["sources"], 3)

	rec, out = f.do(t, http.MethodPost, "/api/answer", `{"query": "q", "context": "", "retrieve_first": false}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, pipeline.NoContextAnswer, out["answer"])
	assert.Equal(t, []any{}, out["sources"])
}

func TestEmbedding(t *testing.T) {
	f := newFixture(t, true, nil)

	rec, out := f.do(t, http.MethodGet, "/api/embeddings/pubmed:1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, out["embedding"], len(vocab))

	rec, out = f.do(t, http.MethodGet, "/api/embeddings/pubmed:9", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []any{0.5, 0.25}, out["embedding"])

	rec, _ = f.do(t, http.MethodGet, "/api/embeddings/pubmed:404", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthAndReadiness(t *testing.T) {
	f := newFixture(t, false, nil)

	rec, out := f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", out["status"])

	rec, _ = f.do(t, http.MethodGet, "/", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = f.do(t, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	require.NoError(t, f.pipeline.LoadDocuments(context.Background(), docs))
	rec, out = f.do(t, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(3), out["documents"])
}

func TestAuthAndReload(t *testing.T) {
	f := newFixture(t, true, auth.NewAuthenticator([]string{"user-key"}, "admin-key", nil))

	rec, _ := f.do(t, http.MethodPost, "/api/retrieve", `{"query": "aspirin"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = f.do(t, http.MethodPost, "/api/retrieve", `{"query": "aspirin"}`, auth.APIKeyHeader, "user-key")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = f.do(t, http.MethodPost, "/api/index/reload", "", auth.APIKeyHeader, "user-key")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, f.reloader.calls)

	rec, out := f.do(t, http.MethodPost, "/api/index/reload", "", auth.APIKeyHeader, "admin-key")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(3), out["documents"])
	assert.Equal(t, []string{"reload"}, f.reloader.calls)

	rec, _ = f.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code, "health is public")
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, true, nil)
	f.do(t, http.MethodPost, "/api/retrieve", `{"query": "aspirin"}`)

	assert.Equal(t, float64(1), testutil.ToFloat64(
		f.metrics.HTTPRequestsTotal.WithLabelValues(http.MethodPost, "/api/retrieve", "200")))

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t, true, nil)

	req := httptest.NewRequest(http.MethodOptions, "/api/retrieve", nil)
	req.Header.Set("Origin", "http://example.org")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
