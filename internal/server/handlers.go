package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/knoguchi/medrag/internal/cache"
	"github.com/knoguchi/medrag/internal/events"
	"github.com/knoguchi/medrag/internal/evidence"
	"github.com/knoguchi/medrag/internal/pipeline"
	"github.com/knoguchi/medrag/internal/repository"
	"github.com/knoguchi/medrag/internal/retrieval"
	"github.com/knoguchi/medrag/internal/summarizer"
	"github.com/knoguchi/medrag/internal/vectorstore"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

var errBadRequest = errors.New("bad request")

// Reloader rebuilds the index from the paper store.
type Reloader interface {
	Reload(ctx context.Context, reason string) (int, error)
}

// Services holds the components behind the API. Only Pipeline is required.
type Services struct {
	Pipeline    *pipeline.RAGPipeline
	Summarizers *summarizer.Registry
	Verifier    *evidence.Verifier
	Classifier  *evidence.Classifier
	Papers      repository.PaperRepository
	Vectors     vectorstore.VectorStore
	Indexer     Reloader

	// SummaryCache, when set, keeps summaries of stored papers requested by paperId.
	SummaryCache *cache.SummaryCache

	// SummaryOptions are the length hints passed to summarizers.
	SummaryOptions summarizer.Options
}

// Handler serves the JSON API.
type Handler struct {
	svc    Services
	logger *slog.Logger
}

// NewHandler creates API handlers over svc.
func NewHandler(svc Services) *Handler {
	return &Handler{
		svc:    svc,
		logger: slog.Default().With("component", "http-api"),
	}
}

type retrieveRequest struct {
	Query       string            `json:"query"`
	Filters     map[string]string `json:"filters"`
	Limit       int               `json:"limit"`
	UseReranker *bool             `json:"use_reranker"`
	Alpha       *float64          `json:"alpha"`
}

type paperResult struct {
	ID            string            `json:"id"`
	Text          string            `json:"text"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	SparseScore   float64           `json:"sparse_score"`
	DenseScore    float64           `json:"dense_score"`
	CombinedScore float64           `json:"combined_score"`
	RerankScore   *float64          `json:"rerank_score,omitempty"`
}

type retrieveResponse struct {
	Papers []paperResult `json:"papers"`
	Scores []float64     `json:"scores"`
}

// Retrieve handles POST /api/retrieve.
func (h *Handler) Retrieve(w http.ResponseWriter, r *http.Request) {
	var req retrieveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	useReranker := true
	if req.UseReranker != nil {
		useReranker = *req.UseReranker
	}

	cands, err := h.svc.Pipeline.Retrieve(r.Context(), pipeline.RetrieveRequest{
		Query:       req.Query,
		Limit:       req.Limit,
		UseReranker: useReranker,
		Alpha:       req.Alpha,
		Filters:     req.Filters,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := retrieveResponse{
		Papers: make([]paperResult, len(cands)),
		Scores: make([]float64, len(cands)),
	}
	for i, c := range cands {
		resp.Papers[i] = paperResult{
			ID:            c.Document.ID,
			Text:          c.Document.Text,
			Metadata:      c.Document.Metadata,
			SparseScore:   c.SparseScore,
			DenseScore:    c.DenseScore,
			CombinedScore: c.CombinedScore,
			RerankScore:   c.RerankScore,
		}
		resp.Scores[i] = c.Score
	}
	writeJSON(w, http.StatusOK, resp)
}

type summarizeRequest struct {
	PaperID string `json:"paperId"`
	Content string `json:"content"`
	Method  string `json:"method"`
}

type summarizeResponse struct {
	Summary string `json:"summary"`
	Method  string `json:"method"`
}

// Summarize handles POST /api/summarize. Without content, the stored paper's text is used.
func (h *Handler) Summarize(w http.ResponseWriter, r *http.Request) {
	var req summarizeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if h.svc.Summarizers == nil {
		h.writeError(w, r, pipeline.ErrNoSummarizer)
		return
	}

	s, method, err := h.svc.Summarizers.Get(req.Method)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	ctx := r.Context()
	var summary string
	if strings.TrimSpace(req.Content) == "" && req.PaperID != "" {
		summary, err = h.summarizePaper(ctx, s, req.PaperID, method)
	} else {
		summary, err = s.Summarize(ctx, req.Content, h.svc.SummaryOptions)
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summarizeResponse{Summary: summary, Method: method})
}

func (h *Handler) summarizePaper(ctx context.Context, s summarizer.Summarizer, paperID, method string) (string, error) {
	compute := func() (string, error) {
		text, err := h.paperText(ctx, paperID)
		if err != nil {
			return "", err
		}
		return s.Summarize(ctx, text, h.svc.SummaryOptions)
	}
	if h.svc.SummaryCache == nil {
		return compute()
	}
	summary, _, err := h.svc.SummaryCache.GetOrCompute(ctx, paperID, method, compute)
	return summary, err
}

func (h *Handler) paperText(ctx context.Context, id string) (string, error) {
	if h.svc.Papers == nil {
		return "", fmt.Errorf("paper %q: %w", id, repository.ErrNotFound)
	}
	p, err := h.svc.Papers.GetByID(ctx, id)
	if err != nil {
		return "", err
	}
	if p.Text != "" {
		return p.Text, nil
	}
	return p.Abstract, nil
}

type verifyRequest struct {
	Claim   string `json:"claim"`
	Context string `json:"context"`
}

// Verify handles POST /api/verify.
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if h.svc.Verifier == nil {
		h.writeError(w, r, errUnavailable("verifier"))
		return
	}

	verdict, err := h.svc.Verifier.Verify(r.Context(), req.Claim, req.Context)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, verdict)
}

type classifyRequest struct {
	Text string `json:"text"`
	Task string `json:"task"`
}

// Classify handles POST /api/classify.
func (h *Handler) Classify(w http.ResponseWriter, r *http.Request) {
	var req classifyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if h.svc.Classifier == nil {
		h.writeError(w, r, errUnavailable("classifier"))
		return
	}

	result, err := h.svc.Classifier.Classify(r.Context(), req.Task, req.Text)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type answerRequest struct {
	Query         string `json:"query"`
	Context       string `json:"context"`
	RetrieveFirst *bool  `json:"retrieve_first"`
}

// Answer handles POST /api/answer.
func (h *Handler) Answer(w http.ResponseWriter, r *http.Request) {
	var req answerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	retrieveFirst := true
	if req.RetrieveFirst != nil {
		retrieveFirst = *req.RetrieveFirst
	}

	ans, err := h.svc.Pipeline.GenerateAnswer(r.Context(), req.Query, req.Context, retrieveFirst)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if ans.Sources == nil {
		ans.Sources = []retrieval.Candidate{}
	}
	writeJSON(w, http.StatusOK, ans)
}

// Embedding handles GET /api/embeddings/{id}: the indexed vector, else the stored one.
func (h *Handler) Embedding(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	vec, err := h.svc.Pipeline.Embedding(id)
	if err != nil && h.svc.Vectors != nil &&
		(errors.Is(err, retrieval.ErrDocumentNotFound) || errors.Is(err, retrieval.ErrIndexNotBuilt)) {
		vec, err = h.svc.Vectors.Get(r.Context(), id)
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]float32{"embedding": vec})
}

// Reload handles POST /api/index/reload.
func (h *Handler) Reload(w http.ResponseWriter, r *http.Request) {
	if h.svc.Indexer == nil {
		h.writeError(w, r, errUnavailable("indexer"))
		return
	}
	n, err := h.svc.Indexer.Reload(r.Context(), events.ReasonReload)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if h.svc.SummaryCache != nil {
		if err := h.svc.SummaryCache.Invalidate(r.Context(), ""); err != nil {
			h.logger.Warn("failed to clear summary cache", "error", err)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "reloaded", "documents": n})
}

// Index handles GET /.
func (h *Handler) Index(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"service": "medrag", "status": "running"})
}

// Health handles GET /health and /healthz.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// Ready handles GET /readyz; it reports 503 until an index is built.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if !h.svc.Pipeline.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "index not built"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready", "documents": h.svc.Pipeline.Len()})
}

type unavailableError string

func (e unavailableError) Error() string { return string(e) + " not configured" }

func errUnavailable(component string) error { return unavailableError(component) }

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	var unavailable unavailableError
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, pipeline.ErrEmptyQuery),
		errors.Is(err, retrieval.ErrInvalidAlpha),
		errors.Is(err, summarizer.ErrEmptyText),
		errors.Is(err, summarizer.ErrUnknownMethod),
		errors.Is(err, evidence.ErrUnknownTask),
		errors.Is(err, evidence.ErrEmptyInput):
		return http.StatusBadRequest
	case errors.Is(err, retrieval.ErrDocumentNotFound),
		errors.Is(err, vectorstore.ErrNotFound),
		errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, retrieval.ErrIndexNotBuilt),
		errors.Is(err, pipeline.ErrNoSummarizer),
		errors.As(err, &unavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", "path", r.URL.Path, "error", err)
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: invalid JSON body: %v", errBadRequest, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
