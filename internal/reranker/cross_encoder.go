package reranker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	// DefaultCrossEncoderModel is the model requested from the rerank server.
	DefaultCrossEncoderModel = "cross-encoder/ms-marco-MiniLM-L-6-v2"

	// DefaultMaxTextLength bounds each candidate text sent to the server.
	DefaultMaxTextLength = 2000
)

// CrossEncoder scores candidates through a hosted cross-encoder exposing a
// text-embeddings-inference compatible POST /rerank endpoint.
type CrossEncoder struct {
	baseURL       string
	model         string
	maxTextLength int
	httpClient    *http.Client
	logger        *slog.Logger
}

// CrossEncoderOption is a functional option for configuring CrossEncoder.
type CrossEncoderOption func(*CrossEncoder)

// WithCrossEncoderModel sets the model name sent with each request.
func WithCrossEncoderModel(model string) CrossEncoderOption {
	return func(c *CrossEncoder) {
		if model != "" {
			c.model = model
		}
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) CrossEncoderOption {
	return func(c *CrossEncoder) {
		c.httpClient = client
	}
}

// WithMaxTextLength truncates candidate texts to n bytes. n <= 0 disables truncation.
func WithMaxTextLength(n int) CrossEncoderOption {
	return func(c *CrossEncoder) {
		c.maxTextLength = n
	}
}

// NewCrossEncoder creates a client for the rerank server at baseURL.
func NewCrossEncoder(baseURL string, opts ...CrossEncoderOption) *CrossEncoder {
	c := &CrossEncoder{
		baseURL:       strings.TrimSuffix(baseURL, "/"),
		model:         DefaultCrossEncoderModel,
		maxTextLength: DefaultMaxTextLength,
		httpClient:    &http.Client{Timeout: 30 * time.Second},
		logger:        slog.Default().With("component", "cross-encoder"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type rerankRequest struct {
	Model     string   `json:"model,omitempty"`
	Query     string   `json:"query"`
	Texts     []string `json:"texts"`
	RawScores bool     `json:"raw_scores"`
}

type rerankHit struct {
	Index int     `json:"index"`
	Score float64 `json:"score"`
}

// Rerank scores every candidate in one request and returns the top results.
func (c *CrossEncoder) Rerank(ctx context.Context, query string, candidates []Candidate, topK int) ([]Result, error) {
	if len(candidates) == 0 {
		return []Result{}, nil
	}

	texts := make([]string, len(candidates))
	for i, cand := range candidates {
		texts[i] = truncate(cand.Text, c.maxTextLength)
	}

	body, err := json.Marshal(rerankRequest{Model: c.model, Query: query, Texts: texts})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/rerank", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("rerank API error (status %d): %s", resp.StatusCode, string(msg))
	}

	var hits []rerankHit
	if err := json.NewDecoder(resp.Body).Decode(&hits); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}

	seen := make(map[int]bool, len(hits))
	results := make([]Result, 0, len(hits))
	for _, h := range hits {
		if h.Index < 0 || h.Index >= len(candidates) || seen[h.Index] {
			return nil, fmt.Errorf("%w: index %d for %d candidates", ErrInvalidResponse, h.Index, len(candidates))
		}
		seen[h.Index] = true
		results = append(results, Result{ID: candidates[h.Index].ID, Index: h.Index, Score: h.Score})
	}

	c.logger.Debug("reranked candidates",
		"candidates", len(candidates),
		"duration", time.Since(start),
	)
	return sortAndTruncate(results, topK), nil
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	// back off to a rune boundary
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

var _ Reranker = (*CrossEncoder)(nil)
