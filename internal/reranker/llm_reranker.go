package reranker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/knoguchi/medrag/internal/llm"
)

// LLMReranker asks a generative model to score query-candidate pairs. The model sees
// the query and all candidates together, which approximates a cross-encoder when no
// dedicated rerank server is deployed.
type LLMReranker struct {
	llmClient llm.LLM
	model     string
	logger    *slog.Logger
}

// LLMRerankerOption is a functional option for configuring LLMReranker.
type LLMRerankerOption func(*LLMReranker)

// WithModel sets the model to use for reranking.
func WithModel(model string) LLMRerankerOption {
	return func(r *LLMReranker) {
		r.model = model
	}
}

// NewLLMReranker creates a new LLM-based reranker.
func NewLLMReranker(llmClient llm.LLM, opts ...LLMRerankerOption) *LLMReranker {
	r := &LLMReranker{
		llmClient: llmClient,
		logger:    slog.Default().With("component", "llm-reranker"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type relevanceScore struct {
	DocIndex int     `json:"doc_index"`
	Score    float64 `json:"score"`
}

type rerankResponse struct {
	Scores []relevanceScore `json:"scores"`
}

// Rerank scores all candidates with one generation call. An answer without usable
// scores returns ErrUnparseable.
func (r *LLMReranker) Rerank(ctx context.Context, query string, candidates []Candidate, topK int) ([]Result, error) {
	if len(candidates) == 0 {
		return []Result{}, nil
	}

	response, err := r.llmClient.Generate(ctx, buildRerankPrompt(query, candidates), llm.GenerateOptions{
		Model:       r.model,
		Temperature: 0,
		MaxTokens:   1024,
		JSON:        true,
	})
	if err != nil {
		return nil, fmt.Errorf("LLM reranking failed: %w", err)
	}

	scores, err := parseRerankResponse(response, len(candidates))
	if err != nil {
		r.logger.Debug("unparseable rerank response", "response", truncate(response, 200))
		return nil, fmt.Errorf("%w: %v", ErrUnparseable, err)
	}

	results := make([]Result, len(candidates))
	for i, c := range candidates {
		results[i] = Result{ID: c.ID, Index: i, Score: scores[i]}
	}
	return sortAndTruncate(results, topK), nil
}

func buildRerankPrompt(query string, candidates []Candidate) string {
	var sb strings.Builder

	sb.WriteString("You are a relevance scoring system for biomedical literature. ")
	sb.WriteString("Score each document's relevance to the query.\n\n")
	sb.WriteString("Query: ")
	sb.WriteString(query)
	sb.WriteString("\n\nDocuments to score:\n")
	for i, c := range candidates {
		fmt.Fprintf(&sb, "[Doc %d]: %s\n\n", i, truncate(c.Text, 500))
	}

	sb.WriteString(`Score each document from 0.0 to 1.0 based on relevance to the query.
Output ONLY valid JSON in this exact format:
{"scores": [{"doc_index": 0, "score": 0.9}, {"doc_index": 1, "score": 0.3}, ...]}

Be strict: irrelevant documents should score below 0.3, somewhat relevant 0.3-0.7, highly relevant above 0.7.
Output only JSON, no explanation:`)

	return sb.String()
}

// parseRerankResponse returns one score per candidate. Missing entries score 0.5,
// out-of-range indices are ignored and scores are clamped to [0,1].
func parseRerankResponse(response string, n int) ([]float64, error) {
	var parsed rerankResponse
	if err := llm.DecodeJSON(response, &parsed); err != nil {
		return nil, err
	}
	if len(parsed.Scores) == 0 {
		return nil, fmt.Errorf("%w: no scores", ErrInvalidResponse)
	}

	scores := make([]float64, n)
	for i := range scores {
		scores[i] = 0.5
	}
	for _, s := range parsed.Scores {
		if s.DocIndex < 0 || s.DocIndex >= n {
			continue
		}
		scores[s.DocIndex] = min(max(s.Score, 0), 1)
	}
	return scores, nil
}

var _ Reranker = (*LLMReranker)(nil)
