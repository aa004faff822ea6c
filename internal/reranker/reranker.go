// Package reranker provides second-stage scoring of fused retrieval candidates.
//
// A reranker sees the query and each candidate text together (cross-encoding),
// which separates candidates that the first stage scored almost identically.
//
// # Trade-offs
//
// Reranking is requested per query (use_reranker).
//
//   - Latency: one extra model call over 3×limit candidates
//   - Quality: better ordering when fused scores are close together
//   - Failure: the pipeline keeps the fused order if the reranker errors
package reranker

import (
	"context"
	"errors"
	"sort"
)

var (
	// ErrInvalidResponse is returned when a backend answers with an unknown candidate index.
	ErrInvalidResponse = errors.New("reranker returned an invalid response")

	// ErrUnparseable is returned when a model answer carries no usable scores.
	ErrUnparseable = errors.New("reranker response could not be parsed")
)

// Candidate is one (document ID, text) pair to score against the query.
type Candidate struct {
	ID   string
	Text string
}

// Result is a reranked candidate. ID always refers to one of the input candidates.
type Result struct {
	ID    string  `json:"id"`
	Index int     `json:"index"`
	Score float64 `json:"score"`
}

// Reranker scores and re-orders candidates for a query.
type Reranker interface {
	// Rerank returns at most topK results sorted by descending score.
	// topK <= 0 returns all candidates.
	Rerank(ctx context.Context, query string, candidates []Candidate, topK int) ([]Result, error)
}

// sortAndTruncate orders results by descending score, keeping input order on ties.
func sortAndTruncate(results []Result, topK int) []Result {
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if topK > 0 && len(results) > topK {
		results = results[:topK]
	}
	return results
}
