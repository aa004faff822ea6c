// Package retrieval implements hybrid lexical + dense retrieval over an in-memory document collection.
//
// A collection is indexed twice: a BM25 sparse index over whitespace tokens and a flat L2 dense
// index over embedding vectors. Both indices address documents by the same ordinal position, and
// every result carries the document's stable ID so later stages never join on document text.
package retrieval

import "errors"

var (
	// ErrIndexNotBuilt is returned when querying before Build has completed.
	ErrIndexNotBuilt = errors.New("index not built")

	// ErrDimensionMismatch is returned when vectors do not share the index dimension.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")

	// ErrLengthMismatch is returned when sparse and dense score arrays differ in length.
	ErrLengthMismatch = errors.New("score arrays differ in length")

	// ErrInvalidAlpha is returned when the fusion weight is outside [0,1].
	ErrInvalidAlpha = errors.New("alpha must be within [0,1]")

	// ErrDocumentNotFound is returned when a document ID is not in the collection.
	ErrDocumentNotFound = errors.New("document not found")

	// ErrDuplicateID is returned when two documents in one collection share an ID.
	ErrDuplicateID = errors.New("duplicate document id")
)

// DefaultAlpha weights dense and sparse scores equally.
const DefaultAlpha = 0.5

// Document is one entry of the indexed collection.
type Document struct {
	ID       string            `json:"id"`
	Text     string            `json:"text"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Candidate is a scored document produced for a single query.
type Candidate struct {
	Document      Document `json:"document"`
	Position      int      `json:"position"`
	SparseScore   float64  `json:"sparse_score"`
	DenseScore    float64  `json:"dense_score"`
	CombinedScore float64  `json:"combined_score"`
	RerankScore   *float64 `json:"rerank_score,omitempty"`

	// Score is the score the candidate is ranked by: the combined score, or the
	// rerank score once a reranker has run.
	Score float64 `json:"score"`
}
