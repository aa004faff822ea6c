package retrieval

import (
	"math"
	"strings"
)

// BM25 Okapi parameters.
const (
	bm25K1      = 1.5
	bm25B       = 0.75
	bm25Epsilon = 0.25
)

// SparseIndex is a BM25 Okapi index over whitespace-tokenized documents.
// It is immutable once built.
type SparseIndex struct {
	termFreqs []map[string]int
	docLens   []int
	avgDocLen float64
	idf       map[string]float64
}

// Tokenize splits text on whitespace. No case folding or stemming is applied,
// so query and documents must share the same surface forms to match.
func Tokenize(text string) []string {
	return strings.Fields(text)
}

// NewSparseIndex builds a BM25 index over docs in collection order.
func NewSparseIndex(docs []Document) *SparseIndex {
	idx := &SparseIndex{
		termFreqs: make([]map[string]int, len(docs)),
		docLens:   make([]int, len(docs)),
		idf:       make(map[string]float64),
	}
	if len(docs) == 0 {
		return idx
	}

	docFreq := make(map[string]int)
	totalLen := 0
	for i, doc := range docs {
		tokens := Tokenize(doc.Text)
		freqs := make(map[string]int, len(tokens))
		for _, tok := range tokens {
			freqs[tok]++
		}
		for term := range freqs {
			docFreq[term]++
		}
		idx.termFreqs[i] = freqs
		idx.docLens[i] = len(tokens)
		totalLen += len(tokens)
	}
	idx.avgDocLen = float64(totalLen) / float64(len(docs))

	// idf = ln(N - n + 0.5) - ln(n + 0.5). Terms present in more than half the
	// collection get a negative idf; those are floored to epsilon * mean idf.
	n := float64(len(docs))
	idfSum := 0.0
	var negative []string
	for term, df := range docFreq {
		v := math.Log(n-float64(df)+0.5) - math.Log(float64(df)+0.5)
		idx.idf[term] = v
		idfSum += v
		if v < 0 {
			negative = append(negative, term)
		}
	}
	floor := bm25Epsilon * idfSum / float64(len(docFreq))
	for _, term := range negative {
		idx.idf[term] = floor
	}

	return idx
}

// Len returns the number of indexed documents.
func (s *SparseIndex) Len() int {
	return len(s.docLens)
}

// IDF returns the inverse document frequency of term, or 0 for unknown terms.
func (s *SparseIndex) IDF(term string) float64 {
	return s.idf[term]
}

// Scores returns one BM25 score per document, in collection order.
func (s *SparseIndex) Scores(query string) []float64 {
	scores := make([]float64, len(s.docLens))
	if len(scores) == 0 {
		return scores
	}

	for _, term := range Tokenize(query) {
		idf, ok := s.idf[term]
		if !ok {
			continue
		}
		for i, freqs := range s.termFreqs {
			tf := float64(freqs[term])
			if tf == 0 {
				continue
			}
			norm := bm25K1 * (1 - bm25B + bm25B*float64(s.docLens[i])/s.avgDocLen)
			scores[i] += idf * (tf * (bm25K1 + 1)) / (tf + norm)
		}
	}
	return scores
}
