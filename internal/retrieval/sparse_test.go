package retrieval

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func docsFromTexts(texts ...string) []Document {
	docs := make([]Document, len(texts))
	for i, t := range texts {
		docs[i] = Document{ID: string(rune('a' + i)), Text: t}
	}
	return docs
}

func TestSparseIndex_EmptyCollection(t *testing.T) {
	idx := NewSparseIndex(nil)

	assert.Equal(t, 0, idx.Len())
	assert.Empty(t, idx.Scores("anything"))
}

func TestSparseIndex_IDF(t *testing.T) {
	idx := NewSparseIndex(docsFromTexts(
		"cats are mammals",
		"dogs are mammals",
		"cars have engines",
	))

	// "cats" appears in 1 of 3 documents: ln(2.5) - ln(1.5)
	assert.InDelta(t, math.Log(2.5)-math.Log(1.5), idx.IDF("cats"), 1e-12)

	// "mammals" appears in 2 of 3 documents, so its raw idf is negative and is
	// floored to epsilon * mean idf over the vocabulary.
	pos := math.Log(2.5) - math.Log(1.5)
	mean := (5*pos - 2*pos) / 7
	assert.InDelta(t, 0.25*mean, idx.IDF("mammals"), 1e-12)
	assert.Greater(t, idx.IDF("mammals"), 0.0)

	assert.Zero(t, idx.IDF("unknown"))
}

func TestSparseIndex_Scores(t *testing.T) {
	idx := NewSparseIndex(docsFromTexts(
		"cats are mammals",
		"dogs are mammals",
		"cars have engines",
	))

	scores := idx.Scores("mammals")
	require.Len(t, scores, 3)
	assert.Greater(t, scores[0], 0.0)
	assert.InDelta(t, scores[0], scores[1], 1e-12)
	assert.Zero(t, scores[2])

	scores = idx.Scores("engines")
	assert.Zero(t, scores[0])
	assert.Greater(t, scores[2], 0.0)
}

func TestSparseIndex_LengthNormalization(t *testing.T) {
	idx := NewSparseIndex(docsFromTexts(
		"aspirin trial",
		"aspirin trial with a very long list of unrelated secondary outcomes",
		"placebo only",
		"placebo arm",
		"crossover design",
	))

	scores := idx.Scores("aspirin")
	assert.Greater(t, scores[0], scores[1], "shorter document with same tf should score higher")
}

func TestSparseIndex_CaseSensitiveWhitespaceTokens(t *testing.T) {
	idx := NewSparseIndex(docsFromTexts("Insulin resistance", "glucose", "lipids"))

	assert.Zero(t, idx.Scores("insulin")[0])
	assert.Greater(t, idx.Scores("Insulin")[0], 0.0)
}
