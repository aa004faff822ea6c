package retrieval

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildDenseIndex_DimensionMismatch(t *testing.T) {
	_, err := BuildDenseIndex([][]float32{{1, 0}, {1, 0, 0}})
	require.ErrorIs(t, err, ErrDimensionMismatch)

	_, err = BuildDenseIndex([][]float32{{}})
	require.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestDenseIndex_Search(t *testing.T) {
	idx, err := BuildDenseIndex([][]float32{
		{0, 0},
		{3, 4},
		{1, 0},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, idx.Dimension())
	assert.Equal(t, 3, idx.Len())

	hits, err := idx.Search([]float32{0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)

	assert.Equal(t, 0, hits[0].Position)
	assert.Equal(t, 0.0, hits[0].Distance)
	assert.Equal(t, 1.0, hits[0].Similarity)

	assert.Equal(t, 2, hits[1].Position)
	assert.InDelta(t, 1.0, hits[1].Distance, 1e-9)
	assert.InDelta(t, 0.5, hits[1].Similarity, 1e-9)

	all, err := idx.Search([]float32{0, 0}, 10)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.InDelta(t, 5.0, all[2].Distance, 1e-9)
	assert.InDelta(t, 1.0/6.0, all[2].Similarity, 1e-9)
}

func TestDenseIndex_QueryDimensionMismatch(t *testing.T) {
	idx, err := BuildDenseIndex([][]float32{{1, 2, 3}})
	require.NoError(t, err)

	_, err = idx.Search([]float32{1, 2}, 1)
	require.ErrorIs(t, err, ErrDimensionMismatch)

	_, err = idx.Similarities([]float32{1})
	require.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestDenseIndex_SimilaritiesInCollectionOrder(t *testing.T) {
	idx, err := BuildDenseIndex([][]float32{{5, 0}, {0, 0}, {1, 0}})
	require.NoError(t, err)

	sims, err := idx.Similarities([]float32{0, 0})
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{1.0 / 6, 1, 0.5}, sims, 1e-9)
}

func TestDenseIndex_VectorIsCopy(t *testing.T) {
	src := [][]float32{{1, 2}}
	idx, err := BuildDenseIndex(src)
	require.NoError(t, err)

	src[0][0] = 99
	v, ok := idx.Vector(0)
	require.True(t, ok)
	assert.Equal(t, []float32{1, 2}, v)

	v[1] = 42
	again, _ := idx.Vector(0)
	assert.Equal(t, []float32{1, 2}, again)

	_, ok = idx.Vector(1)
	assert.False(t, ok)
}

func TestDenseIndex_Empty(t *testing.T) {
	idx, err := BuildDenseIndex(nil)
	require.NoError(t, err)

	hits, err := idx.Search([]float32{1, 2, 3}, 5)
	require.NoError(t, err)
	assert.Empty(t, hits)
}
