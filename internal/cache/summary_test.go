package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSummaryCache_GetOrCompute(t *testing.T) {
	store := newMemStore()
	c := NewSummaryCache(store, 0)
	ctx := context.Background()

	calls := 0
	compute := func() (string, error) {
		calls++
		return "aspirin lowers stroke risk", nil
	}

	got, hit, err := c.GetOrCompute(ctx, "pubmed:1", "abstractive", compute)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, "aspirin lowers stroke risk", got)

	got, hit, err = c.GetOrCompute(ctx, "pubmed:1", "abstractive", compute)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, "aspirin lowers stroke risk", got)
	assert.Equal(t, 1, calls)
	assert.Equal(t, DefaultSummaryTTL, store.ttls[summaryKey("pubmed:1", "abstractive")])

	_, hit, err = c.GetOrCompute(ctx, "pubmed:1", "extractive", compute)
	require.NoError(t, err)
	assert.False(t, hit, "methods are cached separately")
	assert.Equal(t, 2, calls)
}

func TestSummaryCache_ComputeErrorNotCached(t *testing.T) {
	store := newMemStore()
	c := NewSummaryCache(store, time.Hour)

	_, _, err := c.GetOrCompute(context.Background(), "pubmed:1", "abstractive", func() (string, error) {
		return "", errors.New("llm down")
	})
	require.Error(t, err)
	assert.Empty(t, store.data)
}

func TestSummaryCache_Invalidate(t *testing.T) {
	store := newMemStore()
	c := NewSummaryCache(store, time.Hour)
	ctx := context.Background()
	for _, id := range []string{"pubmed:1", "pubmed:12"} {
		_, _, err := c.GetOrCompute(ctx, id, "abstractive", func() (string, error) { return "s", nil })
		require.NoError(t, err)
	}
	store.data["medrag:retrieve:x"] = []byte("[]")

	require.NoError(t, c.Invalidate(ctx, "pubmed:1"))
	assert.NotContains(t, store.data, summaryKey("pubmed:1", "abstractive"))
	assert.Contains(t, store.data, summaryKey("pubmed:12", "abstractive"), "prefix of another paper ID")

	require.NoError(t, c.Invalidate(ctx, ""))
	assert.Len(t, store.data, 1)
	assert.Contains(t, store.data, "medrag:retrieve:x")
}
