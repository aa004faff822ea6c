package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_IndependentRegistries(t *testing.T) {
	// Two instances must not collide on registration.
	a := New()
	b := New()

	a.CacheHitsTotal.Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(a.CacheHitsTotal))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.CacheHitsTotal))
}

func TestHandler_ExposesCollectors(t *testing.T) {
	m := New()
	m.RetrievalsTotal.WithLabelValues("ok").Add(3)
	m.IndexedDocuments.Set(42)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `medrag_retrievals_total{outcome="ok"} 3`)
	assert.Contains(t, string(body), "medrag_indexed_documents 42")
	assert.Contains(t, string(body), "go_goroutines")
}
