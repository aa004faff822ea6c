// Package vectorstore persists paper embeddings so the in-memory index can be rebuilt
// without re-embedding, and serves embedding lookups for papers outside the index.
package vectorstore

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrNotFound is returned when no vector is stored for a paper.
var ErrNotFound = errors.New("vector not found")

// pointNamespace scopes the name-based point IDs.
var pointNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:medrag:paper"))

// PointID maps a paper ID to its stable point UUID (version 5).
func PointID(paperID string) string {
	return uuid.NewSHA1(pointNamespace, []byte(paperID)).String()
}

// PaperVector is one stored embedding.
type PaperVector struct {
	PaperID string
	Vector  []float32
	Payload map[string]string
}

// VectorStore defines the interface for embedding storage operations
type VectorStore interface {
	// EnsureCollection creates the collection with the given dimension if it does not exist.
	EnsureCollection(ctx context.Context, dimension int) error

	// Upsert inserts or replaces vectors.
	Upsert(ctx context.Context, vectors []PaperVector) error

	// Get returns the vector of one paper, or ErrNotFound.
	Get(ctx context.Context, paperID string) ([]float32, error)

	// GetMany returns the stored vectors among paperIDs, keyed by paper ID.
	GetMany(ctx context.Context, paperIDs []string) (map[string][]float32, error)
}
