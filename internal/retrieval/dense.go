package retrieval

import (
	"fmt"
	"math"
	"sort"
)

// Neighbor is one dense search hit.
type Neighbor struct {
	Position   int
	Distance   float64
	Similarity float64
}

// DenseIndex is an exhaustive (flat) L2 index over fixed-dimension vectors.
type DenseIndex struct {
	dim     int
	vectors [][]float32
}

// BuildDenseIndex copies vectors into a new index. All vectors must have the same,
// non-zero dimension.
func BuildDenseIndex(vectors [][]float32) (*DenseIndex, error) {
	idx := &DenseIndex{vectors: make([][]float32, len(vectors))}
	for i, v := range vectors {
		if len(v) == 0 {
			return nil, fmt.Errorf("%w: vector %d is empty", ErrDimensionMismatch, i)
		}
		if idx.dim == 0 {
			idx.dim = len(v)
		}
		if len(v) != idx.dim {
			return nil, fmt.Errorf("%w: vector %d has dimension %d, want %d", ErrDimensionMismatch, i, len(v), idx.dim)
		}
		cp := make([]float32, len(v))
		copy(cp, v)
		idx.vectors[i] = cp
	}
	return idx, nil
}

// Dimension returns the vector dimension, or 0 for an empty index.
func (d *DenseIndex) Dimension() int {
	return d.dim
}

// Len returns the number of indexed vectors.
func (d *DenseIndex) Len() int {
	return len(d.vectors)
}

// Vector returns a copy of the vector stored at pos.
func (d *DenseIndex) Vector(pos int) ([]float32, bool) {
	if pos < 0 || pos >= len(d.vectors) {
		return nil, false
	}
	cp := make([]float32, d.dim)
	copy(cp, d.vectors[pos])
	return cp, true
}

// Search returns the k nearest vectors to query ordered by ascending distance.
// Similarity is 1/(1+distance). k <= 0 or k > Len() returns every vector.
func (d *DenseIndex) Search(query []float32, k int) ([]Neighbor, error) {
	if len(d.vectors) == 0 {
		return []Neighbor{}, nil
	}
	if len(query) != d.dim {
		return nil, fmt.Errorf("%w: query has dimension %d, index has %d", ErrDimensionMismatch, len(query), d.dim)
	}

	neighbors := make([]Neighbor, len(d.vectors))
	for i, v := range d.vectors {
		dist := l2Distance(query, v)
		neighbors[i] = Neighbor{Position: i, Distance: dist, Similarity: 1 / (1 + dist)}
	}
	sort.SliceStable(neighbors, func(i, j int) bool {
		return neighbors[i].Distance < neighbors[j].Distance
	})

	if k > 0 && k < len(neighbors) {
		neighbors = neighbors[:k]
	}
	return neighbors, nil
}

// Similarities returns 1/(1+distance) for every indexed vector, in collection order.
func (d *DenseIndex) Similarities(query []float32) ([]float64, error) {
	neighbors, err := d.Search(query, 0)
	if err != nil {
		return nil, err
	}
	sims := make([]float64, len(d.vectors))
	for _, n := range neighbors {
		sims[n.Position] = n.Similarity
	}
	return sims, nil
}

// l2Distance is the Euclidean distance between a and b.
func l2Distance(a, b []float32) float64 {
	var sum float64
	for i := range a {
		diff := float64(a[i]) - float64(b[i])
		sum += diff * diff
	}
	return math.Sqrt(sum)
}
