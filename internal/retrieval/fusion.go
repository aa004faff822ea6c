package retrieval

import (
	"fmt"
	"sort"
)

// Fused is one fused score row. Sparse and Dense are the normalized inputs.
type Fused struct {
	Position int
	Sparse   float64
	Dense    float64
	Combined float64
}

// Normalize min-max scales scores into [0,1]. When every score is equal
// (including a single score) every output is 1.
func Normalize(scores []float64) []float64 {
	out := make([]float64, len(scores))
	if len(scores) == 0 {
		return out
	}

	lo, hi := scores[0], scores[0]
	for _, s := range scores[1:] {
		if s < lo {
			lo = s
		}
		if s > hi {
			hi = s
		}
	}
	if hi == lo {
		for i := range out {
			out[i] = 1
		}
		return out
	}

	span := hi - lo
	for i, s := range scores {
		out[i] = (s - lo) / span
	}
	return out
}

// Fuse normalizes sparse and dense independently, combines them as
// alpha*dense + (1-alpha)*sparse and returns the top k rows by combined score.
// Ties keep collection order. k <= 0 returns every row.
func Fuse(sparse, dense []float64, alpha float64, k int) ([]Fused, error) {
	if alpha < 0 || alpha > 1 {
		return nil, fmt.Errorf("%w: got %v", ErrInvalidAlpha, alpha)
	}
	if len(sparse) != len(dense) {
		return nil, fmt.Errorf("%w: sparse=%d dense=%d", ErrLengthMismatch, len(sparse), len(dense))
	}

	ns := Normalize(sparse)
	nd := Normalize(dense)

	rows := make([]Fused, len(ns))
	for i := range rows {
		rows[i] = Fused{
			Position: i,
			Sparse:   ns[i],
			Dense:    nd[i],
			Combined: alpha*nd[i] + (1-alpha)*ns[i],
		}
	}
	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].Combined > rows[j].Combined
	})

	if k > 0 && k < len(rows) {
		rows = rows[:k]
	}
	return rows, nil
}
