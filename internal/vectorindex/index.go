// Package vectorindex holds embedding vectors in insertion order and answers
// exact k-nearest-neighbour queries by squared Euclidean distance.
package vectorindex

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrDimensionMismatch is returned when a vector's length differs from the
	// index dimension.
	ErrDimensionMismatch = errors.New("vectorindex: dimension mismatch")

	// ErrInvalidK is returned by Search when k is not positive.
	ErrInvalidK = errors.New("vectorindex: k must be positive")
)

// DimensionError reports which vector of a batch had the wrong length.
type DimensionError struct {
	Offset int // offset within the batch passed to Add, or -1 for a query
	Got    int
	Want   int
}

func (e *DimensionError) Error() string {
	if e.Offset < 0 {
		return fmt.Sprintf("vectorindex: query has %d components, want %d", e.Got, e.Want)
	}
	return fmt.Sprintf("vectorindex: vector %d has %d components, want %d", e.Offset, e.Got, e.Want)
}

func (e *DimensionError) Unwrap() error { return ErrDimensionMismatch }

// Neighbor is a search hit: the insertion position of a stored vector and its
// squared Euclidean distance to the query.
type Neighbor struct {
	Position int
	Distance float64
}

// Index is an append-only brute-force vector index. It is not safe for
// concurrent use; callers serialize Add against Search.
type Index struct {
	dim  int
	vecs [][]float32
}

// New returns an empty index accepting vectors of length dim.
func New(dim int) *Index {
	return &Index{dim: dim}
}

// Dimension returns the configured vector length.
func (i *Index) Dimension() int { return i.dim }

// Len returns the number of stored vectors.
func (i *Index) Len() int { return len(i.vecs) }

// Add appends vectors in order and returns the position assigned to the first
// one. Either every vector is added or, on a dimension mismatch, none is.
func (i *Index) Add(vectors [][]float32) (int, error) {
	for j, v := range vectors {
		if len(v) != i.dim {
			return 0, &DimensionError{Offset: j, Got: len(v), Want: i.dim}
		}
	}
	start := len(i.vecs)
	for _, v := range vectors {
		i.vecs = append(i.vecs, append([]float32(nil), v...))
	}
	return start, nil
}

// Search returns the min(k, Len()) stored vectors closest to query, ascending
// by distance with ties broken by lower position.
func (i *Index) Search(query []float32, k int) ([]Neighbor, error) {
	return i.SearchWithin(query, k, len(i.vecs))
}

// SearchWithin behaves like Search but only considers positions below limit.
// A limit above Len() is clamped.
func (i *Index) SearchWithin(query []float32, k, limit int) ([]Neighbor, error) {
	if k <= 0 {
		return nil, ErrInvalidK
	}
	if len(query) != i.dim {
		return nil, &DimensionError{Offset: -1, Got: len(query), Want: i.dim}
	}
	if limit > len(i.vecs) {
		limit = len(i.vecs)
	}
	if limit <= 0 {
		return []Neighbor{}, nil
	}

	scored := make([]Neighbor, limit)
	for pos := 0; pos < limit; pos++ {
		scored[pos] = Neighbor{Position: pos, Distance: SquaredL2(query, i.vecs[pos])}
	}
	// positions are already ascending, so a stable sort keeps ties in insertion order
	sort.SliceStable(scored, func(a, b int) bool { return scored[a].Distance < scored[b].Distance })

	if k > limit {
		k = limit
	}
	return scored[:k], nil
}

// SquaredL2 returns the squared Euclidean distance between equal-length
// vectors, accumulated in float64.
func SquaredL2(a, b []float32) float64 {
	var sum float64
	for n := range a {
		d := float64(a[n]) - float64(b[n])
		sum += d * d
	}
	return sum
}
