package vectorindex

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSquaredL2(t *testing.T) {
	assert.Equal(t, 25.0, SquaredL2([]float32{0, 0}, []float32{3, 4}))
	assert.Equal(t, 0.0, SquaredL2([]float32{1, 2}, []float32{1, 2}))
}

func TestAdd_AssignsPositions(t *testing.T) {
	idx := New(2)

	start, err := idx.Add([][]float32{{1, 0}, {0, 1}})
	require.NoError(t, err)
	assert.Equal(t, 0, start)

	start, err = idx.Add([][]float32{{1, 1}})
	require.NoError(t, err)
	assert.Equal(t, 2, start)
	assert.Equal(t, 3, idx.Len())
}

func TestAdd_DimensionMismatchLeavesIndexUnchanged(t *testing.T) {
	idx := New(3)
	_, err := idx.Add([][]float32{{1, 2, 3}})
	require.NoError(t, err)

	_, err = idx.Add([][]float32{{1, 2, 3}, {1, 2}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDimensionMismatch))

	var dimErr *DimensionError
	require.True(t, errors.As(err, &dimErr))
	assert.Equal(t, 1, dimErr.Offset)
	assert.Equal(t, 2, dimErr.Got)
	assert.Equal(t, 3, dimErr.Want)

	assert.Equal(t, 1, idx.Len())
}

func TestAdd_CopiesInput(t *testing.T) {
	idx := New(2)
	v := []float32{1, 1}
	_, err := idx.Add([][]float32{v})
	require.NoError(t, err)

	v[0] = 100
	hits, err := idx.Search([]float32{1, 1}, 1)
	require.NoError(t, err)
	assert.Equal(t, 0.0, hits[0].Distance)
}

func TestSearch_Ranking(t *testing.T) {
	idx := New(1)
	_, err := idx.Add([][]float32{{10}, {1}, {-2}, {4}, {0.5}})
	require.NoError(t, err)

	hits, err := idx.Search([]float32{0}, 3)
	require.NoError(t, err)
	require.Len(t, hits, 3)

	assert.Equal(t, []Neighbor{
		{Position: 4, Distance: 0.25},
		{Position: 1, Distance: 1},
		{Position: 2, Distance: 4},
	}, hits)
}

func TestSearch_TiesPreferLowerPosition(t *testing.T) {
	idx := New(2)
	_, err := idx.Add([][]float32{{0, 5}, {1, 0}, {0, 1}, {-1, 0}})
	require.NoError(t, err)

	hits, err := idx.Search([]float32{0, 0}, 3)
	require.NoError(t, err)

	positions := []int{hits[0].Position, hits[1].Position, hits[2].Position}
	assert.Equal(t, []int{1, 2, 3}, positions)
}

func TestSearch_ClampsK(t *testing.T) {
	idx := New(2)
	_, err := idx.Add([][]float32{{0, 0}, {1, 1}, {2, 2}, {3, 3}, {4, 4}})
	require.NoError(t, err)

	hits, err := idx.Search([]float32{0, 0}, 100)
	require.NoError(t, err)
	assert.Len(t, hits, 5)
}

func TestSearch_EmptyIndex(t *testing.T) {
	hits, err := New(4).Search([]float32{0, 0, 0, 0}, 5)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestSearch_InvalidInput(t *testing.T) {
	idx := New(2)

	_, err := idx.Search([]float32{0, 0}, 0)
	assert.ErrorIs(t, err, ErrInvalidK)

	_, err = idx.Search([]float32{0, 0, 0}, 1)
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestSearchWithin_IgnoresLaterPositions(t *testing.T) {
	idx := New(1)
	_, err := idx.Add([][]float32{{5}, {3}, {0}})
	require.NoError(t, err)

	hits, err := idx.SearchWithin([]float32{0}, 10, 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, 1, hits[0].Position)
	assert.Equal(t, 0, hits[1].Position)
}
