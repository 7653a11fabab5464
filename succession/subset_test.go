package succession

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/constraints"
)

func mustSubset(t *testing.T, points [][]float64) *Subset[float64] {
	t.Helper()
	s, err := NewFromObjects(points)
	require.NoError(t, err)
	return s
}

// checkConsistency verifies that flags and order describe the same selection.
func checkConsistency[T constraints.Float](t *testing.T, s *Subset[T]) {
	t.Helper()
	order := s.Subset()
	seen := make(map[int]bool, len(order))
	for _, idx := range order {
		require.True(t, idx >= 0 && idx < s.Size(), "index %d out of range", idx)
		require.False(t, seen[idx], "index %d selected twice", idx)
		seen[idx] = true
	}
	flagged := 0
	for i := 0; i < s.Size(); i++ {
		if s.Included(i) {
			flagged++
			require.True(t, seen[i], "index %d flagged but not in order", i)
		}
	}
	require.Equal(t, len(order), flagged)
}

func TestEmptySet(t *testing.T) {
	s := mustSubset(t, nil)

	assert.True(t, s.IsEmpty())
	assert.Equal(t, 0, s.Size())

	_, ok := s.IncrementSubset()
	assert.False(t, ok)
	assert.Empty(t, s.Subset())
	assert.Empty(t, s.SubsetOfSize(3))
}

func TestSinglePoint(t *testing.T) {
	s := mustSubset(t, [][]float64{{4, 2}})

	idx, ok := s.IncrementSubset()
	require.True(t, ok)
	assert.Equal(t, 0, idx)

	_, ok = s.IncrementSubset()
	assert.False(t, ok)
	assert.Equal(t, []int{0}, s.Subset())
}

func TestTriangleSelection(t *testing.T) {
	s := mustSubset(t, [][]float64{{0, 0}, {10, 0}, {5, 8.66}})

	first, ok := s.IncrementSubset()
	require.True(t, ok)

	// the second pick is the vertex farthest from the first
	second, ok := s.IncrementSubset()
	require.True(t, ok)
	for i := 0; i < s.Size(); i++ {
		if i == first || i == second {
			continue
		}
		assert.LessOrEqual(t, sqrDist(s.Object(first), s.Object(i)), sqrDist(s.Object(first), s.Object(second)))
	}

	order := s.SubsetOfSize(3)
	assert.ElementsMatch(t, []int{0, 1, 2}, order)
	assert.Equal(t, []int{first, second}, order[:2])
	checkConsistency(t, s)

	_, ok = s.IncrementSubset()
	assert.False(t, ok)
}

func TestTiesPickLowestIndex(t *testing.T) {
	// unit square: every corner has the same maximal distance (the diagonal)
	s := mustSubset(t, [][]float64{{0, 0}, {1, 0}, {0, 1}, {1, 1}})

	idx, ok := s.IncrementSubset()
	require.True(t, ok)
	assert.Equal(t, 0, idx)

	idx, ok = s.IncrementSubset()
	require.True(t, ok)
	assert.Equal(t, 3, idx, "opposite corner is the farthest point")

	assert.Equal(t, []int{0, 3, 1, 2}, s.SubsetOfSize(4))
}

func TestForcedInclusion(t *testing.T) {
	s := mustSubset(t, [][]float64{{0}, {1}, {2}, {3}, {4}})

	assert.True(t, s.IncrementSubsetAt(3))
	assert.Equal(t, []int{3}, s.Subset())

	assert.False(t, s.IncrementSubsetAt(3), "already included")
	assert.Equal(t, []int{3}, s.Subset())

	assert.False(t, s.IncrementSubsetAt(10), "out of range")
	assert.False(t, s.IncrementSubsetAt(-1), "negative index")
	assert.Equal(t, []int{3}, s.Subset())
	checkConsistency(t, s)

	// automatic growth continues from the forced point
	idx, ok := s.IncrementSubset()
	require.True(t, ok)
	assert.Equal(t, 0, idx)
}

func TestSubsetOfSizeIsIdempotent(t *testing.T) {
	s := mustSubset(t, randomPoints(rand.New(rand.NewSource(7)), 30, 3))

	first := s.SubsetOfSize(10)
	second := s.SubsetOfSize(10)
	assert.Equal(t, first, second)
	assert.Len(t, second, 10)

	// smaller targets never shrink
	assert.Equal(t, first, s.SubsetOfSize(4))
	assert.Equal(t, first, s.SubsetOfSize(0))

	// larger targets are capped by the collection
	assert.Len(t, s.SubsetOfSize(100), 30)
}

func TestMonotonicGrowth(t *testing.T) {
	s := mustSubset(t, randomPoints(rand.New(rand.NewSource(11)), 25, 6))

	var previous []int
	for {
		idx, ok := s.IncrementSubset()
		current := s.Subset()
		if !ok {
			assert.Equal(t, previous, current, "exhausted call must not change state")
			break
		}
		require.Len(t, current, len(previous)+1)
		assert.Equal(t, previous, current[:len(previous)])
		assert.Equal(t, idx, current[len(current)-1])
		checkConsistency(t, s)
		previous = current
	}
	assert.Len(t, previous, 25)

	_, ok := s.IncrementSubset()
	assert.False(t, ok)
}

func TestDeterminism(t *testing.T) {
	points := randomPoints(rand.New(rand.NewSource(42)), 50, 6)

	a := mustSubset(t, points)
	b := mustSubset(t, points)
	assert.Equal(t, a.SubsetOfSize(50), b.SubsetOfSize(50))
}

func TestZeroVarianceDimension(t *testing.T) {
	flat := mustSubset(t, [][]float64{{0, 5}, {1, 5}, {3, 5}})
	line := mustSubset(t, [][]float64{{0}, {1}, {3}})

	assert.Equal(t, line.SubsetOfSize(3), flat.SubsetOfSize(3))
	assert.Equal(t, []int{1, 2, 0}, flat.Subset())

	// constant dimension keeps factor 1
	assert.Equal(t, 5.0, flat.Object(0)[1])
}

func TestNormalizationBalancesScales(t *testing.T) {
	// In raw units the third point is a hundred times farther from the
	// origin than the second. Normalized, the spread along x wins.
	s := mustSubset(t, [][]float64{{0, 0}, {10, 0}, {0, 1000}, {5, 0}})

	require.True(t, s.IncrementSubsetAt(0))
	idx, ok := s.IncrementSubset()
	require.True(t, ok)
	assert.Equal(t, 1, idx)
	assert.Equal(t, []int{0, 1, 2, 3}, s.SubsetOfSize(4))
}

func TestSetObjectsResetsSelection(t *testing.T) {
	s := mustSubset(t, [][]float64{{0, 0}, {1, 1}, {2, 2}})
	s.SubsetOfSize(3)

	require.NoError(t, s.SetObjects([][]float64{{0, 1}, {2, 3}}))
	assert.Equal(t, 2, s.Size())
	assert.Empty(t, s.Subset())
	checkConsistency(t, s)
}

func TestSetObjectsDimensionMismatch(t *testing.T) {
	s := New[float64](2)
	require.NoError(t, s.SetObjects([][]float64{{0, 0}, {1, 1}}))
	s.IncrementSubset()

	err := s.SetObjects([][]float64{{0, 0}, {1}})
	require.ErrorIs(t, err, ErrDimensionMismatch)

	// previous state survives
	assert.Equal(t, 2, s.Size())
	assert.Len(t, s.Subset(), 1)
}

func TestNonFiniteInput(t *testing.T) {
	tests := []struct {
		name   string
		points [][]float64
	}{
		{"nan", [][]float64{{0, 0}, {1, math.NaN()}, {2, 2}}},
		{"positive inf", [][]float64{{math.Inf(1), 0}, {1, 1}}},
		{"negative inf", [][]float64{{0, 0}, {1, math.Inf(-1)}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewFromObjects(tt.points)
			require.ErrorIs(t, err, ErrNonFinite)

			s := mustSubset(t, [][]float64{{0, 0}, {3, 4}})
			s.IncrementSubset()
			require.ErrorIs(t, s.SetObjects(tt.points), ErrNonFinite)
			assert.Equal(t, 2, s.Size(), "previous points survive")
			assert.Len(t, s.Subset(), 1)
		})
	}
}

func TestIncrementSubsetFallsBackToLowestIndex(t *testing.T) {
	// distances that never compare must still select every point once
	s := &Subset[float64]{
		dims:     2,
		objects:  [][]float64{{0, 0}, {math.NaN(), 1}, {math.NaN(), 2}},
		included: make([]bool, 3),
	}
	var picked []int
	for {
		idx, ok := s.IncrementSubset()
		if !ok {
			break
		}
		picked = append(picked, idx)
	}
	assert.Equal(t, []int{0, 1, 2}, picked)
	checkConsistency(t, s)
}

func TestInputIsCopied(t *testing.T) {
	points := [][]float64{{0, 0}, {2, 2}}
	s := mustSubset(t, points)
	before := s.Object(1)

	points[1][0] = 100
	assert.Equal(t, before, s.Object(1))

	obj := s.Object(0)
	obj[0] = 42
	assert.NotEqual(t, 42.0, s.Object(0)[0])
}

func TestFloat32(t *testing.T) {
	s, err := NewFromObjects([][]float32{{0, 0}, {1, 0}, {0, 1}, {1, 1}})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 3, 1, 2}, s.SubsetOfSize(4))
	checkConsistency(t, s)
}

func sqrDist(a, b []float64) float64 {
	var sum float64
	for i := range a {
		sum += (a[i] - b[i]) * (a[i] - b[i])
	}
	return sum
}

func randomPoints(rng *rand.Rand, n, dims int) [][]float64 {
	points := make([][]float64, n)
	for i := range points {
		p := make([]float64, dims)
		for d := range p {
			p[d] = rng.Float64() * float64(d+1) * 10
		}
		points[i] = p
	}
	return points
}
