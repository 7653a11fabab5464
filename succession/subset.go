// Package succession selects maximally spread subsets of fixed-dimension points.
//
// A Subset grows one point at a time with a greedy farthest-point rule applied
// in a space where every dimension has been divided by its population standard
// deviation. The first point is the most central one; every following point is
// the unselected point farthest away from everything already selected.
package succession

import (
	"errors"
	"fmt"
	"math"

	"golang.org/x/exp/constraints"
	"gonum.org/v1/gonum/stat"
)

// ErrDimensionMismatch is returned when a point does not have the subset's dimension.
var ErrDimensionMismatch = errors.New("point dimension mismatch")

// ErrNonFinite is returned when a point has a NaN or infinite component.
var ErrNonFinite = errors.New("point component is not finite")

// Subset manages a point collection and the ordered subset chosen from it.
// It is not safe for concurrent use.
type Subset[T constraints.Float] struct {
	dims     int
	objects  [][]T
	included []bool
	order    []int
}

// New creates an empty subset for points with dims components.
func New[T constraints.Float](dims int) *Subset[T] {
	return &Subset[T]{dims: dims}
}

// NewFromObjects creates a subset from points. The dimension is taken from
// the first point; an empty input yields an empty zero-dimension subset.
func NewFromObjects[T constraints.Float](points [][]T) (*Subset[T], error) {
	dims := 0
	if len(points) > 0 {
		dims = len(points[0])
	}
	s := New[T](dims)
	if err := s.SetObjects(points); err != nil {
		return nil, err
	}
	return s, nil
}

// SetObjects replaces the managed points and resets the selection.
// Points are copied and normalized per dimension; the caller keeps ownership
// of the input slices. On error the previous state is left untouched.
func (s *Subset[T]) SetObjects(points [][]T) error {
	for i, p := range points {
		if len(p) != s.dims {
			return fmt.Errorf("point %d has %d components, want %d: %w", i, len(p), s.dims, ErrDimensionMismatch)
		}
		for d, v := range p {
			if f := float64(v); math.IsNaN(f) || math.IsInf(f, 0) {
				return fmt.Errorf("point %d component %d is %v: %w", i, d, f, ErrNonFinite)
			}
		}
	}

	factors := make([]T, s.dims)
	column := make([]float64, len(points))
	for d := 0; d < s.dims; d++ {
		for i, p := range points {
			column[i] = float64(p[d])
		}
		factors[d] = 1
		if len(points) == 0 {
			continue
		}
		if sigma := stat.PopStdDev(column, nil); sigma > 0 {
			factors[d] = T(1 / sigma)
		}
	}

	objects := make([][]T, len(points))
	for i, p := range points {
		n := make([]T, s.dims)
		for d, v := range p {
			n[d] = v * factors[d]
		}
		objects[i] = n
	}

	s.objects = objects
	s.included = make([]bool, len(points))
	s.order = s.order[:0]
	return nil
}

// Size returns the number of managed points.
func (s *Subset[T]) Size() int { return len(s.objects) }

// IsEmpty reports whether no points are managed.
func (s *Subset[T]) IsEmpty() bool { return len(s.objects) == 0 }

// Dimensions returns the number of components per point.
func (s *Subset[T]) Dimensions() int { return s.dims }

// IncrementSubset adds one more point to the subset and returns its index.
// The boolean is false once every point has been selected. On equal
// distances the lowest index wins.
func (s *Subset[T]) IncrementSubset() (int, bool) {
	if len(s.order) == len(s.objects) {
		return 0, false
	}

	best := -1
	if len(s.order) == 0 {
		// most central point: smallest maximal distance to any other point
		var bestDistance T
		for i := range s.objects {
			var worst T
			for j := range s.objects {
				if i == j {
					continue
				}
				if d := s.sqrDistance(i, j); d > worst {
					worst = d
				}
			}
			if best == -1 || worst < bestDistance {
				best = i
				bestDistance = worst
			}
		}
	} else {
		// farthest point: largest minimal distance to the selected points
		bestDistance := T(-1)
		for i := range s.objects {
			if s.included[i] {
				continue
			}
			nearest := s.sqrDistance(i, s.order[0])
			for _, j := range s.order[1:] {
				if d := s.sqrDistance(i, j); d < nearest {
					nearest = d
				}
			}
			if nearest > bestDistance {
				best = i
				bestDistance = nearest
			}
		}
	}

	if best < 0 {
		best = s.firstUnselected()
	}
	s.include(best)
	return best, true
}

func (s *Subset[T]) firstUnselected() int {
	for i, in := range s.included {
		if !in {
			return i
		}
	}
	return -1
}

// IncrementSubsetAt forces the point at index into the subset.
// It returns false without changes if index is out of range or already selected.
func (s *Subset[T]) IncrementSubsetAt(index int) bool {
	if index < 0 || index >= len(s.objects) || s.included[index] {
		return false
	}
	s.include(index)
	return true
}

// Subset returns a copy of the selected indices in selection order.
func (s *Subset[T]) Subset() []int {
	out := make([]int, len(s.order))
	copy(out, s.order)
	return out
}

// SubsetOfSize grows the selection until it holds size points or every point
// is selected, and returns a copy of it. It never shrinks the selection.
func (s *Subset[T]) SubsetOfSize(size int) []int {
	for len(s.order) < size {
		if _, ok := s.IncrementSubset(); !ok {
			break
		}
	}
	return s.Subset()
}

// Object returns a copy of the normalized point at index.
// Index must be in [0, Size()).
func (s *Subset[T]) Object(index int) []T {
	out := make([]T, s.dims)
	copy(out, s.objects[index])
	return out
}

// Included reports whether the point at index is part of the subset.
func (s *Subset[T]) Included(index int) bool {
	return index >= 0 && index < len(s.included) && s.included[index]
}

func (s *Subset[T]) include(index int) {
	s.included[index] = true
	s.order = append(s.order, index)
}

func (s *Subset[T]) sqrDistance(a, b int) T {
	var sum T
	pa, pb := s.objects[a], s.objects[b]
	for d := range pa {
		diff := pa[d] - pb[d]
		sum += diff * diff
	}
	return sum
}
