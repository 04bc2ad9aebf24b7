// Package sepdist computes per-event station separation distances for
// spatially correlated ground-motion regression.
//
// Observations are grouped by event id; within an event every ordered pair
// of stations gets a Euclidean separation distance, and additionally the
// absolute distance components along the fault-parallel and fault-normal
// axes obtained by rotating station coordinates by (90° − strike).
package sepdist

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// EventDistances holds the pairwise distance matrices for one event.
// All three matrices are m×m where m is the number of stations recorded
// for the event, with zero diagonals.
type EventDistances struct {
	// Rows are the original row indices of this event's observations,
	// in order of appearance.
	Rows []int

	// Euclid is the pairwise Euclidean separation distance.
	Euclid *mat.SymDense

	// Parallel and Normal are the absolute pairwise distance components
	// along the rotated fault-parallel and fault-normal axes. Only the
	// anisotropic covariance model consumes them.
	Parallel *mat.SymDense
	Normal   *mat.SymDense
}

// Set is the separation-distance cache for a whole dataset: one
// EventDistances per distinct event id, in first-occurrence order.
type Set struct {
	Events []EventDistances

	// N is the total number of observations across all events.
	N int
}

// NumEvents returns the number of distinct events in the set.
func (s *Set) NumEvents() int { return len(s.Events) }

// GroupSizes returns the station count of each event, in event order.
func (s *Set) GroupSizes() []int {
	sizes := make([]int, len(s.Events))
	for i, ev := range s.Events {
		sizes[i] = len(ev.Rows)
	}
	return sizes
}

// Permutation returns the row permutation that gathers observations into
// contiguous event blocks: perm[k] is the original row index of the k-th
// row in block order. Block-diagonal covariance construction assumes data
// vectors have been reordered with this permutation.
func (s *Set) Permutation() []int {
	perm := make([]int, 0, s.N)
	for _, ev := range s.Events {
		perm = append(perm, ev.Rows...)
	}
	return perm
}

// Compute groups the station coordinate matrix w by eventID and builds the
// per-event distance matrices. Distinct event ids are processed in order of
// first occurrence. strikeDeg is the fault strike angle in degrees; station
// coordinates are rotated by (90−strike)·π/180 before taking the
// fault-parallel and fault-normal components. A single-station event yields
// 1×1 zero matrices.
func Compute(w mat.Matrix, eventID []int, strikeDeg float64) (*Set, error) {
	n, c := w.Dims()
	if c < 2 {
		return nil, fmt.Errorf("station coordinates need at least 2 columns, got %d", c)
	}
	if len(eventID) != n {
		return nil, fmt.Errorf("eventID length %d does not match %d coordinate rows", len(eventID), n)
	}

	// Stable group-by: first-occurrence order of distinct ids.
	order := make([]int, 0)
	groups := make(map[int][]int)
	for i, id := range eventID {
		if _, ok := groups[id]; !ok {
			order = append(order, id)
		}
		groups[id] = append(groups[id], i)
	}

	theta := (90 - strikeDeg) * math.Pi / 180
	sinT, cosT := math.Sin(theta), math.Cos(theta)

	s := &Set{Events: make([]EventDistances, len(order)), N: n}
	for e, id := range order {
		rows := groups[id]
		m := len(rows)
		ev := EventDistances{
			Rows:     rows,
			Euclid:   mat.NewSymDense(m, nil),
			Parallel: mat.NewSymDense(m, nil),
			Normal:   mat.NewSymDense(m, nil),
		}
		for i := 0; i < m; i++ {
			xi, yi := w.At(rows[i], 0), w.At(rows[i], 1)
			// Rotated coordinates of station i.
			pi := cosT*xi - sinT*yi
			ni := sinT*xi + cosT*yi
			for j := i + 1; j < m; j++ {
				xj, yj := w.At(rows[j], 0), w.At(rows[j], 1)
				ev.Euclid.SetSym(i, j, math.Hypot(xi-xj, yi-yj))

				pj := cosT*xj - sinT*yj
				nj := sinT*xj + cosT*yj
				ev.Parallel.SetSym(i, j, math.Abs(pi-pj))
				ev.Normal.SetSym(i, j, math.Abs(ni-nj))
			}
		}
		s.Events[e] = ev
	}
	return s, nil
}
