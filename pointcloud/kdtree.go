package pointcloud

import (
	"math"
	"sort"

	"github.com/golang/geo/r3"
)

type kdEntry struct {
	p     r3.Vector
	index int
}

// KDTree is a pointerless 3-d tree: the entries are ordered so that the median of
// every subslice is its splitting node, cycling X, Y, Z by depth. Searches return indices
// into the cloud the tree was built from.
type KDTree struct {
	entries []kdEntry
}

// NewKDTree builds a tree over every point of the cloud.
func NewKDTree(pc PointCloud) *KDTree {
	return NewKDTreeFromPositions(Positions(pc))
}

// NewKDTreeFromPositions builds a tree over the given positions.
func NewKDTreeFromPositions(positions []r3.Vector) *KDTree {
	entries := make([]kdEntry, len(positions))
	for i, p := range positions {
		entries[i] = kdEntry{p, i}
	}
	makeKD(entries, 0)
	return &KDTree{entries: entries}
}

func axisValue(p r3.Vector, axis int) float64 {
	switch axis {
	case 0:
		return p.X
	case 1:
		return p.Y
	default:
		return p.Z
	}
}

func makeKD(entries []kdEntry, depth int) {
	axis := depth % 3
	sort.Slice(entries, func(i, j int) bool {
		vi, vj := axisValue(entries[i].p, axis), axisValue(entries[j].p, axis)
		if vi != vj {
			return vi < vj
		}
		return entries[i].index < entries[j].index
	})
	l := len(entries)
	if l > 1 {
		makeKD(entries[:l/2], depth+1)
		if l > 2 {
			makeKD(entries[l/2+1:], depth+1)
		}
	}
}

// Size returns the number of indexed points.
func (t *KDTree) Size() int {
	return len(t.entries)
}

// NearestNeighbor returns the index of the closest point and its distance. ok is false
// for an empty tree. Equidistant points resolve to the lowest index.
func (t *KDTree) NearestNeighbor(q r3.Vector) (int, float64, bool) {
	if len(t.entries) == 0 {
		return -1, 0, false
	}
	best := kdEntry{index: -1}
	bestDsq := math.Inf(1)
	nearestKD(t.entries, 0, q, &best, &bestDsq)
	return best.index, math.Sqrt(bestDsq), true
}

func nearestKD(entries []kdEntry, depth int, q r3.Vector, best *kdEntry, bestDsq *float64) {
	l := len(entries)
	if l == 0 {
		return
	}
	mid := entries[l/2]
	dsq := q.Sub(mid.p).Norm2()
	if dsq < *bestDsq || (dsq == *bestDsq && mid.index < best.index) {
		*best, *bestDsq = mid, dsq
	}
	axis := depth % 3
	diff := axisValue(q, axis) - axisValue(mid.p, axis)
	near, far := entries[:l/2], entries[l/2+1:]
	if diff > 0 {
		near, far = far, near
	}
	nearestKD(near, depth+1, q, best, bestDsq)
	if diff*diff <= *bestDsq {
		nearestKD(far, depth+1, q, best, bestDsq)
	}
}

// RadiusNeighbors returns the indices of all points within radius of q, in ascending
// index order.
func (t *KDTree) RadiusNeighbors(q r3.Vector, radius float64) []int {
	var out []int
	radiusKD(t.entries, 0, q, radius*radius, &out)
	sort.Ints(out)
	return out
}

func radiusKD(entries []kdEntry, depth int, q r3.Vector, rsq float64, out *[]int) {
	l := len(entries)
	if l == 0 {
		return
	}
	mid := entries[l/2]
	if q.Sub(mid.p).Norm2() <= rsq {
		*out = append(*out, mid.index)
	}
	axis := depth % 3
	diff := axisValue(q, axis) - axisValue(mid.p, axis)
	if diff <= 0 || diff*diff <= rsq {
		radiusKD(entries[:l/2], depth+1, q, rsq, out)
	}
	if diff >= 0 || diff*diff <= rsq {
		radiusKD(entries[l/2+1:], depth+1, q, rsq, out)
	}
}

// CountWithin returns the number of points within radius of q.
func (t *KDTree) CountWithin(q r3.Vector, radius float64) int {
	var out []int
	radiusKD(t.entries, 0, q, radius*radius, &out)
	return len(out)
}
