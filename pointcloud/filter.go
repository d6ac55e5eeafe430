package pointcloud

import (
	"math"

	"github.com/golang/geo/r3"
)

func isFiniteVector(p r3.Vector) bool {
	for _, v := range []float64{p.X, p.Y, p.Z} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// FilterByDistance keeps the points closer than maxRange to the sensor origin.
func FilterByDistance(pc PointCloud, maxRange float64) PointCloud {
	out := NewWithPrealloc(pc.Size())
	pc.Iterate(0, 0, func(p r3.Vector, d Data) bool {
		if p.Norm() < maxRange {
			//nolint:errcheck
			out.Append(p, d)
		}
		return true
	})
	return out
}

// RadiusOutlierFilter removes points with fewer than minNeighbors other points within
// radius.
func RadiusOutlierFilter(pc PointCloud, radius float64, minNeighbors int) PointCloud {
	tree := NewKDTree(pc)
	out := NewWithPrealloc(pc.Size())
	pc.Iterate(0, 0, func(p r3.Vector, d Data) bool {
		// the point itself is always within the radius
		if tree.CountWithin(p, radius)-1 >= minNeighbors {
			//nolint:errcheck
			out.Append(p, d)
		}
		return true
	})
	return out
}

// ApproximateVoxelSubsample replaces the points of every occupied leafSize voxel by their
// centroid, keeping the averaged color. Voxels are emitted in the order they are first hit.
func ApproximateVoxelSubsample(pc PointCloud, leafSize float64) PointCloud {
	if pc.Size() == 0 || leafSize <= 0 {
		return MergePointClouds(pc)
	}
	type acc struct {
		sum     r3.Vector
		n       int
		r, g, b int
		colored int
	}
	meta := pc.MetaData()
	origin := meta.MinVector()
	order := make([]VoxelCoords, 0)
	cells := make(map[VoxelCoords]*acc)
	pc.Iterate(0, 0, func(p r3.Vector, d Data) bool {
		k := GetVoxelCoordinates(p, origin, leafSize)
		a, ok := cells[k]
		if !ok {
			a = &acc{}
			cells[k] = a
			order = append(order, k)
		}
		a.sum = a.sum.Add(p)
		a.n++
		if d != nil && d.HasColor() {
			r, g, b := d.RGB255()
			a.r += int(r)
			a.g += int(g)
			a.b += int(b)
			a.colored++
		}
		return true
	})
	out := NewWithPrealloc(len(order))
	for _, k := range order {
		a := cells[k]
		d := NewBasicData()
		if a.colored > 0 {
			d = NewColoredData(colorFromSums(a.r, a.g, a.b, a.colored))
		}
		//nolint:errcheck
		out.Append(a.sum.Mul(1/float64(a.n)), d)
	}
	return out
}
