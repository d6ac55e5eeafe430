package supervoxel

import (
	"math"

	"github.com/golang/geo/r3"

	"go.viam.com/objectretrieval/pointcloud"
)

// flatAngle is the angle between normals below which two surfaces count as coplanar.
const flatAngle = math.Pi / 8

func nearlyParallel(n1, n2 r3.Vector) bool {
	return math.Acos(math.Min(1, math.Abs(n1.Dot(n2)))) < flatAngle
}

// BoundaryConvexness weights the boundary between two adjacent supervoxels. Supervoxels
// with nearly parallel normals get flatPenalty. Otherwise every voxel of first whose
// nearest voxel in second lies within distThreshold contributes: flatPenalty when the two
// voxel normals are nearly parallel, else -d.(n_j - n_i) with d the unit offset between
// the voxels. The result is the mean contribution; positive means convex, negative
// concave. Without any qualifying pair the result is 0.
func BoundaryConvexness(first, second *Supervoxel, flatPenalty, distThreshold float64) float64 {
	if nearlyParallel(first.Normal, second.Normal) {
		return flatPenalty
	}
	tree := second.kdTree()

	count := 0
	sum := 0.
	for i := 0; i < first.Voxels.Size(); i++ {
		pi, di := first.Voxels.At(i)
		j, dist, ok := tree.NearestNeighbor(pi)
		if !ok || dist > distThreshold {
			continue
		}
		count++
		pj, dj := second.Voxels.At(j)
		ni, nj := di.Normal(), dj.Normal()
		if nearlyParallel(ni, nj) {
			sum += flatPenalty
			continue
		}
		diff := pi.Sub(pj).Normalize()
		sum += -diff.Dot(nj.Sub(ni))
	}
	if count == 0 {
		return 0
	}
	return sum / float64(count)
}

func (sv *Supervoxel) kdTree() *pointcloud.KDTree {
	sv.treeOnce.Do(func() {
		sv.tree = pointcloud.NewKDTree(sv.Voxels)
	})
	return sv.tree
}
