package pointcloud

import (
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// minNormalNeighbors is the smallest neighborhood a plane can be fit to.
const minNormalNeighbors = 3

// EstimatePlaneNormal fits a plane to the points and returns its unit normal: the
// eigenvector of the smallest eigenvalue of the covariance matrix. ok is false when there
// are too few points or the decomposition fails.
func EstimatePlaneNormal(points []r3.Vector) (r3.Vector, bool) {
	if len(points) < minNormalNeighbors {
		return r3.Vector{}, false
	}
	center := r3.Vector{}
	for _, p := range points {
		center = center.Add(p)
	}
	center = center.Mul(1 / float64(len(points)))

	var cov [3][3]float64
	for _, p := range points {
		d := [3]float64{p.X - center.X, p.Y - center.Y, p.Z - center.Z}
		for i := 0; i < 3; i++ {
			for j := i; j < 3; j++ {
				cov[i][j] += d[i] * d[j]
			}
		}
	}
	sym := mat.NewSymDense(3, nil)
	for i := 0; i < 3; i++ {
		for j := i; j < 3; j++ {
			sym.SetSym(i, j, cov[i][j]/float64(len(points)))
		}
	}

	var eig mat.EigenSym
	if ok := eig.Factorize(sym, true); !ok {
		return r3.Vector{}, false
	}
	var vectors mat.Dense
	eig.VectorsTo(&vectors)
	// eigenvalues are returned in ascending order
	n := r3.Vector{X: vectors.At(0, 0), Y: vectors.At(1, 0), Z: vectors.At(2, 0)}
	if n.Norm() == 0 {
		return r3.Vector{}, false
	}
	return n.Normalize(), true
}

// OrientNormal flips n so that it points toward the viewpoint.
func OrientNormal(n, p, viewpoint r3.Vector) r3.Vector {
	if n.Dot(viewpoint.Sub(p)) < 0 {
		return n.Mul(-1)
	}
	return n
}

// EstimateNormals returns a copy of pc where every point with at least three neighbors
// within radius carries a normal oriented toward the viewpoint.
func EstimateNormals(pc PointCloud, radius float64, viewpoint r3.Vector) PointCloud {
	positions := Positions(pc)
	tree := NewKDTreeFromPositions(positions)
	out := NewWithPrealloc(pc.Size())
	neighborhood := make([]r3.Vector, 0, 32)
	for i := 0; i < pc.Size(); i++ {
		p, d := pc.At(i)
		neighborhood = neighborhood[:0]
		for _, j := range tree.RadiusNeighbors(p, radius) {
			neighborhood = append(neighborhood, positions[j])
		}
		if n, ok := EstimatePlaneNormal(neighborhood); ok {
			d = d.SetNormal(OrientNormal(n, p, viewpoint))
		}
		//nolint:errcheck
		out.Append(p, d)
	}
	return out
}
