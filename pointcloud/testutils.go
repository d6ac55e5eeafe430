package pointcloud

import (
	"image/color"

	"github.com/golang/geo/r3"
)

// MakeTestPointCloud creates a test point cloud with 3 points.
func MakeTestPointCloud() PointCloud {
	pc := NewWithPrealloc(3)
	for _, p := range []r3.Vector{{X: 0, Y: 0, Z: 0}, {X: 1, Y: 0, Z: 0}, {X: 0, Y: 1, Z: 0}} {
		if err := pc.Append(p, NewBasicData()); err != nil {
			return nil
		}
	}
	return pc
}

// MakePlanePatch samples an nu by nv grid spaced step apart, spanned by the unit directions
// u and v from origin. Every point carries color c.
func MakePlanePatch(origin, u, v r3.Vector, nu, nv int, step float64, c color.NRGBA) PointCloud {
	pc := NewWithPrealloc(nu * nv)
	for i := 0; i < nu; i++ {
		for j := 0; j < nv; j++ {
			p := origin.Add(u.Mul(float64(i) * step)).Add(v.Mul(float64(j) * step))
			//nolint:errcheck
			pc.Append(p, NewColoredData(c))
		}
	}
	return pc
}

// MakeBoxSurface samples the six faces of an axis aligned box with the given center and
// side length. Every point carries color c.
func MakeBoxSurface(center r3.Vector, side, step float64, c color.NRGBA) PointCloud {
	n := int(side/step) + 1
	h := side / 2
	lo := center.Sub(r3.Vector{X: h, Y: h, Z: h})
	x, y, z := r3.Vector{X: 1}, r3.Vector{Y: 1}, r3.Vector{Z: 1}
	return MergePointClouds(
		MakePlanePatch(lo, x, y, n, n, step, c),
		MakePlanePatch(lo.Add(z.Mul(side)), x, y, n, n, step, c),
		MakePlanePatch(lo, x, z, n, n, step, c),
		MakePlanePatch(lo.Add(y.Mul(side)), x, z, n, n, step, c),
		MakePlanePatch(lo, y, z, n, n, step, c),
		MakePlanePatch(lo.Add(x.Mul(side)), y, z, n, n, step, c),
	)
}
