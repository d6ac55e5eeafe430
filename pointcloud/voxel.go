package pointcloud

import (
	"image/color"
	"math"
	"sort"

	"github.com/golang/geo/r3"
)

/* In this file are functions to create a Voxel, a Voxel Grid from a point cloud
A voxel represents a value on a regular grid in three-dimensional space. As with
pixels in a 2D bitmap, voxels themselves do not typically have their position
(i.e. coordinates) explicitly encoded with their values.
*/

// VoxelCoords stores Voxel coordinates in VoxelGrid axes.
type VoxelCoords struct {
	I, J, K int64
}

// IsEqual tests if two VoxelCoords are the same.
func (c VoxelCoords) IsEqual(c2 VoxelCoords) bool {
	return c.I == c2.I && c.J == c2.J && c.K == c2.K
}

// Less orders voxel keys lexicographically.
func (c VoxelCoords) Less(c2 VoxelCoords) bool {
	if c.I != c2.I {
		return c.I < c2.I
	}
	if c.J != c2.J {
		return c.J < c2.J
	}
	return c.K < c2.K
}

// GetVoxelCoordinates computes voxel coordinates in VoxelGrid axes.
func GetVoxelCoordinates(pt, ptMin r3.Vector, voxelSize float64) VoxelCoords {
	ptVoxel := pt.Sub(ptMin).Mul(1. / voxelSize)
	return VoxelCoords{
		I: int64(math.Floor(ptVoxel.X)),
		J: int64(math.Floor(ptVoxel.Y)),
		K: int64(math.Floor(ptVoxel.Z)),
	}
}

// Voxel is the structure to store data relevant to Voxel operations in point clouds.
type Voxel struct {
	Key          VoxelCoords
	Label        int
	Points       []r3.Vector
	PointIndices []int
	Center       r3.Vector
	Normal       r3.Vector
	HasNormal    bool
	Color        color.NRGBA
	HasColor     bool
}

// NewVoxel creates a pointer to a Voxel struct.
func NewVoxel(coords VoxelCoords) *Voxel {
	return &Voxel{
		Key:    coords,
		Points: make([]r3.Vector, 0),
	}
}

// ComputeCenter computes the barycenter of points in voxel.
func (v1 *Voxel) ComputeCenter() {
	if len(v1.Points) == 0 {
		return
	}
	center := r3.Vector{}
	for _, pt := range v1.Points {
		center = center.Add(pt)
	}
	v1.Center = center.Mul(1. / float64(len(v1.Points)))
}

// VoxelGrid contains the sparse grid of Voxels of a point cloud.
type VoxelGrid struct {
	Voxels     map[VoxelCoords]*Voxel
	Resolution float64
	Origin     r3.Vector

	keys []VoxelCoords
}

// NewVoxelGridFromPointCloud creates and fills a VoxelGrid from a point cloud. Voxel
// centers are the mean of their points and colors are averaged per channel.
func NewVoxelGridFromPointCloud(pc PointCloud, voxelSize float64) *VoxelGrid {
	meta := pc.MetaData()
	vg := &VoxelGrid{
		Voxels:     make(map[VoxelCoords]*Voxel),
		Resolution: voxelSize,
		Origin:     meta.MinVector(),
	}
	if pc.Size() == 0 {
		vg.Origin = r3.Vector{}
		return vg
	}

	type colorSum struct {
		r, g, b, n int
	}
	colors := make(map[VoxelCoords]*colorSum)
	idx := 0
	pc.Iterate(0, 0, func(p r3.Vector, d Data) bool {
		coords := GetVoxelCoordinates(p, vg.Origin, voxelSize)
		vox, ok := vg.Voxels[coords]
		if !ok {
			vox = NewVoxel(coords)
			vg.Voxels[coords] = vox
			vg.keys = append(vg.keys, coords)
			colors[coords] = &colorSum{}
		}
		vox.Points = append(vox.Points, p)
		vox.PointIndices = append(vox.PointIndices, idx)
		if d != nil && d.HasColor() {
			r, g, b := d.RGB255()
			cs := colors[coords]
			cs.r += int(r)
			cs.g += int(g)
			cs.b += int(b)
			cs.n++
		}
		idx++
		return true
	})

	sort.Slice(vg.keys, func(i, j int) bool { return vg.keys[i].Less(vg.keys[j]) })
	for k, vox := range vg.Voxels {
		vox.ComputeCenter()
		if cs := colors[k]; cs.n > 0 {
			vox.Color = colorFromSums(cs.r, cs.g, cs.b, cs.n)
			vox.HasColor = true
		}
	}
	return vg
}

// Keys returns the occupied voxel keys in lexicographic order.
func (vg *VoxelGrid) Keys() []VoxelCoords {
	return vg.keys
}

// GetVoxelFromKey returns a pointer to a voxel from a VoxelCoords key.
func (vg *VoxelGrid) GetVoxelFromKey(coords VoxelCoords) *Voxel {
	return vg.Voxels[coords]
}

// Lookup returns the voxel containing p, if occupied.
func (vg *VoxelGrid) Lookup(p r3.Vector) (*Voxel, bool) {
	v, ok := vg.Voxels[GetVoxelCoordinates(p, vg.Origin, vg.Resolution)]
	return v, ok
}

// GetAdjacentVoxels gets adjacent voxels in point cloud in 26-connectivity.
func (vg *VoxelGrid) GetAdjacentVoxels(v *Voxel) []VoxelCoords {
	I, J, K := v.Key.I, v.Key.J, v.Key.K
	is := []int64{I - 1, I, I + 1}
	js := []int64{J - 1, J, J + 1}
	ks := []int64{K - 1, K, K + 1}
	neighborKeys := make([]VoxelCoords, 0)
	for _, i := range is {
		for _, j := range js {
			for _, k := range ks {
				vox := VoxelCoords{i, j, k}
				_, ok := vg.Voxels[vox]
				// if neighboring voxel is in VoxelGrid and is not current voxel
				if ok && !v.Key.IsEqual(vox) {
					neighborKeys = append(neighborKeys, vox)
				}
			}
		}
	}
	return neighborKeys
}

// ToPointCloud returns one point per voxel at its center, carrying the averaged color and
// the voxel normal, in key order. Values hold the voxel labels.
func (vg *VoxelGrid) ToPointCloud() PointCloud {
	pc := NewWithPrealloc(len(vg.keys))
	for _, k := range vg.keys {
		vox := vg.Voxels[k]
		d := NewValueData(vox.Label)
		if vox.HasColor {
			d = d.SetColor(vox.Color)
		}
		if vox.HasNormal {
			d = d.SetNormal(vox.Normal)
		}
		//nolint:errcheck
		pc.Append(vox.Center, d)
	}
	return pc
}
