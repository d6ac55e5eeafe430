// Package pointcloud defines a point cloud and provides an implementation for one.
//
// Clouds are ordered: points keep the index they were appended at, which lets
// neighborhood searches and segment bookkeeping refer to points by index. Positions are
// in meters.
package pointcloud

import (
	"math"

	"github.com/golang/geo/r3"
)

// MetaData is data about what's stored in the point cloud.
type MetaData struct {
	HasColor  bool
	HasNormal bool
	HasValue  bool

	MinX, MaxX float64
	MinY, MaxY float64
	MinZ, MaxZ float64

	totalX, totalY, totalZ float64
}

// NewMetaData creates a new MetaData with empty bounds.
func NewMetaData() MetaData {
	return MetaData{
		MinX: math.MaxFloat64,
		MinY: math.MaxFloat64,
		MinZ: math.MaxFloat64,
		MaxX: -math.MaxFloat64,
		MaxY: -math.MaxFloat64,
		MaxZ: -math.MaxFloat64,
	}
}

// Merge updates the meta data with the new data.
func (meta *MetaData) Merge(v r3.Vector, data Data) {
	if data != nil {
		if data.HasColor() {
			meta.HasColor = true
		}
		if data.HasNormal() {
			meta.HasNormal = true
		}
		if data.HasValue() {
			meta.HasValue = true
		}
	}

	if v.X > meta.MaxX {
		meta.MaxX = v.X
	}
	if v.Y > meta.MaxY {
		meta.MaxY = v.Y
	}
	if v.Z > meta.MaxZ {
		meta.MaxZ = v.Z
	}

	if v.X < meta.MinX {
		meta.MinX = v.X
	}
	if v.Y < meta.MinY {
		meta.MinY = v.Y
	}
	if v.Z < meta.MinZ {
		meta.MinZ = v.Z
	}

	meta.totalX += v.X
	meta.totalY += v.Y
	meta.totalZ += v.Z
}

// MinVector returns the lower corner of the bounding box.
func (meta *MetaData) MinVector() r3.Vector {
	return r3.Vector{X: meta.MinX, Y: meta.MinY, Z: meta.MinZ}
}

// MaxVector returns the upper corner of the bounding box.
func (meta *MetaData) MaxVector() r3.Vector {
	return r3.Vector{X: meta.MaxX, Y: meta.MaxY, Z: meta.MaxZ}
}

// PointCloud is a general purpose, ordered container of points.
type PointCloud interface {
	// Size returns the number of points in the cloud.
	Size() int

	// MetaData returns meta data
	MetaData() MetaData

	// Append adds the point at the end of the cloud. Non-finite positions are rejected.
	Append(p r3.Vector, d Data) error

	// At returns the point stored at index i.
	At(i int) (r3.Vector, Data)

	// Iterate iterates over all points in the cloud and calls the given
	// function for each point. If the supplied function returns false,
	// iteration will stop after the function returns.
	// numBatches lets you divide up he work. 0 means don't divide
	// myBatch is used iff numBatches > 0 and is which batch you want
	Iterate(numBatches, myBatch int, fn func(p r3.Vector, d Data) bool)
}

// PointAndData is a tiny struct to facilitate returning nearest neighbors in a neat way.
type PointAndData struct {
	P r3.Vector
	D Data
}

// CloudCentroid returns the centroid of a pointcloud as a vector.
func CloudCentroid(pc PointCloud) r3.Vector {
	if pc.Size() == 0 {
		return r3.Vector{}
	}
	meta := pc.MetaData()
	return r3.Vector{
		X: meta.totalX / float64(pc.Size()),
		Y: meta.totalY / float64(pc.Size()),
		Z: meta.totalZ / float64(pc.Size()),
	}
}

// MergePointClouds appends all of the sources into a new cloud, in order.
func MergePointClouds(sources ...PointCloud) PointCloud {
	total := 0
	for _, src := range sources {
		if src != nil {
			total += src.Size()
		}
	}
	out := NewWithPrealloc(total)
	for _, src := range sources {
		if src == nil {
			continue
		}
		src.Iterate(0, 0, func(p r3.Vector, d Data) bool {
			// sources only hold finite points, so Append cannot fail.
			//nolint:errcheck
			out.Append(p, d)
			return true
		})
	}
	return out
}

// Positions returns the positions of the cloud in order.
func Positions(pc PointCloud) []r3.Vector {
	out := make([]r3.Vector, 0, pc.Size())
	pc.Iterate(0, 0, func(p r3.Vector, d Data) bool {
		out = append(out, p)
		return true
	})
	return out
}
