package supervoxel

import (
	"container/heap"
	"image/color"
	"math"
	"sort"

	"github.com/golang/geo/r3"

	"go.viam.com/objectretrieval/pointcloud"
)

// maxColorDistance is the largest distance between two RGB colors scaled to [0, 1].
var maxColorDistance = math.Sqrt(3)

type voxelFeature struct {
	key       pointcloud.VoxelCoords
	center    r3.Vector
	color     color.NRGBA
	rgb       r3.Vector
	normal    r3.Vector
	hasNormal bool
	neighbors []int
}

// centroid is the running feature mean of a growing supervoxel.
type centroid struct {
	center    r3.Vector
	rgb       r3.Vector
	normal    r3.Vector
	hasNormal bool
}

func rgbVector(c color.NRGBA) r3.Vector {
	return r3.Vector{X: float64(c.R) / 255, Y: float64(c.G) / 255, Z: float64(c.B) / 255}
}

// buildVoxelFeatures collects, in key order, every voxel's center, color and normal along
// with its 26-connected neighbors. Normals come from the points when they carry one and
// are estimated from the surrounding voxel centers otherwise.
func (b *Builder) buildVoxelFeatures(pre pointcloud.PointCloud, vg *pointcloud.VoxelGrid) []*voxelFeature {
	keys := vg.Keys()
	index := make(map[pointcloud.VoxelCoords]int, len(keys))
	centers := make([]r3.Vector, len(keys))
	for i, k := range keys {
		index[k] = i
		centers[i] = vg.Voxels[k].Center
	}
	usePointNormals := pre.MetaData().HasNormal
	var tree *pointcloud.KDTree
	if !usePointNormals {
		tree = pointcloud.NewKDTreeFromPositions(centers)
	}

	features := make([]*voxelFeature, len(keys))
	neighborhood := make([]r3.Vector, 0, 32)
	for i, k := range keys {
		vox := vg.Voxels[k]
		f := &voxelFeature{key: k, center: vox.Center, color: vox.Color}
		if !vox.HasColor {
			f.color = color.NRGBA{A: 255}
		}
		f.rgb = rgbVector(f.color)
		if usePointNormals {
			var sum r3.Vector
			for _, pi := range vox.PointIndices {
				if _, d := pre.At(pi); d.HasNormal() {
					sum = sum.Add(d.Normal())
				}
			}
			if sum.Norm2() > 0 {
				f.normal, f.hasNormal = sum.Normalize(), true
			}
		} else {
			neighborhood = neighborhood[:0]
			for _, j := range tree.RadiusNeighbors(vox.Center, b.cfg.normalRadius()) {
				neighborhood = append(neighborhood, centers[j])
			}
			if n, ok := pointcloud.EstimatePlaneNormal(neighborhood); ok {
				f.normal, f.hasNormal = pointcloud.OrientNormal(n, vox.Center, r3.Vector{}), true
			}
		}
		for _, nk := range vg.GetAdjacentVoxels(vox) {
			f.neighbors = append(f.neighbors, index[nk])
		}
		features[i] = f
	}
	return features
}

// seeds picks, for every occupied cell of the seed grid, the voxel closest to the mean of
// the cell's voxels. Seeds are returned in seed cell order.
func (b *Builder) seeds(voxels []*voxelFeature, origin r3.Vector) []int {
	type cell struct {
		sum     r3.Vector
		members []int
	}
	cells := make(map[pointcloud.VoxelCoords]*cell)
	var keys []pointcloud.VoxelCoords
	for i, v := range voxels {
		k := pointcloud.GetVoxelCoordinates(v.center, origin, b.cfg.SeedResolution)
		c, ok := cells[k]
		if !ok {
			c = &cell{}
			cells[k] = c
			keys = append(keys, k)
		}
		c.sum = c.sum.Add(v.center)
		c.members = append(c.members, i)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })

	seeds := make([]int, 0, len(keys))
	for _, k := range keys {
		c := cells[k]
		mean := c.sum.Mul(1 / float64(len(c.members)))
		best, bestDist := -1, math.Inf(1)
		for _, i := range c.members {
			if d := voxels[i].center.Sub(mean).Norm2(); d < bestDist {
				best, bestDist = i, d
			}
		}
		seeds = append(seeds, best)
	}
	return seeds
}

// distance is the weighted feature distance between a voxel and a supervoxel centroid.
func (b *Builder) distance(v *voxelFeature, c *centroid) float64 {
	dc := v.rgb.Sub(c.rgb).Norm() / maxColorDistance
	ds := v.center.Sub(c.center).Norm2() / (3 * b.cfg.SeedResolution * b.cfg.SeedResolution)
	dn := 0.
	if v.hasNormal && c.hasNormal {
		dn = 1 - math.Abs(v.normal.Dot(c.normal))
	}
	return math.Sqrt(b.cfg.ColorImportance*dc*dc + b.cfg.SpatialImportance*ds + b.cfg.NormalImportance*dn*dn)
}

// grow assigns voxels to seeds by competitive best-first region growing, then repeatedly
// re-seeds every supervoxel at the voxel nearest its centroid and grows again. It returns
// the label of every voxel (-1 when unreachable from any seed) and the number of
// supervoxels.
func (b *Builder) grow(voxels []*voxelFeature, seeds []int) ([]int, int) {
	centroids := make([]*centroid, len(seeds))
	for s, v := range seeds {
		f := voxels[v]
		centroids[s] = &centroid{center: f.center, rgb: f.rgb, normal: f.normal, hasNormal: f.hasNormal}
	}
	labels := b.growOnce(voxels, seeds, centroids)
	for iter := 0; iter < b.cfg.RefineIterations; iter++ {
		centroids = computeCentroids(voxels, labels, len(seeds))
		seeds = reseed(voxels, labels, centroids)
		labels = b.growOnce(voxels, seeds, centroids)
	}
	return labels, len(seeds)
}

func (b *Builder) growOnce(voxels []*voxelFeature, seeds []int, centroids []*centroid) []int {
	labels := make([]int, len(voxels))
	for i := range labels {
		labels[i] = -1
	}
	q := &growthQueue{}
	seq := 0
	push := func(voxel, label int) {
		heap.Push(q, growthItem{
			dist:  b.distance(voxels[voxel], centroids[label]),
			voxel: voxel,
			label: label,
			seq:   seq,
		})
		seq++
	}
	for s, v := range seeds {
		labels[v] = s
	}
	for s, v := range seeds {
		for _, n := range voxels[v].neighbors {
			if labels[n] < 0 {
				push(n, s)
			}
		}
	}
	for q.Len() > 0 {
		item := heap.Pop(q).(growthItem)
		if labels[item.voxel] >= 0 {
			continue
		}
		labels[item.voxel] = item.label
		for _, n := range voxels[item.voxel].neighbors {
			if labels[n] < 0 {
				push(n, item.label)
			}
		}
	}
	return labels
}

func computeCentroids(voxels []*voxelFeature, labels []int, n int) []*centroid {
	centroids := make([]*centroid, n)
	counts := make([]int, n)
	for i := range centroids {
		centroids[i] = &centroid{}
	}
	for i, l := range labels {
		if l < 0 {
			continue
		}
		c := centroids[l]
		c.center = c.center.Add(voxels[i].center)
		c.rgb = c.rgb.Add(voxels[i].rgb)
		if voxels[i].hasNormal {
			// normals are sign ambiguous; align before summing
			n := voxels[i].normal
			if c.normal.Dot(n) < 0 {
				n = n.Mul(-1)
			}
			c.normal = c.normal.Add(n)
		}
		counts[l]++
	}
	for l, c := range centroids {
		if counts[l] == 0 {
			continue
		}
		c.center = c.center.Mul(1 / float64(counts[l]))
		c.rgb = c.rgb.Mul(1 / float64(counts[l]))
		if c.normal.Norm2() > 0 {
			c.normal = c.normal.Normalize()
			c.hasNormal = true
		}
	}
	return centroids
}

// reseed moves every seed to the member voxel nearest the supervoxel centroid.
func reseed(voxels []*voxelFeature, labels []int, centroids []*centroid) []int {
	seeds := make([]int, len(centroids))
	best := make([]float64, len(centroids))
	for i := range seeds {
		seeds[i] = -1
		best[i] = math.Inf(1)
	}
	for i, l := range labels {
		if l < 0 {
			continue
		}
		if d := voxels[i].center.Sub(centroids[l].center).Norm2(); d < best[l] {
			seeds[l], best[l] = i, d
		}
	}
	return seeds
}

type growthItem struct {
	dist  float64
	voxel int
	label int
	seq   int
}

// growthQueue is a min-heap on distance, first pushed first on ties.
type growthQueue []growthItem

func (q growthQueue) Len() int { return len(q) }

func (q growthQueue) Less(i, j int) bool {
	if q[i].dist != q[j].dist {
		return q[i].dist < q[j].dist
	}
	return q[i].seq < q[j].seq
}

func (q growthQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *growthQueue) Push(x interface{}) {
	*q = append(*q, x.(growthItem))
}

func (q *growthQueue) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}
