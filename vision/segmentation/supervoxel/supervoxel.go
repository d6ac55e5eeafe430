// Package supervoxel clusters a point cloud into supervoxels, small surface patches that
// are coherent in position, color and orientation, and builds their adjacency graph with
// boundary convexity weights.
package supervoxel

import (
	"context"
	"image/color"
	"sort"
	"sync"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"go.viam.com/objectretrieval/logging"
	"go.viam.com/objectretrieval/pointcloud"
	"go.viam.com/objectretrieval/utils"
	"go.viam.com/objectretrieval/vision/segmentation/graph"
)

// Supervoxel is a cluster of voxels grown from one seed. It is read-only once built.
type Supervoxel struct {
	// Label is unique within one Build and starts at 1.
	Label uint32
	// Voxels holds the voxel centers with their averaged color and normal.
	Voxels    pointcloud.PointCloud
	Centroid  r3.Vector
	Color     color.NRGBA
	Normal    r3.Vector
	HasNormal bool

	treeOnce sync.Once
	tree     *pointcloud.KDTree
}

// NewSupervoxel builds a supervoxel over the given voxels. The centroid and color are the
// voxel means; a zero normal is estimated by fitting a plane through the voxels, oriented
// toward the origin.
func NewSupervoxel(label uint32, voxels pointcloud.PointCloud, normal r3.Vector) *Supervoxel {
	sv := &Supervoxel{
		Label:    label,
		Voxels:   voxels,
		Centroid: pointcloud.CloudCentroid(voxels),
		Normal:   normal,
	}
	var r, g, b, n int
	var normalSum r3.Vector
	voxels.Iterate(0, 0, func(p r3.Vector, d pointcloud.Data) bool {
		if d.HasColor() {
			cr, cg, cb := d.RGB255()
			r, g, b, n = r+int(cr), g+int(cg), b+int(cb), n+1
		}
		if d.HasNormal() {
			normalSum = normalSum.Add(d.Normal())
		}
		return true
	})
	if n > 0 {
		sv.Color = color.NRGBA{R: uint8(r / n), G: uint8(g / n), B: uint8(b / n), A: 255}
	}
	if normal.Norm2() > 0 {
		sv.Normal = normal.Normalize()
		sv.HasNormal = true
		return sv
	}
	if fit, ok := pointcloud.EstimatePlaneNormal(pointcloud.Positions(voxels)); ok {
		sv.Normal = pointcloud.OrientNormal(fit, sv.Centroid, r3.Vector{})
		sv.HasNormal = true
	} else if normalSum.Norm2() > 0 {
		sv.Normal = normalSum.Normalize()
		sv.HasNormal = true
	}
	return sv
}

// Result is the output of Build. Supervoxel i is vertex i of Graph, named i.
type Result struct {
	Graph       *graph.Graph
	Supervoxels []*Supervoxel
	// VoxelClouds[i] is Supervoxels[i].Voxels.
	VoxelClouds []pointcloud.PointCloud
	// ColorClouds[i] holds the preprocessed input points that fell into supervoxel i.
	ColorClouds []pointcloud.PointCloud
	// Labeled is the preprocessed input with each point's supervoxel label as its value,
	// 0 for points that were not assigned.
	Labeled pointcloud.PointCloud
}

// A Builder extracts supervoxels and their weighted adjacency graph.
type Builder struct {
	cfg    Config
	logger logging.Logger
}

// NewBuilder returns a builder for the given config.
func NewBuilder(cfg Config, logger logging.Logger) (*Builder, error) {
	if err := cfg.CheckValid(); err != nil {
		return nil, errors.Wrap(err, "supervoxel config error")
	}
	return &Builder{cfg: cfg, logger: logger}, nil
}

// Config returns the builder's configuration.
func (b *Builder) Config() Config {
	return b.cfg
}

// Subsample thins the cloud on the configured leaf grid. A zero leaf returns a copy.
func (b *Builder) Subsample(cloud pointcloud.PointCloud) pointcloud.PointCloud {
	if b.cfg.SubsampleLeaf <= 0 {
		return pointcloud.MergePointClouds(cloud)
	}
	return pointcloud.ApproximateVoxelSubsample(cloud, b.cfg.SubsampleLeaf)
}

// Preprocess keeps the points within the configured range of the sensor and optionally
// removes sparse outliers.
func (b *Builder) Preprocess(cloud pointcloud.PointCloud) pointcloud.PointCloud {
	out := pointcloud.FilterByDistance(cloud, b.cfg.MaxRange)
	if b.cfg.FilterOutliers {
		out = pointcloud.RadiusOutlierFilter(out, b.cfg.OutlierRadius, b.cfg.OutlierMinNeighbors)
	}
	return out
}

// Build extracts supervoxels from cloud and weights their adjacency. normals may be nil;
// otherwise it must be aligned with cloud and its points' normals are used instead of
// estimated ones. Neither input is modified. A cloud without any point in range yields
// an empty graph and no error.
func (b *Builder) Build(ctx context.Context, cloud, normals pointcloud.PointCloud) (*Result, error) {
	if normals != nil {
		if normals.Size() != cloud.Size() {
			return nil, errors.Errorf("normal cloud has %d points but cloud has %d", normals.Size(), cloud.Size())
		}
		cloud = withNormals(cloud, normals)
	}
	pre := b.Preprocess(cloud)
	b.logger.Debugw("preprocessed cloud", "input", cloud.Size(), "kept", pre.Size())

	res := &Result{Graph: graph.New(0)}
	if pre.Size() == 0 {
		res.Labeled = pre
		return res, nil
	}

	vg := pointcloud.NewVoxelGridFromPointCloud(pre, b.cfg.VoxelResolution)
	voxels := b.buildVoxelFeatures(pre, vg)
	b.logger.Debugw("voxelized cloud", "voxels", len(voxels))

	labels, numSupervoxels := b.grow(voxels, b.seeds(voxels, vg.Origin))
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	members := make([][]int, numSupervoxels)
	for i, l := range labels {
		if l >= 0 {
			members[l] = append(members[l], i)
		}
	}
	for s, idxs := range members {
		cloud := pointcloud.NewWithPrealloc(len(idxs))
		for _, i := range idxs {
			v := voxels[i]
			vg.Voxels[v.key].Label = s + 1
			d := pointcloud.NewColoredData(v.color)
			if v.hasNormal {
				d = d.SetNormal(v.normal)
			}
			//nolint:errcheck
			cloud.Append(v.center, d)
		}
		sv := NewSupervoxel(uint32(s+1), cloud, r3.Vector{})
		res.Supervoxels = append(res.Supervoxels, sv)
		res.VoxelClouds = append(res.VoxelClouds, cloud)
		res.Graph.AddVertex(s)
	}
	b.logger.Debugw("extracted supervoxels", "count", numSupervoxels)

	res.Labeled, res.ColorClouds = labelPoints(pre, vg, numSupervoxels)

	pairs := adjacentPairs(voxels, labels)
	weights := make([]float64, len(pairs))
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(utils.ParallelFactor)
	for i, p := range pairs {
		i, p := i, p
		eg.Go(func() error {
			if err := egCtx.Err(); err != nil {
				return err
			}
			w := BoundaryConvexness(res.Supervoxels[p[0]], res.Supervoxels[p[1]], b.cfg.FlatPenalty, b.cfg.BoundaryDistance)
			if !utils.IsFinite(w) {
				w = 0
			}
			weights[i] = w
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	for i, p := range pairs {
		if err := res.Graph.AddEdge(p[0], p[1], weights[i]); err != nil {
			return nil, err
		}
	}
	b.logger.Debugw("built supervoxel graph", "vertices", res.Graph.NumVertices(), "edges", res.Graph.NumEdges())
	return res, nil
}

func withNormals(cloud, normals pointcloud.PointCloud) pointcloud.PointCloud {
	out := pointcloud.NewWithPrealloc(cloud.Size())
	for i := 0; i < cloud.Size(); i++ {
		p, d := cloud.At(i)
		if _, nd := normals.At(i); nd.HasNormal() {
			d = d.SetNormal(nd.Normal())
		}
		//nolint:errcheck
		out.Append(p, d)
	}
	return out
}

// labelPoints tags every point with its voxel's supervoxel label and gathers the points
// of each supervoxel.
func labelPoints(pre pointcloud.PointCloud, vg *pointcloud.VoxelGrid, n int) (pointcloud.PointCloud, []pointcloud.PointCloud) {
	labeled := pointcloud.NewWithPrealloc(pre.Size())
	clouds := make([]pointcloud.PointCloud, n)
	for i := range clouds {
		clouds[i] = pointcloud.New()
	}
	pre.Iterate(0, 0, func(p r3.Vector, d pointcloud.Data) bool {
		label := 0
		if vox, ok := vg.Lookup(p); ok {
			label = vox.Label
		}
		//nolint:errcheck
		labeled.Append(p, d.SetValue(label))
		if label > 0 {
			//nolint:errcheck
			clouds[label-1].Append(p, d)
		}
		return true
	})
	return labeled, clouds
}

// adjacentPairs lists the supervoxel pairs whose voxels touch, sorted.
func adjacentPairs(voxels []*voxelFeature, labels []int) [][2]int {
	seen := make(map[[2]int]struct{})
	for i, v := range voxels {
		li := labels[i]
		if li < 0 {
			continue
		}
		for _, j := range v.neighbors {
			lj := labels[j]
			if lj < 0 || lj == li {
				continue
			}
			key := [2]int{li, lj}
			if lj < li {
				key = [2]int{lj, li}
			}
			seen[key] = struct{}{}
		}
	}
	pairs := make([][2]int, 0, len(seen))
	for k := range seen {
		pairs = append(pairs, k)
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i][0] != pairs[j][0] {
			return pairs[i][0] < pairs[j][0]
		}
		return pairs[i][1] < pairs[j][1]
	})
	return pairs
}
