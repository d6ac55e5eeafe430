package supervoxel

import (
	"context"
	"image/color"
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"go.viam.com/objectretrieval/logging"
	"go.viam.com/objectretrieval/pointcloud"
)

// planeVoxels samples a patch of voxel centers that all carry the given normal.
func planeVoxels(origin, u, v r3.Vector, nu, nv int, step float64, normal r3.Vector) pointcloud.PointCloud {
	patch := pointcloud.MakePlanePatch(origin, u, v, nu, nv, step, color.NRGBA{120, 120, 120, 255})
	out := pointcloud.NewWithPrealloc(patch.Size())
	patch.Iterate(0, 0, func(p r3.Vector, d pointcloud.Data) bool {
		//nolint:errcheck
		out.Append(p, d.SetNormal(normal))
		return true
	})
	return out
}

func TestBoundaryConvexnessWallAndTable(t *testing.T) {
	x, y, z := r3.Vector{X: 1}, r3.Vector{Y: 1}, r3.Vector{Z: 1}
	wallNormal, tableNormal := x, z
	walls := make([]*Supervoxel, 3)
	for i := range walls {
		origin := r3.Vector{Y: 0.1 * float64(i)}
		walls[i] = NewSupervoxel(uint32(i+1), planeVoxels(origin, y, z, 8, 8, 0.012, wallNormal), wallNormal)
	}
	table := NewSupervoxel(4, planeVoxels(r3.Vector{X: 0.012}, x, y, 8, 8, 0.012, tableNormal), tableNormal)

	const flatPenalty = 0.5
	test.That(t, BoundaryConvexness(walls[0], walls[1], flatPenalty, 0.05), test.ShouldEqual, flatPenalty)
	test.That(t, BoundaryConvexness(walls[1], walls[2], flatPenalty, 0.05), test.ShouldEqual, flatPenalty)

	w := BoundaryConvexness(walls[0], table, flatPenalty, 0.05)
	test.That(t, math.Abs(w-flatPenalty), test.ShouldBeGreaterThan, 1e-3)
	// an inside corner is concave
	test.That(t, w, test.ShouldBeLessThan, 0)
}

func TestBoundaryConvexnessConvexEdge(t *testing.T) {
	x, y, z := r3.Vector{X: 1}, r3.Vector{Y: 1}, r3.Vector{Z: 1}
	// top face and side face of a box meeting at x = 0.1, z = 0.1
	top := NewSupervoxel(1, planeVoxels(r3.Vector{Z: 0.1}, x, y, 8, 8, 0.012, z), z)
	side := NewSupervoxel(2, planeVoxels(r3.Vector{X: 0.1}, y, z, 8, 8, 0.012, x), x)
	test.That(t, BoundaryConvexness(top, side, 0.5, 0.05), test.ShouldBeGreaterThan, 0)

	far := NewSupervoxel(3, planeVoxels(r3.Vector{X: 5}, y, z, 4, 4, 0.012, x), x)
	test.That(t, BoundaryConvexness(top, far, 0.5, 0.05), test.ShouldEqual, 0)
}

func TestNewSupervoxel(t *testing.T) {
	x, y := r3.Vector{X: 1}, r3.Vector{Y: 1}
	voxels := pointcloud.MakePlanePatch(r3.Vector{Z: 2}, x, y, 5, 5, 0.01, color.NRGBA{10, 20, 30, 255})
	sv := NewSupervoxel(7, voxels, r3.Vector{})
	test.That(t, sv.Label, test.ShouldEqual, uint32(7))
	test.That(t, sv.HasNormal, test.ShouldBeTrue)
	// oriented toward the sensor at the origin
	test.That(t, sv.Normal.Z, test.ShouldAlmostEqual, -1)
	test.That(t, sv.Centroid.X, test.ShouldAlmostEqual, 0.02)
	test.That(t, sv.Color, test.ShouldResemble, color.NRGBA{10, 20, 30, 255})
}

func TestConfig(t *testing.T) {
	cfg := DefaultConfig()
	test.That(t, cfg.CheckValid(), test.ShouldBeNil)
	test.That(t, cfg.normalRadius(), test.ShouldAlmostEqual, 0.024)

	err := cfg.ConvertAttributes(map[string]interface{}{
		"voxel_resolution": 0.02,
		"filter_outliers":  true,
		"flat_penalty":     0.25,
	})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cfg.VoxelResolution, test.ShouldEqual, 0.02)
	test.That(t, cfg.FilterOutliers, test.ShouldBeTrue)
	test.That(t, cfg.FlatPenalty, test.ShouldEqual, 0.25)
	test.That(t, cfg.SeedResolution, test.ShouldEqual, 0.2)

	bad := DefaultConfig()
	bad.VoxelResolution = 0
	test.That(t, bad.CheckValid(), test.ShouldNotBeNil)
	bad = DefaultConfig()
	bad.SeedResolution = 0.001
	test.That(t, bad.CheckValid(), test.ShouldNotBeNil)
	bad = DefaultConfig()
	bad.FilterOutliers = true
	bad.OutlierMinNeighbors = 0
	test.That(t, bad.CheckValid(), test.ShouldNotBeNil)

	_, err = NewBuilder(bad, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestBuildEmpty(t *testing.T) {
	b, err := NewBuilder(DefaultConfig(), logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	res, err := b.Build(context.Background(), pointcloud.New(), nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Graph.NumVertices(), test.ShouldEqual, 0)
	test.That(t, res.Supervoxels, test.ShouldBeEmpty)

	// everything out of range
	far := pointcloud.MakePlanePatch(r3.Vector{Z: 10}, r3.Vector{X: 1}, r3.Vector{Y: 1}, 5, 5, 0.01, color.NRGBA{A: 255})
	res, err = b.Build(context.Background(), far, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Graph.NumVertices(), test.ShouldEqual, 0)

	_, err = b.Build(context.Background(), far, pointcloud.MakeTestPointCloud())
	test.That(t, err, test.ShouldNotBeNil)
}

func TestBuildBox(t *testing.T) {
	logger := logging.NewTestLogger(t)
	b, err := NewBuilder(DefaultConfig(), logger)
	test.That(t, err, test.ShouldBeNil)

	cloud := pointcloud.MakeBoxSurface(r3.Vector{Z: 1.5}, 0.3, 0.01, color.NRGBA{200, 40, 40, 255})
	firstBefore, _ := cloud.At(0)
	res, err := b.Build(context.Background(), cloud, nil)
	test.That(t, err, test.ShouldBeNil)

	firstAfter, _ := cloud.At(0)
	test.That(t, firstAfter, test.ShouldResemble, firstBefore)

	n := len(res.Supervoxels)
	test.That(t, n, test.ShouldBeGreaterThan, 1)
	test.That(t, res.Graph.NumVertices(), test.ShouldEqual, n)
	test.That(t, len(res.VoxelClouds), test.ShouldEqual, n)
	test.That(t, len(res.ColorClouds), test.ShouldEqual, n)
	for i, sv := range res.Supervoxels {
		test.That(t, sv.Label, test.ShouldEqual, uint32(i+1))
		test.That(t, res.Graph.Vertex(i).Name, test.ShouldEqual, i)
		test.That(t, sv.Voxels.Size(), test.ShouldBeGreaterThan, 0)
	}

	labeledPoints := 0
	for _, c := range res.ColorClouds {
		labeledPoints += c.Size()
	}
	test.That(t, res.Labeled.Size(), test.ShouldEqual, cloud.Size())
	test.That(t, labeledPoints, test.ShouldEqual, cloud.Size())

	test.That(t, res.Graph.NumEdges(), test.ShouldBeGreaterThan, 0)
	for _, e := range res.Graph.Edges() {
		test.That(t, math.IsNaN(e.Weight) || math.IsInf(e.Weight, 0), test.ShouldBeFalse)
	}
	test.That(t, len(res.Graph.ConnectedComponents()), test.ShouldEqual, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = b.Build(ctx, cloud, nil)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestBuildUsesSuppliedNormals(t *testing.T) {
	b, err := NewBuilder(DefaultConfig(), logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	cloud := pointcloud.MakePlanePatch(r3.Vector{X: -0.2, Y: -0.2, Z: 1}, r3.Vector{X: 1}, r3.Vector{Y: 1}, 40, 40, 0.01,
		color.NRGBA{0, 0, 255, 255})
	normals := pointcloud.NewWithPrealloc(cloud.Size())
	cloud.Iterate(0, 0, func(p r3.Vector, d pointcloud.Data) bool {
		//nolint:errcheck
		normals.Append(p, pointcloud.NewNormalData(r3.Vector{Z: -1}))
		return true
	})
	res, err := b.Build(context.Background(), cloud, normals)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(res.Supervoxels), test.ShouldBeGreaterThan, 1)
	for _, c := range res.VoxelClouds {
		c.Iterate(0, 0, func(p r3.Vector, d pointcloud.Data) bool {
			test.That(t, d.Normal().Z, test.ShouldAlmostEqual, -1)
			return true
		})
	}
	// a flat plane only has flat boundaries
	for _, e := range res.Graph.Edges() {
		test.That(t, e.Weight, test.ShouldEqual, DefaultConfig().FlatPenalty)
	}
}
