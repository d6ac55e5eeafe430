package convex

import (
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"go.viam.com/objectretrieval/logging"
	"go.viam.com/objectretrieval/pointcloud"
	"go.viam.com/objectretrieval/vision/segmentation/graph"
)

func newTestMerger(t *testing.T, cfg MergeConfig) *Merger {
	t.Helper()
	m, err := NewMerger(cfg, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	return m
}

// pointsAt returns a cloud with n points along x starting at origin.
func pointsAt(origin r3.Vector, n int) pointcloud.PointCloud {
	pc := pointcloud.NewWithPrealloc(n)
	for i := 0; i < n; i++ {
		//nolint:errcheck
		pc.Append(origin.Add(r3.Vector{X: float64(i) * 0.001}), nil)
	}
	return pc
}

// sixSupervoxels has segments {0, 1}, {2, 3} and {4, 5}. The first two share a convex
// boundary of two edges; the last is attached by one convex and two concave edges.
func sixSupervoxels(t *testing.T) (*graph.Graph, map[int]int, []pointcloud.PointCloud) {
	t.Helper()
	g := graph.New(6)
	for _, e := range []graph.Edge{
		{U: 0, V: 1, Weight: 1},
		{U: 2, V: 3, Weight: 1},
		{U: 4, V: 5, Weight: 1},
		{U: 1, V: 2, Weight: 0.5},
		{U: 0, V: 3, Weight: 0.5},
		{U: 3, V: 4, Weight: 0.9},
		{U: 0, V: 4, Weight: -0.5},
		{U: 1, V: 5, Weight: -0.5},
	} {
		test.That(t, g.AddEdge(e.U, e.V, e.Weight), test.ShouldBeNil)
	}
	index := map[int]int{0: 0, 1: 0, 2: 1, 3: 1, 4: 2, 5: 2}
	segments := []pointcloud.PointCloud{
		pointsAt(r3.Vector{}, 3),
		pointsAt(r3.Vector{Y: 1}, 4),
		pointsAt(r3.Vector{Y: 2}, 5),
	}
	return g, index, segments
}

func TestMerge(t *testing.T) {
	m := newTestMerger(t, DefaultMergeConfig())
	g, index, segments := sixSupervoxels(t)

	res, err := m.Merge(g, index, segments)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(res.Segments), test.ShouldEqual, 2)
	test.That(t, res.Groups, test.ShouldResemble, [][]int{{0, 1}, {2}})
	test.That(t, res.Index, test.ShouldResemble, map[int]int{0: 0, 1: 0, 2: 0, 3: 0, 4: 1, 5: 1})
	test.That(t, res.Segments[0].Size(), test.ShouldEqual, 7)
	test.That(t, res.Segments[1].Size(), test.ShouldEqual, 5)

	// inputs are untouched
	test.That(t, index[2], test.ShouldEqual, 1)
	test.That(t, segments[0].Size(), test.ShouldEqual, 3)
	test.That(t, g.NumEdges(), test.ShouldEqual, 8)
}

func TestMergeToFixedPoint(t *testing.T) {
	m := newTestMerger(t, DefaultMergeConfig())
	// a chain of four segments with two convex edges between neighbors
	g := graph.New(8)
	for i := 0; i < 3; i++ {
		a, b := 2*i, 2*i+2
		test.That(t, g.AddEdge(a, b, 0.4), test.ShouldBeNil)
		test.That(t, g.AddEdge(a+1, b+1, 0.4), test.ShouldBeNil)
	}
	index := map[int]int{}
	segments := make([]pointcloud.PointCloud, 4)
	for s := range segments {
		index[2*s], index[2*s+1] = s, s
		segments[s] = pointsAt(r3.Vector{Z: float64(s)}, 2)
	}

	res, err := m.Merge(g, index, segments)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(res.Segments), test.ShouldEqual, 1)
	test.That(t, res.Groups, test.ShouldResemble, [][]int{{0, 1, 2, 3}})
	test.That(t, res.Segments[0].Size(), test.ShouldEqual, 8)
	for name := 0; name < 8; name++ {
		test.That(t, res.Index[name], test.ShouldEqual, 0)
	}
}

func TestMergeNeverGrows(t *testing.T) {
	m := newTestMerger(t, DefaultMergeConfig())
	g, index, segments := sixSupervoxels(t)
	for _, threshold := range []float64{-10, 0, 0.15, 0.7, 10} {
		m.cfg.Threshold = threshold
		res, err := m.Merge(g, index, segments)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, len(res.Segments), test.ShouldBeLessThanOrEqualTo, len(segments))
		test.That(t, len(res.Index), test.ShouldEqual, g.NumVertices())
		for _, s := range res.Index {
			test.That(t, s, test.ShouldBeLessThan, len(res.Segments))
		}
	}
}

func TestMergeDropsEmptySegments(t *testing.T) {
	m := newTestMerger(t, DefaultMergeConfig())
	g, index, segments := sixSupervoxels(t)
	// segment 2 is concave to the rest and owns no points
	segments[2] = pointcloud.New()

	res, err := m.Merge(g, index, segments)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(res.Segments), test.ShouldEqual, 1)
	test.That(t, res.Groups, test.ShouldResemble, [][]int{{0, 1}})
	test.That(t, res.Index, test.ShouldResemble, map[int]int{0: 0, 1: 0, 2: 0, 3: 0})
	test.That(t, res.Segments[0].Size(), test.ShouldEqual, 7)

	adj, err := m.SegmentAdjacencyGraph(g, res.Index, res.Segments)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, adj.NumVertices(), test.ShouldEqual, 1)
	test.That(t, adj.NumEdges(), test.ShouldEqual, 0)

	// an empty segment merged into a non-empty one is kept as part of it
	segments[1] = pointcloud.New()
	segments[2] = pointsAt(r3.Vector{Y: 2}, 5)
	res, err = m.Merge(g, index, segments)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Groups, test.ShouldResemble, [][]int{{0, 1}, {2}})
	test.That(t, res.Segments[0].Size(), test.ShouldEqual, 3)
	test.That(t, len(res.Index), test.ShouldEqual, 6)
}

func TestMergeErrors(t *testing.T) {
	m := newTestMerger(t, DefaultMergeConfig())
	g, index, segments := sixSupervoxels(t)

	delete(index, 5)
	_, err := m.Merge(g, index, segments)
	test.That(t, err, test.ShouldNotBeNil)

	index[5] = 3
	_, err = m.Merge(g, index, segments)
	test.That(t, err, test.ShouldNotBeNil)

	bad := DefaultMergeConfig()
	bad.ProximityStride = 0
	_, err = NewMerger(bad, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestConnectedSegments(t *testing.T) {
	clouds := []pointcloud.PointCloud{pointsAt(r3.Vector{}, 1), pointsAt(r3.Vector{}, 2), pointsAt(r3.Vector{}, 3)}
	first := graph.New(0)
	first.AddVertex(2)
	first.AddVertex(0)
	second := graph.New(0)
	second.AddVertex(1)

	segments, index, err := ConnectedSegments([]*graph.Graph{first, second}, clouds)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, index, test.ShouldResemble, map[int]int{0: 0, 1: 1, 2: 0})
	test.That(t, segments[0].Size(), test.ShouldEqual, 4)
	test.That(t, segments[1].Size(), test.ShouldEqual, 2)

	second.AddVertex(2)
	_, _, err = ConnectedSegments([]*graph.Graph{first, second}, clouds)
	test.That(t, err, test.ShouldNotBeNil)

	third := graph.New(0)
	third.AddVertex(7)
	_, _, err = ConnectedSegments([]*graph.Graph{third}, clouds)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestSegmentAdjacencyGraph(t *testing.T) {
	g, index, segments := sixSupervoxels(t)
	// a fourth segment without supervoxel edges, close to segment 2
	segments = append(segments, pointsAt(r3.Vector{X: 0.1, Y: 2.1}, 50))
	// and a fifth far from everything
	segments = append(segments, pointsAt(r3.Vector{X: 50}, 50))

	noProximity := DefaultMergeConfig()
	noProximity.ProximityEdges = false
	adj, err := newTestMerger(t, noProximity).SegmentAdjacencyGraph(g, index, segments)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, adj.NumVertices(), test.ShouldEqual, 5)
	test.That(t, adj.NumEdges(), test.ShouldEqual, 3)
	for _, e := range adj.Edges() {
		test.That(t, e.Weight, test.ShouldEqual, 0)
	}

	adj, err = newTestMerger(t, DefaultMergeConfig()).SegmentAdjacencyGraph(g, index, segments)
	test.That(t, err, test.ShouldBeNil)
	_, ok := adj.Edge(2, 3)
	test.That(t, ok, test.ShouldBeTrue)
	_, ok = adj.Edge(4, 0)
	test.That(t, ok, test.ShouldBeFalse)
	test.That(t, adj.Neighbors(4), test.ShouldBeEmpty)
}
