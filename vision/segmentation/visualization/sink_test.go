package visualization

import (
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"go.viam.com/objectretrieval/logging"
	"go.viam.com/objectretrieval/pointcloud"
	"go.viam.com/objectretrieval/vision/segmentation/graph"
)

func TestColorSegments(t *testing.T) {
	test.That(t, len(Colormap), test.ShouldEqual, 24)

	segments := make([]pointcloud.PointCloud, 26)
	for i := range segments {
		segments[i] = pointcloud.MakePlanePatch(r3.Vector{X: float64(i)}, r3.Vector{Y: 1}, r3.Vector{Z: 1}, 2, 2, 0.1,
			color.NRGBA{A: 255})
	}
	colored := ColorSegments(segments)
	test.That(t, colored.Size(), test.ShouldEqual, 26*4)

	_, d := colored.At(0)
	test.That(t, d.Color(), test.ShouldResemble, Colormap[0])
	test.That(t, d.Value(), test.ShouldEqual, 0)
	_, d = colored.At(25 * 4)
	test.That(t, d.Color(), test.ShouldResemble, Colormap[1])
	test.That(t, d.Value(), test.ShouldEqual, 25)
}

func TestColorPartitions(t *testing.T) {
	clouds := []pointcloud.PointCloud{
		pointcloud.MakeTestPointCloud(),
		pointcloud.MakeTestPointCloud(),
		pointcloud.MakeTestPointCloud(),
	}
	first := graph.New(0)
	first.AddVertex(2)
	second := graph.New(0)
	second.AddVertex(0)
	second.AddVertex(1)
	// unknown names are skipped
	second.AddVertex(9)

	colored := ColorPartitions([]*graph.Graph{first, second}, clouds)
	test.That(t, colored.Size(), test.ShouldEqual, 9)
	_, d := colored.At(3)
	test.That(t, d.Value(), test.ShouldEqual, 1)
	test.That(t, d.Color(), test.ShouldResemble, Colormap[1])
}

func TestPCDSink(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "vis")
	sink, err := NewPCDSink(dir, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	sink.DisplaySegments("merged", []pointcloud.PointCloud{pointcloud.MakeTestPointCloud()})
	sink.DisplaySegments("merged", []pointcloud.PointCloud{pointcloud.MakeTestPointCloud()})

	entries, err := os.ReadDir(dir)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(entries), test.ShouldEqual, 2)

	cloud, err := pointcloud.NewFromFile(filepath.Join(dir, "merged_1.pcd"))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cloud.Size(), test.ShouldEqual, 3)
	_, d := cloud.At(0)
	test.That(t, d.Color(), test.ShouldResemble, Colormap[0])

	var noop Sink = NoopSink{}
	noop.DisplaySegments("ignored", nil)
}
