// Package visualization renders labeled segments for inspection. Sinks are fire and
// forget: they never return errors to the segmentation pipeline.
package visualization

import (
	"fmt"
	"image/color"
	"os"
	"path/filepath"
	"sync"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"go.viam.com/objectretrieval/logging"
	"go.viam.com/objectretrieval/pointcloud"
	"go.viam.com/objectretrieval/vision/segmentation/graph"
)

// Colormap cycles through 24 distinguishable colors.
var Colormap = []color.NRGBA{
	{166, 206, 227, 255},
	{31, 120, 180, 255},
	{178, 223, 138, 255},
	{51, 160, 44, 255},
	{251, 154, 153, 255},
	{227, 26, 28, 255},
	{253, 191, 111, 255},
	{255, 127, 0, 255},
	{202, 178, 214, 255},
	{106, 61, 154, 255},
	{255, 255, 153, 255},
	{177, 89, 40, 255},
	{141, 211, 199, 255},
	{255, 255, 179, 255},
	{190, 186, 218, 255},
	{251, 128, 114, 255},
	{128, 177, 211, 255},
	{253, 180, 98, 255},
	{179, 222, 105, 255},
	{252, 205, 229, 255},
	{217, 217, 217, 255},
	{188, 128, 189, 255},
	{204, 235, 197, 255},
	{255, 237, 111, 255},
}

// A Sink displays intermediate segmentation results.
type Sink interface {
	// DisplayPartitions shows partitions whose vertex names index voxelClouds.
	DisplayPartitions(stage string, partitions []*graph.Graph, voxelClouds []pointcloud.PointCloud)
	// DisplaySegments shows one cloud per segment.
	DisplaySegments(stage string, segments []pointcloud.PointCloud)
}

// NoopSink discards everything.
type NoopSink struct{}

// DisplayPartitions does nothing.
func (NoopSink) DisplayPartitions(string, []*graph.Graph, []pointcloud.PointCloud) {}

// DisplaySegments does nothing.
func (NoopSink) DisplaySegments(string, []pointcloud.PointCloud) {}

// ColorPartitions paints the voxels of partition i with Colormap[i%24] and labels them i.
// Vertex names without a voxel cloud are skipped.
func ColorPartitions(partitions []*graph.Graph, voxelClouds []pointcloud.PointCloud) pointcloud.PointCloud {
	var segments []pointcloud.PointCloud
	for _, part := range partitions {
		var members []pointcloud.PointCloud
		for _, name := range part.Names() {
			if name >= 0 && name < len(voxelClouds) {
				members = append(members, voxelClouds[name])
			}
		}
		segments = append(segments, pointcloud.MergePointClouds(members...))
	}
	return ColorSegments(segments)
}

// ColorSegments paints segment i with Colormap[i%24] and labels its points i.
func ColorSegments(segments []pointcloud.PointCloud) pointcloud.PointCloud {
	total := 0
	for _, s := range segments {
		total += s.Size()
	}
	out := pointcloud.NewWithPrealloc(total)
	for i, s := range segments {
		c := Colormap[i%len(Colormap)]
		s.Iterate(0, 0, func(p r3.Vector, d pointcloud.Data) bool {
			//nolint:errcheck
			out.Append(p, d.SetColor(c).SetValue(i))
			return true
		})
	}
	return out
}

// PCDSink writes every displayed stage as a colored binary PCD file named
// <stage>_<n>.pcd in its directory, n counting displays.
type PCDSink struct {
	dir    string
	logger logging.Logger

	mu    sync.Mutex
	count int
}

// NewPCDSink returns a sink writing into dir, creating it if needed.
func NewPCDSink(dir string, logger logging.Logger) (*PCDSink, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, errors.Wrapf(err, "cannot create visualization directory %q", dir)
	}
	return &PCDSink{dir: dir, logger: logger}, nil
}

// DisplayPartitions writes the colored partitions.
func (s *PCDSink) DisplayPartitions(stage string, partitions []*graph.Graph, voxelClouds []pointcloud.PointCloud) {
	s.write(stage, ColorPartitions(partitions, voxelClouds))
}

// DisplaySegments writes the colored segments.
func (s *PCDSink) DisplaySegments(stage string, segments []pointcloud.PointCloud) {
	s.write(stage, ColorSegments(segments))
}

func (s *PCDSink) write(stage string, cloud pointcloud.PointCloud) {
	s.mu.Lock()
	fn := filepath.Join(s.dir, fmt.Sprintf("%s_%d.pcd", stage, s.count))
	s.count++
	s.mu.Unlock()

	if err := pointcloud.WriteToPCDFile(cloud, fn); err != nil {
		s.logger.Warnw("cannot write visualization", "file", fn, "error", err)
		return
	}
	s.logger.Debugw("wrote visualization", "file", fn, "points", cloud.Size())
}
