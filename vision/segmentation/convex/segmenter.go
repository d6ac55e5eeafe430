package convex

import (
	"context"

	"github.com/pkg/errors"

	"go.viam.com/objectretrieval/logging"
	"go.viam.com/objectretrieval/pointcloud"
	"go.viam.com/objectretrieval/vision/segmentation/graph"
	"go.viam.com/objectretrieval/vision/segmentation/supervoxel"
	"go.viam.com/objectretrieval/vision/segmentation/visualization"
)

// Oversegmentation is the result of segmenting one cloud into convex segments.
type Oversegmentation struct {
	// SupervoxelGraph is the supervoxel adjacency graph before any split.
	SupervoxelGraph *graph.Graph
	// SegmentGraph connects adjacent segments; vertex i is Segments[i].
	SegmentGraph *graph.Graph
	// SupervoxelClouds holds the input points of every supervoxel.
	SupervoxelClouds []pointcloud.PointCloud
	// VoxelClouds holds the voxels of every supervoxel.
	VoxelClouds []pointcloud.PointCloud
	// Segments are the final convex segment clouds.
	Segments []pointcloud.PointCloud
	// Index maps every supervoxel to its segment.
	Index map[int]int
}

// A Segmenter runs the convex oversegmentation pipeline.
type Segmenter struct {
	cfg         SegmenterConfig
	builder     *supervoxel.Builder
	partitioner *Partitioner
	refiner     *ColorRefiner
	merger      *Merger
	sink        visualization.Sink
	logger      logging.Logger
}

// NewSegmenter builds every stage of the pipeline. sink may be nil.
func NewSegmenter(cfg SegmenterConfig, logger logging.Logger, sink visualization.Sink) (*Segmenter, error) {
	if err := cfg.CheckValid(); err != nil {
		return nil, errors.Wrap(err, "segmenter config error")
	}
	builder, err := supervoxel.NewBuilder(cfg.Supervoxel, logger.Sublogger("supervoxel"))
	if err != nil {
		return nil, err
	}
	partitioner, err := NewPartitioner(cfg.Partition, logger.Sublogger("partition"))
	if err != nil {
		return nil, err
	}
	refiner, err := NewColorRefiner(cfg.Color, partitioner, logger.Sublogger("color"))
	if err != nil {
		return nil, err
	}
	merger, err := NewMerger(cfg.Merge, logger.Sublogger("merge"))
	if err != nil {
		return nil, err
	}
	if sink == nil {
		sink = visualization.NoopSink{}
	}
	return &Segmenter{
		cfg:         cfg,
		builder:     builder,
		partitioner: partitioner,
		refiner:     refiner,
		merger:      merger,
		sink:        sink,
		logger:      logger,
	}, nil
}

// ComputeConvexOversegmentation segments cloud into convex segments. normals may be nil;
// when given it must be aligned with cloud and subsampling is skipped. Every supervoxel
// that owns points appears in the returned index exactly once. A cloud without any
// supervoxel yields an empty result.
func (s *Segmenter) ComputeConvexOversegmentation(
	ctx context.Context,
	cloud, normals pointcloud.PointCloud,
) (*Oversegmentation, error) {
	if normals == nil && s.cfg.Subsample {
		cloud = s.builder.Subsample(cloud)
	}
	built, err := s.builder.Build(ctx, cloud, normals)
	if err != nil {
		return nil, errors.Wrap(err, "cannot build supervoxel graph")
	}
	out := &Oversegmentation{
		SupervoxelGraph:  built.Graph.Copy(),
		SupervoxelClouds: built.ColorClouds,
		VoxelClouds:      built.VoxelClouds,
	}

	partitions := s.partitioner.RecursiveSplit(built.Graph)
	s.logger.Debugw("convex partitions", "supervoxels", built.Graph.NumVertices(), "partitions", len(partitions))
	s.sink.DisplayPartitions("convex", partitions, built.VoxelClouds)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if s.cfg.ColorRefinement {
		partitions, err = s.refiner.Split(partitions, built.VoxelClouds)
		if err != nil {
			return nil, errors.Wrap(err, "cannot refine partitions")
		}
		s.logger.Debugw("color refined partitions", "partitions", len(partitions))
		s.sink.DisplayPartitions("refined", partitions, built.VoxelClouds)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	segments, index, err := ConnectedSegments(partitions, built.ColorClouds)
	if err != nil {
		return nil, err
	}
	merged, err := s.merger.Merge(out.SupervoxelGraph, index, segments)
	if err != nil {
		return nil, errors.Wrap(err, "cannot merge segments")
	}
	out.Segments = merged.Segments
	out.Index = merged.Index
	s.sink.DisplaySegments("merged", out.Segments)

	out.SegmentGraph, err = s.merger.SegmentAdjacencyGraph(out.SupervoxelGraph, out.Index, out.Segments)
	if err != nil {
		return nil, err
	}
	s.logger.Debugw("convex oversegmentation done", "segments", len(out.Segments), "segment_edges", out.SegmentGraph.NumEdges())
	return out, nil
}
