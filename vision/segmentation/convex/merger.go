package convex

import (
	"sort"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"github.com/samber/lo"

	"go.viam.com/objectretrieval/logging"
	"go.viam.com/objectretrieval/pointcloud"
	"go.viam.com/objectretrieval/vision/segmentation/graph"
)

// MergeResult is the outcome of merging segments.
type MergeResult struct {
	// Segments are the merged segment clouds.
	Segments []pointcloud.PointCloud
	// Index maps every supervoxel of a kept segment to its merged segment.
	Index map[int]int
	// Groups lists, per merged segment, the input segments it was merged from.
	Groups [][]int
}

// ConnectedSegments turns partitions into segments: segment i is the union of the clouds
// of partition i's supervoxels and every supervoxel is indexed to its partition.
func ConnectedSegments(partitions []*graph.Graph, clouds []pointcloud.PointCloud) ([]pointcloud.PointCloud, map[int]int, error) {
	segments := make([]pointcloud.PointCloud, 0, len(partitions))
	index := make(map[int]int)
	for i, part := range partitions {
		names := part.Names()
		members := make([]pointcloud.PointCloud, 0, len(names))
		for _, name := range names {
			if name < 0 || name >= len(clouds) {
				return nil, nil, errors.Errorf("supervoxel %d has no cloud (%d clouds)", name, len(clouds))
			}
			if prev, ok := index[name]; ok {
				return nil, nil, errors.Errorf("supervoxel %d is in partitions %d and %d", name, prev, i)
			}
			index[name] = i
			members = append(members, clouds[name])
		}
		segments = append(segments, pointcloud.MergePointClouds(members...))
	}
	return segments, index, nil
}

// dualEdge accumulates the boundary weights between two segments.
type dualEdge struct {
	sum   float64
	count float64
}

func (e *dualEdge) mean() float64 {
	return e.sum / e.count
}

// A Merger joins adjacent segments whose shared boundary is convex on average.
type Merger struct {
	cfg    MergeConfig
	logger logging.Logger
}

// NewMerger returns a merger for the given config.
func NewMerger(cfg MergeConfig, logger logging.Logger) (*Merger, error) {
	if err := cfg.CheckValid(); err != nil {
		return nil, errors.Wrap(err, "merge config error")
	}
	return &Merger{cfg: cfg, logger: logger}, nil
}

// Merge contracts the segment graph induced by original, whose vertex names are
// supervoxels indexed by index into segments. Two segments are merged while their
// boundary has more than MinCount edges of mean weight above Threshold, always taking the
// first such pair in segment order. Surviving segments keep their relative order. A merged
// segment without points is dropped along with its supervoxels' index entries. The inputs
// are not modified.
func (m *Merger) Merge(original *graph.Graph, index map[int]int, segments []pointcloud.PointCloud) (*MergeResult, error) {
	names := original.Names()
	for _, name := range names {
		s, ok := index[name]
		if !ok {
			return nil, errors.Errorf("supervoxel %d is not indexed", name)
		}
		if s < 0 || s >= len(segments) {
			return nil, errors.Errorf("supervoxel %d indexed to missing segment %d", name, s)
		}
	}

	n := len(segments)
	dual := make([]map[int]*dualEdge, n)
	for i := range dual {
		dual[i] = make(map[int]*dualEdge)
	}
	for _, e := range original.Edges() {
		su, sv := index[names[e.U]], index[names[e.V]]
		if su == sv {
			continue
		}
		de, ok := dual[su][sv]
		if !ok {
			de = &dualEdge{}
			dual[su][sv] = de
			dual[sv][su] = de
		}
		de.sum += e.Weight
		de.count++
	}

	// owner[s] is the segment s has been merged into
	owner := make([]int, n)
	for i := range owner {
		owner[i] = i
	}
	alive := make([]bool, n)
	for i := range alive {
		alive[i] = true
	}
	merges := 0
	for {
		u, v, ok := m.nextMerge(dual, alive)
		if !ok {
			break
		}
		for w, de := range dual[v] {
			delete(dual[w], v)
			if w == u {
				continue
			}
			if existing, ok := dual[u][w]; ok {
				existing.sum += de.sum
				existing.count += de.count
				continue
			}
			dual[u][w] = de
			dual[w][u] = de
		}
		delete(dual[u], v)
		dual[v] = nil
		alive[v] = false
		owner[v] = u
		merges++
	}

	resolve := func(s int) int {
		for owner[s] != s {
			s = owner[s]
		}
		return s
	}
	members := make(map[int][]int, n)
	for s := 0; s < n; s++ {
		root := resolve(s)
		members[root] = append(members[root], s)
	}
	// final[root] is the output segment of a surviving root; roots without points have none
	final := make(map[int]int, n)
	res := &MergeResult{Index: make(map[int]int, len(index))}
	dropped := 0
	for s := 0; s < n; s++ {
		if !alive[s] {
			continue
		}
		cloud := pointcloud.MergePointClouds(lo.Map(members[s], func(i, _ int) pointcloud.PointCloud {
			return segments[i]
		})...)
		if cloud.Size() == 0 {
			dropped++
			continue
		}
		final[s] = len(res.Segments)
		res.Segments = append(res.Segments, cloud)
		res.Groups = append(res.Groups, members[s])
	}
	for name, s := range index {
		if s < 0 || s >= n {
			continue
		}
		if f, ok := final[resolve(s)]; ok {
			res.Index[name] = f
		}
	}
	m.logger.Debugw("merged segments", "before", n, "after", len(res.Segments), "merges", merges, "dropped_empty", dropped)
	return res, nil
}

// nextMerge finds the first qualifying dual edge in (u, v) order, u < v.
func (m *Merger) nextMerge(dual []map[int]*dualEdge, alive []bool) (int, int, bool) {
	for u := range dual {
		if !alive[u] {
			continue
		}
		neighbors := lo.Filter(lo.Keys(dual[u]), func(v, _ int) bool { return v > u })
		sort.Ints(neighbors)
		for _, v := range neighbors {
			de := dual[u][v]
			if de.count > m.cfg.MinCount && de.mean() > m.cfg.Threshold {
				return u, v, true
			}
		}
	}
	return 0, 0, false
}

// SegmentAdjacencyGraph returns a graph with one vertex per segment, named by segment
// index, and a zero weight edge between segments that share a supervoxel boundary.
// Supervoxels missing from index own no points and are skipped. With
// proximity edges enabled, segments whose sampled points come within the proximity
// distance are connected as well.
func (m *Merger) SegmentAdjacencyGraph(original *graph.Graph, index map[int]int, segments []pointcloud.PointCloud) (*graph.Graph, error) {
	g := graph.New(len(segments))
	names := original.Names()
	for _, e := range original.Edges() {
		su, okU := index[names[e.U]]
		sv, okV := index[names[e.V]]
		if !okU || !okV {
			continue
		}
		if su < 0 || su >= len(segments) || sv < 0 || sv >= len(segments) {
			return nil, errors.Errorf("edge (%d, %d) indexed to missing segments (%d, %d)", names[e.U], names[e.V], su, sv)
		}
		if su == sv {
			continue
		}
		if _, ok := g.Edge(su, sv); ok {
			continue
		}
		if err := g.AddEdge(su, sv, 0); err != nil {
			return nil, err
		}
	}
	if !m.cfg.ProximityEdges {
		return g, nil
	}

	samples := make([][]r3.Vector, len(segments))
	trees := make([]*pointcloud.KDTree, len(segments))
	for i, seg := range segments {
		for j := 0; j < seg.Size(); j += m.cfg.ProximityStride {
			p, _ := seg.At(j)
			samples[i] = append(samples[i], p)
		}
		trees[i] = pointcloud.NewKDTreeFromPositions(samples[i])
	}
	for i := range segments {
		for j := 0; j < i; j++ {
			if _, ok := g.Edge(i, j); ok {
				continue
			}
			if closeSamples(samples[i], trees[j], m.cfg.ProximityDistance) {
				if err := g.AddEdge(j, i, 0); err != nil {
					return nil, err
				}
			}
		}
	}
	return g, nil
}

func closeSamples(points []r3.Vector, tree *pointcloud.KDTree, maxDist float64) bool {
	for _, p := range points {
		if _, d, ok := tree.NearestNeighbor(p); ok && d < maxDist {
			return true
		}
	}
	return false
}
