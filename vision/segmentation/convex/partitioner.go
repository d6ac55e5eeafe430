// Package convex splits a supervoxel adjacency graph into convex segments. A recursive
// min-cut partitioner separates concave boundaries, a color model refiner re-splits
// partitions on color dissimilarity, and a merger joins over-split neighbors back.
package convex

import (
	"github.com/pkg/errors"

	"go.viam.com/objectretrieval/logging"
	"go.viam.com/objectretrieval/vision/segmentation/graph"
)

// CutStats describes one min-cut attempt.
type CutStats struct {
	Weight        float64
	CrossingEdges int
	Accepted      bool
}

// A Partitioner recursively splits graphs along low-weight minimum cuts.
type Partitioner struct {
	cfg    PartitionConfig
	logger logging.Logger
}

// NewPartitioner returns a partitioner for the given config.
func NewPartitioner(cfg PartitionConfig, logger logging.Logger) (*Partitioner, error) {
	if err := cfg.CheckValid(); err != nil {
		return nil, errors.Wrap(err, "partition config error")
	}
	return &Partitioner{cfg: cfg, logger: logger}, nil
}

// Cut runs a global minimum cut on g. A cut no heavier than the cut threshold is
// accepted. A heavier cut is rejected when its weight per crossing edge exceeds the edge
// ratio threshold, and accepted otherwise. On acceptance the two induced subgraphs are
// returned; g is never modified.
func (p *Partitioner) Cut(g *graph.Graph) ([]*graph.Graph, CutStats, bool) {
	mc, ok := g.StoerWagner()
	if !ok {
		return nil, CutStats{}, false
	}
	stats := CutStats{Weight: mc.Weight, CrossingEdges: g.CrossingEdges(mc.Parity)}
	if mc.Weight > p.cfg.CutThreshold {
		if stats.CrossingEdges == 0 || mc.Weight/float64(stats.CrossingEdges) > p.cfg.CutEdgeRatioThreshold {
			p.logger.Debugw("rejected cut", "vertices", g.NumVertices(), "weight", mc.Weight, "crossing", stats.CrossingEdges)
			return nil, stats, false
		}
	}
	stats.Accepted = true
	first, second := g.Sides(mc.Parity)
	p.logger.Debugw("accepted cut", "weight", mc.Weight, "crossing", stats.CrossingEdges,
		"first", first.NumVertices(), "second", second.NumVertices())
	return []*graph.Graph{first, second}, stats, true
}

// RecursiveSplit decomposes g into connected components, cuts every component larger
// than the split size and recurses into the results until no cut is accepted. The
// returned graphs are new, pairwise vertex-disjoint and together hold every vertex of g.
func (p *Partitioner) RecursiveSplit(g *graph.Graph) []*graph.Graph {
	components := g.ConnectedComponents()
	if g.NumVertices() < p.cfg.MinRecurseSize {
		return components
	}

	var parts []*graph.Graph
	split := false
	for _, c := range components {
		if c.NumVertices() <= p.cfg.MinSplitSize {
			parts = append(parts, c)
			continue
		}
		sides, _, ok := p.Cut(c)
		if !ok {
			parts = append(parts, c)
			continue
		}
		split = true
		parts = append(parts, sides...)
	}
	if !split {
		return parts
	}

	// every part is strictly smaller than g here, which bounds the recursion
	var out []*graph.Graph
	for _, part := range parts {
		out = append(out, p.RecursiveSplit(part)...)
	}
	return out
}
