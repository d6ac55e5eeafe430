package vocabulary

import (
	"math"
	"sort"

	"github.com/pkg/errors"

	"go.viam.com/objectretrieval/vocabulary/kmeanstree"
)

// queryHistogram counts, per node, the query features whose path passes through it.
func (vt *Tree) queryHistogram(query []kmeanstree.Feature) (map[kmeanstree.NodeID]int, error) {
	hist := make(map[kmeanstree.NodeID]int)
	if vt.tree.NumNodes() == 0 {
		return hist, nil
	}
	dims := vt.tree.Dims()
	for i, f := range query {
		if dims > 0 && len(f) != dims {
			return nil, errors.Errorf("query feature %d has %d dimensions, expected %d", i, len(f), dims)
		}
		for _, id := range vt.tree.Path(f) {
			if vt.tree.Depth(id) >= vt.cfg.MatchingMinDepth {
				hist[id]++
			}
		}
	}
	return hist, nil
}

func sortedNodes(hist map[kmeanstree.NodeID]int) []kmeanstree.NodeID {
	ids := make([]kmeanstree.NodeID, 0, len(hist))
	for id := range hist {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func sortedSources(f InvertedFile) []int {
	srcs := make([]int, 0, len(f))
	for src := range f {
		srcs = append(srcs, src)
	}
	sort.Ints(srcs)
	return srcs
}

// rank orders every known source by score, highest first. Equal scores keep first seen
// order.
func (vt *Tree) rank(scores map[int]float64, n int) []Result {
	results := make([]Result, len(vt.order))
	for i, src := range vt.order {
		results[i] = Result{Index: src, Score: scores[src]}
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if n >= 0 && n < len(results) {
		results = results[:n]
	}
	return results
}

// TopSimilarities scores the query against every source with normalized TF-IDF vocabulary
// vectors and returns the n best, highest score first. Scores lie in [0, 2]; identical
// vectors score 2. A negative n returns every source.
func (vt *Tree) TopSimilarities(query []kmeanstree.Feature, n int) ([]Result, error) {
	if vt.stale {
		return nil, ErrStaleNormalization
	}
	hist, err := vt.queryHistogram(query)
	if err != nil {
		return nil, err
	}

	ids := sortedNodes(hist)
	qvec := make([]float64, len(ids))
	qnorm := 0.0
	for i, id := range ids {
		qvec[i] = vt.weights[id] * float64(hist[id])
		qnorm += vt.pexp(qvec[i])
	}
	qnorm = vt.proot(qnorm)

	scores := make(map[int]float64, len(vt.order))
	if qnorm == 0 {
		return vt.rank(scores, n), nil
	}
	for i, id := range ids {
		q := qvec[i] / qnorm
		if q == 0 {
			continue
		}
		for _, src := range sortedSources(vt.nodeFreqs[id]) {
			norm := vt.normalizer[src]
			if norm == 0 {
				continue
			}
			d := vt.weights[id] * float64(vt.nodeFreqs[id][src]) / norm
			scores[src] += vt.pexp(q) + vt.pexp(d) - vt.pexp(q-d)
		}
	}
	return vt.rank(scores, n), nil
}

// levelWeights returns the pyramid weight of every depth: 1/K^(D-d) for the deepest
// level D.
func (vt *Tree) levelWeights() []float64 {
	deepest := vt.tree.MaxNodeDepth()
	weights := make([]float64, deepest+1)
	for d := range weights {
		weights[d] = math.Pow(float64(vt.cfg.Tree.Branching), -float64(deepest-d))
	}
	return weights
}

// pyramidKernel sums the weighted new matches of every level from minDepth down. level
// returns the histogram intersection at a depth.
func pyramidKernel(weights []float64, level func(d int) float64, minDepth int) float64 {
	total := 0.0
	next := 0.0
	for d := len(weights) - 1; d >= minDepth; d-- {
		cur := level(d)
		total += weights[d] * (cur - next)
		next = cur
	}
	return total
}

// TopPyramidMatchSimilarities scores the query against every source with a pyramid match
// over all tree levels at or below the matching depth, normalized by both self matches so
// that scores lie in [0, 1]. It returns the n best, highest score first. A negative n
// returns every source.
func (vt *Tree) TopPyramidMatchSimilarities(query []kmeanstree.Feature, n int) ([]Result, error) {
	if vt.stale {
		return nil, ErrStaleNormalization
	}
	hist, err := vt.queryHistogram(query)
	if err != nil {
		return nil, err
	}

	weights := vt.levelWeights()
	queryLevels := make([]float64, len(weights))
	intersections := make(map[int][]float64)
	for _, id := range sortedNodes(hist) {
		d := vt.tree.Depth(id)
		q := hist[id]
		queryLevels[d] += float64(q)
		for _, src := range sortedSources(vt.nodeFreqs[id]) {
			levels, ok := intersections[src]
			if !ok {
				levels = make([]float64, len(weights))
				intersections[src] = levels
			}
			levels[d] += float64(min(q, vt.nodeFreqs[id][src]))
		}
	}

	minDepth := vt.cfg.MatchingMinDepth
	querySelf := pyramidKernel(weights, func(d int) float64 { return queryLevels[d] }, minDepth)
	scores := make(map[int]float64, len(intersections))
	if querySelf == 0 {
		return vt.rank(scores, n), nil
	}
	for src, levels := range intersections {
		self := vt.selfMatch[src]
		if self == 0 {
			continue
		}
		k := pyramidKernel(weights, func(d int) float64 { return levels[d] }, minDepth)
		scores[src] = k / math.Sqrt(querySelf*self)
	}
	return vt.rank(scores, n), nil
}
