// Package vocabulary implements a vocabulary tree: a k-means tree over descriptors whose
// leaves hold inverted files, scored against query descriptor sets with TF-IDF weighted
// vocabulary vectors or with a pyramid match.
package vocabulary

import (
	"math"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/pkg/errors"

	"go.viam.com/objectretrieval/vocabulary/kmeanstree"
)

// ErrStaleNormalization is returned when scoring before the normalizing constants were
// computed for the current source population.
var ErrStaleNormalization = errors.New("normalizing constants are stale; call ComputeNormalizingConstants")

// InvertedFile maps a source to the number of its points in a node.
type InvertedFile map[int]int

// Result is a scored source.
type Result struct {
	Index int
	Score float64
}

// Tree is a vocabulary tree. Every inserted point carries the index of the source it
// was extracted from, e.g. a segment.
type Tree struct {
	cfg  Config
	tree *kmeanstree.Tree[InvertedFile]

	// indices holds the source of every inserted point
	indices []int
	pending []int
	// order lists the sources in the order they were first inserted
	order     []int
	firstSeen map[int]struct{}

	stale bool
	// numSources is N, the number of distinct sources
	numSources float64
	weights    []float64
	nodeFreqs  []InvertedFile
	normalizer map[int]float64
	selfMatch  map[int]float64
}

// New returns an empty vocabulary tree.
func New(cfg Config) (*Tree, error) {
	if err := cfg.CheckValid(); err != nil {
		return nil, errors.Wrap(err, "vocabulary config error")
	}
	vt := &Tree{cfg: cfg, firstSeen: make(map[int]struct{}), stale: true}
	tree, err := kmeanstree.New(cfg.Tree, kmeanstree.Policy[InvertedFile]{
		NewLeaf:  func() InvertedFile { return InvertedFile{} },
		OnInsert: vt.onInsert,
	})
	if err != nil {
		return nil, err
	}
	vt.tree = tree
	return vt, nil
}

func (vt *Tree) onInsert(leaf *InvertedFile, index int) {
	(*leaf)[vt.indices[index]]++
}

// Config returns the tree's configuration.
func (vt *Tree) Config() Config {
	return vt.cfg
}

func checkIndices(features []kmeanstree.Feature, indices []int) error {
	if len(features) != len(indices) {
		return errors.Errorf("got %d features but %d source indices", len(features), len(indices))
	}
	for _, idx := range indices {
		if idx < 0 || idx > math.MaxUint32 {
			return errors.Errorf("source index %d out of range", idx)
		}
	}
	return nil
}

// SetInputCloud sets the features to build from and the source of every feature.
func (vt *Tree) SetInputCloud(features []kmeanstree.Feature, indices []int) error {
	if err := checkIndices(features, indices); err != nil {
		return err
	}
	if err := vt.tree.SetInputCloud(features); err != nil {
		return err
	}
	vt.pending = append([]int(nil), indices...)
	return nil
}

// AddPointsFromInputCloud builds the tree from the input cloud, replacing everything
// indexed before. The normalizing constants must be recomputed before scoring. When the
// build fails the tree keeps what it had.
func (vt *Tree) AddPointsFromInputCloud(storePoints bool) error {
	prevIndices, prevOrder, prevSeen := vt.indices, vt.order, vt.firstSeen
	vt.indices = vt.pending
	vt.order = nil
	vt.firstSeen = make(map[int]struct{})
	vt.track(vt.indices)
	if err := vt.tree.AddPointsFromInputCloud(storePoints); err != nil {
		vt.indices, vt.order, vt.firstSeen = prevIndices, prevOrder, prevSeen
		return err
	}
	vt.pending = nil
	vt.invalidate()
	return nil
}

// AppendCloud inserts more features down the existing splits. It fails with
// utils.ErrInvalidState before the tree is built. Appending no features changes nothing;
// otherwise the normalizing constants must be recomputed before scoring.
func (vt *Tree) AppendCloud(features []kmeanstree.Feature, indices []int, storePoints bool) error {
	if err := checkIndices(features, indices); err != nil {
		return err
	}
	if len(features) == 0 {
		if !vt.tree.Built() {
			return vt.tree.AppendCloud(nil, storePoints)
		}
		return nil
	}
	before := len(vt.indices)
	vt.indices = append(vt.indices, indices...)
	if err := vt.tree.AppendCloud(features, storePoints); err != nil {
		vt.indices = vt.indices[:before]
		return err
	}
	vt.track(indices)
	vt.invalidate()
	return nil
}

func (vt *Tree) track(indices []int) {
	for _, idx := range indices {
		if _, ok := vt.firstSeen[idx]; !ok {
			vt.firstSeen[idx] = struct{}{}
			vt.order = append(vt.order, idx)
		}
	}
}

func (vt *Tree) invalidate() {
	vt.stale = true
	vt.weights = nil
	vt.nodeFreqs = nil
	vt.normalizer = nil
	vt.selfMatch = nil
}

// SetMinMatchDepth changes the shallowest level that contributes to scores. The
// normalizing constants must be recomputed before scoring.
func (vt *Tree) SetMinMatchDepth(depth int) error {
	cfg := vt.cfg
	cfg.MatchingMinDepth = depth
	if err := cfg.CheckValid(); err != nil {
		return err
	}
	vt.cfg = cfg
	vt.invalidate()
	return nil
}

// Empty reports whether no point has been indexed.
func (vt *Tree) Empty() bool {
	return len(vt.indices) == 0
}

// Size returns the number of indexed points.
func (vt *Tree) Size() int {
	return len(vt.indices)
}

// MaxIndex returns one more than the largest source index, 0 when empty.
func (vt *Tree) MaxIndex() int {
	m := 0
	for _, idx := range vt.order {
		if idx+1 > m {
			m = idx + 1
		}
	}
	return m
}

// NumSources returns the number of distinct sources.
func (vt *Tree) NumSources() int {
	return len(vt.order)
}

// Sources returns the sources in first insertion order.
func (vt *Tree) Sources() []int {
	return append([]int(nil), vt.order...)
}

// SourceOf returns the source of the point with the given global index.
func (vt *Tree) SourceOf(index int) (int, bool) {
	if index < 0 || index >= len(vt.indices) {
		return 0, false
	}
	return vt.indices[index], true
}

// KMeansTree exposes the underlying k-means tree for inspection.
func (vt *Tree) KMeansTree() *kmeanstree.Tree[InvertedFile] {
	return vt.tree
}

// ComputeNormalizingConstants recomputes, from the current inverted files, the node
// weights log(N/N_i), the norm of every source's vocabulary vector and every source's
// pyramid self match. It must be called after the source population changed and before
// scoring.
func (vt *Tree) ComputeNormalizingConstants() {
	vt.computeNodeStatistics()

	vt.normalizer = make(map[int]float64, len(vt.order))
	vt.forEachScoredNode(func(id kmeanstree.NodeID) {
		w := vt.weights[id]
		for _, src := range sortedSources(vt.nodeFreqs[id]) {
			vt.normalizer[src] += vt.pexp(w * float64(vt.nodeFreqs[id][src]))
		}
	})
	for src, sum := range vt.normalizer {
		vt.normalizer[src] = vt.proot(sum)
	}

	levels := vt.levelWeights()
	vt.selfMatch = make(map[int]float64, len(vt.order))
	perLevel := make([]map[int]float64, len(levels))
	for d := range perLevel {
		perLevel[d] = make(map[int]float64)
	}
	vt.forEachScoredNode(func(id kmeanstree.NodeID) {
		d := vt.tree.Depth(id)
		for src, count := range vt.nodeFreqs[id] {
			perLevel[d][src] += float64(count)
		}
	})
	for _, src := range vt.order {
		vt.selfMatch[src] = pyramidKernel(levels, func(d int) float64 { return perLevel[d][src] }, vt.cfg.MatchingMinDepth)
	}
	vt.stale = false
}

// computeNodeStatistics aggregates the inverted files of every subtree and derives the
// node weights from the number of distinct sources below each node.
func (vt *Tree) computeNodeStatistics() {
	n := vt.tree.NumNodes()
	vt.nodeFreqs = make([]InvertedFile, n)
	distinct := make([]*roaring.Bitmap, n)
	vt.tree.PostOrder(func(id kmeanstree.NodeID) {
		freqs := InvertedFile{}
		bm := roaring.New()
		if leaf := vt.tree.Leaf(id); leaf != nil {
			for src, count := range *leaf {
				freqs[src] += count
				bm.Add(uint32(src))
			}
		}
		for _, c := range vt.tree.Children(id) {
			for src, count := range vt.nodeFreqs[c] {
				freqs[src] += count
			}
			bm.Or(distinct[c])
		}
		vt.nodeFreqs[id] = freqs
		distinct[id] = bm
	})

	vt.numSources = 0
	if n > 0 {
		vt.numSources = float64(distinct[kmeanstree.Root].GetCardinality())
	}
	vt.weights = make([]float64, n)
	for id := range vt.weights {
		ni := float64(distinct[id].GetCardinality())
		if ni > 0 && vt.numSources > 0 {
			vt.weights[id] = math.Log(vt.numSources / ni)
		}
	}
}

// forEachScoredNode visits, in ID order, every node at or below the matching depth.
func (vt *Tree) forEachScoredNode(fn func(id kmeanstree.NodeID)) {
	for id := 0; id < vt.tree.NumNodes(); id++ {
		if vt.tree.Depth(kmeanstree.NodeID(id)) >= vt.cfg.MatchingMinDepth {
			fn(kmeanstree.NodeID(id))
		}
	}
}

func (vt *Tree) pexp(v float64) float64 {
	return math.Pow(math.Abs(v), vt.cfg.NormExponent)
}

func (vt *Tree) proot(v float64) float64 {
	return math.Pow(math.Abs(v), 1/vt.cfg.NormExponent)
}
