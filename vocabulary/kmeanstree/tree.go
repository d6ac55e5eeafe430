// Package kmeanstree implements a hierarchical k-means tree over feature vectors. Every
// internal node has exactly Branching children; leaves carry a payload that is updated
// through a Policy whenever a point is inserted.
package kmeanstree

import (
	"math/rand"

	"github.com/muesli/clusters"
	"github.com/pkg/errors"

	"go.viam.com/objectretrieval/utils"
)

// Feature is a descriptor vector.
type Feature = clusters.Coordinates

// NodeID identifies a node within one tree. The root is always 0.
type NodeID int

// Root is the ID of the root node.
const Root NodeID = 0

// Policy supplies the leaf payload behavior of a tree.
type Policy[L any] struct {
	// NewLeaf creates the payload of a new leaf.
	NewLeaf func() L
	// OnInsert is called for every point inserted into leaf, with the point's global index.
	OnInsert func(leaf *L, index int)
}

type node[L any] struct {
	depth    int
	parent   NodeID
	children []NodeID
	centers  clusters.Clusters
	leaf     *L
}

func (n *node[L]) isLeaf() bool {
	return len(n.children) == 0
}

// Tree is a k-means tree with leaf payload L.
type Tree[L any] struct {
	cfg    Config
	policy Policy[L]

	nodes []*node[L]
	dims  int
	built bool

	input  []Feature
	points []Feature
	// inserted counts every point inserted so far; it is the next global index
	inserted int
}

// New returns an empty, unbuilt tree.
func New[L any](cfg Config, policy Policy[L]) (*Tree[L], error) {
	if err := cfg.CheckValid(); err != nil {
		return nil, errors.Wrap(err, "k-means tree config error")
	}
	if policy.NewLeaf == nil {
		return nil, errors.New("k-means tree policy needs NewLeaf")
	}
	return &Tree[L]{cfg: cfg, policy: policy}, nil
}

// Config returns the tree's configuration.
func (t *Tree[L]) Config() Config {
	return t.cfg
}

func checkDims(features []Feature, dims int) (int, error) {
	for i, f := range features {
		if len(f) == 0 {
			return 0, errors.Errorf("feature %d has no dimensions", i)
		}
		if dims == 0 {
			dims = len(f)
		}
		if len(f) != dims {
			return 0, errors.Errorf("feature %d has %d dimensions, expected %d", i, len(f), dims)
		}
	}
	return dims, nil
}

// Dimensions returns the number of dimensions shared by every feature, 0 for no features.
// It fails when a feature is empty or differs from the others.
func Dimensions(features []Feature) (int, error) {
	return checkDims(features, 0)
}

// SetInputCloud sets the features the next AddPointsFromInputCloud builds from. All
// features must have the same number of dimensions.
func (t *Tree[L]) SetInputCloud(features []Feature) error {
	if _, err := checkDims(features, 0); err != nil {
		return err
	}
	t.input = features
	return nil
}

// AddPointsFromInputCloud builds the tree from the input cloud, replacing any previous
// tree, and inserts every input point. Global indices restart at 0. An empty input cloud
// yields a valid tree whose root is an empty leaf. When storePoints is set the tree keeps
// the features for Points.
func (t *Tree[L]) AddPointsFromInputCloud(storePoints bool) error {
	dims, err := checkDims(t.input, 0)
	if err != nil {
		return err
	}
	t.nodes = nil
	t.points = nil
	t.inserted = 0
	t.dims = dims

	members := make([]int, len(t.input))
	for i := range members {
		members[i] = i
	}
	rng := rand.New(rand.NewSource(t.cfg.Seed))
	root := t.newNode(-1, 0)
	t.split(rng, root, members)
	t.built = true

	t.insert(t.input, storePoints)
	t.input = nil
	return nil
}

// AppendCloud sends new points down the existing splits and inserts them into the leaves
// they reach; the splits themselves never change. Their global indices continue after
// the points inserted before. It fails with utils.ErrInvalidState before the tree is
// built.
func (t *Tree[L]) AppendCloud(features []Feature, storePoints bool) error {
	if !t.built {
		return utils.NewPreconditionError("AppendCloud", "the tree has not been built")
	}
	dims, err := checkDims(features, t.dims)
	if err != nil {
		return err
	}
	t.dims = dims
	t.insert(features, storePoints)
	return nil
}

func (t *Tree[L]) insert(features []Feature, storePoints bool) {
	for _, f := range features {
		leaf := t.LeafFor(f)
		if t.policy.OnInsert != nil {
			t.policy.OnInsert(t.nodes[leaf].leaf, t.inserted)
		}
		t.inserted++
		if storePoints {
			t.points = append(t.points, f)
		}
	}
}

func (t *Tree[L]) newNode(parent NodeID, depth int) NodeID {
	t.nodes = append(t.nodes, &node[L]{parent: parent, depth: depth})
	return NodeID(len(t.nodes) - 1)
}

func (t *Tree[L]) makeLeaf(id NodeID) {
	leaf := t.policy.NewLeaf()
	t.nodes[id].leaf = &leaf
}

// split turns id into a leaf or into an internal node with one child per k-means cluster
// of its members, recursing into the children in order.
func (t *Tree[L]) split(rng *rand.Rand, id NodeID, members []int) {
	n := t.nodes[id]
	k := t.cfg.Branching
	if n.depth >= t.cfg.MaxDepth || len(members) < t.cfg.MinLeafSize || len(members) < k {
		t.makeLeaf(id)
		return
	}
	centers, assignment := kmeans(rng, t.input, members, k, t.cfg.MaxIterations)
	groups := make([][]int, k)
	for i, m := range members {
		groups[assignment[i]] = append(groups[assignment[i]], m)
	}
	nonEmpty := 0
	for _, g := range groups {
		if len(g) > 0 {
			nonEmpty++
		}
	}
	if nonEmpty < 2 {
		// identical points cannot be separated
		t.makeLeaf(id)
		return
	}

	n.centers = centers
	for c := 0; c < k; c++ {
		n.children = append(n.children, t.newNode(id, n.depth+1))
	}
	for c, child := range n.children {
		t.split(rng, child, groups[c])
	}
}

// Path returns the nodes visited from the root to the leaf f descends to, always taking
// the nearest center. Ties go to the lowest child.
func (t *Tree[L]) Path(f Feature) []NodeID {
	if len(t.nodes) == 0 {
		return nil
	}
	path := []NodeID{Root}
	cur := t.nodes[Root]
	for !cur.isLeaf() {
		next := cur.children[cur.centers.Nearest(f)]
		path = append(path, next)
		cur = t.nodes[next]
	}
	return path
}

// LeafFor returns the leaf f descends to.
func (t *Tree[L]) LeafFor(f Feature) NodeID {
	path := t.Path(f)
	if len(path) == 0 {
		panic(utils.NewInvariantViolationError("descending an unbuilt k-means tree"))
	}
	return path[len(path)-1]
}

// Built reports whether the tree has been built.
func (t *Tree[L]) Built() bool {
	return t.built
}

// Empty reports whether no point has been inserted.
func (t *Tree[L]) Empty() bool {
	return t.inserted == 0
}

// Size returns the number of inserted points.
func (t *Tree[L]) Size() int {
	return t.inserted
}

// Dims returns the feature dimension, 0 before any feature was seen.
func (t *Tree[L]) Dims() int {
	return t.dims
}

// NumNodes returns the number of nodes.
func (t *Tree[L]) NumNodes() int {
	return len(t.nodes)
}

// Points returns the stored features in insertion order.
func (t *Tree[L]) Points() []Feature {
	return t.points
}

// Depth returns the depth of a node; the root has depth 0.
func (t *Tree[L]) Depth(id NodeID) int {
	return t.nodes[id].depth
}

// MaxNodeDepth returns the depth of the deepest node.
func (t *Tree[L]) MaxNodeDepth() int {
	d := 0
	for _, n := range t.nodes {
		if n.depth > d {
			d = n.depth
		}
	}
	return d
}

// Parent returns the parent of a node, -1 for the root.
func (t *Tree[L]) Parent(id NodeID) NodeID {
	return t.nodes[id].parent
}

// Children returns the children of a node in center order; leaves have none.
func (t *Tree[L]) Children(id NodeID) []NodeID {
	return t.nodes[id].children
}

// IsLeaf reports whether id is a leaf.
func (t *Tree[L]) IsLeaf(id NodeID) bool {
	return t.nodes[id].isLeaf()
}

// Leaf returns the payload of a leaf and nil for internal nodes.
func (t *Tree[L]) Leaf(id NodeID) *L {
	return t.nodes[id].leaf
}

// Walk visits every node depth first, parents before children. Returning false from fn
// skips the node's subtree.
func (t *Tree[L]) Walk(fn func(id NodeID) bool) {
	if len(t.nodes) == 0 {
		return
	}
	var visit func(id NodeID)
	visit = func(id NodeID) {
		if !fn(id) {
			return
		}
		for _, c := range t.nodes[id].children {
			visit(c)
		}
	}
	visit(Root)
}

// PostOrder visits every node depth first, children before parents.
func (t *Tree[L]) PostOrder(fn func(id NodeID)) {
	if len(t.nodes) == 0 {
		return
	}
	var visit func(id NodeID)
	visit = func(id NodeID) {
		for _, c := range t.nodes[id].children {
			visit(c)
		}
		fn(id)
	}
	visit(Root)
}
