// Package grouped wraps a vocabulary tree so that every indexed point carries a
// (group, subgroup) pair, e.g. a sweep and a segment within it. Every distinct pair is one
// source of the underlying vocabulary tree, and scores can be combined per group.
package grouped

import (
	"sort"

	"github.com/pkg/errors"
	"github.com/samber/lo"

	"go.viam.com/objectretrieval/utils"
	"go.viam.com/objectretrieval/vocabulary"
	"go.viam.com/objectretrieval/vocabulary/kmeanstree"
)

// GroupIndex is the provenance of an indexed point.
type GroupIndex struct {
	Group    int
	Subgroup int
}

// Adjacency marks two subgroups of the same group as neighbors. A is never greater than B.
type Adjacency struct {
	A, B int
}

func newAdjacency(a, b int) Adjacency {
	if a > b {
		a, b = b, a
	}
	return Adjacency{A: a, B: b}
}

// Result is a scored subgroup, or a scored group for combined results.
type Result struct {
	// Index is the global index of the subgroup.
	Index int
	Score float64
	GroupIndex
	// SubgroupGlobalIndices holds the global indices of every subgroup of the group.
	SubgroupGlobalIndices []int
	// SubgroupGroupIndices holds the subgroups of the group, in the same order.
	SubgroupGroupIndices []int
}

// Tree is a vocabulary tree over grouped points.
type Tree struct {
	vocab *vocabulary.Tree

	// pairs maps a global index to its group and subgroup
	pairs     []GroupIndex
	ids       map[GroupIndex]int
	subgroups map[int]map[int]struct{}
	adjacent  map[int]map[Adjacency]struct{}

	pendingFeatures []kmeanstree.Feature
	pendingIndices  []GroupIndex
}

// New returns an empty grouped vocabulary tree.
func New(cfg vocabulary.Config) (*Tree, error) {
	vocab, err := vocabulary.New(cfg)
	if err != nil {
		return nil, err
	}
	gt := &Tree{vocab: vocab}
	gt.reset()
	return gt, nil
}

func (gt *Tree) reset() {
	gt.pairs = nil
	gt.ids = make(map[GroupIndex]int)
	gt.subgroups = make(map[int]map[int]struct{})
	gt.adjacent = make(map[int]map[Adjacency]struct{})
}

// Vocabulary returns the underlying vocabulary tree, whose sources are global indices.
func (gt *Tree) Vocabulary() *vocabulary.Tree {
	return gt.vocab
}

func checkGroupIndices(features []kmeanstree.Feature, indices []GroupIndex) error {
	if len(features) != len(indices) {
		return errors.Errorf("got %d features but %d group indices", len(features), len(indices))
	}
	for _, gi := range indices {
		if gi.Group < 0 || gi.Subgroup < 0 {
			return errors.Errorf("invalid group index (%d, %d)", gi.Group, gi.Subgroup)
		}
	}
	_, err := kmeanstree.Dimensions(features)
	return err
}

// allocation holds the global indices of a batch before it is committed.
type allocation struct {
	globals []int
	added   []GroupIndex
}

func (gt *Tree) allocate(indices []GroupIndex) allocation {
	var a allocation
	fresh := make(map[GroupIndex]int)
	next := len(gt.pairs)
	a.globals = make([]int, len(indices))
	for i, gi := range indices {
		if id, ok := gt.ids[gi]; ok {
			a.globals[i] = id
			continue
		}
		id, ok := fresh[gi]
		if !ok {
			id = next
			next++
			fresh[gi] = id
			a.added = append(a.added, gi)
		}
		a.globals[i] = id
	}
	return a
}

func (gt *Tree) commit(a allocation) {
	for _, gi := range a.added {
		gt.ids[gi] = len(gt.pairs)
		gt.pairs = append(gt.pairs, gi)
		subs, ok := gt.subgroups[gi.Group]
		if !ok {
			subs = make(map[int]struct{})
			gt.subgroups[gi.Group] = subs
		}
		subs[gi.Subgroup] = struct{}{}
	}
}

func (gt *Tree) addAdjacencies(adjacencies map[int][]Adjacency) {
	for group, adj := range adjacencies {
		set, ok := gt.adjacent[group]
		if !ok {
			set = make(map[Adjacency]struct{})
			gt.adjacent[group] = set
		}
		for _, a := range adj {
			set[newAdjacency(a.A, a.B)] = struct{}{}
		}
	}
}

func checkAdjacencies(adjacencies map[int][]Adjacency) error {
	for group, adj := range adjacencies {
		for _, a := range adj {
			if a.A < 0 || a.B < 0 {
				return errors.Errorf("invalid adjacency (%d, %d) in group %d", a.A, a.B, group)
			}
		}
	}
	return nil
}

// SetInputCloud sets the features the next AddPointsFromInputCloud builds from and the
// group index of every feature.
func (gt *Tree) SetInputCloud(features []kmeanstree.Feature, indices []GroupIndex) error {
	if err := checkGroupIndices(features, indices); err != nil {
		return err
	}
	gt.pendingFeatures = features
	gt.pendingIndices = append([]GroupIndex(nil), indices...)
	return nil
}

// AddPointsFromInputCloud builds the tree from the input cloud, replacing everything indexed
// before. Global indices restart at 0. When the build fails the tree keeps what it had.
func (gt *Tree) AddPointsFromInputCloud(storePoints bool) error {
	return gt.AddPointsFromInputCloudWithAdjacencies(nil, storePoints)
}

// AddPointsFromInputCloudWithAdjacencies is AddPointsFromInputCloud that also records
// subgroup adjacencies per group.
func (gt *Tree) AddPointsFromInputCloudWithAdjacencies(adjacencies map[int][]Adjacency, storePoints bool) error {
	if err := checkAdjacencies(adjacencies); err != nil {
		return err
	}
	features, indices := gt.pendingFeatures, gt.pendingIndices
	rebuilt := &Tree{vocab: gt.vocab}
	rebuilt.reset()
	a := rebuilt.allocate(indices)
	if err := gt.vocab.SetInputCloud(features, a.globals); err != nil {
		return err
	}
	if err := gt.vocab.AddPointsFromInputCloud(storePoints); err != nil {
		return err
	}
	rebuilt.commit(a)
	rebuilt.addAdjacencies(adjacencies)
	*gt = *rebuilt
	return nil
}

// AppendCloud inserts more grouped features into the built tree. Pairs seen before keep
// their global index; new pairs get the next free ones.
func (gt *Tree) AppendCloud(features []kmeanstree.Feature, indices []GroupIndex, storePoints bool) error {
	return gt.AppendCloudWithAdjacencies(features, indices, nil, storePoints)
}

// AppendCloudWithAdjacencies is AppendCloud that also records subgroup adjacencies per
// group.
func (gt *Tree) AppendCloudWithAdjacencies(
	features []kmeanstree.Feature,
	indices []GroupIndex,
	adjacencies map[int][]Adjacency,
	storePoints bool,
) error {
	if err := checkGroupIndices(features, indices); err != nil {
		return err
	}
	if err := checkAdjacencies(adjacencies); err != nil {
		return err
	}
	a := gt.allocate(indices)
	if err := gt.vocab.AppendCloud(features, a.globals, storePoints); err != nil {
		return err
	}
	gt.commit(a)
	gt.addAdjacencies(adjacencies)
	return nil
}

// ComputeNormalizingConstants recomputes the normalizing constants of the underlying tree.
func (gt *Tree) ComputeNormalizingConstants() {
	gt.vocab.ComputeNormalizingConstants()
}

// Clear drops every indexed point, every group index and the tree itself.
func (gt *Tree) Clear() error {
	vocab, err := vocabulary.New(gt.vocab.Config())
	if err != nil {
		return err
	}
	gt.vocab = vocab
	gt.pendingFeatures, gt.pendingIndices = nil, nil
	gt.reset()
	return nil
}

// Empty reports whether no point has been indexed.
func (gt *Tree) Empty() bool {
	return gt.vocab.Empty()
}

// NumSubgroups returns the number of distinct (group, subgroup) pairs.
func (gt *Tree) NumSubgroups() int {
	return len(gt.pairs)
}

// Groups returns every group in ascending order.
func (gt *Tree) Groups() []int {
	groups := lo.Keys(gt.subgroups)
	sort.Ints(groups)
	return groups
}

// SubgroupsForGroup returns the subgroups of a group in ascending order.
func (gt *Tree) SubgroupsForGroup(group int) []int {
	subs := lo.Keys(gt.subgroups[group])
	sort.Ints(subs)
	return subs
}

// IDForGroupSubgroup returns the global index of a pair.
func (gt *Tree) IDForGroupSubgroup(group, subgroup int) (int, bool) {
	id, ok := gt.ids[GroupIndex{Group: group, Subgroup: subgroup}]
	return id, ok
}

// GroupSubgroup returns the pair of a global index. Every global index handed out by the
// tree resolves; a miss panics.
func (gt *Tree) GroupSubgroup(global int) GroupIndex {
	if global < 0 || global >= len(gt.pairs) {
		panic(utils.NewInvariantViolationError("global index %d has no group (%d indexed)", global, len(gt.pairs)))
	}
	return gt.pairs[global]
}

// SubgroupAdjacencies returns the recorded adjacencies of a group, ordered.
func (gt *Tree) SubgroupAdjacencies(group int) []Adjacency {
	adj := lo.Keys(gt.adjacent[group])
	sort.Slice(adj, func(i, j int) bool {
		if adj[i].A != adj[j].A {
			return adj[i].A < adj[j].A
		}
		return adj[i].B < adj[j].B
	})
	return adj
}

func (gt *Tree) annotate(global int, score float64) Result {
	gi := gt.GroupSubgroup(global)
	subs := gt.SubgroupsForGroup(gi.Group)
	globals := lo.Map(subs, func(sub int, _ int) int {
		return gt.ids[GroupIndex{Group: gi.Group, Subgroup: sub}]
	})
	return Result{
		Index:                 global,
		Score:                 score,
		GroupIndex:            gi,
		SubgroupGlobalIndices: globals,
		SubgroupGroupIndices:  subs,
	}
}

// QueryVocabulary ranks the subgroups by TF-IDF similarity to the query and returns the n
// best, annotated with their groups.
func (gt *Tree) QueryVocabulary(query []kmeanstree.Feature, n int) ([]Result, error) {
	scores, err := gt.vocab.TopSimilarities(query, n)
	if err != nil {
		return nil, err
	}
	return lo.Map(scores, func(r vocabulary.Result, _ int) Result {
		return gt.annotate(r.Index, r.Score)
	}), nil
}

// TopCombinedSimilarities sums the subgroup scores of every group and returns the n best
// groups, highest score first; equal scores keep the order in which groups were first
// indexed. Each result names the group's best scoring subgroup.
func (gt *Tree) TopCombinedSimilarities(query []kmeanstree.Feature, n int) ([]Result, error) {
	scores, err := gt.vocab.TopSimilarities(query, -1)
	if err != nil {
		return nil, err
	}
	sums := make(map[int]float64)
	best := make(map[int]vocabulary.Result)
	// scores are ranked, so the first hit of a group is its best subgroup
	for _, r := range scores {
		group := gt.GroupSubgroup(r.Index).Group
		sums[group] += r.Score
		if _, ok := best[group]; !ok {
			best[group] = r
		}
	}

	var groups []int
	seen := make(map[int]struct{})
	for _, gi := range gt.pairs {
		if _, ok := seen[gi.Group]; ok {
			continue
		}
		seen[gi.Group] = struct{}{}
		if _, ok := best[gi.Group]; ok {
			groups = append(groups, gi.Group)
		}
	}
	sort.SliceStable(groups, func(i, j int) bool { return sums[groups[i]] > sums[groups[j]] })
	if n >= 0 && n < len(groups) {
		groups = groups[:n]
	}
	return lo.Map(groups, func(group int, _ int) Result {
		return gt.annotate(best[group].Index, sums[group])
	}), nil
}
