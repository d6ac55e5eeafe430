package kmeanstree

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"math/rand"
	"testing"

	"go.viam.com/test"

	"go.viam.com/objectretrieval/utils"
)

// countPolicy records the global indices inserted into each leaf.
func countPolicy() Policy[[]int] {
	return Policy[[]int]{
		NewLeaf:  func() []int { return nil },
		OnInsert: func(leaf *[]int, index int) { *leaf = append(*leaf, index) },
	}
}

// blobs returns n points around each of the given centers.
func blobs(rng *rand.Rand, n int, spread float64, centers ...[]float64) []Feature {
	var out []Feature
	for _, c := range centers {
		for i := 0; i < n; i++ {
			f := make(Feature, len(c))
			for d := range c {
				f[d] = c[d] + (rng.Float64()*2-1)*spread
			}
			out = append(out, f)
		}
	}
	return out
}

func testConfig() Config {
	return Config{Branching: 2, MaxDepth: 4, MinLeafSize: 4, MaxIterations: 20, Seed: 3}
}

func leafOf(t *Tree[[]int], index int) NodeID {
	found := NodeID(-1)
	t.Walk(func(id NodeID) bool {
		if leaf := t.Leaf(id); leaf != nil {
			for _, i := range *leaf {
				if i == index {
					found = id
				}
			}
		}
		return true
	})
	return found
}

func TestBuild(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	features := blobs(rng, 20, 0.1, []float64{0, 0}, []float64{10, 10})

	tree, err := New(testConfig(), countPolicy())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, tree.Built(), test.ShouldBeFalse)
	test.That(t, tree.SetInputCloud(features), test.ShouldBeNil)
	test.That(t, tree.AddPointsFromInputCloud(true), test.ShouldBeNil)

	test.That(t, tree.Built(), test.ShouldBeTrue)
	test.That(t, tree.Size(), test.ShouldEqual, 40)
	test.That(t, tree.Dims(), test.ShouldEqual, 2)
	test.That(t, len(tree.Points()), test.ShouldEqual, 40)
	test.That(t, tree.IsLeaf(Root), test.ShouldBeFalse)
	test.That(t, tree.Children(Root), test.ShouldHaveLength, 2)

	// the two blobs are separated at the root
	first := tree.Path(features[0])[1]
	second := tree.Path(features[20])[1]
	test.That(t, first, test.ShouldNotEqual, second)
	for i, f := range features {
		path := tree.Path(f)
		test.That(t, path[0], test.ShouldEqual, Root)
		test.That(t, tree.IsLeaf(path[len(path)-1]), test.ShouldBeTrue)
		test.That(t, len(path)-1, test.ShouldBeLessThanOrEqualTo, 4)
		if i < 20 {
			test.That(t, path[1], test.ShouldEqual, first)
		} else {
			test.That(t, path[1], test.ShouldEqual, second)
		}
		// points are inserted where they descend
		test.That(t, leafOf(tree, i), test.ShouldEqual, tree.LeafFor(f))
	}

	// every internal node has exactly Branching children and every leaf a payload
	tree.Walk(func(id NodeID) bool {
		if tree.IsLeaf(id) {
			test.That(t, tree.Leaf(id), test.ShouldNotBeNil)
		} else {
			test.That(t, tree.Children(id), test.ShouldHaveLength, 2)
			test.That(t, tree.Leaf(id), test.ShouldBeNil)
			for _, c := range tree.Children(id) {
				test.That(t, tree.Parent(c), test.ShouldEqual, id)
				test.That(t, tree.Depth(c), test.ShouldEqual, tree.Depth(id)+1)
			}
		}
		return true
	})
	visited := 0
	tree.PostOrder(func(id NodeID) { visited++ })
	test.That(t, visited, test.ShouldEqual, tree.NumNodes())
	test.That(t, tree.MaxNodeDepth(), test.ShouldBeLessThanOrEqualTo, 4)
}

func TestBuildIsDeterministic(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	features := blobs(rng, 30, 1, []float64{0, 0, 0}, []float64{5, 0, 0}, []float64{0, 5, 0})
	paths := func() [][]NodeID {
		tree, err := New(testConfig(), countPolicy())
		test.That(t, err, test.ShouldBeNil)
		test.That(t, tree.SetInputCloud(features), test.ShouldBeNil)
		test.That(t, tree.AddPointsFromInputCloud(false), test.ShouldBeNil)
		test.That(t, tree.Points(), test.ShouldBeEmpty)
		out := make([][]NodeID, len(features))
		for i, f := range features {
			out[i] = tree.Path(f)
		}
		return out
	}
	test.That(t, paths(), test.ShouldResemble, paths())
}

func TestEmptyAndDegenerate(t *testing.T) {
	tree, err := New(testConfig(), countPolicy())
	test.That(t, err, test.ShouldBeNil)

	err = tree.AppendCloud([]Feature{{1, 2}}, false)
	test.That(t, errors.Is(err, utils.ErrInvalidState), test.ShouldBeTrue)

	test.That(t, tree.SetInputCloud(nil), test.ShouldBeNil)
	test.That(t, tree.AddPointsFromInputCloud(true), test.ShouldBeNil)
	test.That(t, tree.Empty(), test.ShouldBeTrue)
	test.That(t, tree.NumNodes(), test.ShouldEqual, 1)
	test.That(t, tree.IsLeaf(Root), test.ShouldBeTrue)
	test.That(t, *tree.Leaf(Root), test.ShouldBeEmpty)

	// identical points cannot be split
	same := make([]Feature, 10)
	for i := range same {
		same[i] = Feature{1, 1}
	}
	test.That(t, tree.SetInputCloud(same), test.ShouldBeNil)
	test.That(t, tree.AddPointsFromInputCloud(false), test.ShouldBeNil)
	test.That(t, tree.NumNodes(), test.ShouldEqual, 1)
	test.That(t, *tree.Leaf(Root), test.ShouldHaveLength, 10)

	test.That(t, tree.SetInputCloud([]Feature{{1, 2}, {1}}), test.ShouldNotBeNil)
	test.That(t, tree.AppendCloud([]Feature{{1, 2, 3}}, false), test.ShouldNotBeNil)

	_, err = New(Config{Branching: 1, MaxDepth: 1, MinLeafSize: 1, MaxIterations: 1}, countPolicy())
	test.That(t, err, test.ShouldNotBeNil)
	_, err = New(testConfig(), Policy[int]{})
	test.That(t, err, test.ShouldNotBeNil)
}

func TestAppendCloud(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	features := blobs(rng, 20, 0.1, []float64{0, 0}, []float64{10, 10})
	tree, err := New(testConfig(), countPolicy())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, tree.SetInputCloud(features), test.ShouldBeNil)
	test.That(t, tree.AddPointsFromInputCloud(false), test.ShouldBeNil)
	nodes := tree.NumNodes()

	extra := blobs(rng, 5, 0.1, []float64{10, 10})
	test.That(t, tree.AppendCloud(extra, true), test.ShouldBeNil)
	test.That(t, tree.Size(), test.ShouldEqual, 45)
	test.That(t, tree.NumNodes(), test.ShouldEqual, nodes)
	test.That(t, len(tree.Points()), test.ShouldEqual, 5)
	for i, f := range extra {
		test.That(t, leafOf(tree, 40+i), test.ShouldEqual, tree.LeafFor(f))
	}

	test.That(t, tree.AppendCloud(nil, true), test.ShouldBeNil)
	test.That(t, tree.Size(), test.ShouldEqual, 45)
}

func encodeIndices(w io.Writer, leaf *[]int) error {
	if err := binary.Write(w, binary.LittleEndian, int64(len(*leaf))); err != nil {
		return err
	}
	for _, i := range *leaf {
		if err := binary.Write(w, binary.LittleEndian, int64(i)); err != nil {
			return err
		}
	}
	return nil
}

func decodeIndices(r io.Reader) ([]int, error) {
	var n int64
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	out := make([]int, n)
	for i := range out {
		var v int64
		if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
			return nil, err
		}
		out[i] = int(v)
	}
	return out, nil
}

func TestTopologyRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	features := blobs(rng, 25, 0.5, []float64{0, 0, 0, 0}, []float64{3, 3, 0, 0}, []float64{0, 0, 3, 3})
	tree, err := New(testConfig(), countPolicy())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, tree.SetInputCloud(features), test.ShouldBeNil)
	test.That(t, tree.AddPointsFromInputCloud(false), test.ShouldBeNil)

	var buf bytes.Buffer
	test.That(t, tree.EncodeTopology(&buf, encodeIndices), test.ShouldBeNil)

	loaded, err := New(DefaultConfig(), countPolicy())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, loaded.DecodeTopology(bytes.NewReader(buf.Bytes()), decodeIndices), test.ShouldBeNil)
	test.That(t, loaded.Config(), test.ShouldResemble, tree.Config())
	test.That(t, loaded.NumNodes(), test.ShouldEqual, tree.NumNodes())
	test.That(t, loaded.Size(), test.ShouldEqual, tree.Size())
	for _, f := range features {
		test.That(t, loaded.Path(f), test.ShouldResemble, tree.Path(f))
	}
	tree.Walk(func(id NodeID) bool {
		if tree.IsLeaf(id) {
			test.That(t, *loaded.Leaf(id), test.ShouldResemble, *tree.Leaf(id))
		}
		return true
	})

	// appending continues the global indices
	test.That(t, loaded.AppendCloud(features[:1], false), test.ShouldBeNil)
	test.That(t, leafOf(loaded, 75), test.ShouldEqual, loaded.LeafFor(features[0]))

	test.That(t, loaded.DecodeTopology(bytes.NewReader(buf.Bytes()[:20]), decodeIndices), test.ShouldNotBeNil)
	test.That(t, loaded.DecodeTopology(bytes.NewReader([]byte("definitely not a tree stream....")), decodeIndices),
		test.ShouldNotBeNil)
}

func TestEncodeTopologyPanicsOnMissingLeaf(t *testing.T) {
	rng := rand.New(rand.NewSource(6))
	tree, err := New(testConfig(), countPolicy())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, tree.SetInputCloud(blobs(rng, 10, 0.5, []float64{0, 0}, []float64{4, 4})), test.ShouldBeNil)
	test.That(t, tree.AddPointsFromInputCloud(false), test.ShouldBeNil)

	leaf := tree.LeafFor(Feature{0, 0})
	tree.nodes[leaf].leaf = nil
	var buf bytes.Buffer
	var recovered interface{}
	func() {
		defer func() { recovered = recover() }()
		//nolint:errcheck
		tree.EncodeTopology(&buf, encodeIndices)
	}()
	violation, ok := recovered.(*utils.InvariantViolation)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, violation.Error(), test.ShouldContainSubstring, "has no payload")
}
