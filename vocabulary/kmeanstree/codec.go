package kmeanstree

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/muesli/clusters"
	"github.com/pkg/errors"

	"go.viam.com/objectretrieval/utils"
)

const treeMagic uint32 = 0x4b4d5431 // "KMT1"

// maxDecodedNodes bounds the node count accepted from a stream.
const maxDecodedNodes = 1 << 26

// EncodeTopology writes the configuration, the node structure with every center and, for
// every leaf, the payload written by encodeLeaf. Stored points are not written.
func (t *Tree[L]) EncodeTopology(w io.Writer, encodeLeaf func(w io.Writer, leaf *L) error) error {
	bw := bufio.NewWriter(w)
	le := binary.LittleEndian
	header := []int64{
		int64(treeMagic),
		int64(t.cfg.Branching), int64(t.cfg.MaxDepth), int64(t.cfg.MinLeafSize), int64(t.cfg.MaxIterations), t.cfg.Seed,
		int64(t.dims), int64(t.inserted), boolToInt(t.built), int64(len(t.nodes)),
	}
	if err := binary.Write(bw, le, header); err != nil {
		return err
	}
	for id, n := range t.nodes {
		if err := binary.Write(bw, le, []int64{int64(n.depth), int64(n.parent), int64(len(n.children))}); err != nil {
			return err
		}
		if n.isLeaf() {
			if n.leaf == nil {
				panic(utils.NewInvariantViolationError("leaf %d has no payload", id))
			}
			if err := encodeLeaf(bw, n.leaf); err != nil {
				return errors.Wrapf(err, "cannot encode leaf %d", id)
			}
			continue
		}
		for c, child := range n.children {
			if err := binary.Write(bw, le, int64(child)); err != nil {
				return err
			}
			if err := binary.Write(bw, le, []float64(n.centers[c].Center)); err != nil {
				return err
			}
		}
	}
	return bw.Flush()
}

// DecodeTopology replaces the tree with one written by EncodeTopology. The policy is kept;
// leaf payloads are read with decodeLeaf. r is read through a buffer, so callers that keep
// reading after the tree must pass a *bufio.Reader.
func (t *Tree[L]) DecodeTopology(r io.Reader, decodeLeaf func(r io.Reader) (L, error)) error {
	br := bufio.NewReader(r)
	le := binary.LittleEndian
	header := make([]int64, 10)
	if err := binary.Read(br, le, header); err != nil {
		return errors.Wrap(err, "cannot read k-means tree header")
	}
	if uint32(header[0]) != treeMagic {
		return errors.Errorf("not a k-means tree stream (magic %#x)", header[0])
	}
	cfg := Config{
		Branching:     int(header[1]),
		MaxDepth:      int(header[2]),
		MinLeafSize:   int(header[3]),
		MaxIterations: int(header[4]),
		Seed:          header[5],
	}
	if err := cfg.CheckValid(); err != nil {
		return errors.Wrap(err, "corrupt k-means tree config")
	}
	dims, inserted, built, numNodes := int(header[6]), int(header[7]), header[8] != 0, header[9]
	if dims < 0 || inserted < 0 || numNodes < 0 || numNodes > maxDecodedNodes {
		return errors.New("corrupt k-means tree header")
	}

	nodes := make([]*node[L], 0, numNodes)
	for id := int64(0); id < numNodes; id++ {
		fields := make([]int64, 3)
		if err := binary.Read(br, le, fields); err != nil {
			return errors.Wrapf(err, "cannot read node %d", id)
		}
		n := &node[L]{depth: int(fields[0]), parent: NodeID(fields[1])}
		numChildren := fields[2]
		switch {
		case numChildren == 0:
			leaf, err := decodeLeaf(br)
			if err != nil {
				return errors.Wrapf(err, "cannot decode leaf %d", id)
			}
			n.leaf = &leaf
		case numChildren == int64(cfg.Branching):
			for c := int64(0); c < numChildren; c++ {
				var child int64
				if err := binary.Read(br, le, &child); err != nil {
					return err
				}
				if child <= id || child >= numNodes {
					return errors.Errorf("node %d has out of order child %d", id, child)
				}
				center := make([]float64, dims)
				if err := binary.Read(br, le, center); err != nil {
					return err
				}
				n.children = append(n.children, NodeID(child))
				n.centers = append(n.centers, clusters.Cluster{Center: center})
			}
		default:
			return errors.Errorf("node %d has %d children, expected 0 or %d", id, numChildren, cfg.Branching)
		}
		nodes = append(nodes, n)
	}

	t.cfg = cfg
	t.nodes = nodes
	t.dims = dims
	t.inserted = inserted
	t.built = built
	t.input = nil
	t.points = nil
	return nil
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
