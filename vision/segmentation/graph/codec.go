package graph

import (
	"bufio"
	"encoding/binary"
	"io"
	"math"

	"github.com/pkg/errors"
)

// graphMagic marks the start of a serialized graph.
const graphMagic uint32 = 0x47524631 // "GRF1"

// WriteTo serializes the graph: vertex count, vertex names, edge count, then the edges as
// (u, v, weight bits). Weights round trip bit exact.
func (g *Graph) WriteTo(w io.Writer) (int64, error) {
	bw := bufio.NewWriter(w)
	cw := &countingWriter{w: bw}
	put := func(v interface{}) error {
		return binary.Write(cw, binary.LittleEndian, v)
	}
	if err := put(graphMagic); err != nil {
		return cw.n, err
	}
	if err := put(uint64(len(g.vertices))); err != nil {
		return cw.n, err
	}
	for _, v := range g.vertices {
		if err := put(int64(v.Name)); err != nil {
			return cw.n, err
		}
	}
	if err := put(uint64(len(g.edges))); err != nil {
		return cw.n, err
	}
	for _, e := range g.edges {
		if err := put([3]uint64{uint64(e.U), uint64(e.V), math.Float64bits(e.Weight)}); err != nil {
			return cw.n, err
		}
	}
	return cw.n, bw.Flush()
}

// Read deserializes a graph written by WriteTo.
func Read(r io.Reader) (*Graph, error) {
	br := bufio.NewReader(r)
	get := func(v interface{}) error {
		return binary.Read(br, binary.LittleEndian, v)
	}
	var magic uint32
	if err := get(&magic); err != nil {
		return nil, errors.Wrap(err, "reading graph header")
	}
	if magic != graphMagic {
		return nil, errors.Errorf("not a serialized graph (magic %#x)", magic)
	}
	var numVertices uint64
	if err := get(&numVertices); err != nil {
		return nil, errors.Wrap(err, "reading vertex count")
	}
	g := &Graph{}
	for i := uint64(0); i < numVertices; i++ {
		var name int64
		if err := get(&name); err != nil {
			return nil, errors.Wrapf(err, "reading vertex %d", i)
		}
		g.AddVertex(int(name))
	}
	var numEdges uint64
	if err := get(&numEdges); err != nil {
		return nil, errors.Wrap(err, "reading edge count")
	}
	for i := uint64(0); i < numEdges; i++ {
		var e [3]uint64
		if err := get(&e); err != nil {
			return nil, errors.Wrapf(err, "reading edge %d", i)
		}
		if err := g.AddEdge(int(e[0]), int(e[1]), math.Float64frombits(e[2])); err != nil {
			return nil, errors.Wrapf(err, "edge %d", i)
		}
	}
	return g, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}
