// Package graph implements the weighted, undirected adjacency graphs the convex
// segmentation works on. Vertices are stored by position and carry a name (the supervoxel
// or segment index they stand for); edges carry a convexity weight.
//
// Every transformation (copy, induced subgraph, connected components, cut) produces new
// graphs. A graph handed to another component is not mutated afterwards.
package graph

import (
	"fmt"
	"sort"

	"github.com/pkg/errors"
)

// Vertex is a graph vertex. Name is the identifier of the element it stands for.
type Vertex struct {
	Name int
}

// Edge is an undirected weighted edge between the vertices at positions U and V, U < V.
type Edge struct {
	U, V   int
	Weight float64
}

// Graph is an undirected graph with float weights. The zero value is an empty graph.
type Graph struct {
	vertices []Vertex
	edges    []Edge
	// adjacency maps, per vertex, neighbor position to edge position
	adjacency []map[int]int
}

// New returns a graph with n vertices named 0..n-1 and no edges.
func New(n int) *Graph {
	g := &Graph{
		vertices:  make([]Vertex, 0, n),
		adjacency: make([]map[int]int, 0, n),
	}
	for i := 0; i < n; i++ {
		g.AddVertex(i)
	}
	return g
}

// AddVertex appends a vertex with the given name and returns its position.
func (g *Graph) AddVertex(name int) int {
	g.vertices = append(g.vertices, Vertex{Name: name})
	g.adjacency = append(g.adjacency, make(map[int]int))
	return len(g.vertices) - 1
}

// AddEdge connects u and v. Self loops and parallel edges are rejected.
func (g *Graph) AddEdge(u, v int, weight float64) error {
	if u < 0 || v < 0 || u >= len(g.vertices) || v >= len(g.vertices) {
		return errors.Errorf("edge (%d, %d) out of range for %d vertices", u, v, len(g.vertices))
	}
	if u == v {
		return errors.Errorf("self loop on vertex %d", u)
	}
	if _, ok := g.adjacency[u][v]; ok {
		return errors.Errorf("edge (%d, %d) already exists", u, v)
	}
	if u > v {
		u, v = v, u
	}
	g.edges = append(g.edges, Edge{U: u, V: v, Weight: weight})
	g.adjacency[u][v] = len(g.edges) - 1
	g.adjacency[v][u] = len(g.edges) - 1
	return nil
}

// NumVertices returns the number of vertices.
func (g *Graph) NumVertices() int {
	return len(g.vertices)
}

// NumEdges returns the number of edges.
func (g *Graph) NumEdges() int {
	return len(g.edges)
}

// Vertex returns the vertex at position i.
func (g *Graph) Vertex(i int) Vertex {
	return g.vertices[i]
}

// Names returns the vertex names in position order.
func (g *Graph) Names() []int {
	names := make([]int, len(g.vertices))
	for i, v := range g.vertices {
		names[i] = v.Name
	}
	return names
}

// Edges returns a copy of the edge list in insertion order.
func (g *Graph) Edges() []Edge {
	return append([]Edge(nil), g.edges...)
}

// Edge returns the edge between u and v, if any.
func (g *Graph) Edge(u, v int) (Edge, bool) {
	if u < 0 || u >= len(g.adjacency) {
		return Edge{}, false
	}
	idx, ok := g.adjacency[u][v]
	if !ok {
		return Edge{}, false
	}
	return g.edges[idx], true
}

// SetWeight replaces the weight of an existing edge.
func (g *Graph) SetWeight(u, v int, weight float64) error {
	if u < 0 || u >= len(g.adjacency) {
		return errors.Errorf("no edge (%d, %d)", u, v)
	}
	idx, ok := g.adjacency[u][v]
	if !ok {
		return errors.Errorf("no edge (%d, %d)", u, v)
	}
	g.edges[idx].Weight = weight
	return nil
}

// Neighbors returns the positions adjacent to u in ascending order.
func (g *Graph) Neighbors(u int) []int {
	out := make([]int, 0, len(g.adjacency[u]))
	for v := range g.adjacency[u] {
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}

// Copy returns a deep copy of the graph.
func (g *Graph) Copy() *Graph {
	out := &Graph{
		vertices:  append([]Vertex(nil), g.vertices...),
		edges:     append([]Edge(nil), g.edges...),
		adjacency: make([]map[int]int, len(g.adjacency)),
	}
	for i, adj := range g.adjacency {
		out.adjacency[i] = make(map[int]int, len(adj))
		for k, v := range adj {
			out.adjacency[i][k] = v
		}
	}
	return out
}

// InducedSubgraph returns the subgraph spanned by the given vertex positions, in the
// given order, together with every edge between them. Vertex names and edge weights are
// preserved.
func (g *Graph) InducedSubgraph(positions []int) *Graph {
	remap := make(map[int]int, len(positions))
	out := &Graph{
		vertices:  make([]Vertex, 0, len(positions)),
		adjacency: make([]map[int]int, 0, len(positions)),
	}
	for _, p := range positions {
		remap[p] = out.AddVertex(g.vertices[p].Name)
	}
	for _, e := range g.edges {
		nu, okU := remap[e.U]
		nv, okV := remap[e.V]
		if okU && okV {
			// endpoints are distinct and the pair is new, so this cannot fail
			//nolint:errcheck
			out.AddEdge(nu, nv, e.Weight)
		}
	}
	return out
}

// TotalWeight returns the sum of all edge weights.
func (g *Graph) TotalWeight() float64 {
	total := 0.
	for _, e := range g.edges {
		total += e.Weight
	}
	return total
}

// String returns a short description of the graph.
func (g *Graph) String() string {
	return fmt.Sprintf("graph(%d vertices, %d edges)", len(g.vertices), len(g.edges))
}
