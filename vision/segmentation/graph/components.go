package graph

import (
	"sort"

	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
)

// ConnectedComponents splits the graph into its connected components. Isolated vertices
// form single vertex components. Components are ordered by their lowest vertex position
// and keep the relative vertex order of g.
func (g *Graph) ConnectedComponents() []*Graph {
	if len(g.vertices) == 0 {
		return nil
	}
	ug := simple.NewUndirectedGraph()
	for i := range g.vertices {
		ug.AddNode(simple.Node(int64(i)))
	}
	for _, e := range g.edges {
		ug.SetEdge(simple.Edge{F: simple.Node(int64(e.U)), T: simple.Node(int64(e.V))})
	}

	components := topo.ConnectedComponents(ug)
	positions := make([][]int, 0, len(components))
	for _, c := range components {
		ps := make([]int, 0, len(c))
		for _, n := range c {
			ps = append(ps, int(n.ID()))
		}
		sort.Ints(ps)
		positions = append(positions, ps)
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i][0] < positions[j][0] })

	out := make([]*Graph, 0, len(positions))
	for _, ps := range positions {
		out = append(out, g.InducedSubgraph(ps))
	}
	return out
}
