package graph

import (
	"math"
)

// MinCut is the result of a global minimum cut.
type MinCut struct {
	// Weight is the total weight of the edges crossing the cut.
	Weight float64
	// Parity holds, per vertex position, the side of the cut the vertex is on.
	Parity []bool
}

// CrossingEdges counts the edges whose endpoints lie on different sides of the cut.
func (g *Graph) CrossingEdges(parity []bool) int {
	count := 0
	for _, e := range g.edges {
		if parity[e.U] != parity[e.V] {
			count++
		}
	}
	return count
}

// Sides returns the induced subgraphs of the vertices with parity false and true, in that
// order. Vertices with no edge on their side are kept.
func (g *Graph) Sides(parity []bool) (*Graph, *Graph) {
	var first, second []int
	for i := range g.vertices {
		if parity[i] {
			second = append(second, i)
		} else {
			first = append(first, i)
		}
	}
	return g.InducedSubgraph(first), g.InducedSubgraph(second)
}

// StoerWagner computes a global minimum cut with the Stoer-Wagner algorithm. Each phase
// grows a maximum adjacency ordering starting from the lowest remaining position, so the
// result is deterministic. ok is false for graphs with fewer than two vertices. The cut is
// only guaranteed minimal for non-negative weights; concave boundaries carry negative
// weights and are then found greedily.
func (g *Graph) StoerWagner() (MinCut, bool) {
	n := len(g.vertices)
	if n < 2 {
		return MinCut{}, false
	}

	w := make([][]float64, n)
	for i := range w {
		w[i] = make([]float64, n)
	}
	for _, e := range g.edges {
		w[e.U][e.V] += e.Weight
		w[e.V][e.U] += e.Weight
	}

	// members[v] are the original vertices contracted into v
	members := make([][]int, n)
	for i := range members {
		members[i] = []int{i}
	}
	active := make([]int, n)
	for i := range active {
		active[i] = i
	}

	best := math.Inf(1)
	var bestSet []int
	connectivity := make([]float64, n)
	added := make([]bool, n)
	for len(active) > 1 {
		for _, v := range active {
			connectivity[v] = 0
			added[v] = false
		}
		prev := -1
		for step := 0; step < len(active); step++ {
			sel := -1
			for _, v := range active {
				if !added[v] && (sel == -1 || connectivity[v] > connectivity[sel]) {
					sel = v
				}
			}
			added[sel] = true

			if step == len(active)-1 {
				if connectivity[sel] < best {
					best = connectivity[sel]
					bestSet = append([]int(nil), members[sel]...)
				}
				for _, v := range active {
					if v == prev || v == sel {
						continue
					}
					w[prev][v] += w[sel][v]
					w[v][prev] = w[prev][v]
				}
				members[prev] = append(members[prev], members[sel]...)
				active = removeValue(active, sel)
				break
			}

			for _, v := range active {
				if !added[v] {
					connectivity[v] += w[sel][v]
				}
			}
			prev = sel
		}
	}

	parity := make([]bool, n)
	for _, v := range bestSet {
		parity[v] = true
	}
	return MinCut{Weight: best, Parity: parity}, true
}

func removeValue(values []int, x int) []int {
	for i, v := range values {
		if v == x {
			return append(values[:i], values[i+1:]...)
		}
	}
	return values
}
