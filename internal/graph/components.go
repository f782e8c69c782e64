package graph

import (
	"cmp"
	"slices"

	gograph "gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
	"gonum.org/v1/gonum/graph/traverse"
)

// undirected is the gonum view of a snapshot. nodes[i] has gonum ID i.
type undirected struct {
	*simple.UndirectedGraph
	nodes []ImageNode
	index map[NodeID]int64
}

func (g *Graph) undirected() undirected {
	u := undirected{
		UndirectedGraph: simple.NewUndirectedGraph(),
		nodes:           g.Nodes(),
		index:           make(map[NodeID]int64, len(g.nodes)),
	}
	for i, n := range u.nodes {
		u.index[n.ID] = int64(i)
		u.AddNode(simple.Node(i))
	}
	for _, e := range g.Edges() {
		u.SetEdge(u.NewEdge(simple.Node(u.index[e.A]), simple.Node(u.index[e.B])))
	}
	return u
}

// Components returns the connected components, each sorted by ID. Larger
// components come first; equal sizes are ordered by their smallest ID.
func (g *Graph) Components() [][]NodeID {
	u := g.undirected()
	var out [][]NodeID
	for _, comp := range topo.ConnectedComponents(u) {
		ids := make([]NodeID, len(comp))
		for i, n := range comp {
			ids[i] = u.nodes[n.ID()].ID
		}
		slices.Sort(ids)
		out = append(out, ids)
	}
	slices.SortFunc(out, func(a, b []NodeID) int {
		if c := cmp.Compare(len(b), len(a)); c != 0 {
			return c
		}
		return cmp.Compare(a[0], b[0])
	})
	return out
}

// HopDistance returns the number of edges on a shortest path from a to b.
// ok is false when either node is missing or b is more than limit hops away.
func (g *Graph) HopDistance(a, b NodeID, limit int) (hops int, ok bool) {
	if !g.HasNode(a) || !g.HasNode(b) {
		return 0, false
	}
	if a == b {
		return 0, true
	}
	u := g.undirected()
	target := u.index[b]
	var bf traverse.BreadthFirst
	found := bf.Walk(u, simple.Node(u.index[a]), func(n gograph.Node, depth int) bool {
		if depth > limit {
			return true
		}
		hops = depth
		return n.ID() == target
	})
	if found == nil || found.ID() != target {
		return 0, false
	}
	return hops, true
}
