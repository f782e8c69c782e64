package graph

import (
	"cmp"
	"fmt"
	"iter"
	"maps"
	"slices"
)

// Graph is an immutable snapshot of the alignment graph. The zero value is
// not usable; start from New.
type Graph struct {
	nodes   map[NodeID]ImageNode
	adj     map[NodeID]map[NodeID]*Edge
	edges   int
	version uint64
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{
		nodes: map[NodeID]ImageNode{},
		adj:   map[NodeID]map[NodeID]*Edge{},
	}
}

// derive returns a shallow copy that may be modified without affecting g.
// Adjacency rows are shared until a caller replaces them.
func (g *Graph) derive() *Graph {
	return &Graph{
		nodes:   maps.Clone(g.nodes),
		adj:     maps.Clone(g.adj),
		edges:   g.edges,
		version: g.version + 1,
	}
}

// Version increments with every derived snapshot.
func (g *Graph) Version() uint64 { return g.version }

// Succeeding returns g versioned as the snapshot after prev. It is used to
// publish a graph built apart from the current line, e.g. by an import.
func (g *Graph) Succeeding(prev *Graph) *Graph {
	out := *g
	out.version = prev.version + 1
	return &out
}

// NodeCount returns the number of nodes.
func (g *Graph) NodeCount() int { return len(g.nodes) }

// EdgeCount returns the number of edges.
func (g *Graph) EdgeCount() int { return g.edges }

// Node returns the node with the given ID.
func (g *Graph) Node(id NodeID) (ImageNode, bool) {
	n, ok := g.nodes[id]
	if !ok {
		return ImageNode{}, false
	}
	return n.clone(), true
}

// HasNode reports whether id is in the graph.
func (g *Graph) HasNode(id NodeID) bool {
	_, ok := g.nodes[id]
	return ok
}

// Nodes returns all nodes ordered by ID.
func (g *Graph) Nodes() []ImageNode {
	ids := slices.Sorted(maps.Keys(g.nodes))
	out := make([]ImageNode, len(ids))
	for i, id := range ids {
		out[i] = g.nodes[id].clone()
	}
	return out
}

// Edges returns all edges ordered by (A, B).
func (g *Graph) Edges() []*Edge {
	out := make([]*Edge, 0, g.edges)
	for a, row := range g.adj {
		for b, e := range row {
			if a < b {
				out = append(out, e)
			}
		}
	}
	slices.SortFunc(out, func(x, y *Edge) int {
		if c := cmp.Compare(x.A, y.A); c != 0 {
			return c
		}
		return cmp.Compare(x.B, y.B)
	})
	return out
}

// Edge returns the edge between a and b in either order, or nil.
func (g *Graph) Edge(a, b NodeID) *Edge {
	return g.adj[a][b]
}

// Degree returns the number of edges incident to id.
func (g *Graph) Degree(id NodeID) int {
	return len(g.adj[id])
}

// Neighbors yields each neighbor of id with the connecting edge, ordered by
// neighbor ID. The sequence is finite and may be ranged over repeatedly.
// An unknown id yields nothing.
func (g *Graph) Neighbors(id NodeID) iter.Seq2[ImageNode, *Edge] {
	row := g.adj[id]
	return func(yield func(ImageNode, *Edge) bool) {
		for _, other := range slices.Sorted(maps.Keys(row)) {
			if !yield(g.nodes[other], row[other]) {
				return
			}
		}
	}
}

// AddNode returns a graph that also contains n.
func (g *Graph) AddNode(n ImageNode) (*Graph, error) {
	if err := n.validate(); err != nil {
		return nil, fmt.Errorf("%w: %q", err, n.ID)
	}
	if _, ok := g.nodes[n.ID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateNode, n.ID)
	}
	out := g.derive()
	out.nodes[n.ID] = n.clone()
	out.adj[n.ID] = map[NodeID]*Edge{}
	return out, nil
}

// UpdateMeta returns a graph where the node's metadata is replaced. Metadata
// is the only part of a node that may change after admission.
func (g *Graph) UpdateMeta(id NodeID, meta map[string]string) (*Graph, error) {
	n, ok := g.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, id)
	}
	out := g.derive()
	n.Meta = maps.Clone(meta)
	out.nodes[id] = n
	return out, nil
}

// AddEdge returns a graph that also contains e. The edge is normalized so
// that e.A < e.B.
func (g *Graph) AddEdge(e *Edge) (*Graph, error) {
	if e == nil {
		return nil, ErrNoTransform
	}
	if err := e.validate(); err != nil {
		return nil, err
	}
	e = e.normalized()
	for _, id := range []NodeID{e.A, e.B} {
		if _, ok := g.nodes[id]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownNode, id)
		}
	}
	if g.adj[e.A][e.B] != nil {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateEdge, e)
	}

	out := g.derive()
	rowA := maps.Clone(g.adj[e.A])
	rowB := maps.Clone(g.adj[e.B])
	rowA[e.B] = e
	rowB[e.A] = e
	out.adj[e.A] = rowA
	out.adj[e.B] = rowB
	out.edges++
	return out, nil
}

// RemoveEdge returns a graph without the edge between a and b.
func (g *Graph) RemoveEdge(a, b NodeID) (*Graph, error) {
	if g.adj[a][b] == nil {
		return nil, fmt.Errorf("%w: %s--%s", ErrUnknownEdge, a, b)
	}
	out := g.derive()
	rowA := maps.Clone(g.adj[a])
	rowB := maps.Clone(g.adj[b])
	delete(rowA, b)
	delete(rowB, a)
	out.adj[a] = rowA
	out.adj[b] = rowB
	out.edges--
	return out, nil
}

// RemoveNode returns a graph without id and its incident edges.
func (g *Graph) RemoveNode(id NodeID) (*Graph, error) {
	if _, ok := g.nodes[id]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, id)
	}
	out := g.derive()
	for other := range g.adj[id] {
		row := maps.Clone(g.adj[other])
		delete(row, id)
		out.adj[other] = row
		out.edges--
	}
	delete(out.adj, id)
	delete(out.nodes, id)
	return out, nil
}
