package graph

import (
	"errors"
	"sync"
	"testing"

	"arclimb/internal/geometry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func node(id string) ImageNode {
	return ImageNode{ID: NodeID(id), Ref: id + ".jpg", Size: geometry.Square(100)}
}

func identityEdge(a, b string, conf float64) *Edge {
	return NewEdge(NodeID(a), NodeID(b), geometry.Identity(geometry.Square(100), geometry.Square(100)), conf, nil)
}

func build(t *testing.T, ids []string, edges ...*Edge) *Graph {
	t.Helper()
	g := New()
	var err error
	for _, id := range ids {
		g, err = g.AddNode(node(id))
		require.NoError(t, err)
	}
	for _, e := range edges {
		g, err = g.AddEdge(e)
		require.NoError(t, err)
	}
	return g
}

func TestAddNodeDuplicate(t *testing.T) {
	g := build(t, []string{"a"})
	_, err := g.AddNode(node("a"))
	assert.True(t, errors.Is(err, ErrDuplicateNode))
}

func TestAddNodeInvalid(t *testing.T) {
	_, err := New().AddNode(ImageNode{ID: "x"})
	assert.True(t, errors.Is(err, ErrInvalidNode))
	_, err = New().AddNode(ImageNode{Size: geometry.Square(10)})
	assert.True(t, errors.Is(err, ErrInvalidNode))
}

func TestAddEdgeErrors(t *testing.T) {
	g := build(t, []string{"a", "b"}, identityEdge("a", "b", 0.5))

	tests := []struct {
		name string
		edge *Edge
		want error
	}{
		{"duplicate", identityEdge("a", "b", 0.9), ErrDuplicateEdge},
		{"duplicate reversed", identityEdge("b", "a", 0.9), ErrDuplicateEdge},
		{"unknown endpoint", identityEdge("a", "z", 0.9), ErrUnknownNode},
		{"self edge", identityEdge("a", "a", 0.9), ErrSelfEdge},
		{"confidence above one", identityEdge("a", "c", 1.5), ErrInvalidConfidence},
		{"negative confidence", identityEdge("a", "c", -0.1), ErrInvalidConfidence},
		{"no transform", &Edge{A: "a", B: "c", Confidence: 0.5}, ErrNoTransform},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := g.AddEdge(tt.edge)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestEdgeNormalization(t *testing.T) {
	shift, err := geometry.NewTransform(geometry.Homography{1, 0, 10, 0, 1, 0, 0, 0, 1}, geometry.Square(100), geometry.Square(100), 0)
	require.NoError(t, err)
	support := []geometry.Correspondence{{Src: geometry.Point{X: 0, Y: 0}, Dst: geometry.Point{X: 10, Y: 0}}}

	// Built from b to a: stored as a--b with the inverse transform.
	e := NewEdge("b", "a", shift, 0.7, support)
	assert.Equal(t, NodeID("a"), e.A)
	assert.Equal(t, NodeID("b"), e.B)
	assert.Equal(t, geometry.Point{X: 10, Y: 0}, e.Support[0].Src)

	fromB, err := e.TransformFrom("b")
	require.NoError(t, err)
	q, err := fromB.Map(geometry.Point{X: 5, Y: 5})
	require.NoError(t, err)
	assert.InDelta(t, 15, q.X, 1e-9)

	fromA, err := e.TransformFrom("a")
	require.NoError(t, err)
	q, err = fromA.Map(geometry.Point{X: 15, Y: 5})
	require.NoError(t, err)
	assert.InDelta(t, 5, q.X, 1e-9)

	_, err = e.TransformFrom("c")
	assert.True(t, errors.Is(err, ErrUnknownNode))
}

func TestEdgeLookupIsDirectionAgnostic(t *testing.T) {
	g := build(t, []string{"a", "b", "c"}, identityEdge("b", "a", 0.5))
	require.NotNil(t, g.Edge("a", "b"))
	assert.Same(t, g.Edge("a", "b"), g.Edge("b", "a"))
	assert.Nil(t, g.Edge("a", "c"))
	assert.Nil(t, g.Edge("a", "missing"))
}

func TestNeighborsOrderedAndRestartable(t *testing.T) {
	g := build(t, []string{"a", "b", "c", "d"},
		identityEdge("a", "d", 0.5),
		identityEdge("a", "b", 0.6),
		identityEdge("c", "a", 0.7),
	)

	collect := func() []NodeID {
		var ids []NodeID
		for n, e := range g.Neighbors("a") {
			assert.True(t, e.Has("a"))
			assert.Equal(t, n.ID, e.Other("a"))
			ids = append(ids, n.ID)
		}
		return ids
	}
	want := []NodeID{"b", "c", "d"}
	assert.Equal(t, want, collect())
	assert.Equal(t, want, collect(), "second pass yields the same sequence")

	var first NodeID
	for n := range g.Neighbors("a") {
		first = n.ID
		break
	}
	assert.Equal(t, NodeID("b"), first)

	for range g.Neighbors("missing") {
		t.Fatal("unknown node has no neighbors")
	}
}

func TestSnapshotsAreIsolated(t *testing.T) {
	before := build(t, []string{"a", "b"})
	after, err := before.AddEdge(identityEdge("a", "b", 0.5))
	require.NoError(t, err)

	assert.Nil(t, before.Edge("a", "b"))
	assert.Equal(t, 0, before.EdgeCount())
	assert.Equal(t, 1, after.EdgeCount())
	assert.Greater(t, after.Version(), before.Version())

	removed, err := after.RemoveNode("b")
	require.NoError(t, err)
	assert.NotNil(t, after.Edge("a", "b"))
	assert.False(t, removed.HasNode("b"))
	assert.Equal(t, 0, removed.EdgeCount())
	assert.Equal(t, 0, removed.Degree("a"))
}

func TestRemoveEdge(t *testing.T) {
	g := build(t, []string{"a", "b"}, identityEdge("a", "b", 0.5))
	out, err := g.RemoveEdge("b", "a")
	require.NoError(t, err)
	assert.Nil(t, out.Edge("a", "b"))
	assert.Equal(t, 0, out.EdgeCount())

	_, err = out.RemoveEdge("a", "b")
	assert.True(t, errors.Is(err, ErrUnknownEdge))
	_, err = out.RemoveNode("zz")
	assert.True(t, errors.Is(err, ErrUnknownNode))
}

func TestNodeMetaIsCopied(t *testing.T) {
	n := node("a")
	n.Meta = map[string]string{"wall": "north"}
	g, err := New().AddNode(n)
	require.NoError(t, err)
	n.Meta["wall"] = "south"

	got, ok := g.Node("a")
	require.True(t, ok)
	assert.Equal(t, "north", got.Meta["wall"])

	g2, err := g.UpdateMeta("a", map[string]string{"wall": "east"})
	require.NoError(t, err)
	got, _ = g.Node("a")
	assert.Equal(t, "north", got.Meta["wall"])
	got, _ = g2.Node("a")
	assert.Equal(t, "east", got.Meta["wall"])
}

func TestComponents(t *testing.T) {
	g := build(t, []string{"a", "b", "c", "d", "e"},
		identityEdge("a", "b", 0.9),
		identityEdge("b", "c", 0.8),
		identityEdge("d", "e", 0.3),
	)
	g, err := g.AddNode(node("f"))
	require.NoError(t, err)

	assert.Equal(t, [][]NodeID{{"a", "b", "c"}, {"d", "e"}, {"f"}}, g.Components())
	assert.Empty(t, New().Components())
}

func TestHopDistance(t *testing.T) {
	g := build(t, []string{"a", "b", "c", "d", "e", "f"},
		identityEdge("a", "b", 0.9),
		identityEdge("b", "c", 0.8),
		identityEdge("c", "d", 0.8),
		identityEdge("a", "d", 0.2),
		identityEdge("e", "f", 0.3),
	)

	for _, tc := range []struct {
		a, b  NodeID
		limit int
		hops  int
		ok    bool
	}{
		{"a", "a", 0, 0, true},
		{"a", "b", 4, 1, true},
		{"a", "c", 4, 2, true},
		{"a", "d", 4, 1, true},
		{"b", "d", 1, 0, false},
		{"b", "d", 2, 2, true},
		{"a", "e", 10, 0, false},
		{"a", "missing", 4, 0, false},
	} {
		hops, ok := g.HopDistance(tc.a, tc.b, tc.limit)
		assert.Equal(t, tc.ok, ok, "%s-%s limit %d", tc.a, tc.b, tc.limit)
		if tc.ok {
			assert.Equal(t, tc.hops, hops, "%s-%s", tc.a, tc.b)
		}
	}
}

func TestPublisherConcurrentReaders(t *testing.T) {
	p := NewPublisher(nil)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				g := p.Snapshot()
				n := g.NodeCount()
				assert.Len(t, g.Nodes(), n)
			}
		}()
	}
	for _, id := range []string{"a", "b", "c", "d"} {
		_, err := p.Update(func(g *Graph) (*Graph, error) { return g.AddNode(node(id)) })
		require.NoError(t, err)
	}
	wg.Wait()

	_, err := p.Update(func(g *Graph) (*Graph, error) { return g.AddNode(node("a")) })
	assert.True(t, errors.Is(err, ErrDuplicateNode))
	assert.Equal(t, 4, p.Snapshot().NodeCount())
}
