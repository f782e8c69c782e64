package locate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arclimb/internal/geometry"
	"arclimb/internal/graph"
	"arclimb/internal/imagestore"
	"arclimb/internal/matcher"
)

func corrs(n int, conf float64) []geometry.Correspondence {
	out := make([]geometry.Correspondence, n)
	for i := range out {
		p := geometry.Point{X: float64(i), Y: float64(i)}
		out[i] = geometry.Correspondence{Src: p, Dst: p, Confidence: conf}
	}
	return out
}

// fixture builds a graph whose node refs equal their IDs.
func fixture(t *testing.T, ids ...string) (*graph.Graph, *imagestore.MemStore) {
	t.Helper()
	g := graph.New()
	store := imagestore.NewMemStore()
	for _, id := range ids {
		var err error
		g, err = g.AddNode(graph.ImageNode{ID: graph.NodeID(id), Ref: id, Size: geometry.Square(100), AddedAt: time.Now()})
		require.NoError(t, err)
		store.Put(imagestore.Image{Ref: id, Size: geometry.Square(100)})
	}
	return g, store
}

var visitor = imagestore.Image{Ref: "new", Size: geometry.Square(100)}

func TestLocatePicksHighestScore(t *testing.T) {
	g, store := fixture(t, "a", "b", "c")
	table := matcher.Table{
		{"new", "a"}: corrs(10, 0.5), // 5
		{"new", "b"}: corrs(8, 0.9),  // 7.2
		{"new", "c"}: corrs(2, 0.9),  // 1.8
	}
	m, err := New(table, store, DefaultOptions(), nil).Locate(context.Background(), g, visitor)
	require.NoError(t, err)
	assert.Equal(t, graph.NodeID("b"), m.Node.ID)
	assert.InDelta(t, 7.2, m.Score, 1e-9)
	assert.Equal(t, 8, m.Count())
}

func TestLocateTieBreaks(t *testing.T) {
	g, store := fixture(t, "a", "b", "c")
	table := matcher.Table{
		{"new", "a"}: corrs(10, 0.6), // 6 from 10
		{"new", "b"}: corrs(12, 0.5), // 6 from 12
		{"new", "c"}: corrs(12, 0.5), // 6 from 12, higher id
	}
	m, err := New(table, store, DefaultOptions(), nil).Locate(context.Background(), g, visitor)
	require.NoError(t, err)
	assert.Equal(t, graph.NodeID("b"), m.Node.ID)
}

func TestLocateNoMatch(t *testing.T) {
	g, store := fixture(t, "a")
	table := matcher.Table{{"new", "a"}: corrs(4, 0.5)}
	_, err := New(table, store, DefaultOptions(), nil).Locate(context.Background(), g, visitor)
	assert.ErrorIs(t, err, ErrNoMatch)

	_, err = New(table, store, DefaultOptions(), nil).Locate(context.Background(), graph.New(), visitor)
	assert.ErrorIs(t, err, ErrNoMatch)
}

func TestRankIncludesWeakCandidates(t *testing.T) {
	g, store := fixture(t, "a", "b")
	table := matcher.Table{{"new", "a"}: corrs(1, 0.5)}
	ranked, err := New(table, store, DefaultOptions(), nil).Rank(context.Background(), g, visitor)
	require.NoError(t, err)
	require.Len(t, ranked, 2)
	assert.Equal(t, graph.NodeID("a"), ranked[0].Node.ID)
	assert.Zero(t, ranked[1].Score)
}

func TestLocateSkipsFailingNodes(t *testing.T) {
	g, store := fixture(t, "a", "b")
	boom := errors.New("boom")
	m := matcher.Func(func(ctx context.Context, a, b imagestore.Image) ([]geometry.Correspondence, error) {
		if b.Ref == "a" {
			return nil, boom
		}
		return corrs(10, 0.9), nil
	})
	got, err := New(m, store, DefaultOptions(), nil).Locate(context.Background(), g, visitor)
	require.NoError(t, err)
	assert.Equal(t, graph.NodeID("b"), got.Node.ID)

	failing := matcher.Func(func(context.Context, imagestore.Image, imagestore.Image) ([]geometry.Correspondence, error) {
		return nil, boom
	})
	_, err = New(failing, store, DefaultOptions(), nil).Locate(context.Background(), g, visitor)
	assert.ErrorIs(t, err, boom)
}

func TestLocateHonoursCancellation(t *testing.T) {
	g, store := fixture(t, "a", "b", "c")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(matcher.Table{}, store, DefaultOptions(), nil).Locate(ctx, g, visitor)
	assert.ErrorIs(t, err, context.Canceled)
}
