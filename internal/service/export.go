package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"arclimb/internal/geometry"
	"arclimb/internal/graph"
)

// ErrFrameMismatch is returned when an imported edge's transform frames do
// not match the sizes of the nodes it joins.
var ErrFrameMismatch = errors.New("transform frame does not match node size")

// Document is the JSON form of a graph: a node list and an edge list.
type Document struct {
	Nodes []graph.ImageNode `json:"nodes"`
	Edges []*graph.Edge     `json:"edges"`
}

// Export writes the current snapshot as an indented JSON document.
func (s *Service) Export(w io.Writer) error {
	g := s.Snapshot()
	doc := Document{Nodes: g.Nodes(), Edges: g.Edges()}
	if doc.Nodes == nil {
		doc.Nodes = []graph.ImageNode{}
	}
	if doc.Edges == nil {
		doc.Edges = []*graph.Edge{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}

// DecodeDocument reads a JSON document and builds the graph it describes.
// Edge inverses are recomputed from the forward matrices and checked, so a
// hand-edited file cannot publish a transform that fails the round trip.
// Each transform's Src and Dst must equal the sizes of nodes A and B.
func DecodeDocument(r io.Reader, tolerance float64) (*graph.Graph, error) {
	var doc Document
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode graph: %w", err)
	}
	g := graph.New()
	var err error
	for _, n := range doc.Nodes {
		if g, err = g.AddNode(n); err != nil {
			return nil, fmt.Errorf("node %s: %w", n.ID, err)
		}
	}
	for i, e := range doc.Edges {
		if e == nil || e.Transform == nil {
			return nil, fmt.Errorf("edge %d: %w", i, graph.ErrNoTransform)
		}
		if err := checkFrames(g, e); err != nil {
			return nil, err
		}
		t, err := geometry.NewTransform(e.Transform.Forward, e.Transform.Src, e.Transform.Dst, tolerance)
		if err != nil {
			return nil, fmt.Errorf("edge %s: %w", e, err)
		}
		t.Stats = e.Transform.Stats
		built := graph.NewEdge(e.A, e.B, t, e.Confidence, e.Support)
		if !e.CreatedAt.IsZero() {
			built.CreatedAt = e.CreatedAt
		}
		if g, err = g.AddEdge(built); err != nil {
			return nil, fmt.Errorf("edge %s: %w", e, err)
		}
	}
	return g, nil
}

func checkFrames(g *graph.Graph, e *graph.Edge) error {
	na, okA := g.Node(e.A)
	nb, okB := g.Node(e.B)
	if !okA || !okB {
		// AddEdge reports the unknown endpoint.
		return nil
	}
	if e.Transform.Src != na.Size || e.Transform.Dst != nb.Size {
		return fmt.Errorf("edge %s: %w: src %v dst %v, nodes %v and %v",
			e, ErrFrameMismatch, e.Transform.Src, e.Transform.Dst, na.Size, nb.Size)
	}
	return nil
}

// Import replaces the graph with the document read from r. The imported
// graph is published as the version after the current snapshot.
func (s *Service) Import(ctx context.Context, r io.Reader) (*graph.Graph, error) {
	next, err := DecodeDocument(r, s.opts.Edge.Fit.RoundTripTolerance)
	if err != nil {
		return nil, err
	}
	g, err := s.update(func(cur *graph.Graph) (*graph.Graph, error) {
		return next.Succeeding(cur), nil
	}, func() error { return s.store.ReplaceGraph(ctx, next) })
	if err != nil {
		return nil, err
	}
	s.logger.Info("Graph imported", "nodes", g.NodeCount(), "edges", g.EdgeCount())
	return g, nil
}
