package query

import (
	"errors"
	"fmt"

	"arclimb/internal/geometry"
	"arclimb/internal/graph"
)

var (
	// ErrNoPath is returned when no path of at most MaxHops edges joins the
	// two nodes. It is a definitive negative answer.
	ErrNoPath = errors.New("no path")

	// ErrUnmappable is returned when paths exist but every one of them sends
	// the point to infinity on some hop.
	ErrUnmappable = errors.New("point cannot be mapped along any path")
)

// Direction selects which way an edge is traversed.
type Direction int

const (
	// AtoB applies the stored transform.
	AtoB Direction = iota
	// BtoA applies its inverse.
	BtoA
)

func (d Direction) String() string {
	if d == BtoA {
		return "b->a"
	}
	return "a->b"
}

// DirectionFrom returns the direction that leaves src along e.
func DirectionFrom(e *graph.Edge, src graph.NodeID) (Direction, error) {
	switch src {
	case e.A:
		return AtoB, nil
	case e.B:
		return BtoA, nil
	}
	return 0, fmt.Errorf("%w: %s is not an endpoint of %s", graph.ErrUnknownNode, src, e)
}

// Hop is the result of mapping a point across one edge.
type Hop struct {
	Point      geometry.Point `json:"point"`
	Confidence float64        `json:"confidence"`
	InBounds   bool           `json:"in_bounds"`
}

// QueryEdge maps p across e. The confidence is the edge's confidence in
// both directions; in-bounds refers to the target image's frame. A result
// that overflows to a non-finite coordinate counts as unmappable.
func QueryEdge(e *graph.Edge, p geometry.Point, dir Direction) (Hop, error) {
	if !p.IsFinite() {
		return Hop{}, fmt.Errorf("%w: %v", geometry.ErrInvalidPoint, p)
	}
	t := e.Transform
	if dir == BtoA {
		t = t.Invert()
	}
	q, err := t.Map(p)
	if err != nil {
		return Hop{}, fmt.Errorf("%w: %s %s: %w", ErrUnmappable, e, dir, err)
	}
	if !q.IsFinite() {
		return Hop{}, fmt.Errorf("%w: %s %s: %v", ErrUnmappable, e, dir, q)
	}
	return Hop{Point: q, Confidence: e.Confidence, InBounds: t.Dst.Contains(q)}, nil
}
