package graph

import (
	"fmt"
	"math"
	"time"

	"arclimb/internal/geometry"
)

// Edge connects two distinct nodes. Transform maps A's frame into B's.
// Edges are immutable once built.
type Edge struct {
	A          NodeID                    `json:"node_a"`
	B          NodeID                    `json:"node_b"`
	Transform  *geometry.Transform       `json:"transform"`
	Confidence float64                   `json:"confidence"`
	Support    []geometry.Correspondence `json:"support,omitempty"`
	CreatedAt  time.Time                 `json:"created_at"`
}

// NewEdge builds an edge from a transform mapping a into b, normalizing the
// endpoint order. Support correspondences are given in a -> b orientation.
func NewEdge(a, b NodeID, t *geometry.Transform, confidence float64, support []geometry.Correspondence) *Edge {
	e := &Edge{A: a, B: b, Transform: t, Confidence: confidence, Support: support, CreatedAt: time.Now().UTC()}
	return e.normalized()
}

func (e *Edge) normalized() *Edge {
	if e.A <= e.B {
		return e
	}
	out := *e
	out.A, out.B = e.B, e.A
	if e.Transform != nil {
		out.Transform = e.Transform.Invert()
	}
	out.Support = geometry.SwapAll(e.Support)
	return &out
}

func (e *Edge) validate() error {
	switch {
	case e.A == e.B:
		return fmt.Errorf("%w: %s", ErrSelfEdge, e.A)
	case e.Transform == nil:
		return ErrNoTransform
	case math.IsNaN(e.Confidence) || e.Confidence < 0 || e.Confidence > 1:
		return fmt.Errorf("%w: %v", ErrInvalidConfidence, e.Confidence)
	}
	return nil
}

// Has reports whether id is an endpoint.
func (e *Edge) Has(id NodeID) bool {
	return e.A == id || e.B == id
}

// Other returns the endpoint opposite id.
func (e *Edge) Other(id NodeID) NodeID {
	if e.A == id {
		return e.B
	}
	return e.A
}

// TransformFrom returns the transform mapping src's frame into the other
// endpoint's frame.
func (e *Edge) TransformFrom(src NodeID) (*geometry.Transform, error) {
	switch src {
	case e.A:
		return e.Transform, nil
	case e.B:
		return e.Transform.Invert(), nil
	}
	return nil, fmt.Errorf("%w: %s is not an endpoint of %s", ErrUnknownNode, src, e)
}

// Key returns the normalized unordered pair.
func (e *Edge) Key() Pair {
	return MakePair(e.A, e.B)
}

func (e *Edge) String() string {
	return fmt.Sprintf("%s--%s", e.A, e.B)
}

// Pair is an unordered node pair, stored with A <= B.
type Pair struct {
	A, B NodeID
}

// MakePair normalizes the order of two node IDs.
func MakePair(a, b NodeID) Pair {
	if b < a {
		a, b = b, a
	}
	return Pair{A: a, B: b}
}
