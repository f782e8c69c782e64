// Package graph holds the alignment graph: image nodes connected by edges
// that each carry a fitted transform and a confidence.
//
// # Snapshots
//
// A *Graph is an immutable value. AddNode, AddEdge and the removal methods
// return a new *Graph that shares every untouched part of the old one, so a
// reader holding a snapshot never observes a later mutation.
//
// Publisher owns the current snapshot. Readers call Snapshot and never lock;
// writers go through Update, which serializes them and publishes the result
// atomically.
//
// # Edges
//
// The graph is undirected and simple. An edge is stored once with A < B in
// string order; its transform maps A's pixel frame into B's. Traversing from
// B uses the inverse, see Edge.TransformFrom.
package graph

import "errors"

// Sentinel errors for graph construction.
var (
	// ErrDuplicateNode is returned when adding a node whose ID is already present.
	ErrDuplicateNode = errors.New("duplicate node")

	// ErrDuplicateEdge is returned when the unordered pair already has an edge.
	ErrDuplicateEdge = errors.New("duplicate edge")

	// ErrUnknownNode is returned when an operation names a node that is not
	// in the graph.
	ErrUnknownNode = errors.New("unknown node")

	// ErrUnknownEdge is returned when removing an edge that does not exist.
	ErrUnknownEdge = errors.New("unknown edge")

	// ErrSelfEdge is returned for an edge whose endpoints are the same node.
	ErrSelfEdge = errors.New("self edge")

	// ErrInvalidConfidence is returned for an edge confidence outside [0,1].
	ErrInvalidConfidence = errors.New("confidence outside [0,1]")

	// ErrInvalidNode is returned for a node with an empty ID or without
	// positive dimensions.
	ErrInvalidNode = errors.New("invalid node")

	// ErrNoTransform is returned for an edge without a transform.
	ErrNoTransform = errors.New("edge has no transform")
)
