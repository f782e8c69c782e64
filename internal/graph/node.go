package graph

import (
	"maps"
	"time"

	"arclimb/internal/geometry"

	"github.com/google/uuid"
)

// NodeID identifies an image node. IDs are compared as strings.
type NodeID string

// NewNodeID returns a fresh random ID.
func NewNodeID() NodeID {
	return NodeID(uuid.NewString())
}

// ImageNode is an image admitted to the graph. The node refers to the image
// content by Ref and never holds pixels.
type ImageNode struct {
	ID      NodeID            `json:"id"`
	Ref     string            `json:"ref"`
	Size    geometry.Size     `json:"size"`
	AddedAt time.Time         `json:"added_at"`
	Meta    map[string]string `json:"meta,omitempty"`
}

func (n ImageNode) validate() error {
	if n.ID == "" || !n.Size.Valid() {
		return ErrInvalidNode
	}
	return nil
}

func (n ImageNode) clone() ImageNode {
	n.Meta = maps.Clone(n.Meta)
	return n
}
