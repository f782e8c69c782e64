package graph

import (
	"sync"
	"sync/atomic"
)

// Publisher holds the current graph snapshot. Reads are lock-free; writes
// are serialized and published atomically, so in-flight readers keep the
// snapshot they started with.
type Publisher struct {
	mu      sync.Mutex
	current atomic.Pointer[Graph]
}

// NewPublisher publishes g, or an empty graph when g is nil.
func NewPublisher(g *Graph) *Publisher {
	if g == nil {
		g = New()
	}
	p := &Publisher{}
	p.current.Store(g)
	return p
}

// Snapshot returns the current graph. The result never changes.
func (p *Publisher) Snapshot() *Graph {
	return p.current.Load()
}

// Update applies fn to the current snapshot under the writer lock and
// publishes its result. When fn fails nothing is published.
func (p *Publisher) Update(fn func(*Graph) (*Graph, error)) (*Graph, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	next, err := fn(p.current.Load())
	if err != nil {
		return nil, err
	}
	p.current.Store(next)
	return next, nil
}

// Replace publishes g unconditionally, e.g. after loading from storage.
func (p *Publisher) Replace(g *Graph) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.current.Store(g)
}
