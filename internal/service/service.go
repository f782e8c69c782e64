// Package service is the construction and query API of the alignment graph.
//
// Construction admits images as nodes and connects pairs whose fitted
// transform is good enough. Queries run against the published snapshot and
// never block writers. Every mutation is persisted when a store is
// configured.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"arclimb/internal/edge"
	"arclimb/internal/geometry"
	"arclimb/internal/graph"
	"arclimb/internal/imagestore"
	"arclimb/internal/locate"
	"arclimb/internal/logging"
	"arclimb/internal/matcher"
	"arclimb/internal/query"
	"arclimb/internal/storage"
)

// Options gathers the constants of every component the service drives.
type Options struct {
	Edge           edge.Options   `json:"edge"`
	Query          query.Options  `json:"query"`
	Locate         locate.Options `json:"locate"`
	ConnectWorkers int            `json:"connect_workers"`
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return Options{
		Edge:           edge.DefaultOptions(),
		Query:          query.DefaultOptions(),
		Locate:         locate.DefaultOptions(),
		ConnectWorkers: 4,
	}
}

// Deps are the collaborators of a Service. Store and Registerer are optional.
type Deps struct {
	Images     imagestore.Store
	Matcher    matcher.Matcher
	Store      *storage.Store
	Registerer prometheus.Registerer
	Logger     *slog.Logger
}

// Service owns the published graph.
type Service struct {
	pub     *graph.Publisher
	builder *edge.Builder
	engine  *query.Engine
	locator *locate.Locator
	images  imagestore.Store
	matcher matcher.Matcher
	store   *storage.Store
	metrics *Metrics
	opts    Options
	logger  *slog.Logger
}

// New builds a Service, loading the persisted graph when a store is given.
func New(ctx context.Context, deps Deps, opts Options) (*Service, error) {
	if deps.Images == nil || deps.Matcher == nil {
		return nil, errors.New("service needs an image store and a matcher")
	}
	if opts.ConnectWorkers < 1 {
		opts.ConnectWorkers = DefaultOptions().ConnectWorkers
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	g := graph.New()
	if deps.Store != nil {
		loaded, err := deps.Store.LoadGraph(ctx)
		if err != nil {
			return nil, fmt.Errorf("load graph: %w", err)
		}
		g = loaded
	}

	s := &Service{
		pub:     graph.NewPublisher(g),
		builder: edge.NewBuilder(opts.Edge, logger.With("component", "edge")),
		engine:  query.NewEngine(opts.Query, logger.With("component", "query")),
		locator: locate.New(deps.Matcher, deps.Images, opts.Locate, logger.With("component", "locate")),
		images:  deps.Images,
		matcher: deps.Matcher,
		store:   deps.Store,
		metrics: NewMetrics(deps.Registerer),
		opts:    opts,
		logger:  logger,
	}
	s.observe(g)
	logger.Info("Alignment graph ready", "nodes", g.NodeCount(), "edges", g.EdgeCount())
	return s, nil
}

// Snapshot returns the current published graph.
func (s *Service) Snapshot() *graph.Graph { return s.pub.Snapshot() }

// Options returns the service's constants.
func (s *Service) Options() Options { return s.opts }

// Store returns the persistence layer, or nil.
func (s *Service) Store() *storage.Store { return s.store }

// Images returns the image store.
func (s *Service) Images() imagestore.Store { return s.images }

func (s *Service) observe(g *graph.Graph) {
	s.metrics.graphNodes.Set(float64(g.NodeCount()))
	s.metrics.graphEdges.Set(float64(g.EdgeCount()))
}

// update applies fn under the writer lock, then persists with save while the
// lock is still held so the store sees mutations in publish order.
func (s *Service) update(fn func(*graph.Graph) (*graph.Graph, error), save func() error) (*graph.Graph, error) {
	g, err := s.pub.Update(func(g *graph.Graph) (*graph.Graph, error) {
		next, err := fn(g)
		if err != nil {
			return nil, err
		}
		if s.store != nil && save != nil {
			if err := save(); err != nil {
				return nil, fmt.Errorf("persist: %w", err)
			}
		}
		return next, nil
	})
	if err != nil {
		return nil, err
	}
	s.observe(g)
	return g, nil
}

// FindByRef returns the node admitted for ref.
func (s *Service) FindByRef(ref string) (graph.ImageNode, bool) {
	for _, n := range s.Snapshot().Nodes() {
		if n.Ref == ref {
			return n, true
		}
	}
	return graph.ImageNode{}, false
}

// AddImage admits the referenced image as a new node without connecting it.
// A reference already in the graph fails with graph.ErrDuplicateNode.
func (s *Service) AddImage(ctx context.Context, ref string) (graph.NodeID, error) {
	img, err := s.images.Load(ctx, ref)
	if err != nil {
		return "", err
	}
	n := graph.ImageNode{
		ID:      graph.NewNodeID(),
		Ref:     img.Ref,
		Size:    img.Size,
		AddedAt: time.Now().UTC(),
	}
	_, err = s.update(func(g *graph.Graph) (*graph.Graph, error) {
		for _, existing := range g.Nodes() {
			if existing.Ref == n.Ref {
				return nil, fmt.Errorf("%w: %s already admitted as %s", graph.ErrDuplicateNode, ref, existing.ID)
			}
		}
		return g.AddNode(n)
	}, func() error { return s.store.SaveNode(ctx, n) })
	if err != nil {
		return "", err
	}
	s.logger.Info("Image admitted", "id", n.ID, "ref", n.Ref, "width", n.Size.Width, "height", n.Size.Height)
	return n.ID, nil
}

// SetMeta replaces a node's metadata.
func (s *Service) SetMeta(ctx context.Context, id graph.NodeID, meta map[string]string) error {
	_, err := s.update(func(g *graph.Graph) (*graph.Graph, error) {
		return g.UpdateMeta(id, meta)
	}, func() error {
		n, _ := s.Snapshot().Node(id)
		n.Meta = meta
		return s.store.SaveNode(ctx, n)
	})
	return err
}

// evaluate matches a pair and runs the edge builder. It reads only the
// snapshot and may run concurrently.
func (s *Service) evaluate(ctx context.Context, a, b graph.ImageNode) (*graph.Edge, edge.Decision, error) {
	ia, err := s.images.Load(ctx, a.Ref)
	if err != nil {
		return nil, edge.Decision{}, err
	}
	ib, err := s.images.Load(ctx, b.Ref)
	if err != nil {
		return nil, edge.Decision{}, err
	}
	corrs, err := s.matcher.Match(ctx, ia, ib)
	if err != nil {
		return nil, edge.Decision{}, fmt.Errorf("match %s with %s: %w", a.ID, b.ID, err)
	}
	corrs, dropped := matcher.Validate(corrs)
	if dropped > 0 {
		s.logger.Warn("Invalid correspondences dropped", "a", a.ID, "b", b.ID, "dropped", dropped)
	}
	e, d := s.builder.Build(a, b, corrs)
	s.metrics.edgeDecisions.WithLabelValues(d.Reason).Inc()
	return e, d, nil
}

// Connect matches two nodes, builds the edge and adds it when admitted. The
// Decision explains the outcome either way.
func (s *Service) Connect(ctx context.Context, a, b graph.NodeID) (edge.Decision, error) {
	return s.connect(ctx, a, b, func(na, nb graph.ImageNode) (*graph.Edge, edge.Decision, error) {
		return s.evaluate(ctx, na, nb)
	})
}

// ConnectWith builds the edge between a and b from supplied correspondences
// instead of running the matcher, e.g. hand-picked control points. Src
// points lie in a's frame. A correspondence with a non-finite coordinate or
// a confidence outside [0,1] fails the call with geometry.ErrInvalidPoint.
func (s *Service) ConnectWith(ctx context.Context, a, b graph.NodeID, corrs []geometry.Correspondence) (edge.Decision, error) {
	if _, dropped := matcher.Validate(corrs); dropped > 0 {
		return edge.Decision{}, fmt.Errorf("%w: %d of %d correspondences", geometry.ErrInvalidPoint, dropped, len(corrs))
	}
	return s.connect(ctx, a, b, func(na, nb graph.ImageNode) (*graph.Edge, edge.Decision, error) {
		e, d := s.builder.Build(na, nb, corrs)
		s.metrics.edgeDecisions.WithLabelValues(d.Reason).Inc()
		return e, d, nil
	})
}

func (s *Service) connect(ctx context.Context, a, b graph.NodeID, build func(na, nb graph.ImageNode) (*graph.Edge, edge.Decision, error)) (edge.Decision, error) {
	g := s.Snapshot()
	na, ok := g.Node(a)
	if !ok {
		return edge.Decision{}, fmt.Errorf("%w: %s", graph.ErrUnknownNode, a)
	}
	nb, ok := g.Node(b)
	if !ok {
		return edge.Decision{}, fmt.Errorf("%w: %s", graph.ErrUnknownNode, b)
	}
	if a == b {
		return edge.Decision{}, fmt.Errorf("%w: %s", graph.ErrSelfEdge, a)
	}
	if g.Edge(a, b) != nil {
		return edge.Decision{}, fmt.Errorf("%w: %s--%s", graph.ErrDuplicateEdge, a, b)
	}

	e, d, err := build(na, nb)
	if err != nil {
		return d, err
	}
	if e == nil {
		s.logger.Info("Pair not connected", "a", a, "b", b, "reason", d.Reason, "confidence", d.Confidence)
		return d, nil
	}
	if err := s.addEdge(ctx, e); err != nil {
		return d, err
	}
	d.Admitted = true
	return d, nil
}

// ConnectIfValid runs the edge builder on the pair and adds the edge when it
// is admitted. It reports whether an edge was added.
func (s *Service) ConnectIfValid(ctx context.Context, a, b graph.NodeID) (bool, error) {
	d, err := s.Connect(ctx, a, b)
	return d.Admitted, err
}

func (s *Service) addEdge(ctx context.Context, e *graph.Edge) error {
	_, err := s.update(func(g *graph.Graph) (*graph.Graph, error) {
		return g.AddEdge(e)
	}, func() error { return s.store.SaveEdge(ctx, e) })
	if err != nil {
		return err
	}
	s.logger.Info("Edge added", "edge", e.String(), "confidence", e.Confidence,
		"inliers", e.Transform.Stats.Inliers, "coverage", e.Transform.Stats.Coverage)
	return nil
}

// ConnectResult is the outcome of one pair in ConnectAll.
type ConnectResult struct {
	Other    graph.NodeID  `json:"other"`
	Decision edge.Decision `json:"decision"`
	Error    string        `json:"error,omitempty"`
}

// ConnectAll tries to connect id with every node it has no edge to yet.
// Pairs are matched concurrently; admitted edges are added one at a time.
func (s *Service) ConnectAll(ctx context.Context, id graph.NodeID) ([]ConnectResult, error) {
	g := s.Snapshot()
	self, ok := g.Node(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", graph.ErrUnknownNode, id)
	}
	var others []graph.ImageNode
	for _, n := range g.Nodes() {
		if n.ID != id && g.Edge(id, n.ID) == nil {
			others = append(others, n)
		}
	}

	results := make([]ConnectResult, len(others))
	edges := make([]*graph.Edge, len(others))
	eg, egctx := errgroup.WithContext(ctx)
	eg.SetLimit(s.opts.ConnectWorkers)
	for i, other := range others {
		eg.Go(func() error {
			e, d, err := s.evaluate(egctx, self, other)
			results[i] = ConnectResult{Other: other.ID, Decision: d}
			if err != nil {
				if ctxErr := egctx.Err(); ctxErr != nil {
					return ctxErr
				}
				results[i].Error = err.Error()
				return nil
			}
			edges[i] = e
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	for i, e := range edges {
		if e == nil {
			continue
		}
		if err := s.addEdge(ctx, e); err != nil {
			if errors.Is(err, graph.ErrDuplicateEdge) || errors.Is(err, graph.ErrUnknownNode) {
				// A concurrent writer got there first.
				results[i].Error = err.Error()
				continue
			}
			return results, err
		}
		results[i].Decision.Admitted = true
	}
	return results, nil
}

// AddAndConnect admits ref and connects it with every existing node.
func (s *Service) AddAndConnect(ctx context.Context, ref string) (graph.NodeID, []ConnectResult, error) {
	id, err := s.AddImage(ctx, ref)
	if err != nil {
		return "", nil, err
	}
	results, err := s.ConnectAll(ctx, id)
	return id, results, err
}

// RemoveNode drops a node and its incident edges.
func (s *Service) RemoveNode(ctx context.Context, id graph.NodeID) error {
	_, err := s.update(func(g *graph.Graph) (*graph.Graph, error) {
		return g.RemoveNode(id)
	}, func() error { return s.store.DeleteNode(ctx, id) })
	if err == nil {
		s.logger.Info("Node removed", "id", id)
	}
	return err
}

// RemoveEdge drops the edge between a and b.
func (s *Service) RemoveEdge(ctx context.Context, a, b graph.NodeID) error {
	_, err := s.update(func(g *graph.Graph) (*graph.Graph, error) {
		return g.RemoveEdge(a, b)
	}, func() error { return s.store.DeleteEdge(ctx, a, b) })
	if err == nil {
		s.logger.Info("Edge removed", "a", a, "b", b)
	}
	return err
}

// Query maps p from src into dst on the current snapshot.
func (s *Service) Query(ctx context.Context, src graph.NodeID, p geometry.Point, dst graph.NodeID) (query.Result, error) {
	start := time.Now()
	res, err := s.engine.Query(ctx, s.Snapshot(), src, p, dst)
	s.observeQuery(start, src, dst, res, err)
	return res, err
}

func (s *Service) observeQuery(start time.Time, src, dst graph.NodeID, res query.Result, err error) {
	elapsed := time.Since(start)
	s.metrics.queryDuration.Observe(elapsed.Seconds())
	s.metrics.queryTotal.WithLabelValues(outcome(err)).Inc()
	if err == nil {
		s.metrics.queryConfidence.Observe(res.Confidence)
		s.metrics.queryHops.Observe(float64(res.Hops()))
	}
	logging.LogQuery(s.logger, string(src), string(dst), elapsed, res.Confidence, pathStrings(res.Path), err, query.IsDefinitive(err))
}

// Explain returns every candidate path for a query, best first.
func (s *Service) Explain(ctx context.Context, src graph.NodeID, p geometry.Point, dst graph.NodeID) ([]query.Result, error) {
	return s.engine.Candidates(ctx, s.Snapshot(), src, p, dst)
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, query.ErrNoPath):
		return "no_path"
	case errors.Is(err, query.ErrUnmappable):
		return "unmappable"
	case errors.Is(err, geometry.ErrInvalidPoint):
		return "invalid"
	}
	return "error"
}

func pathStrings(path []graph.NodeID) []string {
	out := make([]string, len(path))
	for i, id := range path {
		out[i] = string(id)
	}
	return out
}

// Locate finds the entry point of an image that is not in the graph.
func (s *Service) Locate(ctx context.Context, ref string) (locate.Match, error) {
	img, err := s.images.Load(ctx, ref)
	if err != nil {
		return locate.Match{}, err
	}
	m, err := s.locator.Locate(ctx, s.Snapshot(), img)
	switch {
	case err == nil:
		s.metrics.locateTotal.WithLabelValues("ok").Inc()
	case errors.Is(err, locate.ErrNoMatch):
		s.metrics.locateTotal.WithLabelValues("no_match").Inc()
	default:
		s.metrics.locateTotal.WithLabelValues("error").Inc()
	}
	return m, err
}

// ImageQuery is the answer to a one-off query from an unseen image.
type ImageQuery struct {
	Entry      locate.Match   `json:"entry"`
	EntryEdge  edge.Decision  `json:"entry_edge"`
	Result     query.Result   `json:"result"`
	EntryPoint geometry.Point `json:"entry_point"`
}

// QueryFromImage maps p from an image outside the graph into dst. The image
// is located, a transform to the entry node is fitted and scored like any
// edge, and the point continues through the graph from there. The entry hop
// leads the composed path but is not charged against MaxHops; the graph is
// not modified. The whole composed query reads one snapshot.
func (s *Service) QueryFromImage(ctx context.Context, ref string, p geometry.Point, dst graph.NodeID) (ImageQuery, error) {
	if !p.IsFinite() {
		return ImageQuery{}, fmt.Errorf("%w: %v", geometry.ErrInvalidPoint, p)
	}
	img, err := s.images.Load(ctx, ref)
	if err != nil {
		return ImageQuery{}, err
	}
	g := s.Snapshot()
	if !g.HasNode(dst) {
		return ImageQuery{}, fmt.Errorf("%w: %s", graph.ErrUnknownNode, dst)
	}
	m, err := s.locator.Locate(ctx, g, img)
	if err != nil {
		return ImageQuery{}, err
	}

	start := time.Now()
	unseen := graph.ImageNode{ID: graph.NodeID("unseen:" + ref), Ref: ref, Size: img.Size}
	e, d := s.builder.Build(unseen, m.Node, m.Correspondences)
	out := ImageQuery{Entry: m, EntryEdge: d}
	if e == nil {
		return out, fmt.Errorf("%w: entry transform to %s rejected: %s", locate.ErrNoMatch, m.Node.ID, d.Reason)
	}
	out.EntryEdge.Admitted = true

	dir, err := query.DirectionFrom(e, unseen.ID)
	if err != nil {
		return out, err
	}
	hop, err := query.QueryEdge(e, p, dir)
	if err != nil {
		return out, err
	}
	out.EntryPoint = hop.Point

	conf := hop.Confidence
	oob := 0
	if m.Node.ID != dst && !hop.InBounds {
		conf *= s.engine.Options().OutOfBoundsPenalty
		oob = 1
	}
	rest, err := s.engine.Query(ctx, g, m.Node.ID, hop.Point, dst)
	if err != nil {
		s.observeQuery(start, unseen.ID, dst, query.Result{}, err)
		return out, err
	}
	out.Result = query.Result{
		Point:           rest.Point,
		Confidence:      conf * rest.Confidence,
		InBounds:        rest.InBounds,
		Path:            append([]graph.NodeID{unseen.ID}, rest.Path...),
		OutOfBoundsHops: oob + rest.OutOfBoundsHops,
	}
	s.observeQuery(start, unseen.ID, dst, out.Result, nil)
	return out, nil
}

// Stats summarizes the published graph.
type Stats struct {
	Version        uint64 `json:"version"`
	Nodes          int    `json:"nodes"`
	Edges          int    `json:"edges"`
	Components     int    `json:"components"`
	LargestCluster int    `json:"largest_component"`
	Isolated       int    `json:"isolated"`
}

// Stats returns counts and connectivity of the current snapshot.
func (s *Service) Stats() Stats {
	g := s.Snapshot()
	comps := g.Components()
	st := Stats{Version: g.Version(), Nodes: g.NodeCount(), Edges: g.EdgeCount(), Components: len(comps)}
	for _, c := range comps {
		st.LargestCluster = max(st.LargestCluster, len(c))
		if len(c) == 1 {
			st.Isolated++
		}
	}
	return st
}

// Jobs returns recent construction jobs, or nil without a store.
func (s *Service) Jobs(limit int) ([]storage.JobRecord, error) {
	if s.store == nil {
		return nil, nil
	}
	return s.store.RecentJobs(limit)
}
