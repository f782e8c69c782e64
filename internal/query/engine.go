package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sort"

	"arclimb/internal/geometry"
	"arclimb/internal/graph"
)

// tieTolerance is the distance below which two confidences count as equal.
const tieTolerance = 1e-12

// Options bound the path search and set the composition penalty.
type Options struct {
	MaxHops            int     `json:"max_hops"`
	OutOfBoundsPenalty float64 `json:"out_of_bounds_penalty"`
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return Options{MaxHops: 4, OutOfBoundsPenalty: 0.5}
}

// Result is the answer to a point query. InBounds reports whether Point lies
// inside the target image; answers outside it are allowed and not penalized.
// OutOfBoundsHops counts the intermediate images the point left the frame of.
type Result struct {
	Point           geometry.Point `json:"point"`
	Confidence      float64        `json:"confidence"`
	InBounds        bool           `json:"in_bounds"`
	Path            []graph.NodeID `json:"path"`
	OutOfBoundsHops int            `json:"out_of_bounds_hops"`
}

// Hops returns the number of edges on the path.
func (r Result) Hops() int {
	if len(r.Path) == 0 {
		return 0
	}
	return len(r.Path) - 1
}

// Engine answers point queries against graph snapshots. It holds no graph
// state and is safe for concurrent use.
type Engine struct {
	opts   Options
	logger *slog.Logger
}

// NewEngine returns an Engine. A nil logger discards output.
func NewEngine(opts Options, logger *slog.Logger) *Engine {
	if opts.MaxHops < 1 {
		opts.MaxHops = DefaultOptions().MaxHops
	}
	if opts.OutOfBoundsPenalty <= 0 || opts.OutOfBoundsPenalty >= 1 {
		opts.OutOfBoundsPenalty = DefaultOptions().OutOfBoundsPenalty
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Engine{opts: opts, logger: logger}
}

// Options returns the engine's constants.
func (e *Engine) Options() Options { return e.opts }

// Query maps p from the src image into the dst image.
//
// The same image returns p with confidence 1. A direct edge answers in one
// hop. Otherwise simple paths of at most MaxHops edges are searched and the
// best composed confidence wins; candidate points are never averaged.
// A point with a NaN or infinite coordinate fails with
// geometry.ErrInvalidPoint.
func (e *Engine) Query(ctx context.Context, g *graph.Graph, src graph.NodeID, p geometry.Point, dst graph.NodeID) (Result, error) {
	if err := checkPoint(p); err != nil {
		return Result{}, err
	}
	srcNode, dstNode, err := endpoints(g, src, dst)
	if err != nil {
		return Result{}, err
	}
	if src == dst {
		return Result{Point: p, Confidence: 1, InBounds: srcNode.Size.Contains(p), Path: []graph.NodeID{src}}, nil
	}
	if edge := g.Edge(src, dst); edge != nil {
		dir, err := DirectionFrom(edge, src)
		if err != nil {
			return Result{}, err
		}
		hop, err := QueryEdge(edge, p, dir)
		if err != nil {
			return Result{}, err
		}
		return Result{
			Point:      hop.Point,
			Confidence: hop.Confidence,
			InBounds:   dstNode.Size.Contains(hop.Point),
			Path:       []graph.NodeID{src, dst},
		}, nil
	}

	s := e.newSearch(ctx, g, dst, true)
	s.walk(src, p, 1, 0)
	if err := s.err(src); err != nil {
		return Result{}, err
	}
	best := s.best
	best.InBounds = dstNode.Size.Contains(best.Point)
	e.logger.Debug("Query resolved", "src", src, "dst", dst, "path", best.Path,
		"confidence", best.Confidence, "visited", s.visitedPaths)
	return best, nil
}

// Candidates enumerates every simple path of at most MaxHops edges from src
// to dst, direct edge included, and returns the mappable ones ranked best
// first. It explains a Query answer; the first element is the one Query
// would return for non-adjacent nodes.
func (e *Engine) Candidates(ctx context.Context, g *graph.Graph, src graph.NodeID, p geometry.Point, dst graph.NodeID) ([]Result, error) {
	if err := checkPoint(p); err != nil {
		return nil, err
	}
	_, dstNode, err := endpoints(g, src, dst)
	if err != nil {
		return nil, err
	}
	if src == dst {
		return []Result{{Point: p, Confidence: 1, InBounds: dstNode.Size.Contains(p), Path: []graph.NodeID{src}}}, nil
	}
	s := e.newSearch(ctx, g, dst, false)
	s.walk(src, p, 1, 0)
	if err := s.err(src); err != nil {
		return nil, err
	}
	for i := range s.all {
		s.all[i].InBounds = dstNode.Size.Contains(s.all[i].Point)
	}
	sort.SliceStable(s.all, func(i, j int) bool { return better(s.all[i], s.all[j]) })
	return s.all, nil
}

func checkPoint(p geometry.Point) error {
	if !p.IsFinite() {
		return fmt.Errorf("%w: %v", geometry.ErrInvalidPoint, p)
	}
	return nil
}

func endpoints(g *graph.Graph, src, dst graph.NodeID) (graph.ImageNode, graph.ImageNode, error) {
	srcNode, ok := g.Node(src)
	if !ok {
		return graph.ImageNode{}, graph.ImageNode{}, fmt.Errorf("%w: %s", graph.ErrUnknownNode, src)
	}
	dstNode, ok := g.Node(dst)
	if !ok {
		return graph.ImageNode{}, graph.ImageNode{}, fmt.Errorf("%w: %s", graph.ErrUnknownNode, dst)
	}
	return srcNode, dstNode, nil
}

// search is the state of one depth-first enumeration of simple paths.
type search struct {
	ctx    context.Context
	g      *graph.Graph
	dst    graph.NodeID
	opts   Options
	prune  bool
	path   []graph.NodeID
	onPath map[graph.NodeID]bool
	found  bool // some path mapped the point all the way
	best   Result
	all    []Result
	cancel error

	visitedPaths int
}

func (e *Engine) newSearch(ctx context.Context, g *graph.Graph, dst graph.NodeID, prune bool) *search {
	return &search{
		ctx:    ctx,
		g:      g,
		dst:    dst,
		opts:   e.opts,
		prune:  prune,
		onPath: map[graph.NodeID]bool{},
	}
}

// walk extends the current path from cur, where the query point currently
// sits at p with partial confidence conf.
func (s *search) walk(cur graph.NodeID, p geometry.Point, conf float64, oob int) {
	if s.cancel != nil {
		return
	}
	if err := s.ctx.Err(); err != nil {
		s.cancel = err
		return
	}
	s.path = append(s.path, cur)
	s.onPath[cur] = true
	defer func() {
		s.path = s.path[:len(s.path)-1]
		delete(s.onPath, cur)
	}()
	hops := len(s.path) - 1

	for next, edge := range s.g.Neighbors(cur) {
		if s.onPath[next.ID] {
			continue
		}
		if next.ID != s.dst && hops+2 > s.opts.MaxHops {
			// Cannot reach dst from next within the limit.
			continue
		}
		// Every later factor is at most 1, so a branch already below the
		// best complete candidate cannot win or tie.
		nextConf := conf * edge.Confidence
		if s.prune && s.found && nextConf < s.best.Confidence-tieTolerance {
			continue
		}

		dir, err := DirectionFrom(edge, cur)
		if err != nil {
			continue
		}
		hop, err := QueryEdge(edge, p, dir)
		if err != nil {
			continue
		}

		if next.ID == s.dst {
			s.visitedPaths++
			s.offer(Result{
				Point:           hop.Point,
				Confidence:      nextConf,
				Path:            append(slices.Clone(s.path), next.ID),
				OutOfBoundsHops: oob,
			})
			continue
		}

		nextOOB := oob
		if !next.Size.Contains(hop.Point) {
			nextConf *= s.opts.OutOfBoundsPenalty
			nextOOB++
			if s.prune && s.found && nextConf < s.best.Confidence-tieTolerance {
				continue
			}
		}
		s.walk(next.ID, hop.Point, nextConf, nextOOB)
	}
}

func (s *search) offer(r Result) {
	if !s.prune {
		s.all = append(s.all, r)
	}
	if !s.found || better(r, s.best) {
		s.best = r
		s.found = true
	}
}

func (s *search) err(src graph.NodeID) error {
	switch {
	case s.cancel != nil:
		return s.cancel
	case s.found:
		return nil
	case reachable(s.g, src, s.dst, s.opts.MaxHops):
		return fmt.Errorf("%w: %s to %s", ErrUnmappable, src, s.dst)
	}
	return fmt.Errorf("%w within %d hops: %s to %s", ErrNoPath, s.opts.MaxHops, src, s.dst)
}

// reachable reports whether a shortest path from src to dst fits in limit
// edges. A shortest path is simple, so this decides whether any simple path
// fits the hop limit.
func reachable(g *graph.Graph, src, dst graph.NodeID, limit int) bool {
	_, ok := g.HopDistance(src, dst, limit)
	return ok
}

// better reports whether a ranks ahead of b: higher confidence, then fewer
// hops, then fewer out-of-frame intermediates, then the lower sequence of
// intermediate node IDs.
func better(a, b Result) bool {
	if math.Abs(a.Confidence-b.Confidence) > tieTolerance {
		return a.Confidence > b.Confidence
	}
	if a.Hops() != b.Hops() {
		return a.Hops() < b.Hops()
	}
	if a.OutOfBoundsHops != b.OutOfBoundsHops {
		return a.OutOfBoundsHops < b.OutOfBoundsHops
	}
	return slices.Compare(intermediates(a.Path), intermediates(b.Path)) < 0
}

func intermediates(path []graph.NodeID) []graph.NodeID {
	if len(path) <= 2 {
		return nil
	}
	return path[1 : len(path)-1]
}

// IsDefinitive reports whether err is a negative answer about the graph
// rather than a usage error.
func IsDefinitive(err error) bool {
	return errors.Is(err, ErrNoPath) || errors.Is(err, ErrUnmappable)
}
