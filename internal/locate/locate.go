// Package locate finds the graph node an unseen image overlaps best with.
package locate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"golang.org/x/sync/errgroup"

	"arclimb/internal/geometry"
	"arclimb/internal/graph"
	"arclimb/internal/imagestore"
	"arclimb/internal/matcher"
)

// ErrNoMatch is returned when no node reaches the minimum score.
var ErrNoMatch = errors.New("no node matches the image")

// Options configure the entry-point search.
type Options struct {
	MinScore float64 `json:"min_score"`
	Workers  int     `json:"workers"`
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return Options{MinScore: 5, Workers: 4}
}

// Match is a candidate entry point. Correspondences run from the located
// image to Node. Score is the sum of their matcher confidences.
type Match struct {
	Node            graph.ImageNode           `json:"node"`
	Correspondences []geometry.Correspondence `json:"correspondences"`
	Score           float64                   `json:"score"`
}

// Count returns the number of correspondences.
func (m Match) Count() int { return len(m.Correspondences) }

// Locator scans the graph's nodes with a keypoint matcher.
type Locator struct {
	matcher matcher.Matcher
	images  imagestore.Store
	opts    Options
	logger  *slog.Logger
}

// New returns a Locator. A nil logger discards output.
func New(m matcher.Matcher, images imagestore.Store, opts Options, logger *slog.Logger) *Locator {
	if opts.Workers < 1 {
		opts.Workers = DefaultOptions().Workers
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Locator{matcher: m, images: images, opts: opts, logger: logger}
}

// Locate returns the node with the highest score at or above MinScore.
// Ties go to the larger correspondence count, then the lower node ID. The
// locator fits nothing; callers hand the correspondences to the edge
// builder or to a one-off transform.
func (l *Locator) Locate(ctx context.Context, g *graph.Graph, img imagestore.Image) (Match, error) {
	ranked, err := l.Rank(ctx, g, img)
	if err != nil {
		return Match{}, err
	}
	if len(ranked) == 0 || ranked[0].Score < l.opts.MinScore {
		return Match{}, fmt.Errorf("%w: %s", ErrNoMatch, img.Ref)
	}
	best := ranked[0]
	l.logger.Debug("Entry point located", "image", img.Ref, "node", best.Node.ID,
		"score", best.Score, "correspondences", best.Count())
	return best, nil
}

// Rank runs the matcher against every node and returns all candidates best
// first, including those below MinScore. Nodes whose image cannot be loaded
// or matched are skipped with a warning; when every node fails the joined
// errors are returned.
func (l *Locator) Rank(ctx context.Context, g *graph.Graph, img imagestore.Image) ([]Match, error) {
	nodes := g.Nodes()
	if len(nodes) == 0 {
		return nil, fmt.Errorf("%w: graph is empty", ErrNoMatch)
	}

	results := make([]Match, len(nodes))
	failures := make([]error, len(nodes))

	eg, egctx := errgroup.WithContext(ctx)
	eg.SetLimit(l.opts.Workers)
	for i, n := range nodes {
		eg.Go(func() error {
			if err := egctx.Err(); err != nil {
				return err
			}
			target, err := l.images.Load(egctx, n.Ref)
			if err != nil {
				failures[i] = fmt.Errorf("load %s: %w", n.ID, err)
				return nil
			}
			corrs, err := l.matcher.Match(egctx, img, target)
			if err != nil {
				failures[i] = fmt.Errorf("match %s: %w", n.ID, err)
				return nil
			}
			corrs, _ = matcher.Validate(corrs)
			results[i] = Match{Node: n, Correspondences: corrs, Score: score(corrs)}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ranked := make([]Match, 0, len(nodes))
	var errs []error
	for i := range nodes {
		if failures[i] != nil {
			l.logger.Warn("Entry point candidate skipped", "image", img.Ref, "node", nodes[i].ID, "error", failures[i])
			errs = append(errs, failures[i])
			continue
		}
		ranked = append(ranked, results[i])
	}
	if len(ranked) == 0 {
		return nil, errors.Join(errs...)
	}
	sort.SliceStable(ranked, func(i, j int) bool { return better(ranked[i], ranked[j]) })
	return ranked, nil
}

func score(corrs []geometry.Correspondence) float64 {
	var s float64
	for _, c := range corrs {
		s += c.Confidence
	}
	return s
}

func better(a, b Match) bool {
	if math.Abs(a.Score-b.Score) > 1e-12 {
		return a.Score > b.Score
	}
	if a.Count() != b.Count() {
		return a.Count() > b.Count()
	}
	return a.Node.ID < b.Node.ID
}
