// Package matcher defines the keypoint matcher the graph is built from and
// the filters that refine its output.
//
// A matcher turns two images into correspondences: pairs of pixel
// coordinates, one in each image, that show the same physical point, each
// with a matcher confidence in [0,1]. Filters wrap a matcher and drop
// correspondences that disagree with the rest.
package matcher

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"arclimb/internal/geometry"
	"arclimb/internal/imagestore"
)

// Matcher produces correspondences between two images in a -> b orientation.
type Matcher interface {
	Match(ctx context.Context, a, b imagestore.Image) ([]geometry.Correspondence, error)
}

// Func adapts a function to the Matcher interface.
type Func func(ctx context.Context, a, b imagestore.Image) ([]geometry.Correspondence, error)

// Match calls f.
func (f Func) Match(ctx context.Context, a, b imagestore.Image) ([]geometry.Correspondence, error) {
	return f(ctx, a, b)
}

// RatioTest reports whether the best descriptor distance is distinctive
// enough against the second best.
func RatioTest(best, second, ratio float64) bool {
	return best < ratio*second
}

// Table is a Matcher backed by precomputed correspondences keyed by image
// reference. A pair stored as (a, b) also answers (b, a) with the points
// swapped. Unknown pairs yield no correspondences.
type Table map[[2]string][]geometry.Correspondence

func (t Table) Match(ctx context.Context, a, b imagestore.Image) ([]geometry.Correspondence, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if corrs, ok := t[[2]string{a.Ref, b.Ref}]; ok {
		return append([]geometry.Correspondence(nil), corrs...), nil
	}
	if corrs, ok := t[[2]string{b.Ref, a.Ref}]; ok {
		return geometry.SwapAll(corrs), nil
	}
	return nil, nil
}

// HomographyFilter fits a homography to the wrapped matcher's output and
// keeps the correspondences whose destination lies within Threshold of the
// mapped source, measured per axis as a fraction of the target image's
// width and height. Fewer than MinMatches correspondences pass through
// untouched.
type HomographyFilter struct {
	Next       Matcher
	Threshold  float64
	MinMatches int
	Fit        geometry.FitOptions
}

// NewHomographyFilter wraps next with the documented defaults.
func NewHomographyFilter(next Matcher) *HomographyFilter {
	fit := geometry.DefaultFitOptions()
	// A loose consensus threshold keeps the fit close to a least-median one.
	fit.Threshold = 0.05
	return &HomographyFilter{Next: next, Threshold: 0.2, MinMatches: 10, Fit: fit}
}

func (f *HomographyFilter) Match(ctx context.Context, a, b imagestore.Image) ([]geometry.Correspondence, error) {
	corrs, err := f.Next.Match(ctx, a, b)
	if err != nil || len(corrs) < f.MinMatches {
		return corrs, err
	}
	t, err := geometry.Fit(corrs, a.Size, b.Size, f.Fit)
	if err != nil {
		if IsFitFailure(err) {
			return corrs, nil
		}
		return nil, err
	}
	w, h := float64(b.Size.Width), float64(b.Size.Height)
	kept := make([]geometry.Correspondence, 0, len(corrs))
	for _, c := range corrs {
		q, err := t.Map(c.Src)
		if err != nil {
			continue
		}
		if math.Hypot((c.Dst.X-q.X)/w, (c.Dst.Y-q.Y)/h) < f.Threshold {
			kept = append(kept, c)
		}
	}
	return kept, nil
}

// IsFitFailure reports whether err means the correspondences admit no model,
// as opposed to a cancelled or broken fit.
func IsFitFailure(err error) bool {
	return errors.Is(err, geometry.ErrDegenerate) ||
		errors.Is(err, geometry.ErrRoundTrip) ||
		errors.Is(err, geometry.ErrInsufficientCorrespondences)
}

// SpreadFilter keeps correspondences in order of decreasing confidence,
// skipping any whose source point lies within MinDistance of one already
// kept. MinDistance is a fraction of the source image's shorter side.
type SpreadFilter struct {
	Next        Matcher
	MinDistance float64
}

func (f *SpreadFilter) Match(ctx context.Context, a, b imagestore.Image) ([]geometry.Correspondence, error) {
	corrs, err := f.Next.Match(ctx, a, b)
	if err != nil || f.MinDistance <= 0 {
		return corrs, err
	}
	return Spread(corrs, f.MinDistance*float64(min(a.Size.Width, a.Size.Height))), nil
}

// Spread greedily selects correspondences, best confidence first, whose
// source points are more than minDist pixels apart.
func Spread(corrs []geometry.Correspondence, minDist float64) []geometry.Correspondence {
	order := make([]int, len(corrs))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		return corrs[order[i]].Confidence > corrs[order[j]].Confidence
	})
	var kept []geometry.Correspondence
	for _, i := range order {
		c := corrs[i]
		near := false
		for _, k := range kept {
			if c.Src.Distance(k.Src) <= minDist {
				near = true
				break
			}
		}
		if !near {
			kept = append(kept, c)
		}
	}
	return kept
}

// Chain applies wrappers to m in order, so the last wrapper runs outermost.
func Chain(m Matcher, wrappers ...func(Matcher) Matcher) Matcher {
	for _, w := range wrappers {
		m = w(m)
	}
	return m
}

// Validate drops correspondences with non-finite coordinates or confidences
// outside [0,1] and reports how many were dropped.
func Validate(corrs []geometry.Correspondence) ([]geometry.Correspondence, int) {
	kept := corrs[:0:0]
	for _, c := range corrs {
		if !c.Src.IsFinite() || !c.Dst.IsFinite() || math.IsNaN(c.Confidence) || c.Confidence < 0 || c.Confidence > 1 {
			continue
		}
		kept = append(kept, c)
	}
	return kept, len(corrs) - len(kept)
}

// ErrNoFeatures is returned by matchers that found no usable keypoints.
var ErrNoFeatures = errors.New("no features detected")

// wrapf annotates a matcher failure with the pair it concerned.
func wrapf(err error, a, b imagestore.Image) error {
	return fmt.Errorf("match %s with %s: %w", a.Ref, b.Ref, err)
}

// Annotated wraps m so that its errors name the image pair.
func Annotated(m Matcher) Matcher {
	return Func(func(ctx context.Context, a, b imagestore.Image) ([]geometry.Correspondence, error) {
		corrs, err := m.Match(ctx, a, b)
		if err != nil {
			return nil, wrapf(err, a, b)
		}
		return corrs, nil
	})
}
