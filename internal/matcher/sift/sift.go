// Package sift implements matcher.Matcher with OpenCV SIFT keypoints and an
// L2 brute-force kNN matcher. It is slower than ORB and holds up better on
// textureless rock and strong scale changes.
package sift

import (
	"context"
	"log/slog"

	"gocv.io/x/gocv"

	"arclimb/internal/geometry"
	"arclimb/internal/imagestore"
	"arclimb/internal/matcher"
	"arclimb/internal/matcher/cvfeat"
)

// Options configure the SIFT matcher.
type Options struct {
	Ratio   float64 `json:"ratio"`
	MaxSide int     `json:"max_side"`
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return Options{Ratio: 0.75, MaxSide: 1000}
}

// Matcher keeps SIFT kNN matches that pass the ratio test. Float descriptors
// have no fixed scale, so confidence is 1 - best/second, the ratio test's
// own margin.
type Matcher struct {
	opts   Options
	logger *slog.Logger
}

// New returns a SIFT matcher. A nil logger discards output.
func New(opts Options, logger *slog.Logger) *Matcher {
	if opts.Ratio <= 0 || opts.Ratio > 1 {
		opts.Ratio = DefaultOptions().Ratio
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Matcher{opts: opts, logger: logger}
}

var _ matcher.Matcher = (*Matcher)(nil)

func (m *Matcher) Match(ctx context.Context, a, b imagestore.Image) ([]geometry.Correspondence, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := gocv.NewSIFT()
	defer s.Close()

	fa, err := cvfeat.Detect(&s, a, m.opts.MaxSide)
	if err != nil {
		return nil, err
	}
	defer fa.Close()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fb, err := cvfeat.Detect(&s, b, m.opts.MaxSide)
	if err != nil {
		return nil, err
	}
	defer fb.Close()

	corrs := cvfeat.Match(gocv.NormL2, fa, fb, m.opts.Ratio, func(best, second float64) float64 {
		if second <= 0 {
			return 0
		}
		return 1 - best/second
	})
	m.logger.Debug("SIFT match", "a", a.Ref, "b", b.Ref,
		"keypoints_a", len(fa.Points), "keypoints_b", len(fb.Points), "matches", len(corrs))
	return corrs, nil
}
