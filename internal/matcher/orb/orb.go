// Package orb implements matcher.Matcher with OpenCV ORB keypoints and a
// Hamming brute-force kNN matcher, plus a guided variant that rematches a
// denser keypoint set under the homography of a coarse pass.
package orb

import (
	"context"
	"log/slog"

	"gocv.io/x/gocv"

	"arclimb/internal/geometry"
	"arclimb/internal/imagestore"
	"arclimb/internal/matcher"
	"arclimb/internal/matcher/cvfeat"
)

// descriptorBits is the length of an ORB descriptor.
const descriptorBits = 256

// Options configure the ORB matcher.
type Options struct {
	Ratio   float64 `json:"ratio"`
	MaxSide int     `json:"max_side"`
	// Features caps the keypoints detected per image.
	Features int `json:"features"`
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return Options{Ratio: 0.75, MaxSide: 1000, Features: 500}
}

// Matcher detects ORB features on grayscale copies of both images, scaled
// down so the longer side is at most MaxSide, and keeps kNN matches that pass
// the ratio test. Keypoints are reported in full-resolution pixels.
// Confidence is 1 - hamming/256.
type Matcher struct {
	opts   Options
	logger *slog.Logger
}

// New returns an ORB matcher. A nil logger discards output.
func New(opts Options, logger *slog.Logger) *Matcher {
	if opts.Ratio <= 0 || opts.Ratio > 1 {
		opts.Ratio = DefaultOptions().Ratio
	}
	if opts.Features <= 0 {
		opts.Features = DefaultOptions().Features
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Matcher{opts: opts, logger: logger}
}

var _ matcher.Matcher = (*Matcher)(nil)

// newORB returns a detector with OpenCV's defaults apart from the feature cap.
func newORB(features int) gocv.ORB {
	return gocv.NewORBWithParams(features, 1.2, 8, 31, 0, 2, gocv.ORBScoreTypeHarris, 31, 20)
}

// detectBoth runs a fresh detector capped at features on both images.
func detectBoth(ctx context.Context, features, maxSide int, a, b imagestore.Image) (cvfeat.Features, cvfeat.Features, error) {
	orb := newORB(features)
	defer orb.Close()

	fa, err := cvfeat.Detect(&orb, a, maxSide)
	if err != nil {
		return cvfeat.Features{}, cvfeat.Features{}, err
	}
	if err := ctx.Err(); err != nil {
		fa.Close()
		return cvfeat.Features{}, cvfeat.Features{}, err
	}
	fb, err := cvfeat.Detect(&orb, b, maxSide)
	if err != nil {
		fa.Close()
		return cvfeat.Features{}, cvfeat.Features{}, err
	}
	return fa, fb, nil
}

func (m *Matcher) Match(ctx context.Context, a, b imagestore.Image) ([]geometry.Correspondence, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fa, fb, err := detectBoth(ctx, m.opts.Features, m.opts.MaxSide, a, b)
	if err != nil {
		return nil, err
	}
	defer fa.Close()
	defer fb.Close()

	corrs := cvfeat.Match(gocv.NormHamming, fa, fb, m.opts.Ratio, func(best, _ float64) float64 {
		return 1 - best/descriptorBits
	})
	m.logger.Debug("ORB match", "a", a.Ref, "b", b.Ref,
		"keypoints_a", len(fa.Points), "keypoints_b", len(fb.Points), "matches", len(corrs))
	return corrs, nil
}

// GuidedOptions configure the guided matcher. Coarse drives the first pass;
// DenseFeatures caps the keypoints of the rematch.
type GuidedOptions struct {
	Coarse        Options              `json:"coarse"`
	DenseFeatures int                  `json:"dense_features"`
	Guide         matcher.GuideOptions `json:"guide"`
	Fit           geometry.FitOptions  `json:"fit"`
}

// DefaultGuidedOptions returns the documented defaults.
func DefaultGuidedOptions() GuidedOptions {
	coarse := DefaultOptions()
	coarse.Features = 1000
	fit := geometry.DefaultFitOptions()
	fit.Threshold = 0.005
	return GuidedOptions{
		Coarse:        coarse,
		DenseFeatures: 3000,
		Guide:         matcher.DefaultGuideOptions(),
		Fit:           fit,
	}
}

// Guided matches in two passes. A coarse ORB pass is fitted with a
// homography; a dense ORB pass is then matched only near the projection of
// each keypoint, see matcher.GuidedMatch. When the coarse matches admit no
// fit the coarse matches are returned as they are.
type Guided struct {
	coarse *Matcher
	opts   GuidedOptions
	logger *slog.Logger
}

// NewGuided returns a guided matcher. A nil logger discards output.
func NewGuided(opts GuidedOptions, logger *slog.Logger) *Guided {
	d := DefaultGuidedOptions()
	if opts.DenseFeatures <= 0 {
		opts.DenseFeatures = d.DenseFeatures
	}
	if opts.Guide.MaxDisplacement <= 0 {
		opts.Guide.MaxDisplacement = d.Guide.MaxDisplacement
	}
	if opts.Guide.Ratio <= 0 || opts.Guide.Ratio > 1 {
		opts.Guide.Ratio = d.Guide.Ratio
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Guided{coarse: New(opts.Coarse, logger), opts: opts, logger: logger}
}

var _ matcher.Matcher = (*Guided)(nil)

func (g *Guided) Match(ctx context.Context, a, b imagestore.Image) ([]geometry.Correspondence, error) {
	coarse, err := g.coarse.Match(ctx, a, b)
	if err != nil {
		return nil, err
	}
	t, err := geometry.Fit(coarse, a.Size, b.Size, g.opts.Fit)
	if err != nil {
		if matcher.IsFitFailure(err) {
			g.logger.Debug("Guided match fell back to coarse matches", "a", a.Ref, "b", b.Ref, "matches", len(coarse), "error", err)
			return coarse, nil
		}
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fa, fb, err := detectBoth(ctx, g.opts.DenseFeatures, g.coarse.opts.MaxSide, a, b)
	if err != nil {
		return nil, err
	}
	defer fa.Close()
	defer fb.Close()

	corrs := matcher.GuidedMatch(t, cvfeat.Binary(fa), cvfeat.Binary(fb), a.Size, b.Size, g.opts.Guide)
	g.logger.Debug("Guided ORB match", "a", a.Ref, "b", b.Ref,
		"coarse", len(coarse), "inliers", len(t.Inliers),
		"keypoints_a", len(fa.Points), "keypoints_b", len(fb.Points), "matches", len(corrs))
	return corrs, nil
}
