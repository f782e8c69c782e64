package edge

import (
	"errors"
	"fmt"
	"log/slog"
	"math"

	"arclimb/internal/geometry"
	"arclimb/internal/graph"
)

// Options are the documented constants of the edge confidence model.
type Options struct {
	WeightCount        float64             `json:"weight_count"`
	WeightCoverage     float64             `json:"weight_coverage"`
	WeightFit          float64             `json:"weight_fit"`
	CountSaturation    float64             `json:"count_saturation"`
	AdmissionThreshold float64             `json:"admission_threshold"`
	Fit                geometry.FitOptions `json:"fit"`
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return Options{
		WeightCount:        0.3,
		WeightCoverage:     0.3,
		WeightFit:          0.4,
		CountSaturation:    40,
		AdmissionThreshold: 0.15,
		Fit:                geometry.DefaultFitOptions(),
	}
}

// Decision explains the outcome of a Build call.
type Decision struct {
	Admitted        bool    `json:"admitted"`
	Reason          string  `json:"reason"`
	Confidence      float64 `json:"confidence"`
	CountScore      float64 `json:"count_score"`
	Coverage        float64 `json:"coverage"`
	FitQuality      float64 `json:"fit_quality"`
	Correspondences int     `json:"correspondences"`
	Inliers         int     `json:"inliers"`
	Err             error   `json:"-"`
}

// Decision reasons.
const (
	ReasonAdmitted       = "admitted"
	ReasonInsufficient   = "insufficient correspondences"
	ReasonDegenerate     = "degenerate correspondences"
	ReasonRoundTrip      = "round-trip check failed"
	ReasonBelowThreshold = "confidence below admission threshold"
	ReasonSameImage      = "same image"
)

// Builder fits transforms and decides whether a pair becomes an edge.
type Builder struct {
	opts   Options
	logger *slog.Logger
}

// NewBuilder returns a Builder. A nil logger discards output.
func NewBuilder(opts Options, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Builder{opts: opts, logger: logger}
}

// Options returns the builder's constants.
func (b *Builder) Options() Options { return b.opts }

// Build fits a transform for the pair and returns an edge when its confidence
// reaches the admission threshold. corrs are given in a -> b orientation. A
// nil edge is a normal outcome, never an error; the Decision says why.
func (b *Builder) Build(a, bn graph.ImageNode, corrs []geometry.Correspondence) (*graph.Edge, Decision) {
	d := Decision{Correspondences: len(corrs)}
	if a.ID == bn.ID {
		d.Reason = ReasonSameImage
		return nil, d
	}
	// Fit in normalized orientation so the same pair always yields the same edge.
	if bn.ID < a.ID {
		a, bn = bn, a
		corrs = geometry.SwapAll(corrs)
	}

	t, err := geometry.Fit(corrs, a.Size, bn.Size, b.opts.Fit)
	if err != nil {
		d.Err = err
		d.Reason = reasonFor(err)
		b.logger.Debug("Edge rejected", "a", a.ID, "b", bn.ID, "reason", d.Reason, "error", err)
		return nil, d
	}

	d.Inliers = t.Stats.Inliers
	d.CountScore = b.opts.countScore(t.Stats.Inliers)
	d.Coverage = t.Stats.Coverage
	d.FitQuality = t.Stats.Quality
	d.Confidence = b.opts.Score(t.Stats.Inliers, t.Stats.Coverage, t.Stats.Quality)

	if d.Confidence < b.opts.AdmissionThreshold {
		d.Reason = ReasonBelowThreshold
		b.logger.Debug("Edge rejected", "a", a.ID, "b", bn.ID, "reason", d.Reason,
			"confidence", d.Confidence, "threshold", b.opts.AdmissionThreshold)
		return nil, d
	}

	support := make([]geometry.Correspondence, len(t.Inliers))
	for i, k := range t.Inliers {
		support[i] = corrs[k]
	}
	d.Admitted = true
	d.Reason = ReasonAdmitted
	b.logger.Debug("Edge admitted", "a", a.ID, "b", bn.ID, "confidence", d.Confidence,
		"inliers", d.Inliers, "coverage", d.Coverage, "fit_quality", d.FitQuality)
	return graph.NewEdge(a.ID, bn.ID, t, d.Confidence, support), d
}

// Score combines the three confidence terms. The count term saturates:
// 1 - exp(-n/saturation).
func (o Options) Score(inliers int, coverage, fitQuality float64) float64 {
	c := o.WeightCount*o.countScore(inliers) + o.WeightCoverage*coverage + o.WeightFit*fitQuality
	return math.Max(0, math.Min(1, c))
}

func (o Options) countScore(n int) float64 {
	if n <= 0 || o.CountSaturation <= 0 {
		return 0
	}
	return 1 - math.Exp(-float64(n)/o.CountSaturation)
}

func reasonFor(err error) string {
	switch {
	case errors.Is(err, geometry.ErrInsufficientCorrespondences):
		return ReasonInsufficient
	case errors.Is(err, geometry.ErrRoundTrip):
		return ReasonRoundTrip
	case errors.Is(err, geometry.ErrDegenerate):
		return ReasonDegenerate
	}
	return fmt.Sprintf("fit failed: %v", err)
}
