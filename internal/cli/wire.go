package cli

import (
	"log/slog"

	"arclimb/internal/config"
	"arclimb/internal/edge"
	"arclimb/internal/geometry"
	"arclimb/internal/locate"
	"arclimb/internal/matcher"
	"arclimb/internal/matcher/orb"
	"arclimb/internal/matcher/sift"
	"arclimb/internal/query"
	"arclimb/internal/service"
)

// ServiceOptions translates the alignment section of cfg.
func ServiceOptions(cfg *config.Config) service.Options {
	t := cfg.Alignment.Transform
	e := cfg.Alignment.Edge
	return service.Options{
		Edge: edge.Options{
			WeightCount:        e.WeightCount,
			WeightCoverage:     e.WeightCoverage,
			WeightFit:          e.WeightFit,
			CountSaturation:    e.CountSaturation,
			AdmissionThreshold: e.AdmissionThreshold,
			Fit: geometry.FitOptions{
				MinCorrespondences: t.MinCorrespondences,
				Iterations:         t.RANSACIterations,
				Threshold:          t.RANSACThreshold,
				RoundTripTolerance: t.RoundTripTolerance,
				Seed:               t.Seed,
				ResidualScale:      t.ResidualScale,
				CoverageShare:      t.CoverageShare,
			},
		},
		Query: query.Options{
			MaxHops:            cfg.Alignment.Query.MaxHops,
			OutOfBoundsPenalty: cfg.Alignment.Query.OutOfBoundsPenalty,
		},
		Locate: locate.Options{
			MinScore: cfg.Alignment.Locate.MinScore,
			Workers:  cfg.Alignment.Locate.Workers,
		},
		ConnectWorkers: cfg.Processing.Workers,
	}
}

// baseMatcher builds the keypoint matcher selected by matcher.kind.
func baseMatcher(cfg *config.Config, logger *slog.Logger) matcher.Matcher {
	m := cfg.Matcher
	switch m.Kind {
	case "sift":
		return sift.New(sift.Options{Ratio: m.Ratio, MaxSide: m.MaxSide}, logger.With("component", "sift"))
	case "guided":
		opts := orb.DefaultGuidedOptions()
		opts.Coarse = orb.Options{Ratio: m.Ratio, MaxSide: m.MaxSide, Features: m.CoarseFeatures}
		opts.DenseFeatures = m.DenseFeatures
		opts.Guide.Ratio = m.Ratio
		opts.Guide.MaxDisplacement = m.MaxDisplacement
		opts.Guide.MinSpread = m.GuidedSpread
		opts.Fit.Seed = cfg.Alignment.Transform.Seed
		return orb.NewGuided(opts, logger.With("component", "guided"))
	}
	return orb.New(orb.Options{Ratio: m.Ratio, MaxSide: m.MaxSide, Features: m.Features}, logger.With("component", "orb"))
}

// NewMatcher builds the configured keypoint matcher with its filters.
func NewMatcher(cfg *config.Config, logger *slog.Logger) matcher.Matcher {
	m := cfg.Matcher
	var wrappers []func(matcher.Matcher) matcher.Matcher
	if m.HomographyFilter {
		wrappers = append(wrappers, func(next matcher.Matcher) matcher.Matcher {
			f := matcher.NewHomographyFilter(next)
			f.Threshold = m.HomographyThreshold
			f.MinMatches = m.HomographyMinMatches
			f.Fit.Seed = cfg.Alignment.Transform.Seed
			return f
		})
	}
	if m.MinSpread > 0 {
		wrappers = append(wrappers, func(next matcher.Matcher) matcher.Matcher {
			return &matcher.SpreadFilter{Next: next, MinDistance: m.MinSpread}
		})
	}
	wrappers = append(wrappers, matcher.Annotated)
	return matcher.Chain(baseMatcher(cfg, logger), wrappers...)
}
