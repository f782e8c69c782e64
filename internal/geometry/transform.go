package geometry

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
)

const minHomographyPoints = 4

var (
	// ErrInsufficientCorrespondences is returned when a fit is attempted with
	// fewer pairs than a homography needs.
	ErrInsufficientCorrespondences = errors.New("insufficient correspondences")
	// ErrDegenerate is returned when the correspondences admit no unique
	// projective model (collinear or coincident points, singular matrix).
	ErrDegenerate = errors.New("degenerate correspondences")
	// ErrRoundTrip is returned when the inverse of a fitted model does not
	// bring points back within tolerance.
	ErrRoundTrip = errors.New("transform failed round-trip check")
	// ErrAtInfinity is returned when a point maps onto or beyond the horizon.
	ErrAtInfinity = errors.New("point maps to infinity")
	// ErrInvalidPoint is returned for a point with a NaN or infinite
	// coordinate.
	ErrInvalidPoint = errors.New("point has a non-finite coordinate")
)

// FitOptions holds the constants used by Fit and FitQuality. Distances are
// fractions of an image diagonal so one set of values works at any resolution.
type FitOptions struct {
	MinCorrespondences int     `json:"min_correspondences"`
	Iterations         int     `json:"ransac_iterations"`
	Threshold          float64 `json:"ransac_threshold"`     // inlier distance, fraction of target diagonal
	RoundTripTolerance float64 `json:"round_trip_tolerance"` // fraction of source diagonal
	Seed               int64   `json:"seed"`
	ResidualScale      float64 `json:"residual_scale"` // rms at which the residual term falls to 1/e
	CoverageShare      float64 `json:"coverage_share"`
}

// DefaultFitOptions returns the documented defaults.
func DefaultFitOptions() FitOptions {
	return FitOptions{
		MinCorrespondences: minHomographyPoints,
		Iterations:         2000,
		Threshold:          0.01,
		RoundTripTolerance: 1e-6,
		Seed:               1,
		ResidualScale:      0.01,
		CoverageShare:      0.25,
	}
}

func (o FitOptions) withDefaults() FitOptions {
	d := DefaultFitOptions()
	if o.MinCorrespondences < minHomographyPoints {
		o.MinCorrespondences = d.MinCorrespondences
	}
	if o.Iterations <= 0 {
		o.Iterations = d.Iterations
	}
	if o.Threshold <= 0 {
		o.Threshold = d.Threshold
	}
	if o.RoundTripTolerance <= 0 {
		o.RoundTripTolerance = d.RoundTripTolerance
	}
	if o.ResidualScale <= 0 {
		o.ResidualScale = d.ResidualScale
	}
	if o.CoverageShare < 0 || o.CoverageShare > 1 {
		o.CoverageShare = d.CoverageShare
	}
	return o
}

// FitStats summarizes how well a transform agrees with its correspondences.
type FitStats struct {
	Correspondences int     `json:"correspondences"`
	Inliers         int     `json:"inliers"`
	InlierFraction  float64 `json:"inlier_fraction"`
	RMS             float64 `json:"rms"` // inlier residual in target pixels
	SrcCoverage     float64 `json:"src_coverage"`
	DstCoverage     float64 `json:"dst_coverage"`
	Coverage        float64 `json:"coverage"` // min of the two sides
	Quality         float64 `json:"quality"`
}

// Transform maps pixel coordinates of the Src image into the Dst image.
// The inverse is computed once at construction and verified. Inliers indexes
// the correspondences the model was refit on.
type Transform struct {
	Forward Homography `json:"forward"`
	Inverse Homography `json:"inverse"`
	Src     Size       `json:"src"`
	Dst     Size       `json:"dst"`
	Stats   FitStats   `json:"stats"`
	Inliers []int      `json:"-"`
}

// Identity returns a transform that leaves coordinates unchanged.
func Identity(src, dst Size) *Transform {
	return &Transform{
		Forward: IdentityHomography,
		Inverse: IdentityHomography,
		Src:     src,
		Dst:     dst,
		Stats:   FitStats{InlierFraction: 1, Coverage: 1, SrcCoverage: 1, DstCoverage: 1, Quality: 1},
	}
}

// NewTransform builds a transform from a forward matrix, deriving and
// verifying the inverse on the source frame.
func NewTransform(forward Homography, src, dst Size, tolerance float64) (*Transform, error) {
	if tolerance <= 0 {
		tolerance = DefaultFitOptions().RoundTripTolerance
	}
	t, err := newTransform(forward.normalize(), src, dst)
	if err != nil {
		return nil, err
	}
	if err := t.checkRoundTrip(src.Corners(), tolerance); err != nil {
		return nil, err
	}
	return t, nil
}

func newTransform(forward Homography, src, dst Size) (*Transform, error) {
	forward = forward.orient(src.Center())
	inverse, err := forward.Inverse()
	if err != nil {
		return nil, err
	}
	ref, _, ok := forward.project(src.Center())
	if !ok {
		return nil, ErrDegenerate
	}
	return &Transform{
		Forward: forward,
		Inverse: inverse.orient(ref),
		Src:     src,
		Dst:     dst,
	}, nil
}

// Map applies the forward transform. It fails with ErrAtInfinity when the
// point lands on or beyond the horizon of the projective mapping.
func (t *Transform) Map(p Point) (Point, error) {
	q, _, ok := t.Forward.project(p)
	if !ok {
		return q, ErrAtInfinity
	}
	return q, nil
}

// Apply maps p into the target frame and reports whether it landed inside the
// target's pixel rectangle. Out-of-frame points are still returned.
func (t *Transform) Apply(p Point) (Point, bool) {
	q, err := t.Map(p)
	if err != nil {
		return q, false
	}
	return q, t.Dst.Contains(q)
}

// Invert returns the reverse transform. The matrices are swapped, not
// recomputed, so chaining a transform with its inverse is stable.
func (t *Transform) Invert() *Transform {
	stats := t.Stats
	stats.SrcCoverage, stats.DstCoverage = stats.DstCoverage, stats.SrcCoverage
	return &Transform{
		Forward: t.Inverse,
		Inverse: t.Forward,
		Src:     t.Dst,
		Dst:     t.Src,
		Stats:   stats,
		Inliers: t.Inliers,
	}
}

func (t *Transform) checkRoundTrip(points []Point, tolerance float64) error {
	limit := tolerance * math.Max(t.Src.Diagonal(), 1)
	for _, p := range points {
		q, _, ok := t.Forward.project(p)
		if !ok {
			continue
		}
		back, _, ok := t.Inverse.project(q)
		if !ok {
			return fmt.Errorf("%w: (%.2f, %.2f) does not map back", ErrRoundTrip, p.X, p.Y)
		}
		if d := back.Distance(p); d > limit || math.IsNaN(d) {
			return fmt.Errorf("%w: (%.2f, %.2f) off by %.3g px", ErrRoundTrip, p.X, p.Y, d)
		}
	}
	return nil
}

// Fit estimates a homography from src-frame to dst-frame correspondences
// with RANSAC followed by a least-squares refit on the inlier set. The random
// source is seeded from opts so the same input always yields the same model.
func Fit(corrs []Correspondence, src, dst Size, opts FitOptions) (*Transform, error) {
	opts = opts.withDefaults()
	if len(corrs) < opts.MinCorrespondences {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrInsufficientCorrespondences, len(corrs), opts.MinCorrespondences)
	}
	if !src.Valid() || !dst.Valid() {
		return nil, fmt.Errorf("%w: invalid image size", ErrDegenerate)
	}

	srcPts := make([]Point, len(corrs))
	dstPts := make([]Point, len(corrs))
	for i, c := range corrs {
		srcPts[i] = c.Src
		dstPts[i] = c.Dst
	}

	threshold := opts.Threshold * dst.Diagonal()
	best, bestInliers, err := ransac(srcPts, dstPts, src, dst, threshold, opts)
	if err != nil {
		return nil, err
	}

	// Refit on the inliers; keep the refit only if it explains at least as much.
	model := best
	inliers := bestInliers
	if len(bestInliers) > minHomographyPoints {
		in := pick(srcPts, bestInliers)
		out := pick(dstPts, bestInliers)
		if refit, err := estimateHomography(in, out); err == nil {
			refit = refit.orient(src.Center())
			if refitInliers := inliersOf(refit, srcPts, dstPts, threshold); len(refitInliers) >= len(bestInliers) {
				model = refit
				inliers = refitInliers
			}
		}
	}

	t, err := newTransform(model, src, dst)
	if err != nil {
		return nil, err
	}
	checks := append(src.Corners(), src.Center())
	checks = append(checks, pick(srcPts, inliers)...)
	if err := t.checkRoundTrip(checks, opts.RoundTripTolerance); err != nil {
		return nil, err
	}

	t.Inliers = inliers
	t.Stats = Evaluate(t, corrs, opts)
	return t, nil
}

func ransac(srcPts, dstPts []Point, src, dst Size, threshold float64, opts FitOptions) (Homography, []int, error) {
	n := len(srcPts)
	rng := rand.New(rand.NewSource(opts.Seed))

	iterations := opts.Iterations
	if n == minHomographyPoints {
		iterations = 1
	}

	var (
		best        Homography
		bestInliers []int
		bestErr     = math.Inf(1)
	)
	sampleSrc := make([]Point, minHomographyPoints)
	sampleDst := make([]Point, minHomographyPoints)
	for iter := 0; iter < iterations; iter++ {
		idx := sampleIndices(rng, n, minHomographyPoints)
		for i, k := range idx {
			sampleSrc[i] = srcPts[k]
			sampleDst[i] = dstPts[k]
		}
		if collinear(sampleSrc, src.Diagonal()) || collinear(sampleDst, dst.Diagonal()) {
			continue
		}
		h, err := estimateHomography(sampleSrc, sampleDst)
		if err != nil {
			continue
		}
		h = h.orient(src.Center())

		inliers := inliersOf(h, srcPts, dstPts, threshold)
		if len(inliers) < len(bestInliers) {
			continue
		}
		sumErr := transferError(h, srcPts, dstPts, inliers)
		if len(inliers) > len(bestInliers) || sumErr < bestErr {
			best, bestInliers, bestErr = h, inliers, sumErr
		}
	}

	if len(bestInliers) < minHomographyPoints {
		return Homography{}, nil, fmt.Errorf("%w: no consistent model among %d correspondences", ErrDegenerate, n)
	}
	return best, bestInliers, nil
}

// sampleIndices draws k distinct indices from [0,n).
func sampleIndices(rng *rand.Rand, n, k int) []int {
	if n == k {
		out := make([]int, n)
		for i := range out {
			out[i] = i
		}
		return out
	}
	seen := make(map[int]struct{}, k)
	out := make([]int, 0, k)
	for len(out) < k {
		i := rng.Intn(n)
		if _, dup := seen[i]; dup {
			continue
		}
		seen[i] = struct{}{}
		out = append(out, i)
	}
	return out
}

func inliersOf(h Homography, srcPts, dstPts []Point, threshold float64) []int {
	var inliers []int
	for i := range srcPts {
		q, _, ok := h.project(srcPts[i])
		if ok && q.Distance(dstPts[i]) <= threshold {
			inliers = append(inliers, i)
		}
	}
	return inliers
}

func transferError(h Homography, srcPts, dstPts []Point, idx []int) float64 {
	var sum float64
	for _, i := range idx {
		q, _, _ := h.project(srcPts[i])
		sum += q.Distance(dstPts[i])
	}
	return sum
}

func pick(pts []Point, idx []int) []Point {
	out := make([]Point, len(idx))
	for i, k := range idx {
		out[i] = pts[k]
	}
	return out
}

// Evaluate measures t against a correspondence set: inliers are pairs whose
// forward residual is within the RANSAC threshold.
func Evaluate(t *Transform, corrs []Correspondence, opts FitOptions) FitStats {
	opts = opts.withDefaults()
	stats := FitStats{Correspondences: len(corrs)}
	if len(corrs) == 0 {
		return stats
	}

	threshold := opts.Threshold * t.Dst.Diagonal()
	var (
		sumSq float64
		srcIn []Point
		dstIn []Point
	)
	for _, c := range corrs {
		q, err := t.Map(c.Src)
		if err != nil {
			continue
		}
		d := q.Distance(c.Dst)
		if d > threshold {
			continue
		}
		sumSq += d * d
		srcIn = append(srcIn, c.Src)
		dstIn = append(dstIn, c.Dst)
	}

	stats.Inliers = len(srcIn)
	stats.InlierFraction = float64(stats.Inliers) / float64(len(corrs))
	if stats.Inliers > 0 {
		stats.RMS = math.Sqrt(sumSq / float64(stats.Inliers))
	}
	stats.SrcCoverage = Coverage(srcIn, t.Src)
	stats.DstCoverage = Coverage(dstIn, t.Dst)
	stats.Coverage = math.Min(stats.SrcCoverage, stats.DstCoverage)
	stats.Quality = quality(stats, t.Dst, opts)
	return stats
}

// FitQuality scores t against corrs in [0,1]. The residual term decays with
// the inlier RMS relative to the target diagonal; it scales a blend of the
// inlier fraction and the hull coverage of the inliers.
func FitQuality(t *Transform, corrs []Correspondence, opts FitOptions) float64 {
	return Evaluate(t, corrs, opts).Quality
}

func quality(s FitStats, dst Size, opts FitOptions) float64 {
	if s.Inliers == 0 {
		return 0
	}
	residual := math.Exp(-s.RMS / (opts.ResidualScale * dst.Diagonal()))
	support := (1-opts.CoverageShare)*s.InlierFraction + opts.CoverageShare*s.Coverage
	return clamp01(residual * support)
}
