package matcher

import (
	"math"
	"math/bits"

	"gonum.org/v1/gonum/spatial/kdtree"

	"arclimb/internal/geometry"
)

// Feature is a keypoint with a binary descriptor.
type Feature struct {
	Point geometry.Point
	Desc  []byte
}

// GuideOptions configure GuidedMatch.
type GuideOptions struct {
	// MaxDisplacement is the search radius around a projected keypoint, as a
	// fraction of the target image's shorter side.
	MaxDisplacement float64 `json:"max_displacement"`
	Ratio           float64 `json:"ratio"`
	// MinSpread is the minimum source separation of the kept matches, as a
	// fraction of the source image's shorter side. 0 keeps every match.
	MinSpread float64 `json:"min_spread"`
}

// DefaultGuideOptions returns the documented defaults.
func DefaultGuideOptions() GuideOptions {
	return GuideOptions{MaxDisplacement: 0.01, Ratio: 0.75, MinSpread: 0.15}
}

// GuidedMatch rematches dense features under a known transform. Each source
// feature is projected through t and compared by Hamming distance only with
// target features within the search radius of the projection. A match is
// kept when it is the only candidate or passes the ratio test against the
// runner-up. The survivors are thinned with Spread, most similar first.
func GuidedMatch(t *geometry.Transform, fa, fb []Feature, src, dst geometry.Size, opts GuideOptions) []geometry.Correspondence {
	if t == nil || len(fa) == 0 || len(fb) == 0 {
		return nil
	}
	radius := opts.MaxDisplacement * float64(min(dst.Width, dst.Height))
	if radius <= 0 {
		return nil
	}

	// Coincident keypoints share one tree entry.
	pts := make(kdtree.Points, 0, len(fb))
	at := make(map[[2]float64][]int, len(fb))
	for i, f := range fb {
		key := [2]float64{f.Point.X, f.Point.Y}
		if _, seen := at[key]; !seen {
			pts = append(pts, kdtree.Point{f.Point.X, f.Point.Y})
		}
		at[key] = append(at[key], i)
	}
	tree := kdtree.New(pts, false)

	var corrs []geometry.Correspondence
	for _, f := range fa {
		q, err := t.Map(f.Point)
		if err != nil || !q.IsFinite() {
			continue
		}
		// kdtree.Point distances are squared.
		keep := kdtree.NewDistKeeper(radius * radius)
		tree.NearestSet(keep, kdtree.Point{q.X, q.Y})

		best, second := -1, math.Inf(1)
		bestDist := math.Inf(1)
		for _, c := range keep.Heap {
			p, ok := c.Comparable.(kdtree.Point)
			if !ok {
				continue
			}
			for _, j := range at[[2]float64{p[0], p[1]}] {
				d := float64(hamming(f.Desc, fb[j].Desc))
				switch {
				case d < bestDist:
					second, bestDist, best = bestDist, d, j
				case d < second:
					second = d
				}
			}
		}
		if best < 0 {
			continue
		}
		if !math.IsInf(second, 1) && !RatioTest(bestDist, second, opts.Ratio) {
			continue
		}
		descBits := 8 * float64(max(len(f.Desc), 1))
		corrs = append(corrs, geometry.Correspondence{
			Src:        f.Point,
			Dst:        fb[best].Point,
			Confidence: max(0, 1-bestDist/descBits),
		})
	}
	if opts.MinSpread > 0 {
		corrs = Spread(corrs, opts.MinSpread*float64(min(src.Width, src.Height)))
	}
	return corrs
}

// hamming counts differing bits. Unequal lengths count the excess as
// differing.
func hamming(a, b []byte) int {
	n := min(len(a), len(b))
	d := 8 * (max(len(a), len(b)) - n)
	for i := 0; i < n; i++ {
		d += bits.OnesCount8(a[i] ^ b[i])
	}
	return d
}
