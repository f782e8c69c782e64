package geometry

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Homography is a 3x3 projective matrix in row-major order.
type Homography [9]float64

// IdentityHomography maps every point onto itself.
var IdentityHomography = Homography{1, 0, 0, 0, 1, 0, 0, 0, 1}

// horizonEpsilon bounds the homogeneous scale below which a point is treated
// as sent to infinity, relative to the magnitude of the terms producing it.
const horizonEpsilon = 1e-12

// project returns the mapped point and its homogeneous scale before division.
func (h Homography) project(p Point) (Point, float64, bool) {
	x := h[0]*p.X + h[1]*p.Y + h[2]
	y := h[3]*p.X + h[4]*p.Y + h[5]
	w := h[6]*p.X + h[7]*p.Y + h[8]
	scale := math.Abs(h[6]*p.X) + math.Abs(h[7]*p.Y) + math.Abs(h[8])
	if w <= horizonEpsilon*scale {
		return Point{X: math.Inf(1), Y: math.Inf(1)}, w, false
	}
	return Point{X: x / w, Y: y / w}, w, true
}

func (h Homography) dense() *mat.Dense {
	return mat.NewDense(3, 3, h[:])
}

func fromDense(m mat.Matrix) Homography {
	var h Homography
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			h[r*3+c] = m.At(r, c)
		}
	}
	return h
}

// Mul returns h * o, the homography applying o first and then h.
func (h Homography) Mul(o Homography) Homography {
	var out mat.Dense
	out.Mul(h.dense(), o.dense())
	return fromDense(&out)
}

// Inverse returns the matrix inverse, normalized.
func (h Homography) Inverse() (Homography, error) {
	var inv mat.Dense
	if err := inv.Inverse(h.dense()); err != nil {
		// An ill-conditioned result is still usable; the round-trip check
		// decides whether it is good enough. Exact singularity is not.
		var cond mat.Condition
		if !errors.As(err, &cond) || math.IsInf(float64(cond), 1) {
			return Homography{}, ErrDegenerate
		}
	}
	out := fromDense(&inv)
	if !out.finite() {
		return Homography{}, ErrDegenerate
	}
	return out.normalize(), nil
}

// normalize scales the matrix so that h[8] == 1 when possible, otherwise to
// unit Frobenius norm.
func (h Homography) normalize() Homography {
	div := h[8]
	if math.Abs(div) < 1e-12 {
		var sum float64
		for _, v := range h {
			sum += v * v
		}
		div = math.Sqrt(sum)
	}
	if div == 0 {
		return h
	}
	for i := range h {
		h[i] /= div
	}
	return h
}

// orient flips the sign of the matrix so that the homogeneous scale at ref is
// positive. Points on the far side of the horizon then report as unmappable.
func (h Homography) orient(ref Point) Homography {
	w := h[6]*ref.X + h[7]*ref.Y + h[8]
	if w < 0 {
		for i := range h {
			h[i] = -h[i]
		}
	}
	return h
}

func (h Homography) finite() bool {
	for _, v := range h {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// normalization is a similarity that moves a point set's centroid to the
// origin and scales its mean distance from the origin to sqrt(2).
type normalization struct {
	cx, cy, s float64
}

func newNormalization(pts []Point) (normalization, bool) {
	var cx, cy float64
	for _, p := range pts {
		cx += p.X
		cy += p.Y
	}
	n := float64(len(pts))
	cx /= n
	cy /= n
	var mean float64
	for _, p := range pts {
		mean += math.Hypot(p.X-cx, p.Y-cy)
	}
	mean /= n
	if mean < 1e-12 {
		return normalization{}, false
	}
	return normalization{cx: cx, cy: cy, s: math.Sqrt2 / mean}, true
}

func (t normalization) apply(p Point) Point {
	return Point{X: (p.X - t.cx) * t.s, Y: (p.Y - t.cy) * t.s}
}

func (t normalization) matrix() Homography {
	return Homography{t.s, 0, -t.s * t.cx, 0, t.s, -t.s * t.cy, 0, 0, 1}
}

func (t normalization) inverse() Homography {
	return Homography{1 / t.s, 0, t.cx, 0, 1 / t.s, t.cy, 0, 0, 1}
}

// estimateHomography solves the direct linear transform for src -> dst on
// normalized coordinates. With more than four pairs the result is the
// algebraic least-squares fit.
func estimateHomography(src, dst []Point) (Homography, error) {
	if len(src) != len(dst) || len(src) < minHomographyPoints {
		return Homography{}, ErrInsufficientCorrespondences
	}
	ns, ok := newNormalization(src)
	if !ok {
		return Homography{}, ErrDegenerate
	}
	nd, ok := newNormalization(dst)
	if !ok {
		return Homography{}, ErrDegenerate
	}

	rows := 2 * len(src)
	a := mat.NewDense(rows, 9, nil)
	for i := range src {
		s := ns.apply(src[i])
		d := nd.apply(dst[i])
		a.SetRow(2*i, []float64{-s.X, -s.Y, -1, 0, 0, 0, d.X * s.X, d.X * s.Y, d.X})
		a.SetRow(2*i+1, []float64{0, 0, 0, -s.X, -s.Y, -1, d.Y * s.X, d.Y * s.Y, d.Y})
	}

	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDFull); !ok {
		return Homography{}, ErrDegenerate
	}
	values := svd.Values(nil)
	// A rank below 8 means the sample does not pin down a unique homography.
	if len(values) >= 8 && values[7] < 1e-10*values[0] {
		return Homography{}, ErrDegenerate
	}
	var v mat.Dense
	svd.VTo(&v)

	var hn Homography
	for i := 0; i < 9; i++ {
		hn[i] = v.At(i, 8)
	}
	h := nd.inverse().Mul(hn).Mul(ns.matrix()).normalize()
	if !h.finite() {
		return Homography{}, ErrDegenerate
	}
	if det := mat.Det(h.dense()); math.Abs(det) < 1e-15 {
		return Homography{}, ErrDegenerate
	}
	return h, nil
}

// collinear reports whether any three of the points are (nearly) on one line.
func collinear(pts []Point, scale float64) bool {
	tol := 1e-9 * scale * scale
	for i := 0; i < len(pts); i++ {
		for j := i + 1; j < len(pts); j++ {
			for k := j + 1; k < len(pts); k++ {
				if math.Abs(cross(pts[i], pts[j], pts[k])) <= tol {
					return true
				}
			}
		}
	}
	return false
}
