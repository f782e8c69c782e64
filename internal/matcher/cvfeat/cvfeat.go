// Package cvfeat holds the OpenCV plumbing shared by the keypoint matchers:
// detection on downscaled grayscale copies and brute-force kNN matching.
package cvfeat

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"

	"arclimb/internal/geometry"
	"arclimb/internal/imagestore"
	"arclimb/internal/matcher"
)

// Detector finds keypoints and computes their descriptors. gocv.ORB and
// gocv.SIFT both satisfy it through their pointers.
type Detector interface {
	DetectAndCompute(src gocv.Mat, mask gocv.Mat) ([]gocv.KeyPoint, gocv.Mat)
}

// Features are keypoints in full-resolution pixels and their descriptors,
// one row per point.
type Features struct {
	Points []geometry.Point
	Desc   gocv.Mat
}

// Close releases the descriptor matrix.
func (f Features) Close() { f.Desc.Close() }

// Detect loads img as grayscale, scales it down so the longer side is at
// most maxSide (0 keeps the full size) and runs d on the result.
func Detect(d Detector, img imagestore.Image, maxSide int) (Features, error) {
	mat := gocv.IMRead(img.Path, gocv.IMReadGrayScale)
	defer mat.Close()
	if mat.Empty() {
		return Features{}, fmt.Errorf("%w: cannot read %s", matcher.ErrNoFeatures, img.Path)
	}

	scale := 1.0
	if longest := max(mat.Cols(), mat.Rows()); maxSide > 0 && longest > maxSide {
		scale = float64(maxSide) / float64(longest)
	}
	work := mat
	if scale < 1 {
		small := gocv.NewMat()
		defer small.Close()
		gocv.Resize(mat, &small, image.Point{}, scale, scale, gocv.InterpolationArea)
		work = small
	}

	// The stored size may differ from the decoded raster (EXIF rotation, RAW
	// previews), so map back through the actual decoded dimensions.
	sx := float64(img.Size.Width) / float64(work.Cols())
	sy := float64(img.Size.Height) / float64(work.Rows())
	if !img.Size.Valid() {
		sx, sy = 1/scale, 1/scale
	}

	mask := gocv.NewMat()
	defer mask.Close()
	kps, desc := d.DetectAndCompute(work, mask)
	points := make([]geometry.Point, len(kps))
	for i, kp := range kps {
		points[i] = geometry.Point{X: kp.X * sx, Y: kp.Y * sy}
	}
	return Features{Points: points, Desc: desc}, nil
}

// Match runs a k=2 brute-force match of fa against fb under norm and keeps
// the pairs that pass the ratio test. score turns the best and second-best
// distances into a confidence, clamped to [0,1].
func Match(norm gocv.NormType, fa, fb Features, ratio float64, score func(best, second float64) float64) []geometry.Correspondence {
	if len(fa.Points) < 2 || len(fb.Points) < 2 {
		return nil
	}
	bf := gocv.NewBFMatcherWithParams(norm, false)
	defer bf.Close()

	var corrs []geometry.Correspondence
	for _, pair := range bf.KnnMatch(fa.Desc, fb.Desc, 2) {
		if len(pair) < 2 {
			continue
		}
		best, second := pair[0], pair[1]
		if !matcher.RatioTest(best.Distance, second.Distance, ratio) {
			continue
		}
		if best.QueryIdx >= len(fa.Points) || best.TrainIdx >= len(fb.Points) {
			continue
		}
		corrs = append(corrs, geometry.Correspondence{
			Src:        fa.Points[best.QueryIdx],
			Dst:        fb.Points[best.TrainIdx],
			Confidence: max(0, min(1, score(best.Distance, second.Distance))),
		})
	}
	return corrs
}

// Binary copies the points and their 8-bit descriptor rows out of f.
func Binary(f Features) []matcher.Feature {
	rows, cols := f.Desc.Rows(), f.Desc.Cols()
	if f.Desc.Empty() || f.Desc.Type() != gocv.MatTypeCV8U || cols == 0 {
		return nil
	}
	data := f.Desc.ToBytes()
	n := min(rows, len(f.Points), len(data)/cols)
	out := make([]matcher.Feature, n)
	for i := range out {
		out[i] = matcher.Feature{Point: f.Points[i], Desc: data[i*cols : (i+1)*cols]}
	}
	return out
}
