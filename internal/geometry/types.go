package geometry

import "math"

// Point is a pixel coordinate. Values may lie outside the image rectangle.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Distance returns the Euclidean distance between two points.
func (p Point) Distance(q Point) float64 {
	return math.Hypot(p.X-q.X, p.Y-q.Y)
}

// IsFinite reports whether both coordinates are finite numbers.
func (p Point) IsFinite() bool {
	return !math.IsNaN(p.X) && !math.IsNaN(p.Y) && !math.IsInf(p.X, 0) && !math.IsInf(p.Y, 0)
}

// Size is an image's pixel dimensions.
type Size struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Square returns the size of a square image with the given side.
func Square(side int) Size {
	return Size{Width: side, Height: side}
}

// Valid reports whether both dimensions are positive.
func (s Size) Valid() bool {
	return s.Width > 0 && s.Height > 0
}

// Contains reports whether p lies inside the pixel rectangle [0,W) x [0,H).
func (s Size) Contains(p Point) bool {
	return p.X >= 0 && p.Y >= 0 && p.X < float64(s.Width) && p.Y < float64(s.Height)
}

// Area returns the image area in square pixels.
func (s Size) Area() float64 {
	return float64(s.Width) * float64(s.Height)
}

// Diagonal returns the length of the image diagonal in pixels.
func (s Size) Diagonal() float64 {
	return math.Hypot(float64(s.Width), float64(s.Height))
}

// Center returns the middle of the pixel rectangle.
func (s Size) Center() Point {
	return Point{X: float64(s.Width) / 2, Y: float64(s.Height) / 2}
}

// Corners returns the four corners of the pixel rectangle.
func (s Size) Corners() []Point {
	w, h := float64(s.Width), float64(s.Height)
	return []Point{{0, 0}, {w, 0}, {w, h}, {0, h}}
}

// Correspondence pairs a point in the source image with the point the matcher
// believes is the same physical feature in the target image.
type Correspondence struct {
	Src        Point   `json:"src"`
	Dst        Point   `json:"dst"`
	Confidence float64 `json:"confidence,omitempty"`
}

// Swap returns the correspondence with source and target exchanged.
func (c Correspondence) Swap() Correspondence {
	return Correspondence{Src: c.Dst, Dst: c.Src, Confidence: c.Confidence}
}

// SwapAll returns a reversed copy of a correspondence set.
func SwapAll(corrs []Correspondence) []Correspondence {
	out := make([]Correspondence, len(corrs))
	for i, c := range corrs {
		out[i] = c.Swap()
	}
	return out
}
