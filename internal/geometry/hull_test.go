package geometry

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConvexHull(t *testing.T) {
	tests := []struct {
		name   string
		points []Point
		area   float64
		hull   int
	}{
		{"empty", nil, 0, 0},
		{"two points", []Point{{0, 0}, {1, 1}}, 0, 2},
		{"square with interior", []Point{{0, 0}, {10, 0}, {10, 10}, {0, 10}, {5, 5}, {2, 7}}, 100, 4},
		{"collinear edge points dropped", []Point{{0, 0}, {5, 0}, {10, 0}, {10, 10}, {0, 10}}, 100, 4},
		{"triangle", []Point{{0, 0}, {4, 0}, {0, 3}}, 6, 3},
		{"all collinear", []Point{{0, 0}, {1, 1}, {2, 2}, {3, 3}}, 0, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hull := ConvexHull(tt.points)
			assert.Len(t, hull, tt.hull)
			assert.InDelta(t, tt.area, PolygonArea(hull), 1e-9)
		})
	}
}

func TestCoverage(t *testing.T) {
	size := Square(100)
	assert.InDelta(t, 0.25, Coverage([]Point{{0, 0}, {50, 0}, {50, 50}, {0, 50}}, size), 1e-9)
	assert.Equal(t, 1.0, Coverage([]Point{{-10, -10}, {200, -10}, {200, 200}, {-10, 200}}, size))
	assert.Equal(t, 0.0, Coverage([]Point{{1, 1}}, size))
	assert.Equal(t, 0.0, Coverage([]Point{{0, 0}, {1, 0}, {0, 1}}, Size{}))
}

func TestSizeContains(t *testing.T) {
	s := Size{Width: 10, Height: 5}
	assert.True(t, s.Contains(Point{0, 0}))
	assert.True(t, s.Contains(Point{9.99, 4.99}))
	assert.False(t, s.Contains(Point{10, 0}))
	assert.False(t, s.Contains(Point{0, 5}))
	assert.False(t, s.Contains(Point{-0.1, 2}))
}
