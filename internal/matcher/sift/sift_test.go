package sift

import (
	"context"
	"image"
	"image/color"
	"image/png"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arclimb/internal/geometry"
	"arclimb/internal/imagestore"
)

// blocky returns a deterministic texture of random 6px gray blocks.
func blocky(w, h int, seed int64) *image.Gray {
	rng := rand.New(rand.NewSource(seed))
	img := image.NewGray(image.Rect(0, 0, w, h))
	for by := 0; by < h; by += 6 {
		for bx := 0; bx < w; bx += 6 {
			v := color.Gray{Y: uint8(rng.Intn(256))}
			for y := by; y < min(by+6, h); y++ {
				for x := bx; x < min(bx+6, w); x++ {
					img.SetGray(x, y, v)
				}
			}
		}
	}
	return img
}

func save(t *testing.T, img image.Image, path string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

func TestMatchRecoversShift(t *testing.T) {
	dir := t.TempDir()
	base := blocky(480, 360, 11)
	const dx, dy = 24, 40
	save(t, base, filepath.Join(dir, "a.png"))
	save(t, base.SubImage(image.Rect(dx, dy, dx+400, dy+300)), filepath.Join(dir, "b.png"))

	store := imagestore.NewFileStore(dir, nil)
	ctx := context.Background()
	a, err := store.Load(ctx, "a.png")
	require.NoError(t, err)
	b, err := store.Load(ctx, "b.png")
	require.NoError(t, err)

	corrs, err := New(DefaultOptions(), nil).Match(ctx, a, b)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(corrs), 10)

	errs := make([]float64, len(corrs))
	for i, c := range corrs {
		errs[i] = c.Dst.Distance(geometry.Point{X: c.Src.X - dx, Y: c.Src.Y - dy})
		assert.GreaterOrEqual(t, c.Confidence, 0.0)
		assert.LessOrEqual(t, c.Confidence, 1.0)
	}
	sort.Float64s(errs)
	assert.Less(t, errs[len(errs)/2], 2.0, "median keypoint error")
}

func TestMatchUnreadableImage(t *testing.T) {
	img := imagestore.Image{Ref: "ghost", Path: filepath.Join(t.TempDir(), "ghost.png"), Size: geometry.Square(10)}
	_, err := New(DefaultOptions(), nil).Match(context.Background(), img, img)
	require.Error(t, err)
}

func TestMatchCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(DefaultOptions(), nil).Match(ctx, imagestore.Image{}, imagestore.Image{})
	assert.ErrorIs(t, err, context.Canceled)
}
