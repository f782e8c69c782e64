package imagestore

import (
	"fmt"
	"strings"
	"sync"

	"gopkg.in/gographics/imagick.v3/imagick"

	"arclimb/internal/geometry"
)

var magickOnce sync.Once

// pingMagick reads the dimensions of a file only ImageMagick understands.
// The environment is initialized once for the process lifetime.
func pingMagick(path string) (geometry.Size, string, error) {
	magickOnce.Do(imagick.Initialize)

	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.PingImage(path); err != nil {
		return geometry.Size{}, "", fmt.Errorf("%w: ping %s: %v", ErrUnsupported, path, err)
	}
	size := geometry.Size{Width: int(mw.GetImageWidth()), Height: int(mw.GetImageHeight())}
	return size, strings.ToLower(mw.GetImageFormat()), nil
}
