// Package imagestore resolves image references to files and probes their
// pixel dimensions.
package imagestore

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"arclimb/internal/fsutil"
	"arclimb/internal/geometry"
)

var (
	// ErrNotFound is returned when a reference names no readable image.
	ErrNotFound = errors.New("image not found")
	// ErrUnsupported is returned for files whose format cannot be probed.
	ErrUnsupported = errors.New("unsupported image format")
)

// Image is a resolved image reference.
type Image struct {
	Ref    string        `json:"ref"`
	Path   string        `json:"path"`
	Size   geometry.Size `json:"size"`
	Format string        `json:"format"`
}

// Store loads images by reference.
type Store interface {
	Load(ctx context.Context, ref string) (Image, error)
}

// FileStore resolves references as paths under a root directory.
type FileStore struct {
	root   string
	logger *slog.Logger
}

// NewFileStore returns a FileStore rooted at root. A nil logger discards output.
func NewFileStore(root string, logger *slog.Logger) *FileStore {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &FileStore{root: root, logger: logger}
}

// Root returns the directory relative references resolve against.
func (s *FileStore) Root() string { return s.root }

// Resolve maps ref to a file path. Absolute references are used as is.
func (s *FileStore) Resolve(ref string) string {
	if filepath.IsAbs(ref) {
		return filepath.Clean(ref)
	}
	return filepath.Join(s.root, filepath.FromSlash(ref))
}

// Ref returns the reference under which path is stored: relative to the
// root when path lies inside it, the cleaned absolute path otherwise.
func (s *FileStore) Ref(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	root, err := filepath.Abs(s.root)
	if err != nil {
		return abs
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return abs
	}
	return filepath.ToSlash(rel)
}

// Load stats the referenced file and probes its dimensions. Formats the Go
// decoders understand are read from their headers; RAW and HEIF files are
// pinged through ImageMagick.
func (s *FileStore) Load(ctx context.Context, ref string) (Image, error) {
	if err := ctx.Err(); err != nil {
		return Image{}, err
	}
	path := s.Resolve(ref)
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Image{}, fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		return Image{}, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return Image{}, fmt.Errorf("%w: %s is a directory", ErrNotFound, ref)
	}

	var (
		size   geometry.Size
		format string
	)
	switch {
	case fsutil.IsDecodable(path):
		size, format, err = decodeConfig(path)
	case fsutil.IsRAWFile(path):
		size, format, err = pingMagick(path)
	default:
		err = fmt.Errorf("%w: %s", ErrUnsupported, filepath.Ext(path))
	}
	if err != nil {
		return Image{}, err
	}
	if !size.Valid() {
		return Image{}, fmt.Errorf("%w: %s has no pixels", ErrUnsupported, ref)
	}
	s.logger.Debug("Image probed", "ref", ref, "width", size.Width, "height", size.Height, "format", format)
	return Image{Ref: ref, Path: path, Size: size, Format: format}, nil
}

func decodeConfig(path string) (geometry.Size, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return geometry.Size{}, "", err
	}
	defer f.Close()
	cfg, format, err := image.DecodeConfig(f)
	if err != nil {
		return geometry.Size{}, "", fmt.Errorf("%w: %s: %w", ErrUnsupported, path, err)
	}
	return geometry.Size{Width: cfg.Width, Height: cfg.Height}, format, nil
}

// MemStore is an in-memory Store keyed by reference.
type MemStore struct {
	mu     sync.RWMutex
	images map[string]Image
}

// NewMemStore returns a MemStore holding imgs.
func NewMemStore(imgs ...Image) *MemStore {
	s := &MemStore{images: make(map[string]Image, len(imgs))}
	for _, img := range imgs {
		s.Put(img)
	}
	return s
}

// Put adds or replaces img.
func (s *MemStore) Put(img Image) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.images[img.Ref] = img
}

func (s *MemStore) Load(ctx context.Context, ref string) (Image, error) {
	if err := ctx.Err(); err != nil {
		return Image{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	img, ok := s.images[ref]
	if !ok {
		return Image{}, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	return img, nil
}
