package fsutil

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// decodable lists formats whose dimensions can be read without ImageMagick.
var decodable = map[string]struct{}{
	".jpg":  {},
	".jpeg": {},
	".png":  {},
	".gif":  {},
	".tif":  {},
	".tiff": {},
	".bmp":  {},
	".webp": {},
}

var rawExts = map[string]struct{}{
	".dng":  {},
	".nef":  {},
	".cr2":  {},
	".cr3":  {},
	".arw":  {},
	".rw2":  {},
	".orf":  {},
	".raf":  {},
	".heic": {},
	".heif": {},
}

// ListImages returns all image-like files under root, sorted, skipping
// hidden files and directories.
func ListImages(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if strings.HasPrefix(d.Name(), ".") && path != root {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if IsImageFile(path) {
			files = append(files, path)
		}
		return nil
	})
	sort.Strings(files)
	return files, err
}

// FirstExisting returns the first path that exists.
func FirstExisting(paths ...string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// IsRAWFile checks if a file is a camera RAW or HEIF container, which only
// ImageMagick can probe.
func IsRAWFile(path string) bool {
	_, ok := rawExts[strings.ToLower(filepath.Ext(path))]
	return ok
}

// IsDecodable checks if the Go image decoders registered by the image store
// understand the file.
func IsDecodable(path string) bool {
	_, ok := decodable[strings.ToLower(filepath.Ext(path))]
	return ok
}

// IsImageFile checks if a file is any supported image format.
func IsImageFile(path string) bool {
	return IsDecodable(path) || IsRAWFile(path)
}
