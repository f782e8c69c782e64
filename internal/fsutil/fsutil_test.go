package fsutil

import (
	"os"
	"path/filepath"
	"testing"
)

func TestListImagesSkipsHiddenAndNonImages(t *testing.T) {
	root := t.TempDir()
	files := []string{
		"b.jpg",
		"a.PNG",
		"notes.txt",
		".hidden.jpg",
		filepath.Join("sub", "c.dng"),
		filepath.Join(".cache", "d.jpg"),
	}
	for _, f := range files {
		path := filepath.Join(root, f)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	got, err := ListImages(root)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{
		filepath.Join(root, "a.PNG"),
		filepath.Join(root, "b.jpg"),
		filepath.Join(root, "sub", "c.dng"),
	}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestClassification(t *testing.T) {
	cases := []struct {
		path      string
		image     bool
		raw       bool
		decodable bool
	}{
		{"wall.jpg", true, false, true},
		{"wall.WEBP", true, false, true},
		{"wall.nef", true, true, false},
		{"wall.heic", true, true, false},
		{"wall.xmp", false, false, false},
	}
	for _, tc := range cases {
		if got := IsImageFile(tc.path); got != tc.image {
			t.Errorf("IsImageFile(%s) = %v", tc.path, got)
		}
		if got := IsRAWFile(tc.path); got != tc.raw {
			t.Errorf("IsRAWFile(%s) = %v", tc.path, got)
		}
		if got := IsDecodable(tc.path); got != tc.decodable {
			t.Errorf("IsDecodable(%s) = %v", tc.path, got)
		}
	}
}

func TestFirstExisting(t *testing.T) {
	dir := t.TempDir()
	present := filepath.Join(dir, "present")
	if err := os.WriteFile(present, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if got := FirstExisting(filepath.Join(dir, "absent"), present); got != present {
		t.Fatalf("expected %s, got %s", present, got)
	}
	if got := FirstExisting(filepath.Join(dir, "absent")); got != "" {
		t.Fatalf("expected empty result, got %s", got)
	}
}
