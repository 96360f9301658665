package thumbnail

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writePNG(t *testing.T, path string, w, h int) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 0x80
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
}

func decodeJPEG(t *testing.T, path string) image.Image {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer f.Close()
	img, err := jpeg.Decode(f)
	if err != nil {
		t.Fatalf("decode jpeg: %v", err)
	}
	return img
}

func TestGenerateScalesToMediumPreset(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "fundus.png")
	writePNG(t, src, 1440, 960)

	gen := NewGenerator(filepath.Join(dir, "cache"), DefaultSizes(), nil)
	out, err := gen.Generate(context.Background(), src)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if !strings.HasSuffix(out, "_medium.jpg") || filepath.Dir(out) != filepath.Join(dir, "cache") {
		t.Fatalf("unexpected thumbnail path %q", out)
	}
	b := decodeJPEG(t, out).Bounds()
	if b.Dx() != 720 || b.Dy() != 480 {
		t.Fatalf("expected 720x480, got %dx%d", b.Dx(), b.Dy())
	}
	leftovers, _ := filepath.Glob(filepath.Join(dir, "cache", ".thumb-*"))
	if len(leftovers) != 0 {
		t.Fatalf("temp files left behind: %v", leftovers)
	}
}

func TestGenerateDoesNotUpscale(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "small.png")
	writePNG(t, src, 100, 50)

	out, err := NewGenerator(dir, DefaultSizes(), nil).Generate(context.Background(), src)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if b := decodeJPEG(t, out).Bounds(); b.Dx() != 100 || b.Dy() != 50 {
		t.Fatalf("expected original size, got %v", b)
	}
}

func TestCacheNameChangesWithSourceIdentity(t *testing.T) {
	base := cacheName("/mnt/a.jpg", 10, 100, PresetMedium)
	if base == cacheName("/mnt/b.jpg", 10, 100, PresetMedium) {
		t.Fatalf("different paths must not collide")
	}
	if base == cacheName("/mnt/a.jpg", 10, 101, PresetMedium) {
		t.Fatalf("modified source must get a new name")
	}
	if base == cacheName("/mnt/a.jpg", 10, 100, PresetSmall) {
		t.Fatalf("presets must not collide")
	}
}

func TestGenerateRefreshesWhenSourceChanges(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "scan.png")
	writePNG(t, src, 50, 50)
	gen := NewGenerator(filepath.Join(dir, "cache"), DefaultSizes(), nil)

	first, err := gen.Generate(context.Background(), src)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	again, err := gen.Generate(context.Background(), src)
	if err != nil || again != first {
		t.Fatalf("expected cache hit, got %q (%v)", again, err)
	}

	writePNG(t, src, 60, 60)
	later := time.Now().Add(time.Hour)
	if err := os.Chtimes(src, later, later); err != nil {
		t.Fatalf("Chtimes() error = %v", err)
	}
	second, err := gen.Generate(context.Background(), src)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if second == first {
		t.Fatalf("expected a new thumbnail for the modified source")
	}
}

type pageSourceFake struct {
	pages [][]byte
	err   error
}

func (f pageSourceFake) ExtractPageImages(context.Context, string, int) ([][]byte, error) {
	return f.pages, f.err
}

func TestGenerateUsesFirstPDFPageImage(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "report.pdf")
	if err := os.WriteFile(src, []byte("%PDF-1.4"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	page := image.NewGray(image.Rect(0, 0, 40, 20))
	page.Set(0, 0, color.Black)
	var buf bytes.Buffer
	if err := png.Encode(&buf, page); err != nil {
		t.Fatalf("encode: %v", err)
	}

	out, err := NewGenerator(dir, DefaultSizes(), pageSourceFake{pages: [][]byte{buf.Bytes()}}).Generate(context.Background(), src)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if b := decodeJPEG(t, out).Bounds(); b.Dx() != 40 || b.Dy() != 20 {
		t.Fatalf("unexpected size %v", b)
	}

	_, err = NewGenerator(filepath.Join(dir, "other"), DefaultSizes(), pageSourceFake{err: errors.New("broken")}).Generate(context.Background(), src)
	if err == nil {
		t.Fatalf("expected error when page extraction fails")
	}
}

func TestGenerateRejectsUndecodableImage(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "broken.jpg")
	if err := os.WriteFile(src, []byte("nope"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if _, err := NewGenerator(dir, DefaultSizes(), nil).Generate(context.Background(), src); err == nil {
		t.Fatalf("expected decode error")
	}
}
