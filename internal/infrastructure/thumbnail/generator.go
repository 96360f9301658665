package thumbnail

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
)

const jpegQuality = 85

type Preset string

const (
	PresetSmall  Preset = "small"
	PresetMedium Preset = "medium"
	PresetLarge  Preset = "large"
)

// Sizes is the longest edge in pixels per preset.
type Sizes struct {
	Small  int
	Medium int
	Large  int
}

func DefaultSizes() Sizes {
	return Sizes{Small: 120, Medium: 720, Large: 1600}
}

func (s Sizes) edge(p Preset) int {
	switch p {
	case PresetSmall:
		if s.Small > 0 {
			return s.Small
		}
		return 120
	case PresetLarge:
		if s.Large > 0 {
			return s.Large
		}
		return 1600
	default:
		if s.Medium > 0 {
			return s.Medium
		}
		return 720
	}
}

type pageImageSource interface {
	ExtractPageImages(ctx context.Context, path string, maxPages int) ([][]byte, error)
}

// Generator writes JPEG previews into a cache directory. Names are derived
// from the source identity (path, size, mtime) and preset, so a changed
// source gets a new thumbnail and concurrent writers of the same name
// produce the same bytes.
type Generator struct {
	cacheDir string
	sizes    Sizes
	preset   Preset
	pdf      pageImageSource
}

func NewGenerator(cacheDir string, sizes Sizes, pdf pageImageSource) *Generator {
	return &Generator{
		cacheDir: cacheDir,
		sizes:    sizes,
		preset:   PresetMedium,
		pdf:      pdf,
	}
}

func (g *Generator) Generate(ctx context.Context, path string) (string, error) {
	return g.GeneratePreset(ctx, path, g.preset)
}

func (g *Generator) GeneratePreset(ctx context.Context, path string, preset Preset) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("stat source: %w", err)
	}

	target := filepath.Join(g.cacheDir, cacheName(abs, info.Size(), info.ModTime().UnixNano(), preset))
	if _, err := os.Stat(target); err == nil {
		return target, nil
	}

	src, err := g.load(ctx, abs)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	thumb := fit(src, g.sizes.edge(preset))

	if err := os.MkdirAll(g.cacheDir, 0o755); err != nil {
		return "", fmt.Errorf("create thumbnail cache: %w", err)
	}
	if err := writeAtomic(target, thumb); err != nil {
		return "", err
	}
	return target, nil
}

func (g *Generator) load(ctx context.Context, path string) (image.Image, error) {
	if strings.EqualFold(filepath.Ext(path), ".pdf") {
		if g.pdf == nil {
			return nil, errors.New("pdf thumbnails are not configured")
		}
		pages, err := g.pdf.ExtractPageImages(ctx, path, 1)
		if err != nil {
			return nil, fmt.Errorf("extract pdf page image: %w", err)
		}
		if len(pages) == 0 {
			return nil, errors.New("pdf has no page image")
		}
		img, _, err := image.Decode(bytes.NewReader(pages[0]))
		if err != nil {
			return nil, fmt.Errorf("decode pdf page image: %w", err)
		}
		return img, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open image: %w", err)
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return img, nil
}

// fit scales src so its longest edge is at most edge, never upscaling, and
// flattens transparency onto white.
func fit(src image.Image, edge int) image.Image {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if w > edge || h > edge {
		if w >= h {
			h = max(1, h*edge/w)
			w = edge
		} else {
			w = max(1, w*edge/h)
			h = edge
		}
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)
	return dst
}

func writeAtomic(target string, img image.Image) error {
	tmp, err := os.CreateTemp(filepath.Dir(target), ".thumb-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp thumbnail: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := jpeg.Encode(tmp, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("encode thumbnail: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp thumbnail: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		return fmt.Errorf("publish thumbnail: %w", err)
	}
	return nil
}

func cacheName(absPath string, size, modTime int64, preset Preset) string {
	h := sha256.New()
	h.Write([]byte(absPath))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(size, 10)))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(modTime, 10)))
	h.Write([]byte{0})
	h.Write([]byte(preset))
	return hex.EncodeToString(h.Sum(nil))[:32] + "_" + string(preset) + ".jpg"
}
