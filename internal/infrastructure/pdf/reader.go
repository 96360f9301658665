package pdf

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"

	lpdf "github.com/ledongthuc/pdf"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// maxImageBytes bounds a single embedded page image read into memory.
const maxImageBytes = 64 << 20

// Reader extracts embedded text with ledongthuc/pdf and page images of
// scanned documents with pdfcpu.
type Reader struct {
	conf *model.Configuration
}

func NewReader() *Reader {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return &Reader{conf: conf}
}

func (r *Reader) ExtractText(ctx context.Context, path string) (text string, err error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	// ledongthuc/pdf panics on some malformed files.
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("parse pdf %s: %v", path, rec)
		}
	}()

	f, doc, err := lpdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}
	defer f.Close()

	plain, err := doc.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("read pdf text: %w", err)
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, plain); err != nil {
		return "", fmt.Errorf("read pdf text: %w", err)
	}
	return strings.TrimSpace(buf.String()), nil
}

// ExtractPageImages returns the encoded images embedded in the first
// maxPages pages, in page order.
func (r *Reader) ExtractPageImages(ctx context.Context, path string, maxPages int) ([][]byte, error) {
	pdfCtx, err := r.open(path)
	if err != nil {
		return nil, err
	}
	pages := pdfCtx.PageCount
	if maxPages > 0 && pages > maxPages {
		pages = maxPages
	}

	var out [][]byte
	for pageNr := 1; pageNr <= pages; pageNr++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		images, err := pdfcpu.ExtractPageImages(pdfCtx, pageNr, false)
		if err != nil {
			slog.Debug("pdf_page_images_failed", "file", path, "page", pageNr, "error", err)
			continue
		}
		objNrs := make([]int, 0, len(images))
		for objNr := range images {
			objNrs = append(objNrs, objNr)
		}
		sort.Ints(objNrs)
		for _, objNr := range objNrs {
			data, err := io.ReadAll(io.LimitReader(images[objNr], maxImageBytes))
			if err != nil || len(data) == 0 {
				continue
			}
			out = append(out, data)
		}
	}
	return out, nil
}

// PageCount reports the number of pages.
func (r *Reader) PageCount(path string) (int, error) {
	pdfCtx, err := r.open(path)
	if err != nil {
		return 0, err
	}
	return pdfCtx.PageCount, nil
}

func (r *Reader) open(path string) (*model.Context, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}
	defer f.Close()

	pdfCtx, err := api.ReadValidateAndOptimize(f, r.conf)
	if err != nil {
		return nil, fmt.Errorf("pdfcpu read: %w", err)
	}
	return pdfCtx, nil
}
