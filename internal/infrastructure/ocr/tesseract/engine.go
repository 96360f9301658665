package tesseract

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"log/slog"
	"strings"
	"sync"

	"github.com/otiai10/gosseract/v2"

	"github.com/xtm888/medflow-ocr/internal/core/domain"
)

// Engine runs Tesseract through gosseract. A client is created per call,
// gosseract clients are not safe for concurrent use.
type Engine struct {
	languages     []string
	clientFactory func() *gosseract.Client

	readyOnce sync.Once
	ready     bool
}

type Options struct {
	// Languages are tesseract codes, e.g. "fra" or "fra+eng".
	Languages string
}

func New(options Options) *Engine {
	return &Engine{
		languages:     parseLanguages(options.Languages),
		clientFactory: gosseract.NewClient,
	}
}

func (e *Engine) Recognize(ctx context.Context, data []byte) (domain.Recognition, error) {
	if err := ctx.Err(); err != nil {
		return domain.Recognition{}, err
	}
	if len(data) == 0 {
		return domain.Recognition{}, fmt.Errorf("empty image")
	}

	c := e.clientFactory()
	defer c.Close()

	if err := c.SetImageFromBytes(data); err != nil {
		return domain.Recognition{}, fmt.Errorf("set image: %w", err)
	}
	if len(e.languages) > 0 {
		if err := c.SetLanguage(e.languages...); err != nil {
			return domain.Recognition{}, fmt.Errorf("set languages: %w", err)
		}
	}
	text, err := c.Text()
	if err != nil {
		return domain.Recognition{}, fmt.Errorf("recognize text: %w", err)
	}

	boxes, err := c.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil {
		slog.Debug("ocr_word_boxes_failed", "error", err)
	}
	return domain.Recognition{
		Text:       strings.TrimSpace(text),
		Confidence: meanConfidence(boxes),
	}, nil
}

// Ready runs one recognition on a blank image the first time it is called;
// a missing language pack or library fails here instead of on every file.
func (e *Engine) Ready() bool {
	e.readyOnce.Do(func() {
		probe, err := blankPNG()
		if err != nil {
			slog.Error("ocr_engine_probe_failed", "error", err)
			return
		}
		if _, err := e.Recognize(context.Background(), probe); err != nil {
			slog.Error("ocr_engine_unavailable", "languages", strings.Join(e.languages, "+"), "error", err)
			return
		}
		e.ready = true
		slog.Info("ocr_engine_ready", "version", gosseract.Version(), "languages", strings.Join(e.languages, "+"))
	})
	return e.ready
}

// meanConfidence averages word confidences reported on a 0..100 scale.
func meanConfidence(boxes []gosseract.BoundingBox) float64 {
	var sum float64
	var n int
	for _, b := range boxes {
		if strings.TrimSpace(b.Word) == "" {
			continue
		}
		sum += b.Confidence / 100.0
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func parseLanguages(raw string) []string {
	var out []string
	for _, lang := range strings.FieldsFunc(raw, func(r rune) bool { return r == '+' || r == ',' || r == ' ' }) {
		out = append(out, strings.ToLower(lang))
	}
	if len(out) == 0 {
		return []string{"fra"}
	}
	return out
}

func blankPNG() ([]byte, error) {
	img := image.NewGray(image.Rect(0, 0, 32, 32))
	for i := range img.Pix {
		img.Pix[i] = 0xff
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
