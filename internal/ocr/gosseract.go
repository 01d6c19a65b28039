//go:build tesseract_cgo

package ocr

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/otiai10/gosseract/v2"
)

// LibBackend recognizes pages through the gosseract bindings, skipping the
// subprocess round trip. A gosseract client is not safe for concurrent use,
// so each call gets its own; the engine's budget caps how many exist at once.
type LibBackend struct {
	tessdataDir string
	logger      *slog.Logger
}

func NewLibBackend(tessdataDir string, logger *slog.Logger) (*LibBackend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	return &LibBackend{tessdataDir: tessdataDir, logger: logger}, nil
}

func (b *LibBackend) Name() string { return "tesseract-lib" }

func (b *LibBackend) Recognize(ctx context.Context, req Request) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	c := gosseract.NewClient()
	defer c.Close()
	if b.tessdataDir != "" {
		if err := c.SetTessdataPrefix(b.tessdataDir); err != nil {
			return Result{}, &ExecutionError{Backend: b.Name(), Cause: fmt.Errorf("set tessdata prefix: %w", err)}
		}
	}
	if err := c.SetLanguage(req.Language); err != nil {
		return Result{}, &ExecutionError{Backend: b.Name(), Cause: fmt.Errorf("set language: %w", err)}
	}
	if err := c.SetImage(req.ImagePath); err != nil {
		return Result{}, &ExecutionError{Backend: b.Name(), Cause: fmt.Errorf("set image: %w", err)}
	}
	if req.DPI > 0 {
		if err := c.SetVariable(gosseract.SettableVariable("user_defined_dpi"), fmt.Sprint(req.DPI)); err != nil {
			return Result{}, &ExecutionError{Backend: b.Name(), Cause: fmt.Errorf("set dpi: %w", err)}
		}
	}
	text, err := c.Text()
	if err != nil {
		return Result{}, &ExecutionError{Backend: b.Name(), Cause: fmt.Errorf("recognize: %w", err)}
	}

	res := Result{Text: strings.TrimSpace(text)}
	if conf, ok := meanWordConfidence(c); ok {
		res.Confidence = conf
		res.Scored = true
	}
	return res, nil
}

// meanWordConfidence averages per-word confidence into 0..1. ok is false when
// tesseract reported no scored words.
func meanWordConfidence(c *gosseract.Client) (float32, bool) {
	boxes, err := c.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil || len(boxes) == 0 {
		return 0, false
	}
	var sum float64
	for _, bb := range boxes {
		sum += bb.Confidence
	}
	return float32(sum / float64(len(boxes)) / 100.0), true
}

func (b *LibBackend) Health(ctx context.Context) error {
	c := gosseract.NewClient()
	defer c.Close()
	if v := gosseract.Version(); v == "" {
		return fmt.Errorf("tesseract library not available")
	}
	return nil
}

func (b *LibBackend) Close() error { return nil }
