package ocr

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/expedocr/expedocr/internal/raster"
)

// TesseractConfig configures the subprocess backend. Binary is an explicit
// location from configuration; there is no PATH discovery here.
type TesseractConfig struct {
	Binary      string
	TessdataDir string
	PSM         int // page segmentation mode; 0 leaves tesseract's default
	OEM         int // 1 = LSTM; 0 leaves tesseract's default
}

// TesseractCLI recognizes pages by shelling out to the tesseract binary.
// Each Recognize makes two runs: one for the page text, one in TSV mode for
// word confidences. Both run under the caller's context, so the engine's
// time limit covers the pair.
type TesseractCLI struct {
	cfg    TesseractConfig
	runner raster.Runner
	logger *slog.Logger
}

func NewTesseractCLI(cfg TesseractConfig, runner raster.Runner, logger *slog.Logger) *TesseractCLI {
	if cfg.Binary == "" {
		cfg.Binary = "tesseract"
	}
	if runner == nil {
		runner = raster.ExecRunner{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TesseractCLI{cfg: cfg, runner: runner, logger: logger}
}

func (t *TesseractCLI) Name() string { return "tesseract-cli" }

func (t *TesseractCLI) Recognize(ctx context.Context, req Request) (Result, error) {
	out, errb, err := t.runner.Run(ctx, t.cfg.Binary, t.args(req, "")...)
	if err != nil {
		return Result{}, &ExecutionError{Backend: t.Name(), Cause: fmt.Errorf("%w: %s", err, firstLine(errb))}
	}
	res := Result{Text: string(out)}

	conf, ok, err := t.tsvConfidence(ctx, req)
	if err != nil {
		// text already recognized; a failed scoring pass degrades to the
		// proxy confidence instead of failing the page
		t.logger.Warn("ocr.tesseract.tsv_failed", "path", req.ImagePath, "error", err)
		return res, nil
	}
	res.Confidence = conf
	res.Scored = ok
	return res, nil
}

// tsvConfidence reruns the page in TSV mode and averages per-word confidence
// into 0..1. ok is false when no scored words came back, e.g. a blank page.
func (t *TesseractCLI) tsvConfidence(ctx context.Context, req Request) (float32, bool, error) {
	out, errb, err := t.runner.Run(ctx, t.cfg.Binary, t.args(req, "tsv")...)
	if err != nil {
		return 0, false, fmt.Errorf("tesseract tsv: %w: %s", err, firstLine(errb))
	}
	lines := strings.Split(string(out), "\n")
	var sum, n float64
	for i, ln := range lines {
		if i == 0 || len(ln) == 0 {
			continue // header
		}
		cols := strings.Split(ln, "\t")
		// level .. conf text: conf lives in column 10, not the last column,
		// because the word text itself occupies column 11
		if len(cols) < 12 {
			continue
		}
		confStr := cols[10]
		if confStr == "" || confStr == "-1" {
			continue
		}
		if v, err := strconv.ParseFloat(confStr, 64); err == nil {
			sum += v
			n++
		}
	}
	if n == 0 {
		return 0, false, nil
	}
	return float32(sum / n / 100.0), true, nil
}

// args builds the shared argument list: tesseract <image> stdout -l <lang>
// [--dpi N] [--psm N] [--oem N] [--tessdata-dir D] [tsv]
func (t *TesseractCLI) args(req Request, outFormat string) []string {
	args := []string{req.ImagePath, "stdout", "-l", req.Language}
	if req.DPI > 0 {
		args = append(args, "--dpi", strconv.Itoa(req.DPI))
	}
	if t.cfg.PSM > 0 {
		args = append(args, "--psm", strconv.Itoa(t.cfg.PSM))
	}
	if t.cfg.OEM > 0 {
		args = append(args, "--oem", strconv.Itoa(t.cfg.OEM))
	}
	if t.cfg.TessdataDir != "" {
		args = append(args, "--tessdata-dir", t.cfg.TessdataDir)
	}
	if outFormat != "" {
		args = append(args, outFormat)
	}
	return args
}

// Health runs `tesseract --version`, proving the configured binary exists
// and is executable.
func (t *TesseractCLI) Health(ctx context.Context) error {
	if _, errb, err := t.runner.Run(ctx, t.cfg.Binary, "--version"); err != nil {
		return fmt.Errorf("tesseract binary %q unusable: %w: %s", t.cfg.Binary, err, firstLine(errb))
	}
	return nil
}

func (t *TesseractCLI) Close() error { return nil }

func firstLine(b []byte) string {
	s := strings.TrimSpace(string(b))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return s
}
