package raster

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/png" // pdftoppm output decoding
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
)

// RenderError marks a page that could not be rasterized: index out of range
// or a corrupt/unreadable document. It is terminal for that page only.
type RenderError struct {
	Path  string
	Page  int // zero-based page index
	Cause error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("render page %d of %s: %v", e.Page, e.Path, e.Cause)
}

func (e *RenderError) Unwrap() error { return e.Cause }

// Bitmap is one rendered page. The caller owns it and must call Release once
// the page is assessed/recognized; Release is safe to call more than once.
type Bitmap struct {
	Path  string      // PNG on disk, consumed by CLI backends
	Image image.Image // decoded pixels, consumed by the quality assessor
	DPI   int         // DPI the page was rendered at

	tmpDir string
}

// Width returns the pixel width, 0 for a released or empty bitmap.
func (b *Bitmap) Width() int {
	if b == nil || b.Image == nil {
		return 0
	}
	return b.Image.Bounds().Dx()
}

// Height returns the pixel height, 0 for a released or empty bitmap.
func (b *Bitmap) Height() int {
	if b == nil || b.Image == nil {
		return 0
	}
	return b.Image.Bounds().Dy()
}

// Release frees the backing temp files and drops the pixel data.
func (b *Bitmap) Release() {
	if b == nil {
		return
	}
	if b.tmpDir != "" {
		if err := os.RemoveAll(b.tmpDir); err != nil {
			slog.Warn("failed to remove raster temp dir", "dir", b.tmpDir, "error", err)
		}
		b.tmpDir = ""
	}
	b.Image = nil
	b.Path = ""
}

// Rasterizer renders one PDF page to a bitmap at the requested DPI.
type Rasterizer interface {
	Render(ctx context.Context, pdfPath string, pageIndex, dpi int) (*Bitmap, error)
}

// Pdftoppm renders pages by shelling out to poppler's pdftoppm. The binary
// location is injected, resolved once at startup by the backend lifecycle.
type Pdftoppm struct {
	binary string
	runner Runner
	logger *slog.Logger
}

func NewPdftoppm(binary string, logger *slog.Logger) *Pdftoppm {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pdftoppm{binary: binary, runner: ExecRunner{}, logger: logger}
}

// Health verifies the configured binary answers. pdftoppm prints its
// version banner on stderr and exits 0 or 99 depending on the build, so
// only a spawn failure is treated as unhealthy.
func (p *Pdftoppm) Health(ctx context.Context) error {
	if _, _, err := p.runner.Run(ctx, p.binary, "-v"); err != nil {
		var xerr *exec.ExitError
		if errors.As(err, &xerr) {
			return nil
		}
		return fmt.Errorf("pdftoppm health: %w", err)
	}
	return nil
}

// Render rasterizes a single zero-based page to PNG and decodes it.
// The returned bitmap owns a temp directory; callers must Release it.
func (p *Pdftoppm) Render(ctx context.Context, pdfPath string, pageIndex, dpi int) (*Bitmap, error) {
	if pageIndex < 0 {
		return nil, &RenderError{Path: pdfPath, Page: pageIndex, Cause: fmt.Errorf("negative page index")}
	}

	tmpDir, err := os.MkdirTemp("", "expedocr-pp-*")
	if err != nil {
		return nil, &RenderError{Path: pdfPath, Page: pageIndex, Cause: err}
	}
	cleanup := func() { _ = os.RemoveAll(tmpDir) }

	prefix := filepath.Join(tmpDir, "page")
	pageNr := fmt.Sprintf("%d", pageIndex+1) // pdftoppm counts from 1

	// pdftoppm -r <dpi> -f N -l N -png <in.pdf> <tmp/page>
	_, errb, err := p.runner.Run(ctx, p.binary,
		"-r", fmt.Sprintf("%d", dpi),
		"-f", pageNr, "-l", pageNr,
		"-png", pdfPath, prefix)
	if err != nil {
		cleanup()
		return nil, &RenderError{Path: pdfPath, Page: pageIndex, Cause: fmt.Errorf("pdftoppm: %w (%s)", err, truncate(string(errb), 512))}
	}

	// pdftoppm names output page-<nr>.png, zero-padded depending on page count
	matches, _ := filepath.Glob(prefix + "-*.png")
	sort.Strings(matches)
	if len(matches) == 0 {
		cleanup()
		return nil, &RenderError{Path: pdfPath, Page: pageIndex, Cause: fmt.Errorf("pdftoppm produced no image (page out of range?)")}
	}

	f, err := os.Open(matches[0])
	if err != nil {
		cleanup()
		return nil, &RenderError{Path: pdfPath, Page: pageIndex, Cause: err}
	}
	img, _, err := image.Decode(f)
	if cerr := f.Close(); cerr != nil {
		p.logger.Warn("close rendered png", "path", matches[0], "error", cerr)
	}
	if err != nil {
		cleanup()
		return nil, &RenderError{Path: pdfPath, Page: pageIndex, Cause: fmt.Errorf("decode png: %w", err)}
	}

	p.logger.Debug("page rendered",
		"path", pdfPath,
		"page_index", pageIndex,
		"dpi", dpi,
		"width_px", img.Bounds().Dx(),
		"height_px", img.Bounds().Dy(),
	)
	return &Bitmap{Path: matches[0], Image: img, DPI: dpi, tmpDir: tmpDir}, nil
}
