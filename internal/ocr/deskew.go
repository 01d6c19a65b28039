package ocr

import (
	"fmt"
	"image"
	"image/png"
	"math"
	"os"
	"path/filepath"

	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"
)

// rotate redraws src turned by deg degrees about its center, positive being
// counterclockwise on screen. The destination keeps the source dimensions
// and fills uncovered corners with white, matching scanner background.
func rotate(src image.Image, deg float64) *image.RGBA {
	sb := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, sb.Dx(), sb.Dy()))
	draw.Draw(dst, dst.Bounds(), image.White, image.Point{}, draw.Src)

	rad := deg * math.Pi / 180
	sin, cos := math.Sin(rad), math.Cos(rad)
	// image coordinates grow downward, so the counterclockwise matrix is the
	// transpose of the usual one
	scx := float64(sb.Min.X+sb.Max.X) / 2
	scy := float64(sb.Min.Y+sb.Max.Y) / 2
	dcx := float64(sb.Dx()) / 2
	dcy := float64(sb.Dy()) / 2
	m := f64.Aff3{
		cos, sin, dcx - cos*scx - sin*scy,
		-sin, cos, dcy + sin*scx - cos*scy,
	}
	draw.BiLinear.Transform(dst, m, src, sb, draw.Over, nil)
	return dst
}

// deskewToFile writes a straightened copy of the bitmap to a temp PNG and
// returns its path with a cleanup func. skewDeg is the measured text angle;
// the image is rotated by its negation.
func deskewToFile(img image.Image, skewDeg float64) (string, func(), error) {
	dir, err := os.MkdirTemp("", "expedocr-deskew-*")
	if err != nil {
		return "", nil, fmt.Errorf("deskew temp dir: %w", err)
	}
	cleanup := func() { _ = os.RemoveAll(dir) }

	out := filepath.Join(dir, "page.png")
	f, err := os.Create(out)
	if err != nil {
		cleanup()
		return "", nil, fmt.Errorf("deskew temp file: %w", err)
	}
	if err := png.Encode(f, rotate(img, -skewDeg)); err != nil {
		f.Close()
		cleanup()
		return "", nil, fmt.Errorf("deskew encode: %w", err)
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("deskew write: %w", err)
	}
	return out, cleanup, nil
}
