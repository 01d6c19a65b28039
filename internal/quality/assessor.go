package quality

import (
	"fmt"
	"image"
	"log/slog"
	"unicode"
	"unicode/utf8"

	"github.com/expedocr/expedocr/internal/entity"
	"github.com/expedocr/expedocr/internal/raster"
)

// AssessmentError marks a page whose quality metrics could not be computed,
// typically a zero-size or missing bitmap. Terminal for that page only.
type AssessmentError struct {
	Cause error
}

func (e *AssessmentError) Error() string {
	return fmt.Sprintf("quality assessment: %v", e.Cause)
}

func (e *AssessmentError) Unwrap() error { return e.Cause }

const (
	// points are 1/72 inch; 1 inch is 2.54 cm
	cmPerPoint = 2.54 / 72.0

	// luminance percentiles bounding the contrast measurement
	contrastLoPercentile = 0.05
	contrastHiPercentile = 0.95
)

// Assessor computes objective quality signals for one rendered page.
// Assess is a pure function of its inputs: identical text + bitmap always
// yield identical metrics, so repeated runs gate identically.
type Assessor struct {
	minEffectiveDPI float64
	logger          *slog.Logger
}

func NewAssessor(minEffectiveDPI float64, logger *slog.Logger) *Assessor {
	if minEffectiveDPI <= 0 {
		minEffectiveDPI = 150
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Assessor{minEffectiveDPI: minEffectiveDPI, logger: logger}
}

// Assess derives QualityMetrics from a page's text layer, its rendered bitmap
// and the physical page size in points. All metrics are present on success;
// on failure the page carries no metrics and routes to manual fallback.
func (a *Assessor) Assess(text string, bmp *raster.Bitmap, pageWPts, pageHPts float64) (entity.QualityMetrics, error) {
	if bmp == nil || bmp.Image == nil || bmp.Width() == 0 || bmp.Height() == 0 {
		return entity.QualityMetrics{}, &AssessmentError{Cause: fmt.Errorf("zero-size bitmap")}
	}
	if pageWPts <= 0 || pageHPts <= 0 {
		return entity.QualityMetrics{}, &AssessmentError{Cause: fmt.Errorf("non-positive page size %gx%g pt", pageWPts, pageHPts)}
	}

	// Resolution adequacy: pixels over physical inches, the smaller axis wins.
	dpiX := float64(bmp.Width()) / (pageWPts / 72.0)
	dpiY := float64(bmp.Height()) / (pageHPts / 72.0)
	effDPI := dpiX
	if dpiY < effDPI {
		effDPI = dpiY
	}

	hist := luminanceHistogram(bmp.Image)
	lo := hist.percentile(contrastLoPercentile)
	hi := hist.percentile(contrastHiPercentile)
	contrast := hi - lo
	if contrast < 0 {
		contrast = 0
	}

	skew := estimateSkew(bmp.Image, (lo+hi)/2)

	areaCm2 := (pageWPts * cmPerPoint) * (pageHPts * cmPerPoint)
	density := float64(countTextRunes(text)) / areaCm2

	m := entity.QualityMetrics{
		EffectiveDPI: effDPI,
		ResolutionOK: effDPI >= a.minEffectiveDPI,
		Contrast:     contrast,
		SkewDegrees:  skew,
		TextDensity:  density,
	}
	a.logger.Debug("page assessed",
		"effective_dpi", m.EffectiveDPI,
		"resolution_ok", m.ResolutionOK,
		"contrast", m.Contrast,
		"skew_degrees", m.SkewDegrees,
		"text_density", m.TextDensity,
	)
	return m, nil
}

// countTextRunes counts non-whitespace runes: layout-preserving extractors pad
// pages with spaces, which must not count as a usable text layer.
func countTextRunes(s string) int {
	if s == "" {
		return 0
	}
	n := 0
	for _, r := range s {
		if !unicode.IsSpace(r) && r != utf8.RuneError {
			n++
		}
	}
	return n
}

// histogram holds 256 luminance bins over the sampled pixels.
type histogram struct {
	bins  [256]int
	total int
}

// sampleStep spaces the pixel grid so huge renders stay cheap; sampling is a
// fixed function of the dimensions, keeping the assessment deterministic.
func sampleStep(w, h int) int {
	max := w
	if h > max {
		max = h
	}
	step := max / 800
	if step < 1 {
		step = 1
	}
	return step
}

func luminanceHistogram(img image.Image) histogram {
	var hist histogram
	b := img.Bounds()
	step := sampleStep(b.Dx(), b.Dy())
	for y := b.Min.Y; y < b.Max.Y; y += step {
		for x := b.Min.X; x < b.Max.X; x += step {
			hist.bins[luma8(img, x, y)]++
			hist.total++
		}
	}
	return hist
}

// luma8 returns ITU-R BT.601 luminance scaled to 0..255.
func luma8(img image.Image, x, y int) int {
	r, g, b, _ := img.At(x, y).RGBA()
	l := (299*r + 587*g + 114*b) / 1000 // 0..65535
	return int(l >> 8)
}

// percentile returns the luminance below which the given fraction of sampled
// pixels falls, normalized to 0..1.
func (h histogram) percentile(p float64) float64 {
	if h.total == 0 {
		return 0
	}
	target := int(p * float64(h.total))
	acc := 0
	for i := 0; i < 256; i++ {
		acc += h.bins[i]
		if acc > target {
			return float64(i) / 255.0
		}
	}
	return 1.0
}
