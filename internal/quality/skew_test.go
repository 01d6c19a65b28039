package quality

import (
	"image"
	"math"
	"testing"
)

// drawTextLine paints a 2 px thick line starting at (0, y0) whose vertical
// position follows y = y0 - x*tan(deg). Image y grows downward, so positive
// deg produces a line rising left to right, matching the skew convention.
func drawTextLine(img *image.Gray, y0 int, deg float64) {
	t := math.Tan(deg * math.Pi / 180)
	w := img.Bounds().Dx()
	for x := 0; x < w; x++ {
		y := y0 - int(math.Round(float64(x)*t))
		for dy := 0; dy < 2; dy++ {
			if y+dy >= 0 && y+dy < img.Bounds().Dy() {
				img.Pix[(y+dy)*img.Stride+x] = 0
			}
		}
	}
}

func linedPage(w, h int, deg float64) *image.Gray {
	img := newGrayPage(w, h, 0xFF)
	for _, y0 := range []int{80, 140, 200, 260} {
		drawTextLine(img, y0, deg)
	}
	return img
}

// A blank page carries no evidence of text lines at all.
func TestEstimateSkew_BlankPage(t *testing.T) {
	if got := estimateSkew(newGrayPage(400, 300, 0xFF), 0.5); got != 0 {
		t.Errorf("estimateSkew(blank) = %v, want 0", got)
	}
}

// Scattered specks below the evidence floor must not produce a spurious
// angle; the estimator reports zero rather than guessing.
func TestEstimateSkew_SparseNoiseIsZero(t *testing.T) {
	img := newGrayPage(400, 300, 0xFF)
	for i := 0; i < 40; i++ {
		img.Pix[((i*97)%300)*img.Stride+(i*53)%400] = 0
	}
	if got := estimateSkew(img, 0.5); got != 0 {
		t.Errorf("estimateSkew(noise) = %v, want 0", got)
	}
}

func TestEstimateSkew_StraightLines(t *testing.T) {
	got := estimateSkew(linedPage(400, 300, 0), 0.5)
	if math.Abs(got) > 1e-9 {
		t.Errorf("estimateSkew(straight) = %v, want 0", got)
	}
}

// Lines rising left to right at a known angle: the search must recover it
// within the fine step, with the matching sign.
func TestEstimateSkew_RecoversRisingAngle(t *testing.T) {
	got := estimateSkew(linedPage(400, 300, 2.0), 0.5)
	if math.Abs(got-2.0) > 0.2 {
		t.Errorf("estimateSkew(+2.0) = %v, want within 0.2 of 2.0", got)
	}
}

func TestEstimateSkew_RecoversFallingAngle(t *testing.T) {
	got := estimateSkew(linedPage(400, 300, -2.0), 0.5)
	if math.Abs(got+2.0) > 0.2 {
		t.Errorf("estimateSkew(-2.0) = %v, want within 0.2 of -2.0", got)
	}
}

// The same page measured twice must report the same angle; gating decisions
// depend on it.
func TestEstimateSkew_Deterministic(t *testing.T) {
	img := linedPage(400, 300, 1.5)
	if a, b := estimateSkew(img, 0.5), estimateSkew(img, 0.5); a != b {
		t.Errorf("repeated estimates differ: %v vs %v", a, b)
	}
}
