package gate

import (
	"testing"

	"github.com/expedocr/expedocr/constants"
	"github.com/expedocr/expedocr/internal/entity"
)

// usableScan is a baseline page that passes resolution and contrast but has
// no text layer: the canonical OCR candidate.
func usableScan() entity.QualityMetrics {
	return entity.QualityMetrics{
		EffectiveDPI: 300,
		ResolutionOK: true,
		Contrast:     0.8,
		SkewDegrees:  0.4,
		TextDensity:  0,
	}
}

// A usable text layer wins over everything else: even a low-resolution,
// low-contrast page goes direct when the density check passes.
func TestDecide_TextLayerWins(t *testing.T) {
	m := entity.QualityMetrics{
		EffectiveDPI: 72,
		ResolutionOK: false,
		Contrast:     0.05,
		SkewDegrees:  12,
		TextDensity:  0.5,
	}
	d := Decide(m, Thresholds{})
	if d.Strategy != constants.StrategyDirectText {
		t.Fatalf("Strategy = %v, want %v", d.Strategy, constants.StrategyDirectText)
	}
	if d.Reason != ReasonTextLayer {
		t.Errorf("Reason = %q, want %q", d.Reason, ReasonTextLayer)
	}
	if d.PreRotate {
		t.Error("PreRotate = true for a direct-text page")
	}
}

// Density exactly at the threshold counts as sufficient.
func TestDecide_DensityAtThreshold(t *testing.T) {
	m := usableScan()
	m.TextDensity = 0.02
	d := Decide(m, Thresholds{})
	if d.Strategy != constants.StrategyDirectText {
		t.Errorf("Strategy = %v, want %v", d.Strategy, constants.StrategyDirectText)
	}
}

func TestDecide_ScanGoesToOCR(t *testing.T) {
	d := Decide(usableScan(), Thresholds{})
	if d.Strategy != constants.StrategyOCR {
		t.Fatalf("Strategy = %v, want %v", d.Strategy, constants.StrategyOCR)
	}
	if d.Reason != ReasonScanUsable {
		t.Errorf("Reason = %q, want %q", d.Reason, ReasonScanUsable)
	}
	if d.PreRotate {
		t.Errorf("PreRotate = true with skew %.1f under the 2.0 limit", usableScan().SkewDegrees)
	}
}

// Skew past the limit never blocks OCR; it only requests straightening.
// The sign of the angle is irrelevant.
func TestDecide_SkewSetsPreRotate(t *testing.T) {
	for _, skew := range []float64{3.1, -3.1} {
		m := usableScan()
		m.SkewDegrees = skew
		d := Decide(m, Thresholds{})
		if d.Strategy != constants.StrategyOCR {
			t.Errorf("skew %.1f: Strategy = %v, want %v", skew, d.Strategy, constants.StrategyOCR)
		}
		if !d.PreRotate {
			t.Errorf("skew %.1f: PreRotate = false, want true", skew)
		}
	}
}

// Skew exactly at the limit does not trigger straightening; the comparison
// is strictly greater.
func TestDecide_SkewAtLimit(t *testing.T) {
	m := usableScan()
	m.SkewDegrees = 2.0
	if d := Decide(m, Thresholds{}); d.PreRotate {
		t.Error("PreRotate = true at exactly the skew limit")
	}
}

func TestDecide_LowResolutionGoesManual(t *testing.T) {
	m := usableScan()
	m.EffectiveDPI = 96
	m.ResolutionOK = false
	d := Decide(m, Thresholds{})
	if d.Strategy != constants.StrategyManualFallback {
		t.Fatalf("Strategy = %v, want %v", d.Strategy, constants.StrategyManualFallback)
	}
	if d.Reason != ReasonLowRes {
		t.Errorf("Reason = %q, want %q", d.Reason, ReasonLowRes)
	}
}

func TestDecide_LowContrastGoesManual(t *testing.T) {
	m := usableScan()
	m.Contrast = 0.1
	d := Decide(m, Thresholds{})
	if d.Strategy != constants.StrategyManualFallback {
		t.Fatalf("Strategy = %v, want %v", d.Strategy, constants.StrategyManualFallback)
	}
	if d.Reason != ReasonLowContrast {
		t.Errorf("Reason = %q, want %q", d.Reason, ReasonLowContrast)
	}
}

// When both resolution and contrast fail, resolution names the route: it is
// the defect no amount of reprocessing can fix.
func TestDecide_ResolutionReasonWinsOverContrast(t *testing.T) {
	m := entity.QualityMetrics{
		EffectiveDPI: 96,
		ResolutionOK: false,
		Contrast:     0.1,
	}
	if d := Decide(m, Thresholds{}); d.Reason != ReasonLowRes {
		t.Errorf("Reason = %q, want %q", d.Reason, ReasonLowRes)
	}
}

// A zero Thresholds literal routes with the pipeline defaults rather than
// sending every page to OCR.
func TestDecide_ZeroThresholdsUseDefaults(t *testing.T) {
	m := usableScan()
	m.TextDensity = 0.019 // just under the default 0.02
	if d := Decide(m, Thresholds{}); d.Strategy != constants.StrategyOCR {
		t.Errorf("Strategy = %v, want %v (density under default minimum)", d.Strategy, constants.StrategyOCR)
	}
	m.TextDensity = 0.021
	if d := Decide(m, Thresholds{}); d.Strategy != constants.StrategyDirectText {
		t.Errorf("Strategy = %v, want %v (density over default minimum)", d.Strategy, constants.StrategyDirectText)
	}
}

// Custom thresholds replace the defaults wholesale.
func TestDecide_CustomThresholds(t *testing.T) {
	th := Thresholds{MinTextDensity: 0.10, MinContrast: 0.90, MaxSkewDegrees: 0.5}
	m := usableScan()
	m.TextDensity = 0.05 // passes default, fails custom
	m.Contrast = 0.8     // passes default, fails custom
	d := Decide(m, th)
	if d.Strategy != constants.StrategyManualFallback {
		t.Fatalf("Strategy = %v, want %v", d.Strategy, constants.StrategyManualFallback)
	}
	if d.Reason != ReasonLowContrast {
		t.Errorf("Reason = %q, want %q", d.Reason, ReasonLowContrast)
	}
}
