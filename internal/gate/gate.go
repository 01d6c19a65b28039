// Package gate maps page quality metrics to an extraction strategy.
package gate

import (
	"math"

	"github.com/expedocr/expedocr/constants"
	"github.com/expedocr/expedocr/internal/entity"
)

// Thresholds are the gate's routing limits. Zero values are replaced with the
// pipeline defaults so a literal Thresholds{} still routes sanely.
type Thresholds struct {
	MinTextDensity float64
	MinContrast    float64
	MaxSkewDegrees float64
}

func (t Thresholds) withDefaults() Thresholds {
	if t.MinTextDensity <= 0 {
		t.MinTextDensity = 0.02
	}
	if t.MinContrast <= 0 {
		t.MinContrast = 0.25
	}
	if t.MaxSkewDegrees <= 0 {
		t.MaxSkewDegrees = 2.0
	}
	return t
}

// Decision is the gate's verdict for one page.
type Decision struct {
	Strategy  constants.Strategy
	PreRotate bool
	// Reason names the metric that settled the route, for audit records.
	Reason string
}

const (
	ReasonTextLayer   = "text_layer_sufficient"
	ReasonScanUsable  = "scan_usable"
	ReasonLowRes      = "resolution_below_minimum"
	ReasonLowContrast = "contrast_below_minimum"
)

// Decide routes a page by its metrics. The checks run in a fixed order: a
// usable text layer always wins, then OCR viability, then manual fallback.
// A page failing the density check but passing resolution and contrast goes
// to OCR even when its skew exceeds the limit; skew only sets PreRotate.
func Decide(m entity.QualityMetrics, t Thresholds) Decision {
	t = t.withDefaults()
	if m.TextDensity >= t.MinTextDensity {
		return Decision{Strategy: constants.StrategyDirectText, Reason: ReasonTextLayer}
	}
	if m.ResolutionOK && m.Contrast >= t.MinContrast {
		return Decision{
			Strategy:  constants.StrategyOCR,
			PreRotate: math.Abs(m.SkewDegrees) > t.MaxSkewDegrees,
			Reason:    ReasonScanUsable,
		}
	}
	reason := ReasonLowContrast
	if !m.ResolutionOK {
		reason = ReasonLowRes
	}
	return Decision{Strategy: constants.StrategyManualFallback, Reason: reason}
}
