package constants

import "strings"

// Strategy is the per-page extraction route chosen by the gate.
type Strategy string

// Stable values (store these exact strings in DB).
const (
	StrategyDirectText     Strategy = "DIRECT_TEXT"     // copy the embedded text layer
	StrategyOCR            Strategy = "OCR"             // rasterize + recognition backend
	StrategyManualFallback Strategy = "MANUAL_FALLBACK" // too degraded, route to a human
)

// Automated reports whether the strategy produces text without human help.
func (s Strategy) Automated() bool {
	return s == StrategyDirectText || s == StrategyOCR
}

// ParseStrategy maps a stored string back to a Strategy.
func ParseStrategy(input string) (Strategy, bool) {
	switch Strategy(strings.ToUpper(strings.TrimSpace(input))) {
	case StrategyDirectText:
		return StrategyDirectText, true
	case StrategyOCR:
		return StrategyOCR, true
	case StrategyManualFallback:
		return StrategyManualFallback, true
	}
	return "", false
}
