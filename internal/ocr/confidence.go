package ocr

import "unicode"

// proxyConfidence scores recognized text when the backend produced no score
// of its own: the share of alphanumeric runes among all non-space runes.
// Garbled output is heavy on punctuation and symbol noise, so the ratio
// drops as recognition degrades. Empty text scores zero.
func proxyConfidence(txt string) float32 {
	var alnum, total int
	for _, r := range txt {
		if unicode.IsSpace(r) {
			continue
		}
		total++
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			alnum++
		}
	}
	if total == 0 {
		return 0
	}
	return float32(alnum) / float32(total)
}
