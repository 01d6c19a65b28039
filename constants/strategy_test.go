package constants

import "testing"

func TestParseStrategy(t *testing.T) {
	cases := []struct {
		in   string
		want Strategy
		ok   bool
	}{
		{"DIRECT_TEXT", StrategyDirectText, true},
		{"ocr", StrategyOCR, true},
		{"  Manual_Fallback  ", StrategyManualFallback, true},
		{"", "", false},
		{"GUESS", "", false},
	}
	for _, tc := range cases {
		got, ok := ParseStrategy(tc.in)
		if got != tc.want || ok != tc.ok {
			t.Errorf("ParseStrategy(%q) = %q/%t, want %q/%t", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}

func TestStrategyAutomated(t *testing.T) {
	if !StrategyDirectText.Automated() || !StrategyOCR.Automated() {
		t.Error("direct and OCR should count as automated")
	}
	if StrategyManualFallback.Automated() {
		t.Error("manual fallback counted as automated")
	}
	if Strategy("").Automated() {
		t.Error("empty strategy counted as automated")
	}
}

func TestDocumentStateTerminal(t *testing.T) {
	for _, s := range []DocumentState{StateIngested, StateAssessing, StateExtracting, StateAggregating} {
		if s.Terminal() {
			t.Errorf("%s reported terminal", s)
		}
	}
	for _, s := range []DocumentState{StateDone, StateCancelled} {
		if !s.Terminal() {
			t.Errorf("%s not reported terminal", s)
		}
	}
}

func TestOutcomeTerminal(t *testing.T) {
	if Outcome("").Terminal() || OutcomePending.Terminal() {
		t.Error("pending outcomes reported terminal")
	}
	for _, o := range []Outcome{OutcomeDirect, OutcomeOCRRecovered, OutcomePartial, OutcomeManualRequired, OutcomeCancelled} {
		if !o.Terminal() {
			t.Errorf("%s not reported terminal", o)
		}
	}
}
