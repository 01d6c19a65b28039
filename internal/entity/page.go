package entity

import (
	"time"

	"github.com/google/uuid"

	"github.com/expedocr/expedocr/constants"
)

// Page is the per-page view of a document. The rendered bitmap is deliberately
// absent: it is a scoped resource owned by the pipeline and released after use.
type Page struct {
	DocumentID    uuid.UUID          `json:"document_id"`
	Index         int                `json:"index"`
	Text          string             `json:"text,omitempty"`
	Metrics       *QualityMetrics    `json:"metrics,omitempty"`
	Strategy      constants.Strategy `json:"strategy"`
	Result        *ExtractionResult  `json:"result,omitempty"`
	NeedsReview   bool               `json:"needs_review"`
	FailureReason string             `json:"failure_reason,omitempty"`
}

// QualityMetrics are the objective signals the gate decides on.
// All fields are present or the assessment itself failed and the page
// was routed to manual fallback with Metrics left nil.
type QualityMetrics struct {
	EffectiveDPI float64 `json:"effective_dpi"`
	ResolutionOK bool    `json:"resolution_ok"`
	Contrast     float64 `json:"contrast"`
	SkewDegrees  float64 `json:"skew_degrees"`
	TextDensity  float64 `json:"text_density"` // chars per cm² of page area
}

// Succeeded reports whether the page ended with usable extracted text. The
// gate's Strategy field is never rewritten, so a page that was routed to OCR
// and then exhausted its retries still shows Strategy OCR; its Result records
// the manual fallback.
func (p *Page) Succeeded() bool {
	return p.Result != nil && p.Result.FailureReason == "" && p.Result.Strategy.Automated()
}

// UsedOCR reports whether the page's text came from recognition.
func (p *Page) UsedOCR() bool {
	return p.Succeeded() && p.Result.Strategy == constants.StrategyOCR
}

// ExtractionResult is the outcome of running the chosen strategy on one page.
type ExtractionResult struct {
	Text          string             `json:"text,omitempty"`
	Confidence    float32            `json:"confidence"`
	Strategy      constants.Strategy `json:"strategy"`
	Elapsed       time.Duration      `json:"elapsed_ms"`
	FailureReason string             `json:"failure_reason,omitempty"`
}
