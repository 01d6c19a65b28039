package constants

// DocumentState is the canonical processing state for rows in documents.
type DocumentState string

// Stable values (store these exact strings in DB).
const (
	StateIngested    DocumentState = "INGESTED"    // row created, waiting for a worker
	StateAssessing   DocumentState = "ASSESSING"   // rendering + quality metrics per page
	StateExtracting  DocumentState = "EXTRACTING"  // direct copy / OCR per page
	StateAggregating DocumentState = "AGGREGATING" // all pages terminal, computing outcome
	StateDone        DocumentState = "DONE"        // terminal
	StateCancelled   DocumentState = "CANCELLED"   // terminal, caller cancelled mid-run
)

// Terminal reports whether the state admits no further transitions.
func (s DocumentState) Terminal() bool {
	return s == StateDone || s == StateCancelled
}

// Outcome is the document-level extraction verdict.
type Outcome string

const (
	OutcomePending        Outcome = "PENDING"         // not yet processed
	OutcomeDirect         Outcome = "DIRECT"          // every page used the text layer
	OutcomeOCRRecovered   Outcome = "OCR_RECOVERED"   // every page succeeded, at least one via OCR
	OutcomePartial        Outcome = "PARTIAL"         // some pages succeeded, some fell back
	OutcomeManualRequired Outcome = "MANUAL_REQUIRED" // no page produced usable text
	OutcomeCancelled      Outcome = "CANCELLED"       // processing cancelled before aggregation
)

// Terminal reports whether the outcome is final for the document.
func (o Outcome) Terminal() bool {
	return o != "" && o != OutcomePending
}
