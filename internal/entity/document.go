package entity

import (
	"time"

	"github.com/google/uuid"

	"github.com/expedocr/expedocr/constants"
)

// Document represents one ingested expediente PDF for data transfer between layers.
// It is mutated only by the extraction pipeline and frozen once Outcome is terminal.
type Document struct {
	ID            uuid.UUID               `json:"id"`
	SourcePath    string                  `json:"source_path"`
	ContentHash   []byte                  `json:"content_hash,omitempty"`
	Language      string                  `json:"language"`
	State         constants.DocumentState `json:"state"`
	Outcome       constants.Outcome       `json:"outcome"`
	NeedsReview   bool                    `json:"needs_review"`
	FailureReason string                  `json:"failure_reason,omitempty"`
	PageCount     int                     `json:"page_count"`
	Pages         []Page                  `json:"pages,omitempty"`
	IngestedAt    time.Time               `json:"ingested_at"`
	FinishedAt    *time.Time              `json:"finished_at,omitempty"`
	Duration      time.Duration           `json:"duration_ms"`
}

// Terminal reports whether the document reached a final state.
func (d *Document) Terminal() bool {
	return d.State.Terminal()
}
