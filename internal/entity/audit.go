package entity

import (
	"time"

	"github.com/google/uuid"
)

// AuditEvent is one line of a document's processing history: state changes,
// gate decisions, retries. Events are append-only.
type AuditEvent struct {
	ID         int64     `json:"id"`
	DocumentID uuid.UUID `json:"document_id"`
	At         time.Time `json:"at"`
	Event      string    `json:"event"`
	Detail     string    `json:"detail,omitempty"`
}
