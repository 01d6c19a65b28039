// Package repository persists documents, their pages and the audit trail.
// Two implementations share one interface: SQLite for single-host deployments
// and the CLI tools, Postgres for shared installations. The DSN scheme picks
// the implementation.
package repository

import (
	"context"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/expedocr/expedocr/constants"
	"github.com/expedocr/expedocr/internal/common"
	"github.com/expedocr/expedocr/internal/entity"
)

// Recorder is the slice of the store the extraction pipeline writes through.
type Recorder interface {
	// SetState advances a document's state. Terminal rows reject the update
	// with common.ErrTerminal: finished documents are frozen.
	SetState(ctx context.Context, id uuid.UUID, state constants.DocumentState) error
	// SavePages replaces the document's page rows.
	SavePages(ctx context.Context, id uuid.UUID, pages []entity.Page) error
	// Finish writes the terminal snapshot: state, outcome, pages, timing.
	// Terminal rows reject the update with common.ErrTerminal.
	Finish(ctx context.Context, doc *entity.Document) error
	// AppendAudit records one processing event. Append-only.
	AppendAudit(ctx context.Context, ev *entity.AuditEvent) error
}

// Store is the full persistence surface.
type Store interface {
	Recorder

	CreateDocument(ctx context.Context, doc *entity.Document) error
	// UpsertByHash returns the existing document with the same content hash,
	// or creates doc. The bool reports whether a duplicate was found.
	UpsertByHash(ctx context.Context, doc *entity.Document) (*entity.Document, bool, error)
	// GetDocument loads a document with its pages.
	GetDocument(ctx context.Context, id uuid.UUID) (*entity.Document, error)
	// ListDocuments returns documents newest first, without pages. An empty
	// state matches all states.
	ListDocuments(ctx context.Context, state constants.DocumentState, limit, offset int) ([]*entity.Document, error)
	ListAudit(ctx context.Context, docID uuid.UUID) ([]*entity.AuditEvent, error)

	Ping(ctx context.Context) error
	Close() error
}

// Open picks the store implementation from the DSN: postgres:// connects a
// pgx pool, anything else opens a SQLite database at that path.
func Open(ctx context.Context, cfg common.StoreConfig, logger *slog.Logger) (Store, error) {
	if strings.HasPrefix(cfg.DSN, "postgres://") || strings.HasPrefix(cfg.DSN, "postgresql://") {
		return OpenPostgres(ctx, cfg, logger)
	}
	return OpenSQLite(cfg.DSN, logger)
}
