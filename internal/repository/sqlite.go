package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/expedocr/expedocr/constants"
	"github.com/expedocr/expedocr/internal/common"
	"github.com/expedocr/expedocr/internal/entity"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS documents (
    id             TEXT PRIMARY KEY,
    source_path    TEXT NOT NULL,
    content_hash   BLOB NOT NULL,
    language       TEXT NOT NULL,
    state          TEXT NOT NULL,
    outcome        TEXT NOT NULL,
    needs_review   INTEGER NOT NULL DEFAULT 0,
    failure_reason TEXT NOT NULL DEFAULT '',
    page_count     INTEGER NOT NULL DEFAULT 0,
    ingested_at    TEXT NOT NULL,
    finished_at    TEXT,
    duration_ms    INTEGER NOT NULL DEFAULT 0
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_documents_hash  ON documents(content_hash);
CREATE INDEX IF NOT EXISTS idx_documents_state ON documents(state);

CREATE TABLE IF NOT EXISTS pages (
    document_id     TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
    page_index      INTEGER NOT NULL,
    strategy        TEXT NOT NULL DEFAULT '',
    needs_review    INTEGER NOT NULL DEFAULT 0,
    failure_reason  TEXT NOT NULL DEFAULT '',
    effective_dpi   REAL,
    resolution_ok   INTEGER,
    contrast        REAL,
    skew_degrees    REAL,
    text_density    REAL,
    result_strategy TEXT NOT NULL DEFAULT '',
    result_text     TEXT NOT NULL DEFAULT '',
    confidence      REAL NOT NULL DEFAULT 0,
    elapsed_ms      INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (document_id, page_index)
);

CREATE TABLE IF NOT EXISTS audit_events (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    document_id TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
    at          TEXT NOT NULL,
    event       TEXT NOT NULL,
    detail      TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_audit_document ON audit_events(document_id);
`

// SQLiteStore implements Store on a single SQLite file via modernc.org/sqlite,
// so the binary stays cgo-free.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenSQLite opens (or creates) the database at dsn and applies the schema.
// WAL and a generous busy timeout keep the daemon's writers from tripping
// over the HTTP readers.
func OpenSQLite(dsn string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite open %s: %w", dsn, err)
	}
	// Every connection to a memory DSN is its own empty database, so the
	// pool must be pinned to one connection before anything executes.
	if isMemoryDSN(dsn) {
		db.SetMaxOpenConns(1)
	}
	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 10000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite %s: %w", p, err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite ping: %w", err)
	}
	logger.Info("sqlite store opened", "dsn", dsn)
	return &SQLiteStore{db: db, logger: logger}, nil
}

// OpenMemory opens an in-memory store for tests.
func OpenMemory(tb testing.TB) *SQLiteStore {
	tb.Helper()
	s, err := OpenSQLite(":memory:", slog.Default())
	if err != nil {
		tb.Fatalf("open memory store: %v", err)
	}
	tb.Cleanup(func() { s.Close() })
	return s
}

func isMemoryDSN(dsn string) bool {
	return strings.Contains(dsn, ":memory:") || strings.Contains(dsn, "mode=memory")
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLiteStore) CreateDocument(ctx context.Context, doc *entity.Document) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (id, source_path, content_hash, language, state, outcome,
		                        needs_review, failure_reason, page_count, ingested_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		doc.ID.String(), doc.SourcePath, doc.ContentHash, doc.Language,
		string(doc.State), string(doc.Outcome), boolInt(doc.NeedsReview),
		doc.FailureReason, doc.PageCount, fmtTime(doc.IngestedAt), doc.Duration.Milliseconds(),
	)
	if err != nil {
		s.logger.Error("document insert failed", "id", doc.ID, "path", doc.SourcePath, "error", err)
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpsertByHash(ctx context.Context, doc *entity.Document) (*entity.Document, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+docColumns+` FROM documents WHERE content_hash = ?`, doc.ContentHash)
	existing, err := scanDocument(row)
	if err == nil {
		return existing, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("lookup by hash: %w", err)
	}
	if err := s.CreateDocument(ctx, doc); err != nil {
		return nil, false, err
	}
	return doc, false, nil
}

func (s *SQLiteStore) GetDocument(ctx context.Context, id uuid.UUID) (*entity.Document, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+docColumns+` FROM documents WHERE id = ?`, id.String())
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("document %s: %w", id, common.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get document: %w", err)
	}
	pages, err := s.loadPages(ctx, id)
	if err != nil {
		return nil, err
	}
	doc.Pages = pages
	return doc, nil
}

func (s *SQLiteStore) ListDocuments(ctx context.Context, state constants.DocumentState, limit, offset int) ([]*entity.Document, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT ` + docColumns + ` FROM documents`
	args := []any{}
	if state != "" {
		q += ` WHERE state = ?`
		args = append(args, string(state))
	}
	q += ` ORDER BY ingested_at DESC, id LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var docs []*entity.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

func (s *SQLiteStore) SetState(ctx context.Context, id uuid.UUID, state constants.DocumentState) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE documents SET state = ? WHERE id = ? AND state NOT IN (?, ?)`,
		string(state), id.String(), string(constants.StateDone), string(constants.StateCancelled),
	)
	if err != nil {
		return fmt.Errorf("set state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.frozenOrMissing(ctx, id)
	}
	return nil
}

func (s *SQLiteStore) SavePages(ctx context.Context, id uuid.UUID, pages []entity.Page) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save pages: %w", err)
	}
	defer tx.Rollback()
	if err := replacePages(ctx, tx, id, pages); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) Finish(ctx context.Context, doc *entity.Document) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("finish document: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE documents
		 SET state = ?, outcome = ?, needs_review = ?, failure_reason = ?,
		     page_count = ?, finished_at = ?, duration_ms = ?
		 WHERE id = ? AND state NOT IN (?, ?)`,
		string(doc.State), string(doc.Outcome), boolInt(doc.NeedsReview), doc.FailureReason,
		doc.PageCount, fmtTimePtr(doc.FinishedAt), doc.Duration.Milliseconds(),
		doc.ID.String(), string(constants.StateDone), string(constants.StateCancelled),
	)
	if err != nil {
		return fmt.Errorf("finish document: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.frozenOrMissing(ctx, doc.ID)
	}
	if err := replacePages(ctx, tx, doc.ID, doc.Pages); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("finish document: %w", err)
	}
	s.logger.Info("document finished",
		"id", doc.ID, "state", doc.State, "outcome", doc.Outcome,
		"pages", doc.PageCount, "needs_review", doc.NeedsReview)
	return nil
}

func (s *SQLiteStore) AppendAudit(ctx context.Context, ev *entity.AuditEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_events (document_id, at, event, detail) VALUES (?, ?, ?, ?)`,
		ev.DocumentID.String(), fmtTime(ev.At), ev.Event, ev.Detail,
	)
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListAudit(ctx context.Context, docID uuid.UUID) ([]*entity.AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, document_id, at, event, detail FROM audit_events WHERE document_id = ? ORDER BY id`,
		docID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	var evs []*entity.AuditEvent
	for rows.Next() {
		var (
			ev    entity.AuditEvent
			idStr string
			atStr string
		)
		if err := rows.Scan(&ev.ID, &idStr, &atStr, &ev.Event, &ev.Detail); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		ev.DocumentID, _ = uuid.Parse(idStr)
		ev.At = parseTime(atStr)
		evs = append(evs, &ev)
	}
	return evs, rows.Err()
}

// frozenOrMissing resolves why an update matched no rows.
func (s *SQLiteStore) frozenOrMissing(ctx context.Context, id uuid.UUID) error {
	var cur string
	err := s.db.QueryRowContext(ctx, `SELECT state FROM documents WHERE id = ?`, id.String()).Scan(&cur)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("document %s: %w", id, common.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("document %s: %w", id, err)
	}
	return fmt.Errorf("document %s in state %s: %w", id, cur, common.ErrTerminal)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func replacePages(ctx context.Context, tx execer, id uuid.UUID, pages []entity.Page) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM pages WHERE document_id = ?`, id.String()); err != nil {
		return fmt.Errorf("replace pages: %w", err)
	}
	for _, p := range pages {
		var dpi, rok, contrast, skew, density any
		if p.Metrics != nil {
			dpi, rok = p.Metrics.EffectiveDPI, boolInt(p.Metrics.ResolutionOK)
			contrast, skew, density = p.Metrics.Contrast, p.Metrics.SkewDegrees, p.Metrics.TextDensity
		}
		var resStrategy, resText string
		var conf float64
		var elapsedMs int64
		if p.Result != nil {
			resStrategy = string(p.Result.Strategy)
			resText = p.Result.Text
			conf = float64(p.Result.Confidence)
			elapsedMs = p.Result.Elapsed.Milliseconds()
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO pages (document_id, page_index, strategy, needs_review, failure_reason,
			                    effective_dpi, resolution_ok, contrast, skew_degrees, text_density,
			                    result_strategy, result_text, confidence, elapsed_ms)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id.String(), p.Index, string(p.Strategy), boolInt(p.NeedsReview), p.FailureReason,
			dpi, rok, contrast, skew, density,
			resStrategy, resText, conf, elapsedMs,
		)
		if err != nil {
			return fmt.Errorf("insert page %d: %w", p.Index, err)
		}
	}
	return nil
}

func (s *SQLiteStore) loadPages(ctx context.Context, id uuid.UUID) ([]entity.Page, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT page_index, strategy, needs_review, failure_reason,
		        effective_dpi, resolution_ok, contrast, skew_degrees, text_density,
		        result_strategy, result_text, confidence, elapsed_ms
		 FROM pages WHERE document_id = ? ORDER BY page_index`,
		id.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("load pages: %w", err)
	}
	defer rows.Close()

	var pages []entity.Page
	for rows.Next() {
		var (
			p           entity.Page
			strategy    string
			needsReview int
			dpi         sql.NullFloat64
			rok         sql.NullInt64
			contrast    sql.NullFloat64
			skew        sql.NullFloat64
			density     sql.NullFloat64
			resStrategy string
			resText     string
			conf        float64
			elapsedMs   int64
		)
		if err := rows.Scan(&p.Index, &strategy, &needsReview, &p.FailureReason,
			&dpi, &rok, &contrast, &skew, &density,
			&resStrategy, &resText, &conf, &elapsedMs); err != nil {
			return nil, fmt.Errorf("scan page: %w", err)
		}
		p.DocumentID = id
		p.Strategy = constants.Strategy(strategy)
		p.NeedsReview = needsReview != 0
		if dpi.Valid {
			p.Metrics = &entity.QualityMetrics{
				EffectiveDPI: dpi.Float64,
				ResolutionOK: rok.Int64 != 0,
				Contrast:     contrast.Float64,
				SkewDegrees:  skew.Float64,
				TextDensity:  density.Float64,
			}
		}
		if resStrategy != "" {
			p.Result = &entity.ExtractionResult{
				Text:       resText,
				Confidence: float32(conf),
				Strategy:   constants.Strategy(resStrategy),
				Elapsed:    time.Duration(elapsedMs) * time.Millisecond,
			}
		}
		pages = append(pages, p)
	}
	return pages, rows.Err()
}

const docColumns = `id, source_path, content_hash, language, state, outcome,
	needs_review, failure_reason, page_count, ingested_at, finished_at, duration_ms`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*entity.Document, error) {
	var (
		doc         entity.Document
		idStr       string
		state       string
		outcome     string
		needsReview int
		ingestedAt  string
		finishedAt  sql.NullString
		durationMs  int64
	)
	err := row.Scan(&idStr, &doc.SourcePath, &doc.ContentHash, &doc.Language,
		&state, &outcome, &needsReview, &doc.FailureReason, &doc.PageCount,
		&ingestedAt, &finishedAt, &durationMs)
	if err != nil {
		return nil, err
	}
	doc.ID, _ = uuid.Parse(idStr)
	doc.State = constants.DocumentState(state)
	doc.Outcome = constants.Outcome(outcome)
	doc.NeedsReview = needsReview != 0
	doc.IngestedAt = parseTime(ingestedAt)
	if finishedAt.Valid && finishedAt.String != "" {
		t := parseTime(finishedAt.String)
		doc.FinishedAt = &t
	}
	doc.Duration = time.Duration(durationMs) * time.Millisecond
	return &doc, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
