package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/expedocr/expedocr/constants"
	"github.com/expedocr/expedocr/internal/common"
	"github.com/expedocr/expedocr/internal/entity"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS documents (
    id             UUID PRIMARY KEY,
    source_path    TEXT NOT NULL,
    content_hash   BYTEA NOT NULL,
    language       TEXT NOT NULL,
    state          TEXT NOT NULL,
    outcome        TEXT NOT NULL,
    needs_review   BOOLEAN NOT NULL DEFAULT FALSE,
    failure_reason TEXT NOT NULL DEFAULT '',
    page_count     INTEGER NOT NULL DEFAULT 0,
    ingested_at    TIMESTAMPTZ NOT NULL,
    finished_at    TIMESTAMPTZ,
    duration_ms    BIGINT NOT NULL DEFAULT 0
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_documents_hash  ON documents(content_hash);
CREATE INDEX IF NOT EXISTS idx_documents_state ON documents(state);

CREATE TABLE IF NOT EXISTS pages (
    document_id     UUID NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
    page_index      INTEGER NOT NULL,
    strategy        TEXT NOT NULL DEFAULT '',
    needs_review    BOOLEAN NOT NULL DEFAULT FALSE,
    failure_reason  TEXT NOT NULL DEFAULT '',
    effective_dpi   DOUBLE PRECISION,
    resolution_ok   BOOLEAN,
    contrast        DOUBLE PRECISION,
    skew_degrees    DOUBLE PRECISION,
    text_density    DOUBLE PRECISION,
    result_strategy TEXT NOT NULL DEFAULT '',
    result_text     TEXT NOT NULL DEFAULT '',
    confidence      REAL NOT NULL DEFAULT 0,
    elapsed_ms      BIGINT NOT NULL DEFAULT 0,
    PRIMARY KEY (document_id, page_index)
);

CREATE TABLE IF NOT EXISTS audit_events (
    id          BIGSERIAL PRIMARY KEY,
    document_id UUID NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
    at          TIMESTAMPTZ NOT NULL,
    event       TEXT NOT NULL,
    detail      TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_audit_document ON audit_events(document_id);
`

// PostgresStore implements Store on a pgx pool for shared deployments where
// several daemons work one queue.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// OpenPostgres connects a pgx pool with the configured limits and ensures
// the schema exists.
func OpenPostgres(ctx context.Context, cfg common.StoreConfig, logger *slog.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("connecting to database", "dsn", cfg.DSN)
	pc, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		logger.Error("failed to parse database config", "error", err)
		return nil, err
	}
	if cfg.MaxConns > 0 {
		pc.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		pc.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		pc.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		pc.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	pc.ConnConfig.RuntimeParams["application_name"] = "expedocr"
	if cfg.StatementTimeout > 0 {
		pc.ConnConfig.RuntimeParams["statement_timeout"] = cfg.StatementTimeout.String()
	}

	dialCtx := ctx
	if cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, cfg.DialTimeout)
		defer cancel()
	}
	pool, err := pgxpool.NewWithConfig(dialCtx, pc)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		return nil, err
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres schema: %w", err)
	}
	logger.Info("successfully connected to database")
	return &PostgresStore{pool: pool, logger: logger}, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *PostgresStore) CreateDocument(ctx context.Context, doc *entity.Document) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO documents (id, source_path, content_hash, language, state, outcome,
		                        needs_review, failure_reason, page_count, ingested_at, duration_ms)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		doc.ID, doc.SourcePath, doc.ContentHash, doc.Language,
		string(doc.State), string(doc.Outcome), doc.NeedsReview,
		doc.FailureReason, doc.PageCount, doc.IngestedAt.UTC(), doc.Duration.Milliseconds(),
	)
	if err != nil {
		s.logger.Error("document insert failed", "id", doc.ID, "path", doc.SourcePath, "error", err)
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpsertByHash(ctx context.Context, doc *entity.Document) (*entity.Document, bool, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+docColumns+` FROM documents WHERE content_hash = $1`, doc.ContentHash)
	existing, err := scanPgDocument(row)
	if err == nil {
		return existing, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("lookup by hash: %w", err)
	}
	if err := s.CreateDocument(ctx, doc); err != nil {
		return nil, false, err
	}
	return doc, false, nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, id uuid.UUID) (*entity.Document, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+docColumns+` FROM documents WHERE id = $1`, id)
	doc, err := scanPgDocument(row)
	if errors.Is(err, pgx.ErrNoRows) {
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

func (s *PostgresStore) ListDocuments(ctx context.Context, state constants.DocumentState, limit, offset int) ([]*entity.Document, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT ` + docColumns + ` FROM documents`
	args := []any{}
	if state != "" {
		q += ` WHERE state = $1 ORDER BY ingested_at DESC, id LIMIT $2 OFFSET $3`
		args = append(args, string(state), limit, offset)
	} else {
		q += ` ORDER BY ingested_at DESC, id LIMIT $1 OFFSET $2`
		args = append(args, limit, offset)
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var docs []*entity.Document
	for rows.Next() {
		doc, err := scanPgDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

func (s *PostgresStore) SetState(ctx context.Context, id uuid.UUID, state constants.DocumentState) error {
	res, err := s.pool.Exec(ctx,
		`UPDATE documents SET state = $1 WHERE id = $2 AND state NOT IN ($3, $4)`,
		string(state), id, string(constants.StateDone), string(constants.StateCancelled),
	)
	if err != nil {
		return fmt.Errorf("set state: %w", err)
	}
	if res.RowsAffected() == 0 {
		return s.frozenOrMissing(ctx, id)
	}
	return nil
}

func (s *PostgresStore) SavePages(ctx context.Context, id uuid.UUID, pages []entity.Page) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("save pages: %w", err)
	}
	defer tx.Rollback(ctx)
	if err := s.replacePages(ctx, tx, id, pages); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) Finish(ctx context.Context, doc *entity.Document) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("finish document: %w", err)
	}
	defer tx.Rollback(ctx)

	var finishedAt any
	if doc.FinishedAt != nil {
		finishedAt = doc.FinishedAt.UTC()
	}
	res, err := tx.Exec(ctx,
		`UPDATE documents
		 SET state = $1, outcome = $2, needs_review = $3, failure_reason = $4,
		     page_count = $5, finished_at = $6, duration_ms = $7
		 WHERE id = $8 AND state NOT IN ($9, $10)`,
		string(doc.State), string(doc.Outcome), doc.NeedsReview, doc.FailureReason,
		doc.PageCount, finishedAt, doc.Duration.Milliseconds(),
		doc.ID, string(constants.StateDone), string(constants.StateCancelled),
	)
	if err != nil {
		return fmt.Errorf("finish document: %w", err)
	}
	if res.RowsAffected() == 0 {
		return s.frozenOrMissing(ctx, doc.ID)
	}
	if err := s.replacePages(ctx, tx, doc.ID, doc.Pages); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("finish document: %w", err)
	}
	s.logger.Info("document finished",
		"id", doc.ID, "state", doc.State, "outcome", doc.Outcome,
		"pages", doc.PageCount, "needs_review", doc.NeedsReview)
	return nil
}

func (s *PostgresStore) AppendAudit(ctx context.Context, ev *entity.AuditEvent) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit_events (document_id, at, event, detail) VALUES ($1, $2, $3, $4)`,
		ev.DocumentID, ev.At.UTC(), ev.Event, ev.Detail,
	)
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAudit(ctx context.Context, docID uuid.UUID) ([]*entity.AuditEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, document_id, at, event, detail FROM audit_events WHERE document_id = $1 ORDER BY id`,
		docID,
	)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	var evs []*entity.AuditEvent
	for rows.Next() {
		var ev entity.AuditEvent
		if err := rows.Scan(&ev.ID, &ev.DocumentID, &ev.At, &ev.Event, &ev.Detail); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		evs = append(evs, &ev)
	}
	return evs, rows.Err()
}

func (s *PostgresStore) frozenOrMissing(ctx context.Context, id uuid.UUID) error {
	var cur string
	err := s.pool.QueryRow(ctx, `SELECT state FROM documents WHERE id = $1`, id).Scan(&cur)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("document %s: %w", id, common.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("document %s: %w", id, err)
	}
	return fmt.Errorf("document %s in state %s: %w", id, cur, common.ErrTerminal)
}

func (s *PostgresStore) replacePages(ctx context.Context, tx pgx.Tx, id uuid.UUID, pages []entity.Page) error {
	if _, err := tx.Exec(ctx, `DELETE FROM pages WHERE document_id = $1`, id); err != nil {
		return fmt.Errorf("replace pages: %w", err)
	}
	for _, p := range pages {
		var dpi, rok, contrast, skew, density any
		if p.Metrics != nil {
			dpi, rok = p.Metrics.EffectiveDPI, p.Metrics.ResolutionOK
			contrast, skew, density = p.Metrics.Contrast, p.Metrics.SkewDegrees, p.Metrics.TextDensity
		}
		var resStrategy, resText string
		var conf float32
		var elapsedMs int64
		if p.Result != nil {
			resStrategy = string(p.Result.Strategy)
			resText = p.Result.Text
			conf = p.Result.Confidence
			elapsedMs = p.Result.Elapsed.Milliseconds()
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO pages (document_id, page_index, strategy, needs_review, failure_reason,
			                    effective_dpi, resolution_ok, contrast, skew_degrees, text_density,
			                    result_strategy, result_text, confidence, elapsed_ms)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
			id, p.Index, string(p.Strategy), p.NeedsReview, p.FailureReason,
			dpi, rok, contrast, skew, density,
			resStrategy, resText, conf, elapsedMs,
		)
		if err != nil {
			return fmt.Errorf("insert page %d: %w", p.Index, err)
		}
	}
	return nil
}

func (s *PostgresStore) loadPages(ctx context.Context, id uuid.UUID) ([]entity.Page, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT page_index, strategy, needs_review, failure_reason,
		        effective_dpi, resolution_ok, contrast, skew_degrees, text_density,
		        result_strategy, result_text, confidence, elapsed_ms
		 FROM pages WHERE document_id = $1 ORDER BY page_index`,
		id,
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
			dpi         *float64
			rok         *bool
			contrast    *float64
			skew        *float64
			density     *float64
			resStrategy string
			resText     string
			conf        float32
			elapsedMs   int64
		)
		if err := rows.Scan(&p.Index, &strategy, &p.NeedsReview, &p.FailureReason,
			&dpi, &rok, &contrast, &skew, &density,
			&resStrategy, &resText, &conf, &elapsedMs); err != nil {
			return nil, fmt.Errorf("scan page: %w", err)
		}
		p.DocumentID = id
		p.Strategy = constants.Strategy(strategy)
		if dpi != nil {
			p.Metrics = &entity.QualityMetrics{
				EffectiveDPI: *dpi,
				Contrast:     deref(contrast),
				SkewDegrees:  deref(skew),
				TextDensity:  deref(density),
			}
			if rok != nil {
				p.Metrics.ResolutionOK = *rok
			}
		}
		if resStrategy != "" {
			p.Result = &entity.ExtractionResult{
				Text:       resText,
				Confidence: conf,
				Strategy:   constants.Strategy(resStrategy),
				Elapsed:    time.Duration(elapsedMs) * time.Millisecond,
			}
		}
		pages = append(pages, p)
	}
	return pages, rows.Err()
}

func scanPgDocument(row pgx.Row) (*entity.Document, error) {
	var (
		doc        entity.Document
		state      string
		outcome    string
		finishedAt *time.Time
		durationMs int64
	)
	err := row.Scan(&doc.ID, &doc.SourcePath, &doc.ContentHash, &doc.Language,
		&state, &outcome, &doc.NeedsReview, &doc.FailureReason, &doc.PageCount,
		&doc.IngestedAt, &finishedAt, &durationMs)
	if err != nil {
		return nil, err
	}
	doc.State = constants.DocumentState(state)
	doc.Outcome = constants.Outcome(outcome)
	doc.FinishedAt = finishedAt
	doc.Duration = time.Duration(durationMs) * time.Millisecond
	return &doc, nil
}

func deref(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}
