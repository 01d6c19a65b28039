// Package pipeline drives a document from INGESTED to its terminal outcome:
// render and assess every page, gate each one onto a strategy, extract, then
// aggregate. Page failures stay on their page; the document always finishes
// with a complete, inspectable result.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/expedocr/expedocr/constants"
	"github.com/expedocr/expedocr/internal/entity"
	"github.com/expedocr/expedocr/internal/gate"
	"github.com/expedocr/expedocr/internal/ocr"
	"github.com/expedocr/expedocr/internal/quality"
	"github.com/expedocr/expedocr/internal/raster"
	"github.com/expedocr/expedocr/internal/repository"
)

// Failure reason codes recorded on pages and audit rows. Stable strings.
const (
	ReasonRender       = "RenderError"
	ReasonAssessment   = "AssessmentError"
	ReasonOCRExecution = "OCRExecutionError"
)

// Source is the read side of an opened PDF. Pages are 0-indexed.
type Source interface {
	Path() string
	PageCount() int
	PageText(pageIndex int) (string, error)
	PageSize(pageIndex int) (w, h float64, err error)
}

// Opener opens a document source from a path. Wired to pdftext.Open in the
// binaries; tests substitute fakes.
type Opener func(path string) (Source, error)

type Config struct {
	Language        string
	RenderDPI       int
	RetryDPI        int
	MinEffectiveDPI float64
	MinContrast     float64
	MinTextDensity  float64
	MaxSkewDegrees  float64
	MaxOCRRetries   int
	ReviewConfidence float32
	PageWorkers     int
}

func (c Config) withDefaults() Config {
	if c.Language == "" {
		c.Language = "spa"
	}
	if c.RenderDPI <= 0 {
		c.RenderDPI = 300
	}
	if c.RetryDPI <= 0 {
		c.RetryDPI = 150
	}
	if c.MaxOCRRetries < 0 {
		c.MaxOCRRetries = 0
	}
	if c.ReviewConfidence <= 0 {
		c.ReviewConfidence = 0.30
	}
	if c.PageWorkers < 1 {
		c.PageWorkers = 4
	}
	return c
}

// Processor is the extraction pipeline. One Processor serves many documents
// concurrently; all per-document state lives on the stack of Process.
type Processor struct {
	cfg        Config
	thresholds gate.Thresholds
	open       Opener
	raster     raster.Rasterizer
	assessor   *quality.Assessor
	ocr        ocr.Recognizer
	rec        repository.Recorder
	logger     *slog.Logger
}

func NewProcessor(
	cfg Config,
	open Opener,
	r raster.Rasterizer,
	recognizer ocr.Recognizer,
	rec repository.Recorder,
	logger *slog.Logger,
) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Processor{
		cfg: cfg,
		thresholds: gate.Thresholds{
			MinTextDensity: cfg.MinTextDensity,
			MinContrast:    cfg.MinContrast,
			MaxSkewDegrees: cfg.MaxSkewDegrees,
		},
		open:     open,
		raster:   r,
		assessor: quality.NewAssessor(cfg.MinEffectiveDPI, logger),
		ocr:      recognizer,
		rec:      rec,
		logger:   logger,
	}
}

// ocrCarry holds what the assess phase hands to the extract phase for a page
// routed to OCR: the rendered bitmap and the skew to correct before
// recognition (zero when the gate did not ask for it).
type ocrCarry struct {
	bmp       *raster.Bitmap
	preRotate float64
}

// Process runs the document to a terminal state and returns it. A terminal
// input is returned unchanged. The error return reports infrastructure
// faults (store writes, frozen rows); page-level extraction failures are
// never errors, they are part of the result.
func (p *Processor) Process(ctx context.Context, doc *entity.Document) (*entity.Document, error) {
	log := p.logger.With("document_id", doc.ID)
	if doc.Terminal() {
		log.Info("pipeline.skip.terminal", "state", doc.State, "outcome", doc.Outcome)
		return doc, nil
	}
	if doc.Language == "" {
		doc.Language = p.cfg.Language
	}
	start := time.Now()

	if err := p.transition(ctx, doc, constants.StateAssessing); err != nil {
		return doc, err
	}

	src, err := p.open(doc.SourcePath)
	if err != nil {
		log.Warn("pipeline.open.failed", "path", doc.SourcePath, "error", err)
		return p.finishUnreadable(ctx, doc, start, fmt.Sprintf("open document: %v", err))
	}
	n := src.PageCount()
	doc.PageCount = n
	if n == 0 {
		log.Warn("pipeline.document.empty", "path", doc.SourcePath)
		return p.finishUnreadable(ctx, doc, start, "document has no pages")
	}

	pages := make([]entity.Page, n)
	carry := make([]*ocrCarry, n)

	// Assess phase. Closures always return nil: a page failure must never
	// cancel its siblings, so errgroup only provides the worker limit.
	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(p.cfg.PageWorkers)
	for i := 0; i < n; i++ {
		idx := i
		eg.Go(func() error {
			pages[idx], carry[idx] = p.assessPage(gctx, src, doc, idx)
			return nil
		})
	}
	_ = eg.Wait()
	if ctx.Err() != nil {
		return p.finishCancelled(doc, pages, carry, start)
	}

	// Snapshot gate decisions before extraction so a crash mid-extract
	// still leaves every page's strategy on record.
	if err := p.rec.SavePages(ctx, doc.ID, pages); err != nil {
		releaseAll(carry)
		log.Error("pipeline.snapshot.failed", "error", err)
		return doc, err
	}

	if err := p.transition(ctx, doc, constants.StateExtracting); err != nil {
		releaseAll(carry)
		return doc, err
	}

	// Extract phase. Same isolation rule as above.
	eg, gctx = errgroup.WithContext(ctx)
	eg.SetLimit(p.cfg.PageWorkers)
	for i := 0; i < n; i++ {
		idx := i
		eg.Go(func() error {
			p.extractPage(gctx, src, doc, &pages[idx], carry[idx])
			return nil
		})
	}
	_ = eg.Wait()
	if ctx.Err() != nil {
		return p.finishCancelled(doc, pages, carry, start)
	}

	if err := p.transition(ctx, doc, constants.StateAggregating); err != nil {
		return doc, err
	}
	doc.Pages = pages
	doc.Outcome = aggregate(pages)
	doc.NeedsReview = anyNeedsReview(pages)
	doc.State = constants.StateDone
	now := time.Now()
	doc.FinishedAt = &now
	doc.Duration = time.Since(start)

	if err := p.rec.Finish(ctx, doc); err != nil {
		log.Error("pipeline.finish.failed", "error", err)
		return doc, err
	}
	p.audit(ctx, doc.ID, "document_finished",
		fmt.Sprintf("outcome=%s pages=%d needs_review=%t", doc.Outcome, n, doc.NeedsReview))
	log.Info("pipeline.document.done",
		"outcome", doc.Outcome,
		"pages", n,
		"needs_review", doc.NeedsReview,
		"duration_ms", doc.Duration.Milliseconds(),
	)
	return doc, nil
}

// assessPage renders and measures one page and gates it onto a strategy.
// Render and assessment failures terminalize the page as manual fallback.
// For OCR pages the bitmap is returned in the carry; every other route
// releases it here.
func (p *Processor) assessPage(ctx context.Context, src Source, doc *entity.Document, idx int) (entity.Page, *ocrCarry) {
	page := entity.Page{DocumentID: doc.ID, Index: idx}
	if ctx.Err() != nil {
		return page, nil
	}
	log := p.logger.With("document_id", doc.ID, "page_index", idx)

	text, err := src.PageText(idx)
	if err != nil {
		return p.failPage(ctx, page, ReasonRender, err, log), nil
	}
	page.Text = text

	w, h, err := src.PageSize(idx)
	if err != nil {
		return p.failPage(ctx, page, ReasonRender, err, log), nil
	}

	bmp, err := p.raster.Render(ctx, src.Path(), idx, p.cfg.RenderDPI)
	if err != nil {
		if ctx.Err() != nil {
			return page, nil
		}
		return p.failPage(ctx, page, reasonFor(err, ReasonRender), err, log), nil
	}

	metrics, err := p.assessor.Assess(text, bmp, w, h)
	if err != nil {
		bmp.Release()
		return p.failPage(ctx, page, reasonFor(err, ReasonAssessment), err, log), nil
	}
	page.Metrics = &metrics

	d := gate.Decide(metrics, p.thresholds)
	page.Strategy = d.Strategy
	p.audit(ctx, doc.ID, "page_gated",
		fmt.Sprintf("page=%d strategy=%s reason=%s pre_rotate=%t", idx, d.Strategy, d.Reason, d.PreRotate))
	log.Debug("pipeline.page.gated",
		"strategy", d.Strategy, "reason", d.Reason,
		"effective_dpi", metrics.EffectiveDPI, "contrast", metrics.Contrast,
		"skew_degrees", metrics.SkewDegrees, "text_density", metrics.TextDensity)

	switch d.Strategy {
	case constants.StrategyOCR:
		c := &ocrCarry{bmp: bmp}
		if d.PreRotate {
			c.preRotate = metrics.SkewDegrees
		}
		return page, c
	case constants.StrategyManualFallback:
		bmp.Release()
		page.NeedsReview = true
		page.Result = &entity.ExtractionResult{Strategy: constants.StrategyManualFallback}
		return page, nil
	default: // DIRECT_TEXT copies the text layer in the extract phase
		bmp.Release()
		return page, nil
	}
}

// extractPage produces the page's ExtractionResult per its gated strategy.
func (p *Processor) extractPage(ctx context.Context, src Source, doc *entity.Document, page *entity.Page, c *ocrCarry) {
	if page.Result != nil || ctx.Err() != nil {
		// already terminal (failed or manual), or the run is being cancelled
		return
	}
	switch page.Strategy {
	case constants.StrategyDirectText:
		page.Result = &entity.ExtractionResult{
			Text:       page.Text,
			Confidence: 1.0,
			Strategy:   constants.StrategyDirectText,
		}
		p.logger.Debug("pipeline.page.ok",
			"document_id", doc.ID, "page_index", page.Index,
			"strategy", constants.StrategyDirectText, "confidence", 1.0)
	case constants.StrategyOCR:
		p.recognizePage(ctx, src, doc, page, c)
	}
}

// recognizePage runs OCR with the retry ladder: the carried bitmap first,
// then one re-render at RetryDPI per allowed retry. The carried bitmap and
// any retry bitmaps are always released here.
func (p *Processor) recognizePage(ctx context.Context, src Source, doc *entity.Document, page *entity.Page, c *ocrCarry) {
	log := p.logger.With("document_id", doc.ID, "page_index", page.Index)
	start := time.Now()

	res, err := p.ocr.Recognize(ctx, ocr.PageRequest{
		Bitmap:      c.bmp,
		Language:    doc.Language,
		PreRotateBy: c.preRotate,
	})
	c.bmp.Release()
	if err == nil {
		p.recordOCRSuccess(page, res, time.Since(start), log)
		return
	}
	if ctx.Err() != nil {
		return
	}
	lastErr := err

	for attempt := 1; attempt <= p.cfg.MaxOCRRetries; attempt++ {
		p.audit(ctx, doc.ID, "ocr_retry",
			fmt.Sprintf("page=%d attempt=%d dpi=%d cause=%v", page.Index, attempt, p.cfg.RetryDPI, lastErr))
		log.Warn("pipeline.ocr.retry", "attempt", attempt, "dpi", p.cfg.RetryDPI, "error", lastErr)

		bmp, rerr := p.raster.Render(ctx, src.Path(), page.Index, p.cfg.RetryDPI)
		if rerr != nil {
			if ctx.Err() != nil {
				return
			}
			lastErr = rerr
			break
		}
		res, err = p.ocr.Recognize(ctx, ocr.PageRequest{
			Bitmap:      bmp,
			Language:    doc.Language,
			PreRotateBy: c.preRotate,
		})
		bmp.Release()
		if err == nil {
			p.recordOCRSuccess(page, res, time.Since(start), log)
			return
		}
		if ctx.Err() != nil {
			return
		}
		lastErr = err
	}

	reason := reasonFor(lastErr, ReasonOCRExecution)
	page.NeedsReview = true
	page.FailureReason = reason
	page.Result = &entity.ExtractionResult{
		Strategy:      constants.StrategyManualFallback,
		Elapsed:       time.Since(start),
		FailureReason: reason,
	}
	p.audit(ctx, doc.ID, "page_failed",
		fmt.Sprintf("page=%d reason=%s cause=%v", page.Index, reason, lastErr))
	log.Warn("pipeline.page.failed", "reason", reason, "error", lastErr)
}

func (p *Processor) recordOCRSuccess(page *entity.Page, res ocr.Result, elapsed time.Duration, log *slog.Logger) {
	page.Result = &entity.ExtractionResult{
		Text:       res.Text,
		Confidence: res.Confidence,
		Strategy:   constants.StrategyOCR,
		Elapsed:    elapsed,
	}
	if res.Confidence < p.cfg.ReviewConfidence {
		page.NeedsReview = true
	}
	log.Debug("pipeline.page.ok",
		"strategy", constants.StrategyOCR,
		"confidence", res.Confidence,
		"needs_review", page.NeedsReview,
		"duration_ms", elapsed.Milliseconds())
}

// failPage terminalizes one page with a failure reason, leaving siblings
// untouched.
func (p *Processor) failPage(ctx context.Context, page entity.Page, reason string, cause error, log *slog.Logger) entity.Page {
	page.Strategy = constants.StrategyManualFallback
	page.NeedsReview = true
	page.FailureReason = reason
	page.Result = &entity.ExtractionResult{
		Strategy:      constants.StrategyManualFallback,
		FailureReason: reason,
	}
	p.audit(ctx, page.DocumentID, "page_failed",
		fmt.Sprintf("page=%d reason=%s cause=%v", page.Index, reason, cause))
	log.Warn("pipeline.page.failed", "reason", reason, "error", cause)
	return page
}

// aggregate computes the document outcome once every page is terminal:
// all fallback is MANUAL_REQUIRED, a mix is PARTIAL, a clean sweep is
// DIRECT unless recognition contributed, which makes it OCR_RECOVERED.
func aggregate(pages []entity.Page) constants.Outcome {
	var succeeded, usedOCR int
	for i := range pages {
		if pages[i].Succeeded() {
			succeeded++
			if pages[i].UsedOCR() {
				usedOCR++
			}
		}
	}
	switch {
	case succeeded == 0:
		return constants.OutcomeManualRequired
	case succeeded < len(pages):
		return constants.OutcomePartial
	case usedOCR > 0:
		return constants.OutcomeOCRRecovered
	default:
		return constants.OutcomeDirect
	}
}

func anyNeedsReview(pages []entity.Page) bool {
	for i := range pages {
		if pages[i].NeedsReview {
			return true
		}
	}
	return false
}

// finishUnreadable terminalizes a document that could not be opened or has
// no pages. The result is still complete: terminal state, outcome, reason.
func (p *Processor) finishUnreadable(ctx context.Context, doc *entity.Document, start time.Time, reason string) (*entity.Document, error) {
	doc.State = constants.StateDone
	doc.Outcome = constants.OutcomeManualRequired
	doc.NeedsReview = true
	doc.FailureReason = reason
	now := time.Now()
	doc.FinishedAt = &now
	doc.Duration = time.Since(start)
	if err := p.rec.Finish(ctx, doc); err != nil {
		return doc, err
	}
	p.audit(ctx, doc.ID, "document_finished",
		fmt.Sprintf("outcome=%s reason=%s", doc.Outcome, reason))
	return doc, nil
}

// finishCancelled freezes a cancelled run. Completed pages keep their
// results; unscheduled pages stay undecided. The write uses a fresh context
// because the caller's is already dead.
func (p *Processor) finishCancelled(doc *entity.Document, pages []entity.Page, carry []*ocrCarry, start time.Time) (*entity.Document, error) {
	releaseAll(carry)
	doc.Pages = pages
	doc.State = constants.StateCancelled
	doc.Outcome = constants.OutcomeCancelled
	now := time.Now()
	doc.FinishedAt = &now
	doc.Duration = time.Since(start)

	fctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.rec.Finish(fctx, doc); err != nil {
		p.logger.Error("pipeline.cancel.persist_failed", "document_id", doc.ID, "error", err)
		return doc, err
	}
	p.audit(fctx, doc.ID, "document_cancelled", fmt.Sprintf("pages=%d", len(pages)))
	p.logger.Info("pipeline.document.cancelled", "document_id", doc.ID, "pages", len(pages))
	return doc, nil
}

func (p *Processor) transition(ctx context.Context, doc *entity.Document, state constants.DocumentState) error {
	if err := p.rec.SetState(ctx, doc.ID, state); err != nil {
		p.logger.Error("pipeline.transition.failed",
			"document_id", doc.ID, "state", state, "error", err)
		return err
	}
	doc.State = state
	p.audit(ctx, doc.ID, "state_changed", string(state))
	return nil
}

// audit records an event, tolerating store hiccups: the trail is evidence,
// not a gate on progress.
func (p *Processor) audit(ctx context.Context, docID uuid.UUID, event, detail string) {
	ev := &entity.AuditEvent{DocumentID: docID, At: time.Now(), Event: event, Detail: detail}
	if err := p.rec.AppendAudit(ctx, ev); err != nil && !errors.Is(err, context.Canceled) {
		p.logger.Warn("pipeline.audit.failed", "document_id", docID, "event", event, "error", err)
	}
}

func releaseAll(carry []*ocrCarry) {
	for _, c := range carry {
		if c != nil && c.bmp != nil {
			c.bmp.Release()
		}
	}
}

func reasonFor(err error, dflt string) string {
	var re *raster.RenderError
	var ae *quality.AssessmentError
	var oe *ocr.ExecutionError
	switch {
	case errors.As(err, &oe):
		return ReasonOCRExecution
	case errors.As(err, &ae):
		return ReasonAssessment
	case errors.As(err, &re):
		return ReasonRender
	}
	return dflt
}
