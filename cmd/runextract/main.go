// Command runextract runs one PDF through the extraction pipeline and
// prints the result envelope on stdout. By default it uses a throwaway
// in-memory store, so nothing persists beyond the run.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/expedocr/expedocr/internal/common"
	"github.com/expedocr/expedocr/internal/ingest"
	"github.com/expedocr/expedocr/internal/ocr"
	"github.com/expedocr/expedocr/internal/pdftext"
	"github.com/expedocr/expedocr/internal/pipeline"
	"github.com/expedocr/expedocr/internal/raster"
	"github.com/expedocr/expedocr/internal/report"
	"github.com/expedocr/expedocr/internal/repository"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to YAML config file")
		dsn        = flag.String("db", ":memory:", "store DSN (default: throwaway in-memory)")
	)
	flag.Parse()

	// Envelope goes to stdout; everything else to stderr.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if flag.NArg() != 1 {
		logger.Error("usage", "cmd", "runextract [flags] <file.pdf>")
		os.Exit(2)
	}
	pdfPath := flag.Arg(0)

	cfg, err := common.LoadConfig(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	cfg.Store.DSN = *dsn
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, cfg.Pipeline.ProcessTimeout)
	defer cancel()

	store, err := repository.Open(ctx, cfg.Store, logger)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	rasterizer := raster.NewPdftoppm(cfg.Backend.PdftoppmPath, logger)
	backend := ocr.NewTesseractCLI(ocr.TesseractConfig{
		Binary:      cfg.Backend.TesseractPath,
		TessdataDir: cfg.Backend.TessdataDir,
	}, raster.ExecRunner{}, logger)
	defer backend.Close()

	if err := rasterizer.Health(ctx); err != nil {
		logger.Error("pdftoppm health failed", "error", err)
		os.Exit(1)
	}
	if err := backend.Health(ctx); err != nil {
		logger.Error("tesseract health failed", "error", err)
		os.Exit(1)
	}

	engine := ocr.NewEngine(backend, ocr.EngineConfig{
		Timeout:       cfg.Backend.OCRTimeout,
		MaxConcurrent: cfg.Backend.Concurrency,
	}, logger)
	open := func(path string) (pipeline.Source, error) {
		return pdftext.Open(path, logger)
	}
	processor := pipeline.NewProcessor(pipeline.Config{
		Language:         cfg.Backend.Language,
		RenderDPI:        cfg.Pipeline.RenderDPI,
		RetryDPI:         cfg.Pipeline.RetryDPI,
		MinEffectiveDPI:  cfg.Pipeline.MinEffectiveDPI,
		MinContrast:      cfg.Pipeline.MinContrast,
		MinTextDensity:   cfg.Pipeline.MinTextDensity,
		MaxSkewDegrees:   cfg.Pipeline.MaxSkewDegrees,
		MaxOCRRetries:    cfg.Pipeline.MaxOCRRetries,
		ReviewConfidence: cfg.Pipeline.ReviewConfidence,
		PageWorkers:      cfg.Pipeline.PageWorkers,
	}, open, rasterizer, engine, store, logger)

	ingestor := ingest.NewFSIngestor(store, cfg.Backend.Language, logger)

	start := time.Now()
	r, err := ingestor.IngestPath(ctx, pdfPath)
	if err != nil {
		logger.Error("ingest failed", "path", pdfPath, "error", err)
		os.Exit(1)
	}
	doc, err := store.GetDocument(ctx, r.DocumentID)
	if err != nil {
		logger.Error("load document failed", "document_id", r.DocumentID, "error", err)
		os.Exit(1)
	}

	done, err := processor.Process(ctx, doc)
	if err != nil {
		logger.Error("extraction failed",
			"document_id", doc.ID, "error", err, "duration_ms", time.Since(start).Milliseconds())
		os.Exit(1)
	}

	body, err := report.MarshalEnvelope(done)
	if err != nil {
		logger.Error("envelope failed", "document_id", done.ID, "error", err)
		os.Exit(1)
	}
	fmt.Println(string(body))

	logger.Info("extraction finished",
		"document_id", done.ID,
		"outcome", done.Outcome,
		"pages", done.PageCount,
		"needs_review", done.NeedsReview,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}
