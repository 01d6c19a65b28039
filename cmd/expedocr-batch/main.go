// Command expedocr-batch ingests every PDF under a directory, runs each
// through the extraction pipeline and optionally writes per-document
// envelopes and review workbooks to an output directory.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/expedocr/expedocr/internal/common"
	"github.com/expedocr/expedocr/internal/ingest"
	"github.com/expedocr/expedocr/internal/ocr"
	"github.com/expedocr/expedocr/internal/pdftext"
	"github.com/expedocr/expedocr/internal/pipeline"
	"github.com/expedocr/expedocr/internal/raster"
	"github.com/expedocr/expedocr/internal/report"
	"github.com/expedocr/expedocr/internal/repository"
)

// printError prints to stderr, falling back to stdout if stderr fails.
func printError(format string, args ...interface{}) {
	if _, err := fmt.Fprintf(os.Stderr, format, args...); err != nil {
		fmt.Printf(format, args...)
	}
}

func main() {
	var (
		configPath = flag.String("config", "", "path to YAML config file")
		dir        = flag.String("dir", "", "directory of expediente PDFs to process (required)")
		out        = flag.String("out", "", "output directory for envelopes and workbooks (optional)")
		inmem      = flag.Bool("inmem", false, "use a throwaway in-memory store")
	)
	flag.Parse()

	if *dir == "" {
		printError("Error: --dir is required\n")
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := common.LoadConfig(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if *inmem {
		cfg.Store.DSN = ":memory:"
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

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

	logger.Info("starting ingestion", "dir", *dir)
	results, stats, err := ingestor.IngestDirectory(ctx, *dir, true)
	if err != nil {
		logger.Error("failed to ingest directory", "error", err)
		os.Exit(1)
	}

	var ingested []uuid.UUID
	for _, r := range results {
		if r.Err == "" && !r.Deduplicated {
			ingested = append(ingested, r.DocumentID)
		}
	}
	logger.Info("ingestion complete",
		"queued", len(ingested),
		"scanned", stats.Scanned,
		"matched", stats.Matched,
		"succeeded", stats.Succeeded,
		"deduplicated", stats.Deduplicated,
		"failed", stats.Failed,
	)

	if *out != "" {
		if err := os.MkdirAll(*out, 0o755); err != nil {
			logger.Error("failed to create output directory", "dir", *out, "error", err)
			os.Exit(1)
		}
	}
	reports := report.NewService(store, logger)

	processed := 0
	failures := 0
	needsReview := 0
	for _, id := range ingested {
		runCtx, cancel := context.WithTimeout(ctx, cfg.Pipeline.ProcessTimeout)
		doc, err := store.GetDocument(runCtx, id)
		if err == nil {
			doc, err = processor.Process(runCtx, doc)
		}
		cancel()
		if err != nil {
			logger.Error("failed to process document", "document_id", id, "error", err)
			failures++
			continue
		}
		processed++
		if doc.NeedsReview {
			needsReview++
		}
		if *out != "" {
			writeArtifacts(ctx, reports, id, *out, logger)
		}
	}

	logger.Info("batch complete",
		"documents", len(ingested),
		"processed", processed,
		"failures", failures,
		"needs_review", needsReview,
	)
	if failures > 0 {
		os.Exit(1)
	}
}

func writeArtifacts(ctx context.Context, reports *report.Service, id uuid.UUID, dir string, logger *slog.Logger) {
	env, err := reports.DocumentEnvelope(ctx, id)
	if err != nil {
		logger.Error("failed to build envelope", "document_id", id, "error", err)
		return
	}
	envPath := filepath.Join(dir, id.String()+".json")
	if err := os.WriteFile(envPath, env, 0o644); err != nil {
		logger.Error("failed to write envelope", "path", envPath, "error", err)
		return
	}

	wb, err := reports.DocumentXLSX(ctx, id)
	if err != nil {
		logger.Error("failed to build workbook", "document_id", id, "error", err)
		return
	}
	wbPath := filepath.Join(dir, id.String()+".xlsx")
	if err := os.WriteFile(wbPath, wb, 0o644); err != nil {
		logger.Error("failed to write workbook", "path", wbPath, "error", err)
	}
}
