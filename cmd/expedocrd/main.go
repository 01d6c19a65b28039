package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/expedocr/expedocr/internal/async"
	"github.com/expedocr/expedocr/internal/common"
	"github.com/expedocr/expedocr/internal/ingest"
	"github.com/expedocr/expedocr/internal/ocr"
	"github.com/expedocr/expedocr/internal/pdftext"
	"github.com/expedocr/expedocr/internal/pipeline"
	"github.com/expedocr/expedocr/internal/raster"
	"github.com/expedocr/expedocr/internal/report"
	"github.com/expedocr/expedocr/internal/repository"
	"github.com/expedocr/expedocr/internal/server"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "path to YAML config file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := common.LoadConfig(configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := repository.Open(ctx, cfg.Store, logger)
	if err != nil {
		logger.Error("failed to open store", "error", err, "dsn", cfg.Store.DSN)
		os.Exit(1)
	}
	defer store.Close()
	if err := store.Ping(ctx); err != nil {
		logger.Error("store ping failed", "error", err)
		os.Exit(1)
	}

	rasterizer := raster.NewPdftoppm(cfg.Backend.PdftoppmPath, logger)
	backend, err := newRecognitionBackend(cfg.Backend, logger)
	if err != nil {
		logger.Error("recognition backend unavailable", "backend", cfg.Backend.OCRBackend, "error", err)
		os.Exit(1)
	}
	defer backend.Close()

	// Resolve and health-check the binaries before accepting work. A daemon
	// that cannot render or recognize must not come up half-alive.
	probeCtx, cancelProbe := context.WithTimeout(ctx, 10*time.Second)
	if err := rasterizer.Health(probeCtx); err != nil {
		logger.Error("pdftoppm health failed", "binary", cfg.Backend.PdftoppmPath, "error", err)
		cancelProbe()
		os.Exit(1)
	}
	if err := backend.Health(probeCtx); err != nil {
		logger.Error("recognition backend health failed", "backend", backend.Name(), "error", err)
		cancelProbe()
		os.Exit(1)
	}
	cancelProbe()
	logger.Info("backends healthy",
		"pdftoppm", cfg.Backend.PdftoppmPath,
		"recognizer", backend.Name(),
	)

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

	queue := async.NewProcessorQueue(processor, store, logger,
		async.WithWorkers(cfg.Ingest.Workers),
		async.WithQueueSize(512),
		async.WithProcessTimeout(cfg.Pipeline.ProcessTimeout),
	)

	ingestor := ingest.NewFSIngestor(store, cfg.Backend.Language, logger)

	if len(cfg.Ingest.WatchDirs) > 0 {
		evCh, errCh, err := ingest.StartWatcher(ctx, ingest.WatchConfig{
			Roots:       cfg.Ingest.WatchDirs,
			InitialScan: true,
			Debounce:    cfg.Ingest.Debounce,
		})
		if err != nil {
			logger.Error("failed to start watcher", "dirs", cfg.Ingest.WatchDirs, "error", err)
			os.Exit(1)
		}
		go drainWatcher(ctx, evCh, ingestor, queue, logger)
		go func() {
			for werr := range errCh {
				logger.Error("watcher error", "error", werr)
			}
		}()
		logger.Info("watching drop folders", "dirs", cfg.Ingest.WatchDirs)
	}

	reports := report.NewService(store, logger)
	srv := server.New(
		server.Config{Addr: cfg.Server.HTTPAddr, SpoolDir: cfg.Server.SpoolDir},
		store, ingestor, queue, reports,
		[]server.NamedProbe{
			{Name: "pdftoppm", Probe: rasterizer},
			{Name: "tesseract", Probe: backend},
		},
		logger,
	)

	go func() {
		if err := srv.Start(); err != nil {
			logger.Error("http serve error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	queue.Shutdown(shutdownCtx)
	logger.Info("stopped")
}

// newRecognitionBackend picks the configured implementation: the tesseract
// subprocess by default, or the in-process library when built with the
// tesseract_cgo tag and selected with EXPEDOCR_OCR_BACKEND=lib.
func newRecognitionBackend(cfg common.BackendConfig, logger *slog.Logger) (ocr.Backend, error) {
	if cfg.OCRBackend == "lib" {
		return ocr.NewLibBackend(cfg.TessdataDir, logger)
	}
	return ocr.NewTesseractCLI(ocr.TesseractConfig{
		Binary:      cfg.TesseractPath,
		TessdataDir: cfg.TessdataDir,
	}, raster.ExecRunner{}, logger), nil
}

// drainWatcher registers every discovered PDF and queues fresh ones.
func drainWatcher(ctx context.Context, evCh <-chan string, ingestor ingest.Ingestor, queue async.Queue, logger *slog.Logger) {
	for path := range evCh {
		r, err := ingestor.IngestPath(ctx, path)
		if err != nil {
			logger.Warn("watched file ingest failed", "path", path, "error", err)
			continue
		}
		if r.Deduplicated {
			logger.Info("watched file already known", "path", path, "document_id", r.DocumentID)
			continue
		}
		_ = queue.Enqueue(ctx, async.Job{DocumentID: r.DocumentID, SubmittedAt: time.Now()})
	}
}
