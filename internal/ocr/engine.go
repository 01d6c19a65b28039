package ocr

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/expedocr/expedocr/internal/raster"
)

// PageRequest is one page handed to the engine. PreRotateBy carries the
// measured skew in degrees when the gate asked for straightening; zero means
// recognize the bitmap as rendered.
type PageRequest struct {
	Bitmap      *raster.Bitmap
	Language    string
	PreRotateBy float64
}

// Recognizer is the engine surface the pipeline depends on.
type Recognizer interface {
	Recognize(ctx context.Context, req PageRequest) (Result, error)
}

type EngineConfig struct {
	Timeout       time.Duration // per recognition attempt
	MaxConcurrent int
}

// Engine wraps a Backend with the process-wide recognition budget: at most
// MaxConcurrent attempts in flight and a hard per-attempt time limit.
// Acquiring a budget slot waits without consuming the attempt's time; the
// clock starts when recognition does.
type Engine struct {
	backend Backend
	sem     *semaphore.Weighted
	timeout time.Duration
	logger  *slog.Logger
}

func NewEngine(backend Backend, cfg EngineConfig, logger *slog.Logger) *Engine {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		backend: backend,
		sem:     semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		timeout: cfg.Timeout,
		logger:  logger,
	}
}

func (e *Engine) Recognize(ctx context.Context, req PageRequest) (Result, error) {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return Result{}, err
	}
	defer e.sem.Release(1)

	path := req.Bitmap.Path
	if req.PreRotateBy != 0 && req.Bitmap.Image != nil {
		straight, cleanup, err := deskewToFile(req.Bitmap.Image, req.PreRotateBy)
		if err != nil {
			// recognize the tilted original rather than failing the page
			e.logger.Warn("ocr.deskew.failed", "path", path, "skew_degrees", req.PreRotateBy, "error", err)
		} else {
			defer cleanup()
			path = straight
		}
	}

	start := time.Now()
	attemptCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	res, err := e.backend.Recognize(attemptCtx, Request{
		ImagePath: path,
		DPI:       req.Bitmap.DPI,
		Language:  req.Language,
	})
	if err != nil {
		if ctx.Err() != nil {
			// caller gave up; not a recognition failure
			return Result{}, ctx.Err()
		}
		if attemptCtx.Err() == context.DeadlineExceeded {
			e.logger.Warn("ocr.recognize.timeout",
				"backend", e.backend.Name(), "path", path, "timeout", e.timeout)
			return Result{}, &ExecutionError{Backend: e.backend.Name(), TimedOut: true, Cause: context.DeadlineExceeded}
		}
		if _, ok := err.(*ExecutionError); ok {
			return Result{}, err
		}
		return Result{}, &ExecutionError{Backend: e.backend.Name(), Cause: err}
	}

	res.Text = Normalize(res.Text)
	if !res.Scored {
		res.Confidence = proxyConfidence(res.Text)
	}
	if res.Confidence < 0 {
		res.Confidence = 0
	}
	if res.Confidence > 1 {
		res.Confidence = 1
	}

	e.logger.Debug("ocr.recognize.ok",
		"backend", e.backend.Name(),
		"path", path,
		"dpi", req.Bitmap.DPI,
		"confidence", res.Confidence,
		"scored", res.Scored,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return res, nil
}

func (e *Engine) Health(ctx context.Context) error { return e.backend.Health(ctx) }

func (e *Engine) Close() error { return e.backend.Close() }
