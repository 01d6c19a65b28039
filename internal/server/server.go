// Package server exposes the HTTP API: document ingestion, status and
// report retrieval, and dependency health.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/expedocr/expedocr/internal/async"
	"github.com/expedocr/expedocr/internal/ingest"
	"github.com/expedocr/expedocr/internal/report"
	"github.com/expedocr/expedocr/internal/repository"
)

// Probe is a dependency health check surfaced on /healthz.
type Probe interface {
	Health(ctx context.Context) error
}

// NamedProbe pairs a probe with the name it reports under.
type NamedProbe struct {
	Name  string
	Probe Probe
}

type Config struct {
	Addr     string
	SpoolDir string // uploaded PDFs are parked here before processing
}

type Server struct {
	cfg      Config
	store    repository.Store
	ingestor ingest.Ingestor
	queue    async.Queue
	reports  *report.Service
	probes   []NamedProbe
	logger   *slog.Logger
	http     *http.Server
}

func New(
	cfg Config,
	store repository.Store,
	ingestor ingest.Ingestor,
	queue async.Queue,
	reports *report.Service,
	probes []NamedProbe,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:      cfg,
		store:    store,
		ingestor: ingestor,
		queue:    queue,
		reports:  reports,
		probes:   probes,
		logger:   logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/documents", s.handleIngest)
		r.Get("/documents", s.handleList)
		r.Get("/documents/{id}", s.handleGet)
		r.Get("/documents/{id}/report.xlsx", s.handleReportXLSX)
		r.Get("/documents/{id}/audit", s.handleAudit)
	})
	r.Get("/healthz", s.handleHealth)

	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start serves until Stop is called. Blocking.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.cfg.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop drains in-flight requests and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("http server stopping")
	return s.http.Shutdown(ctx)
}
