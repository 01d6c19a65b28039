package async

import (
	"context"
	"sync"
	"time"

	"log/slog"

	"github.com/expedocr/expedocr/internal/pipeline"
	"github.com/expedocr/expedocr/internal/repository"
)

// ProcessorQueue feeds queued documents to the extraction pipeline. Each
// worker loads the document row, runs it under the per-document budget and
// lets the pipeline persist whatever it concludes.
type ProcessorQueue struct {
	proc    *pipeline.Processor
	store   repository.Store
	logger  *slog.Logger
	workers int
	timeout time.Duration

	ch   chan Job
	wg   sync.WaitGroup
	once sync.Once

	mu     sync.Mutex
	closed bool
}

type Option func(*ProcessorQueue)

func WithWorkers(n int) Option {
	return func(q *ProcessorQueue) {
		if n > 0 {
			q.workers = n
		}
	}
}
func WithQueueSize(n int) Option {
	return func(q *ProcessorQueue) {
		if n > 0 {
			q.ch = make(chan Job, n)
		}
	}
}
func WithProcessTimeout(d time.Duration) Option {
	return func(q *ProcessorQueue) {
		if d > 0 {
			q.timeout = d
		}
	}
}

func NewProcessorQueue(proc *pipeline.Processor, store repository.Store, logger *slog.Logger, opts ...Option) *ProcessorQueue {
	if logger == nil {
		logger = slog.Default()
	}
	q := &ProcessorQueue{
		proc:    proc,
		store:   store,
		logger:  logger,
		workers: 4,
		timeout: 3 * time.Minute,
		ch:      make(chan Job, 256),
	}
	for _, o := range opts {
		o(q)
	}
	q.start()
	return q
}

func (q *ProcessorQueue) start() {
	q.once.Do(func() {
		for i := 0; i < q.workers; i++ {
			q.wg.Add(1)
			go func(workerID int) {
				defer q.wg.Done()
				q.logger.Info("worker started", "worker_id", workerID)

				for job := range q.ch {
					q.runJob(workerID, job)
				}

				q.logger.Info("worker stopped", "worker_id", workerID)
			}(i + 1)
		}
	})
}

// runJob processes one document under the budget. The pipeline turns a
// budget overrun into a persisted CANCELLED document, so the only errors
// surfacing here are store faults.
func (q *ProcessorQueue) runJob(workerID int, job Job) {
	ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
	defer cancel()

	doc, err := q.store.GetDocument(ctx, job.DocumentID)
	if err != nil {
		q.logger.Error("load document failed", "worker_id", workerID, "document_id", job.DocumentID, "error", err)
		return
	}

	done, err := q.proc.Process(ctx, doc)
	if err != nil {
		q.logger.Error("processing failed", "worker_id", workerID, "document_id", job.DocumentID, "error", err)
		return
	}
	q.logger.Info("processed document",
		"worker_id", workerID,
		"document_id", job.DocumentID,
		"outcome", done.Outcome,
		"needs_review", done.NeedsReview,
	)
}

func (q *ProcessorQueue) Enqueue(_ context.Context, job Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		q.logger.Warn("cannot enqueue: queue is shutting down", "document_id", job.DocumentID)
		return nil
	}
	select {
	case q.ch <- job:
		q.logger.Info("queued document for processing", "document_id", job.DocumentID, "force", job.Force)
	default:
		q.logger.Warn("queue full, applying backpressure", "document_id", job.DocumentID)
		q.ch <- job
	}
	return nil
}

func (q *ProcessorQueue) Shutdown(ctx context.Context) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.ch)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() { defer close(done); q.wg.Wait() }()

	select {
	case <-ctx.Done():
		q.logger.Warn("shutdown interrupted by context")
	case <-done:
		q.logger.Info("queue drained, shutdown complete")
	}
}
