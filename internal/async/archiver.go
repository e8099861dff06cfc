// Package async archives processed batches to the database off the request
// path. The HTTP response is already on the wire when a job runs here.
package async

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dquispe/comprobantes/constants"
	"github.com/dquispe/comprobantes/internal/pipeline"
	"github.com/dquispe/comprobantes/internal/repository"
)

type Archiver struct {
	repo    repository.BatchRepository
	logger  *slog.Logger
	workers int
	timeout time.Duration

	ch   chan Job
	wg   sync.WaitGroup
	once sync.Once

	mu     sync.Mutex
	closed bool
}

type Option func(*Archiver)

func WithWorkers(n int) Option {
	return func(a *Archiver) {
		if n > 0 {
			a.workers = n
		}
	}
}
func WithQueueSize(n int) Option {
	return func(a *Archiver) {
		if n > 0 {
			a.ch = make(chan Job, n)
		}
	}
}
func WithArchiveTimeout(d time.Duration) Option {
	return func(a *Archiver) {
		if d > 0 {
			a.timeout = d
		}
	}
}

func NewArchiver(repo repository.BatchRepository, logger *slog.Logger, opts ...Option) *Archiver {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Archiver{
		repo:    repo,
		logger:  logger,
		workers: 2,
		timeout: 30 * time.Second,
		ch:      make(chan Job, 64),
	}
	for _, o := range opts {
		o(a)
	}
	a.start()
	return a
}

func (a *Archiver) start() {
	a.once.Do(func() {
		for i := 0; i < a.workers; i++ {
			a.wg.Add(1)
			go func(workerID int) {
				defer a.wg.Done()
				a.logger.Info("archiver worker started", "worker_id", workerID)

				for job := range a.ch {
					ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
					err := a.archive(ctx, job)
					cancel()

					if err != nil {
						a.logger.Error("batch archive failed", "worker_id", workerID, "batch_id", job.BatchID, "error", err)
					} else {
						a.logger.Info("batch archived", "worker_id", workerID, "batch_id", job.BatchID, "items", len(job.Result.Data))
					}
				}

				a.logger.Info("archiver worker stopped", "worker_id", workerID)
			}(i + 1)
		}
	})
}

func (a *Archiver) archive(ctx context.Context, job Job) error {
	now := time.Now().UTC()
	ok := 0
	for _, it := range job.Result.Data {
		if it.Estado {
			ok++
		}
	}

	err := a.repo.CreateBatch(ctx, repository.BatchRecord{
		ID:             job.BatchID,
		RucConsultante: job.RucConsultante,
		ItemCount:      len(job.Result.Data),
		OkCount:        ok,
		Status:         constants.ArchiveStatusQueued,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	if err != nil {
		return fmt.Errorf("create batch row: %w", err)
	}

	if err := a.repo.InsertItems(ctx, job.BatchID, toItemRecords(job.Result)); err != nil {
		if uerr := a.repo.UpdateStatus(ctx, job.BatchID, constants.ArchiveStatusFailed, err.Error()); uerr != nil {
			a.logger.Error("mark batch failed", "batch_id", job.BatchID, "error", uerr)
		}
		return fmt.Errorf("insert items: %w", err)
	}

	if err := a.repo.UpdateStatus(ctx, job.BatchID, constants.ArchiveStatusStored, ""); err != nil {
		return fmt.Errorf("mark batch stored: %w", err)
	}
	return nil
}

func toItemRecords(res pipeline.BatchResult) []repository.ItemRecord {
	records := make([]repository.ItemRecord, 0, len(res.Data))
	for _, it := range res.Data {
		rec := repository.ItemRecord{
			ItemIndex: it.Index,
			Estado:    it.Estado,
			Filename:  it.Origen.Filename,
			Mime:      it.Origen.Mime,
			PageIndex: it.Origen.PageIndex,
			SHA256:    it.Origen.SHA256,
			Comp:      it.Comp,
			Mensaje:   it.Mensaje,
		}
		if it.Sunat != nil {
			okv := it.Sunat.OK
			st := it.Sunat.Status
			rec.SunatOK = &okv
			rec.SunatStatus = &st
			rec.SunatPayload = it.Sunat.Payload
		}
		records = append(records, rec)
	}
	return records
}

func (a *Archiver) Enqueue(_ context.Context, job Job) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		a.logger.Warn("cannot enqueue: archiver is shutting down", "batch_id", job.BatchID)
		return nil
	}
	select {
	case a.ch <- job:
		a.logger.Info("queued batch for archival", "batch_id", job.BatchID, "items", len(job.Result.Data))
	default:
		a.logger.Warn("archive queue full, applying backpressure", "batch_id", job.BatchID)
		a.ch <- job
	}
	return nil
}

func (a *Archiver) Shutdown(ctx context.Context) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	close(a.ch)
	a.mu.Unlock()

	done := make(chan struct{})
	go func() { defer close(done); a.wg.Wait() }()

	select {
	case <-ctx.Done():
		a.logger.Warn("archiver shutdown interrupted by context")
	case <-done:
		a.logger.Info("archive queue drained, shutdown complete")
	}
}
