package batch

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/modelgrid/inferd/pkg/inferr"
	"github.com/modelgrid/inferd/pkg/models"
)

// DefaultAsyncWorkers bounds concurrently running async jobs.
const DefaultAsyncWorkers = 4

// Work executes one request to a terminal outcome.
type Work func(ctx context.Context, req *models.InferenceRequest) error

// Executor runs batch and async work off the request goroutine. Every unit
// of work is tracked so shutdown can drain it.
type Executor struct {
	logger *slog.Logger
	sem    *semaphore.Weighted
	wg     sync.WaitGroup
}

// NewExecutor sizes the shared async worker bound; batches carry their own
// per-call bound.
func NewExecutor(asyncWorkers int, logger *slog.Logger) *Executor {
	if asyncWorkers <= 0 {
		asyncWorkers = DefaultAsyncWorkers
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		logger: logger.With("component", "batch_executor"),
		sem:    semaphore.NewWeighted(int64(asyncWorkers)),
	}
}

// RunBatch drains the batch through work with at most maxConcurrent requests
// in flight. It returns immediately; progress is observable on the store. A
// failed request never cancels its siblings.
func (e *Executor) RunBatch(ctx context.Context, store *Store, batchID string, reqs []*models.InferenceRequest, maxConcurrent int, work Work) {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		store.MarkBatchRunning(batchID)
		var g errgroup.Group
		g.SetLimit(maxConcurrent)
		for _, req := range reqs {
			g.Go(func() error {
				err := work(ctx, req)
				store.RecordBatchOutcome(batchID, err != nil)
				if err != nil {
					e.logger.Warn("batch request failed",
						"batch_id", batchID,
						"request_id", req.RequestID,
						"error", err,
					)
				}
				return nil
			})
		}
		_ = g.Wait()
	}()
}

// RunJob executes one async job under the shared worker bound. It returns
// immediately; the job settles on the store.
func (e *Executor) RunJob(ctx context.Context, store *Store, jobID string, req *models.InferenceRequest, work Work) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.sem.Acquire(ctx, 1); err != nil {
			store.FinishJob(jobID, inferr.From(err))
			return
		}
		defer e.sem.Release(1)
		store.MarkJobRunning(jobID)
		if err := work(ctx, req); err != nil {
			store.FinishJob(jobID, err)
			e.logger.Warn("async job failed",
				"job_id", jobID,
				"request_id", req.RequestID,
				"error", err,
			)
			return
		}
		store.FinishJob(jobID, nil)
	}()
}

// Drain blocks until every submitted unit of work has settled.
func (e *Executor) Drain() {
	e.wg.Wait()
}
