// Package batch tracks asynchronous and batched inference work. The stores
// hold status and counters only; request and response payloads are never
// retained past the request path.
package batch

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/modelgrid/inferd/pkg/inferr"
	"github.com/modelgrid/inferd/pkg/metrics"
)

// JobStatus is the lifecycle state of a batch or async job.
type JobStatus string

const (
	StatusPending   JobStatus = "PENDING"
	StatusRunning   JobStatus = "RUNNING"
	StatusCompleted JobStatus = "COMPLETED"
	StatusFailed    JobStatus = "FAILED"
	StatusCancelled JobStatus = "CANCELLED"
)

// Terminal reports whether the status is final.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// BatchJob tracks one batch submission. Counters only move toward Total;
// the job turns terminal exactly when Completed+Failed reaches it. A batch
// is FAILED only when every request in it failed.
type BatchJob struct {
	ID         string    `json:"id"`
	TenantID   string    `json:"tenant_id"`
	Status     JobStatus `json:"status"`
	Total      int       `json:"total"`
	Completed  int       `json:"completed"`
	Failed     int       `json:"failed"`
	CreatedAt  time.Time `json:"created_at"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
}

// AsyncJob tracks one fire-and-forget submission.
type AsyncJob struct {
	ID         string    `json:"id"`
	TenantID   string    `json:"tenant_id"`
	RequestID  string    `json:"request_id"`
	Model      string    `json:"model"`
	Status     JobStatus `json:"status"`
	ErrorKind  string    `json:"error_kind,omitempty"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
}

// Store is the in-memory job table. Lookups are O(1) and tenant-scoped;
// readers receive copies.
type Store struct {
	mu      sync.RWMutex
	batches map[string]*BatchJob
	jobs    map[string]*AsyncJob

	collectors *metrics.Collectors
	now        func() time.Time
}

// NewStore creates an empty job table. collectors may be nil.
func NewStore(collectors *metrics.Collectors) *Store {
	return &Store{
		batches:    make(map[string]*BatchJob),
		jobs:       make(map[string]*AsyncJob),
		collectors: collectors,
		now:        time.Now,
	}
}

// CreateBatch registers a batch of total requests. A batch with nothing to
// do is terminal immediately.
func (s *Store) CreateBatch(tenantID string, total int) BatchJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := &BatchJob{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		Status:    StatusPending,
		Total:     total,
		CreatedAt: s.now(),
	}
	if total == 0 {
		b.Status = StatusCompleted
		b.FinishedAt = b.CreatedAt
		s.countTerminal(b.Status)
	}
	s.batches[b.ID] = b
	return *b
}

// MarkBatchRunning flips the batch out of PENDING once the executor picks
// it up.
func (s *Store) MarkBatchRunning(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.batches[id]; ok && b.Status == StatusPending {
		b.Status = StatusRunning
	}
}

// RecordBatchOutcome accounts one terminal request outcome.
func (s *Store) RecordBatchOutcome(id string, failed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[id]
	if !ok || b.Status.Terminal() {
		return
	}
	if failed {
		b.Failed++
	} else {
		b.Completed++
	}
	if b.Completed+b.Failed < b.Total {
		return
	}
	if b.Failed == b.Total {
		b.Status = StatusFailed
	} else {
		b.Status = StatusCompleted
	}
	b.FinishedAt = s.now()
	s.countTerminal(b.Status)
}

// Batch returns the tenant's batch by id.
func (s *Store) Batch(id, tenantID string) (BatchJob, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.batches[id]
	if !ok || b.TenantID != tenantID {
		return BatchJob{}, false
	}
	return *b, true
}

// CreateJob registers one async submission.
func (s *Store) CreateJob(tenantID, requestID, model string) AsyncJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := &AsyncJob{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		RequestID: requestID,
		Model:     model,
		Status:    StatusPending,
		CreatedAt: s.now(),
	}
	s.jobs[j.ID] = j
	return *j
}

// MarkJobRunning flips the job out of PENDING once a worker starts it.
func (s *Store) MarkJobRunning(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok && j.Status == StatusPending {
		j.Status = StatusRunning
	}
}

// FinishJob settles the job from its work error. Cancellation is its own
// terminal status, not a failure.
func (s *Store) FinishJob(id string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status.Terminal() {
		return
	}
	switch {
	case err == nil:
		j.Status = StatusCompleted
	case inferr.KindOf(err) == inferr.KindCancelled:
		j.Status = StatusCancelled
		j.ErrorKind = string(inferr.KindCancelled)
	default:
		j.Status = StatusFailed
		j.ErrorKind = string(inferr.KindOf(err))
		j.Error = err.Error()
	}
	j.FinishedAt = s.now()
	s.countTerminal(j.Status)
}

// Job returns the tenant's async job by id.
func (s *Store) Job(id, tenantID string) (AsyncJob, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok || j.TenantID != tenantID {
		return AsyncJob{}, false
	}
	return *j, true
}

// Purge drops terminal entries that finished more than retention ago and
// returns how many were removed.
func (s *Store) Purge(retention time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-retention)
	n := 0
	for id, b := range s.batches {
		if b.Status.Terminal() && b.FinishedAt.Before(cutoff) {
			delete(s.batches, id)
			n++
		}
	}
	for id, j := range s.jobs {
		if j.Status.Terminal() && j.FinishedAt.Before(cutoff) {
			delete(s.jobs, id)
			n++
		}
	}
	return n
}

func (s *Store) countTerminal(status JobStatus) {
	if s.collectors != nil {
		s.collectors.BatchJobsTotal.WithLabelValues(string(status)).Inc()
	}
}
