package batch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelgrid/inferd/pkg/inferr"
	"github.com/modelgrid/inferd/pkg/models"
)

func batchRequests(n int) []*models.InferenceRequest {
	reqs := make([]*models.InferenceRequest, n)
	for i := range reqs {
		reqs[i] = &models.InferenceRequest{
			RequestID: string(rune('a' + i)),
			Model:     "llama3:8b",
			Messages:  []models.Message{{Role: models.RoleUser, Content: "hi"}},
		}
	}
	return reqs
}

func TestRunBatchBoundsConcurrency(t *testing.T) {
	e := NewExecutor(0, slog.Default())
	s := NewStore(nil)
	b := s.CreateBatch("acme", 8)

	var (
		mu      sync.Mutex
		inUse   int
		maxSeen int
	)
	work := func(ctx context.Context, req *models.InferenceRequest) error {
		mu.Lock()
		inUse++
		if inUse > maxSeen {
			maxSeen = inUse
		}
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		inUse--
		mu.Unlock()
		if req.RequestID == "a" {
			return inferr.Upstream("stub", true, errors.New("boom"))
		}
		return nil
	}

	e.RunBatch(context.Background(), s, b.ID, batchRequests(8), 2, work)
	e.Drain()

	got, ok := s.Batch(b.ID, "acme")
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, 7, got.Completed)
	assert.Equal(t, 1, got.Failed)
	assert.LessOrEqual(t, maxSeen, 2)
}

func TestRunBatchClampsConcurrency(t *testing.T) {
	e := NewExecutor(0, slog.Default())
	s := NewStore(nil)
	b := s.CreateBatch("acme", 2)

	e.RunBatch(context.Background(), s, b.ID, batchRequests(2), 0, func(context.Context, *models.InferenceRequest) error {
		return nil
	})
	e.Drain()

	got, _ := s.Batch(b.ID, "acme")
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, 2, got.Completed)
}

func TestRunJobSettlesStore(t *testing.T) {
	e := NewExecutor(2, slog.Default())
	s := NewStore(nil)

	ok := s.CreateJob("acme", "req-ok", "llama3:8b")
	e.RunJob(context.Background(), s, ok.ID, &models.InferenceRequest{RequestID: "req-ok"}, func(context.Context, *models.InferenceRequest) error {
		return nil
	})

	failed := s.CreateJob("acme", "req-bad", "llama3:8b")
	e.RunJob(context.Background(), s, failed.ID, &models.InferenceRequest{RequestID: "req-bad"}, func(context.Context, *models.InferenceRequest) error {
		return inferr.Upstream("stub", false, errors.New("bad key"))
	})

	cancelled := s.CreateJob("acme", "req-gone", "llama3:8b")
	e.RunJob(context.Background(), s, cancelled.ID, &models.InferenceRequest{RequestID: "req-gone"}, func(context.Context, *models.InferenceRequest) error {
		return inferr.Cancelled("req-gone")
	})

	e.Drain()

	got, _ := s.Job(ok.ID, "acme")
	assert.Equal(t, StatusCompleted, got.Status)
	got, _ = s.Job(failed.ID, "acme")
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, string(inferr.KindUpstreamPermanent), got.ErrorKind)
	got, _ = s.Job(cancelled.ID, "acme")
	assert.Equal(t, StatusCancelled, got.Status)
}

func TestRunJobCancelledWhileQueued(t *testing.T) {
	e := NewExecutor(1, slog.Default())
	s := NewStore(nil)

	release := make(chan struct{})
	blocker := s.CreateJob("acme", "req-hog", "llama3:8b")
	e.RunJob(context.Background(), s, blocker.ID, &models.InferenceRequest{RequestID: "req-hog"}, func(context.Context, *models.InferenceRequest) error {
		<-release
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	queued := s.CreateJob("acme", "req-queued", "llama3:8b")
	e.RunJob(ctx, s, queued.ID, &models.InferenceRequest{RequestID: "req-queued"}, func(context.Context, *models.InferenceRequest) error {
		return nil
	})

	// the blocker still holds the only permit, so the queued job can only
	// settle through the cancelled acquire
	cancel()
	require.Eventually(t, func() bool {
		got, _ := s.Job(queued.ID, "acme")
		return got.Status == StatusCancelled
	}, time.Second, 5*time.Millisecond)

	close(release)
	e.Drain()

	got, _ := s.Job(queued.ID, "acme")
	assert.Equal(t, StatusCancelled, got.Status)
}
