package e2e

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelgrid/inferd/pkg/batch"
	"github.com/modelgrid/inferd/pkg/inferr"
	"github.com/modelgrid/inferd/pkg/models"
)

func TestAsyncJobLifecycle(t *testing.T) {
	openai := NewScriptedProvider("openai")
	openai.AddText("done in the background")
	app := NewTestApp(t,
		WithProvider(openai),
		WithModel(models.DefaultTenantID, "gpt-4"),
	)

	jobID := app.SubmitJob(inferBody("gpt-4"), nil)

	job := app.WaitForJob(jobID, batch.StatusCompleted, nil)
	assert.Equal(t, "gpt-4", job.Model)
	assert.NotEmpty(t, job.RequestID)
	assert.False(t, job.FinishedAt.IsZero())
	assert.Empty(t, job.ErrorKind)
	assert.Equal(t, 1, openai.CallCount())
}

func TestAsyncJobRecordsFailure(t *testing.T) {
	openai := NewScriptedProvider("openai")
	openai.AddError(inferr.Upstream("openai", false, errors.New("prompt rejected")))
	app := NewTestApp(t,
		WithProvider(openai),
		WithModel(models.DefaultTenantID, "gpt-4"),
	)

	jobID := app.SubmitJob(inferBody("gpt-4"), nil)

	job := app.WaitForJob(jobID, batch.StatusFailed, nil)
	assert.Equal(t, string(inferr.KindUpstreamPermanent), job.ErrorKind)
	assert.NotEmpty(t, job.Error)
}

func TestCancelInFlightRequest(t *testing.T) {
	blocked := make(chan struct{}, 1)
	openai := NewScriptedProvider("openai")
	openai.Add(ScriptEntry{BlockUntilCancelled: true, OnBlock: blocked})
	app := NewTestApp(t,
		WithProvider(openai),
		WithModel(models.DefaultTenantID, "gpt-4"),
	)

	body := inferBody("gpt-4")
	body["request_id"] = "req-cancel-1"
	jobID := app.SubmitJob(body, nil)

	select {
	case <-blocked:
	case <-time.After(5 * time.Second):
		t.Fatal("provider never started the blocking turn")
	}

	require.Equal(t, http.StatusAccepted, app.CancelRequest("req-cancel-1", nil))

	job := app.WaitForJob(jobID, batch.StatusCancelled, nil)
	assert.Equal(t, "req-cancel-1", job.RequestID)
	assert.Equal(t, string(inferr.KindCancelled), job.ErrorKind)
	assert.Empty(t, job.Error, "cancellation is not a failure")
}

func TestCancelUnknownRequest(t *testing.T) {
	app := NewTestApp(t, WithProvider(NewScriptedProvider("openai")))

	assert.Equal(t, http.StatusNotFound, app.CancelRequest("req-never-seen", nil))
}

func TestJobHiddenFromOtherTenants(t *testing.T) {
	openai := NewScriptedProvider("openai")
	openai.AddText("acme only")

	cfg := NewTestConfig()
	cfg.Multitenancy.Enabled = true
	app := NewTestApp(t,
		WithConfig(cfg),
		WithProvider(openai),
		WithModel("acme", "gpt-4"),
	)
	acme := map[string]string{"X-Tenant-ID": "acme"}

	jobID := app.SubmitJob(inferBody("gpt-4"), acme)
	app.WaitForJob(jobID, batch.StatusCompleted, acme)

	resp := app.get("/api/v1/jobs/"+jobID, map[string]string{"X-Tenant-ID": "globex"})
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestBatchCompletesWithPartialFailures(t *testing.T) {
	openai := NewScriptedProvider("openai")
	openai.AddText("one")
	openai.AddText("two")
	openai.AddError(inferr.Upstream("openai", false, errors.New("filtered")))

	app := NewTestApp(t,
		WithProvider(openai),
		WithModel(models.DefaultTenantID, "gpt-4"),
	)

	requests := []map[string]any{inferBody("gpt-4"), inferBody("gpt-4"), inferBody("gpt-4")}
	batchID := app.SubmitBatch(requests, 1, nil)

	job := app.WaitForBatch(batchID, nil)
	assert.Equal(t, batch.StatusCompleted, job.Status)
	assert.Equal(t, 3, job.Total)
	assert.Equal(t, 2, job.Completed)
	assert.Equal(t, 1, job.Failed)
	assert.Equal(t, 3, openai.CallCount())
}

func TestBatchFailsWhenEveryRequestFails(t *testing.T) {
	openai := NewScriptedProvider("openai")
	openai.AddError(inferr.Upstream("openai", false, errors.New("filtered")))
	openai.AddError(inferr.Upstream("openai", false, errors.New("filtered")))

	app := NewTestApp(t,
		WithProvider(openai),
		WithModel(models.DefaultTenantID, "gpt-4"),
	)

	batchID := app.SubmitBatch([]map[string]any{inferBody("gpt-4"), inferBody("gpt-4")}, 1, nil)

	job := app.WaitForBatch(batchID, nil)
	assert.Equal(t, batch.StatusFailed, job.Status)
	assert.Equal(t, 2, job.Failed)
	assert.Zero(t, job.Completed)
}

func TestEmptyBatchIsTerminalImmediately(t *testing.T) {
	app := NewTestApp(t, WithProvider(NewScriptedProvider("openai")))

	batchID := app.SubmitBatch(nil, 0, nil)
	job := app.WaitForBatch(batchID, nil)
	assert.Equal(t, batch.StatusCompleted, job.Status)
	assert.Zero(t, job.Total)
}
