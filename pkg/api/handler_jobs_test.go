package api

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelgrid/inferd/pkg/batch"
	"github.com/modelgrid/inferd/pkg/models"
)

func TestSubmitJob(t *testing.T) {
	f := newFixture(t, Options{})
	f.engine.submitAsync = func(req *models.InferenceRequest, tenant models.TenantContext) (string, error) {
		require.Equal(t, "llama3:8b", req.Model)
		return "job-42", nil
	}

	rec := f.do(http.MethodPost, "/api/v1/jobs", inferencePayload(), nil)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp JobAccepted
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "job-42", resp.JobID)
}

func TestGetJob(t *testing.T) {
	f := newFixture(t, Options{})
	f.engine.jobStatus = func(jobID string, tenant models.TenantContext) (batch.AsyncJob, bool) {
		if jobID != "job-42" {
			return batch.AsyncJob{}, false
		}
		return batch.AsyncJob{ID: jobID, Status: batch.StatusCompleted, Model: "llama3:8b", CreatedAt: time.Now()}, true
	}

	rec := f.do(http.MethodGet, "/api/v1/jobs/job-42", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var job batch.AsyncJob
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	assert.Equal(t, batch.StatusCompleted, job.Status)

	rec = f.do(http.MethodGet, "/api/v1/jobs/missing", nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	var env errorEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, "NotFound", env.ErrorCode)
	assert.Equal(t, "missing", env.Details["job"])
}

func TestSubmitBatch(t *testing.T) {
	f := newFixture(t, Options{})
	var gotLen, gotMax int
	f.engine.batchSubmit = func(reqs []*models.InferenceRequest, maxConcurrent int, tenant models.TenantContext) (string, error) {
		gotLen, gotMax = len(reqs), maxConcurrent
		return "batch-7", nil
	}

	body := map[string]any{
		"requests":       []map[string]any{inferencePayload(), inferencePayload()},
		"max_concurrent": 2,
	}
	rec := f.do(http.MethodPost, "/api/v1/batches", body, nil)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp BatchAccepted
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "batch-7", resp.BatchID)
	assert.Equal(t, 2, gotLen)
	assert.Equal(t, 2, gotMax)
}

func TestGetBatch(t *testing.T) {
	f := newFixture(t, Options{})
	f.engine.batchStatus = func(batchID string, tenant models.TenantContext) (batch.BatchJob, bool) {
		if batchID != "batch-7" {
			return batch.BatchJob{}, false
		}
		return batch.BatchJob{ID: batchID, Status: batch.StatusRunning, Total: 2, Completed: 1}, true
	}

	rec := f.do(http.MethodGet, "/api/v1/batches/batch-7", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var job batch.BatchJob
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	assert.Equal(t, 1, job.Completed)

	rec = f.do(http.MethodGet, "/api/v1/batches/missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelRequest(t *testing.T) {
	f := newFixture(t, Options{})
	f.engine.cancel = func(requestID string, tenant models.TenantContext) bool {
		return requestID == "req-9"
	}

	rec := f.do(http.MethodDelete, "/api/v1/requests/req-9", nil, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp CancelAccepted
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "cancelling", resp.Status)

	rec = f.do(http.MethodDelete, "/api/v1/requests/done-already", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
