package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/modelgrid/inferd/pkg/batch"
	"github.com/modelgrid/inferd/pkg/models"
)

// ErrorEnvelope mirrors the gateway's error response body.
type ErrorEnvelope struct {
	ErrorCode  string            `json:"error_code"`
	Message    string            `json:"message"`
	RequestID  string            `json:"request_id"`
	HTTPStatus int               `json:"http_status"`
	Retryable  bool              `json:"retryable"`
	Details    map[string]string `json:"details"`
}

// inferBody builds a minimal inference request body.
func inferBody(model string) map[string]any {
	return map[string]any{
		"model": model,
		"messages": []map[string]any{
			{"role": "user", "content": "hello"},
		},
	}
}

func (app *TestApp) post(path string, body any, headers map[string]string) *http.Response {
	app.t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(app.t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(http.MethodPost, app.BaseURL+path, reader)
	require.NoError(app.t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := app.Server.Client().Do(req)
	require.NoError(app.t, err)
	return resp
}

func (app *TestApp) get(path string, headers map[string]string) *http.Response {
	app.t.Helper()
	req, err := http.NewRequest(http.MethodGet, app.BaseURL+path, nil)
	require.NoError(app.t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := app.Server.Client().Do(req)
	require.NoError(app.t, err)
	return resp
}

func (app *TestApp) delete(path string, headers map[string]string) *http.Response {
	app.t.Helper()
	req, err := http.NewRequest(http.MethodDelete, app.BaseURL+path, nil)
	require.NoError(app.t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := app.Server.Client().Do(req)
	require.NoError(app.t, err)
	return resp
}

// decode reads and closes the response body into out.
func (app *TestApp) decode(resp *http.Response, out any) {
	app.t.Helper()
	defer resp.Body.Close()
	require.NoError(app.t, json.NewDecoder(resp.Body).Decode(out))
}

// MustInfer runs one unary inference and requires success.
func (app *TestApp) MustInfer(body map[string]any, headers map[string]string) *models.InferenceResponse {
	app.t.Helper()
	resp := app.post("/api/v1/inference", body, headers)
	require.Equal(app.t, http.StatusOK, resp.StatusCode)
	var out models.InferenceResponse
	app.decode(resp, &out)
	return &out
}

// InferExpectingError runs one unary inference and decodes the error body.
func (app *TestApp) InferExpectingError(body map[string]any, headers map[string]string) (ErrorEnvelope, int) {
	app.t.Helper()
	resp := app.post("/api/v1/inference", body, headers)
	var env ErrorEnvelope
	status := resp.StatusCode
	app.decode(resp, &env)
	return env, status
}

// StreamEvents runs one streaming inference and returns the raw payload of
// every SSE data event, in order.
func (app *TestApp) StreamEvents(body map[string]any, headers map[string]string) []json.RawMessage {
	app.t.Helper()
	resp := app.post("/api/v1/inference/stream", body, headers)
	require.Equal(app.t, http.StatusOK, resp.StatusCode)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(app.t, err)

	var out []json.RawMessage
	for _, block := range strings.Split(string(raw), "\n\n") {
		block = strings.TrimSpace(block)
		if block == "" {
			continue
		}
		require.True(app.t, strings.HasPrefix(block, "data: "), "unexpected SSE block: %q", block)
		out = append(out, json.RawMessage(strings.TrimPrefix(block, "data: ")))
	}
	return out
}

// SubmitJob submits an async job and returns its id.
func (app *TestApp) SubmitJob(body map[string]any, headers map[string]string) string {
	app.t.Helper()
	resp := app.post("/api/v1/jobs", body, headers)
	require.Equal(app.t, http.StatusAccepted, resp.StatusCode)
	var out struct {
		JobID string `json:"job_id"`
	}
	app.decode(resp, &out)
	require.NotEmpty(app.t, out.JobID)
	return out.JobID
}

// WaitForJob polls the job until it reaches the wanted status.
func (app *TestApp) WaitForJob(jobID string, want batch.JobStatus, headers map[string]string) batch.AsyncJob {
	app.t.Helper()
	var job batch.AsyncJob
	require.Eventually(app.t, func() bool {
		resp := app.get("/api/v1/jobs/"+jobID, headers)
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return false
		}
		app.decode(resp, &job)
		return job.Status == want
	}, 5*time.Second, 10*time.Millisecond, "job %s never reached %s (last: %s)", jobID, want, job.Status)
	return job
}

// SubmitBatch submits a batch and returns its id.
func (app *TestApp) SubmitBatch(requests []map[string]any, maxConcurrent int, headers map[string]string) string {
	app.t.Helper()
	resp := app.post("/api/v1/batches", map[string]any{
		"requests":       requests,
		"max_concurrent": maxConcurrent,
	}, headers)
	require.Equal(app.t, http.StatusAccepted, resp.StatusCode)
	var out struct {
		BatchID string `json:"batch_id"`
	}
	app.decode(resp, &out)
	require.NotEmpty(app.t, out.BatchID)
	return out.BatchID
}

// WaitForBatch polls the batch until it turns terminal.
func (app *TestApp) WaitForBatch(batchID string, headers map[string]string) batch.BatchJob {
	app.t.Helper()
	var job batch.BatchJob
	require.Eventually(app.t, func() bool {
		resp := app.get("/api/v1/batches/"+batchID, headers)
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return false
		}
		app.decode(resp, &job)
		return job.Status.Terminal()
	}, 5*time.Second, 10*time.Millisecond, "batch %s never settled", batchID)
	return job
}

// CancelRequest fires a cancellation for the in-flight request id.
func (app *TestApp) CancelRequest(requestID string, headers map[string]string) int {
	app.t.Helper()
	resp := app.delete(fmt.Sprintf("/api/v1/requests/%s", requestID), headers)
	resp.Body.Close()
	return resp.StatusCode
}
