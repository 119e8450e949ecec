package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelgrid/inferd/pkg/inferr"
	"github.com/modelgrid/inferd/pkg/models"
	"github.com/modelgrid/inferd/pkg/providers"
)

func TestInference(t *testing.T) {
	f := newFixture(t, Options{})
	var seen *models.InferenceRequest
	f.engine.infer = func(_ context.Context, req *models.InferenceRequest, tenant models.TenantContext) (*models.InferenceResponse, error) {
		seen = req
		require.Equal(t, models.DefaultTenantID, tenant.TenantID)
		return &models.InferenceResponse{RequestID: req.RequestID, Model: req.Model, Content: "hello", TokensUsed: 3}, nil
	}

	body := inferencePayload()
	body["timeout_ms"] = 1500
	rec := f.do(http.MethodPost, "/api/v1/inference", body, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp models.InferenceResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "hello", resp.Content)

	require.NotNil(t, seen)
	assert.Equal(t, 1500*time.Millisecond, seen.Timeout)
	assert.NotEmpty(t, seen.RequestID, "request id assigned when the body has none")
}

func TestInferenceHonorsRequestIDHeader(t *testing.T) {
	f := newFixture(t, Options{})
	var seen *models.InferenceRequest
	f.engine.infer = func(_ context.Context, req *models.InferenceRequest, _ models.TenantContext) (*models.InferenceResponse, error) {
		seen = req
		return &models.InferenceResponse{RequestID: req.RequestID}, nil
	}

	rec := f.do(http.MethodPost, "/api/v1/inference", inferencePayload(), map[string]string{
		headerRequestID: "req-from-client",
	})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "req-from-client", rec.Header().Get(headerRequestID))
	require.NotNil(t, seen)
	assert.Equal(t, "req-from-client", seen.RequestID)
}

func TestInferenceRejectsMalformedBody(t *testing.T) {
	f := newFixture(t, Options{})
	rec := f.do(http.MethodPost, "/api/v1/inference", nil, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var env errorEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, string(inferr.KindValidation), env.ErrorCode)
}

func TestInferenceBodyLimit(t *testing.T) {
	f := newFixture(t, Options{MaxRequestBytes: 64})
	body := inferencePayload()
	body["metadata"] = map[string]string{"pad": strings.Repeat("x", 256)}

	rec := f.do(http.MethodPost, "/api/v1/inference", body, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "exceeds")
}

func TestInferenceCostSensitiveStamping(t *testing.T) {
	f := newFixture(t, Options{CostSensitive: map[string]bool{"acme": true}})
	var seen *models.InferenceRequest
	f.engine.infer = func(_ context.Context, req *models.InferenceRequest, _ models.TenantContext) (*models.InferenceResponse, error) {
		seen = req
		return &models.InferenceResponse{}, nil
	}

	rec := f.do(http.MethodPost, "/api/v1/inference", inferencePayload(), map[string]string{
		headerTenantID: "acme",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, seen)
	assert.Equal(t, "true", seen.Meta(models.MetaCostSensitive))

	// An explicit request flag is left alone.
	body := inferencePayload()
	body["metadata"] = map[string]string{models.MetaCostSensitive: "false"}
	rec = f.do(http.MethodPost, "/api/v1/inference", body, map[string]string{headerTenantID: "acme"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "false", seen.Meta(models.MetaCostSensitive))
}

func TestStream(t *testing.T) {
	f := newFixture(t, Options{})

	rec := f.do(http.MethodPost, "/api/v1/inference/stream", inferencePayload(), nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/event-stream")

	chunks := decodeSSE(t, rec.Body.String())
	require.Len(t, chunks, 2)
	assert.Equal(t, "he", chunks[0].Delta)
	assert.False(t, chunks[0].IsFinal)
	assert.Equal(t, "llo", chunks[1].Delta)
	assert.True(t, chunks[1].IsFinal)
	assert.Equal(t, string(models.FinishStop), chunks[1].Metadata[models.MetaFinishReason])
}

func TestStreamSetupErrorKeepsStatusMapping(t *testing.T) {
	f := newFixture(t, Options{})
	f.engine.stream = func(context.Context, *models.InferenceRequest, models.TenantContext) (providers.StreamIterator, error) {
		return nil, inferr.NoCompatibleProvider("llama3:8b")
	}

	rec := f.do(http.MethodPost, "/api/v1/inference/stream", inferencePayload(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStreamMidstreamFailureEmitsErrorEvent(t *testing.T) {
	f := newFixture(t, Options{})
	f.engine.stream = func(_ context.Context, req *models.InferenceRequest, _ models.TenantContext) (providers.StreamIterator, error) {
		ps := providers.NewPushStream(2)
		_ = ps.Send(context.Background(), models.StreamChunk{RequestID: req.RequestID, Delta: "par"})
		ps.Fail(inferr.Upstream("openai", true, errors.New("connection reset")))
		return ps, nil
	}

	rec := f.do(http.MethodPost, "/api/v1/inference/stream", inferencePayload(), nil)

	// The 200 header was already on the wire; the failure must arrive as
	// the terminal data event.
	require.Equal(t, http.StatusOK, rec.Code)
	events := strings.Split(strings.TrimSpace(rec.Body.String()), "\n\n")
	require.Len(t, events, 2)

	var terminal struct {
		Error errorEnvelope `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(events[1], "data: ")), &terminal))
	assert.Equal(t, string(inferr.KindUpstreamTransient), terminal.Error.ErrorCode)
	assert.True(t, terminal.Error.Retryable)
}

func decodeSSE(t *testing.T, body string) []models.StreamChunk {
	t.Helper()
	var chunks []models.StreamChunk
	for _, event := range strings.Split(strings.TrimSpace(body), "\n\n") {
		payload := strings.TrimPrefix(event, "data: ")
		var chunk models.StreamChunk
		require.NoError(t, json.Unmarshal([]byte(payload), &chunk))
		chunks = append(chunks, chunk)
	}
	return chunks
}
