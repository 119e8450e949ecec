package e2e

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelgrid/inferd/pkg/events"
	"github.com/modelgrid/inferd/pkg/inferr"
	"github.com/modelgrid/inferd/pkg/models"
)

// decodePayload unmarshals an audit event payload into its typed form.
func decodePayload[T any](t *testing.T, e events.Event) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(e.Payload, &out))
	return out
}

func TestUnaryInference(t *testing.T) {
	openai := NewScriptedProvider("openai")
	openai.AddText("the capital of France is Paris")
	app := NewTestApp(t,
		WithProvider(openai),
		WithModel(models.DefaultTenantID, "gpt-4"),
	)

	resp := app.MustInfer(inferBody("gpt-4"), nil)

	assert.Equal(t, "the capital of France is Paris", resp.Content)
	assert.Equal(t, "gpt-4", resp.Model)
	assert.Equal(t, "openai", resp.Metadata[models.MetaProviderID])
	assert.Equal(t, string(models.FinishStop), resp.Metadata[models.MetaFinishReason])
	assert.Equal(t, 1, openai.CallCount())

	// the middleware minted the request id the body did not carry
	_, err := uuid.Parse(resp.RequestID)
	assert.NoError(t, err)

	evs := app.Audit.OfType(events.EventTypeInferenceSuccess)
	require.Len(t, evs, 1)
	payload := decodePayload[events.InferenceSuccessPayload](t, evs[0])
	assert.Equal(t, "openai", payload.ProviderID)
	assert.Equal(t, models.DefaultTenantID, payload.TenantID)
	assert.False(t, payload.Fallback)
}

func TestStreamingInference(t *testing.T) {
	openai := NewScriptedProvider("openai")
	openai.Add(ScriptEntry{Chunks: []string{"Par", "is"}})
	app := NewTestApp(t,
		WithProvider(openai),
		WithModel(models.DefaultTenantID, "gpt-4"),
	)

	payloads := app.StreamEvents(inferBody("gpt-4"), nil)
	require.Len(t, payloads, 3, "two deltas and one final chunk")

	var text strings.Builder
	var final models.StreamChunk
	for _, raw := range payloads {
		var chunk models.StreamChunk
		require.NoError(t, json.Unmarshal(raw, &chunk))
		text.WriteString(chunk.Delta)
		final = chunk
	}
	assert.Equal(t, "Paris", text.String())
	assert.True(t, final.IsFinal)
	assert.Equal(t, string(models.FinishStop), final.Metadata[models.MetaFinishReason])

	evs := app.Audit.OfType(events.EventTypeInferenceSuccess)
	require.Len(t, evs, 1)
	assert.True(t, decodePayload[events.InferenceSuccessPayload](t, evs[0]).Streaming)
}

func TestStreamRejectedBeforeFirstChunk(t *testing.T) {
	openai := NewScriptedProvider("openai")
	openai.AddError(inferr.Upstream("openai", false, errors.New("model corrupted")))
	app := NewTestApp(t,
		WithProvider(openai),
		WithModel(models.DefaultTenantID, "gpt-4"),
	)

	// the provider rejects before the first chunk, so the failure surfaces
	// as a plain HTTP error instead of a terminal stream event
	resp := app.post("/api/v1/inference/stream", inferBody("gpt-4"), nil)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	var env ErrorEnvelope
	app.decode(resp, &env)
	assert.Equal(t, string(inferr.KindUpstreamPermanent), env.ErrorCode)
}

func TestFallbackToSecondProvider(t *testing.T) {
	primary := NewScriptedProvider("primary")
	primary.AddError(inferr.Upstream("primary", true, errors.New("connection reset")))
	backup := NewScriptedProvider("backup")
	backup.AddText("served by backup")

	app := NewTestApp(t,
		WithProvider(primary),
		WithProvider(backup),
		WithModel(models.DefaultTenantID, "gpt-4"),
	)

	body := inferBody("gpt-4")
	body["preferred_provider"] = "primary"
	resp := app.MustInfer(body, nil)

	assert.Equal(t, "served by backup", resp.Content)
	assert.Equal(t, "backup", resp.Metadata[models.MetaProviderID])
	assert.Equal(t, "true", resp.Metadata[models.MetaFallback])
	assert.Equal(t, 1, primary.CallCount())
	assert.Equal(t, 1, backup.CallCount())

	evs := app.Audit.OfType(events.EventTypeInferenceSuccess)
	require.Len(t, evs, 1)
	payload := decodePayload[events.InferenceSuccessPayload](t, evs[0])
	assert.Equal(t, "backup", payload.ProviderID)
	assert.True(t, payload.Fallback)
}

func TestPermanentFailureDoesNotFallBack(t *testing.T) {
	primary := NewScriptedProvider("primary")
	primary.AddError(inferr.Upstream("primary", false, errors.New("prompt rejected")))
	backup := NewScriptedProvider("backup")

	app := NewTestApp(t,
		WithProvider(primary),
		WithProvider(backup),
		WithModel(models.DefaultTenantID, "gpt-4"),
	)

	body := inferBody("gpt-4")
	body["preferred_provider"] = "primary"
	env, status := app.InferExpectingError(body, nil)

	assert.Equal(t, http.StatusBadGateway, status)
	assert.Equal(t, string(inferr.KindUpstreamPermanent), env.ErrorCode)
	assert.False(t, env.Retryable)
	assert.Equal(t, 1, primary.CallCount())
	assert.Zero(t, backup.CallCount())
}

func TestTenantModelIsolation(t *testing.T) {
	openai := NewScriptedProvider("openai")
	openai.AddText("acme sees this")

	cfg := NewTestConfig()
	cfg.Multitenancy.Enabled = true
	app := NewTestApp(t,
		WithConfig(cfg),
		WithProvider(openai),
		WithModel("acme", "gpt-4"),
	)

	resp := app.MustInfer(inferBody("gpt-4"), map[string]string{"X-Tenant-ID": "acme"})
	assert.Equal(t, "acme sees this", resp.Content)

	env, status := app.InferExpectingError(inferBody("gpt-4"), map[string]string{"X-Tenant-ID": "globex"})
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, string(inferr.KindModelNotFound), env.ErrorCode)
	assert.Equal(t, "globex", env.Details["tenant"])
	assert.Equal(t, 1, openai.CallCount(), "the isolated tenant never reached the provider")
}

func TestUnknownModelRejected(t *testing.T) {
	openai := NewScriptedProvider("openai")
	app := NewTestApp(t,
		WithProvider(openai),
		WithModel(models.DefaultTenantID, "gpt-4"),
	)

	env, status := app.InferExpectingError(inferBody("unregistered"), nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, string(inferr.KindModelNotFound), env.ErrorCode)
	assert.Zero(t, openai.CallCount())
}
