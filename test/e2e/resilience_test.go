package e2e

import (
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelgrid/inferd/pkg/breaker"
	"github.com/modelgrid/inferd/pkg/config"
	"github.com/modelgrid/inferd/pkg/inferr"
	"github.com/modelgrid/inferd/pkg/models"
	"github.com/modelgrid/inferd/pkg/quota"
)

func TestQuotaDenialShortCircuitsBeforeProvider(t *testing.T) {
	openai := NewScriptedProvider("openai")
	openai.AddText("within budget")

	cfg := NewTestConfig()
	cfg.Quota.Defaults = map[string]config.LimitConfig{
		quota.ResourceRequests: {Limit: 1},
	}
	app := NewTestApp(t,
		WithConfig(cfg),
		WithProvider(openai),
		WithModel(models.DefaultTenantID, "gpt-4"),
	)

	app.MustInfer(inferBody("gpt-4"), nil)

	env, status := app.InferExpectingError(inferBody("gpt-4"), nil)
	assert.Equal(t, http.StatusTooManyRequests, status)
	assert.Equal(t, string(inferr.KindQuotaExceeded), env.ErrorCode)
	assert.Equal(t, quota.ResourceRequests, env.Details["resource"])
	assert.Equal(t, 1, openai.CallCount(), "the denied request never reached the provider")
}

func TestQuotaIsPerTenant(t *testing.T) {
	openai := NewScriptedProvider("openai")
	openai.AddText("acme")
	openai.AddText("globex")

	cfg := NewTestConfig()
	cfg.Multitenancy.Enabled = true
	cfg.Quota.Defaults = map[string]config.LimitConfig{
		quota.ResourceRequests: {Limit: 1},
	}
	app := NewTestApp(t,
		WithConfig(cfg),
		WithProvider(openai),
		WithModel("acme", "gpt-4"),
		WithModel("globex", "gpt-4"),
	)

	app.MustInfer(inferBody("gpt-4"), map[string]string{"X-Tenant-ID": "acme"})

	// acme exhausted its budget; globex still has its own
	_, status := app.InferExpectingError(inferBody("gpt-4"), map[string]string{"X-Tenant-ID": "acme"})
	assert.Equal(t, http.StatusTooManyRequests, status)

	resp := app.MustInfer(inferBody("gpt-4"), map[string]string{"X-Tenant-ID": "globex"})
	assert.Equal(t, "globex", resp.Content)
}

func TestBreakerOpensAfterRepeatedFailures(t *testing.T) {
	flaky := NewScriptedProvider("flaky")
	for i := 0; i < 3; i++ {
		flaky.AddError(inferr.Upstream("flaky", true, errors.New("connection reset")))
	}

	cfg := NewTestConfig()
	cfg.CircuitBreaker = breaker.Config{
		SlidingWindowSize: 5,
		FailureThreshold:  3,
		OpenDuration:      time.Minute,
	}
	app := NewTestApp(t,
		WithConfig(cfg),
		WithProvider(flaky),
		WithModel(models.DefaultTenantID, "gpt-4"),
	)

	for i := 0; i < 3; i++ {
		env, status := app.InferExpectingError(inferBody("gpt-4"), nil)
		require.Equal(t, http.StatusServiceUnavailable, status, "call %d", i+1)
		require.Equal(t, string(inferr.KindUpstreamTransient), env.ErrorCode, "call %d", i+1)
	}

	// the third failure tripped the breaker; the next call is rejected
	// without touching the provider
	env, status := app.InferExpectingError(inferBody("gpt-4"), nil)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, string(inferr.KindCircuitOpen), env.ErrorCode)
	assert.True(t, env.Retryable)
	assert.Equal(t, 3, flaky.CallCount())

	assert.Equal(t, breaker.StateOpen, app.Breakers.State("flaky"))
	assert.Equal(t, "OPEN", providerBreakerState(t, app, "flaky"))
}

// providerBreakerState reads one provider's breaker state off the public
// providers endpoint.
func providerBreakerState(t *testing.T, app *TestApp, id string) string {
	t.Helper()
	resp := app.get("/api/v1/providers", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct {
		Providers []struct {
			ID           string `json:"id"`
			BreakerState string `json:"breaker_state"`
		} `json:"providers"`
	}
	app.decode(resp, &out)
	for _, p := range out.Providers {
		if p.ID == id {
			return p.BreakerState
		}
	}
	t.Fatalf("provider %s not in listing", id)
	return ""
}

func TestOpenBreakerDivertsToHealthyProvider(t *testing.T) {
	flaky := NewScriptedProvider("flaky")
	steady := NewScriptedProvider("steady")
	steady.AddText("served by steady")

	app := NewTestApp(t,
		WithProvider(flaky),
		WithProvider(steady),
		WithModel(models.DefaultTenantID, "gpt-4"),
	)
	app.Breakers.TripOpen("flaky")

	body := inferBody("gpt-4")
	body["preferred_provider"] = "flaky"
	resp := app.MustInfer(body, nil)

	assert.Equal(t, "served by steady", resp.Content)
	assert.Equal(t, "steady", resp.Metadata[models.MetaProviderID])
	assert.Equal(t, "true", resp.Metadata[models.MetaFallback])
	assert.Zero(t, flaky.CallCount(), "an open breaker blocks dispatch entirely")
}

func TestRequestTimeout(t *testing.T) {
	slow := NewScriptedProvider("slow")
	slow.Add(ScriptEntry{BlockUntilCancelled: true})

	app := NewTestApp(t,
		WithProvider(slow),
		WithModel(models.DefaultTenantID, "gpt-4"),
	)

	body := inferBody("gpt-4")
	body["timeout_ms"] = 50
	env, status := app.InferExpectingError(body, nil)

	assert.Equal(t, http.StatusGatewayTimeout, status)
	assert.Equal(t, string(inferr.KindTimeout), env.ErrorCode)
	assert.True(t, env.Retryable)
}

func TestOversizedBodyRejected(t *testing.T) {
	cfg := NewTestConfig()
	cfg.Server.MaxRequestBytes = 256

	app := NewTestApp(t, WithConfig(cfg), WithProvider(NewScriptedProvider("openai")))

	body := inferBody("gpt-4")
	body["messages"] = []map[string]any{
		{"role": "user", "content": strings.Repeat("x", 4096)},
	}
	env, status := app.InferExpectingError(body, nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, string(inferr.KindValidation), env.ErrorCode)
}
