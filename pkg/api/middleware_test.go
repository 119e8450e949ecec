package api

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelgrid/inferd/pkg/inferr"
	"github.com/modelgrid/inferd/pkg/models"
)

func TestRequestIDGenerated(t *testing.T) {
	f := newFixture(t, Options{})
	rec := f.do(http.MethodGet, "/healthz", nil, nil)

	id := rec.Header().Get(headerRequestID)
	require.NotEmpty(t, id)
	_, err := uuid.Parse(id)
	assert.NoError(t, err)
}

func TestRequestIDHonored(t *testing.T) {
	f := newFixture(t, Options{})
	rec := f.do(http.MethodGet, "/healthz", nil, map[string]string{headerRequestID: "trace-123"})
	assert.Equal(t, "trace-123", rec.Header().Get(headerRequestID))
}

func TestTenantRequiredWhenMultitenancyEnabled(t *testing.T) {
	f := newFixture(t, Options{MultitenancyEnabled: true})

	rec := f.do(http.MethodGet, "/api/v1/models", nil, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	var env errorEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, string(inferr.KindAuth), env.ErrorCode)

	rec = f.do(http.MethodGet, "/api/v1/models", nil, map[string]string{headerTenantID: "acme"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestTenantDefaultsWhenMultitenancyDisabled(t *testing.T) {
	f := newFixture(t, Options{})
	rec := f.do(http.MethodGet, "/api/v1/models", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthEndpointsSkipTenantCheck(t *testing.T) {
	f := newFixture(t, Options{MultitenancyEnabled: true})
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/healthz", nil, nil).Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/readyz", nil, nil).Code)
}

func TestRecoveryWritesEnvelope(t *testing.T) {
	f := newFixture(t, Options{})
	f.engine.cancel = func(string, models.TenantContext) bool {
		panic("boom")
	}

	rec := f.do(http.MethodDelete, "/api/v1/requests/x", nil, nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	var env errorEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, string(inferr.KindInternal), env.ErrorCode)
}
