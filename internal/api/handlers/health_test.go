package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestHealthLive проверяет liveness probe.
func TestHealthLive(t *testing.T) {
	h := NewHealthHandler(t.TempDir())

	rr := httptest.NewRecorder()
	h.HealthLive(rr, httptest.NewRequest(http.MethodGet, "/health/live", nil))

	require.Equal(t, http.StatusOK, rr.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp["status"])
	assert.Equal(t, "prompt-archive", resp["service"])
}

// TestHealthReady проверяет readiness probe при доступном архиве.
func TestHealthReady(t *testing.T) {
	h := NewHealthHandler(t.TempDir())

	rr := httptest.NewRecorder()
	h.HealthReady(rr, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

	require.Equal(t, http.StatusOK, rr.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp["status"])
}

// TestHealthReady_UnwritableDir проверяет 503 при недоступном архиве.
func TestHealthReady_UnwritableDir(t *testing.T) {
	h := NewHealthHandler("/нет/такой/директории")

	rr := httptest.NewRecorder()
	h.HealthReady(rr, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

	require.Equal(t, http.StatusServiceUnavailable, rr.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "fail", resp["status"])
}
