package utils

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitoringHealth(t *testing.T) {
	ms := NewMonitoringServer(NewConfigManagerFromMap(nil), NewDiscardLogsManager(), NewMetrics())
	srv := httptest.NewServer(ms.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var health HealthStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health.Status)

	ms.AddCheck("database", func(ctx context.Context) error { return errors.New("closed") })

	resp2, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp2.StatusCode)

	var degraded HealthStatus
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&degraded))
	assert.Equal(t, "degraded", degraded.Status)
	assert.Equal(t, "closed", degraded.Checks["database"])
}

func TestMonitoringMetrics(t *testing.T) {
	metrics := NewMetrics()
	metrics.Admissions.WithLabelValues("download").Inc()

	ms := NewMonitoringServer(NewConfigManagerFromMap(nil), NewDiscardLogsManager(), metrics)
	srv := httptest.NewServer(ms.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `eo_pipeline_product_admissions_total{decision="download"} 1`))
}
