package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, h http.Handler) (int, string) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return rec.Code, string(body)
}

func TestPrometheusExposition(t *testing.T) {
	ctx := context.Background()
	m, err := New(ctx, Config{ChainID: "1", EnablePrometheus: true})
	require.NoError(t, err)
	defer m.Shutdown(ctx)

	m.RecordRequest(ctx, http.MethodGet, "tokenURI", OutcomeHit)
	m.RecordRequest(ctx, http.MethodGet, "tokenURI", OutcomeHit)
	m.RecordChainCall(ctx, "tokenURI", 20*time.Millisecond, nil)
	m.RecordChainCall(ctx, "ownerOf", time.Second, errors.New("timeout"))
	m.RecordStoreError(ctx, "get")
	m.RecordInvalidation(ctx, "balanceOf", 3)
	m.RecordMonitorRun(ctx, nil)
	m.SetWatermark("1", 18_000_000)

	code, body := scrape(t, m.Handler())
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `ca_casher_requests_total{`)
	assert.Contains(t, body, `outcome="hit"} 2`)
	assert.Contains(t, body, "ca_casher_chain_calls_total")
	assert.Contains(t, body, "ca_casher_chain_call_duration_seconds")
	assert.Contains(t, body, `ca_casher_invalidated_entries_total{function="balanceOf"} 3`)
	assert.Contains(t, body, `ca_casher_monitor_watermark{chain="1"}`)
}

func TestDisabledPrometheus(t *testing.T) {
	m, err := New(context.Background(), Config{})
	require.NoError(t, err)

	code, _ := scrape(t, m.Handler())
	assert.Equal(t, http.StatusNotFound, code)
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	ctx := context.Background()

	assert.NotPanics(t, func() {
		m.RecordRequest(ctx, http.MethodPost, "name", OutcomeRefresh)
		m.RecordChainCall(ctx, "name", time.Millisecond, nil)
		m.RecordStoreError(ctx, "set")
		m.RecordInvalidation(ctx, "owner", 1)
		m.RecordMonitorRun(ctx, nil)
		m.SetWatermark("1", 1)
	})
	assert.NoError(t, m.Shutdown(ctx))

	code, _ := scrape(t, m.Handler())
	assert.Equal(t, http.StatusNotFound, code)
}

func TestSanitizeEndpoint(t *testing.T) {
	assert.Equal(t, "collector:4318", sanitizeEndpoint("https://collector:4318"))
	assert.Equal(t, "collector:4318", sanitizeEndpoint("http://collector:4318"))
	assert.Equal(t, "collector:4318", sanitizeEndpoint("collector:4318"))
}
