package main

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/web3cdk/ca-casher/chain"
	"github.com/web3cdk/ca-casher/metrics"
	"github.com/web3cdk/ca-casher/readthrough"
	"github.com/web3cdk/ca-casher/store"
)

const testContract = "0x00000000000000000000000000000000000000ab"

type stubReader struct {
	mu    sync.Mutex
	value any
	err   error
	calls int
}

func (r *stubReader) Call(_ context.Context, _, _ string, _ []string) (any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return r.value, r.err
}

func (r *stubReader) set(value any, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.value, r.err = value, err
}

type testServer struct {
	api    *API
	reader *stubReader
}

func newTestServer(t *testing.T, opts apiOptions) *testServer {
	t.Helper()
	mem, err := store.NewMemoryStore(100)
	require.NoError(t, err)

	reader := &stubReader{value: "ipfs://token/5"}
	svc := readthrough.New(mem, reader, readthrough.Options{
		ChainID: "1",
		Allowed: []string{testContract},
		Metrics: opts.Metrics,
	})
	if opts.Origins == nil {
		opts.Origins = []string{"*"}
	}
	a := newAPI(svc, opts)
	a.now = func() time.Time { return time.Unix(1_700_000_000, 0) }
	return &testServer{api: a, reader: reader}
}

func (s *testServer) do(method, target string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	s.api.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body
}

func TestContractReadThenCached(t *testing.T) {
	s := newTestServer(t, apiOptions{})
	target := "/contract/" + testContract + "/tokenURI?tokenId=5"

	rec := s.do(http.MethodGet, target, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	body := decode(t, rec)
	assert.Equal(t, "ipfs://token/5", body["result"])
	assert.Equal(t, false, body["cached"])

	rec = s.do(http.MethodGet, target, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body = decode(t, rec)
	assert.Equal(t, true, body["cached"])
	assert.NotEmpty(t, body["cachedAt"])
	assert.Equal(t, 1, s.reader.calls)
}

func TestContractRefresh(t *testing.T) {
	s := newTestServer(t, apiOptions{})
	target := "/contract/" + testContract + "/tokenURI?tokenId=5"

	require.Equal(t, http.StatusOK, s.do(http.MethodGet, target, nil).Code)

	s.reader.set("ipfs://token/5-v2", nil)
	rec := s.do(http.MethodPost, target, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "ipfs://token/5-v2", body["result"])
	assert.Equal(t, true, body["updated"])
	assert.Equal(t, 2, s.reader.calls)
}

func TestContractClientErrors(t *testing.T) {
	s := newTestServer(t, apiOptions{})

	cases := []struct {
		target   string
		expected string
	}{
		{"/contract/0x1234/name", "Invalid contract address"},
		{"/contract/0x00000000000000000000000000000000000000cd/name", "Contract not whitelisted"},
		{"/contract/" + testContract + "/transfer", "Unsupported function"},
		{"/contract/" + testContract + "/tokenURI", "Missing required parameters"},
	}
	for _, c := range cases {
		rec := s.do(http.MethodGet, c.target, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, c.target)
		assert.Equal(t, c.expected, decode(t, rec)["error"], c.target)
	}
	assert.Equal(t, 0, s.reader.calls)
}

func TestContractInvalidArgument(t *testing.T) {
	s := newTestServer(t, apiOptions{})
	s.reader.set(nil, fmt.Errorf("%w: tokenId: invalid integer", chain.ErrInvalidArgument))

	rec := s.do(http.MethodGet, "/contract/"+testContract+"/tokenURI?tokenId=five", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Invalid parameter", decode(t, rec)["error"])
}

func TestContractChainFailure(t *testing.T) {
	s := newTestServer(t, apiOptions{})
	s.reader.set(nil, fmt.Errorf("%w: tokenURI: dial tcp 10.0.0.1:8545: connection refused", chain.ErrCallFailed))

	rec := s.do(http.MethodGet, "/contract/"+testContract+"/tokenURI?tokenId=5", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "Failed to fetch data", body["error"])
	assert.Equal(t, "contract call failed", body["message"])
	assert.NotContains(t, rec.Body.String(), "10.0.0.1")
}

func TestNotFound(t *testing.T) {
	s := newTestServer(t, apiOptions{})

	rec := s.do(http.MethodGet, "/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "Not found", body["error"])
	assert.Equal(t, "Path /nope not found", body["message"])
}

func TestMethodNotAllowed(t *testing.T) {
	s := newTestServer(t, apiOptions{})

	rec := s.do(http.MethodDelete, "/contract/"+testContract+"/name", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, apiOptions{})

	rec := s.do(http.MethodGet, "/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "ca-casher-api", body["service"])
	assert.Equal(t, "2023-11-14T22:13:20.000Z", body["timestamp"])

	rec = s.do(http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body = decode(t, rec)
	assert.Equal(t, "healthy", body["status"])
	assert.NotContains(t, body, "service")

	rec = s.do(http.MethodGet, "/ready", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ready", decode(t, rec)["status"])
}

func TestCORS(t *testing.T) {
	s := newTestServer(t, apiOptions{Origins: []string{"https://app.example"}})

	rec := s.do(http.MethodOptions, "/contract/"+testContract+"/name", http.Header{
		"Origin": {"https://app.example"},
	})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://app.example", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "GET, POST, OPTIONS", rec.Header().Get("Access-Control-Allow-Methods"))
	assert.Equal(t, "86400", rec.Header().Get("Access-Control-Max-Age"))

	rec = s.do(http.MethodGet, "/health", http.Header{"Origin": {"https://evil.example"}})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSWildcard(t *testing.T) {
	s := newTestServer(t, apiOptions{Origins: []string{"*"}})

	rec := s.do(http.MethodGet, "/health", http.Header{"Origin": {"https://any.example"}})
	assert.Equal(t, "https://any.example", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = s.do(http.MethodGet, "/health", nil)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRateLimit(t *testing.T) {
	s := newTestServer(t, apiOptions{RateLimit: 0.001, RateBurst: 1})
	target := "/contract/" + testContract + "/name"

	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, target, nil).Code)

	rec := s.do(http.MethodGet, target, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "Too many requests", decode(t, rec)["error"])

	// health checks are not throttled
	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/health", nil).Code)
}

func TestMetricsEndpoint(t *testing.T) {
	m, err := metrics.New(context.Background(), metrics.Config{ChainID: "1", EnablePrometheus: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })

	s := newTestServer(t, apiOptions{Metrics: m})
	require.Equal(t, http.StatusOK, s.do(http.MethodGet, "/contract/"+testContract+"/name", nil).Code)

	rec := s.do(http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ca_casher_requests_total{")
}

func TestMetricsDisabled(t *testing.T) {
	s := newTestServer(t, apiOptions{})
	assert.Equal(t, http.StatusNotFound, s.do(http.MethodGet, "/metrics", nil).Code)
}
