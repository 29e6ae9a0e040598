package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"mq-bridge/bridge"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticSource []bridge.Status

func (s staticSource) Statuses() []bridge.Status { return s }

func newTestRouter() http.Handler {
	source := staticSource{
		{Pair: "A:IN->B:OUT", State: bridge.StateTransferring, Forwarded: 7},
		{Pair: "A:IN2->B:OUT2", State: bridge.StateBackoff, ConsecutiveFailures: 2, BackoffSeconds: 7.03, LastError: "connection refused"},
	}
	return NewRouter(NewHandler(source, slog.New(slog.NewTextHandler(io.Discard, nil)), "test"))
}

func serve(t *testing.T, h http.Handler, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestHealthz(t *testing.T) {
	rec := serve(t, newTestRouter(), http.MethodGet, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test", body["version"])
}

type pairsResponse struct {
	Count int `json:"count"`
	Items []struct {
		Pair      string `json:"pair"`
		State     string `json:"state"`
		Forwarded uint64 `json:"forwarded"`
		LastError string `json:"lastError"`
	} `json:"items"`
}

func TestPairs(t *testing.T) {
	rec := serve(t, newTestRouter(), http.MethodGet, "/pairs")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json; charset=utf-8", rec.Header().Get("Content-Type"))

	var body pairsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 2, body.Count)
	assert.Equal(t, "A:IN->B:OUT", body.Items[0].Pair)
	assert.Equal(t, "transferring", body.Items[0].State)
	assert.Equal(t, uint64(7), body.Items[0].Forwarded)
	assert.Equal(t, "backoff", body.Items[1].State)
	assert.Equal(t, "connection refused", body.Items[1].LastError)
}

func TestPairsFilteredByState(t *testing.T) {
	rec := serve(t, newTestRouter(), http.MethodGet, "/pairs?state=backoff")
	require.Equal(t, http.StatusOK, rec.Code)

	var body pairsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 1, body.Count)
	assert.Equal(t, "A:IN2->B:OUT2", body.Items[0].Pair)
}

func TestMetricsEndpoint(t *testing.T) {
	rec := serve(t, newTestRouter(), http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "mqbridge_active_workers")
}

func TestUnknownRouteAndMethod(t *testing.T) {
	h := newTestRouter()
	assert.Equal(t, http.StatusNotFound, serve(t, h, http.MethodGet, "/admin").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, serve(t, h, http.MethodPost, "/pairs").Code)
}

func TestRecoveryMiddleware(t *testing.T) {
	panicking := http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") })
	h := Recovery(slog.New(slog.NewTextHandler(io.Discard, nil)))(panicking)

	rec := serve(t, h, http.MethodGet, "/")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
