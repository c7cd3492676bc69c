package opsapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"funding-arb-bot/internal/config"

	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	unhealthy error
	requests  atomic.Int32
	reason    atomic.Value
}

func (f *fakeBackend) Health() error { return f.unhealthy }

func (f *fakeBackend) Status(context.Context) any {
	return map[string]any{"phase": "RUNNING", "open_trades": 2}
}

func (f *fakeBackend) RequestShutdown(reason string) bool {
	f.reason.Store(reason)
	return f.requests.Add(1) == 1
}

func newTestServer(b Backend) *Server {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("arb_open_trades 2\n"))
	})
	return New(config.OpsConfig{Address: "127.0.0.1:0", MetricsPath: "/metrics"}, b, metrics, nil)
}

func do(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestHealthz(t *testing.T) {
	b := &fakeBackend{}
	h := newTestServer(b).Router()
	require.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/healthz").Code)

	b.unhealthy = errors.New("gate blocked")
	rec := do(t, h, http.MethodGet, "/healthz")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "gate blocked")
}

func TestStatus(t *testing.T) {
	h := newTestServer(&fakeBackend{}).Router()
	rec := do(t, h, http.MethodGet, "/status")
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "RUNNING", body["phase"])
}

func TestShutdownIsPostOnlyAndReportsFirstCaller(t *testing.T) {
	b := &fakeBackend{}
	h := newTestServer(b).Router()
	require.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/shutdown").Code)

	rec := do(t, h, http.MethodPost, "/shutdown?reason=maintenance")
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.JSONEq(t, `{"started":true}`, rec.Body.String())
	require.Equal(t, "maintenance", b.reason.Load())

	rec = do(t, h, http.MethodPost, "/shutdown")
	require.JSONEq(t, `{"started":false}`, rec.Body.String())
}

func TestMetricsMounted(t *testing.T) {
	h := newTestServer(&fakeBackend{}).Router()
	rec := do(t, h, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "arb_open_trades")
}

func TestRunStopsWithContext(t *testing.T) {
	s := newTestServer(&fakeBackend{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(3 * time.Second):
		t.Fatal("ops api did not stop")
	}
}
