package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPrometheusCounters(t *testing.T) {
	prom := NewPrometheus()
	prom.Metrics.HedgesExecuted.Inc()
	prom.Metrics.HedgesFailed.Inc()
	prom.Metrics.Compensations.Inc()
	prom.Metrics.CompensationFailures.Inc()
	prom.Metrics.ShutdownRuns.Inc()
	prom.Metrics.OrdersPlaced.Inc("paper-a")
	prom.Metrics.OrdersPlaced.Inc("paper-a")

	assertCounter(t, prom.hedgesExecuted, 1)
	assertCounter(t, prom.hedgesFailed, 1)
	assertCounter(t, prom.compensations, 1)
	assertCounter(t, prom.compFailures, 1)
	assertCounter(t, prom.shutdownRuns, 1)
	assertCounter(t, prom.ordersPlaced.WithLabelValues("paper-a"), 2)
}

func TestPrometheusGauges(t *testing.T) {
	prom := NewPrometheus()
	prom.Metrics.LimiterRate.Set("hl", 12.5)
	prom.Metrics.ShutdownRemaining.Set(2)
	if got := testutil.ToFloat64(prom.LimiterRateGauge("hl")); got != 12.5 {
		t.Fatalf("expected 12.5, got %v", got)
	}
	if got := testutil.ToFloat64(prom.shutdownRemain); got != 2 {
		t.Fatalf("expected 2, got %v", got)
	}
}

func TestHandlerServesRegistry(t *testing.T) {
	prom := NewPrometheus()
	prom.Metrics.RateLimited.Inc("hl")
	rec := httptest.NewRecorder()
	prom.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "funding_arb_bot_rate_limited_total") {
		t.Fatalf("expected rate limited counter in output")
	}
}

func TestNoopIsSafe(t *testing.T) {
	m := NewNoop()
	m.OrdersFailed.Inc("x")
	m.LimiterFailures.Set("x", 1)
	m.OpenTrades.Set(3)
	m.StoreFlushFailures.Inc()
}

func assertCounter(t *testing.T, counter prometheus.Counter, expected float64) {
	t.Helper()
	if got := testutil.ToFloat64(counter); got != expected {
		t.Fatalf("expected %v, got %v", expected, got)
	}
}
