package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "funding_arb_bot"

type promCounterVec struct {
	vec *prometheus.CounterVec
}

func (p promCounterVec) Inc(label string) {
	p.vec.WithLabelValues(label).Inc()
}

type promGaugeVec struct {
	vec *prometheus.GaugeVec
}

func (p promGaugeVec) Set(label string, value float64) {
	p.vec.WithLabelValues(label).Set(value)
}

type Prometheus struct {
	Metrics *Metrics

	registry        *prometheus.Registry
	ordersPlaced    *prometheus.CounterVec
	ordersFailed    *prometheus.CounterVec
	rateLimited     *prometheus.CounterVec
	limiterRate     *prometheus.GaugeVec
	limiterFailures *prometheus.GaugeVec
	hedgesExecuted  prometheus.Counter
	hedgesFailed    prometheus.Counter
	compensations   prometheus.Counter
	compFailures    prometheus.Counter
	inFlight        prometheus.Gauge
	openTrades      prometheus.Gauge
	flushFailures   prometheus.Counter
	shutdownRuns    prometheus.Counter
	shutdownSecs    prometheus.Gauge
	shutdownRemain  prometheus.Gauge
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()
	lane := []string{"venue"}
	p := &Prometheus{
		registry: registry,
		ordersPlaced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: promNamespace, Name: "orders_placed_total", Help: "Total number of orders accepted by a venue.",
		}, lane),
		ordersFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: promNamespace, Name: "orders_failed_total", Help: "Total number of order placement failures.",
		}, lane),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: promNamespace, Name: "rate_limited_total", Help: "Total number of rate-limit responses per venue.",
		}, lane),
		limiterRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: promNamespace, Name: "rate_limiter_rate", Help: "Current admitted request rate per second.",
		}, lane),
		limiterFailures: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: promNamespace, Name: "rate_limiter_consecutive_failures", Help: "Consecutive rate-limit violations.",
		}, lane),
		hedgesExecuted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: promNamespace, Name: "hedges_executed_total", Help: "Two-leg executions where both legs succeeded.",
		}),
		hedgesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: promNamespace, Name: "hedges_failed_total", Help: "Two-leg executions with at least one failed leg.",
		}),
		compensations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: promNamespace, Name: "compensations_total", Help: "Compensating closes issued after a partial hedge.",
		}),
		compFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: promNamespace, Name: "compensation_failures_total", Help: "Compensations that left exposure behind.",
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: promNamespace, Name: "executions_in_flight", Help: "Hedge executions currently running.",
		}),
		openTrades: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: promNamespace, Name: "open_trades", Help: "Open hedge trades held in memory.",
		}),
		flushFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: promNamespace, Name: "store_flush_failures_total", Help: "Failed durable trade log flushes.",
		}),
		shutdownRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: promNamespace, Name: "shutdown_runs_total", Help: "Shutdown orchestrator runs.",
		}),
		shutdownSecs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: promNamespace, Name: "shutdown_duration_seconds", Help: "Duration of the last shutdown run.",
		}),
		shutdownRemain: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: promNamespace, Name: "shutdown_remaining_positions", Help: "Positions left open after the last shutdown run.",
		}),
	}

	registry.MustRegister(
		p.ordersPlaced, p.ordersFailed, p.rateLimited, p.limiterRate, p.limiterFailures,
		p.hedgesExecuted, p.hedgesFailed, p.compensations, p.compFailures,
		p.inFlight, p.openTrades, p.flushFailures,
		p.shutdownRuns, p.shutdownSecs, p.shutdownRemain,
	)

	p.Metrics = &Metrics{
		OrdersPlaced:         promCounterVec{p.ordersPlaced},
		OrdersFailed:         promCounterVec{p.ordersFailed},
		RateLimited:          promCounterVec{p.rateLimited},
		LimiterRate:          promGaugeVec{p.limiterRate},
		LimiterFailures:      promGaugeVec{p.limiterFailures},
		HedgesExecuted:       p.hedgesExecuted,
		HedgesFailed:         p.hedgesFailed,
		Compensations:        p.compensations,
		CompensationFailures: p.compFailures,
		InFlightExecutions:   p.inFlight,
		OpenTrades:           p.openTrades,
		StoreFlushFailures:   p.flushFailures,
		ShutdownRuns:         p.shutdownRuns,
		ShutdownDuration:     p.shutdownSecs,
		ShutdownRemaining:    p.shutdownRemain,
	}
	return p
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

func (p *Prometheus) LimiterRateGauge(lane string) prometheus.Gauge {
	return p.limiterRate.WithLabelValues(lane)
}

func (p *Prometheus) LimiterFailuresGauge(lane string) prometheus.Gauge {
	return p.limiterFailures.WithLabelValues(lane)
}
