package metrics

type Counter interface {
	Inc()
}

type Gauge interface {
	Set(float64)
}

// LabeledCounter and LabeledGauge are keyed by venue lane.
type LabeledCounter interface {
	Inc(label string)
}

type LabeledGauge interface {
	Set(label string, value float64)
}

type Metrics struct {
	OrdersPlaced         LabeledCounter
	OrdersFailed         LabeledCounter
	RateLimited          LabeledCounter
	LimiterRate          LabeledGauge
	LimiterFailures      LabeledGauge
	HedgesExecuted       Counter
	HedgesFailed         Counter
	Compensations        Counter
	CompensationFailures Counter
	InFlightExecutions   Gauge
	OpenTrades           Gauge
	StoreFlushFailures   Counter
	ShutdownRuns         Counter
	ShutdownDuration     Gauge
	ShutdownRemaining    Gauge
}

type noopCounter struct{}

func (noopCounter) Inc() {}

type noopGauge struct{}

func (noopGauge) Set(float64) {}

type noopLabeled struct{}

func (noopLabeled) Inc(string)          {}
func (noopLabeled) Set(string, float64) {}

func NewNoop() *Metrics {
	c := noopCounter{}
	g := noopGauge{}
	l := noopLabeled{}
	return &Metrics{
		OrdersPlaced:         l,
		OrdersFailed:         l,
		RateLimited:          l,
		LimiterRate:          l,
		LimiterFailures:      l,
		HedgesExecuted:       c,
		HedgesFailed:         c,
		Compensations:        c,
		CompensationFailures: c,
		InFlightExecutions:   g,
		OpenTrades:           g,
		StoreFlushFailures:   c,
		ShutdownRuns:         c,
		ShutdownDuration:     g,
		ShutdownRemaining:    g,
	}
}
