// Package shutdown winds the bot down exactly once: it stops new risk, drains
// in-flight executions, cancels orders, flattens every venue position, records
// final PnL and releases resources, each step under its own budget.
package shutdown

import (
	"context"
	"fmt"
	"sync"
	"time"

	"funding-arb-bot/internal/gate"
	"funding-arb-bot/internal/metrics"
	"funding-arb-bot/internal/state"
	"funding-arb-bot/internal/venue"

	"go.uber.org/zap"
)

type Phase string

const (
	NotStarted         Phase = "NOT_STARTED"
	BlockingNewOrders  Phase = "BLOCKING_NEW_ORDERS"
	DrainingExecutions Phase = "DRAINING_EXECUTIONS"
	CancellingOrders   Phase = "CANCELLING_ORDERS"
	ClosingPositions   Phase = "CLOSING_POSITIONS"
	FinalSweep         Phase = "FINAL_SWEEP"
	Persisting         Phase = "PERSISTING"
	Teardown           Phase = "TEARDOWN"
	Done               Phase = "DONE"
)

type Config struct {
	GlobalTimeout   time.Duration
	DrainTimeout    time.Duration
	ForceGrace      time.Duration
	CancelTimeout   time.Duration
	CancelAttempts  int
	FetchTimeout    time.Duration
	CloseTimeout    time.Duration
	SlippageSteps   []float64
	DustNotionalUSD float64
	TeardownTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.GlobalTimeout <= 0 {
		c.GlobalTimeout = 60 * time.Second
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 10 * time.Second
	}
	if c.ForceGrace <= 0 {
		c.ForceGrace = 2 * time.Second
	}
	if c.CancelTimeout <= 0 {
		c.CancelTimeout = 5 * time.Second
	}
	if c.CancelAttempts <= 0 {
		c.CancelAttempts = 2
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 5 * time.Second
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = 10 * time.Second
	}
	if len(c.SlippageSteps) == 0 {
		c.SlippageSteps = []float64{0.02, 0.05, 0.10}
	}
	if c.DustNotionalUSD < 0 {
		c.DustNotionalUSD = 0
	}
	if c.TeardownTimeout <= 0 {
		c.TeardownTimeout = 5 * time.Second
	}
	return c
}

// Executions is the part of the execution manager shutdown drives.
type Executions interface {
	Stop()
	Drain(ctx context.Context) error
	ForceCancel() int
	ClosePosition(ctx context.Context, c venue.Client, pos venue.Position, slippage float64) (venue.Order, error)
}

type Trades interface {
	OpenTrades() []state.HedgeTrade
	CloseTrade(symbol string, pnl state.PnLBreakdown, funding float64) (state.HedgeTrade, error)
	Flush(ctx context.Context) error
}

type Notifier interface {
	Send(ctx context.Context, message string) error
}

type Deps struct {
	Gate     *gate.Gate
	Exec     Executions
	Trades   Trades
	KV       state.Store
	Venues   []venue.Client
	Notifier Notifier
	Log      *zap.Logger
	Metrics  *metrics.Metrics
}

// PhaseError tags a non-fatal failure with where it happened.
type PhaseError struct {
	Phase   Phase  `json:"phase"`
	Venue   string `json:"venue,omitempty"`
	Symbol  string `json:"symbol,omitempty"`
	Message string `json:"message"`
}

func (e PhaseError) Error() string {
	where := string(e.Phase)
	if e.Venue != "" {
		where += " " + e.Venue
	}
	if e.Symbol != "" {
		where += " " + e.Symbol
	}
	return where + ": " + e.Message
}

type Result struct {
	Success            bool                  `json:"success"`
	Errors             []PhaseError          `json:"errors"`
	RemainingPositions []state.VenuePosition `json:"remaining_positions"`
	ElapsedSeconds     float64               `json:"elapsed_seconds"`
	Phase              Phase                 `json:"phase"`
	PositionsClosed    int                   `json:"positions_closed"`
	OrdersCancelled    int                   `json:"orders_cancelled"`
	TradesClosed       int                   `json:"trades_closed"`
	Dust               []state.VenuePosition `json:"dust,omitempty"`
	TimedOut           bool                  `json:"timed_out"`
}

type closer struct {
	name string
	fn   func(context.Context) error
}

type Orchestrator struct {
	cfg  Config
	deps Deps
	log  *zap.Logger
	now  func() time.Time

	mu      sync.Mutex
	phase   Phase
	closers []closer
	result  Result

	once sync.Once
	done chan struct{}
}

func New(cfg Config, deps Deps) *Orchestrator {
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewNoop()
	}
	return &Orchestrator{
		cfg:   cfg.withDefaults(),
		deps:  deps,
		log:   deps.Log.With(zap.String("component", "shutdown")),
		now:   time.Now,
		phase: NotStarted,
		done:  make(chan struct{}),
	}
}

// Register adds a TEARDOWN step. Steps run in registration order, each under
// its own timeout.
func (o *Orchestrator) Register(name string, fn func(context.Context) error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closers = append(o.closers, closer{name: name, fn: fn})
}

func (o *Orchestrator) Phase() Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.phase
}

func (o *Orchestrator) Started() bool {
	return o.Phase() != NotStarted
}

// Done is closed once the run has finished.
func (o *Orchestrator) Done() <-chan struct{} {
	return o.done
}

// Result returns the final result once the run has finished.
func (o *Orchestrator) Result() (Result, bool) {
	select {
	case <-o.done:
		o.mu.Lock()
		defer o.mu.Unlock()
		return o.result, true
	default:
		return Result{}, false
	}
}

func (o *Orchestrator) Shutdown(ctx context.Context) Result {
	return o.ShutdownWithReason(ctx, "shutdown requested")
}

// ShutdownWithReason starts the run on first call. Every call, concurrent or
// later, waits for and returns the same result. The run itself is detached
// from ctx: cancelling ctx only stops this caller from waiting.
func (o *Orchestrator) ShutdownWithReason(ctx context.Context, reason string) Result {
	o.once.Do(func() {
		o.setPhase(BlockingNewOrders)
		go o.run(context.WithoutCancel(ctx), reason)
	})
	select {
	case <-o.done:
		res, _ := o.Result()
		return res
	case <-ctx.Done():
		return Result{
			Phase:  o.Phase(),
			Errors: []PhaseError{{Phase: o.Phase(), Message: fmt.Sprintf("stopped waiting for shutdown: %v", ctx.Err())}},
		}
	}
}

func (o *Orchestrator) setPhase(p Phase) {
	o.mu.Lock()
	prev := o.phase
	o.phase = p
	o.mu.Unlock()
	if prev != p {
		o.log.Info("shutdown phase", zap.String("phase", string(p)))
	}
}

func (o *Orchestrator) run(ctx context.Context, reason string) {
	defer close(o.done)
	start := o.now()
	o.deps.Metrics.ShutdownRuns.Inc()
	o.log.Warn("shutdown started", zap.String("reason", reason))

	var trades []state.HedgeTrade
	if o.deps.Trades != nil {
		trades = o.deps.Trades.OpenTrades()
	}
	rs := newRunState(trades)
	rs.start = start

	gctx, cancel := context.WithTimeout(ctx, o.cfg.GlobalTimeout)
	steps := []struct {
		phase Phase
		fn    func(context.Context, *runState)
	}{
		{BlockingNewOrders, func(context.Context, *runState) { o.blockNewOrders(reason) }},
		{DrainingExecutions, o.drainExecutions},
		{CancellingOrders, o.cancelOrders},
		{ClosingPositions, func(ctx context.Context, rs *runState) { o.closePositions(ctx, rs, ClosingPositions) }},
		{FinalSweep, func(ctx context.Context, rs *runState) { o.closePositions(ctx, rs, FinalSweep) }},
		{Persisting, o.persist},
	}
	persisted := false
	for _, step := range steps {
		if gctx.Err() != nil {
			break
		}
		o.setPhase(step.phase)
		step.fn(gctx, rs)
		persisted = step.phase == Persisting
	}
	timedOut := gctx.Err() != nil
	cancel()

	if timedOut {
		rs.fail(o.Phase(), "", "", fmt.Sprintf("global timeout %s exceeded", o.cfg.GlobalTimeout))
	}
	res := o.buildResult(rs, timedOut)
	if !persisted || timedOut {
		// The run ended early; keep whatever state and report can still be
		// written within the teardown budget.
		pctx, pcancel := context.WithTimeout(ctx, o.cfg.TeardownTimeout)
		o.flushAndReport(pctx, rs, res)
		pcancel()
		res = o.buildResult(rs, timedOut)
	}
	o.notify(ctx, res)

	o.setPhase(Teardown)
	o.teardown(ctx, rs)
	res = o.buildResult(rs, timedOut)
	res.Phase = Done

	o.deps.Metrics.ShutdownDuration.Set(res.ElapsedSeconds)
	o.deps.Metrics.ShutdownRemaining.Set(float64(len(res.RemainingPositions)))
	o.mu.Lock()
	o.result = res
	o.phase = Done
	o.mu.Unlock()

	fields := []zap.Field{
		zap.Bool("success", res.Success),
		zap.Int("errors", len(res.Errors)),
		zap.Int("remaining_positions", len(res.RemainingPositions)),
		zap.Int("positions_closed", res.PositionsClosed),
		zap.Int("orders_cancelled", res.OrdersCancelled),
		zap.Float64("elapsed_seconds", res.ElapsedSeconds),
	}
	if res.Success {
		o.log.Info("shutdown finished", fields...)
		return
	}
	o.log.Error("shutdown finished with exposure or errors", append(fields, zap.Any("remaining", res.RemainingPositions))...)
}

func (o *Orchestrator) buildResult(rs *runState, timedOut bool) Result {
	remaining, dust := rs.exposure()
	res := Result{
		Errors:             rs.errorList(),
		RemainingPositions: remaining,
		Dust:               dust,
		ElapsedSeconds:     o.now().Sub(rs.start).Seconds(),
		Phase:              o.Phase(),
		TimedOut:           timedOut,
	}
	res.PositionsClosed, res.OrdersCancelled, res.TradesClosed = rs.counts()
	res.Success = len(remaining) == 0 && !timedOut && rs.allVerified(o.venueNames())
	return res
}

func (o *Orchestrator) venueNames() []string {
	names := make([]string, 0, len(o.deps.Venues))
	for _, v := range o.deps.Venues {
		names = append(names, v.Name())
	}
	return names
}
