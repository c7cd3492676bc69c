// Package exec places two-leg hedge actions across independent venues and
// unwinds whatever one leg filled when the other did not.
package exec

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"funding-arb-bot/internal/gate"
	"funding-arb-bot/internal/metrics"
	"funding-arb-bot/internal/state"
	"funding-arb-bot/internal/venue"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrNotAccepting = errors.New("execution manager is not accepting work")
	ErrInvalidLegs  = errors.New("invalid hedge legs")
	ErrNotFilled    = errors.New("leg not filled")
)

const (
	defaultStagger              = 100 * time.Millisecond
	defaultLegTimeout           = 10 * time.Second
	defaultSettleDelay          = 500 * time.Millisecond
	defaultMakerFillTimeout     = 5 * time.Second
	defaultPollInterval         = 250 * time.Millisecond
	defaultCompensationAttempts = 3
	defaultTakerSlippage        = 0.005
	cancelTimeout               = 5 * time.Second
	// fillTolerance is the relative shortfall still counted as a full fill.
	fillTolerance = 1e-6
)

type Config struct {
	Stagger              time.Duration
	LegTimeout           time.Duration
	SettleDelay          time.Duration
	MakerFillTimeout     time.Duration
	PollInterval         time.Duration
	CompensationAttempts int
	TakerSlippage        float64
	// CloseSlippage escalates across compensation attempts; the last step
	// repeats.
	CloseSlippage []float64
}

func (c Config) withDefaults() Config {
	if c.Stagger <= 0 {
		c.Stagger = defaultStagger
	}
	if c.LegTimeout <= 0 {
		c.LegTimeout = defaultLegTimeout
	}
	if c.SettleDelay <= 0 {
		c.SettleDelay = defaultSettleDelay
	}
	if c.MakerFillTimeout <= 0 {
		c.MakerFillTimeout = defaultMakerFillTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.CompensationAttempts <= 0 {
		c.CompensationAttempts = defaultCompensationAttempts
	}
	if c.TakerSlippage <= 0 {
		c.TakerSlippage = defaultTakerSlippage
	}
	if len(c.CloseSlippage) == 0 {
		c.CloseSlippage = []float64{0.02, 0.05, 0.10}
	}
	return c
}

type Manager struct {
	cfg     Config
	gate    *gate.Gate
	exec    *Executor
	log     *zap.Logger
	metrics *metrics.Metrics
	locks   *symbolLocks

	mu       sync.Mutex
	stopped  bool
	inFlight int
	idle     chan struct{}
	cancels  map[uint64]context.CancelFunc
	nextID   uint64
}

func NewManager(cfg Config, g *gate.Gate, store state.Store, log *zap.Logger, m *metrics.Metrics) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewNoop()
	}
	idle := make(chan struct{})
	close(idle)
	return &Manager{
		cfg:     cfg.withDefaults(),
		gate:    g,
		exec:    NewExecutor(store, log),
		log:     log,
		metrics: m,
		locks:   newSymbolLocks(),
		idle:    idle,
		cancels: make(map[uint64]context.CancelFunc),
	}
}

// Execute runs one hedge action. Both legs opening (ReduceOnly false) is an
// OPEN; both reduce-only is a CLOSE. Errors never escape as panics or
// returned errors; they are reported in the Result.
func (m *Manager) Execute(ctx context.Context, symbol string, legA, legB Leg) (res Result) {
	res = Result{
		ID:     uuid.NewString(),
		Symbol: strings.ToUpper(strings.TrimSpace(symbol)),
		Action: actionOf(legA, legB),
		Legs:   [2]LegOutcome{legA.outcome(), legB.outcome()},
	}
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("hedge execution panicked", zap.String("symbol", res.Symbol), zap.Any("panic", r))
			res.Success = false
			res.Err = fmt.Errorf("execution panicked: %v", r)
		}
	}()
	if err := validateLegs(res.Symbol, legA, legB); err != nil {
		res.Err = err
		return res
	}
	if res.Action == Open && !m.gate.IsOpen() {
		res.Err = venue.ErrGateClosed
		return res
	}
	runCtx, done, err := m.begin(ctx)
	if err != nil {
		res.Err = err
		return res
	}
	defer done()
	if err := m.locks.lock(runCtx, res.Symbol); err != nil {
		res.Err = fmt.Errorf("lock %s: %w", res.Symbol, err)
		return res
	}
	defer m.locks.unlock(res.Symbol)

	start := time.Now()
	m.run(runCtx, &res, [2]Leg{legA, legB})
	m.report(res, time.Since(start))
	return res
}

func (m *Manager) run(ctx context.Context, res *Result, legs [2]Leg) {
	baselines, err := m.baselines(ctx, res.Symbol, legs)
	if err != nil {
		res.Err = fmt.Errorf("baseline positions: %w", err)
		return
	}

	first, second, stagger := placementOrder(legs)
	legCtx, cancel := context.WithTimeout(ctx, m.cfg.LegTimeout)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		res.Legs[first] = m.safePlaceLeg(legCtx, res.Symbol, legs[first], baselines[first])
	}()
	if stagger {
		_ = sleep(legCtx, m.cfg.Stagger)
	}
	go func() {
		defer wg.Done()
		res.Legs[second] = m.safePlaceLeg(legCtx, res.Symbol, legs[second], baselines[second])
	}()
	wg.Wait()
	cancel()
	res.OrderIDA = res.Legs[0].OrderID
	res.OrderIDB = res.Legs[1].OrderID

	if res.Legs[0].OK() && res.Legs[1].OK() {
		res.Success = true
		if res.Action == Open {
			m.rebalance(ctx, res, legs, baselines)
		}
		return
	}
	m.compensate(ctx, res, legs, baselines)
}

// baselines fetches each leg venue's current signed size so fills can be
// measured as a delta.
func (m *Manager) baselines(ctx context.Context, symbol string, legs [2]Leg) ([2]float64, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, m.cfg.LegTimeout)
	defer cancel()
	var (
		out  [2]float64
		errs [2]error
		wg   sync.WaitGroup
	)
	for i, leg := range legs {
		wg.Add(1)
		go func(i int, c venue.Client) {
			defer wg.Done()
			out[i], errs[i] = positionSize(fetchCtx, c, symbol)
		}(i, leg.Venue)
	}
	wg.Wait()
	return out, errors.Join(errs[0], errs[1])
}

// safePlaceLeg runs placeLeg on a leg goroutine, where Execute's recover
// cannot reach. A panic becomes the leg's error so compensation still runs.
func (m *Manager) safePlaceLeg(ctx context.Context, symbol string, leg Leg, baseline float64) (out LegOutcome) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("hedge leg panicked", zap.String("venue", leg.Venue.Name()), zap.String("symbol", symbol), zap.Any("panic", r))
			out = leg.outcome()
			out.Err = fmt.Errorf("leg panicked: %v", r)
			out.Ambiguous = true
		}
	}()
	return m.placeLeg(ctx, symbol, leg, baseline)
}

func (m *Manager) placeLeg(ctx context.Context, symbol string, leg Leg, baseline float64) LegOutcome {
	out := leg.outcome()
	if err := ctx.Err(); err != nil {
		out.Err = err
		return out
	}
	market, err := venue.MarketFor(ctx, leg.Venue, symbol)
	if err != nil {
		out.Err = err
		return out
	}
	ref := leg.Price
	if ref <= 0 {
		if ref, err = leg.Venue.MarkPrice(ctx, symbol); err != nil {
			out.Err = err
			return out
		}
	}
	size, err := nativeSize(leg.Quantity, ref, market, leg.ReduceOnly)
	if err != nil {
		out.Err = err
		return out
	}
	req := venue.OrderRequest{
		Symbol:        symbol,
		Side:          leg.Side,
		Size:          size,
		ReduceOnly:    leg.ReduceOnly,
		ClientOrderID: uuid.NewString(),
	}
	if leg.Role == Maker {
		req.TimeInForce = venue.PostOnly
		req.Price = ref
	} else {
		req.TimeInForce = venue.IOC
		req.Price = venue.SlippagePrice(leg.Side, ref, m.cfg.TakerSlippage)
	}
	order, err := m.exec.PlaceOrder(ctx, leg.Venue, req)
	if err != nil && leg.Role == Maker && errors.Is(err, venue.ErrPostOnlyRejected) {
		m.log.Info("post-only leg would cross, resubmitting as taker",
			zap.String("venue", out.Venue), zap.String("symbol", symbol))
		req.TimeInForce = venue.IOC
		req.Price = venue.SlippagePrice(leg.Side, ref, m.cfg.TakerSlippage)
		req.ClientOrderID = uuid.NewString()
		out.Downgraded = true
		order, err = m.exec.PlaceOrder(ctx, leg.Venue, req)
	}
	// The leg's order is terminal once placeLeg returns.
	defer m.exec.Forget(ctx, out.Venue, req.ClientOrderID)
	if err != nil {
		out.Err = err
		out.Ambiguous = ambiguous(err)
		return out
	}
	out.OrderID = order.ID
	out.AvgPrice = order.AvgPrice
	if order.Status == venue.StatusFilled {
		out.Filled = order.Filled
		if out.Filled <= 0 {
			out.Filled = leg.Quantity
		}
		if out.AvgPrice <= 0 {
			out.AvgPrice = ref
		}
		return out
	}
	out.Filled, out.Err = m.awaitFill(ctx, symbol, leg, order, baseline)
	if out.AvgPrice <= 0 && out.Filled > 0 {
		out.AvgPrice = ref
	}
	return out
}

// awaitFill polls the venue position until the resting order is filled or
// the maker window closes, then cancels whatever is left and reports the
// quantity that actually landed.
func (m *Manager) awaitFill(ctx context.Context, symbol string, leg Leg, order venue.Order, baseline float64) (float64, error) {
	deadline := time.NewTimer(m.cfg.MakerFillTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
wait:
	for {
		select {
		case <-ctx.Done():
			break wait
		case <-deadline.C:
			break wait
		case <-ticker.C:
		}
		filled, err := observedFill(ctx, leg, symbol, baseline)
		if err == nil && filled >= leg.Quantity*(1-fillTolerance) {
			return filled, nil
		}
	}

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cancelTimeout)
	defer cancel()
	if err := leg.Venue.CancelOrder(cctx, symbol, order.ID); err != nil {
		m.log.Warn("cancel unfilled maker order failed",
			zap.String("venue", leg.Venue.Name()), zap.String("order_id", order.ID), zap.Error(err))
	}
	filled, err := observedFill(cctx, leg, symbol, baseline)
	if err != nil {
		return 0, fmt.Errorf("confirm maker fill: %w", err)
	}
	if filled <= venue.FlatEpsilon {
		if ctx.Err() != nil {
			return 0, fmt.Errorf("%w: %w", ErrNotFilled, ctx.Err())
		}
		return 0, ErrNotFilled
	}
	return filled, nil
}

// rebalance trims the larger leg when both filled but by different amounts.
func (m *Manager) rebalance(ctx context.Context, res *Result, legs [2]Leg, baselines [2]float64) {
	a, b := res.Legs[0].Filled, res.Legs[1].Filled
	diff := math.Abs(a - b)
	if diff <= math.Max(a, b)*fillTolerance {
		return
	}
	big, small := 0, 1
	if b > a {
		big, small = 1, 0
	}
	keep := res.Legs[small].Filled
	target := baselines[big] + signed(legs[big].Side, keep)
	comp := &Compensation{Rebalance: true}
	closed, err := m.unwind(ctx, legs[big].Venue, res.Symbol, target, false)
	m.metrics.Compensations.Inc()
	comp.Legs = append(comp.Legs, CompensationLeg{Venue: res.Legs[big].Venue, Closed: closed, Err: err})
	if err != nil {
		m.metrics.CompensationFailures.Inc()
		comp.Err = fmt.Errorf("rebalance %s: %w", res.Legs[big].Venue, err)
		res.Success = false
		res.Err = comp.Err
	} else {
		res.Legs[big].Filled = keep
	}
	res.Compensation = comp
	m.log.Warn("hedge legs filled unevenly",
		zap.String("symbol", res.Symbol),
		zap.Float64("filled_a", a),
		zap.Float64("filled_b", b),
		zap.Error(err),
	)
}

// compensate unwinds an uneven result. For OPEN actions every leg that filled,
// or may have filled, is brought back to its baseline. For CLOSE actions the
// venues whose close failed are flattened again.
func (m *Manager) compensate(ctx context.Context, res *Result, legs [2]Leg, baselines [2]float64) {
	type target struct {
		idx    int
		size   float64
		toFlat bool
	}
	var targets []target
	for i, out := range res.Legs {
		switch res.Action {
		case Open:
			if out.Filled > venue.FlatEpsilon || out.Ambiguous || out.OK() {
				targets = append(targets, target{idx: i, size: baselines[i], toFlat: math.Abs(baselines[i]) <= venue.FlatEpsilon})
			}
		case Close:
			if !out.OK() {
				targets = append(targets, target{idx: i, toFlat: true})
			}
		}
	}
	if len(targets) == 0 {
		res.Err = legErrors(*res)
		return
	}
	if err := sleep(ctx, m.cfg.SettleDelay); err != nil {
		m.log.Warn("settle delay interrupted", zap.String("symbol", res.Symbol), zap.Error(err))
	}

	comp := &Compensation{Legs: make([]CompensationLeg, len(targets))}
	var wg sync.WaitGroup
	for i, t := range targets {
		wg.Add(1)
		go func(i int, t target) {
			defer wg.Done()
			closed, err := m.unwind(ctx, legs[t.idx].Venue, res.Symbol, t.size, t.toFlat)
			comp.Legs[i] = CompensationLeg{Venue: res.Legs[t.idx].Venue, Closed: closed, Err: err}
		}(i, t)
	}
	wg.Wait()

	var errs []error
	for _, leg := range comp.Legs {
		m.metrics.Compensations.Inc()
		if leg.Err != nil {
			m.metrics.CompensationFailures.Inc()
			errs = append(errs, fmt.Errorf("compensate %s: %w", leg.Venue, leg.Err))
		}
	}
	comp.Err = errors.Join(errs...)
	res.Compensation = comp
	if res.Action == Close && comp.Err == nil {
		res.Success = true
		return
	}
	res.Err = errors.Join(legErrors(*res), comp.Err)
	if comp.Err != nil {
		m.log.Error("compensation failed; position left one-sided",
			zap.String("symbol", res.Symbol),
			zap.String("action", string(res.Action)),
			zap.Error(comp.Err),
		)
	}
}

func (m *Manager) report(res Result, elapsed time.Duration) {
	fields := []zap.Field{
		zap.String("execution_id", res.ID),
		zap.String("symbol", res.Symbol),
		zap.String("action", string(res.Action)),
		zap.String("venue_a", res.Legs[0].Venue),
		zap.Float64("filled_a", res.Legs[0].Filled),
		zap.String("venue_b", res.Legs[1].Venue),
		zap.Float64("filled_b", res.Legs[1].Filled),
		zap.Duration("elapsed", elapsed),
	}
	if res.Success {
		m.metrics.HedgesExecuted.Inc()
		m.log.Info("hedge executed", fields...)
		return
	}
	m.metrics.HedgesFailed.Inc()
	m.log.Warn("hedge failed", append(fields, zap.Bool("flat", res.Flat()), zap.Error(res.Err))...)
}

func (m *Manager) begin(ctx context.Context) (context.Context, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return nil, nil, ErrNotAccepting
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.nextID++
	id := m.nextID
	m.cancels[id] = cancel
	if m.inFlight == 0 {
		m.idle = make(chan struct{})
	}
	m.inFlight++
	m.metrics.InFlightExecutions.Set(float64(m.inFlight))
	return runCtx, func() {
		cancel()
		m.mu.Lock()
		delete(m.cancels, id)
		m.inFlight--
		if m.inFlight == 0 {
			close(m.idle)
		}
		m.metrics.InFlightExecutions.Set(float64(m.inFlight))
		m.mu.Unlock()
	}, nil
}

// Stop makes every later Execute return ErrNotAccepting.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()
}

func (m *Manager) Accepting() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.stopped
}

func (m *Manager) InFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inFlight
}

// Busy reports whether a hedge action currently holds symbol.
func (m *Manager) Busy(symbol string) bool {
	return m.locks.held(strings.ToUpper(strings.TrimSpace(symbol)))
}

// Drain waits until no execution is in flight, including compensation.
func (m *Manager) Drain(ctx context.Context) error {
	m.mu.Lock()
	idle := m.idle
	m.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain with %d executions in flight: %w", m.InFlight(), ctx.Err())
	}
}

// ForceCancel cancels the context of every in-flight execution and returns
// how many were cancelled.
func (m *Manager) ForceCancel() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cancel := range m.cancels {
		cancel()
	}
	return len(m.cancels)
}

func nativeSize(coins, price float64, market venue.Market, reduceOnly bool) (float64, error) {
	size, err := venue.ToNative(coins, price, market.SizeUnit)
	if err != nil {
		return 0, err
	}
	if reduceOnly {
		size = venue.RoundUp(size, market.SizeStep)
	} else {
		size = venue.RoundDown(size, market.SizeStep)
	}
	if size <= 0 {
		return 0, venue.NewError(market.Symbol, "size", venue.ErrInvalidSize, "", fmt.Sprintf("%v coins rounds to zero", coins))
	}
	return size, nil
}

func positionSize(ctx context.Context, c venue.Client, symbol string) (float64, error) {
	positions, err := c.FetchOpenPositions(ctx)
	if err != nil {
		return 0, err
	}
	pos, _ := venue.FindPosition(positions, symbol)
	return pos.Size, nil
}

// observedFill is the leg's fill measured from the venue position.
func observedFill(ctx context.Context, leg Leg, symbol string, baseline float64) (float64, error) {
	size, err := positionSize(ctx, leg.Venue, symbol)
	if err != nil {
		return 0, err
	}
	return math.Max(0, signed(leg.Side, size-baseline)), nil
}

func signed(side venue.Side, v float64) float64 {
	if side == venue.Sell {
		return -v
	}
	return v
}

func ambiguous(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	return errors.Is(err, venue.ErrTransient) && !errors.Is(err, venue.ErrRateLimited)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
