package venue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"funding-arb-bot/internal/gate"
	"funding-arb-bot/internal/metrics"
	"funding-arb-bot/internal/ratelimit"
	"funding-arb-bot/internal/retry"

	"go.uber.org/zap"
)

// Guarded wraps an adapter with its rate-limit lane, the trading gate, retries
// and a market cache. Every caller in the bot talks to venues through it.
type Guarded struct {
	inner   Client
	limiter *ratelimit.Limiter
	gate    *gate.Gate
	log     *zap.Logger
	metrics *metrics.Metrics

	reads     retry.Policy
	placement retry.Policy

	mu      sync.RWMutex
	markets map[string]Market
}

func NewGuarded(inner Client, limiter *ratelimit.Limiter, g *gate.Gate, log *zap.Logger, m *metrics.Metrics) *Guarded {
	if log == nil {
		log = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewNoop()
	}
	gd := &Guarded{
		inner:     inner,
		limiter:   limiter,
		gate:      g,
		log:       log.With(zap.String("venue", inner.Name())),
		metrics:   m,
		reads:     retry.Default(Classify),
		placement: retry.Default(ClassifyPlacement),
	}
	gd.reads.Attempts = 3
	gd.reads.OnRetry = gd.logRetry
	gd.placement.OnRetry = gd.logRetry
	return gd
}

// SetRetryPolicies overrides backoff settings; classifiers are kept.
func (g *Guarded) SetRetryPolicies(reads, placement retry.Policy) {
	reads.Classify = Classify
	placement.Classify = ClassifyPlacement
	reads.OnRetry = g.logRetry
	placement.OnRetry = g.logRetry
	g.reads = reads
	g.placement = placement
}

func (g *Guarded) Inner() Client {
	return g.inner
}

func (g *Guarded) Limiter() *ratelimit.Limiter {
	return g.limiter
}

func (g *Guarded) Name() string {
	return g.inner.Name()
}

func (g *Guarded) LoadMarkets(ctx context.Context) ([]Market, error) {
	var markets []Market
	err := g.call(ctx, g.reads, func(ctx context.Context) error {
		var err error
		markets, err = g.inner.LoadMarkets(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	cache := make(map[string]Market, len(markets))
	for _, m := range markets {
		cache[strings.ToUpper(m.Symbol)] = m
	}
	g.mu.Lock()
	g.markets = cache
	g.mu.Unlock()
	return markets, nil
}

// Market returns a cached market. LoadMarkets must have run first.
func (g *Guarded) Market(symbol string) (Market, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	m, ok := g.markets[strings.ToUpper(symbol)]
	return m, ok
}

func (g *Guarded) MarkPrice(ctx context.Context, symbol string) (float64, error) {
	var price float64
	err := g.call(ctx, g.reads, func(ctx context.Context) error {
		var err error
		price, err = g.inner.MarkPrice(ctx, symbol)
		return err
	})
	return price, err
}

func (g *Guarded) FundingRate(ctx context.Context, symbol string) (float64, error) {
	var rate float64
	err := g.call(ctx, g.reads, func(ctx context.Context) error {
		var err error
		rate, err = g.inner.FundingRate(ctx, symbol)
		return err
	})
	return rate, err
}

// PlaceOrder refuses risk-increasing orders once the gate is closed.
// Reduce-only orders always pass so positions can still be flattened.
func (g *Guarded) PlaceOrder(ctx context.Context, req OrderRequest) (Order, error) {
	if !req.ReduceOnly && !g.gate.IsOpen() {
		return Order{}, NewError(g.Name(), "place_order", ErrGateClosed, "", req.Symbol)
	}
	var order Order
	err := g.call(ctx, g.placement, func(ctx context.Context) error {
		var err error
		order, err = g.inner.PlaceOrder(ctx, req)
		return err
	})
	if err != nil {
		if !errors.Is(err, ErrPositionFlat) {
			g.metrics.OrdersFailed.Inc(g.Name())
		}
		return order, err
	}
	g.metrics.OrdersPlaced.Inc(g.Name())
	return order, nil
}

func (g *Guarded) CancelOrder(ctx context.Context, symbol, orderID string) error {
	return g.call(ctx, g.reads, func(ctx context.Context) error {
		return g.inner.CancelOrder(ctx, symbol, orderID)
	})
}

func (g *Guarded) CancelAllOrders(ctx context.Context, symbol string) (int, error) {
	var n int
	err := g.call(ctx, g.reads, func(ctx context.Context) error {
		var err error
		n, err = g.inner.CancelAllOrders(ctx, symbol)
		return err
	})
	return n, err
}

func (g *Guarded) FetchOpenPositions(ctx context.Context) ([]Position, error) {
	var positions []Position
	err := g.call(ctx, g.reads, func(ctx context.Context) error {
		var err error
		positions, err = g.inner.FetchOpenPositions(ctx)
		return err
	})
	return positions, err
}

func (g *Guarded) FetchBalance(ctx context.Context) (Balance, error) {
	var bal Balance
	err := g.call(ctx, g.reads, func(ctx context.Context) error {
		var err error
		bal, err = g.inner.FetchBalance(ctx)
		return err
	})
	return bal, err
}

func (g *Guarded) Close(ctx context.Context) error {
	return g.inner.Close(ctx)
}

func (g *Guarded) call(ctx context.Context, policy retry.Policy, fn func(context.Context) error) error {
	return retry.Do(ctx, policy, func(ctx context.Context) error {
		if g.limiter != nil {
			if err := g.limiter.Acquire(ctx); err != nil {
				return err
			}
		}
		err := fn(ctx)
		g.observe(err)
		return err
	})
}

func (g *Guarded) observe(err error) {
	if g.limiter == nil {
		return
	}
	switch {
	case errors.Is(err, ErrRateLimited):
		g.limiter.OnRateLimited()
	case err == nil || !errors.Is(err, ErrTransient):
		g.limiter.OnSuccess()
	}
}

func (g *Guarded) logRetry(attempt int, err error) {
	g.log.Debug("venue call retry", zap.Int("attempt", attempt), zap.Error(err))
}

// MarketFor resolves market metadata, preferring a cached lookup.
func MarketFor(ctx context.Context, c Client, symbol string) (Market, error) {
	type lookup interface {
		Market(symbol string) (Market, bool)
	}
	if l, ok := c.(lookup); ok {
		if m, ok := l.Market(symbol); ok {
			return m, nil
		}
	}
	markets, err := c.LoadMarkets(ctx)
	if err != nil {
		return Market{}, err
	}
	for _, m := range markets {
		if strings.EqualFold(m.Symbol, symbol) {
			return m, nil
		}
	}
	return Market{}, fmt.Errorf("%s: unknown market %s", c.Name(), symbol)
}
