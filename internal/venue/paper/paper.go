// Package paper is an in-memory venue used for dry runs and tests. It fills
// orders against a settable mark price and keeps signed per-symbol positions.
package paper

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"funding-arb-bot/internal/venue"

	"github.com/google/uuid"
)

// Hook runs at the start of every call. Returning an error fails the call;
// blocking on ctx simulates a hung venue.
type Hook func(ctx context.Context, op string, arg any) error

type MarketConfig struct {
	Symbol      string
	MarkPrice   float64
	FundingRate float64
	SizeStep    float64
	MinNotional float64
}

type Config struct {
	Name     string
	SizeUnit venue.SizeUnit
	Balance  float64
	// Leverage used for the insufficient-balance check; 0 disables it.
	Leverage float64
	// HoldResting leaves post-only orders resting until FillResting.
	HoldResting bool
	Markets     []MarketConfig
}

type restingOrder struct {
	order  venue.Order
	size   float64
	price  float64
	reduce bool
}

type Venue struct {
	cfg Config

	mu        sync.Mutex
	markets   map[string]MarketConfig
	positions map[string]venue.Position
	resting   map[string]restingOrder
	calls     map[string]int
	hook      Hook
	closed    bool
}

func New(cfg Config) *Venue {
	if cfg.SizeUnit == "" {
		cfg.SizeUnit = venue.UnitCoins
	}
	v := &Venue{
		cfg:       cfg,
		markets:   make(map[string]MarketConfig),
		positions: make(map[string]venue.Position),
		resting:   make(map[string]restingOrder),
		calls:     make(map[string]int),
	}
	for _, m := range cfg.Markets {
		v.markets[strings.ToUpper(m.Symbol)] = m
	}
	return v
}

func (v *Venue) Name() string {
	return v.cfg.Name
}

func (v *Venue) SetHook(h Hook) {
	v.mu.Lock()
	v.hook = h
	v.mu.Unlock()
}

func (v *Venue) SetMarkPrice(symbol string, price float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	m := v.markets[strings.ToUpper(symbol)]
	m.Symbol = symbol
	m.MarkPrice = price
	v.markets[strings.ToUpper(symbol)] = m
}

func (v *Venue) SetFundingRate(symbol string, rate float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	m := v.markets[strings.ToUpper(symbol)]
	m.Symbol = symbol
	m.FundingRate = rate
	v.markets[strings.ToUpper(symbol)] = m
}

// SetPosition overwrites a position, e.g. a fill that landed out of band.
func (v *Venue) SetPosition(symbol string, size, entry float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	key := strings.ToUpper(symbol)
	if math.Abs(size) <= venue.FlatEpsilon {
		delete(v.positions, key)
		return
	}
	v.positions[key] = venue.Position{Symbol: symbol, Size: size, EntryPrice: entry}
}

func (v *Venue) Position(symbol string) float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.positions[strings.ToUpper(symbol)].Size
}

func (v *Venue) Calls(op string) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.calls[op]
}

func (v *Venue) RestingOrders() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.resting)
}

// FillResting fills every resting order for symbol.
func (v *Venue) FillResting(symbol string) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	n := 0
	for id, r := range v.resting {
		if !strings.EqualFold(r.order.Symbol, symbol) {
			continue
		}
		v.applyFillLocked(r.order.Symbol, r.order.Side, r.size, r.price, r.reduce)
		delete(v.resting, id)
		n++
	}
	return n
}

func (v *Venue) before(ctx context.Context, op string, arg any) error {
	v.mu.Lock()
	v.calls[op]++
	hook := v.hook
	closed := v.closed
	v.mu.Unlock()
	if closed {
		return venue.NewError(v.cfg.Name, op, venue.ErrFatal, "", "venue closed")
	}
	if hook != nil {
		if err := hook(ctx, op, arg); err != nil {
			return err
		}
	}
	return ctx.Err()
}

func (v *Venue) LoadMarkets(ctx context.Context) ([]venue.Market, error) {
	if err := v.before(ctx, "load_markets", nil); err != nil {
		return nil, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]venue.Market, 0, len(v.markets))
	for _, m := range v.markets {
		out = append(out, venue.Market{Symbol: m.Symbol, SizeUnit: v.cfg.SizeUnit, SizeStep: m.SizeStep, MinNotional: m.MinNotional})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (v *Venue) MarkPrice(ctx context.Context, symbol string) (float64, error) {
	if err := v.before(ctx, "mark_price", symbol); err != nil {
		return 0, err
	}
	m, err := v.market(symbol)
	if err != nil {
		return 0, err
	}
	return m.MarkPrice, nil
}

func (v *Venue) FundingRate(ctx context.Context, symbol string) (float64, error) {
	if err := v.before(ctx, "funding_rate", symbol); err != nil {
		return 0, err
	}
	m, err := v.market(symbol)
	if err != nil {
		return 0, err
	}
	return m.FundingRate, nil
}

func (v *Venue) PlaceOrder(ctx context.Context, req venue.OrderRequest) (venue.Order, error) {
	if err := v.before(ctx, "place_order", req); err != nil {
		return venue.Order{}, err
	}
	if !req.Side.Valid() {
		return venue.Order{}, venue.NewError(v.cfg.Name, "place_order", venue.ErrInvalidSize, "", "invalid side")
	}
	m, err := v.market(req.Symbol)
	if err != nil {
		return venue.Order{}, err
	}
	coins, err := venue.FromNative(req.Size, m.MarkPrice, v.cfg.SizeUnit)
	if err != nil || coins <= 0 {
		return venue.Order{}, venue.NewError(v.cfg.Name, "place_order", venue.ErrInvalidSize, "", fmt.Sprintf("size %v", req.Size))
	}
	price := req.Price
	if price <= 0 {
		price = m.MarkPrice
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	key := strings.ToUpper(req.Symbol)
	if req.ReduceOnly {
		pos, ok := v.positions[key]
		if !ok || pos.IsFlat() || pos.Side() == req.Side {
			return venue.Order{}, venue.NewError(v.cfg.Name, "place_order", venue.ErrPositionFlat, "1137", "position is missing for reduce-only order")
		}
		coins = math.Min(coins, math.Abs(pos.Size))
	} else if v.cfg.Leverage > 0 {
		required := coins * m.MarkPrice / v.cfg.Leverage
		if required > v.availableLocked() {
			return venue.Order{}, venue.NewError(v.cfg.Name, "place_order", venue.ErrInsufficientBalance, "", fmt.Sprintf("need %.2f", required))
		}
	}
	order := venue.Order{
		ID:            uuid.New().String(),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
	}
	if req.TimeInForce == venue.PostOnly && v.cfg.HoldResting {
		order.Status = venue.StatusOpen
		v.resting[order.ID] = restingOrder{order: order, size: coins, price: price, reduce: req.ReduceOnly}
		return order, nil
	}
	v.applyFillLocked(req.Symbol, req.Side, coins, price, req.ReduceOnly)
	order.Status = venue.StatusFilled
	order.Filled = coins
	order.AvgPrice = price
	return order, nil
}

func (v *Venue) CancelOrder(ctx context.Context, symbol, orderID string) error {
	if err := v.before(ctx, "cancel_order", orderID); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.resting, orderID)
	return nil
}

func (v *Venue) CancelAllOrders(ctx context.Context, symbol string) (int, error) {
	if err := v.before(ctx, "cancel_all", symbol); err != nil {
		return 0, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	n := 0
	for id, r := range v.resting {
		if symbol == "" || strings.EqualFold(r.order.Symbol, symbol) {
			delete(v.resting, id)
			n++
		}
	}
	return n, nil
}

func (v *Venue) FetchOpenPositions(ctx context.Context) ([]venue.Position, error) {
	if err := v.before(ctx, "fetch_positions", nil); err != nil {
		return nil, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]venue.Position, 0, len(v.positions))
	for key, p := range v.positions {
		if m, ok := v.markets[key]; ok {
			p.MarkPrice = m.MarkPrice
			p.UnrealizedPnL = (m.MarkPrice - p.EntryPrice) * p.Size
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (v *Venue) FetchBalance(ctx context.Context) (venue.Balance, error) {
	if err := v.before(ctx, "fetch_balance", nil); err != nil {
		return venue.Balance{}, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	return venue.Balance{Total: v.cfg.Balance, Available: v.availableLocked()}, nil
}

func (v *Venue) Close(ctx context.Context) error {
	v.mu.Lock()
	v.calls["close"]++
	v.closed = true
	v.mu.Unlock()
	return nil
}

func (v *Venue) market(symbol string) (MarketConfig, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	m, ok := v.markets[strings.ToUpper(symbol)]
	if !ok || m.MarkPrice <= 0 {
		return MarketConfig{}, venue.NewError(v.cfg.Name, "market", venue.ErrInvalidSize, "", "unknown market "+symbol)
	}
	return m, nil
}

func (v *Venue) availableLocked() float64 {
	if v.cfg.Leverage <= 0 {
		return v.cfg.Balance
	}
	used := 0.0
	for key, p := range v.positions {
		price := p.EntryPrice
		if m, ok := v.markets[key]; ok {
			price = m.MarkPrice
		}
		used += math.Abs(p.Size) * price / v.cfg.Leverage
	}
	return math.Max(0, v.cfg.Balance-used)
}

func (v *Venue) applyFillLocked(symbol string, side venue.Side, coins, price float64, reduce bool) {
	key := strings.ToUpper(symbol)
	pos := v.positions[key]
	pos.Symbol = symbol
	delta := coins
	if side == venue.Sell {
		delta = -coins
	}
	next := pos.Size + delta
	switch {
	case math.Abs(next) <= venue.FlatEpsilon:
		delete(v.positions, key)
		return
	case pos.IsFlat() || (pos.Size > 0) == (delta > 0):
		total := math.Abs(pos.Size) + coins
		pos.EntryPrice = (math.Abs(pos.Size)*pos.EntryPrice + coins*price) / total
	case (next > 0) != (pos.Size > 0) && !reduce:
		pos.EntryPrice = price
	}
	pos.Size = next
	v.positions[key] = pos
}
