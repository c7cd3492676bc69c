// Package venue defines the exchange port consumed by the execution manager,
// the shutdown orchestrator and reconciliation, plus the value types that
// cross it. Adapters live in subpackages.
package venue

import (
	"context"
	"math"
	"strings"
)

type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

func (s Side) Valid() bool {
	return s == Buy || s == Sell
}

// SizeUnit is the unit a venue expects in OrderRequest.Size.
type SizeUnit string

const (
	UnitCoins    SizeUnit = "coins"
	UnitNotional SizeUnit = "notional"
)

type TimeInForce string

const (
	GTC      TimeInForce = "gtc"
	IOC      TimeInForce = "ioc"
	PostOnly TimeInForce = "post_only"
)

type Market struct {
	Symbol      string
	SizeUnit    SizeUnit
	SizeStep    float64
	MinNotional float64
}

type OrderRequest struct {
	Symbol string
	Side   Side
	// Size is expressed in the market's SizeUnit.
	Size          float64
	Price         float64
	TimeInForce   TimeInForce
	ReduceOnly    bool
	ClientOrderID string
}

type OrderStatus string

const (
	StatusOpen     OrderStatus = "open"
	StatusFilled   OrderStatus = "filled"
	StatusPartial  OrderStatus = "partially_filled"
	StatusCanceled OrderStatus = "canceled"
)

// Order is a venue's acknowledgement. Filled is always in coins. It is a hint
// only: position state must be confirmed with FetchOpenPositions.
type Order struct {
	ID            string
	ClientOrderID string
	Symbol        string
	Side          Side
	Status        OrderStatus
	Filled        float64
	AvgPrice      float64
}

// Position size is signed and in coins: positive long, negative short.
type Position struct {
	Symbol        string  `json:"symbol"`
	Size          float64 `json:"size"`
	EntryPrice    float64 `json:"entry_price"`
	MarkPrice     float64 `json:"mark_price"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
}

const FlatEpsilon = 1e-9

func (p Position) IsFlat() bool {
	return math.Abs(p.Size) <= FlatEpsilon
}

// Side returns the side that opened the position.
func (p Position) Side() Side {
	if p.Size < 0 {
		return Sell
	}
	return Buy
}

func (p Position) Notional() float64 {
	price := p.MarkPrice
	if price <= 0 {
		price = p.EntryPrice
	}
	return math.Abs(p.Size) * price
}

type Balance struct {
	Total     float64
	Available float64
}

// Client is the exchange port. Every call is a non-transactional RPC.
type Client interface {
	Name() string
	LoadMarkets(ctx context.Context) ([]Market, error)
	MarkPrice(ctx context.Context, symbol string) (float64, error)
	FundingRate(ctx context.Context, symbol string) (float64, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (Order, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	// CancelAllOrders cancels every open order for symbol, or every order on
	// the account when symbol is empty. It returns the number cancelled.
	CancelAllOrders(ctx context.Context, symbol string) (int, error)
	FetchOpenPositions(ctx context.Context) ([]Position, error)
	FetchBalance(ctx context.Context) (Balance, error)
	Close(ctx context.Context) error
}

func FindPosition(positions []Position, symbol string) (Position, bool) {
	for _, p := range positions {
		if strings.EqualFold(p.Symbol, symbol) && !p.IsFlat() {
			return p, true
		}
	}
	return Position{Symbol: symbol}, false
}
