package state

import (
	"context"
	"time"
)

type OpKind string

const (
	OpInsert OpKind = "INSERT"
	OpUpdate OpKind = "UPDATE"
	OpClose  OpKind = "CLOSE"
)

// Op is one durable write. Trade holds the full post-mutation state.
type Op struct {
	Kind  OpKind
	Trade HedgeTrade
	At    time.Time
}

// TradeLog is the durable persistence boundary for hedge trades.
type TradeLog interface {
	LoadOpenTrades(ctx context.Context) ([]HedgeTrade, error)
	UpsertTrade(ctx context.Context, trade HedgeTrade) error
	MarkClosed(ctx context.Context, symbol string, pnl PnLBreakdown, funding float64) error
	// ApplyBatch applies ops in order, atomically where the backend allows.
	ApplyBatch(ctx context.Context, ops []Op) error
}
