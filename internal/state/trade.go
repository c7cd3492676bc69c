package state

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"funding-arb-bot/internal/venue"
)

type TradeStatus string

const (
	StatusOpen    TradeStatus = "OPEN"
	StatusClosing TradeStatus = "CLOSING"
	StatusClosed  TradeStatus = "CLOSED"
)

// Leg is one side of a hedge trade on one venue. Size is in coins.
type Leg struct {
	Venue      string     `json:"venue"`
	Side       venue.Side `json:"side"`
	Size       float64    `json:"size"`
	EntryPrice float64    `json:"entry_price"`
	OrderID    string     `json:"order_id,omitempty"`
}

// PnLBreakdown records how a closed trade's result was attributed. Source
// names the price input that won (see pnl.Compute).
type PnLBreakdown struct {
	PricePnL float64 `json:"price_pnl"`
	Funding  float64 `json:"funding"`
	Fees     float64 `json:"fees"`
	Total    float64 `json:"total"`
	Source   string  `json:"source,omitempty"`
}

type HedgeTrade struct {
	ID                 string       `json:"id"`
	Symbol             string       `json:"symbol"`
	Long               Leg          `json:"long"`
	Short              Leg          `json:"short"`
	NotionalUSD        float64      `json:"notional_usd"`
	EntryTime          time.Time    `json:"entry_time"`
	Status             TradeStatus  `json:"status"`
	AccumulatedFunding float64      `json:"accumulated_funding"`
	Fees               float64      `json:"fees"`
	PnL                PnLBreakdown `json:"pnl"`
	UpdatedAt          time.Time    `json:"updated_at"`
	ClosedAt           time.Time    `json:"closed_at,omitempty"`
}

// Legs returns both legs, long first.
func (t HedgeTrade) Legs() [2]Leg {
	return [2]Leg{t.Long, t.Short}
}

// LegOn returns the leg held on the named venue.
func (t HedgeTrade) LegOn(venueName string) (Leg, bool) {
	for _, leg := range t.Legs() {
		if leg.Venue == venueName {
			return leg, true
		}
	}
	return Leg{}, false
}

func (t HedgeTrade) validate() error {
	if strings.TrimSpace(t.Symbol) == "" {
		return errors.New("trade symbol is required")
	}
	if t.Long.Venue == "" || t.Short.Venue == "" || t.Long.Venue == t.Short.Venue {
		return fmt.Errorf("trade %s needs two distinct venues", t.Symbol)
	}
	if t.Long.Side != venue.Buy || t.Short.Side != venue.Sell {
		return fmt.Errorf("trade %s legs must be long/short", t.Symbol)
	}
	if t.Long.Size <= 0 || t.Short.Size <= 0 {
		return fmt.Errorf("trade %s leg sizes must be > 0", t.Symbol)
	}
	return nil
}

// TradeUpdate carries the fields UpdateTrade may change; nil means unchanged.
type TradeUpdate struct {
	Status             *TradeStatus
	AccumulatedFunding *float64
	AddFunding         *float64
	Fees               *float64
	LongSize           *float64
	ShortSize          *float64
}

var ErrInvalidTransition = errors.New("invalid trade status transition")

func nextStatus(current, next TradeStatus) (TradeStatus, error) {
	if current == next {
		return current, nil
	}
	switch current {
	case StatusOpen:
		if next == StatusClosing || next == StatusClosed {
			return next, nil
		}
	case StatusClosing:
		if next == StatusOpen || next == StatusClosed {
			return next, nil
		}
	}
	return current, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, next)
}

func (u TradeUpdate) apply(t *HedgeTrade) error {
	if u.Status != nil {
		if *u.Status == StatusClosed {
			return errors.New("use CloseTrade to close a trade")
		}
		status, err := nextStatus(t.Status, *u.Status)
		if err != nil {
			return err
		}
		t.Status = status
	}
	if u.AccumulatedFunding != nil {
		t.AccumulatedFunding = *u.AccumulatedFunding
	}
	if u.AddFunding != nil {
		t.AccumulatedFunding += *u.AddFunding
	}
	if u.Fees != nil {
		t.Fees = *u.Fees
	}
	if u.LongSize != nil {
		t.Long.Size = *u.LongSize
	}
	if u.ShortSize != nil {
		t.Short.Size = *u.ShortSize
	}
	return nil
}

func StatusPtr(s TradeStatus) *TradeStatus { return &s }

func Float(v float64) *float64 { return &v }
