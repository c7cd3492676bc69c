// Package pnl attributes the final result of a closed hedge trade.
//
// Each leg's price PnL is taken from the best input available for that leg:
//
//  1. the average price of the fill that closed it,
//  2. the unrealized PnL the venue reported just before the close,
//  3. the mark price at close time.
//
// Fill prices are what the account actually realised, so they win whenever
// they exist. Venue-reported PnL is next because it is computed on the
// venue's own entry price. Mark reconstruction is the fallback.
package pnl

import (
	"sort"
	"strings"

	"funding-arb-bot/internal/state"
	"funding-arb-bot/internal/venue"

	"github.com/shopspring/decimal"
)

const (
	SourceFills = "fills"
	SourceVenue = "venue_upnl"
	SourceMark  = "mark"
	SourceNone  = "none"
)

// Inputs are keyed by venue name.
type Inputs struct {
	// ClosePrices holds the average fill price of each leg's closing order.
	ClosePrices map[string]float64
	// Positions is the venue position snapshot taken before closing.
	Positions map[string]venue.Position
	// MarkPrices is used when neither fills nor a snapshot are available.
	MarkPrices map[string]float64
}

// LegResult is the price PnL of one leg and where it came from.
type LegResult struct {
	Venue  string
	PnL    decimal.Decimal
	Source string
}

// Compute returns the trade's breakdown: price PnL + funding - fees.
func Compute(trade state.HedgeTrade, in Inputs) state.PnLBreakdown {
	legs := Legs(trade, in)
	price := decimal.Zero
	sources := make(map[string]struct{}, 2)
	for _, leg := range legs {
		price = price.Add(leg.PnL)
		sources[leg.Source] = struct{}{}
	}
	funding := decimal.NewFromFloat(trade.AccumulatedFunding)
	fees := decimal.NewFromFloat(trade.Fees)
	total := price.Add(funding).Sub(fees)
	return state.PnLBreakdown{
		PricePnL: round(price),
		Funding:  round(funding),
		Fees:     round(fees),
		Total:    round(total),
		Source:   joinSources(sources),
	}
}

func Legs(trade state.HedgeTrade, in Inputs) [2]LegResult {
	var out [2]LegResult
	for i, leg := range trade.Legs() {
		out[i] = legPnL(leg, in)
	}
	return out
}

func legPnL(leg state.Leg, in Inputs) LegResult {
	res := LegResult{Venue: leg.Venue, PnL: decimal.Zero, Source: SourceNone}
	if price, ok := in.ClosePrices[leg.Venue]; ok && price > 0 {
		res.PnL = priceDiff(leg, price)
		res.Source = SourceFills
		return res
	}
	if pos, ok := in.Positions[leg.Venue]; ok && !pos.IsFlat() && (pos.UnrealizedPnL != 0 || pos.MarkPrice > 0) {
		res.PnL = scaledUnrealized(leg, pos)
		res.Source = SourceVenue
		return res
	}
	mark := in.MarkPrices[leg.Venue]
	if mark <= 0 {
		if pos, ok := in.Positions[leg.Venue]; ok {
			mark = pos.MarkPrice
		}
	}
	if mark > 0 {
		res.PnL = priceDiff(leg, mark)
		res.Source = SourceMark
	}
	return res
}

func priceDiff(leg state.Leg, exit float64) decimal.Decimal {
	size := decimal.NewFromFloat(leg.Size)
	diff := decimal.NewFromFloat(exit).Sub(decimal.NewFromFloat(leg.EntryPrice))
	if leg.Side == venue.Sell {
		diff = diff.Neg()
	}
	return diff.Mul(size)
}

// scaledUnrealized pro-rates the venue's figure to the leg's share of the
// position, which can be larger when other flows share the symbol.
func scaledUnrealized(leg state.Leg, pos venue.Position) decimal.Decimal {
	upnl := decimal.NewFromFloat(pos.UnrealizedPnL)
	total := decimal.NewFromFloat(pos.Size).Abs()
	size := decimal.NewFromFloat(leg.Size)
	if total.IsZero() || size.GreaterThanOrEqual(total) {
		return upnl
	}
	return upnl.Mul(size).Div(total)
}

func joinSources(set map[string]struct{}) string {
	if len(set) == 0 {
		return SourceNone
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return strings.Join(out, "+")
}

func round(d decimal.Decimal) float64 {
	f, _ := d.Round(8).Float64()
	return f
}
