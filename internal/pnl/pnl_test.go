package pnl

import (
	"testing"

	"funding-arb-bot/internal/state"
	"funding-arb-bot/internal/venue"

	"github.com/stretchr/testify/require"
)

func hedge() state.HedgeTrade {
	return state.HedgeTrade{
		Symbol:             "ETH",
		Long:               state.Leg{Venue: "a", Side: venue.Buy, Size: 2, EntryPrice: 2000},
		Short:              state.Leg{Venue: "b", Side: venue.Sell, Size: 2, EntryPrice: 2010},
		AccumulatedFunding: 1.5,
		Fees:               0.4,
	}
}

func TestComputeFromFills(t *testing.T) {
	got := Compute(hedge(), Inputs{ClosePrices: map[string]float64{"a": 2100, "b": 2105}})
	// long +200, short -190
	require.InDelta(t, 10, got.PricePnL, 1e-9)
	require.InDelta(t, 1.5, got.Funding, 1e-9)
	require.InDelta(t, 0.4, got.Fees, 1e-9)
	require.InDelta(t, 11.1, got.Total, 1e-9)
	require.Equal(t, SourceFills, got.Source)
}

func TestFillsWinOverVenueFigures(t *testing.T) {
	in := Inputs{
		ClosePrices: map[string]float64{"a": 2100},
		Positions: map[string]venue.Position{
			"a": {Symbol: "ETH", Size: 2, MarkPrice: 2050, UnrealizedPnL: 999},
			"b": {Symbol: "ETH", Size: -2, MarkPrice: 2050, UnrealizedPnL: -80},
		},
	}
	legs := Legs(hedge(), in)
	require.Equal(t, SourceFills, legs[0].Source)
	require.InDelta(t, 200, legs[0].PnL.InexactFloat64(), 1e-9)
	require.Equal(t, SourceVenue, legs[1].Source)
	require.InDelta(t, -80, legs[1].PnL.InexactFloat64(), 1e-9)

	got := Compute(hedge(), in)
	require.Equal(t, "fills+venue_upnl", got.Source)
	require.InDelta(t, 120, got.PricePnL, 1e-9)
}

func TestVenueFigureScaledToLegShare(t *testing.T) {
	in := Inputs{Positions: map[string]venue.Position{
		"a": {Symbol: "ETH", Size: 4, MarkPrice: 2010, UnrealizedPnL: 40},
	}}
	legs := Legs(hedge(), in)
	require.InDelta(t, 20, legs[0].PnL.InexactFloat64(), 1e-9)
}

func TestMarkFallback(t *testing.T) {
	in := Inputs{MarkPrices: map[string]float64{"a": 1990, "b": 1990}}
	got := Compute(hedge(), in)
	// long -20, short +40
	require.InDelta(t, 20, got.PricePnL, 1e-9)
	require.Equal(t, SourceMark, got.Source)
}

func TestNoInputsLeavesPricePnLZero(t *testing.T) {
	got := Compute(hedge(), Inputs{})
	require.Zero(t, got.PricePnL)
	require.InDelta(t, 1.1, got.Total, 1e-9)
	require.Equal(t, SourceNone, got.Source)
}
