package paper

import (
	"context"
	"errors"
	"testing"

	"funding-arb-bot/internal/venue"

	"github.com/stretchr/testify/require"
)

func newVenue(unit venue.SizeUnit) *Venue {
	return New(Config{
		Name:     "paper",
		SizeUnit: unit,
		Balance:  10_000,
		Markets:  []MarketConfig{{Symbol: "ETH", MarkPrice: 2000, FundingRate: 0.0001, SizeStep: 0.001}},
	})
}

func TestPlaceOrderOpensAndReducesPosition(t *testing.T) {
	v := newVenue(venue.UnitCoins)
	ctx := context.Background()
	order, err := v.PlaceOrder(ctx, venue.OrderRequest{Symbol: "ETH", Side: venue.Buy, Size: 1.5, TimeInForce: venue.IOC})
	require.NoError(t, err)
	require.Equal(t, venue.StatusFilled, order.Status)
	require.Equal(t, 1.5, v.Position("ETH"))

	_, err = v.PlaceOrder(ctx, venue.OrderRequest{Symbol: "ETH", Side: venue.Sell, Size: 5, ReduceOnly: true})
	require.NoError(t, err)
	require.Equal(t, 0.0, v.Position("ETH"), "reduce-only is capped at the position")
}

func TestReduceOnlyWithoutPositionIsFlat(t *testing.T) {
	v := newVenue(venue.UnitCoins)
	_, err := v.PlaceOrder(context.Background(), venue.OrderRequest{Symbol: "ETH", Side: venue.Sell, Size: 1, ReduceOnly: true})
	require.ErrorIs(t, err, venue.ErrPositionFlat)
	var verr *venue.Error
	require.True(t, errors.As(err, &verr))
	require.Equal(t, "1137", verr.Code)
}

func TestNotionalSizing(t *testing.T) {
	v := newVenue(venue.UnitNotional)
	_, err := v.PlaceOrder(context.Background(), venue.OrderRequest{Symbol: "ETH", Side: venue.Sell, Size: 3000})
	require.NoError(t, err)
	require.InDelta(t, -1.5, v.Position("ETH"), 1e-12)
}

func TestHoldRestingAndFill(t *testing.T) {
	v := New(Config{Name: "p", HoldResting: true, Markets: []MarketConfig{{Symbol: "BTC", MarkPrice: 50000}}})
	order, err := v.PlaceOrder(context.Background(), venue.OrderRequest{Symbol: "BTC", Side: venue.Buy, Size: 0.1, Price: 49900, TimeInForce: venue.PostOnly})
	require.NoError(t, err)
	require.Equal(t, venue.StatusOpen, order.Status)
	require.Equal(t, 0.0, v.Position("BTC"))
	require.Equal(t, 1, v.FillResting("BTC"))
	require.InDelta(t, 0.1, v.Position("BTC"), 1e-12)

	positions, err := v.FetchOpenPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 1)
	require.Equal(t, 49900.0, positions[0].EntryPrice)
	require.InDelta(t, 10, positions[0].UnrealizedPnL, 1e-9)
}

func TestInsufficientBalance(t *testing.T) {
	v := New(Config{Name: "p", Balance: 100, Leverage: 2, Markets: []MarketConfig{{Symbol: "BTC", MarkPrice: 50000}}})
	_, err := v.PlaceOrder(context.Background(), venue.OrderRequest{Symbol: "BTC", Side: venue.Buy, Size: 1})
	require.ErrorIs(t, err, venue.ErrInsufficientBalance)
	require.ErrorIs(t, err, venue.ErrOrderRejected)
}

func TestHookAndCalls(t *testing.T) {
	v := newVenue(venue.UnitCoins)
	boom := venue.NewError("paper", "fetch_positions", venue.ErrTransient, "503", "unavailable")
	v.SetHook(func(ctx context.Context, op string, arg any) error {
		if op == "fetch_positions" {
			return boom
		}
		return nil
	})
	_, err := v.FetchOpenPositions(context.Background())
	require.ErrorIs(t, err, venue.ErrTransient)
	require.Equal(t, 1, v.Calls("fetch_positions"))

	require.NoError(t, v.Close(context.Background()))
	_, err = v.MarkPrice(context.Background(), "ETH")
	require.ErrorIs(t, err, venue.ErrFatal)
}
