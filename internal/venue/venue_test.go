package venue_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"funding-arb-bot/internal/gate"
	"funding-arb-bot/internal/ratelimit"
	"funding-arb-bot/internal/retry"
	"funding-arb-bot/internal/venue"
	"funding-arb-bot/internal/venue/paper"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestErrorTaxonomy(t *testing.T) {
	err := venue.NewError("x10", "place_order", venue.ErrRateLimited, "429", "slow down")
	require.ErrorIs(t, err, venue.ErrRateLimited)
	require.ErrorIs(t, err, venue.ErrTransient)
	require.Equal(t, retry.Retry, venue.Classify(err))
	require.Equal(t, retry.Retry, venue.ClassifyPlacement(err))

	timeout := venue.NewError("x10", "place_order", venue.ErrTransient, "", "timeout")
	require.Equal(t, retry.Retry, venue.Classify(timeout))
	require.Equal(t, retry.Stop, venue.ClassifyPlacement(timeout))

	flat := venue.NewError("lighter", "place_order", venue.ErrPositionFlat, "1138", "")
	require.Equal(t, retry.Satisfied, venue.Classify(flat))
	require.Equal(t, retry.Stop, venue.ClassifyPlacement(flat), "callers must see the flat rejection")

	rejected := venue.NewError("lighter", "place_order", venue.ErrPostOnlyRejected, "", "")
	require.ErrorIs(t, rejected, venue.ErrOrderRejected)
	require.Equal(t, retry.Stop, venue.Classify(rejected))
	require.Contains(t, rejected.Error(), "lighter place_order")
}

func TestIsPositionMissing(t *testing.T) {
	require.True(t, venue.IsPositionMissing("1137", ""))
	require.True(t, venue.IsPositionMissing("", "Reduce only order would increase position."))
	require.False(t, venue.IsPositionMissing("42", "insufficient margin"))
}

func TestUnitConversion(t *testing.T) {
	native, err := venue.ToNative(0.5, 3000, venue.UnitNotional)
	require.NoError(t, err)
	require.Equal(t, 1500.0, native)
	coins, err := venue.FromNative(1500, 3000, venue.UnitNotional)
	require.NoError(t, err)
	require.Equal(t, 0.5, coins)
	_, err = venue.ToNative(1, 0, venue.UnitNotional)
	require.Error(t, err)
	require.InDelta(t, 0.123, venue.RoundDown(0.1239, 0.001), 1e-12)
	require.InDelta(t, 0.124, venue.RoundUp(0.1231, 0.001), 1e-12)
	require.InDelta(t, 102, venue.SlippagePrice(venue.Buy, 100, 0.02), 1e-9)
	require.InDelta(t, 95, venue.SlippagePrice(venue.Sell, 100, 0.05), 1e-9)
}

func newGuarded(t *testing.T, p *paper.Venue, g *gate.Gate) (*venue.Guarded, *ratelimit.Limiter) {
	t.Helper()
	lim, err := ratelimit.New(p.Name(), ratelimit.Config{InitialRate: 100, MinRate: 1, MaxRate: 100}, zap.NewNop(), nil)
	require.NoError(t, err)
	gd := venue.NewGuarded(p, lim, g, zap.NewNop(), nil)
	fast := retry.Policy{Attempts: 3, BaseDelay: time.Millisecond}
	gd.SetRetryPolicies(fast, fast)
	return gd, lim
}

func TestGuardedBlocksRiskIncreasingOrders(t *testing.T) {
	p := paper.New(paper.Config{Name: "a", Markets: []paper.MarketConfig{{Symbol: "BTC", MarkPrice: 100}}})
	g := gate.New()
	gd, _ := newGuarded(t, p, g)
	ctx := context.Background()

	_, err := gd.PlaceOrder(ctx, venue.OrderRequest{Symbol: "BTC", Side: venue.Buy, Size: 1})
	require.NoError(t, err)
	g.Block("shutdown")

	_, err = gd.PlaceOrder(ctx, venue.OrderRequest{Symbol: "BTC", Side: venue.Buy, Size: 1})
	require.ErrorIs(t, err, venue.ErrGateClosed)
	require.Equal(t, 1, p.Calls("place_order"), "blocked order never reaches the venue")

	_, err = gd.PlaceOrder(ctx, venue.OrderRequest{Symbol: "BTC", Side: venue.Sell, Size: 1, ReduceOnly: true})
	require.NoError(t, err)
	require.Equal(t, 0.0, p.Position("BTC"))
}

func TestGuardedFeedsLimiterOnRateLimit(t *testing.T) {
	p := paper.New(paper.Config{Name: "a", Markets: []paper.MarketConfig{{Symbol: "BTC", MarkPrice: 100}}})
	gd, lim := newGuarded(t, p, gate.New())
	calls := 0
	p.SetHook(func(ctx context.Context, op string, arg any) error {
		if op != "fetch_positions" {
			return nil
		}
		calls++
		if calls <= 2 {
			return venue.NewError("a", op, venue.ErrRateLimited, "429", "")
		}
		return nil
	})
	_, err := gd.FetchOpenPositions(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, calls)
	st := lim.Stats()
	require.Equal(t, 0, st.ConsecutiveFailures, "final success resets the counter")
	require.InDelta(t, 15, st.Rate, 1e-9, "100 -> 50 -> 15")
}

func TestGuardedSurfacesPositionFlatOnReduceOnly(t *testing.T) {
	p := paper.New(paper.Config{Name: "a", Markets: []paper.MarketConfig{{Symbol: "BTC", MarkPrice: 100}}})
	gd, _ := newGuarded(t, p, gate.New())
	order, err := gd.PlaceOrder(context.Background(), venue.OrderRequest{
		Symbol: "BTC", Side: venue.Sell, Size: 1, Price: 99, TimeInForce: venue.IOC, ReduceOnly: true,
	})
	require.ErrorIs(t, err, venue.ErrPositionFlat)
	require.Empty(t, order.ID)
	require.Equal(t, 1, p.Calls("place_order"), "a flat rejection is not retried")
}

func TestGuardedDoesNotRetryAmbiguousPlacement(t *testing.T) {
	p := paper.New(paper.Config{Name: "a", Markets: []paper.MarketConfig{{Symbol: "BTC", MarkPrice: 100}}})
	gd, _ := newGuarded(t, p, gate.New())
	p.SetHook(func(ctx context.Context, op string, arg any) error {
		if op == "place_order" {
			return venue.NewError("a", op, venue.ErrTransient, "", "timeout")
		}
		return nil
	})
	_, err := gd.PlaceOrder(context.Background(), venue.OrderRequest{Symbol: "BTC", Side: venue.Buy, Size: 1})
	require.True(t, errors.Is(err, venue.ErrTransient))
	require.Equal(t, 1, p.Calls("place_order"))
}

func TestMarketForUsesCache(t *testing.T) {
	p := paper.New(paper.Config{Name: "a", SizeUnit: venue.UnitNotional, Markets: []paper.MarketConfig{{Symbol: "SOL", MarkPrice: 150, SizeStep: 0.1}}})
	gd, _ := newGuarded(t, p, gate.New())
	_, err := gd.LoadMarkets(context.Background())
	require.NoError(t, err)
	m, err := venue.MarketFor(context.Background(), gd, "sol")
	require.NoError(t, err)
	require.Equal(t, venue.UnitNotional, m.SizeUnit)
	require.Equal(t, 1, p.Calls("load_markets"))

	_, err = venue.MarketFor(context.Background(), p, "DOGE")
	require.Error(t, err)
}
