package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"funding-arb-bot/internal/exec"
	"funding-arb-bot/internal/gate"
	"funding-arb-bot/internal/state"
	"funding-arb-bot/internal/venue"
	"funding-arb-bot/internal/venue/paper"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type notes struct{ messages []string }

func (n *notes) Send(ctx context.Context, message string) error {
	n.messages = append(n.messages, message)
	return nil
}

type fakeFlattener struct {
	busy  map[string]bool
	calls int
}

func (f *fakeFlattener) Busy(symbol string) bool { return f.busy[symbol] }

func (f *fakeFlattener) Flatten(ctx context.Context, c venue.Client, symbol string) (float64, error) {
	f.calls++
	return 0, nil
}

type fixture struct {
	a, b  *paper.Venue
	store *state.PositionStore
	notes *notes
	rec   *Reconciler
	now   time.Time
}

func newFixture(t *testing.T, cfg Config, flat Flattener) *fixture {
	t.Helper()
	f := &fixture{
		a: paper.New(paper.Config{Name: "alpha", Balance: 100_000, Markets: []paper.MarketConfig{
			{Symbol: "ETH", MarkPrice: 2000, SizeStep: 0.001},
			{Symbol: "BTC", MarkPrice: 50000, SizeStep: 0.0001},
		}}),
		b: paper.New(paper.Config{Name: "beta", SizeUnit: venue.UnitNotional, Balance: 100_000, Markets: []paper.MarketConfig{
			{Symbol: "ETH", MarkPrice: 2000, SizeStep: 0.01},
			{Symbol: "BTC", MarkPrice: 50000, SizeStep: 0.01},
		}}),
		store: state.NewPositionStore(nil, state.PositionStoreConfig{}, zap.NewNop(), nil),
		notes: &notes{},
		now:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	if flat == nil {
		flat = exec.NewManager(exec.Config{PollInterval: time.Millisecond}, gate.New(), nil, zap.NewNop(), nil)
	}
	rec, err := New(cfg, []venue.Client{f.a, f.b}, f.store, flat, f.notes, zap.NewNop())
	require.NoError(t, err)
	rec.now = func() time.Time { return f.now }
	f.rec = rec
	return f
}

func (f *fixture) addTrade(t *testing.T, symbol string, size, price float64, age time.Duration) {
	t.Helper()
	_, err := f.store.AddTrade(state.HedgeTrade{
		Symbol:      symbol,
		Long:        state.Leg{Venue: "alpha", Side: venue.Buy, Size: size, EntryPrice: price},
		Short:       state.Leg{Venue: "beta", Side: venue.Sell, Size: size, EntryPrice: price},
		NotionalUSD: size * price,
		EntryTime:   f.now.Add(-age),
	})
	require.NoError(t, err)
}

func TestBrokenHedgeIsFlattenedAndClosed(t *testing.T) {
	f := newFixture(t, Config{AutoFlatten: true}, nil)
	f.addTrade(t, "ETH", 1, 2000, time.Hour)
	f.a.SetPosition("ETH", 1, 1900)

	report, err := f.rec.Check(context.Background())

	require.NoError(t, err)
	require.Len(t, report.Issues, 1)
	issue := report.Issues[0]
	require.Equal(t, KindBrokenHedge, issue.Kind)
	require.Equal(t, "alpha", issue.Venue)
	require.NoError(t, issue.Err)
	require.Equal(t, 1, report.Flattened)
	require.Equal(t, 1, report.TradesClosed)
	require.InDelta(t, 0, f.a.Position("ETH"), 1e-9)
	_, open := f.store.Trade("ETH")
	require.False(t, open)
	require.Len(t, f.notes.messages, 1)
	require.Contains(t, f.notes.messages[0], "broken_hedge ETH on alpha")
}

func TestRecentTradeIsGivenGrace(t *testing.T) {
	f := newFixture(t, Config{AutoFlatten: true, Grace: time.Minute}, nil)
	f.addTrade(t, "ETH", 1, 2000, 10*time.Second)
	f.a.SetPosition("ETH", 1, 2000)

	report, err := f.rec.Check(context.Background())

	require.NoError(t, err)
	require.Len(t, report.Issues, 1)
	require.Contains(t, report.Issues[0].Action, "waiting")
	require.Zero(t, report.Flattened)
	require.InDelta(t, 1, f.a.Position("ETH"), 1e-9)
}

func TestUntrackedOneSidedPositionWaitsOneGraceThenFlattens(t *testing.T) {
	f := newFixture(t, Config{AutoFlatten: true, Grace: time.Minute}, nil)
	f.b.SetPosition("BTC", -0.1, 50000)

	first, err := f.rec.Check(context.Background())
	require.NoError(t, err)
	require.Equal(t, KindUnhedged, first.Issues[0].Kind)
	require.Contains(t, first.Issues[0].Action, "recently seen")
	require.InDelta(t, -0.1, f.b.Position("BTC"), 1e-9)

	f.now = f.now.Add(2 * time.Minute)
	second, err := f.rec.Check(context.Background())
	require.NoError(t, err)
	require.Equal(t, "flattened", second.Issues[0].Action)
	require.Equal(t, 1, second.Flattened)
	require.InDelta(t, 0, f.b.Position("BTC"), 1e-9)

	third, err := f.rec.Check(context.Background())
	require.NoError(t, err)
	require.True(t, third.Clean())
}

func TestStaleTradeIsClosed(t *testing.T) {
	f := newFixture(t, Config{AutoFlatten: true}, nil)
	f.addTrade(t, "ETH", 1, 2000, time.Hour)

	report, err := f.rec.Check(context.Background())

	require.NoError(t, err)
	require.Len(t, report.Issues, 1)
	require.Equal(t, KindStaleTrade, report.Issues[0].Kind)
	require.Equal(t, 1, report.TradesClosed)
	require.Empty(t, f.store.OpenTrades())
}

func TestHedgedPairsAreOnlyReported(t *testing.T) {
	f := newFixture(t, Config{AutoFlatten: true}, nil)
	f.addTrade(t, "ETH", 1, 2000, time.Hour)
	f.a.SetPosition("ETH", 1, 2000)
	f.b.SetPosition("ETH", -0.5, 2000)
	f.a.SetPosition("BTC", 0.1, 50000)
	f.b.SetPosition("BTC", -0.1, 50000)

	report, err := f.rec.Check(context.Background())

	require.NoError(t, err)
	require.Len(t, report.Issues, 2)
	require.Equal(t, KindUntracked, report.Issues[0].Kind)
	require.Equal(t, "BTC", report.Issues[0].Symbol)
	require.Equal(t, KindImbalanced, report.Issues[1].Kind)
	require.Zero(t, report.Flattened)
	require.InDelta(t, 1, f.a.Position("ETH"), 1e-9)
}

func TestFetchFailureAbortsCheck(t *testing.T) {
	f := newFixture(t, Config{AutoFlatten: true}, nil)
	f.addTrade(t, "ETH", 1, 2000, time.Hour)
	f.a.SetPosition("ETH", 1, 2000)
	f.b.SetHook(func(ctx context.Context, op string, arg any) error {
		if op == "fetch_positions" {
			return errors.New("gateway timeout")
		}
		return nil
	})

	_, err := f.rec.Check(context.Background())

	require.ErrorContains(t, err, "fetch beta positions")
	require.InDelta(t, 1, f.a.Position("ETH"), 1e-9)
	require.Len(t, f.store.OpenTrades(), 1)
}

func TestReportOnlyModeDoesNotTrade(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	f.a.SetPosition("ETH", 1, 2000)
	f.now = f.now.Add(time.Hour)

	report, err := f.rec.Check(context.Background())

	require.NoError(t, err)
	require.Equal(t, "reported", report.Issues[0].Action)
	require.Zero(t, f.a.Calls("place_order"))
}

func TestBusySymbolsAreSkipped(t *testing.T) {
	flat := &fakeFlattener{busy: map[string]bool{"ETH": true}}
	f := newFixture(t, Config{AutoFlatten: true}, flat)
	f.addTrade(t, "ETH", 1, 2000, time.Hour)
	f.a.SetPosition("ETH", 1, 2000)

	report, err := f.rec.Check(context.Background())

	require.NoError(t, err)
	require.True(t, report.Clean())
	require.Zero(t, flat.calls)
}

func TestNewRequiresTwoVenues(t *testing.T) {
	_, err := New(Config{}, nil, nil, nil, nil, nil)
	require.Error(t, err)
}
