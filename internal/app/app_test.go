package app

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"funding-arb-bot/internal/config"
	"funding-arb-bot/internal/opsapi"
	"funding-arb-bot/internal/state"
	"funding-arb-bot/internal/state/sqlite"
	"funding-arb-bot/internal/strategy"
	"funding-arb-bot/internal/venue/paper"

	"go.uber.org/zap"
)

func boolPtr(v bool) *bool { return &v }

func testConfig(dir string) *config.Config {
	rl := config.RateLimitConfig{InitialRate: 100, MinRate: 1, MaxRate: 200}
	market := func(rate float64) []config.PaperMarketConfig {
		return []config.PaperMarketConfig{{Symbol: "ETH", MarkPrice: 100, FundingRate: rate, SizeStep: 0.001}}
	}
	return &config.Config{
		Venues: []config.VenueConfig{
			{Name: "alpha", Kind: config.VenueKindPaper, SizeUnit: "coins", RateLimit: rl,
				Paper: config.PaperConfig{Balance: 100_000, Markets: market(0.0001)}},
			{Name: "beta", Kind: config.VenueKindPaper, SizeUnit: "notional", RateLimit: rl,
				Paper: config.PaperConfig{Balance: 100_000, Markets: market(0.0005)}},
		},
		Execution: config.ExecutionConfig{
			Stagger:          time.Millisecond,
			LegTimeout:       time.Second,
			SettleDelay:      time.Millisecond,
			MakerFillTimeout: 50 * time.Millisecond,
			PollInterval:     5 * time.Millisecond,
		},
		Shutdown: config.ShutdownConfig{
			GlobalTimeout:   5 * time.Second,
			DrainTimeout:    200 * time.Millisecond,
			CancelTimeout:   200 * time.Millisecond,
			FetchTimeout:    200 * time.Millisecond,
			CloseTimeout:    500 * time.Millisecond,
			TeardownTimeout: time.Second,
		},
		State: config.StateConfig{SQLitePath: filepath.Join(dir, "state.db"), BatchSize: 1, FlushInterval: 10 * time.Millisecond},
		Strategy: config.StrategyConfig{
			Symbols:         []string{"ETH"},
			NotionalUSD:     1000,
			MinSpread:       0.0001,
			ExitSpread:      0,
			HoldPeriods:     3,
			Interval:        time.Hour,
			FundingInterval: time.Hour,
		},
		Reconcile: config.ReconcileConfig{Interval: time.Hour},
		Ops:       config.OpsConfig{Enabled: boolPtr(false), MetricsPath: "/metrics"},
	}
}

func newTestApp(t *testing.T) (*App, *config.Config) {
	t.Helper()
	cfg := testConfig(t.TempDir())
	a, err := New(context.Background(), cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	if err := a.Prepare(context.Background()); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		a.Shutdown(ctx, "test cleanup")
	})
	return a, cfg
}

func paperVenue(t *testing.T, a *App, i int) *paper.Venue {
	t.Helper()
	v, ok := a.venues[i].Inner().(*paper.Venue)
	if !ok {
		t.Fatalf("venue %d is not a paper venue", i)
	}
	return v
}

func TestTickOpensHedgeOnWideSpread(t *testing.T) {
	a, _ := newTestApp(t)
	if err := a.tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	trade, ok := a.positions.Trade("ETH")
	if !ok {
		t.Fatalf("expected an open ETH trade")
	}
	if trade.Long.Venue != "alpha" || trade.Short.Venue != "beta" {
		t.Fatalf("expected long alpha / short beta, got %s / %s", trade.Long.Venue, trade.Short.Venue)
	}
	if math.Abs(trade.Long.Size-10) > 1e-9 || math.Abs(trade.Short.Size-10) > 1e-9 {
		t.Fatalf("expected 10 coins per leg, got %f / %f", trade.Long.Size, trade.Short.Size)
	}
	if got := paperVenue(t, a, 0).Position("ETH"); math.Abs(got-10) > 1e-9 {
		t.Fatalf("alpha position %f, expected 10", got)
	}
	if got := paperVenue(t, a, 1).Position("ETH"); math.Abs(got+10) > 1e-9 {
		t.Fatalf("beta position %f, expected -10", got)
	}
	if st := a.machines.For("ETH").State(); st != strategy.StateHedgeOK {
		t.Fatalf("expected HEDGE_OK, got %s", st)
	}
}

func TestTickClosesWhenSpreadFlips(t *testing.T) {
	a, _ := newTestApp(t)
	if err := a.tick(context.Background()); err != nil {
		t.Fatalf("open tick: %v", err)
	}
	paperVenue(t, a, 1).SetFundingRate("ETH", 0.00005)
	if err := a.tick(context.Background()); err != nil {
		t.Fatalf("close tick: %v", err)
	}
	if _, ok := a.positions.Trade("ETH"); ok {
		t.Fatalf("expected trade to be closed")
	}
	for i := 0; i < 2; i++ {
		if got := paperVenue(t, a, i).Position("ETH"); math.Abs(got) > 1e-9 {
			t.Fatalf("venue %d not flat: %f", i, got)
		}
	}
	if st := a.machines.For("ETH").State(); st != strategy.StateIdle {
		t.Fatalf("expected IDLE, got %s", st)
	}
}

func TestTickSkipsEntryWhilePaused(t *testing.T) {
	a, _ := newTestApp(t)
	a.gate.SetPaused(true)
	if err := a.tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if _, ok := a.positions.Trade("ETH"); ok {
		t.Fatalf("paused bot opened a trade")
	}
	if calls := paperVenue(t, a, 0).Calls("place_order"); calls != 0 {
		t.Fatalf("expected no orders, got %d", calls)
	}
}

func TestTickRespectsRiskOverride(t *testing.T) {
	a, cfg := newTestApp(t)
	risk := cfg.Risk
	risk.MaxNotionalUSD = 500
	a.setRiskOverride(risk)
	if err := a.tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if _, ok := a.positions.Trade("ETH"); ok {
		t.Fatalf("entry above the overridden notional cap was not blocked")
	}
}

func TestAccrueFundingBooksBothLegs(t *testing.T) {
	a, _ := newTestApp(t)
	if err := a.tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if err := a.accrueFunding(context.Background()); err != nil {
		t.Fatalf("accrue: %v", err)
	}
	trade, _ := a.positions.Trade("ETH")
	// short 10 @ 100 receives 0.0005, long 10 @ 100 pays 0.0001
	want := 1000*0.0005 - 1000*0.0001
	if math.Abs(trade.AccumulatedFunding-want) > 1e-9 {
		t.Fatalf("funding %f, expected %f", trade.AccumulatedFunding, want)
	}
}

func TestShutdownFlattensAndSurvivesRestart(t *testing.T) {
	a, cfg := newTestApp(t)
	if err := a.tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	res := a.Shutdown(context.Background(), "test")
	if !res.Success {
		t.Fatalf("shutdown failed: %+v", res.Errors)
	}
	for i := 0; i < 2; i++ {
		if got := paperVenue(t, a, i).Position("ETH"); math.Abs(got) > 1e-9 {
			t.Fatalf("venue %d not flat after shutdown: %f", i, got)
		}
	}

	store, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer store.Close()
	open, err := store.LoadOpenTrades(context.Background())
	if err != nil {
		t.Fatalf("load trades: %v", err)
	}
	if len(open) != 0 {
		t.Fatalf("expected no open trades after restart, got %d", len(open))
	}
	report, ok, err := state.LoadShutdownReport(context.Background(), store)
	if err != nil || !ok {
		t.Fatalf("expected a shutdown report, ok=%v err=%v", ok, err)
	}
	if !report.Success || report.PositionsClosed != 2 {
		t.Fatalf("unexpected report: %+v", report)
	}
}

func TestRequestShutdownStartsOnce(t *testing.T) {
	a, _ := newTestApp(t)
	if !a.RequestShutdown("first") {
		t.Fatalf("first request should start shutdown")
	}
	if a.RequestShutdown("second") {
		t.Fatalf("second request should not start shutdown again")
	}
	select {
	case <-a.shutdown.Done():
	case <-time.After(10 * time.Second):
		t.Fatalf("shutdown did not finish")
	}
	select {
	case <-a.stop:
	default:
		t.Fatalf("run loop was not released")
	}
	if err := a.Health(); err == nil {
		t.Fatalf("expected health to fail after shutdown")
	}
}

func TestHealthFailsOnStaleQuotes(t *testing.T) {
	a, _ := newTestApp(t)
	if err := a.Health(); err != nil {
		t.Fatalf("fresh app should be healthy: %v", err)
	}
	a.setRiskOverride(config.RiskConfig{MaxMarketAge: time.Second})
	now := time.Now()
	a.now = func() time.Time { return now }
	a.markQuoted()
	a.now = func() time.Time { return now.Add(time.Minute) }
	if err := a.Health(); err == nil {
		t.Fatalf("expected stale market data to fail health")
	}
}

func TestStatusOverOpsAPI(t *testing.T) {
	a, _ := newTestApp(t)
	if err := a.tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	srv := httptest.NewServer(opsapi.New(config.OpsConfig{MetricsPath: "/metrics"}, a, nil, nil).Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code %d", resp.StatusCode)
	}
	var got Status
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.OpenTrades) != 1 || got.OpenTrades[0].Symbol != "ETH" {
		t.Fatalf("unexpected open trades: %+v", got.OpenTrades)
	}
	if len(got.Limiters) != 2 {
		t.Fatalf("expected two limiter lanes, got %d", len(got.Limiters))
	}
	if got.Strategy["ETH"] != strategy.StateHedgeOK {
		t.Fatalf("unexpected strategy state %q", got.Strategy["ETH"])
	}
}

func TestNewRejectsMissingHyperliquidKey(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.Venues[1] = config.VenueConfig{
		Name:          "hl",
		Kind:          config.VenueKindHyperliquid,
		BaseURL:       "http://127.0.0.1:1",
		PrivateKeyEnv: "TEST_HL_KEY_UNSET",
		RateLimit:     cfg.Venues[0].RateLimit,
	}
	t.Setenv("TEST_HL_KEY_UNSET", "")
	if _, err := New(context.Background(), cfg, zap.NewNop()); err == nil {
		t.Fatalf("expected missing private key to fail")
	}
}
