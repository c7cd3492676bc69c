package strategy

import (
	"errors"
	"testing"
	"time"

	"funding-arb-bot/internal/config"
)

func riskSnap() MarketSnapshot {
	return MarketSnapshot{Symbol: "ETH", Quotes: quotes(0, 0.001), NotionalUSD: 1000}
}

func TestCheckRiskNotional(t *testing.T) {
	if err := CheckRisk(config.RiskConfig{MaxNotionalUSD: 500}, riskSnap()); err == nil {
		t.Fatalf("expected risk error for notional")
	}
	if err := CheckRisk(config.RiskConfig{MaxNotionalUSD: 5000}, riskSnap()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestCheckRiskExposureAndTradeCount(t *testing.T) {
	snap := riskSnap()
	snap.ExposureUSD = 4500
	if err := CheckRisk(config.RiskConfig{MaxTotalExposureUSD: 5000}, snap); err == nil {
		t.Fatalf("expected exposure error")
	}
	snap.OpenTrades = 3
	if err := CheckRisk(config.RiskConfig{MaxOpenTrades: 3}, snap); err == nil {
		t.Fatalf("expected open trade limit error")
	}
}

func TestCheckRiskPriceDivergence(t *testing.T) {
	snap := riskSnap()
	snap.Quotes[1].MarkPrice = 2100
	err := CheckRisk(config.RiskConfig{MaxPriceDivergence: 0.01}, snap)
	if !errors.Is(err, ErrPriceDivergence) {
		t.Fatalf("expected divergence error, got %v", err)
	}
	snap.Quotes[1].MarkPrice = 0
	if err := CheckRisk(config.RiskConfig{}, snap); !errors.Is(err, ErrMarketStale) {
		t.Fatalf("expected stale error for missing mark, got %v", err)
	}
}

func TestCheckRiskCollateral(t *testing.T) {
	snap := riskSnap()
	snap.Quotes[0].AvailableUSD = 100
	err := CheckRisk(config.RiskConfig{Leverage: 5}, snap)
	if !errors.Is(err, ErrCollateral) {
		t.Fatalf("expected collateral error, got %v", err)
	}
	snap.Quotes[0].AvailableUSD = 200
	if err := CheckRisk(config.RiskConfig{Leverage: 5}, snap); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestCheckConnectivity(t *testing.T) {
	cfg := config.RiskConfig{MaxMarketAge: time.Minute}
	if err := CheckConnectivity(cfg, 2*time.Minute); !errors.Is(err, ErrMarketStale) {
		t.Fatalf("expected stale market error, got %v", err)
	}
	if err := CheckConnectivity(cfg, time.Second); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
