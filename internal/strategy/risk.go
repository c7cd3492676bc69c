package strategy

import (
	"errors"
	"fmt"
	"math"
	"time"

	"funding-arb-bot/internal/config"
)

var (
	ErrMarketStale     = errors.New("market data stale")
	ErrPriceDivergence = errors.New("venue prices diverge")
	ErrCollateral      = errors.New("insufficient collateral")
)

// CheckRisk gates new entries only; exits are never blocked by risk limits.
func CheckRisk(cfg config.RiskConfig, snap MarketSnapshot) error {
	if cfg.MaxNotionalUSD > 0 && snap.NotionalUSD > cfg.MaxNotionalUSD {
		return errors.New("notional exceeds configured maximum")
	}
	if cfg.MaxTotalExposureUSD > 0 && snap.ExposureUSD+snap.NotionalUSD > cfg.MaxTotalExposureUSD {
		return fmt.Errorf("total exposure %.2f would exceed %.2f", snap.ExposureUSD+snap.NotionalUSD, cfg.MaxTotalExposureUSD)
	}
	if cfg.MaxOpenTrades > 0 && snap.OpenTrades >= cfg.MaxOpenTrades {
		return errors.New("open trades at configured maximum")
	}
	a, b := snap.Quotes[0].MarkPrice, snap.Quotes[1].MarkPrice
	if a <= 0 || b <= 0 {
		return fmt.Errorf("missing mark price for %s: %w", snap.Symbol, ErrMarketStale)
	}
	if cfg.MaxPriceDivergence > 0 {
		if gap := math.Abs(a-b) / math.Min(a, b); gap > cfg.MaxPriceDivergence {
			return fmt.Errorf("%s marks differ by %.4f: %w", snap.Symbol, gap, ErrPriceDivergence)
		}
	}
	if cfg.Leverage > 0 {
		margin := snap.NotionalUSD / cfg.Leverage
		for _, q := range snap.Quotes {
			if q.AvailableUSD < margin {
				return fmt.Errorf("%s has %.2f USD free, needs %.2f: %w", q.Venue, q.AvailableUSD, margin, ErrCollateral)
			}
		}
	}
	return nil
}

func CheckConnectivity(cfg config.RiskConfig, marketAge time.Duration) error {
	if cfg.MaxMarketAge > 0 && marketAge > cfg.MaxMarketAge {
		return fmt.Errorf("market data age %s exceeds %s: %w", marketAge, cfg.MaxMarketAge, ErrMarketStale)
	}
	return nil
}
