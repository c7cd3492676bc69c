package app

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"funding-arb-bot/internal/config"
	"funding-arb-bot/internal/exec"
	"funding-arb-bot/internal/pnl"
	"funding-arb-bot/internal/state"
	"funding-arb-bot/internal/strategy"
	"funding-arb-bot/internal/venue"

	"go.uber.org/zap"
)

// tick evaluates every configured symbol once. Symbols are independent: a
// failure on one is logged and the rest still run.
func (a *App) tick(ctx context.Context) error {
	if a.gate.Blocked() {
		return nil
	}
	var errs []error
	for _, sym := range a.cfg.Strategy.Symbols {
		if err := a.evaluate(ctx, sym); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", sym, err))
		}
	}
	return errors.Join(errs...)
}

func (a *App) evaluate(ctx context.Context, symbol string) error {
	quotes, err := a.quotes(ctx, symbol)
	if err != nil {
		return err
	}
	a.markQuoted()

	trade, open := a.positions.Trade(symbol)
	snap := strategy.MarketSnapshot{
		Symbol:      symbol,
		Quotes:      quotes,
		NotionalUSD: a.cfg.Strategy.NotionalUSD,
		OpenTrade:   open,
		OpenTrades:  len(a.positions.OpenTrades()),
		ExposureUSD: a.exposureUSD(),
	}
	if open {
		snap.LongVenue = trade.Long.Venue
		snap.ShortVenue = trade.Short.Venue
	}
	decision := strategy.Decide(a.params(), snap)
	switch decision.Action {
	case strategy.ActionEnter:
		if !a.gate.IsOpen() {
			return nil
		}
		if err := strategy.CheckRisk(a.riskConfig(), snap); err != nil {
			a.log.Info("entry skipped", zap.String("symbol", symbol), zap.Error(err))
			return nil
		}
		return a.enter(ctx, snap, decision)
	case strategy.ActionExit:
		a.log.Info("exit signal", zap.String("symbol", symbol), zap.String("reason", decision.Reason))
		return a.exit(ctx, trade, quotes)
	}
	return nil
}

func (a *App) params() strategy.Params {
	st := a.cfg.Strategy
	return strategy.Params{
		MinSpread:   st.MinSpread,
		ExitSpread:  st.ExitSpread,
		FeeBps:      st.FeeBps,
		SlippageBps: st.SlippageBps,
		HoldPeriods: st.HoldPeriods,
	}
}

func (a *App) quotes(ctx context.Context, symbol string) ([2]strategy.Quote, error) {
	var out [2]strategy.Quote
	if len(a.venues) != 2 {
		return out, fmt.Errorf("need two venues, have %d", len(a.venues))
	}
	for i, v := range a.venues {
		mark, err := v.MarkPrice(ctx, symbol)
		if err != nil {
			return out, fmt.Errorf("mark on %s: %w", v.Name(), err)
		}
		rate, err := v.FundingRate(ctx, symbol)
		if err != nil {
			return out, fmt.Errorf("funding on %s: %w", v.Name(), err)
		}
		bal, err := v.FetchBalance(ctx)
		if err != nil {
			return out, fmt.Errorf("balance on %s: %w", v.Name(), err)
		}
		out[i] = strategy.Quote{Venue: v.Name(), MarkPrice: mark, FundingRate: rate, AvailableUSD: bal.Available}
	}
	return out, nil
}

func (a *App) exposureUSD() float64 {
	var total float64
	for _, t := range a.positions.OpenTrades() {
		total += t.NotionalUSD
	}
	return total
}

// role makes the configured maker venue rest passively on entries. Every
// other leg, and every close, crosses the spread.
func (a *App) role(c venue.Client) exec.Role {
	if a.cfg.Execution.MakerVenue != "" && strings.EqualFold(c.Name(), a.cfg.Execution.MakerVenue) {
		return exec.Maker
	}
	return exec.Taker
}

func (a *App) enter(ctx context.Context, snap strategy.MarketSnapshot, d strategy.Decision) error {
	longQ, shortQ := snap.Quotes[d.Long], snap.Quotes[d.Short]
	ref := (longQ.MarkPrice + shortQ.MarkPrice) / 2
	if ref <= 0 {
		return errors.New("no reference price")
	}
	qty := snap.NotionalUSD / ref
	longV, shortV := a.venues[d.Long], a.venues[d.Short]

	sm := a.machines.For(snap.Symbol)
	sm.Apply(strategy.EventEnter)
	res := a.exec.Execute(ctx, snap.Symbol,
		exec.Leg{Venue: longV, Side: venue.Buy, Quantity: qty, Role: a.role(longV)},
		exec.Leg{Venue: shortV, Side: venue.Sell, Quantity: qty, Role: a.role(shortV)},
	)
	if !res.Success {
		sm.Apply(strategy.EventFailed)
		a.reportFailure(ctx, res)
		return res.Err
	}
	long, short := res.Legs[0], res.Legs[1]
	trade, err := a.trades.AddTrade(state.HedgeTrade{
		ID:     res.ID,
		Symbol: snap.Symbol,
		Long: state.Leg{
			Venue:      long.Venue,
			Side:       venue.Buy,
			Size:       long.Filled,
			EntryPrice: priceOr(long.AvgPrice, longQ.MarkPrice),
			OrderID:    long.OrderID,
		},
		Short: state.Leg{
			Venue:      short.Venue,
			Side:       venue.Sell,
			Size:       short.Filled,
			EntryPrice: priceOr(short.AvgPrice, shortQ.MarkPrice),
			OrderID:    short.OrderID,
		},
		NotionalUSD: snap.NotionalUSD,
	})
	if err != nil {
		// The hedge is on the venues; reconcile reports it as untracked.
		a.log.Error("hedge opened but not recorded", zap.String("symbol", snap.Symbol), zap.Error(err))
		return err
	}
	sm.Apply(strategy.EventHedgeOK)
	a.log.Info("hedge opened",
		zap.String("symbol", trade.Symbol),
		zap.String("long", trade.Long.Venue),
		zap.String("short", trade.Short.Venue),
		zap.Float64("size", trade.Long.Size),
		zap.Float64("spread", d.Spread),
		zap.Float64("net_usd", d.NetUSD),
	)
	a.notify(ctx, fmt.Sprintf("Opened %s: long %s / short %s, %.6f @ spread %.6f",
		trade.Symbol, trade.Long.Venue, trade.Short.Venue, trade.Long.Size, d.Spread))
	return nil
}

func (a *App) exit(ctx context.Context, trade state.HedgeTrade, quotes [2]strategy.Quote) error {
	longV, err := a.venueByName(trade.Long.Venue)
	if err != nil {
		return err
	}
	shortV, err := a.venueByName(trade.Short.Venue)
	if err != nil {
		return err
	}
	if _, err := a.trades.UpdateTrade(trade.Symbol, state.TradeUpdate{Status: state.StatusPtr(state.StatusClosing)}); err != nil {
		return err
	}
	sm := a.machines.For(trade.Symbol)
	sm.Apply(strategy.EventExit)
	res := a.exec.Execute(ctx, trade.Symbol,
		exec.Leg{Venue: longV, Side: venue.Sell, Quantity: trade.Long.Size, Role: exec.Taker, ReduceOnly: true},
		exec.Leg{Venue: shortV, Side: venue.Buy, Quantity: trade.Short.Size, Role: exec.Taker, ReduceOnly: true},
	)
	if !res.Success {
		sm.Apply(strategy.EventFailed)
		if _, uerr := a.trades.UpdateTrade(trade.Symbol, state.TradeUpdate{Status: state.StatusPtr(state.StatusOpen)}); uerr != nil {
			a.log.Warn("trade status revert failed", zap.String("symbol", trade.Symbol), zap.Error(uerr))
		}
		a.reportFailure(ctx, res)
		return res.Err
	}

	marks := make(map[string]float64, len(quotes))
	for _, q := range quotes {
		marks[q.Venue] = q.MarkPrice
	}
	closes := map[string]float64{
		res.Legs[0].Venue: res.Legs[0].AvgPrice,
		res.Legs[1].Venue: res.Legs[1].AvgPrice,
	}
	breakdown := pnl.Compute(trade, pnl.Inputs{ClosePrices: closes, MarkPrices: marks})
	closed, err := a.trades.CloseTrade(trade.Symbol, breakdown, trade.AccumulatedFunding)
	if err != nil {
		return err
	}
	sm.Apply(strategy.EventDone)
	a.log.Info("hedge closed",
		zap.String("symbol", closed.Symbol),
		zap.Float64("pnl", breakdown.Total),
		zap.Float64("funding", breakdown.Funding),
		zap.String("pnl_source", breakdown.Source),
	)
	a.notify(ctx, fmt.Sprintf("Closed %s: pnl %.4f USD (funding %.4f, fees %.4f, source %s)",
		closed.Symbol, breakdown.Total, breakdown.Funding, breakdown.Fees, breakdown.Source))
	return nil
}

func (a *App) reportFailure(ctx context.Context, res exec.Result) {
	if errors.Is(res.Err, exec.ErrNotAccepting) || errors.Is(res.Err, venue.ErrGateClosed) {
		return
	}
	fields := []zap.Field{
		zap.String("symbol", res.Symbol),
		zap.String("action", string(res.Action)),
		zap.Bool("flat", res.Flat()),
		zap.Error(res.Err),
	}
	if res.Flat() {
		a.log.Warn("hedge action failed", fields...)
		return
	}
	a.log.Error("hedge action left exposure", fields...)
	a.notify(ctx, fmt.Sprintf("%s %s failed and left one-sided exposure: %v", res.Action, res.Symbol, res.Err))
}

// accrueFunding books one funding period on every open trade: the long leg
// pays the long venue's rate, the short leg receives the short venue's rate.
func (a *App) accrueFunding(ctx context.Context) error {
	var errs []error
	for _, trade := range a.positions.OpenTrades() {
		amount, err := a.fundingFor(ctx, trade)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", trade.Symbol, err))
			continue
		}
		if _, err := a.trades.UpdateTrade(trade.Symbol, state.TradeUpdate{AddFunding: state.Float(amount)}); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", trade.Symbol, err))
			continue
		}
		a.log.Debug("funding accrued", zap.String("symbol", trade.Symbol), zap.Float64("amount", amount))
	}
	return errors.Join(errs...)
}

func (a *App) fundingFor(ctx context.Context, trade state.HedgeTrade) (float64, error) {
	var total float64
	for _, leg := range trade.Legs() {
		v, err := a.venueByName(leg.Venue)
		if err != nil {
			return 0, err
		}
		rate, err := v.FundingRate(ctx, trade.Symbol)
		if err != nil {
			return 0, err
		}
		mark, err := v.MarkPrice(ctx, trade.Symbol)
		if err != nil {
			return 0, err
		}
		payment := leg.Size * mark * rate
		if leg.Side == venue.Buy {
			payment = -payment
		}
		total += payment
	}
	if math.IsNaN(total) || math.IsInf(total, 0) {
		return 0, errors.New("funding amount is not finite")
	}
	return total, nil
}

func (a *App) notify(ctx context.Context, message string) {
	if err := a.alerts.Send(ctx, message); err != nil {
		a.log.Warn("alert send failed", zap.Error(err))
	}
}

func (a *App) markQuoted() {
	a.opsMu.Lock()
	a.lastQuoteAt = a.now()
	a.opsMu.Unlock()
}

func (a *App) riskConfig() config.RiskConfig {
	a.opsMu.RLock()
	override := a.riskOverride
	a.opsMu.RUnlock()
	if override == nil {
		return a.cfg.Risk
	}
	return *override
}

func priceOr(price, fallback float64) float64 {
	if price > 0 {
		return price
	}
	return fallback
}
