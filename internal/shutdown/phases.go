package shutdown

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"funding-arb-bot/internal/pnl"
	"funding-arb-bot/internal/state"
	"funding-arb-bot/internal/venue"

	"go.uber.org/zap"
)

func (o *Orchestrator) blockNewOrders(reason string) {
	if o.deps.Gate == nil {
		return
	}
	if !o.deps.Gate.Block(reason) {
		o.log.Info("trading gate already blocked")
	}
}

func (o *Orchestrator) drainExecutions(ctx context.Context, rs *runState) {
	if o.deps.Exec == nil {
		return
	}
	o.deps.Exec.Stop()
	dctx, cancel := context.WithTimeout(ctx, o.cfg.DrainTimeout)
	err := o.deps.Exec.Drain(dctx)
	cancel()
	if err == nil {
		return
	}
	n := o.deps.Exec.ForceCancel()
	o.log.Warn("drain timed out, force-cancelling executions", zap.Int("cancelled", n), zap.Error(err))
	gctx, cancel := context.WithTimeout(ctx, o.cfg.ForceGrace)
	defer cancel()
	if err := o.deps.Exec.Drain(gctx); err != nil {
		rs.fail(DrainingExecutions, "", "", fmt.Sprintf("executions still running after force cancel: %v", err))
		return
	}
	rs.fail(DrainingExecutions, "", "", fmt.Sprintf("drain timed out after %s; force-cancelled %d executions", o.cfg.DrainTimeout, n))
}

// cancelOrders cancels per symbol on every venue in parallel, then sweeps each
// venue with an account-wide cancel to catch orders on other symbols or ones
// that landed after the first pass.
func (o *Orchestrator) cancelOrders(ctx context.Context, rs *runState) {
	symbols := tradeSymbols(rs.trades)
	var wg sync.WaitGroup
	for _, c := range o.deps.Venues {
		for _, symbol := range symbols {
			wg.Add(1)
			go func(c venue.Client, symbol string) {
				defer wg.Done()
				o.cancelWithRetry(ctx, rs, c, symbol)
			}(c, symbol)
		}
	}
	wg.Wait()
	for _, c := range o.deps.Venues {
		wg.Add(1)
		go func(c venue.Client) {
			defer wg.Done()
			o.cancelWithRetry(ctx, rs, c, "")
		}(c)
	}
	wg.Wait()
}

func (o *Orchestrator) cancelWithRetry(ctx context.Context, rs *runState, c venue.Client, symbol string) {
	var lastErr error
	for attempt := 1; attempt <= o.cfg.CancelAttempts; attempt++ {
		if ctx.Err() != nil {
			lastErr = ctx.Err()
			break
		}
		cctx, cancel := context.WithTimeout(ctx, o.cfg.CancelTimeout)
		n, err := c.CancelAllOrders(cctx, symbol)
		cancel()
		if err == nil {
			rs.addCancelled(n)
			return
		}
		lastErr = err
		o.log.Warn("cancel-all failed",
			zap.String("venue", c.Name()), zap.String("symbol", symbol), zap.Int("attempt", attempt), zap.Error(err))
	}
	rs.fail(CancellingOrders, c.Name(), symbol, fmt.Sprintf("cancel-all failed: %v", lastErr))
}

// closePositions fetches every venue and closes each nonzero position not
// already closed in this run. Venues proceed independently.
func (o *Orchestrator) closePositions(ctx context.Context, rs *runState, phase Phase) {
	var wg sync.WaitGroup
	for _, c := range o.deps.Venues {
		wg.Add(1)
		go func(c venue.Client) {
			defer wg.Done()
			positions, ok := o.fetch(ctx, rs, phase, c)
			if !ok {
				return
			}
			for _, pos := range positions {
				if pos.IsFlat() {
					continue
				}
				k := keyOf(c.Name(), pos.Symbol)
				if rs.isClosed(k) {
					o.log.Warn("venue still reports a position closed earlier in this run",
						zap.String("venue", c.Name()), zap.String("symbol", pos.Symbol), zap.Float64("size", pos.Size))
					continue
				}
				o.closeOne(ctx, rs, phase, c, pos)
			}
		}(c)
	}
	wg.Wait()
}

func (o *Orchestrator) fetch(ctx context.Context, rs *runState, phase Phase, c venue.Client) ([]venue.Position, bool) {
	fctx, cancel := context.WithTimeout(ctx, o.cfg.FetchTimeout)
	defer cancel()
	positions, err := c.FetchOpenPositions(fctx)
	if err != nil {
		rs.fail(phase, c.Name(), "", fmt.Sprintf("fetch positions: %v", err))
		o.log.Error("position fetch failed", zap.String("phase", string(phase)), zap.String("venue", c.Name()), zap.Error(err))
		return nil, false
	}
	rs.observe(c.Name(), positions, phase == FinalSweep)
	return positions, true
}

func (o *Orchestrator) isDust(pos venue.Position) bool {
	return o.cfg.DustNotionalUSD > 0 && pos.Notional() > 0 && pos.Notional() < o.cfg.DustNotionalUSD
}

// closeOne drives a single position to flat with escalating slippage,
// re-reading the venue after every attempt so each order is sized to what is
// actually left.
func (o *Orchestrator) closeOne(ctx context.Context, rs *runState, phase Phase, c venue.Client, pos venue.Position) {
	k := keyOf(c.Name(), pos.Symbol)
	log := o.log.With(zap.String("phase", string(phase)), zap.String("venue", c.Name()), zap.String("symbol", pos.Symbol))
	rs.snapshot(k, pos)
	if o.isDust(pos) {
		rs.addDust(k, pos)
		log.Info("skipping dust position", zap.Float64("size", pos.Size), zap.Float64("notional", pos.Notional()))
		return
	}
	if o.deps.Exec == nil {
		rs.fail(phase, c.Name(), pos.Symbol, "no execution manager to close with")
		return
	}
	var lastErr error
	for _, slippage := range o.cfg.SlippageSteps {
		if ctx.Err() != nil {
			lastErr = ctx.Err()
			break
		}
		cctx, cancel := context.WithTimeout(ctx, o.cfg.CloseTimeout)
		order, err := o.deps.Exec.ClosePosition(cctx, c, pos, slippage)
		cancel()
		switch {
		case errors.Is(err, venue.ErrPositionFlat):
			log.Info("venue reports position already closed")
			rs.markClosed(k)
			return
		case err != nil:
			lastErr = err
			log.Warn("close attempt failed", zap.Float64("slippage", slippage), zap.Error(err))
		default:
			rs.recordFill(k, order)
		}

		fctx, cancel := context.WithTimeout(ctx, o.cfg.FetchTimeout)
		positions, ferr := c.FetchOpenPositions(fctx)
		cancel()
		if ferr != nil {
			lastErr = ferr
			continue
		}
		cur, open := venue.FindPosition(positions, pos.Symbol)
		if !open {
			rs.confirmFlat(k)
			log.Info("position closed", zap.Float64("size", pos.Size))
			return
		}
		rs.setKnown(k, cur)
		if o.isDust(cur) {
			rs.addDust(k, cur)
			return
		}
		pos = cur
	}
	if lastErr == nil {
		lastErr = errors.New("position still open")
	}
	rs.fail(phase, c.Name(), pos.Symbol, fmt.Sprintf("close failed after %d attempts: %v", len(o.cfg.SlippageSteps), lastErr))
}

// persist closes every trade now flat on both of its venues, flushes the
// store and records the report.
func (o *Orchestrator) persist(ctx context.Context, rs *runState) {
	if o.deps.Trades != nil {
		for _, trade := range rs.trades {
			if !rs.flatOn(trade.Long.Venue, trade.Symbol) || !rs.flatOn(trade.Short.Venue, trade.Symbol) {
				o.log.Warn("trade left open; legs not verified flat", zap.String("symbol", trade.Symbol))
				continue
			}
			prices, snaps := rs.pnlInputs(trade.Symbol)
			breakdown := pnl.Compute(trade, pnl.Inputs{ClosePrices: prices, Positions: snaps})
			if _, err := o.deps.Trades.CloseTrade(trade.Symbol, breakdown, trade.AccumulatedFunding); err != nil {
				rs.fail(Persisting, "", trade.Symbol, fmt.Sprintf("close trade: %v", err))
				continue
			}
			rs.addTradeClosed()
			o.log.Info("trade closed",
				zap.String("symbol", trade.Symbol),
				zap.Float64("pnl", breakdown.Total),
				zap.String("pnl_source", breakdown.Source),
			)
		}
	}
	o.flushAndReport(ctx, rs, o.buildResult(rs, false))
}

func (o *Orchestrator) flushAndReport(ctx context.Context, rs *runState, res Result) {
	if o.deps.Trades != nil {
		if err := o.deps.Trades.Flush(ctx); err != nil {
			rs.fail(Persisting, "", "", fmt.Sprintf("flush trade log: %v", err))
		}
	}
	if o.deps.KV == nil {
		return
	}
	tagged := rs.errorList()
	errs := make([]string, 0, len(tagged))
	for _, e := range tagged {
		errs = append(errs, e.Error())
	}
	report := state.ShutdownReport{
		Success:            res.Success,
		Phase:              string(o.Phase()),
		Errors:             errs,
		RemainingPositions: res.RemainingPositions,
		ElapsedSeconds:     res.ElapsedSeconds,
		PositionsClosed:    res.PositionsClosed,
		OrdersCancelled:    res.OrdersCancelled,
		FinishedAtMS:       o.now().UnixMilli(),
	}
	if err := state.SaveShutdownReport(ctx, o.deps.KV, report); err != nil {
		rs.fail(Persisting, "", "", fmt.Sprintf("save shutdown report: %v", err))
	}
}

// teardown runs the registered closers in order. A closer that ignores its
// context is abandoned when its budget runs out.
func (o *Orchestrator) teardown(ctx context.Context, rs *runState) {
	o.mu.Lock()
	closers := append([]closer(nil), o.closers...)
	o.mu.Unlock()
	for _, cl := range closers {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.TeardownTimeout)
		errCh := make(chan error, 1)
		go func(cl closer) {
			errCh <- cl.fn(cctx)
		}(cl)
		select {
		case err := <-errCh:
			if err != nil {
				rs.fail(Teardown, "", "", fmt.Sprintf("%s: %v", cl.name, err))
			}
		case <-cctx.Done():
			rs.fail(Teardown, "", "", fmt.Sprintf("%s: abandoned after %s", cl.name, o.cfg.TeardownTimeout))
		}
		cancel()
	}
}

func (o *Orchestrator) notify(ctx context.Context, res Result) {
	if o.deps.Notifier == nil {
		return
	}
	nctx, cancel := context.WithTimeout(ctx, o.cfg.TeardownTimeout)
	defer cancel()
	if err := o.deps.Notifier.Send(nctx, Summary(res)); err != nil {
		o.log.Warn("shutdown summary alert failed", zap.Error(err))
	}
}

// Summary renders a result for operators.
func Summary(res Result) string {
	var b strings.Builder
	status := "OK"
	if !res.Success {
		status = "FAILED"
	}
	fmt.Fprintf(&b, "Shutdown %s in %.1fs: %d positions closed, %d orders cancelled, %d trades closed",
		status, res.ElapsedSeconds, res.PositionsClosed, res.OrdersCancelled, res.TradesClosed)
	if res.TimedOut {
		b.WriteString(" (global timeout exceeded)")
	}
	if len(res.RemainingPositions) > 0 {
		b.WriteString("\nREMAINING EXPOSURE:")
		for _, p := range res.RemainingPositions {
			fmt.Fprintf(&b, "\n  %s %s %+.6f (~$%.2f)", p.Venue, p.Position.Symbol, p.Position.Size, p.Position.Notional())
		}
	}
	if len(res.Dust) > 0 {
		b.WriteString("\nDust left open:")
		for _, p := range res.Dust {
			fmt.Fprintf(&b, "\n  %s %s %+.6f (~$%.2f)", p.Venue, p.Position.Symbol, p.Position.Size, p.Position.Notional())
		}
	}
	if len(res.Errors) > 0 {
		b.WriteString("\nErrors:")
		for i, e := range res.Errors {
			if i == 10 {
				fmt.Fprintf(&b, "\n  ... %d more", len(res.Errors)-i)
				break
			}
			b.WriteString("\n  ")
			b.WriteString(e.Error())
		}
	}
	return b.String()
}

func tradeSymbols(trades []state.HedgeTrade) []string {
	seen := make(map[string]struct{}, len(trades))
	out := make([]string, 0, len(trades))
	for _, t := range trades {
		sym := strings.ToUpper(t.Symbol)
		if _, ok := seen[sym]; ok {
			continue
		}
		seen[sym] = struct{}{}
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}
