package app

import (
	"context"

	"funding-arb-bot/internal/state"
	"funding-arb-bot/internal/timescale"
)

// tradeSink is the position store as seen by trading, reconcile and
// shutdown. Every close, whoever triggers it, is mirrored to the history
// sink.
type tradeSink struct {
	*state.PositionStore
	ts *timescale.Writer
}

func (s *tradeSink) CloseTrade(symbol string, pnl state.PnLBreakdown, funding float64) (state.HedgeTrade, error) {
	closed, err := s.PositionStore.CloseTrade(symbol, pnl, funding)
	if err != nil {
		return closed, err
	}
	s.ts.RecordTradeClosed(closed)
	return closed, nil
}

func (a *App) sampleLimiters(context.Context) error {
	now := a.now().UTC()
	for _, v := range a.venues {
		a.timescale.RecordLimiter(now, v.Limiter().Stats())
	}
	return nil
}

// recordShutdownReport forwards the report PERSISTING just wrote.
func (a *App) recordShutdownReport(ctx context.Context) error {
	report, ok, err := state.LoadShutdownReport(ctx, a.kv)
	if err != nil || !ok {
		return err
	}
	if report.FinishedAtMS < a.stopAt.Load() {
		// Left over from an earlier process; this run never reached PERSISTING.
		return nil
	}
	a.timescale.RecordShutdown(report)
	return nil
}
