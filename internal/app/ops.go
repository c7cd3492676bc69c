package app

import (
	"context"
	"fmt"
	"time"

	"funding-arb-bot/internal/ratelimit"
	"funding-arb-bot/internal/shutdown"
	"funding-arb-bot/internal/state"
	"funding-arb-bot/internal/strategy"

	"go.uber.org/zap"
)

type Status struct {
	Paused        bool                      `json:"paused"`
	Blocked       bool                      `json:"blocked"`
	BlockReason   string                    `json:"block_reason,omitempty"`
	ShutdownPhase shutdown.Phase            `json:"shutdown_phase"`
	InFlight      int                       `json:"in_flight"`
	OpenTrades    []state.HedgeTrade        `json:"open_trades"`
	ExposureUSD   float64                   `json:"exposure_usd"`
	Strategy      map[string]strategy.State `json:"strategy"`
	Limiters      []ratelimit.Stats         `json:"limiters"`
	PendingWrites int                       `json:"pending_writes"`
	Tasks         []string                  `json:"tasks"`
	LastQuoteAt   *time.Time                `json:"last_quote_at,omitempty"`
	RiskOverride  bool                      `json:"risk_override"`
}

// Health fails once the bot can no longer trade: it is shutting down or its
// market data went stale.
func (a *App) Health() error {
	if a.gate.Blocked() {
		reason, _ := a.gate.Reason()
		return fmt.Errorf("shutting down: %s", reason)
	}
	a.opsMu.RLock()
	last := a.lastQuoteAt
	a.opsMu.RUnlock()
	if last.IsZero() {
		return nil
	}
	return strategy.CheckConnectivity(a.riskConfig(), a.now().Sub(last))
}

func (a *App) Status(context.Context) any {
	return a.status()
}

func (a *App) status() Status {
	reason, _ := a.gate.Reason()
	s := Status{
		Paused:        a.gate.Paused(),
		Blocked:       a.gate.Blocked(),
		BlockReason:   reason,
		ShutdownPhase: a.shutdown.Phase(),
		InFlight:      a.exec.InFlight(),
		OpenTrades:    a.positions.OpenTrades(),
		ExposureUSD:   a.exposureUSD(),
		Strategy:      a.machines.Snapshot(),
		PendingWrites: a.positions.Pending(),
		Tasks:         a.sup.Running(),
		RiskOverride:  a.riskOverrideSnapshot() != nil,
	}
	for _, v := range a.venues {
		s.Limiters = append(s.Limiters, v.Limiter().Stats())
	}
	a.opsMu.RLock()
	if !a.lastQuoteAt.IsZero() {
		at := a.lastQuoteAt.UTC()
		s.LastQuoteAt = &at
	}
	a.opsMu.RUnlock()
	return s
}

// RequestShutdown starts the orchestrator in the background and unblocks
// Run. The caller that owns the process still waits on Shutdown.
func (a *App) RequestShutdown(reason string) bool {
	if reason == "" {
		reason = "requested"
	}
	first := a.requestStop()
	if first {
		a.log.Warn("shutdown requested", zap.String("reason", reason))
		go a.shutdown.ShutdownWithReason(context.Background(), reason)
	}
	return first
}
