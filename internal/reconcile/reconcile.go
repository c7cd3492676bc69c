// Package reconcile compares stored hedge trades with what the venues
// actually hold and flattens any exposure left on a single venue.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"funding-arb-bot/internal/pnl"
	"funding-arb-bot/internal/state"
	"funding-arb-bot/internal/venue"

	"go.uber.org/zap"
)

type Kind string

const (
	// KindBrokenHedge is a stored trade with only one leg left on the venues.
	KindBrokenHedge Kind = "broken_hedge"
	// KindUnhedged is a position on one venue that no trade accounts for.
	KindUnhedged Kind = "unhedged"
	// KindStaleTrade is a stored trade with no position on either venue.
	KindStaleTrade Kind = "stale_trade"
	// KindUntracked is a hedged pair of positions with no stored trade.
	KindUntracked Kind = "untracked"
	// KindImbalanced is a trade whose legs differ in size.
	KindImbalanced Kind = "imbalanced"
)

type Config struct {
	// Grace protects freshly opened trades and newly seen positions.
	Grace time.Duration
	// AutoFlatten closes single-venue exposure; otherwise it is only reported.
	AutoFlatten  bool
	FetchTimeout time.Duration
	// ImbalanceTolerance is the relative leg-size gap still considered hedged.
	ImbalanceTolerance float64
}

func (c Config) withDefaults() Config {
	if c.Grace <= 0 {
		c.Grace = 30 * time.Second
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 10 * time.Second
	}
	if c.ImbalanceTolerance <= 0 {
		c.ImbalanceTolerance = 0.02
	}
	return c
}

type Trades interface {
	OpenTrades() []state.HedgeTrade
	CloseTrade(symbol string, pnl state.PnLBreakdown, funding float64) (state.HedgeTrade, error)
}

type Flattener interface {
	Busy(symbol string) bool
	Flatten(ctx context.Context, c venue.Client, symbol string) (float64, error)
}

type Notifier interface {
	Send(ctx context.Context, message string) error
}

type Issue struct {
	Kind   Kind
	Symbol string
	Venue  string
	Size   float64
	Action string
	Err    error
}

type Report struct {
	At           time.Time
	Issues       []Issue
	Flattened    int
	TradesClosed int
}

func (r Report) Clean() bool {
	return len(r.Issues) == 0
}

type Reconciler struct {
	cfg    Config
	venues []venue.Client
	trades Trades
	flat   Flattener
	notify Notifier
	log    *zap.Logger
	now    func() time.Time

	mu        sync.Mutex
	firstSeen map[string]time.Time
}

func New(cfg Config, venues []venue.Client, trades Trades, flat Flattener, notify Notifier, log *zap.Logger) (*Reconciler, error) {
	if len(venues) != 2 {
		return nil, fmt.Errorf("reconcile needs exactly two venues, got %d", len(venues))
	}
	if trades == nil || flat == nil {
		return nil, errors.New("reconcile needs a trade store and a flattener")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Reconciler{
		cfg:       cfg.withDefaults(),
		venues:    venues,
		trades:    trades,
		flat:      flat,
		notify:    notify,
		log:       log.With(zap.String("component", "reconcile")),
		now:       time.Now,
		firstSeen: make(map[string]time.Time),
	}, nil
}

// Check fetches both venues and acts on every discrepancy. A failed fetch
// aborts the check; acting on half a picture could flatten a healthy leg.
func (r *Reconciler) Check(ctx context.Context) (Report, error) {
	now := r.now()
	report := Report{At: now}
	held, err := r.fetchAll(ctx)
	if err != nil {
		return report, err
	}

	trades := make(map[string]state.HedgeTrade)
	for _, t := range r.trades.OpenTrades() {
		trades[strings.ToUpper(t.Symbol)] = t
	}
	symbols := make(map[string]struct{})
	for sym := range trades {
		symbols[sym] = struct{}{}
	}
	for _, positions := range held {
		for sym := range positions {
			symbols[sym] = struct{}{}
		}
	}
	ordered := make([]string, 0, len(symbols))
	for sym := range symbols {
		ordered = append(ordered, sym)
	}
	sort.Strings(ordered)

	seen := make(map[string]bool)
	for _, sym := range ordered {
		if r.flat.Busy(sym) {
			continue
		}
		trade, tracked := trades[sym]
		var present []int
		for i := range r.venues {
			if _, ok := held[i][sym]; ok {
				present = append(present, i)
			}
		}
		switch {
		case tracked && len(present) == 0:
			r.closeStale(ctx, &report, trade)
		case len(present) == 1:
			seen[sym] = true
			r.handleOneSided(ctx, &report, sym, trade, tracked, present[0], held[present[0]][sym], now)
		case len(present) == 2 && !tracked:
			report.Issues = append(report.Issues, Issue{Kind: KindUntracked, Symbol: sym, Action: "reported"})
		case len(present) == 2:
			r.checkBalance(&report, sym, held[0][sym], held[1][sym])
		}
	}
	r.forget(seen)

	r.logReport(report)
	if !report.Clean() && r.notify != nil {
		if err := r.notify.Send(ctx, Summary(report)); err != nil {
			r.log.Warn("reconcile alert failed", zap.Error(err))
		}
	}
	return report, nil
}

func (r *Reconciler) fetchAll(ctx context.Context) ([2]map[string]venue.Position, error) {
	var (
		out  [2]map[string]venue.Position
		errs [2]error
		wg   sync.WaitGroup
	)
	for i, c := range r.venues {
		wg.Add(1)
		go func(i int, c venue.Client) {
			defer wg.Done()
			fctx, cancel := context.WithTimeout(ctx, r.cfg.FetchTimeout)
			defer cancel()
			positions, err := c.FetchOpenPositions(fctx)
			if err != nil {
				errs[i] = fmt.Errorf("fetch %s positions: %w", c.Name(), err)
				return
			}
			out[i] = make(map[string]venue.Position, len(positions))
			for _, p := range positions {
				if !p.IsFlat() {
					out[i][strings.ToUpper(p.Symbol)] = p
				}
			}
		}(i, c)
	}
	wg.Wait()
	return out, errors.Join(errs[0], errs[1])
}

func (r *Reconciler) handleOneSided(ctx context.Context, report *Report, sym string, trade state.HedgeTrade, tracked bool, idx int, pos venue.Position, now time.Time) {
	c := r.venues[idx]
	issue := Issue{Kind: KindUnhedged, Symbol: sym, Venue: c.Name(), Size: pos.Size}
	if tracked {
		issue.Kind = KindBrokenHedge
	}
	switch {
	case !r.cfg.AutoFlatten:
		issue.Action = "reported"
	case tracked && now.Sub(trade.EntryTime) < r.cfg.Grace:
		issue.Action = "waiting: trade recently opened"
	case !tracked && now.Sub(r.seenSince(sym, now)) < r.cfg.Grace:
		issue.Action = "waiting: position recently seen"
	default:
		issue.Action, issue.Err = r.flatten(ctx, report, c, sym, trade, tracked, pos)
	}
	report.Issues = append(report.Issues, issue)
}

func (r *Reconciler) flatten(ctx context.Context, report *Report, c venue.Client, sym string, trade state.HedgeTrade, tracked bool, pos venue.Position) (string, error) {
	qty, err := r.flat.Flatten(ctx, c, sym)
	if err != nil {
		r.log.Error("flatten one-sided position failed", zap.String("venue", c.Name()), zap.String("symbol", sym), zap.Error(err))
		return "flatten failed", err
	}
	report.Flattened++
	r.log.Warn("flattened one-sided position", zap.String("venue", c.Name()), zap.String("symbol", sym), zap.Float64("closed", qty))
	if !tracked {
		return "flattened", nil
	}
	breakdown := pnl.Compute(trade, pnl.Inputs{Positions: map[string]venue.Position{c.Name(): pos}})
	if _, err := r.trades.CloseTrade(trade.Symbol, breakdown, trade.AccumulatedFunding); err != nil {
		return "flattened; trade close failed", err
	}
	report.TradesClosed++
	return "flattened and trade closed", nil
}

func (r *Reconciler) closeStale(ctx context.Context, report *Report, trade state.HedgeTrade) {
	issue := Issue{Kind: KindStaleTrade, Symbol: strings.ToUpper(trade.Symbol)}
	if r.now().Sub(trade.EntryTime) < r.cfg.Grace {
		issue.Action = "waiting: trade recently opened"
		report.Issues = append(report.Issues, issue)
		return
	}
	// Closed outside the bot; nothing is left to price it with.
	breakdown := pnl.Compute(trade, pnl.Inputs{})
	if _, err := r.trades.CloseTrade(trade.Symbol, breakdown, trade.AccumulatedFunding); err != nil {
		issue.Action, issue.Err = "trade close failed", err
	} else {
		issue.Action = "trade closed"
		report.TradesClosed++
	}
	report.Issues = append(report.Issues, issue)
}

func (r *Reconciler) checkBalance(report *Report, sym string, a, b venue.Position) {
	sa, sb := math.Abs(a.Size), math.Abs(b.Size)
	big := math.Max(sa, sb)
	if (a.Size > 0) == (b.Size > 0) {
		report.Issues = append(report.Issues, Issue{Kind: KindImbalanced, Symbol: sym, Size: a.Size + b.Size, Action: "reported: legs on the same side"})
		return
	}
	if big > 0 && math.Abs(sa-sb)/big > r.cfg.ImbalanceTolerance {
		report.Issues = append(report.Issues, Issue{Kind: KindImbalanced, Symbol: sym, Size: a.Size + b.Size, Action: "reported"})
	}
}

func (r *Reconciler) seenSince(sym string, now time.Time) time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	first, ok := r.firstSeen[sym]
	if !ok {
		r.firstSeen[sym] = now
		return now
	}
	return first
}

// forget drops first-seen times of symbols no longer one-sided.
func (r *Reconciler) forget(current map[string]bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for sym := range r.firstSeen {
		if !current[sym] {
			delete(r.firstSeen, sym)
		}
	}
}

func (r *Reconciler) logReport(report Report) {
	if report.Clean() {
		r.log.Debug("venues in sync")
		return
	}
	for _, issue := range report.Issues {
		r.log.Warn("reconcile issue",
			zap.String("kind", string(issue.Kind)),
			zap.String("symbol", issue.Symbol),
			zap.String("venue", issue.Venue),
			zap.Float64("size", issue.Size),
			zap.String("action", issue.Action),
			zap.Error(issue.Err),
		)
	}
}

func Summary(report Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Reconcile: %d issues, %d flattened, %d trades closed", len(report.Issues), report.Flattened, report.TradesClosed)
	for _, issue := range report.Issues {
		fmt.Fprintf(&b, "\n  %s %s", issue.Kind, issue.Symbol)
		if issue.Venue != "" {
			fmt.Fprintf(&b, " on %s %+.6f", issue.Venue, issue.Size)
		}
		fmt.Fprintf(&b, ": %s", issue.Action)
		if issue.Err != nil {
			fmt.Fprintf(&b, " (%v)", issue.Err)
		}
	}
	return b.String()
}
