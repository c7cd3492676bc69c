package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"funding-arb-bot/internal/alerts"
	"funding-arb-bot/internal/config"
	"funding-arb-bot/internal/exec"
	"funding-arb-bot/internal/gate"
	"funding-arb-bot/internal/hl/exchange"
	"funding-arb-bot/internal/metrics"
	"funding-arb-bot/internal/opsapi"
	"funding-arb-bot/internal/ratelimit"
	"funding-arb-bot/internal/reconcile"
	"funding-arb-bot/internal/shutdown"
	"funding-arb-bot/internal/state"
	"funding-arb-bot/internal/state/sqlite"
	"funding-arb-bot/internal/strategy"
	"funding-arb-bot/internal/supervisor"
	"funding-arb-bot/internal/timescale"
	"funding-arb-bot/internal/venue"
	"funding-arb-bot/internal/venue/hyperliquid"
	"funding-arb-bot/internal/venue/paper"

	"go.uber.org/zap"
)

// streamer is implemented by venues that keep a live market-data feed.
type streamer interface {
	Stream(ctx context.Context) error
}

type periodic struct {
	name     string
	interval time.Duration
	fn       func(context.Context) error
}

type App struct {
	cfg       *config.Config
	log       *zap.Logger
	store     *sqlite.Store
	kv        state.Store
	positions *state.PositionStore
	trades    *tradeSink
	gate      *gate.Gate
	venues    []*venue.Guarded
	exec      *exec.Manager
	recon     *reconcile.Reconciler
	shutdown  *shutdown.Orchestrator
	sup       *supervisor.Supervisor
	alerts    *alerts.Telegram
	timescale *timescale.Writer
	metrics   *metrics.Metrics
	promHTTP  http.Handler
	machines  *strategy.Machines
	now       func() time.Time

	stopping atomic.Bool
	stopAt   atomic.Int64
	stopOnce sync.Once
	stop     chan struct{}

	opsMu          sync.RWMutex
	riskOverride   *config.RiskConfig
	lastQuoteAt    time.Time
	operatorWarned bool
}

func New(ctx context.Context, cfg *config.Config, log *zap.Logger) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.State.SQLitePath), 0o755); err != nil {
		return nil, err
	}
	store, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		return nil, err
	}
	a, err := build(ctx, cfg, log, store)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return a, nil
}

func build(ctx context.Context, cfg *config.Config, log *zap.Logger, store *sqlite.Store) (*App, error) {
	m := metrics.NewNoop()
	var promHTTP http.Handler
	if cfg.Ops.EnabledValue() {
		prom := metrics.NewPrometheus()
		m = prom.Metrics
		promHTTP = prom.Handler()
	}
	g := gate.New()

	guarded := make([]*venue.Guarded, 0, len(cfg.Venues))
	for _, vc := range cfg.Venues {
		inner, err := newVenue(ctx, vc, store, log)
		if err != nil {
			return nil, err
		}
		limiter, err := ratelimit.New(vc.Name, ratelimit.Config{
			InitialRate:     vc.RateLimit.InitialRate,
			MinRate:         vc.RateLimit.MinRate,
			MaxRate:         vc.RateLimit.MaxRate,
			BurstMultiplier: vc.RateLimit.BurstMultiplier,
			IncreaseAfter:   vc.RateLimit.IncreaseAfter,
		}, log, m)
		if err != nil {
			return nil, err
		}
		guarded = append(guarded, venue.NewGuarded(inner, limiter, g, log, m))
	}
	clients := make([]venue.Client, 0, len(guarded))
	for _, v := range guarded {
		clients = append(clients, v)
	}

	tsWriter, err := timescale.New(ctx, cfg.Timescale, log)
	if err != nil {
		return nil, fmt.Errorf("timescale: %w", err)
	}
	telegram := alerts.NewTelegram(cfg.Telegram, log)

	positions := state.NewPositionStore(store, state.PositionStoreConfig{
		BatchSize:     cfg.State.BatchSize,
		FlushInterval: cfg.State.FlushInterval,
	}, log, m)
	trades := &tradeSink{PositionStore: positions, ts: tsWriter}

	ex := cfg.Execution
	manager := exec.NewManager(exec.Config{
		Stagger:              ex.Stagger,
		LegTimeout:           ex.LegTimeout,
		SettleDelay:          ex.SettleDelay,
		MakerFillTimeout:     ex.MakerFillTimeout,
		PollInterval:         ex.PollInterval,
		CompensationAttempts: ex.CompensationAttempts,
		TakerSlippage:        ex.TakerSlippage,
		CloseSlippage:        ex.CloseSlippage,
	}, g, store, log, m)

	recon, err := reconcile.New(reconcile.Config{
		Grace:        cfg.Reconcile.Grace,
		AutoFlatten:  cfg.Reconcile.AutoFlattenValue(),
		FetchTimeout: cfg.Shutdown.FetchTimeout,
	}, clients, trades, manager, telegram, log)
	if err != nil {
		return nil, err
	}

	sc := cfg.Shutdown
	orchestrator := shutdown.New(shutdown.Config{
		GlobalTimeout:   sc.GlobalTimeout,
		DrainTimeout:    sc.DrainTimeout,
		ForceGrace:      sc.ForceGrace,
		CancelTimeout:   sc.CancelTimeout,
		CancelAttempts:  sc.CancelAttempts,
		FetchTimeout:    sc.FetchTimeout,
		CloseTimeout:    sc.CloseTimeout,
		SlippageSteps:   sc.SlippageSteps,
		DustNotionalUSD: sc.DustNotionalUSD,
		TeardownTimeout: sc.TeardownTimeout,
	}, shutdown.Deps{
		Gate:     g,
		Exec:     manager,
		Trades:   trades,
		KV:       store,
		Venues:   clients,
		Notifier: telegram,
		Log:      log,
		Metrics:  m,
	})

	a := &App{
		cfg:       cfg,
		log:       log,
		store:     store,
		kv:        store,
		positions: positions,
		trades:    trades,
		gate:      g,
		venues:    guarded,
		exec:      manager,
		recon:     recon,
		shutdown:  orchestrator,
		sup:       supervisor.New(context.Background(), log),
		alerts:    telegram,
		timescale: tsWriter,
		metrics:   m,
		promHTTP:  promHTTP,
		machines:  strategy.NewMachines(),
		now:       time.Now,
		stop:      make(chan struct{}),
	}
	a.registerTeardown()
	return a, nil
}

func newVenue(ctx context.Context, vc config.VenueConfig, nonces exchange.NonceStore, log *zap.Logger) (venue.Client, error) {
	switch vc.Kind {
	case config.VenueKindPaper:
		markets := make([]paper.MarketConfig, 0, len(vc.Paper.Markets))
		for _, pm := range vc.Paper.Markets {
			markets = append(markets, paper.MarketConfig{
				Symbol:      pm.Symbol,
				MarkPrice:   pm.MarkPrice,
				FundingRate: pm.FundingRate,
				SizeStep:    pm.SizeStep,
				MinNotional: pm.MinNotional,
			})
		}
		return paper.New(paper.Config{
			Name:     vc.Name,
			SizeUnit: venue.SizeUnit(vc.SizeUnit),
			Balance:  vc.Paper.Balance,
			Leverage: vc.Paper.Leverage,
			Markets:  markets,
		}), nil
	case config.VenueKindHyperliquid:
		key := strings.TrimSpace(os.Getenv(vc.PrivateKeyEnv))
		if key == "" {
			return nil, fmt.Errorf("venue %s: %s is required", vc.Name, vc.PrivateKeyEnv)
		}
		return hyperliquid.New(ctx, hyperliquid.Config{
			Name:           vc.Name,
			BaseURL:        vc.BaseURL,
			WSURL:          vc.WSURL,
			Timeout:        vc.Timeout,
			AccountAddress: vc.AccountAddress,
			VaultAddress:   vc.VaultAddress,
			PrivateKey:     key,
			Mainnet:        vc.Mainnet(),
		}, nonces, log)
	default:
		return nil, fmt.Errorf("venue %s: unknown kind %q", vc.Name, vc.Kind)
	}
}

// registerTeardown orders resource release: the history sink gets the final
// report first, background tasks stop next, the database closes last.
func (a *App) registerTeardown() {
	if a.timescale != nil {
		a.shutdown.Register("timescale-report", a.recordShutdownReport)
	}
	a.shutdown.Register("supervisor", a.sup.Close)
	if a.timescale != nil {
		a.shutdown.Register("timescale", func(context.Context) error {
			return a.timescale.Close()
		})
	}
	for _, v := range a.venues {
		v := v
		a.shutdown.Register("venue:"+v.Name(), v.Close)
	}
	a.shutdown.Register("positions", a.positions.Close)
	a.shutdown.Register("sqlite", func(context.Context) error {
		return a.store.Close()
	})
}

// Prepare restores state and checks the venues before anything trades.
func (a *App) Prepare(ctx context.Context) error {
	a.logLastShutdown(ctx)
	n, err := a.positions.Load(ctx)
	if err != nil {
		return err
	}
	for _, t := range a.positions.OpenTrades() {
		a.machines.For(t.Symbol).SetState(strategy.StateHedgeOK)
	}
	a.positions.Start(context.WithoutCancel(ctx))
	a.log.Info("restored open trades", zap.Int("count", n))
	return a.loadMarkets(ctx)
}

func (a *App) Run(ctx context.Context) error {
	if err := a.Prepare(ctx); err != nil {
		return err
	}
	a.cancelStaleOrders(ctx)
	if _, err := a.recon.Check(ctx); err != nil {
		a.log.Warn("startup reconcile failed", zap.Error(err))
	}
	if err := a.startTasks(); err != nil {
		return err
	}
	a.log.Info("bot started",
		zap.Strings("symbols", a.cfg.Strategy.Symbols),
		zap.Strings("venues", a.venueNames()),
	)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-a.stop:
		return nil
	}
}

func (a *App) startTasks() error {
	for _, v := range a.venues {
		if s, ok := v.Inner().(streamer); ok {
			if err := a.sup.Go("stream:"+v.Name(), s.Stream); err != nil {
				return err
			}
		}
	}
	tasks := []periodic{
		{"strategy", a.cfg.Strategy.Interval, a.tick},
		{"funding", a.cfg.Strategy.FundingInterval, a.accrueFunding},
		{"reconcile", a.cfg.Reconcile.Interval, a.reconcile},
	}
	if a.timescale != nil {
		if err := a.sup.Go("timescale", a.timescale.Run); err != nil {
			return err
		}
		tasks = append(tasks, periodic{"limiter-samples", a.cfg.Timescale.SampleInterval, a.sampleLimiters})
	}
	for _, t := range tasks {
		if err := a.sup.Every(t.name, t.interval, t.fn); err != nil {
			return err
		}
	}
	if a.cfg.Ops.EnabledValue() {
		server := opsapi.New(a.cfg.Ops, a, a.promHTTP, a.log)
		if err := a.sup.Go("opsapi", server.Run); err != nil {
			return err
		}
	}
	return a.startOperator()
}

func (a *App) startOperator() error {
	tg := a.cfg.Telegram
	if !tg.Enabled || !tg.OperatorEnabled {
		return nil
	}
	chatID, err := strconv.ParseInt(strings.TrimSpace(tg.ChatID), 10, 64)
	if err != nil {
		a.log.Warn("telegram operator disabled: invalid chat_id", zap.Error(err))
		return nil
	}
	allowed := make(map[int64]struct{}, len(tg.OperatorAllowedUserIDs))
	for _, id := range tg.OperatorAllowedUserIDs {
		allowed[id] = struct{}{}
	}
	return a.sup.Go("operator", func(ctx context.Context) error {
		a.operatorLoop(ctx, chatID, allowed, tg.OperatorPollInterval)
		return nil
	})
}

// Shutdown runs the orchestrator. Every caller gets the same result.
func (a *App) Shutdown(ctx context.Context, reason string) shutdown.Result {
	a.requestStop()
	return a.shutdown.ShutdownWithReason(ctx, reason)
}

func (a *App) requestStop() bool {
	first := a.stopping.CompareAndSwap(false, true)
	if first {
		a.stopAt.Store(a.now().UnixMilli())
	}
	a.stopOnce.Do(func() { close(a.stop) })
	return first
}

func (a *App) loadMarkets(ctx context.Context) error {
	for _, v := range a.venues {
		if _, err := v.LoadMarkets(ctx); err != nil {
			return fmt.Errorf("load markets on %s: %w", v.Name(), err)
		}
		for _, sym := range a.cfg.Strategy.Symbols {
			if _, ok := v.Market(sym); !ok {
				return fmt.Errorf("symbol %s is not listed on %s", sym, v.Name())
			}
		}
	}
	return nil
}

// cancelStaleOrders removes resting orders a previous process left behind.
func (a *App) cancelStaleOrders(ctx context.Context) {
	for _, v := range a.venues {
		n, err := v.CancelAllOrders(ctx, "")
		if err != nil {
			a.log.Warn("stale order cleanup failed", zap.String("venue", v.Name()), zap.Error(err))
			continue
		}
		if n > 0 {
			a.log.Info("cancelled stale orders", zap.String("venue", v.Name()), zap.Int("count", n))
		}
	}
}

func (a *App) logLastShutdown(ctx context.Context) {
	report, ok, err := state.LoadShutdownReport(ctx, a.kv)
	if err != nil {
		a.log.Warn("last shutdown report unreadable", zap.Error(err))
		return
	}
	if !ok {
		return
	}
	fields := []zap.Field{
		zap.Bool("success", report.Success),
		zap.String("phase", report.Phase),
		zap.Float64("elapsed_seconds", report.ElapsedSeconds),
		zap.Int("positions_closed", report.PositionsClosed),
		zap.Int("remaining_positions", len(report.RemainingPositions)),
		zap.Time("finished_at", time.UnixMilli(report.FinishedAtMS).UTC()),
	}
	if report.Success && len(report.RemainingPositions) == 0 {
		a.log.Info("last shutdown", fields...)
		return
	}
	a.log.Warn("last shutdown left work behind", append(fields, zap.Strings("errors", report.Errors))...)
}

func (a *App) reconcile(ctx context.Context) error {
	if a.shutdown.Started() {
		return nil
	}
	_, err := a.recon.Check(ctx)
	return err
}

func (a *App) venueNames() []string {
	out := make([]string, 0, len(a.venues))
	for _, v := range a.venues {
		out = append(out, v.Name())
	}
	return out
}

func (a *App) venueByName(name string) (*venue.Guarded, error) {
	for _, v := range a.venues {
		if strings.EqualFold(v.Name(), name) {
			return v, nil
		}
	}
	return nil, errors.New("unknown venue " + name)
}
