// Package timescale mirrors closed trades, shutdown runs and limiter samples
// into TimescaleDB for dashboards. Writes are best effort: a full queue drops
// rows rather than block the trading path.
package timescale

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"funding-arb-bot/internal/config"
	"funding-arb-bot/internal/ratelimit"
	"funding-arb-bot/internal/state"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const writeTimeout = 3 * time.Second

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type row struct {
	table string
	query string
	args  []any
}

type Writer struct {
	db      execer
	closeDB func() error
	log     *zap.Logger
	schema  string
	rows    chan row
	started atomic.Bool
	dropped atomic.Uint64
	done    chan struct{}
}

// New returns nil, nil when the sink is disabled; every method is nil-safe.
func New(ctx context.Context, cfg config.TimescaleConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("timescale dsn is required")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}
	w := newWriter(db, cfg.Schema, cfg.QueueSize, log)
	w.closeDB = db.Close
	if err := w.ensureSchema(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return w, nil
}

func newWriter(db execer, schema string, queueSize int, log *zap.Logger) *Writer {
	if log == nil {
		log = zap.NewNop()
	}
	schema = strings.TrimSpace(schema)
	if schema == "" {
		schema = "public"
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Writer{
		db:     db,
		log:    log,
		schema: schema,
		rows:   make(chan row, queueSize),
		done:   make(chan struct{}),
	}
}

// Run drains the queue until ctx is done, then flushes what is left with a
// short detached deadline.
func (w *Writer) Run(ctx context.Context) error {
	if w == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	if !w.started.CompareAndSwap(false, true) {
		return errors.New("timescale writer already running")
	}
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			w.drain(context.WithoutCancel(ctx))
			return ctx.Err()
		case r := <-w.rows:
			w.write(ctx, r)
		}
	}
}

func (w *Writer) drain(ctx context.Context) {
	for {
		select {
		case r := <-w.rows:
			w.write(ctx, r)
		default:
			return
		}
	}
}

func (w *Writer) Close() error {
	if w == nil || w.closeDB == nil {
		return nil
	}
	return w.closeDB()
}

func (w *Writer) Dropped() uint64 {
	if w == nil {
		return 0
	}
	return w.dropped.Load()
}

func (w *Writer) RecordTradeClosed(trade state.HedgeTrade) {
	if w == nil {
		return
	}
	closedAt := trade.ClosedAt
	if closedAt.IsZero() {
		closedAt = time.Now().UTC()
	}
	w.enqueue(row{
		table: "trade_closes",
		query: `INSERT INTO %s (
			ts, trade_id, symbol, long_venue, short_venue, notional_usd, entry_time,
			price_pnl, funding, fees, total_pnl, pnl_source
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		args: []any{
			closedAt,
			trade.ID,
			trade.Symbol,
			trade.Long.Venue,
			trade.Short.Venue,
			trade.NotionalUSD,
			trade.EntryTime,
			trade.PnL.PricePnL,
			trade.PnL.Funding,
			trade.PnL.Fees,
			trade.PnL.Total,
			trade.PnL.Source,
		},
	})
}

func (w *Writer) RecordShutdown(report state.ShutdownReport) {
	if w == nil {
		return
	}
	w.enqueue(row{
		table: "shutdown_runs",
		query: `INSERT INTO %s (
			ts, success, phase, elapsed_seconds, positions_closed, orders_cancelled,
			remaining_positions, errors
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		args: []any{
			time.UnixMilli(report.FinishedAtMS).UTC(),
			report.Success,
			report.Phase,
			report.ElapsedSeconds,
			report.PositionsClosed,
			report.OrdersCancelled,
			len(report.RemainingPositions),
			strings.Join(report.Errors, "\n"),
		},
	})
}

func (w *Writer) RecordLimiter(at time.Time, stats ratelimit.Stats) {
	if w == nil {
		return
	}
	w.enqueue(row{
		table: "limiter_samples",
		query: `INSERT INTO %s (
			ts, lane, rate, tokens, max_tokens, consecutive_failures
		) VALUES ($1,$2,$3,$4,$5,$6)`,
		args: []any{at.UTC(), stats.Lane, stats.Rate, stats.Tokens, stats.MaxTokens, stats.ConsecutiveFailures},
	})
}

func (w *Writer) enqueue(r row) {
	select {
	case w.rows <- r:
	default:
		if w.dropped.Add(1) == 1 {
			w.log.Warn("timescale queue full", zap.String("table", r.table))
		}
	}
}

func (w *Writer) write(ctx context.Context, r row) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if _, err := w.db.ExecContext(ctx, fmt.Sprintf(r.query, w.table(r.table)), r.args...); err != nil {
		w.log.Warn("timescale insert failed", zap.String("table", r.table), zap.Error(err))
	}
}

var schemaTables = []struct {
	name string
	ddl  string
}{
	{"trade_closes", `CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		trade_id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		long_venue TEXT NOT NULL,
		short_venue TEXT NOT NULL,
		notional_usd DOUBLE PRECISION NOT NULL,
		entry_time TIMESTAMPTZ NOT NULL,
		price_pnl DOUBLE PRECISION NOT NULL,
		funding DOUBLE PRECISION NOT NULL,
		fees DOUBLE PRECISION NOT NULL,
		total_pnl DOUBLE PRECISION NOT NULL,
		pnl_source TEXT NOT NULL DEFAULT ''
	)`},
	{"shutdown_runs", `CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		success BOOLEAN NOT NULL,
		phase TEXT NOT NULL,
		elapsed_seconds DOUBLE PRECISION NOT NULL,
		positions_closed INTEGER NOT NULL,
		orders_cancelled INTEGER NOT NULL,
		remaining_positions INTEGER NOT NULL,
		errors TEXT NOT NULL DEFAULT ''
	)`},
	{"limiter_samples", `CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		lane TEXT NOT NULL,
		rate DOUBLE PRECISION NOT NULL,
		tokens DOUBLE PRECISION NOT NULL,
		max_tokens DOUBLE PRECISION NOT NULL,
		consecutive_failures INTEGER NOT NULL
	)`},
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	for _, t := range schemaTables {
		if err := w.exec(ctx, fmt.Sprintf(t.ddl, w.table(t.name))); err != nil {
			return fmt.Errorf("create %s: %w", t.name, err)
		}
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		w.log.Warn("timescale extension ensure failed", zap.Error(err))
		return nil
	}
	for _, t := range schemaTables {
		if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table(t.name))); err != nil {
			w.log.Warn("timescale hypertable create failed", zap.String("table", t.name), zap.Error(err))
		}
	}
	return nil
}

func (w *Writer) exec(ctx context.Context, query string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(ctx, query)
	return err
}

func (w *Writer) table(name string) string {
	return w.schema + "." + name
}
