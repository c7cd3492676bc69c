package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"funding-arb-bot/internal/state"

	_ "modernc.org/sqlite"
)

// Store is the durable side of the bot: a small KV table for process
// bookkeeping and a trades table that implements state.TradeLog.
type Store struct {
	db *sql.DB
}

func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// database/sql would otherwise hand ":memory:" callers separate databases.
	db.SetMaxOpenConns(1)
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL`,
		`CREATE TABLE IF NOT EXISTS kv (key TEXT PRIMARY KEY, value TEXT NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS trades (
			id TEXT PRIMARY KEY,
			symbol TEXT NOT NULL,
			status TEXT NOT NULL,
			payload TEXT NOT NULL,
			entry_time INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			closed_at INTEGER,
			total_pnl REAL,
			funding REAL
		)`,
		`CREATE INDEX IF NOT EXISTS trades_status_idx ON trades (status, symbol)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return value, true, nil
}

func (s *Store) Set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO kv (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
	return err
}

func (s *Store) Close() error {
	return s.db.Close()
}

// LoadOpenTrades returns every trade not yet CLOSED, oldest first.
func (s *Store) LoadOpenTrades(ctx context.Context) ([]state.HedgeTrade, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM trades WHERE status != ? ORDER BY entry_time`, string(state.StatusClosed))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []state.HedgeTrade
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var trade state.HedgeTrade
		if err := json.Unmarshal([]byte(payload), &trade); err != nil {
			return nil, fmt.Errorf("decode trade: %w", err)
		}
		out = append(out, trade)
	}
	return out, rows.Err()
}

func (s *Store) UpsertTrade(ctx context.Context, trade state.HedgeTrade) error {
	return upsert(ctx, s.db, trade)
}

func (s *Store) MarkClosed(ctx context.Context, symbol string, pnl state.PnLBreakdown, funding float64) error {
	return markClosed(ctx, s.db, symbol, pnl, funding, time.Now().UTC())
}

// ApplyBatch writes ops in one transaction.
func (s *Store) ApplyBatch(ctx context.Context, ops []state.Op) error {
	if len(ops) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for _, op := range ops {
		switch op.Kind {
		case state.OpInsert, state.OpUpdate:
			err = upsert(ctx, tx, op.Trade)
		case state.OpClose:
			// Any other open row for the symbol is stale once this trade closes.
			if err = upsert(ctx, tx, op.Trade); err == nil {
				err = markClosed(ctx, tx, op.Trade.Symbol, op.Trade.PnL, op.Trade.AccumulatedFunding, op.At)
			}
		default:
			err = fmt.Errorf("unknown op kind %q", op.Kind)
		}
		if err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsert(ctx context.Context, db execer, trade state.HedgeTrade) error {
	payload, err := json.Marshal(trade)
	if err != nil {
		return err
	}
	var closedAt any
	if !trade.ClosedAt.IsZero() {
		closedAt = trade.ClosedAt.UnixMilli()
	}
	_, err = db.ExecContext(ctx, `INSERT INTO trades (id, symbol, status, payload, entry_time, updated_at, closed_at, total_pnl, funding)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			payload = excluded.payload,
			updated_at = excluded.updated_at,
			closed_at = excluded.closed_at,
			total_pnl = excluded.total_pnl,
			funding = excluded.funding`,
		trade.ID, trade.Symbol, string(trade.Status), string(payload),
		trade.EntryTime.UnixMilli(), trade.UpdatedAt.UnixMilli(), closedAt,
		trade.PnL.Total, trade.AccumulatedFunding,
	)
	return err
}

func markClosed(ctx context.Context, db execer, symbol string, pnl state.PnLBreakdown, funding float64, at time.Time) error {
	_, err := db.ExecContext(ctx, `UPDATE trades SET status = ?, closed_at = ?, total_pnl = ?, funding = ?,
			payload = json_set(payload, '$.status', ?, '$.pnl.total', ?, '$.accumulated_funding', ?)
		WHERE symbol = ? AND status != ?`,
		string(state.StatusClosed), at.UnixMilli(), pnl.Total, funding,
		string(state.StatusClosed), pnl.Total, funding,
		symbol, string(state.StatusClosed),
	)
	return err
}
