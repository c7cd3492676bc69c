package state

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"funding-arb-bot/internal/metrics"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultBatchSize     = 10
	defaultFlushInterval = time.Second
	flushTimeout         = 5 * time.Second
)

var (
	ErrTradeExists   = errors.New("open trade already exists for symbol")
	ErrTradeNotFound = errors.New("trade not found")
)

type PositionStoreConfig struct {
	BatchSize     int
	FlushInterval time.Duration
}

// PositionStore is the in-memory source of truth for open hedge trades.
// Mutations update memory synchronously and queue a durable op; a background
// writer flushes the queue to the TradeLog in batches.
type PositionStore struct {
	tradeLog TradeLog
	log      *zap.Logger
	metrics  *metrics.Metrics
	cfg      PositionStoreConfig
	now      func() time.Time

	mu     sync.RWMutex
	trades map[string]HedgeTrade

	pendingMu sync.Mutex
	pending   []Op
	notify    chan struct{}

	flushMu sync.Mutex

	lifeMu sync.Mutex
	stop   context.CancelFunc
	done   chan struct{}
}

func NewPositionStore(tradeLog TradeLog, cfg PositionStoreConfig, log *zap.Logger, m *metrics.Metrics) *PositionStore {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	if log == nil {
		log = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewNoop()
	}
	return &PositionStore{
		tradeLog: tradeLog,
		log:      log,
		metrics:  m,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
		trades:   make(map[string]HedgeTrade),
		notify:   make(chan struct{}, 1),
	}
}

// Load replaces memory with every durably open trade. It must run before any
// trading starts.
func (s *PositionStore) Load(ctx context.Context) (int, error) {
	if s.tradeLog == nil {
		return 0, nil
	}
	trades, err := s.tradeLog.LoadOpenTrades(ctx)
	if err != nil {
		return 0, fmt.Errorf("load open trades: %w", err)
	}
	s.mu.Lock()
	s.trades = make(map[string]HedgeTrade, len(trades))
	for _, t := range trades {
		s.trades[key(t.Symbol)] = t
	}
	n := len(s.trades)
	s.mu.Unlock()
	s.metrics.OpenTrades.Set(float64(n))
	return n, nil
}

// Start launches the background writer. Calling it twice is a no-op.
func (s *PositionStore) Start(ctx context.Context) {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.done != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.stop = cancel
	s.done = make(chan struct{})
	go s.run(runCtx, s.done)
}

func (s *PositionStore) OpenTrades() []HedgeTrade {
	s.mu.RLock()
	out := make([]HedgeTrade, 0, len(s.trades))
	for _, t := range s.trades {
		out = append(out, t)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

func (s *PositionStore) Trade(symbol string) (HedgeTrade, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.trades[key(symbol)]
	return t, ok
}

func (s *PositionStore) AddTrade(t HedgeTrade) (HedgeTrade, error) {
	if err := t.validate(); err != nil {
		return HedgeTrade{}, err
	}
	now := s.now()
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.EntryTime.IsZero() {
		t.EntryTime = now
	}
	t.Status = StatusOpen
	t.UpdatedAt = now
	s.mu.Lock()
	if _, ok := s.trades[key(t.Symbol)]; ok {
		s.mu.Unlock()
		return HedgeTrade{}, fmt.Errorf("%w: %s", ErrTradeExists, t.Symbol)
	}
	s.trades[key(t.Symbol)] = t
	n := len(s.trades)
	s.mu.Unlock()
	s.metrics.OpenTrades.Set(float64(n))
	s.enqueue(Op{Kind: OpInsert, Trade: t, At: now})
	return t, nil
}

func (s *PositionStore) UpdateTrade(symbol string, update TradeUpdate) (HedgeTrade, error) {
	now := s.now()
	s.mu.Lock()
	t, ok := s.trades[key(symbol)]
	if !ok {
		s.mu.Unlock()
		return HedgeTrade{}, fmt.Errorf("%w: %s", ErrTradeNotFound, symbol)
	}
	if err := update.apply(&t); err != nil {
		s.mu.Unlock()
		return HedgeTrade{}, err
	}
	t.UpdatedAt = now
	s.trades[key(symbol)] = t
	s.mu.Unlock()
	s.enqueue(Op{Kind: OpUpdate, Trade: t, At: now})
	return t, nil
}

// CloseTrade marks the trade CLOSED with its final PnL and evicts it from
// memory. The durable log keeps the closed row.
func (s *PositionStore) CloseTrade(symbol string, pnl PnLBreakdown, funding float64) (HedgeTrade, error) {
	now := s.now()
	s.mu.Lock()
	t, ok := s.trades[key(symbol)]
	if !ok {
		s.mu.Unlock()
		return HedgeTrade{}, fmt.Errorf("%w: %s", ErrTradeNotFound, symbol)
	}
	t.Status = StatusClosed
	t.AccumulatedFunding = funding
	t.PnL = pnl
	t.UpdatedAt = now
	t.ClosedAt = now
	delete(s.trades, key(symbol))
	n := len(s.trades)
	s.mu.Unlock()
	s.metrics.OpenTrades.Set(float64(n))
	s.enqueue(Op{Kind: OpClose, Trade: t, At: now})
	return t, nil
}

// Pending reports the number of queued durable ops.
func (s *PositionStore) Pending() int {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	return len(s.pending)
}

// Flush synchronously writes every queued op.
func (s *PositionStore) Flush(ctx context.Context) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()
	if s.tradeLog == nil {
		s.pendingMu.Lock()
		s.pending = nil
		s.pendingMu.Unlock()
		return nil
	}
	s.pendingMu.Lock()
	batch := s.pending
	s.pending = nil
	s.pendingMu.Unlock()
	if len(batch) == 0 {
		return nil
	}
	if err := s.tradeLog.ApplyBatch(ctx, batch); err != nil {
		s.pendingMu.Lock()
		s.pending = append(batch, s.pending...)
		s.pendingMu.Unlock()
		s.metrics.StoreFlushFailures.Inc()
		return fmt.Errorf("flush %d trade ops: %w", len(batch), err)
	}
	return nil
}

// Close stops the writer after a final flush.
func (s *PositionStore) Close(ctx context.Context) error {
	s.lifeMu.Lock()
	stop, done := s.stop, s.done
	s.lifeMu.Unlock()
	if stop != nil {
		stop()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return s.Flush(ctx)
}

func (s *PositionStore) enqueue(op Op) {
	s.pendingMu.Lock()
	s.pending = append(s.pending, op)
	full := len(s.pending) >= s.cfg.BatchSize
	s.pendingMu.Unlock()
	if full {
		select {
		case s.notify <- struct{}{}:
		default:
		}
	}
}

func (s *PositionStore) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.notify:
		}
		if s.Pending() == 0 {
			continue
		}
		flushCtx, cancel := context.WithTimeout(ctx, flushTimeout)
		if err := s.Flush(flushCtx); err != nil {
			s.log.Warn("trade log flush failed", zap.Error(err), zap.Int("pending", s.Pending()))
		}
		cancel()
	}
}

func key(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
