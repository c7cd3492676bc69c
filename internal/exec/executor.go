package exec

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"funding-arb-bot/internal/state"
	"funding-arb-bot/internal/venue"

	"go.uber.org/zap"
)

// Executor places orders idempotently by client order ID. A request whose
// client order ID was already acknowledged, in this process or an earlier
// one sharing the store, gets the stored acknowledgement back and never
// reaches the venue a second time.
type Executor struct {
	store state.Store
	log   *zap.Logger

	mu    sync.Mutex
	cache map[string]venue.Order
}

func NewExecutor(store state.Store, log *zap.Logger) *Executor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Executor{
		store: store,
		log:   log,
		cache: make(map[string]venue.Order),
	}
}

func (e *Executor) PlaceOrder(ctx context.Context, c venue.Client, req venue.OrderRequest) (venue.Order, error) {
	if req.ClientOrderID == "" {
		return place(ctx, c, req)
	}
	cacheKey := ackKey(c.Name(), req.ClientOrderID)
	e.mu.Lock()
	if order, ok := e.cache[cacheKey]; ok {
		e.mu.Unlock()
		return order, nil
	}
	e.mu.Unlock()
	if e.store != nil {
		raw, ok, err := e.store.Get(ctx, cacheKey)
		if err != nil {
			return venue.Order{}, err
		}
		if ok {
			var order venue.Order
			if err := json.Unmarshal([]byte(raw), &order); err == nil {
				e.remember(cacheKey, order)
				return order, nil
			}
			e.log.Warn("ignoring unreadable order record", zap.String("key", cacheKey))
		}
	}
	order, err := place(ctx, c, req)
	if err != nil {
		return order, err
	}
	if e.store != nil {
		payload, _ := json.Marshal(order)
		if err := e.store.Set(ctx, cacheKey, string(payload)); err != nil {
			e.log.Warn("failed to persist order ack", zap.Error(err))
		}
	}
	e.remember(cacheKey, order)
	return order, nil
}

// Forget drops the acknowledgement for a client order ID once the order is
// terminal and can no longer be resubmitted.
func (e *Executor) Forget(ctx context.Context, venueName, clientOrderID string) {
	if clientOrderID == "" {
		return
	}
	key := ackKey(venueName, clientOrderID)
	e.mu.Lock()
	delete(e.cache, key)
	e.mu.Unlock()
	if e.store == nil {
		return
	}
	if err := e.store.Delete(context.WithoutCancel(ctx), key); err != nil {
		e.log.Warn("failed to prune order ack", zap.String("key", key), zap.Error(err))
	}
}

// pending reports how many acknowledgements are held in memory.
func (e *Executor) pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.cache)
}

func ackKey(venueName, clientOrderID string) string {
	return "cloid:" + venueName + ":" + clientOrderID
}

func (e *Executor) remember(key string, order venue.Order) {
	e.mu.Lock()
	e.cache[key] = order
	e.mu.Unlock()
}

func place(ctx context.Context, c venue.Client, req venue.OrderRequest) (venue.Order, error) {
	order, err := c.PlaceOrder(ctx, req)
	if err != nil {
		return order, err
	}
	if order.ID == "" {
		return order, errors.New("empty order id")
	}
	return order, nil
}
