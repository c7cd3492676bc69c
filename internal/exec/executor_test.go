package exec

import (
	"context"
	"sync"
	"testing"

	"funding-arb-bot/internal/venue"
	"funding-arb-bot/internal/venue/paper"

	"go.uber.org/zap"
)

type memoryStore struct {
	mu   sync.Mutex
	data map[string]string
}

func newMemoryStore() *memoryStore {
	return &memoryStore{data: make(map[string]string)}
}

func (m *memoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	val, ok := m.data[key]
	return val, ok, nil
}

func (m *memoryStore) Set(ctx context.Context, key, value string) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *memoryStore) Delete(ctx context.Context, key string) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memoryStore) Close() error { return nil }

func TestExecutorIdempotentPlacement(t *testing.T) {
	store := newMemoryStore()
	v := paper.New(paper.Config{Name: "alpha", Markets: []paper.MarketConfig{{Symbol: "ETH", MarkPrice: 2000}}})
	logger := zap.NewNop()
	executor := NewExecutor(store, logger)

	ctx := context.Background()
	req := venue.OrderRequest{Symbol: "ETH", Side: venue.Buy, Size: 1, TimeInForce: venue.IOC, ClientOrderID: "abc"}

	first, err := executor.PlaceOrder(ctx, v, req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := executor.PlaceOrder(ctx, v, req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected same order id, got %s and %s", first.ID, second.ID)
	}
	if v.Calls("place_order") != 1 {
		t.Fatalf("expected 1 venue call, got %d", v.Calls("place_order"))
	}

	restarted := NewExecutor(store, logger)
	third, err := restarted.PlaceOrder(ctx, v, req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if third.ID != first.ID || third.Filled != first.Filled {
		t.Fatalf("expected stored ack %+v, got %+v", first, third)
	}
	if v.Calls("place_order") != 1 {
		t.Fatalf("expected no venue calls on restart, got %d", v.Calls("place_order"))
	}
	if v.Position("ETH") != 1 {
		t.Fatalf("expected a single fill, got position %v", v.Position("ETH"))
	}
}

func TestExecutorWithoutClientIDAlwaysPlaces(t *testing.T) {
	v := paper.New(paper.Config{Name: "alpha", Markets: []paper.MarketConfig{{Symbol: "ETH", MarkPrice: 2000}}})
	executor := NewExecutor(nil, nil)
	req := venue.OrderRequest{Symbol: "ETH", Side: venue.Buy, Size: 1, TimeInForce: venue.IOC}
	for i := 0; i < 2; i++ {
		if _, err := executor.PlaceOrder(context.Background(), v, req); err != nil {
			t.Fatalf("place: %v", err)
		}
	}
	if v.Calls("place_order") != 2 {
		t.Fatalf("expected 2 venue calls, got %d", v.Calls("place_order"))
	}
}
