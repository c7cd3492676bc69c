package exec

import (
	"context"
	"sync"
)

// symbolLocks serializes hedge actions per symbol. Waiting honours ctx.
type symbolLocks struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func newSymbolLocks() *symbolLocks {
	return &symbolLocks{slots: make(map[string]chan struct{})}
}

func (l *symbolLocks) slot(symbol string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.slots[symbol]
	if !ok {
		ch = make(chan struct{}, 1)
		l.slots[symbol] = ch
	}
	return ch
}

func (l *symbolLocks) lock(ctx context.Context, symbol string) error {
	select {
	case l.slot(symbol) <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *symbolLocks) unlock(symbol string) {
	<-l.slot(symbol)
}

func (l *symbolLocks) held(symbol string) bool {
	return len(l.slot(symbol)) == 1
}
