package gate

import (
	"sync"
	"sync/atomic"
	"time"
)

// Gate is consulted by every order-submission path. Once blocked it stays
// blocked for the lifetime of the process; Pause/Resume is an operator toggle
// layered on top that never reopens a blocked gate.
type Gate struct {
	blocked atomic.Bool
	paused  atomic.Bool

	mu        sync.Mutex
	reason    string
	blockedAt time.Time
}

func New() *Gate {
	return &Gate{}
}

// IsOpen reports whether new (risk-increasing) orders may be submitted.
func (g *Gate) IsOpen() bool {
	if g == nil {
		return true
	}
	return !g.blocked.Load() && !g.paused.Load()
}

func (g *Gate) Blocked() bool {
	return g != nil && g.blocked.Load()
}

// Block closes the gate. Returns false if it was already blocked.
func (g *Gate) Block(reason string) bool {
	if g == nil {
		return false
	}
	if !g.blocked.CompareAndSwap(false, true) {
		return false
	}
	g.mu.Lock()
	g.reason = reason
	g.blockedAt = time.Now().UTC()
	g.mu.Unlock()
	return true
}

func (g *Gate) Reason() (string, time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.reason, g.blockedAt
}

func (g *Gate) SetPaused(paused bool) bool {
	g.paused.Store(paused)
	return g.paused.Load()
}

func (g *Gate) Paused() bool {
	return g.paused.Load()
}
