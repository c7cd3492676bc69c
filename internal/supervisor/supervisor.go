// Package supervisor owns the bot's background goroutines so shutdown can
// cancel and wait for them in one place.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

var ErrClosed = errors.New("supervisor closed")

type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    *zap.Logger

	mu      sync.Mutex
	closed  bool
	running map[string]int
	wg      sync.WaitGroup
}

// New derives the task context from parent; cancelling parent stops every
// task as well.
func New(parent context.Context, log *zap.Logger) *Supervisor {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(parent)
	return &Supervisor{
		ctx:     ctx,
		cancel:  cancel,
		log:     log.With(zap.String("component", "supervisor")),
		running: make(map[string]int),
	}
}

// Go runs fn in its own goroutine. A returned error or panic is logged; the
// task is not restarted.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrClosed, name)
	}
	s.running[name]++
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.finish(name)
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("task panicked", zap.String("task", name), zap.Any("panic", r))
			}
		}()
		err := fn(s.ctx)
		switch {
		case err == nil, errors.Is(err, context.Canceled):
			s.log.Debug("task stopped", zap.String("task", name))
		default:
			s.log.Error("task failed", zap.String("task", name), zap.Error(err))
		}
	}()
	return nil
}

// Every runs fn on a ticker until the supervisor closes. Errors from single
// runs are logged and the loop continues.
func (s *Supervisor) Every(name string, interval time.Duration, fn func(ctx context.Context) error) error {
	if interval <= 0 {
		return fmt.Errorf("task %s: interval must be > 0", name)
	}
	return s.Go(name, func(ctx context.Context) error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				if err := fn(ctx); err != nil && ctx.Err() == nil {
					s.log.Warn("periodic task failed", zap.String("task", name), zap.Error(err))
				}
			}
		}
	})
}

func (s *Supervisor) finish(name string) {
	s.mu.Lock()
	if s.running[name]--; s.running[name] <= 0 {
		delete(s.running, name)
	}
	s.mu.Unlock()
	s.wg.Done()
}

// Running lists the names of tasks still alive.
func (s *Supervisor) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.running))
	for name := range s.running {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Close cancels every task and waits for them until ctx expires. Later Go
// calls fail with ErrClosed.
func (s *Supervisor) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("tasks still running (%s): %w", strings.Join(s.Running(), ", "), ctx.Err())
	}
}
