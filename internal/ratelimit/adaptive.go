// Package ratelimit implements the per-venue adaptive token bucket that every
// exchange call acquires before going on the wire.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"funding-arb-bot/internal/metrics"

	"go.uber.org/zap"
)

const (
	defaultBurstMultiplier = 5
	defaultIncreaseAfter   = 50
	increaseFactor         = 1.2
	firstCutFactor         = 0.5
	secondCutFactor        = 0.3
)

type Config struct {
	InitialRate     float64
	MinRate         float64
	MaxRate         float64
	BurstMultiplier float64
	IncreaseAfter   int
}

func (c Config) withDefaults() Config {
	if c.BurstMultiplier <= 0 {
		c.BurstMultiplier = defaultBurstMultiplier
	}
	if c.IncreaseAfter <= 0 {
		c.IncreaseAfter = defaultIncreaseAfter
	}
	if c.InitialRate == 0 {
		c.InitialRate = c.MaxRate
	}
	return c
}

func (c Config) validate() error {
	if c.MinRate <= 0 {
		return errors.New("min_rate must be > 0")
	}
	if c.MaxRate < c.MinRate {
		return errors.New("max_rate must be >= min_rate")
	}
	if c.InitialRate < c.MinRate || c.InitialRate > c.MaxRate {
		return fmt.Errorf("initial_rate %.3f outside [%.3f, %.3f]", c.InitialRate, c.MinRate, c.MaxRate)
	}
	return nil
}

// Stats is the observable state of one lane.
type Stats struct {
	Lane                string  `json:"lane"`
	Rate                float64 `json:"rate"`
	Tokens              float64 `json:"tokens"`
	MaxTokens           float64 `json:"max_tokens"`
	ConsecutiveFailures int     `json:"consecutive_failures"`
	SuccessStreak       int     `json:"success_streak"`
}

type Limiter struct {
	lane    string
	cfg     Config
	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu        sync.Mutex
	rate      float64
	tokens    float64
	maxTokens float64
	last      time.Time
	failures  int
	successes int
}

func New(lane string, cfg Config, log *zap.Logger, m *metrics.Metrics) (*Limiter, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("rate limit %s: %w", lane, err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewNoop()
	}
	l := &Limiter{
		lane:    lane,
		cfg:     cfg,
		log:     log,
		metrics: m,
		now:     time.Now,
		rate:    cfg.InitialRate,
	}
	l.maxTokens = l.capacityFor(l.rate)
	l.tokens = l.maxTokens
	l.last = l.now()
	l.publish()
	return l, nil
}

func (l *Limiter) Lane() string {
	return l.lane
}

// Acquire blocks until one token is available or ctx is done. The mutex is
// never held while sleeping.
func (l *Limiter) Acquire(ctx context.Context) error {
	for {
		l.mu.Lock()
		l.refillLocked()
		if l.tokens >= 1 {
			l.tokens--
			l.mu.Unlock()
			return nil
		}
		wait := time.Duration((1 - l.tokens) / l.rate * float64(time.Second))
		l.mu.Unlock()
		if wait < time.Millisecond {
			wait = time.Millisecond
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (l *Limiter) OnSuccess() {
	l.mu.Lock()
	l.failures = 0
	l.successes++
	raised := false
	if l.successes >= l.cfg.IncreaseAfter {
		l.successes = 0
		next := math.Min(l.rate*increaseFactor, l.cfg.MaxRate)
		if next != l.rate {
			l.setRateLocked(next)
			raised = true
		}
	}
	rate := l.rate
	l.mu.Unlock()
	if raised {
		l.log.Debug("rate limit raised", zap.String("lane", l.lane), zap.Float64("rate", rate))
		l.publish()
	} else {
		l.metrics.LimiterFailures.Set(l.lane, 0)
	}
}

func (l *Limiter) OnRateLimited() {
	l.mu.Lock()
	l.successes = 0
	l.failures++
	var next float64
	switch l.failures {
	case 1:
		next = l.rate * firstCutFactor
	case 2:
		next = l.rate * secondCutFactor
	default:
		next = l.cfg.MinRate
	}
	if next < l.cfg.MinRate {
		next = l.cfg.MinRate
	}
	l.setRateLocked(next)
	rate, failures := l.rate, l.failures
	l.mu.Unlock()
	l.metrics.RateLimited.Inc(l.lane)
	l.log.Warn("rate limited by venue", zap.String("lane", l.lane), zap.Float64("rate", rate), zap.Int("consecutive", failures))
	l.publish()
}

func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refillLocked()
	return Stats{
		Lane:                l.lane,
		Rate:                l.rate,
		Tokens:              l.tokens,
		MaxTokens:           l.maxTokens,
		ConsecutiveFailures: l.failures,
		SuccessStreak:       l.successes,
	}
}

func (l *Limiter) setRateLocked(rate float64) {
	l.refillLocked()
	l.rate = math.Max(l.cfg.MinRate, math.Min(rate, l.cfg.MaxRate))
	l.maxTokens = l.capacityFor(l.rate)
	if l.tokens > l.maxTokens {
		l.tokens = l.maxTokens
	}
}

func (l *Limiter) refillLocked() {
	now := l.now()
	elapsed := now.Sub(l.last).Seconds()
	l.last = now
	if elapsed <= 0 {
		return
	}
	l.tokens = math.Min(l.maxTokens, l.tokens+elapsed*l.rate)
}

func (l *Limiter) capacityFor(rate float64) float64 {
	return math.Max(1, rate*l.cfg.BurstMultiplier)
}

func (l *Limiter) publish() {
	st := l.Stats()
	l.metrics.LimiterRate.Set(l.lane, st.Rate)
	l.metrics.LimiterFailures.Set(l.lane, float64(st.ConsecutiveFailures))
}
