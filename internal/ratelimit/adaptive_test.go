package ratelimit

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"funding-arb-bot/internal/metrics"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newLimiter(t *testing.T, cfg Config) *Limiter {
	t.Helper()
	l, err := New("test", cfg, zap.NewNop(), nil)
	require.NoError(t, err)
	return l
}

func TestThreeViolationsClampToMinRate(t *testing.T) {
	l := newLimiter(t, Config{InitialRate: 40, MinRate: 1, MaxRate: 50})
	require.InDelta(t, 200, l.Stats().MaxTokens, 1e-9)

	l.OnRateLimited()
	st := l.Stats()
	require.InDelta(t, 20, st.Rate, 1e-9)
	require.InDelta(t, 100, st.MaxTokens, 1e-9)

	l.OnRateLimited()
	st = l.Stats()
	require.InDelta(t, 6, st.Rate, 1e-9)
	require.InDelta(t, 30, st.MaxTokens, 1e-9)

	l.OnRateLimited()
	st = l.Stats()
	require.Equal(t, 1.0, st.Rate)
	require.InDelta(t, 5, st.MaxTokens, 1e-9)
	require.LessOrEqual(t, st.Tokens, st.MaxTokens)
	require.Equal(t, 3, st.ConsecutiveFailures)
}

func TestSuccessStreakRaisesRate(t *testing.T) {
	l := newLimiter(t, Config{InitialRate: 10, MinRate: 1, MaxRate: 11, IncreaseAfter: 50})
	for i := 0; i < 49; i++ {
		l.OnSuccess()
	}
	require.Equal(t, 10.0, l.Stats().Rate)
	l.OnSuccess()
	require.InDelta(t, 11, l.Stats().Rate, 1e-9, "raise is capped at max_rate")
	require.Equal(t, 0, l.Stats().SuccessStreak)
}

func TestSuccessResetsViolationCounter(t *testing.T) {
	l := newLimiter(t, Config{InitialRate: 40, MinRate: 1, MaxRate: 50})
	l.OnRateLimited()
	l.OnSuccess()
	l.OnRateLimited()
	require.InDelta(t, 10, l.Stats().Rate, 1e-9, "second violation after a success counts as first")
}

func TestRateStaysInBounds(t *testing.T) {
	l := newLimiter(t, Config{InitialRate: 20, MinRate: 0.5, MaxRate: 25, IncreaseAfter: 3})
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 5000; i++ {
		if rng.Intn(4) == 0 {
			l.OnRateLimited()
		} else {
			l.OnSuccess()
		}
		st := l.Stats()
		require.GreaterOrEqual(t, st.Rate, 0.5)
		require.LessOrEqual(t, st.Rate, 25.0)
		require.GreaterOrEqual(t, st.Tokens, 0.0)
		require.LessOrEqual(t, st.Tokens, st.MaxTokens)
	}
}

func TestRefillUsesElapsedTime(t *testing.T) {
	l := newLimiter(t, Config{InitialRate: 10, MinRate: 1, MaxRate: 10, BurstMultiplier: 1})
	now := time.Unix(1_700_000_000, 0)
	l.mu.Lock()
	l.now = func() time.Time { return now }
	l.last = now
	l.tokens = 0
	l.mu.Unlock()

	now = now.Add(250 * time.Millisecond)
	require.InDelta(t, 2.5, l.Stats().Tokens, 1e-9)
	now = now.Add(10 * time.Second)
	require.InDelta(t, 10, l.Stats().Tokens, 1e-9, "tokens never exceed capacity")
}

func TestAcquireWaitsAndHonoursContext(t *testing.T) {
	l := newLimiter(t, Config{InitialRate: 1, MinRate: 1, MaxRate: 1, BurstMultiplier: 1})
	require.NoError(t, l.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, l.Acquire(ctx), context.DeadlineExceeded)
}

func TestAcquireConcurrentCallers(t *testing.T) {
	l := newLimiter(t, Config{InitialRate: 200, MinRate: 1, MaxRate: 200, BurstMultiplier: 0.1})
	var wg sync.WaitGroup
	errs := make(chan error, 40)
	start := time.Now()
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- l.Acquire(context.Background())
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.Greater(t, time.Since(start), 80*time.Millisecond, "20 token burst then 200/s refill")
}

func TestLimiterPublishesGauges(t *testing.T) {
	prom := metrics.NewPrometheus()
	l, err := New("venue_a", Config{InitialRate: 40, MinRate: 2, MaxRate: 40}, zap.NewNop(), prom.Metrics)
	require.NoError(t, err)
	l.OnRateLimited()
	require.InDelta(t, 20, testutil.ToFloat64(prom.LimiterRateGauge("venue_a")), 1e-9)
	require.InDelta(t, 1, testutil.ToFloat64(prom.LimiterFailuresGauge("venue_a")), 1e-9)
}

func TestNewRejectsZeroMinRate(t *testing.T) {
	_, err := New("bad", Config{InitialRate: 1, MinRate: 0, MaxRate: 1}, nil, nil)
	require.Error(t, err)
}
