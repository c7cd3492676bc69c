package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var (
	errFlaky = errors.New("flaky")
	errFatal = errors.New("fatal")
	errDone  = errors.New("already done")
)

func classify(err error) Class {
	switch {
	case errors.Is(err, errFatal):
		return Stop
	case errors.Is(err, errDone):
		return Satisfied
	default:
		return Retry
	}
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	calls := 0
	var retried []int
	p := Policy{Attempts: 5, BaseDelay: time.Millisecond, Classify: classify, OnRetry: func(attempt int, err error) {
		retried = append(retried, attempt)
	}}
	err := Do(context.Background(), p, func(context.Context) error {
		calls++
		if calls < 3 {
			return errFlaky
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
	require.Equal(t, []int{1, 2}, retried)
}

func TestDoStopsOnFatal(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{Attempts: 5, Classify: classify}, func(context.Context) error {
		calls++
		return errFatal
	})
	require.ErrorIs(t, err, errFatal)
	require.Equal(t, 1, calls)
}

func TestDoSatisfiedIsSuccess(t *testing.T) {
	err := Do(context.Background(), Policy{Attempts: 3, Classify: classify}, func(context.Context) error {
		return errDone
	})
	require.NoError(t, err)
}

func TestDoExhausted(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{Attempts: 3, Classify: classify}, func(context.Context) error {
		calls++
		return errFlaky
	})
	require.ErrorIs(t, err, ErrExhausted)
	require.ErrorIs(t, err, errFlaky)
	require.Equal(t, 3, calls)
}

func TestDoHonoursContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := Do(ctx, Policy{Attempts: 100, BaseDelay: 50 * time.Millisecond, Classify: classify}, func(context.Context) error {
		return errFlaky
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
