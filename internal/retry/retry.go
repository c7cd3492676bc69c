package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Class tells Do what to do with an error returned by the wrapped call.
type Class int

const (
	// Retry the call after backing off.
	Retry Class = iota
	// Stop and return the error.
	Stop
	// Satisfied means the error proves the desired end state already holds.
	Satisfied
)

type Classifier func(error) Class

type Policy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Classify  Classifier
	// OnRetry runs before each backoff sleep.
	OnRetry func(attempt int, err error)
}

// Default mirrors the executor's historical behaviour: five attempts starting
// at 200ms and doubling.
func Default(classify Classifier) Policy {
	return Policy{Attempts: 5, BaseDelay: 200 * time.Millisecond, MaxDelay: 5 * time.Second, Classify: classify}
}

var ErrExhausted = errors.New("retry attempts exhausted")

// Do runs fn until it succeeds, the classifier stops it, or attempts run out.
// A Satisfied classification returns nil.
func Do(ctx context.Context, p Policy, fn func(context.Context) error) error {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	delay := p.BaseDelay
	var last error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if last != nil {
				return fmt.Errorf("%w (last error: %v)", err, last)
			}
			return err
		}
		err := fn(ctx)
		if err == nil {
			return nil
		}
		last = err
		class := Retry
		if p.Classify != nil {
			class = p.Classify(err)
		}
		switch class {
		case Satisfied:
			return nil
		case Stop:
			return err
		}
		if attempt == attempts {
			break
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, err)
		}
		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("%w (last error: %v)", ctx.Err(), last)
			case <-timer.C:
			}
			delay *= 2
			if p.MaxDelay > 0 && delay > p.MaxDelay {
				delay = p.MaxDelay
			}
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempts, last)
}
