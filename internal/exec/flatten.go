package exec

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"funding-arb-bot/internal/retry"
	"funding-arb-bot/internal/venue"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var errStillOpen = errors.New("position still open after reduce-only close")

// classifyUnwind retries anything that might clear on a second look and
// stops on errors no amount of retrying fixes.
func classifyUnwind(err error) retry.Class {
	switch {
	case errors.Is(err, venue.ErrPositionFlat):
		return retry.Satisfied
	case errors.Is(err, venue.ErrFatal),
		errors.Is(err, venue.ErrInvalidSize),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return retry.Stop
	default:
		return retry.Retry
	}
}

// Flatten closes whatever position the venue reports for symbol with
// reduce-only orders, escalating slippage across a bounded number of
// attempts. It returns the quantity closed, in coins.
func (m *Manager) Flatten(ctx context.Context, c venue.Client, symbol string) (float64, error) {
	return m.unwind(ctx, c, symbol, 0, true)
}

// unwind reduces the venue position toward target (signed coins). When
// toFlat is set the final order may be rounded up, since reduce-only caps
// it at the position.
func (m *Manager) unwind(ctx context.Context, c venue.Client, symbol string, target float64, toFlat bool) (float64, error) {
	var (
		attempt  int
		observed float64
		closed   float64
	)
	policy := retry.Policy{
		Attempts:  m.cfg.CompensationAttempts,
		BaseDelay: m.cfg.PollInterval,
		MaxDelay:  2 * time.Second,
		Classify:  classifyUnwind,
		OnRetry: func(n int, err error) {
			m.log.Warn("unwind attempt failed",
				zap.String("venue", c.Name()), zap.String("symbol", symbol), zap.Int("attempt", n), zap.Error(err))
		},
	}
	err := retry.Do(ctx, policy, func(ctx context.Context) error {
		slippage := m.cfg.CloseSlippage[min(attempt, len(m.cfg.CloseSlippage)-1)]
		attempt++
		positions, err := c.FetchOpenPositions(ctx)
		if err != nil {
			return err
		}
		pos, _ := venue.FindPosition(positions, symbol)
		excess := pos.Size - target
		if math.Abs(excess) <= venue.FlatEpsilon {
			return nil
		}
		if observed == 0 {
			observed = math.Abs(excess)
		}
		// Reduce-only cannot move a position back across its baseline when
		// the leg itself reduced an existing position.
		reduce := pos.Size*excess > 0
		pos.Size = excess
		if _, err := m.placeClose(ctx, c, pos, slippage, toFlat, reduce); err != nil {
			return err
		}
		after, err := positionSize(ctx, c, symbol)
		if err != nil {
			return err
		}
		if math.Abs(after-target) > venue.FlatEpsilon {
			return fmt.Errorf("%w: %s %s remaining %v", errStillOpen, c.Name(), symbol, after-target)
		}
		closed = observed
		return nil
	})
	if err != nil {
		return 0, err
	}
	return closed, nil
}

// ClosePosition sends one reduce-only IOC order against an observed
// position, pricing it slippage away from the mark.
func (m *Manager) ClosePosition(ctx context.Context, c venue.Client, pos venue.Position, slippage float64) (venue.Order, error) {
	return m.placeClose(ctx, c, pos, slippage, true, true)
}

func (m *Manager) placeClose(ctx context.Context, c venue.Client, pos venue.Position, slippage float64, roundUp, reduceOnly bool) (venue.Order, error) {
	if pos.IsFlat() {
		return venue.Order{}, venue.NewError(c.Name(), "close", venue.ErrPositionFlat, "", pos.Symbol)
	}
	market, err := venue.MarketFor(ctx, c, pos.Symbol)
	if err != nil {
		return venue.Order{}, err
	}
	mark := pos.MarkPrice
	if mark <= 0 {
		if mark, err = c.MarkPrice(ctx, pos.Symbol); err != nil {
			return venue.Order{}, err
		}
	}
	side := pos.Side().Opposite()
	size, err := venue.ToNative(math.Abs(pos.Size), mark, market.SizeUnit)
	if err != nil {
		return venue.Order{}, err
	}
	if roundUp && reduceOnly {
		size = venue.RoundUp(size, market.SizeStep)
	} else {
		size = venue.RoundDown(size, market.SizeStep)
	}
	if size <= 0 {
		return venue.Order{}, venue.NewError(c.Name(), "close", venue.ErrInvalidSize, "", fmt.Sprintf("%s remainder below size step", pos.Symbol))
	}
	req := venue.OrderRequest{
		Symbol:        pos.Symbol,
		Side:          side,
		Size:          size,
		Price:         venue.SlippagePrice(side, mark, slippage),
		TimeInForce:   venue.IOC,
		ReduceOnly:    reduceOnly,
		ClientOrderID: uuid.NewString(),
	}
	// IOC orders are terminal on return.
	defer m.exec.Forget(ctx, c.Name(), req.ClientOrderID)
	return m.exec.PlaceOrder(ctx, c, req)
}
