package exec

import (
	"errors"
	"fmt"
	"strings"

	"funding-arb-bot/internal/venue"
)

type Role string

const (
	Maker Role = "maker"
	Taker Role = "taker"
)

type Action string

const (
	Open  Action = "OPEN"
	Close Action = "CLOSE"
)

// Leg is one side of a hedge action. Quantity is in coins; the manager
// converts it to the venue's native unit. A zero Price means "use the mark".
type Leg struct {
	Venue      venue.Client
	Side       venue.Side
	Quantity   float64
	Price      float64
	Role       Role
	ReduceOnly bool
}

// LegOutcome records what happened to one leg. Filled is in coins and comes
// from the venue's position, not the order acknowledgement, whenever the
// order did not fill immediately.
type LegOutcome struct {
	Venue      string
	Side       venue.Side
	Role       Role
	Requested  float64
	Filled     float64
	AvgPrice   float64
	OrderID    string
	Downgraded bool
	// Ambiguous is set when the venue may have accepted the order even
	// though the call failed (timeouts, 5xx).
	Ambiguous bool
	Err       error
}

func (o LegOutcome) OK() bool {
	return o.Err == nil && o.Filled > venue.FlatEpsilon
}

type CompensationLeg struct {
	Venue  string
	Closed float64
	Err    error
}

// Compensation is the rollback (or rebalance) issued after an uneven result.
type Compensation struct {
	Rebalance bool
	Legs      []CompensationLeg
	Err       error
}

func (c *Compensation) OK() bool {
	return c == nil || c.Err == nil
}

type Result struct {
	ID           string
	Symbol       string
	Action       Action
	Success      bool
	OrderIDA     string
	OrderIDB     string
	Legs         [2]LegOutcome
	Compensation *Compensation
	Err          error
}

// Flat reports whether the call ended without leaving a one-sided position:
// either both legs filled or every filled leg was unwound.
func (r Result) Flat() bool {
	if r.Success {
		return true
	}
	return r.Compensation.OK()
}

func actionOf(a, b Leg) Action {
	if a.ReduceOnly && b.ReduceOnly {
		return Close
	}
	return Open
}

func (l Leg) outcome() LegOutcome {
	out := LegOutcome{Side: l.Side, Role: l.Role, Requested: l.Quantity}
	if l.Venue != nil {
		out.Venue = l.Venue.Name()
	}
	return out
}

func validateLegs(symbol string, a, b Leg) error {
	if strings.TrimSpace(symbol) == "" {
		return fmt.Errorf("%w: symbol is required", ErrInvalidLegs)
	}
	if a.Venue == nil || b.Venue == nil {
		return fmt.Errorf("%w: both legs need a venue", ErrInvalidLegs)
	}
	if a.Venue.Name() == b.Venue.Name() {
		return fmt.Errorf("%w: legs must be on different venues", ErrInvalidLegs)
	}
	if !a.Side.Valid() || !b.Side.Valid() || a.Side == b.Side {
		return fmt.Errorf("%w: legs must take opposite sides", ErrInvalidLegs)
	}
	if a.Quantity <= 0 || b.Quantity <= 0 {
		return fmt.Errorf("%w: quantities must be > 0", ErrInvalidLegs)
	}
	if a.ReduceOnly != b.ReduceOnly {
		return fmt.Errorf("%w: legs must both open or both close", ErrInvalidLegs)
	}
	return nil
}

// placementOrder returns the leg indices in submission order and whether the
// second submission is staggered behind the first.
func placementOrder(legs [2]Leg) (first, second int, stagger bool) {
	switch {
	case legs[0].Role == Maker && legs[1].Role != Maker:
		return 0, 1, true
	case legs[1].Role == Maker && legs[0].Role != Maker:
		return 1, 0, true
	default:
		return 0, 1, false
	}
}

func legErrors(res Result) error {
	var errs []error
	for _, leg := range res.Legs {
		if leg.Err != nil {
			errs = append(errs, fmt.Errorf("%s leg: %w", leg.Venue, leg.Err))
		} else if !leg.OK() {
			errs = append(errs, fmt.Errorf("%s leg: %w", leg.Venue, ErrNotFilled))
		}
	}
	return errors.Join(errs...)
}
