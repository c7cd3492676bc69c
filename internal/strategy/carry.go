package strategy

import (
	"fmt"
	"math"
	"strings"
)

// roundTripLegs counts the taker fills of an entry and an exit on both venues.
const roundTripLegs = 4

func EstimatedCostsUSD(notional, feeBps, slippageBps float64) float64 {
	if notional <= 0 {
		return 0
	}
	rate := (feeBps + slippageBps) / 10000
	if rate <= 0 {
		return 0
	}
	return notional * rate * roundTripLegs
}

// Spread picks the direction that collects funding: long where the rate is
// lower, short where it is higher. The spread is per funding interval.
func Spread(quotes [2]Quote) (long, short int, spread float64) {
	if quotes[0].FundingRate <= quotes[1].FundingRate {
		return 0, 1, quotes[1].FundingRate - quotes[0].FundingRate
	}
	return 1, 0, quotes[0].FundingRate - quotes[1].FundingRate
}

// HeldSpread is the spread earned by an existing long/short assignment. It
// goes negative when the funding differential flips against the trade.
func HeldSpread(quotes [2]Quote, longVenue, shortVenue string) (float64, error) {
	long, short := -1, -1
	for i, q := range quotes {
		switch {
		case strings.EqualFold(q.Venue, longVenue):
			long = i
		case strings.EqualFold(q.Venue, shortVenue):
			short = i
		}
	}
	if long < 0 || short < 0 {
		return 0, fmt.Errorf("no quotes for venues %s/%s", longVenue, shortVenue)
	}
	return quotes[short].FundingRate - quotes[long].FundingRate, nil
}

// NetExpectedCarryUSD is funding expected over the holding horizon minus the
// round-trip trading costs.
func NetExpectedCarryUSD(notional, spread float64, p Params) (net, cost float64) {
	periods := p.HoldPeriods
	if periods <= 0 {
		periods = 1
	}
	cost = EstimatedCostsUSD(notional, p.FeeBps, p.SlippageBps)
	return notional*spread*periods - cost, cost
}

// Decide returns what to do for one symbol.
func Decide(p Params, snap MarketSnapshot) Decision {
	if snap.OpenTrade {
		spread, err := HeldSpread(snap.Quotes, snap.LongVenue, snap.ShortVenue)
		if err != nil {
			return Decision{Action: ActionNone, Reason: err.Error()}
		}
		d := Decision{Action: ActionNone, Spread: spread, Reason: "holding"}
		if spread < p.ExitSpread {
			d.Action = ActionExit
			d.Reason = fmt.Sprintf("spread %.6f below exit %.6f", spread, p.ExitSpread)
		}
		return d
	}
	long, short, spread := Spread(snap.Quotes)
	net, cost := NetExpectedCarryUSD(snap.NotionalUSD, spread, p)
	d := Decision{Action: ActionNone, Long: long, Short: short, Spread: spread, NetUSD: net, CostUSD: cost}
	switch {
	case math.IsNaN(spread) || spread < p.MinSpread:
		d.Reason = fmt.Sprintf("spread %.6f below minimum %.6f", spread, p.MinSpread)
	case net <= 0:
		d.Reason = fmt.Sprintf("net carry %.4f USD does not cover costs %.4f", net, cost)
	default:
		d.Action = ActionEnter
		d.Reason = "spread covers costs"
	}
	return d
}
