package venue

import (
	"fmt"
	"math"
)

// ToNative converts a size in coins to the venue's sizing unit.
func ToNative(coins, price float64, unit SizeUnit) (float64, error) {
	switch unit {
	case UnitCoins, "":
		return coins, nil
	case UnitNotional:
		if price <= 0 {
			return 0, fmt.Errorf("notional conversion needs a positive price, got %v", price)
		}
		return coins * price, nil
	default:
		return 0, fmt.Errorf("unknown size unit %q", unit)
	}
}

// FromNative converts a venue-native size back to coins.
func FromNative(size, price float64, unit SizeUnit) (float64, error) {
	switch unit {
	case UnitCoins, "":
		return size, nil
	case UnitNotional:
		if price <= 0 {
			return 0, fmt.Errorf("notional conversion needs a positive price, got %v", price)
		}
		return size / price, nil
	default:
		return 0, fmt.Errorf("unknown size unit %q", unit)
	}
}

func RoundDown(value, step float64) float64 {
	if step <= 0 {
		return value
	}
	return math.Floor(value/step+1e-9) * step
}

// RoundUp is used for reduce-only closes, where the venue caps the fill at
// the open position.
func RoundUp(value, step float64) float64 {
	if step <= 0 {
		return value
	}
	return math.Ceil(value/step-1e-9) * step
}

// SlippagePrice moves a reference price against the taker by pct.
func SlippagePrice(side Side, ref, pct float64) float64 {
	if side == Buy {
		return ref * (1 + pct)
	}
	return ref * (1 - pct)
}
