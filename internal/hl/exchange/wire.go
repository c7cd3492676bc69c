package exchange

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Perp prices carry at most five significant figures and six decimals less
// the asset's size decimals.
const (
	maxPriceSigFigs   = 5
	maxPerpPxDecimals = 6
)

// Time in force. Alo is post-only: the venue rejects it instead of crossing.
type Tif string

const (
	TifAlo Tif = "Alo"
	TifIoc Tif = "Ioc"
	TifGtc Tif = "Gtc"
)

// groupingNone submits each order independently.
const groupingNone = "na"

type LimitOrderType struct {
	Tif Tif `json:"tif"`
}

type OrderTypeWire struct {
	Limit *LimitOrderType `json:"limit,omitempty"`
}

// OrderWire is one order as signed. Price and size are decimal strings with
// trailing zeros stripped; the msgpack hash depends on that exact text.
type OrderWire struct {
	Asset      int           `json:"a"`
	IsBuy      bool          `json:"b"`
	Price      string        `json:"p"`
	Size       string        `json:"s"`
	ReduceOnly bool          `json:"r"`
	OrderType  OrderTypeWire `json:"t"`
	Cloid      string        `json:"c,omitempty"`
}

type OrderAction struct {
	Type     string      `json:"type"`
	Orders   []OrderWire `json:"orders"`
	Grouping string      `json:"grouping"`
}

type CancelWire struct {
	Asset   int   `json:"a"`
	OrderID int64 `json:"o"`
}

type CancelAction struct {
	Type    string       `json:"type"`
	Cancels []CancelWire `json:"cancels"`
}

func LimitOrderWire(asset int, isBuy bool, size, limit float64, reduceOnly bool, tif Tif, cloid string) (OrderWire, error) {
	if tif == "" {
		return OrderWire{}, errors.New("tif is required")
	}
	if size <= 0 {
		return OrderWire{}, fmt.Errorf("size must be > 0, got %v", size)
	}
	if limit <= 0 {
		return OrderWire{}, fmt.Errorf("limit price must be > 0, got %v", limit)
	}
	price, err := floatToWire(limit)
	if err != nil {
		return OrderWire{}, fmt.Errorf("limit price: %w", err)
	}
	sizeWire, err := floatToWire(size)
	if err != nil {
		return OrderWire{}, fmt.Errorf("size: %w", err)
	}
	return OrderWire{
		Asset:      asset,
		IsBuy:      isBuy,
		Price:      price,
		Size:       sizeWire,
		ReduceOnly: reduceOnly,
		OrderType:  OrderTypeWire{Limit: &LimitOrderType{Tif: tif}},
		Cloid:      cloid,
	}, nil
}

// RoundPrice snaps px to what the venue accepts for an asset with the given
// size decimals. Integer prices are always valid.
func RoundPrice(px float64, szDecimals int) float64 {
	if px <= 0 {
		return 0
	}
	if px == math.Trunc(px) {
		return px
	}
	sig, err := strconv.ParseFloat(strconv.FormatFloat(px, 'g', maxPriceSigFigs, 64), 64)
	if err != nil {
		return px
	}
	decimals := maxPerpPxDecimals - szDecimals
	if decimals < 0 {
		decimals = 0
	}
	return roundTo(sig, decimals)
}

// RoundSize truncates toward zero so a reduce-only close never asks for more
// than the position holds.
func RoundSize(sz float64, szDecimals int) float64 {
	if szDecimals < 0 {
		szDecimals = 0
	}
	scale := math.Pow10(szDecimals)
	return math.Trunc(sz*scale+1e-9) / scale
}

func roundTo(v float64, decimals int) float64 {
	scale := math.Pow10(decimals)
	return math.Round(v*scale) / scale
}

func floatToWire(x float64) (string, error) {
	rounded := fmt.Sprintf("%.8f", x)
	parsed, err := strconv.ParseFloat(rounded, 64)
	if err != nil {
		return "", err
	}
	if math.Abs(parsed-x) >= 1e-12 {
		return "", fmt.Errorf("float_to_wire causes rounding: %f", x)
	}
	trimmed := strings.TrimRight(rounded, "0")
	trimmed = strings.TrimRight(trimmed, ".")
	if trimmed == "" || trimmed == "-0" {
		trimmed = "0"
	}
	return trimmed, nil
}
