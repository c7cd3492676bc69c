package rest

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

type Meta struct {
	Universe []AssetMeta `json:"universe"`
}

type AssetMeta struct {
	Name        string `json:"name"`
	SzDecimals  int    `json:"szDecimals"`
	MaxLeverage int    `json:"maxLeverage"`
	IsDelisted  bool   `json:"isDelisted"`
}

func (m Meta) validate() error {
	if len(m.Universe) == 0 {
		return errors.New("meta: empty universe")
	}
	for i, a := range m.Universe {
		if strings.TrimSpace(a.Name) == "" {
			return fmt.Errorf("meta: asset %d has no name", i)
		}
		if a.SzDecimals < 0 {
			return fmt.Errorf("meta: asset %s has negative szDecimals", a.Name)
		}
	}
	return nil
}

type AssetCtx struct {
	Funding      string `json:"funding"`
	MarkPx       string `json:"markPx"`
	OraclePx     string `json:"oraclePx"`
	OpenInterest string `json:"openInterest"`
}

// AssetSnapshot is one perp market with its index in the universe; the index
// is the asset id orders are signed with.
type AssetSnapshot struct {
	Index       int
	Meta        AssetMeta
	MarkPrice   float64
	FundingRate float64
}

func decodeMetaAndAssetCtxs(raw []json.RawMessage) ([]AssetSnapshot, error) {
	if len(raw) != 2 {
		return nil, fmt.Errorf("metaAndAssetCtxs: expected 2 elements, got %d", len(raw))
	}
	var meta Meta
	if err := json.Unmarshal(raw[0], &meta); err != nil {
		return nil, fmt.Errorf("metaAndAssetCtxs meta: %w", err)
	}
	if err := meta.validate(); err != nil {
		return nil, err
	}
	var ctxs []AssetCtx
	if err := json.Unmarshal(raw[1], &ctxs); err != nil {
		return nil, fmt.Errorf("metaAndAssetCtxs ctxs: %w", err)
	}
	if len(ctxs) != len(meta.Universe) {
		return nil, fmt.Errorf("metaAndAssetCtxs: %d assets but %d contexts", len(meta.Universe), len(ctxs))
	}
	out := make([]AssetSnapshot, 0, len(ctxs))
	for i, ac := range ctxs {
		name := meta.Universe[i].Name
		mark, err := ParseNumber(ac.MarkPx)
		if err != nil {
			return nil, fmt.Errorf("%s markPx: %w", name, err)
		}
		funding, err := ParseNumber(ac.Funding)
		if err != nil {
			return nil, fmt.Errorf("%s funding: %w", name, err)
		}
		out = append(out, AssetSnapshot{Index: i, Meta: meta.Universe[i], MarkPrice: mark, FundingRate: funding})
	}
	return out, nil
}

type ClearinghouseState struct {
	AssetPositions []AssetPosition `json:"assetPositions"`
	MarginSummary  MarginSummary   `json:"marginSummary"`
	Withdrawable   string          `json:"withdrawable"`
}

type MarginSummary struct {
	AccountValue    string `json:"accountValue"`
	TotalNtlPos     string `json:"totalNtlPos"`
	TotalMarginUsed string `json:"totalMarginUsed"`
}

type AssetPosition struct {
	Type     string   `json:"type"`
	Position Position `json:"position"`
}

type Position struct {
	Coin          string  `json:"coin"`
	Szi           string  `json:"szi"`
	EntryPx       *string `json:"entryPx"`
	PositionValue string  `json:"positionValue"`
	UnrealizedPnl string  `json:"unrealizedPnl"`
}

type OpenOrder struct {
	Coin      string `json:"coin"`
	Side      string `json:"side"`
	LimitPx   string `json:"limitPx"`
	Sz        string `json:"sz"`
	Oid       int64  `json:"oid"`
	Timestamp int64  `json:"timestamp"`
	Cloid     string `json:"cloid,omitempty"`
}

// ParseNumber reads the decimal strings the venue uses for every quantity.
// An empty string is zero; anything else must parse.
func ParseNumber(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", s)
	}
	return v, nil
}
