package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func infoServer(t *testing.T, replies map[string]string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/info" || r.Method != http.MethodPost {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var req infoRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		body, ok := replies[req.Type]
		if !ok {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte("slow down"))
			return
		}
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestMetaAndAssetCtxs(t *testing.T) {
	srv := infoServer(t, map[string]string{
		"metaAndAssetCtxs": `[{"universe":[{"name":"BTC","szDecimals":5,"maxLeverage":50},{"name":"ETH","szDecimals":4,"maxLeverage":50}]},
			[{"funding":"0.0000125","markPx":"50000.0","oraclePx":"50010"},{"funding":"-0.00002","markPx":"2000.5","oraclePx":"2001"}]]`,
	})
	c := New(srv.URL, time.Second, nil)
	assets, err := c.MetaAndAssetCtxs(context.Background())
	if err != nil {
		t.Fatalf("meta and asset ctxs: %v", err)
	}
	if len(assets) != 2 {
		t.Fatalf("expected 2 assets, got %d", len(assets))
	}
	eth := assets[1]
	if eth.Index != 1 || eth.Meta.Name != "ETH" || eth.Meta.SzDecimals != 4 {
		t.Fatalf("unexpected eth meta %+v", eth)
	}
	if eth.MarkPrice != 2000.5 || eth.FundingRate != -0.00002 {
		t.Fatalf("unexpected eth ctx %+v", eth)
	}
}

func TestMetaAndAssetCtxsRejectsMismatchedShape(t *testing.T) {
	srv := infoServer(t, map[string]string{
		"metaAndAssetCtxs": `[{"universe":[{"name":"BTC","szDecimals":5}]},[]]`,
	})
	c := New(srv.URL, time.Second, nil)
	if _, err := c.MetaAndAssetCtxs(context.Background()); err == nil {
		t.Fatalf("expected error for missing asset context")
	}
}

func TestMetaAndAssetCtxsRejectsBadNumber(t *testing.T) {
	srv := infoServer(t, map[string]string{
		"metaAndAssetCtxs": `[{"universe":[{"name":"BTC","szDecimals":5}]},[{"funding":"abc","markPx":"1"}]]`,
	})
	c := New(srv.URL, time.Second, nil)
	if _, err := c.MetaAndAssetCtxs(context.Background()); err == nil {
		t.Fatalf("expected error for malformed funding")
	}
}

func TestClearinghouseState(t *testing.T) {
	srv := infoServer(t, map[string]string{
		"clearinghouseState": `{"assetPositions":[{"type":"oneWay","position":{"coin":"ETH","szi":"-1.5","entryPx":"2000","positionValue":"3015","unrealizedPnl":"-15"}}],
			"marginSummary":{"accountValue":"10000","totalNtlPos":"3015","totalMarginUsed":"301.5"},"withdrawable":"9600"}`,
	})
	c := New(srv.URL, time.Second, nil)
	st, err := c.ClearinghouseState(context.Background(), "0xabc")
	if err != nil {
		t.Fatalf("clearinghouse state: %v", err)
	}
	if len(st.AssetPositions) != 1 {
		t.Fatalf("expected 1 position, got %d", len(st.AssetPositions))
	}
	pos := st.AssetPositions[0].Position
	if pos.Coin != "ETH" || pos.Szi != "-1.5" || pos.EntryPx == nil || *pos.EntryPx != "2000" {
		t.Fatalf("unexpected position %+v", pos)
	}
	if st.Withdrawable != "9600" || st.MarginSummary.AccountValue != "10000" {
		t.Fatalf("unexpected margin %+v", st)
	}
}

func TestStatusErrorCarriesCode(t *testing.T) {
	srv := infoServer(t, map[string]string{})
	c := New(srv.URL, time.Second, nil)
	_, err := c.OpenOrders(context.Background(), "0xabc")
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if statusErr.Status != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", statusErr.Status)
	}
}

func TestParseNumber(t *testing.T) {
	if v, err := ParseNumber(""); err != nil || v != 0 {
		t.Fatalf("empty string should be zero, got %v %v", v, err)
	}
	if v, err := ParseNumber(" 1.25 "); err != nil || v != 1.25 {
		t.Fatalf("expected 1.25, got %v %v", v, err)
	}
	if _, err := ParseNumber("1,25"); err == nil {
		t.Fatalf("expected error for malformed number")
	}
}
