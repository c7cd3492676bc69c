// Package rest is a typed client for the Hyperliquid info endpoint.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// StatusError is a non-2xx reply. 429 means the venue is throttling us.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

type Client struct {
	baseURL string
	http    *http.Client
	log     *zap.Logger
}

func New(baseURL string, timeout time.Duration, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout: timeout,
		},
		log: log,
	}
}

type infoRequest struct {
	Type string `json:"type"`
	User string `json:"user,omitempty"`
}

func (c *Client) Meta(ctx context.Context) (Meta, error) {
	var out Meta
	if err := c.info(ctx, infoRequest{Type: "meta"}, &out); err != nil {
		return Meta{}, err
	}
	return out, out.validate()
}

// MetaAndAssetCtxs returns the universe joined with live contexts (mark,
// funding) by index.
func (c *Client) MetaAndAssetCtxs(ctx context.Context) ([]AssetSnapshot, error) {
	var raw []json.RawMessage
	if err := c.info(ctx, infoRequest{Type: "metaAndAssetCtxs"}, &raw); err != nil {
		return nil, err
	}
	return decodeMetaAndAssetCtxs(raw)
}

func (c *Client) ClearinghouseState(ctx context.Context, user string) (ClearinghouseState, error) {
	var out ClearinghouseState
	if err := c.info(ctx, infoRequest{Type: "clearinghouseState", User: user}, &out); err != nil {
		return ClearinghouseState{}, err
	}
	return out, nil
}

func (c *Client) OpenOrders(ctx context.Context, user string) ([]OpenOrder, error) {
	var out []OpenOrder
	if err := c.info(ctx, infoRequest{Type: "openOrders", User: user}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) info(ctx context.Context, req any, out any) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/info", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return &StatusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode info response: %w", err)
	}
	return nil
}
