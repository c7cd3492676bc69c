// Package hyperliquid adapts the Hyperliquid perp API to venue.Client. Reads
// go to the info endpoint, orders are signed L1 actions, and an optional
// allMids stream keeps mark prices warm.
package hyperliquid

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"funding-arb-bot/internal/hl/exchange"
	"funding-arb-bot/internal/hl/rest"
	"funding-arb-bot/internal/hl/ws"
	"funding-arb-bot/internal/venue"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const minOrderNotionalUSD = 10

type Config struct {
	Name    string
	BaseURL string
	WSURL   string
	Timeout time.Duration
	// AccountAddress is the account whose positions are read. It defaults to
	// the vault, then to the signing key's address.
	AccountAddress string
	VaultAddress   string
	PrivateKey     string
	Mainnet        bool
	// MarkMaxAge bounds how old a streamed mid may be before MarkPrice falls
	// back to the info endpoint.
	MarkMaxAge time.Duration
}

type asset struct {
	index      int
	szDecimals int
}

type mid struct {
	price float64
	at    time.Time
}

type Venue struct {
	cfg    Config
	user   string
	info   *rest.Client
	ex     *exchange.Client
	stream *ws.Client
	log    *zap.Logger
	now    func() time.Time

	mu     sync.RWMutex
	assets map[string]asset
	mids   map[string]mid
}

func New(ctx context.Context, cfg Config, nonces exchange.NonceStore, log *zap.Logger) (*Venue, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Name == "" {
		cfg.Name = "hyperliquid"
	}
	if cfg.MarkMaxAge <= 0 {
		cfg.MarkMaxAge = 5 * time.Second
	}
	signer, err := exchange.NewSigner(cfg.PrivateKey, cfg.Mainnet)
	if err != nil {
		return nil, fmt.Errorf("%s signer: %w", cfg.Name, err)
	}
	ex, err := exchange.NewClient(cfg.BaseURL, cfg.Timeout, signer, cfg.VaultAddress, log)
	if err != nil {
		return nil, err
	}
	if err := ex.InitNonceStore(ctx, nonces); err != nil {
		return nil, fmt.Errorf("%s nonce store: %w", cfg.Name, err)
	}
	user := strings.TrimSpace(cfg.AccountAddress)
	if user == "" {
		user = strings.TrimSpace(cfg.VaultAddress)
	}
	if user == "" {
		user = signer.Address().Hex()
	}
	v := &Venue{
		cfg:    cfg,
		user:   user,
		info:   rest.New(cfg.BaseURL, cfg.Timeout, log),
		ex:     ex,
		log:    log.With(zap.String("venue", cfg.Name)),
		now:    time.Now,
		assets: make(map[string]asset),
		mids:   make(map[string]mid),
	}
	if cfg.WSURL != "" {
		v.stream = ws.New(cfg.WSURL, 2*time.Second, 30*time.Second, v.log)
	}
	return v, nil
}

func (v *Venue) Name() string {
	return v.cfg.Name
}

func (v *Venue) LoadMarkets(ctx context.Context) ([]venue.Market, error) {
	meta, err := v.info.Meta(ctx)
	if err != nil {
		return nil, v.wrap("load_markets", err)
	}
	assets := make(map[string]asset, len(meta.Universe))
	markets := make([]venue.Market, 0, len(meta.Universe))
	for i, a := range meta.Universe {
		sym := strings.ToUpper(a.Name)
		assets[sym] = asset{index: i, szDecimals: a.SzDecimals}
		if a.IsDelisted {
			continue
		}
		markets = append(markets, venue.Market{
			Symbol:      sym,
			SizeUnit:    venue.UnitCoins,
			SizeStep:    math.Pow10(-a.SzDecimals),
			MinNotional: minOrderNotionalUSD,
		})
	}
	v.mu.Lock()
	v.assets = assets
	v.mu.Unlock()
	return markets, nil
}

func (v *Venue) MarkPrice(ctx context.Context, symbol string) (float64, error) {
	sym := strings.ToUpper(symbol)
	v.mu.RLock()
	m, ok := v.mids[sym]
	v.mu.RUnlock()
	if ok && m.price > 0 && v.now().Sub(m.at) <= v.cfg.MarkMaxAge {
		return m.price, nil
	}
	snap, err := v.snapshot(ctx, "mark_price", sym)
	if err != nil {
		return 0, err
	}
	if snap.MarkPrice <= 0 {
		return 0, venue.NewError(v.cfg.Name, "mark_price", venue.ErrTransient, "", "no mark price for "+sym)
	}
	return snap.MarkPrice, nil
}

func (v *Venue) FundingRate(ctx context.Context, symbol string) (float64, error) {
	snap, err := v.snapshot(ctx, "funding_rate", strings.ToUpper(symbol))
	if err != nil {
		return 0, err
	}
	return snap.FundingRate, nil
}

func (v *Venue) snapshot(ctx context.Context, op, sym string) (rest.AssetSnapshot, error) {
	assets, err := v.info.MetaAndAssetCtxs(ctx)
	if err != nil {
		return rest.AssetSnapshot{}, v.wrap(op, err)
	}
	for _, a := range assets {
		if strings.EqualFold(a.Meta.Name, sym) {
			return a, nil
		}
	}
	return rest.AssetSnapshot{}, venue.NewError(v.cfg.Name, op, venue.ErrFatal, "", "unknown market "+sym)
}

func (v *Venue) lookup(ctx context.Context, op, symbol string) (asset, error) {
	sym := strings.ToUpper(symbol)
	v.mu.RLock()
	a, ok := v.assets[sym]
	v.mu.RUnlock()
	if ok {
		return a, nil
	}
	if _, err := v.LoadMarkets(ctx); err != nil {
		return asset{}, err
	}
	v.mu.RLock()
	a, ok = v.assets[sym]
	v.mu.RUnlock()
	if !ok {
		return asset{}, venue.NewError(v.cfg.Name, op, venue.ErrOrderRejected, "", "unknown market "+sym)
	}
	return a, nil
}

func (v *Venue) PlaceOrder(ctx context.Context, req venue.OrderRequest) (venue.Order, error) {
	const op = "place_order"
	if !req.Side.Valid() {
		return venue.Order{}, venue.NewError(v.cfg.Name, op, venue.ErrOrderRejected, "", "invalid side "+string(req.Side))
	}
	a, err := v.lookup(ctx, op, req.Symbol)
	if err != nil {
		return venue.Order{}, err
	}
	size := exchange.RoundSize(req.Size, a.szDecimals)
	if size <= 0 {
		return venue.Order{}, venue.NewError(v.cfg.Name, op, venue.ErrInvalidSize, "", fmt.Sprintf("size %v rounds to zero", req.Size))
	}
	tif, err := tifFor(req.TimeInForce)
	if err != nil {
		return venue.Order{}, venue.NewError(v.cfg.Name, op, venue.ErrOrderRejected, "", err.Error())
	}
	cloid := toCloid(req.ClientOrderID)
	wire, err := exchange.LimitOrderWire(a.index, req.Side == venue.Buy, size, exchange.RoundPrice(req.Price, a.szDecimals), req.ReduceOnly, tif, cloid)
	if err != nil {
		return venue.Order{}, venue.NewError(v.cfg.Name, op, venue.ErrInvalidSize, "", err.Error())
	}
	status, err := v.ex.PlaceOrder(ctx, wire)
	if err != nil {
		return venue.Order{}, v.wrap(op, err)
	}
	order := venue.Order{
		ClientOrderID: req.ClientOrderID,
		Symbol:        strings.ToUpper(req.Symbol),
		Side:          req.Side,
	}
	switch {
	case status.Error != "":
		return venue.Order{}, v.rejection(op, status.Error)
	case status.Filled != nil:
		filled, err := rest.ParseNumber(status.Filled.TotalSz)
		if err != nil {
			return venue.Order{}, venue.NewError(v.cfg.Name, op, venue.ErrFatal, "", err.Error())
		}
		avg, err := rest.ParseNumber(status.Filled.AvgPx)
		if err != nil {
			return venue.Order{}, venue.NewError(v.cfg.Name, op, venue.ErrFatal, "", err.Error())
		}
		order.ID = strconv.FormatInt(status.Filled.Oid, 10)
		order.Filled = filled
		order.AvgPrice = avg
		order.Status = venue.StatusFilled
		if filled < size-venue.FlatEpsilon {
			order.Status = venue.StatusPartial
		}
	case status.Resting != nil:
		order.ID = strconv.FormatInt(status.Resting.Oid, 10)
		order.Status = venue.StatusOpen
	}
	return order, nil
}

func (v *Venue) CancelOrder(ctx context.Context, symbol, orderID string) error {
	const op = "cancel_order"
	oid, err := strconv.ParseInt(strings.TrimSpace(orderID), 10, 64)
	if err != nil {
		return venue.NewError(v.cfg.Name, op, venue.ErrOrderRejected, "", "invalid order id "+orderID)
	}
	a, err := v.lookup(ctx, op, symbol)
	if err != nil {
		return err
	}
	statuses, err := v.ex.Cancel(ctx, []exchange.CancelWire{{Asset: a.index, OrderID: oid}})
	if err != nil {
		return v.wrap(op, err)
	}
	if msg := statuses[0].Error; msg != "" && !orderGone(msg) {
		return v.rejection(op, msg)
	}
	return nil
}

func (v *Venue) CancelAllOrders(ctx context.Context, symbol string) (int, error) {
	const op = "cancel_all"
	open, err := v.info.OpenOrders(ctx, v.user)
	if err != nil {
		return 0, v.wrap(op, err)
	}
	var cancels []exchange.CancelWire
	for _, o := range open {
		if symbol != "" && !strings.EqualFold(o.Coin, symbol) {
			continue
		}
		a, err := v.lookup(ctx, op, o.Coin)
		if err != nil {
			return 0, err
		}
		cancels = append(cancels, exchange.CancelWire{Asset: a.index, OrderID: o.Oid})
	}
	if len(cancels) == 0 {
		return 0, nil
	}
	statuses, err := v.ex.Cancel(ctx, cancels)
	if err != nil {
		return 0, v.wrap(op, err)
	}
	cancelled := 0
	var firstErr error
	for _, st := range statuses {
		switch {
		case st.Error == "":
			cancelled++
		case orderGone(st.Error):
		case firstErr == nil:
			firstErr = v.rejection(op, st.Error)
		}
	}
	return cancelled, firstErr
}

func (v *Venue) FetchOpenPositions(ctx context.Context) ([]venue.Position, error) {
	const op = "fetch_positions"
	st, err := v.info.ClearinghouseState(ctx, v.user)
	if err != nil {
		return nil, v.wrap(op, err)
	}
	out := make([]venue.Position, 0, len(st.AssetPositions))
	for _, ap := range st.AssetPositions {
		pos, err := mapPosition(ap.Position)
		if err != nil {
			return nil, venue.NewError(v.cfg.Name, op, venue.ErrFatal, "", err.Error())
		}
		if pos.IsFlat() {
			continue
		}
		out = append(out, pos)
	}
	return out, nil
}

func mapPosition(p rest.Position) (venue.Position, error) {
	if strings.TrimSpace(p.Coin) == "" {
		return venue.Position{}, errors.New("position without coin")
	}
	size, err := rest.ParseNumber(p.Szi)
	if err != nil {
		return venue.Position{}, fmt.Errorf("%s szi: %w", p.Coin, err)
	}
	var entry float64
	if p.EntryPx != nil {
		if entry, err = rest.ParseNumber(*p.EntryPx); err != nil {
			return venue.Position{}, fmt.Errorf("%s entryPx: %w", p.Coin, err)
		}
	}
	value, err := rest.ParseNumber(p.PositionValue)
	if err != nil {
		return venue.Position{}, fmt.Errorf("%s positionValue: %w", p.Coin, err)
	}
	upnl, err := rest.ParseNumber(p.UnrealizedPnl)
	if err != nil {
		return venue.Position{}, fmt.Errorf("%s unrealizedPnl: %w", p.Coin, err)
	}
	pos := venue.Position{
		Symbol:        strings.ToUpper(p.Coin),
		Size:          size,
		EntryPrice:    entry,
		UnrealizedPnL: upnl,
	}
	if size != 0 {
		pos.MarkPrice = math.Abs(value / size)
	}
	return pos, nil
}

func (v *Venue) FetchBalance(ctx context.Context) (venue.Balance, error) {
	st, err := v.info.ClearinghouseState(ctx, v.user)
	if err != nil {
		return venue.Balance{}, v.wrap("fetch_balance", err)
	}
	total, err := rest.ParseNumber(st.MarginSummary.AccountValue)
	if err != nil {
		return venue.Balance{}, venue.NewError(v.cfg.Name, "fetch_balance", venue.ErrFatal, "", err.Error())
	}
	avail, err := rest.ParseNumber(st.Withdrawable)
	if err != nil {
		return venue.Balance{}, venue.NewError(v.cfg.Name, "fetch_balance", venue.ErrFatal, "", err.Error())
	}
	return venue.Balance{Total: total, Available: avail}, nil
}

// Close has nothing to release; the stream stops with the context passed to
// Stream.
func (v *Venue) Close(context.Context) error {
	return nil
}

// Stream subscribes to allMids and feeds the mark cache until ctx is done.
func (v *Venue) Stream(ctx context.Context) error {
	if v.stream == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	if err := v.stream.Subscribe(ctx, ws.Subscription{Type: "allMids"}); err != nil {
		return err
	}
	return v.stream.Run(ctx, v.handleMessage)
}

func (v *Venue) handleMessage(msg ws.Message) {
	if msg.Channel != "allMids" {
		return
	}
	var data struct {
		Mids map[string]string `json:"mids"`
	}
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		v.log.Debug("allMids dropped", zap.Error(err))
		return
	}
	now := v.now()
	v.mu.Lock()
	defer v.mu.Unlock()
	for coin, raw := range data.Mids {
		if strings.HasPrefix(coin, "@") {
			continue
		}
		px, err := rest.ParseNumber(raw)
		if err != nil || px <= 0 {
			continue
		}
		v.mids[strings.ToUpper(coin)] = mid{price: px, at: now}
	}
}

func tifFor(tif venue.TimeInForce) (exchange.Tif, error) {
	switch tif {
	case venue.PostOnly:
		return exchange.TifAlo, nil
	case venue.IOC:
		return exchange.TifIoc, nil
	case venue.GTC, "":
		return exchange.TifGtc, nil
	default:
		return "", fmt.Errorf("unsupported time in force %q", tif)
	}
}

// toCloid maps a client order id onto the venue's 128-bit hex form. UUIDs
// map directly; anything else is hashed so retries keep the same cloid.
func toCloid(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		u := uuid.New()
		return "0x" + hex.EncodeToString(u[:])
	}
	u, err := uuid.Parse(id)
	if err != nil {
		u = uuid.NewSHA1(uuid.NameSpaceOID, []byte(id))
	}
	return "0x" + hex.EncodeToString(u[:])
}

func orderGone(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "never placed") || strings.Contains(msg, "already canceled") || strings.Contains(msg, "already cancelled")
}

func (v *Venue) rejection(op, msg string) error {
	lower := strings.ToLower(msg)
	kind := venue.ErrOrderRejected
	switch {
	case venue.IsPositionMissing("", msg):
		kind = venue.ErrPositionFlat
	case strings.Contains(lower, "post only"):
		kind = venue.ErrPostOnlyRejected
	case strings.Contains(lower, "insufficient margin"), strings.Contains(lower, "insufficient balance"):
		kind = venue.ErrInsufficientBalance
	case strings.Contains(lower, "minimum value"), strings.Contains(lower, "invalid size"):
		kind = venue.ErrInvalidSize
	case strings.Contains(lower, "too many"), strings.Contains(lower, "rate limit"):
		kind = venue.ErrRateLimited
	}
	return venue.NewError(v.cfg.Name, op, kind, "", msg)
}

func (v *Venue) wrap(op string, err error) error {
	var statusErr *rest.StatusError
	var rejected *exchange.RejectedError
	var urlErr *url.Error
	switch {
	case errors.As(err, &rejected):
		return v.rejection(op, rejected.Message)
	case errors.As(err, &statusErr):
		kind := venue.ErrOrderRejected
		switch {
		case statusErr.Status == 429:
			kind = venue.ErrRateLimited
		case statusErr.Status >= 500:
			kind = venue.ErrTransient
		}
		return &venue.Error{Venue: v.cfg.Name, Op: op, Kind: kind, Code: strconv.Itoa(statusErr.Status), Message: statusErr.Body, Err: err}
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &urlErr):
		return venue.Wrap(v.cfg.Name, op, venue.ErrTransient, err)
	default:
		return venue.Wrap(v.cfg.Name, op, venue.ErrFatal, err)
	}
}

var _ venue.Client = (*Venue)(nil)
