package shutdown

import (
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"funding-arb-bot/internal/state"
	"funding-arb-bot/internal/venue"
)

type posKey struct {
	venue  string
	symbol string
}

func keyOf(venueName, symbol string) posKey {
	return posKey{venue: venueName, symbol: strings.ToUpper(symbol)}
}

type fillAgg struct {
	qty      float64
	notional float64
}

// runState is everything one shutdown run learns. Phases running venues in
// parallel share it through its methods.
type runState struct {
	trades []state.HedgeTrade
	start  time.Time

	mu        sync.Mutex
	closed    map[posKey]bool
	lastKnown map[posKey]venue.Position
	verified  map[string]bool
	dust      map[posKey]venue.Position
	snapshots map[posKey]venue.Position
	fills     map[posKey]fillAgg
	errors    []PhaseError

	positionsClosed int
	ordersCancelled int
	tradesClosed    int
}

// newRunState seeds the known exposure from the stored trades, so a venue that
// never answers is still reported with its recorded legs.
func newRunState(trades []state.HedgeTrade) *runState {
	rs := &runState{
		trades:    trades,
		closed:    make(map[posKey]bool),
		lastKnown: make(map[posKey]venue.Position),
		verified:  make(map[string]bool),
		dust:      make(map[posKey]venue.Position),
		snapshots: make(map[posKey]venue.Position),
		fills:     make(map[posKey]fillAgg),
	}
	for _, t := range trades {
		for _, leg := range t.Legs() {
			size := leg.Size
			if leg.Side == venue.Sell {
				size = -size
			}
			rs.lastKnown[keyOf(leg.Venue, t.Symbol)] = venue.Position{Symbol: t.Symbol, Size: size, EntryPrice: leg.EntryPrice}
		}
	}
	return rs
}

func (rs *runState) fail(phase Phase, venueName, symbol, message string) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.errors = append(rs.errors, PhaseError{Phase: phase, Venue: venueName, Symbol: symbol, Message: message})
}

func (rs *runState) errorList() []PhaseError {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return append([]PhaseError(nil), rs.errors...)
}

func (rs *runState) isClosed(k posKey) bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.closed[k]
}

// markClosed adds k to the idempotency set after the venue said there is
// nothing to reduce. Nothing in this run touches the key on the venue again.
func (rs *runState) markClosed(k posKey) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.closed[k] = true
	delete(rs.lastKnown, k)
	delete(rs.dust, k)
}

// confirmFlat records a close verified by a fresh fetch.
func (rs *runState) confirmFlat(k posKey) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	delete(rs.lastKnown, k)
	delete(rs.dust, k)
	rs.positionsClosed++
}

// observe replaces everything known about a venue with a fresh fetch.
func (rs *runState) observe(venueName string, positions []venue.Position, verified bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	for k := range rs.lastKnown {
		if k.venue == venueName {
			delete(rs.lastKnown, k)
		}
	}
	seen := make(map[posKey]bool, len(positions))
	for _, p := range positions {
		if p.IsFlat() {
			continue
		}
		k := keyOf(venueName, p.Symbol)
		seen[k] = true
		rs.lastKnown[k] = p
	}
	for k := range rs.dust {
		if k.venue == venueName && !seen[k] {
			delete(rs.dust, k)
		}
	}
	if verified {
		rs.verified[venueName] = true
	}
}

func (rs *runState) setKnown(k posKey, pos venue.Position) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if pos.IsFlat() {
		delete(rs.lastKnown, k)
		return
	}
	rs.lastKnown[k] = pos
}

func (rs *runState) addDust(k posKey, pos venue.Position) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.dust[k] = pos
}

// snapshot keeps the first observation of a position, taken before any close.
func (rs *runState) snapshot(k posKey, pos venue.Position) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if _, ok := rs.snapshots[k]; !ok {
		rs.snapshots[k] = pos
	}
}

func (rs *runState) recordFill(k posKey, order venue.Order) {
	if order.Filled <= 0 || order.AvgPrice <= 0 {
		return
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	agg := rs.fills[k]
	agg.qty += order.Filled
	agg.notional += order.Filled * order.AvgPrice
	rs.fills[k] = agg
}

func (rs *runState) addCancelled(n int) {
	rs.mu.Lock()
	rs.ordersCancelled += n
	rs.mu.Unlock()
}

func (rs *runState) addTradeClosed() {
	rs.mu.Lock()
	rs.tradesClosed++
	rs.mu.Unlock()
}

func (rs *runState) counts() (positions, orders, trades int) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.positionsClosed, rs.ordersCancelled, rs.tradesClosed
}

func (rs *runState) allVerified(venues []string) bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	for _, name := range venues {
		if !rs.verified[name] {
			return false
		}
	}
	return true
}

// flatOn reports whether symbol is known flat on a verified venue.
func (rs *runState) flatOn(venueName, symbol string) bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if !rs.verified[venueName] {
		return false
	}
	k := keyOf(venueName, symbol)
	pos, ok := rs.lastKnown[k]
	return !ok || pos.IsFlat()
}

// pnlInputs returns the close prices and pre-close snapshots for symbol.
func (rs *runState) pnlInputs(symbol string) (map[string]float64, map[string]venue.Position) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	prices := make(map[string]float64)
	snaps := make(map[string]venue.Position)
	sym := strings.ToUpper(symbol)
	for k, agg := range rs.fills {
		if k.symbol == sym && agg.qty > 0 {
			prices[k.venue] = agg.notional / agg.qty
		}
	}
	for k, pos := range rs.snapshots {
		if k.symbol == sym {
			snaps[k.venue] = pos
		}
	}
	return prices, snaps
}

// exposure splits what is still open into remaining positions and dust.
func (rs *runState) exposure() (remaining, dust []state.VenuePosition) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	for k, pos := range rs.lastKnown {
		if math.Abs(pos.Size) <= venue.FlatEpsilon {
			continue
		}
		if _, isDust := rs.dust[k]; isDust {
			continue
		}
		remaining = append(remaining, state.VenuePosition{Venue: k.venue, Position: pos})
	}
	for k, pos := range rs.dust {
		dust = append(dust, state.VenuePosition{Venue: k.venue, Position: pos})
	}
	sortPositions(remaining)
	sortPositions(dust)
	return remaining, dust
}

func sortPositions(list []state.VenuePosition) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].Venue != list[j].Venue {
			return list[i].Venue < list[j].Venue
		}
		return list[i].Position.Symbol < list[j].Position.Symbol
	})
}
