// state.go holds the market-maker's mutable trading state: intended quotes,
// positions, the volatility window, uptime/rebate scoring, and the
// breakeven entry memo. One coarse mutex guards everything — the tick loop
// and the fill pipeline are the only writers and neither holds the lock
// across I/O.
package strategy

import (
	"fmt"
	"math"
	"sync"
	"time"

	"perp-mm/pkg/types"
)

// IntendedOrder is one side's resting quote as the executor believes it
// exists on the venue.
type IntendedOrder struct {
	Order       types.Order
	PlacedAt    time.Time
	RepricedAt  time.Time // last stale-reversion reprice, zero if never
	IsBreakeven bool      // quoted at entry price rather than by skew
}

// midSample is one mid-price observation in the volatility window.
type midSample struct {
	mid float64
	at  time.Time
}

// Uptime scoring tiers: time quoted within a distance band of the mid
// earns weighted credit. Beyond the last band earns nothing.
var uptimeTiers = []struct {
	MaxBps float64
	Weight float64
}{
	{10, 1.0},
	{30, 0.5},
	{100, 0.1},
}

// UptimeStats accumulates weighted quote-presence time per distance tier.
type UptimeStats struct {
	TierSeconds    [4]float64 `json:"tier_seconds"` // index 3 = beyond all tiers
	NoQuoteSeconds float64    `json:"no_quote_seconds"`
	WeightedScore  float64    `json:"weighted_score"`
	TotalSeconds   float64    `json:"total_seconds"`
}

// RebateStats accumulates fill economics for rebate-mode reporting.
type RebateStats struct {
	Fills           int     `json:"fills"`
	MakerFills      int     `json:"maker_fills"`
	TakerFills      int     `json:"taker_fills"`
	UnknownFills    int     `json:"unknown_fills"`
	Volume          float64 `json:"volume"` // base qty
	NotionalUSD     float64 `json:"notional_usd"`
	MakerFeesUSD    float64 `json:"maker_fees_usd"` // negative = rebate earned
	TakerFeesUSD    float64 `json:"taker_fees_usd"`
	PostOnlyRejects int     `json:"post_only_rejects"`
	HedgeFeesUSD    float64 `json:"hedge_fees_usd"`
	SlippageUSD     float64 `json:"slippage_usd"`
}

// Operation is one entry of the recent-activity ring exposed by the API.
type Operation struct {
	Time    time.Time `json:"time"`
	Kind    string    `json:"kind"` // place/cancel/fill/hedge/pause/resume/...
	Summary string    `json:"summary"`
}

const historySize = 50

// MMState is the executor's trading state for one symbol.
type MMState struct {
	mu sync.Mutex

	symbol string

	// Intended resting quotes, at most one per side.
	intended map[types.Side]*IntendedOrder

	// Positions keyed "venue:symbol". Quantities signed.
	positions map[string]types.Position

	// Volatility window over recent mids.
	window    []midSample
	windowDur time.Duration

	// Breakeven entry memo: price and direction of the fill that opened
	// the current exposure. Cleared when the position zeroes or flips.
	entryPrice float64
	entrySide  types.Side

	uptime  UptimeStats
	rebate  RebateStats
	history []Operation
	histPos int
}

// NewMMState creates state for one symbol with the given volatility window.
func NewMMState(symbol string, windowSec int) *MMState {
	if windowSec <= 0 {
		windowSec = 60
	}
	return &MMState{
		symbol:    symbol,
		intended:  make(map[types.Side]*IntendedOrder),
		positions: make(map[string]types.Position),
		windowDur: time.Duration(windowSec) * time.Second,
		history:   make([]Operation, 0, historySize),
	}
}

// ————————————————————————————————————————————————————————————————————————
// Intended orders
// ————————————————————————————————————————————————————————————————————————

// SetIntended records a newly placed quote. Fails if the side already has
// one: the caller must clear or cancel first, so two live quotes on one
// side can never be tracked.
func (s *MMState) SetIntended(io *IntendedOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.intended[io.Order.Side]; exists {
		return fmt.Errorf("side %s already has an intended order", io.Order.Side)
	}
	s.intended[io.Order.Side] = io
	return nil
}

// Intended returns the side's quote, or nil.
func (s *MMState) Intended(side types.Side) *IntendedOrder {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.intended[side]
}

// ClearIntended removes the side's quote.
func (s *MMState) ClearIntended(side types.Side) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.intended, side)
}

// ClearAllIntended removes both sides.
func (s *MMState) ClearAllIntended() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.intended = make(map[types.Side]*IntendedOrder)
}

// IntendedOrders returns copies of all live quotes.
func (s *MMState) IntendedOrders() []IntendedOrder {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]IntendedOrder, 0, len(s.intended))
	for _, io := range s.intended {
		out = append(out, *io)
	}
	return out
}

// MarkRepriced stamps the side's quote with a reprice time.
func (s *MMState) MarkRepriced(side types.Side, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if io, ok := s.intended[side]; ok {
		io.RepricedAt = at
	}
}

// RecordIntendedFill folds an execution into the side's tracked quote so
// Remaining reflects only unexecuted quantity. Fills for a different order
// are ignored.
func (s *MMState) RecordIntendedFill(side types.Side, orderID string, qty float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	io, ok := s.intended[side]
	if !ok || io.Order.OrderID != orderID {
		return
	}
	io.Order.FilledQty = math.Min(io.Order.FilledQty+qty, io.Order.Quantity)
}

// ————————————————————————————————————————————————————————————————————————
// Positions
// ————————————————————————————————————————————————————————————————————————

func posKey(venue, symbol string) string { return venue + ":" + symbol }

// SetPosition records a venue position snapshot.
func (s *MMState) SetPosition(p types.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[posKey(p.Venue, p.Symbol)] = p
}

// Position returns the signed quantity on a venue, 0 if unknown.
func (s *MMState) Position(venue, symbol string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.positions[posKey(venue, symbol)].Quantity
}

// PositionRecord returns the full snapshot and whether one exists.
func (s *MMState) PositionRecord(venue, symbol string) (types.Position, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[posKey(venue, symbol)]
	return p, ok
}

// Positions returns all tracked position snapshots.
func (s *MMState) Positions() []types.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Position, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, p)
	}
	return out
}

// ApplyFillToPosition adjusts the primary-venue position by a fill delta.
// Used between position polls so skew reacts to fills immediately.
func (s *MMState) ApplyFillToPosition(venue string, fill types.FillEvent) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := posKey(venue, fill.Symbol)
	p := s.positions[key]
	p.Venue = venue
	p.Symbol = fill.Symbol
	if fill.Side == types.BUY {
		p.Quantity += fill.FillQty
	} else {
		p.Quantity -= fill.FillQty
	}
	p.UpdatedAt = time.Now()
	s.positions[key] = p
	return p.Quantity
}

// ————————————————————————————————————————————————————————————————————————
// Volatility window
// ————————————————————————————————————————————————————————————————————————

// ObserveMid appends a mid-price sample and evicts expired ones.
func (s *MMState) ObserveMid(mid float64, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.window = append(s.window, midSample{mid: mid, at: at})
	s.evictLocked(at)
}

// Volatility returns (max-min)/avg over the window, in bps. Returns 0 until
// at least two samples exist.
func (s *MMState) Volatility() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictLocked(time.Now())
	if len(s.window) < 2 {
		return 0
	}
	min, max, sum := s.window[0].mid, s.window[0].mid, 0.0
	for _, w := range s.window {
		if w.mid < min {
			min = w.mid
		}
		if w.mid > max {
			max = w.mid
		}
		sum += w.mid
	}
	avg := sum / float64(len(s.window))
	if avg == 0 {
		return 0
	}
	return (max - min) / avg * 10000
}

func (s *MMState) evictLocked(now time.Time) {
	cutoff := now.Add(-s.windowDur)
	i := 0
	for i < len(s.window) && s.window[i].at.Before(cutoff) {
		i++
	}
	s.window = s.window[i:]
}

// ————————————————————————————————————————————————————————————————————————
// Breakeven entry memo
// ————————————————————————————————————————————————————————————————————————

// RecordEntry remembers the latest opening fill for breakeven quoting.
// A newer fill overwrites the previous memo.
func (s *MMState) RecordEntry(price float64, side types.Side) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entryPrice = price
	s.entrySide = side
}

// Entry returns the entry memo, or ok=false if none is held.
func (s *MMState) Entry() (price float64, side types.Side, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entryPrice == 0 {
		return 0, "", false
	}
	return s.entryPrice, s.entrySide, true
}

// ClearEntry drops the memo. Called when the position zeroes or flips.
func (s *MMState) ClearEntry() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entryPrice = 0
	s.entrySide = ""
}

// ————————————————————————————————————————————————————————————————————————
// Scoring
// ————————————————————————————————————————————————————————————————————————

// AccrueUptime credits elapsed quote-presence time to the tier matching the
// worst (farthest) live quote distance from mid, in bps. +Inf means nothing
// was resting at all, which is tracked apart from far-but-present quotes.
func (s *MMState) AccrueUptime(distanceBps float64, elapsed time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sec := elapsed.Seconds()
	s.uptime.TotalSeconds += sec
	if math.IsInf(distanceBps, 1) {
		s.uptime.NoQuoteSeconds += sec
		return
	}
	for i, tier := range uptimeTiers {
		if distanceBps <= tier.MaxBps {
			s.uptime.TierSeconds[i] += sec
			s.uptime.WeightedScore += sec * tier.Weight
			return
		}
	}
	s.uptime.TierSeconds[len(uptimeTiers)] += sec
}

// Uptime returns a copy of the uptime accumulators.
func (s *MMState) Uptime() UptimeStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uptime
}

// RecordFill updates rebate statistics for one execution. Fee rates are in
// bps of notional, negative meaning a rebate; fills of unknown liquidity
// are priced at the taker rate.
func (s *MMState) RecordFill(fill types.FillEvent, makerBps, takerBps float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rebate.Fills++
	notional := fill.FillQty * fill.FillPrice
	switch fill.IsMaker {
	case types.MakerYes:
		s.rebate.MakerFills++
		s.rebate.MakerFeesUSD += notional * makerBps / 10000
	case types.MakerNo:
		s.rebate.TakerFills++
		s.rebate.TakerFeesUSD += notional * takerBps / 10000
	default:
		s.rebate.UnknownFills++
		s.rebate.TakerFeesUSD += notional * takerBps / 10000
	}
	s.rebate.Volume += fill.FillQty
	s.rebate.NotionalUSD += notional
}

// RecordPostOnlyReject counts a rejected post-only placement.
func (s *MMState) RecordPostOnlyReject() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rebate.PostOnlyRejects++
}

// RecordHedgeCost accumulates hedge fees and slippage in USD.
func (s *MMState) RecordHedgeCost(feeUSD, slippageUSD float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rebate.HedgeFeesUSD += feeUSD
	s.rebate.SlippageUSD += slippageUSD
}

// Rebate returns a copy of the rebate accumulators.
func (s *MMState) Rebate() RebateStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rebate
}

// ————————————————————————————————————————————————————————————————————————
// Operation history
// ————————————————————————————————————————————————————————————————————————

// LogOp appends an operation to the fixed-size history ring.
func (s *MMState) LogOp(kind, format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	op := Operation{Time: time.Now(), Kind: kind, Summary: fmt.Sprintf(format, args...)}
	if len(s.history) < historySize {
		s.history = append(s.history, op)
	} else {
		s.history[s.histPos] = op
		s.histPos = (s.histPos + 1) % historySize
	}
}

// History returns operations oldest-first.
func (s *MMState) History() []Operation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Operation, 0, len(s.history))
	if len(s.history) < historySize {
		out = append(out, s.history...)
		return out
	}
	out = append(out, s.history[s.histPos:]...)
	out = append(out, s.history[:s.histPos]...)
	return out
}
