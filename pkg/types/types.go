// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the engine — sides, order
// lifecycles, orderbook snapshots, positions, fills, hedge results, and
// arbitrage candidates. It has no dependencies on internal packages, so it
// can be imported by any layer.
package types

import (
	"time"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == BUY {
		return SELL
	}
	return BUY
}

// OrderType enumerates the supported order kinds.
type OrderType string

const (
	OrderTypeMarket   OrderType = "MARKET"
	OrderTypeLimit    OrderType = "LIMIT"
	OrderTypePostOnly OrderType = "POST_ONLY" // limit that fails rather than crossing
)

// TimeInForce enumerates order lifetimes.
type TimeInForce string

const (
	TIFGTC TimeInForce = "GTC"
	TIFIOC TimeInForce = "IOC"
	TIFFOK TimeInForce = "FOK"
)

// OrderStatus is the lifecycle state of an order as seen locally.
// StatusUnknownDisappeared is local-only: the order vanished from the
// venue's open list and the executor has not yet classified the cause.
type OrderStatus string

const (
	StatusPending            OrderStatus = "PENDING"
	StatusOpen               OrderStatus = "OPEN"
	StatusPartiallyFilled    OrderStatus = "PARTIALLY_FILLED"
	StatusFilled             OrderStatus = "FILLED"
	StatusCancelled          OrderStatus = "CANCELLED"
	StatusRejected           OrderStatus = "REJECTED"
	StatusExpired            OrderStatus = "EXPIRED"
	StatusUnknownDisappeared OrderStatus = "UNKNOWN_DISAPPEARED"
)

// Terminal reports whether the status can no longer change on the venue.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// ————————————————————————————————————————————————————————————————————————
// Orderbook
// ————————————————————————————————————————————————————————————————————————

// PriceLevel is a single bid or ask level.
type PriceLevel struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// Orderbook is a point-in-time depth snapshot for one symbol on one venue.
// Bids are sorted descending, asks ascending.
type Orderbook struct {
	Symbol    string       `json:"symbol"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	Timestamp time.Time    `json:"timestamp"`
}

// BestBid returns the top-of-book bid, or false if the side is empty.
func (b *Orderbook) BestBid() (PriceLevel, bool) {
	if len(b.Bids) == 0 {
		return PriceLevel{}, false
	}
	return b.Bids[0], true
}

// BestAsk returns the top-of-book ask, or false if the side is empty.
func (b *Orderbook) BestAsk() (PriceLevel, bool) {
	if len(b.Asks) == 0 {
		return PriceLevel{}, false
	}
	return b.Asks[0], true
}

// MidPrice returns (bestBid + bestAsk) / 2, or false if either side is empty.
func (b *Orderbook) MidPrice() (float64, bool) {
	bid, okB := b.BestBid()
	ask, okA := b.BestAsk()
	if !okB || !okA {
		return 0, false
	}
	return (bid.Price + ask.Price) / 2, true
}

// Spread returns bestAsk - bestBid, or false if either side is empty.
func (b *Orderbook) Spread() (float64, bool) {
	bid, okB := b.BestBid()
	ask, okA := b.BestAsk()
	if !okB || !okA {
		return 0, false
	}
	return ask.Price - bid.Price, true
}

// SpreadBps returns the spread in basis points of the mid.
func (b *Orderbook) SpreadBps() (float64, bool) {
	spread, ok := b.Spread()
	if !ok {
		return 0, false
	}
	mid, ok := b.MidPrice()
	if !ok || mid == 0 {
		return 0, false
	}
	return spread / mid * 10000, true
}

// ————————————————————————————————————————————————————————————————————————
// Orders, positions, balances
// ————————————————————————————————————————————————————————————————————————

// Order is the venue-acknowledged order record returned by adapters.
type Order struct {
	OrderID       string      `json:"order_id"`
	ClientOrderID string      `json:"client_order_id"`
	Symbol        string      `json:"symbol"`
	Side          Side        `json:"side"`
	Type          OrderType   `json:"type"`
	Price         float64     `json:"price"` // 0 for market orders
	Quantity      float64     `json:"quantity"`
	FilledQty     float64     `json:"filled_qty"`
	AvgFillPrice  float64     `json:"avg_fill_price"`
	Status        OrderStatus `json:"status"`
	ReduceOnly    bool        `json:"reduce_only"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// Remaining returns the unfilled quantity.
func (o *Order) Remaining() float64 {
	r := o.Quantity - o.FilledQty
	if r < 0 {
		return 0
	}
	return r
}

// OrderRequest is the adapter-level placement request.
type OrderRequest struct {
	Symbol        string
	Side          Side
	Type          OrderType
	Quantity      float64
	Price         float64 // ignored for market orders
	TimeInForce   TimeInForce
	ReduceOnly    bool
	PostOnly      bool
	ClientOrderID string // accepted verbatim when supplied
}

// Position is a signed base-asset quantity on one venue:
// positive long, negative short.
type Position struct {
	Venue         string    `json:"venue"`
	Symbol        string    `json:"symbol"`
	Quantity      float64   `json:"quantity"`
	EntryPrice    float64   `json:"entry_price"`
	MarkPrice     float64   `json:"mark_price"`
	UnrealizedPnL float64   `json:"unrealized_pnl"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Balance is an account-level summary on one venue.
type Balance struct {
	Total         float64 `json:"total"`
	Available     float64 `json:"available"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
}

// SymbolSpec describes a venue's trading constraints for one symbol.
// Adapters must round quantities down to QtyStep and prices to PriceTick
// (bid floors, ask ceils) before submission.
type SymbolSpec struct {
	Symbol    string  `json:"symbol"`
	PriceTick float64 `json:"price_tick"`
	QtyStep   float64 `json:"qty_step"`
	MinQty    float64 `json:"min_qty"`
}

// ————————————————————————————————————————————————————————————————————————
// Fills
// ————————————————————————————————————————————————————————————————————————

// MakerFlag is the tri-state maker/taker attribution of a fill.
// Poll-synthesized fills cannot observe liquidity role, hence MakerUnknown.
type MakerFlag int

const (
	MakerUnknown MakerFlag = iota
	MakerYes
	MakerNo
)

// FillEvent is a single execution, delivered by push stream or synthesized
// from a position delta between polling ticks.
type FillEvent struct {
	OrderID       string    `json:"order_id"`
	ClientOrderID string    `json:"client_order_id"`
	Symbol        string    `json:"symbol"`
	Side          Side      `json:"side"`
	FillQty       float64   `json:"fill_qty"`
	FillPrice     float64   `json:"fill_price"`
	RemainingQty  float64   `json:"remaining_qty"`
	IsFullyFilled bool      `json:"is_fully_filled"`
	IsMaker       MakerFlag `json:"is_maker"`
	Timestamp     time.Time `json:"timestamp"`
}

// OrderStateEvent is a push-stream order lifecycle notification.
type OrderStateEvent struct {
	OrderID       string      `json:"order_id"`
	ClientOrderID string      `json:"client_order_id"`
	Symbol        string      `json:"symbol"`
	Side          Side        `json:"side"`
	Status        OrderStatus `json:"status"`
	FilledQty     float64     `json:"filled_qty"`
	Timestamp     time.Time   `json:"timestamp"`
}

// ————————————————————————————————————————————————————————————————————————
// Hedging
// ————————————————————————————————————————————————————————————————————————

// HedgeStatus is the outcome classification of one hedge attempt sequence.
type HedgeStatus string

const (
	HedgePending         HedgeStatus = "PENDING"
	HedgeFilled          HedgeStatus = "FILLED"
	HedgeFailed          HedgeStatus = "FAILED"
	HedgeTimeout         HedgeStatus = "TIMEOUT"
	HedgeRiskControl     HedgeStatus = "RISK_CONTROL"
	HedgeWaitingRecovery HedgeStatus = "WAITING_RECOVERY"
	HedgePartialFallback HedgeStatus = "PARTIAL_FALLBACK"
	HedgeFallbackFailed  HedgeStatus = "FALLBACK_FAILED"
)

// HedgeResult reports the outcome of one execute-hedge call.
// SlippageBps is signed so that positive is always a loss to the hedger.
type HedgeResult struct {
	Success       bool        `json:"success"`
	Status        HedgeStatus `json:"status"`
	SourceFillID  string      `json:"source_fill_id"`
	RequestedQty  float64     `json:"requested_qty"`
	NormalizedQty float64     `json:"normalized_qty"`
	HedgeSide     Side        `json:"hedge_side"`
	HedgeSymbol   string      `json:"hedge_symbol"`
	HedgeOrderID  string      `json:"hedge_order_id"`
	FillPrice     float64     `json:"fill_price"`
	SlippageBps   float64     `json:"slippage_bps"`
	Attempts      int         `json:"attempts"`
	LatencyMs     float64     `json:"latency_ms"`
	Error         string      `json:"error,omitempty"`
}

// ————————————————————————————————————————————————————————————————————————
// Arbitrage
// ————————————————————————————————————————————————————————————————————————

// MarketData is the monitor's per-(venue, symbol) top-of-book sample.
type MarketData struct {
	Venue     string    `json:"venue"`
	Symbol    string    `json:"symbol"`
	BestBid   float64   `json:"best_bid"`
	BestAsk   float64   `json:"best_ask"`
	BidSize   float64   `json:"bid_size"`
	AskSize   float64   `json:"ask_size"`
	SpreadPct float64   `json:"spread_pct"`
	Timestamp time.Time `json:"timestamp"`
}

// ArbitrageOpportunity is a detected cross-venue price dislocation:
// buy at BuyVenue's ask, sell at SellVenue's bid.
type ArbitrageOpportunity struct {
	BuyVenue         string    `json:"buy_venue"`
	SellVenue        string    `json:"sell_venue"`
	Symbol           string    `json:"symbol"`
	BuyPrice         float64   `json:"buy_price"`
	SellPrice        float64   `json:"sell_price"`
	ProfitUSD        float64   `json:"profit_usd"` // per-unit profit × max qty
	ProfitPct        float64   `json:"profit_pct"`
	MaxExecutableQty float64   `json:"max_executable_qty"`
	Timestamp        time.Time `json:"timestamp"`
}

// ————————————————————————————————————————————————————————————————————————
// Executor FSM
// ————————————————————————————————————————————————————————————————————————

// ExecutorState is the market-maker executor's scheduler state.
type ExecutorState string

const (
	StateStopped  ExecutorState = "STOPPED"
	StateStarting ExecutorState = "STARTING"
	StateRunning  ExecutorState = "RUNNING"
	StatePaused   ExecutorState = "PAUSED"
	StateHedging  ExecutorState = "HEDGING"
	StateError    ExecutorState = "ERROR"
)

// PauseReason distinguishes why the executor is in PAUSED.
type PauseReason string

const (
	PauseNone       PauseReason = ""
	PauseVolatility PauseReason = "VOLATILITY"
	PauseHardStop   PauseReason = "HARD_STOP"
)

// StrategyMode selects the quote-geometry strategy.
type StrategyMode string

const (
	ModeUptime StrategyMode = "uptime" // time-in-tight-spread rewards
	ModeRebate StrategyMode = "rebate" // fill volume against maker rebate
)

// Aggressiveness selects the rebate-mode base quote distance in bps.
type Aggressiveness string

const (
	Aggressive   Aggressiveness = "aggressive"   // 0 bps
	Moderate     Aggressiveness = "moderate"     // 1 bps
	Conservative Aggressiveness = "conservative" // 2 bps
)

// BaseBps returns the rebate-mode quote distance for this level.
func (a Aggressiveness) BaseBps() float64 {
	switch a {
	case Aggressive:
		return 0
	case Conservative:
		return 2
	default:
		return 1
	}
}

// FillCancelPolicy controls what happens to resting quotes after a fill.
type FillCancelPolicy string

const (
	CancelAll      FillCancelPolicy = "all"
	CancelOpposite FillCancelPolicy = "opposite"
	CancelNone     FillCancelPolicy = "none"
)
