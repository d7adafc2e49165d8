// hedge.go mirrors primary-venue fills onto the hedge venue.
//
// Every fill produces one ExecuteHedge call: a market order on the opposite
// side, sized to the fill after step normalization. Confirmation is
// two-phase — submit with a short deadline, then poll the order until the
// attempt budget runs out. A vanished order is cross-checked against the
// open-order list before the engine will optimistically assume a fill, and
// it will assume so at most once per hedge.
//
// When all attempts fail the engine degrades instead of looping: if the
// unhedged primary exposure exceeds the configured hard limit it sheds half
// of that limit with a reduce-only market order on the primary venue;
// otherwise it parks in waiting-recovery and probes the hedge venue until
// it answers consistently again.
package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"perp-mm/internal/config"
	"perp-mm/internal/exchange"
	"perp-mm/pkg/types"
)

const (
	hedgePollInterval    = 100 * time.Millisecond
	minSubmitBudget      = 500 * time.Millisecond
	recoveryProbeSpacing = 2 * time.Second
	recoveryProbesNeeded = 3
)

// HedgeStats aggregates hedge outcomes for reporting.
type HedgeStats struct {
	Attempted      int     `json:"attempted"`
	Succeeded      int     `json:"succeeded"`
	Failed         int     `json:"failed"`
	BelowMin       int     `json:"below_min"`
	Fallbacks      int     `json:"fallbacks"`
	TotalSlipBps   float64 `json:"total_slippage_bps"`
	WorstSlipBps   float64 `json:"worst_slippage_bps"`
	TotalHedgedQty float64 `json:"total_hedged_qty"`
}

// HedgeEngine executes hedges on one venue pair.
type HedgeEngine struct {
	primary exchange.Adapter
	hedge   exchange.Adapter
	cfg     config.HedgeConfig
	symbol  string // primary symbol
	hsymbol string // hedge-venue canonical symbol
	logger  *slog.Logger

	mu             sync.Mutex
	stats          HedgeStats
	waitingSince   time.Time // zero when healthy
	lastProbe      time.Time
	probeStreak    int
	optimisticUsed bool // reset per hedge
}

// NewHedgeEngine wires a hedge engine for one primary symbol. The hedge
// symbol comes from the config symbol map, falling back to the primary
// symbol unchanged (the adapter normalizes to its native form).
func NewHedgeEngine(primary, hedge exchange.Adapter, cfg config.HedgeConfig, symbol, hedgeSymbol string, logger *slog.Logger) *HedgeEngine {
	hs := hedgeSymbol
	if mapped, ok := cfg.SymbolMap[symbol]; ok {
		hs = mapped
	}
	if hs == "" {
		hs = symbol
	}
	return &HedgeEngine{
		primary: primary,
		hedge:   hedge,
		cfg:     cfg,
		symbol:  symbol,
		hsymbol: hs,
		logger:  logger.With("component", "hedge", "symbol", symbol),
	}
}

// HedgeSymbol returns the canonical symbol used on the hedge venue.
func (h *HedgeEngine) HedgeSymbol() string { return h.hsymbol }

// VenueName returns the name of the venue hedges are placed on.
func (h *HedgeEngine) VenueName() string { return h.hedge.Name() }

// Waiting reports whether the engine is parked in waiting-recovery.
func (h *HedgeEngine) Waiting() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.waitingSince.IsZero()
}

// Stats returns a copy of the accumulated hedge statistics.
func (h *HedgeEngine) Stats() HedgeStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats
}

// ExecuteHedge mirrors one fill onto the hedge venue. Always returns a
// result; Success=false results carry the terminal status and error text.
func (h *HedgeEngine) ExecuteHedge(ctx context.Context, fill types.FillEvent) types.HedgeResult {
	start := time.Now()
	side := fill.Side.Opposite()
	res := types.HedgeResult{
		Status:       types.HedgePending,
		SourceFillID: fill.OrderID,
		RequestedQty: fill.FillQty,
		HedgeSide:    side,
		HedgeSymbol:  h.hsymbol,
	}

	h.mu.Lock()
	h.stats.Attempted++
	h.optimisticUsed = false
	h.mu.Unlock()

	spec, err := h.hedge.SymbolSpec(ctx, h.hsymbol)
	if err != nil {
		return h.finish(ctx, res, start, fmt.Errorf("hedge symbol spec: %w", err))
	}

	qty := exchange.FloorToStep(fill.FillQty, spec.QtyStep)
	res.NormalizedQty = qty
	if qty < spec.MinQty || qty <= 0 {
		h.mu.Lock()
		h.stats.BelowMin++
		h.mu.Unlock()
		res.Status = types.HedgeFailed
		res.Error = fmt.Sprintf("qty %.8f below venue min %.8f", qty, spec.MinQty)
		res.LatencyMs = msSince(start)
		h.logger.Warn("hedge skipped, qty below min", "qty", qty, "min", spec.MinQty)
		return res
	}

	expected := h.expectedPrice(ctx, side, fill.FillPrice)

	var lastErr error
	for attempt := 1; attempt <= h.cfg.MaxRetries; attempt++ {
		res.Attempts = attempt
		order, err := h.attempt(ctx, side, qty)
		if err == nil {
			res.Success = true
			res.Status = types.HedgeFilled
			res.HedgeOrderID = order.OrderID
			res.FillPrice = order.AvgFillPrice
			res.SlippageBps = SlippageBps(side, expected, order.AvgFillPrice)
			res.LatencyMs = msSince(start)

			h.mu.Lock()
			h.stats.Succeeded++
			h.stats.TotalHedgedQty += qty
			h.stats.TotalSlipBps += res.SlippageBps
			if res.SlippageBps > h.stats.WorstSlipBps {
				h.stats.WorstSlipBps = res.SlippageBps
			}
			h.mu.Unlock()

			h.logger.Info("hedge filled",
				"side", side, "qty", qty,
				"price", order.AvgFillPrice, "slippage_bps", res.SlippageBps,
				"attempts", attempt,
			)
			return res
		}
		lastErr = err
		h.logger.Warn("hedge attempt failed", "attempt", attempt, "error", err)

		if attempt < h.cfg.MaxRetries {
			select {
			case <-ctx.Done():
				return h.finish(ctx, res, start, ctx.Err())
			case <-time.After(h.cfg.RetryDelay):
			}
		}
	}

	return h.finish(ctx, res, start, lastErr)
}

// attempt submits one market order and confirms it within the attempt budget.
func (h *HedgeEngine) attempt(ctx context.Context, side types.Side, qty float64) (*types.Order, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, h.cfg.Timeout)
	defer cancel()

	// Phase A: submit with a fraction of the budget so a slow ack still
	// leaves time to confirm.
	submitBudget := time.Duration(float64(h.cfg.Timeout) * 0.3)
	if submitBudget < minSubmitBudget {
		submitBudget = minSubmitBudget
	}
	submitCtx, cancelSubmit := context.WithTimeout(attemptCtx, submitBudget)
	order, err := h.hedge.PlaceOrder(submitCtx, types.OrderRequest{
		Symbol:   h.hsymbol,
		Side:     side,
		Type:     types.OrderTypeMarket,
		Quantity: qty,
	})
	cancelSubmit()
	if err != nil {
		return nil, fmt.Errorf("submit: %w", err)
	}
	if order.Status == types.StatusFilled && order.AvgFillPrice > 0 {
		return order, nil
	}

	// Phase B: poll until terminal or the attempt budget runs out.
	ticker := time.NewTicker(hedgePollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-attemptCtx.Done():
			return nil, fmt.Errorf("confirm timeout for order %s", order.OrderID)
		case <-ticker.C:
		}

		got, err := h.hedge.GetOrder(attemptCtx, h.hsymbol, order.OrderID)
		if err != nil {
			if exchange.IsKind(err, exchange.ErrOrderNotFound) {
				done, ferr := h.resolveVanished(attemptCtx, order)
				if ferr != nil {
					return nil, ferr
				}
				if done != nil {
					return done, nil
				}
				continue
			}
			h.logger.Debug("hedge order poll failed", "error", err)
			continue
		}

		switch {
		case got.Status == types.StatusFilled,
			got.Status.Terminal() && got.FilledQty > 0:
			return got, nil
		case got.Status == types.StatusCancelled,
			got.Status == types.StatusRejected,
			got.Status == types.StatusExpired:
			return nil, fmt.Errorf("order %s terminal without fill: %s", got.OrderID, got.Status)
		}
	}
}

// resolveVanished handles a market order the venue no longer reports.
// If it is also absent from the open list, it is assumed filled — but only
// once per hedge, so a venue that drops orders cannot fake repeated fills.
func (h *HedgeEngine) resolveVanished(ctx context.Context, order *types.Order) (*types.Order, error) {
	open, err := h.hedge.GetOpenOrders(ctx, h.hsymbol)
	if err != nil {
		return nil, fmt.Errorf("cross-check open orders: %w", err)
	}
	for _, o := range open {
		if o.OrderID == order.OrderID {
			return nil, nil // still open, keep polling
		}
	}

	h.mu.Lock()
	used := h.optimisticUsed
	h.optimisticUsed = true
	h.mu.Unlock()
	if used {
		return nil, fmt.Errorf("order %s vanished twice, refusing optimistic fill", order.OrderID)
	}

	h.logger.Warn("hedge order absent from both queries, assuming filled", "order_id", order.OrderID)
	filled := *order
	filled.Status = types.StatusFilled
	filled.FilledQty = order.Quantity
	if filled.AvgFillPrice == 0 {
		filled.AvgFillPrice = order.Price
	}
	return &filled, nil
}

// finish classifies an exhausted hedge: shed primary exposure if it breaches
// the hard unhedged limit, otherwise park in waiting-recovery.
func (h *HedgeEngine) finish(ctx context.Context, res types.HedgeResult, start time.Time, cause error) types.HedgeResult {
	res.LatencyMs = msSince(start)
	if cause != nil {
		res.Error = cause.Error()
	}

	h.mu.Lock()
	h.stats.Failed++
	h.mu.Unlock()

	positions, err := h.primary.GetPositions(ctx, h.symbol)
	if err != nil {
		h.logger.Error("risk control: primary position fetch failed", "error", err)
		h.enterWaiting()
		res.Status = types.HedgeWaitingRecovery
		return res
	}
	var pos float64
	for _, p := range positions {
		if p.Symbol == h.symbol {
			pos = p.Quantity
		}
	}

	if math.Abs(pos) <= h.cfg.MaxUnhedgedPosition || h.cfg.MaxUnhedgedPosition <= 0 {
		h.enterWaiting()
		res.Status = types.HedgeWaitingRecovery
		h.logger.Warn("hedge exhausted, waiting for venue recovery",
			"unhedged", pos, "limit", h.cfg.MaxUnhedgedPosition, "error", res.Error)
		return res
	}

	// Exposure breaches the hard limit: shed down to half the limit with a
	// reduce-only market order on the primary venue.
	target := h.cfg.MaxUnhedgedPosition * 0.5
	shedQty := math.Abs(pos) - target
	side := types.SELL
	if pos < 0 {
		side = types.BUY
	}

	h.logger.Error("hedge exhausted with exposure over hard limit, shedding on primary",
		"position", pos, "shed_qty", shedQty, "side", side)

	_, err = h.primary.PlaceOrder(ctx, types.OrderRequest{
		Symbol:     h.symbol,
		Side:       side,
		Type:       types.OrderTypeMarket,
		Quantity:   shedQty,
		ReduceOnly: true,
	})
	h.enterWaiting()
	h.mu.Lock()
	h.stats.Fallbacks++
	h.mu.Unlock()
	if err != nil {
		res.Status = types.HedgeFallbackFailed
		res.Error = fmt.Sprintf("%s; fallback: %v", res.Error, err)
		return res
	}
	res.Status = types.HedgePartialFallback
	return res
}

func (h *HedgeEngine) enterWaiting() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.waitingSince.IsZero() {
		h.waitingSince = time.Now()
	}
	h.probeStreak = 0
}

// CheckRecovery probes the hedge venue while in waiting-recovery. Probes are
// spaced at least two seconds apart, and the venue must answer both the
// symbol listing and the position query three consecutive times before the
// engine declares itself healthy. Returns true once recovered.
func (h *HedgeEngine) CheckRecovery(ctx context.Context) bool {
	h.mu.Lock()
	if h.waitingSince.IsZero() {
		h.mu.Unlock()
		return true
	}
	if time.Since(h.lastProbe) < recoveryProbeSpacing {
		h.mu.Unlock()
		return false
	}
	h.lastProbe = time.Now()
	h.mu.Unlock()

	_, specErr := h.hedge.SymbolSpec(ctx, h.hsymbol)
	var posErr error
	if specErr == nil {
		_, posErr = h.hedge.GetPositions(ctx, h.hsymbol)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if specErr != nil || posErr != nil {
		h.probeStreak = 0
		return false
	}
	h.probeStreak++
	if h.probeStreak < recoveryProbesNeeded {
		return false
	}
	h.logger.Info("hedge venue recovered", "downtime", time.Since(h.waitingSince).Round(time.Second))
	h.waitingSince = time.Time{}
	h.probeStreak = 0
	return true
}

// expectedPrice is the hedge-venue touch at submit time, falling back to the
// primary fill price when the book is unavailable.
func (h *HedgeEngine) expectedPrice(ctx context.Context, side types.Side, fillPrice float64) float64 {
	book, err := h.hedge.GetOrderbook(ctx, h.hsymbol, 5)
	if err == nil {
		if side == types.BUY {
			if ask, ok := book.BestAsk(); ok {
				return ask.Price
			}
		} else {
			if bid, ok := book.BestBid(); ok {
				return bid.Price
			}
		}
	}
	return fillPrice
}

// SlippageBps is signed so positive is always a loss to the hedger: paying
// above expected on a buy, or receiving below expected on a sell.
func SlippageBps(side types.Side, expected, fill float64) float64 {
	if expected <= 0 || fill <= 0 {
		return 0
	}
	if side == types.BUY {
		return (fill - expected) / expected * 10000
	}
	return (expected - fill) / expected * 10000
}

func msSince(t time.Time) float64 {
	return float64(time.Since(t).Microseconds()) / 1000.0
}
