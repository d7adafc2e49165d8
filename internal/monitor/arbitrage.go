// arbitrage.go executes detected cross-venue dislocations.
//
// The executor takes a detection batch, picks the most profitable candidate
// that clears the profit and size floors, and fires both legs concurrently
// as market orders under one execution deadline. Unless auto-execute is on
// (and the engine is not in dry-run), execution stops at logging the trade
// it would have made.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"perp-mm/internal/config"
	"perp-mm/internal/exchange"
	"perp-mm/pkg/types"
)

// ExecutionResult reports one two-legged arbitrage attempt.
type ExecutionResult struct {
	Opportunity types.ArbitrageOpportunity `json:"opportunity"`
	Executed    bool                       `json:"executed"` // false for dry-run / skipped
	Qty         float64                    `json:"qty"`
	BuyOrderID  string                     `json:"buy_order_id,omitempty"`
	SellOrderID string                     `json:"sell_order_id,omitempty"`
	LatencyMs   float64                    `json:"latency_ms"`
	Error       string                     `json:"error,omitempty"`
}

// ArbStats aggregates execution outcomes.
type ArbStats struct {
	Considered int     `json:"considered"`
	Skipped    int     `json:"skipped"`
	Executed   int     `json:"executed"`
	Failed     int     `json:"failed"`
	ProfitUSD  float64 `json:"profit_usd"` // estimated, from detection prices
}

// ArbExecutor fires both legs of the best candidate in a batch.
type ArbExecutor struct {
	adapters map[string]exchange.Adapter
	cfg      config.ArbitrageConfig
	dryRun   bool
	logger   *slog.Logger

	mu    sync.Mutex
	stats ArbStats
}

// NewArbExecutor creates an executor over the venue adapters. dryRun comes
// from the top-level config and overrides auto_execute.
func NewArbExecutor(adapters map[string]exchange.Adapter, cfg config.ArbitrageConfig, dryRun bool, logger *slog.Logger) *ArbExecutor {
	return &ArbExecutor{
		adapters: adapters,
		cfg:      cfg,
		dryRun:   dryRun,
		logger:   logger.With("component", "arbitrage"),
	}
}

// Stats returns a copy of the execution counters.
func (a *ArbExecutor) Stats() ArbStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

// ExecuteBest picks the most profitable viable candidate from the batch and
// executes it. Returns nil when nothing clears the floors.
func (a *ArbExecutor) ExecuteBest(ctx context.Context, batch []types.ArbitrageOpportunity) *ExecutionResult {
	best := a.pick(batch)
	if best == nil {
		return nil
	}
	res := a.execute(ctx, *best)
	return &res
}

// pick selects the highest-ProfitUSD candidate that clears the floors.
func (a *ArbExecutor) pick(batch []types.ArbitrageOpportunity) *types.ArbitrageOpportunity {
	var best *types.ArbitrageOpportunity
	for i := range batch {
		opp := &batch[i]
		a.mu.Lock()
		a.stats.Considered++
		a.mu.Unlock()

		if opp.ProfitUSD < a.cfg.MinProfitUSD || opp.MaxExecutableQty < a.cfg.MinQty {
			a.mu.Lock()
			a.stats.Skipped++
			a.mu.Unlock()
			continue
		}
		if best == nil || opp.ProfitUSD > best.ProfitUSD {
			best = opp
		}
	}
	return best
}

func (a *ArbExecutor) execute(ctx context.Context, opp types.ArbitrageOpportunity) ExecutionResult {
	start := time.Now()
	qty := opp.MaxExecutableQty
	if a.cfg.MaxPositionSize > 0 && qty > a.cfg.MaxPositionSize {
		qty = a.cfg.MaxPositionSize
	}
	res := ExecutionResult{Opportunity: opp, Qty: qty}

	if !a.cfg.AutoExecute || a.dryRun {
		a.logger.Info("DRY-RUN: would execute arbitrage",
			"symbol", opp.Symbol, "qty", qty,
			"buy", opp.BuyVenue, "buy_price", opp.BuyPrice,
			"sell", opp.SellVenue, "sell_price", opp.SellPrice,
			"profit_usd", opp.ProfitUSD)
		res.LatencyMs = msSince(start)
		return res
	}

	buyAdapter, okB := a.adapters[opp.BuyVenue]
	sellAdapter, okS := a.adapters[opp.SellVenue]
	if !okB || !okS {
		res.Error = fmt.Sprintf("missing adapter for %s or %s", opp.BuyVenue, opp.SellVenue)
		a.recordFailure()
		return res
	}

	execCtx, cancel := context.WithTimeout(ctx, a.cfg.ExecutionTimeout)
	defer cancel()

	// Fire both legs at once: serializing them turns a price dislocation
	// into naked directional exposure while the second leg waits.
	var (
		wg                sync.WaitGroup
		buyOrder, sellOrd *types.Order
		buyErr, sellErr   error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		buyOrder, buyErr = buyAdapter.PlaceOrder(execCtx, types.OrderRequest{
			Symbol:   opp.Symbol,
			Side:     types.BUY,
			Type:     types.OrderTypeMarket,
			Quantity: qty,
		})
	}()
	go func() {
		defer wg.Done()
		sellOrd, sellErr = sellAdapter.PlaceOrder(execCtx, types.OrderRequest{
			Symbol:   opp.Symbol,
			Side:     types.SELL,
			Type:     types.OrderTypeMarket,
			Quantity: qty,
		})
	}()
	wg.Wait()
	res.LatencyMs = msSince(start)

	if buyErr != nil || sellErr != nil {
		res.Error = fmt.Sprintf("buy: %v; sell: %v", buyErr, sellErr)
		a.recordFailure()
		a.logger.Error("arbitrage leg failed",
			"buy_error", buyErr, "sell_error", sellErr,
			"symbol", opp.Symbol, "qty", qty)
		return res
	}

	res.Executed = true
	res.BuyOrderID = buyOrder.OrderID
	res.SellOrderID = sellOrd.OrderID

	a.mu.Lock()
	a.stats.Executed++
	a.stats.ProfitUSD += (opp.SellPrice - opp.BuyPrice) * qty
	a.mu.Unlock()

	a.logger.Info("arbitrage executed",
		"symbol", opp.Symbol, "qty", qty,
		"buy_order", res.BuyOrderID, "sell_order", res.SellOrderID,
		"est_profit_usd", (opp.SellPrice-opp.BuyPrice)*qty,
		"latency_ms", res.LatencyMs)
	return res
}

func (a *ArbExecutor) recordFailure() {
	a.mu.Lock()
	a.stats.Failed++
	a.mu.Unlock()
}

func msSince(t time.Time) float64 {
	return float64(time.Since(t).Microseconds()) / 1000.0
}
