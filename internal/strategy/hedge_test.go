package strategy

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"testing"
	"time"

	"perp-mm/internal/config"
	"perp-mm/internal/exchange"
	"perp-mm/pkg/types"
)

// fakeVenue is a scriptable Adapter for strategy tests. Unset hooks return
// benign defaults so tests only script the calls they care about.
type fakeVenue struct {
	name string

	placeFn      func(req types.OrderRequest) (*types.Order, error)
	getOrderFn   func(symbol, orderID string) (*types.Order, error)
	openOrdersFn func(symbol string) ([]types.Order, error)
	positionsFn  func(symbol string) ([]types.Position, error)
	specFn       func(symbol string) (*types.SymbolSpec, error)
	bookFn       func(symbol string) (*types.Orderbook, error)
	cancelFn     func(symbol, orderID string) error

	placed    []types.OrderRequest
	cancelled []string
}

func (f *fakeVenue) Name() string                         { return f.name }
func (f *fakeVenue) Connect(context.Context) error        { return nil }
func (f *fakeVenue) Disconnect(context.Context) error     { return nil }
func (f *fakeVenue) HealthCheck(context.Context) exchange.HealthStatus {
	return exchange.HealthStatus{Healthy: true}
}

func (f *fakeVenue) GetOrderbook(_ context.Context, symbol string, _ int) (*types.Orderbook, error) {
	if f.bookFn != nil {
		return f.bookFn(symbol)
	}
	return &types.Orderbook{
		Symbol:    symbol,
		Bids:      []types.PriceLevel{{Price: 64999, Size: 1}},
		Asks:      []types.PriceLevel{{Price: 65001, Size: 1}},
		Timestamp: time.Now(),
	}, nil
}

func (f *fakeVenue) GetBalance(context.Context) (*types.Balance, error) {
	return &types.Balance{Total: 10000, Available: 10000}, nil
}

func (f *fakeVenue) GetPositions(_ context.Context, symbol string) ([]types.Position, error) {
	if f.positionsFn != nil {
		return f.positionsFn(symbol)
	}
	return nil, nil
}

func (f *fakeVenue) PlaceOrder(_ context.Context, req types.OrderRequest) (*types.Order, error) {
	f.placed = append(f.placed, req)
	if f.placeFn != nil {
		return f.placeFn(req)
	}
	return &types.Order{
		OrderID:      "fake-1",
		Symbol:       req.Symbol,
		Side:         req.Side,
		Quantity:     req.Quantity,
		FilledQty:    req.Quantity,
		AvgFillPrice: 65000,
		Status:       types.StatusFilled,
	}, nil
}

func (f *fakeVenue) CancelOrder(_ context.Context, symbol, orderID string) error {
	f.cancelled = append(f.cancelled, orderID)
	if f.cancelFn != nil {
		return f.cancelFn(symbol, orderID)
	}
	return nil
}

func (f *fakeVenue) GetOrder(_ context.Context, symbol, orderID string) (*types.Order, error) {
	if f.getOrderFn != nil {
		return f.getOrderFn(symbol, orderID)
	}
	return nil, exchange.NewAPIError(f.name, exchange.ErrOrderNotFound, orderID, nil)
}

func (f *fakeVenue) GetOpenOrders(_ context.Context, symbol string) ([]types.Order, error) {
	if f.openOrdersFn != nil {
		return f.openOrdersFn(symbol)
	}
	return nil, nil
}

func (f *fakeVenue) SymbolSpec(_ context.Context, symbol string) (*types.SymbolSpec, error) {
	if f.specFn != nil {
		return f.specFn(symbol)
	}
	return &types.SymbolSpec{Symbol: symbol, PriceTick: 0.1, QtyStep: 0.001, MinQty: 0.001}, nil
}

func (f *fakeVenue) NormalizeSymbol(canonical string) string { return canonical }
func (f *fakeVenue) DenormalizeSymbol(native string) string  { return native }

func testHedgeConfig() config.HedgeConfig {
	return config.HedgeConfig{
		MaxRetries:          3,
		RetryDelay:          time.Millisecond,
		Timeout:             2 * time.Second,
		MaxUnhedgedPosition: 0.05,
		SymbolMap:           map[string]string{"BTC-USD": "BTCUSDT"},
	}
}

func primaryFill(side types.Side, qty, price float64) types.FillEvent {
	return types.FillEvent{
		OrderID:   "fill-1",
		Symbol:    "BTC-USD",
		Side:      side,
		FillQty:   qty,
		FillPrice: price,
		Timestamp: time.Now(),
	}
}

func TestHedgeMirrorsFillOnOppositeSide(t *testing.T) {
	t.Parallel()

	primary := &fakeVenue{name: "standx"}
	hedge := &fakeVenue{name: "binance"}
	h := NewHedgeEngine(primary, hedge, testHedgeConfig(), "BTC-USD", "", slog.Default())

	if h.HedgeSymbol() != "BTCUSDT" {
		t.Fatalf("symbol map not applied: %s", h.HedgeSymbol())
	}

	res := h.ExecuteHedge(context.Background(), primaryFill(types.BUY, 0.0123, 65000))
	if !res.Success || res.Status != types.HedgeFilled {
		t.Fatalf("hedge failed: %+v", res)
	}
	if res.HedgeSide != types.SELL {
		t.Errorf("hedge side = %s, want SELL", res.HedgeSide)
	}
	if len(hedge.placed) != 1 {
		t.Fatalf("placed %d orders, want 1", len(hedge.placed))
	}
	req := hedge.placed[0]
	if req.Type != types.OrderTypeMarket || req.Symbol != "BTCUSDT" {
		t.Errorf("unexpected hedge request: %+v", req)
	}
	// 0.0123 floors to the 0.001 step.
	if math.Abs(req.Quantity-0.012) > 1e-12 {
		t.Errorf("qty = %v, want 0.012", req.Quantity)
	}

	st := h.Stats()
	if st.Attempted != 1 || st.Succeeded != 1 || st.Failed != 0 {
		t.Errorf("stats: %+v", st)
	}
	if math.Abs(st.TotalHedgedQty-0.012) > 1e-12 {
		t.Errorf("hedged qty = %v", st.TotalHedgedQty)
	}
}

func TestHedgeSkipsQtyBelowMin(t *testing.T) {
	t.Parallel()

	hedge := &fakeVenue{name: "binance"}
	h := NewHedgeEngine(&fakeVenue{name: "standx"}, hedge, testHedgeConfig(), "BTC-USD", "", slog.Default())

	res := h.ExecuteHedge(context.Background(), primaryFill(types.BUY, 0.0004, 65000))
	if res.Success || res.Status != types.HedgeFailed {
		t.Fatalf("sub-min fill must fail fast: %+v", res)
	}
	if len(hedge.placed) != 0 {
		t.Error("no order may be placed for a sub-min quantity")
	}
	if st := h.Stats(); st.BelowMin != 1 {
		t.Errorf("BelowMin = %d, want 1", st.BelowMin)
	}
	if h.Waiting() {
		t.Error("sub-min skip must not park the engine in recovery")
	}
}

func TestHedgeRetriesThenSucceeds(t *testing.T) {
	t.Parallel()

	calls := 0
	hedge := &fakeVenue{name: "binance"}
	hedge.placeFn = func(req types.OrderRequest) (*types.Order, error) {
		calls++
		if calls < 3 {
			return nil, errors.New("venue hiccup")
		}
		return &types.Order{
			OrderID: "ok", Status: types.StatusFilled,
			Quantity: req.Quantity, FilledQty: req.Quantity, AvgFillPrice: 65005,
		}, nil
	}
	h := NewHedgeEngine(&fakeVenue{name: "standx"}, hedge, testHedgeConfig(), "BTC-USD", "", slog.Default())

	res := h.ExecuteHedge(context.Background(), primaryFill(types.BUY, 0.01, 65000))
	if !res.Success {
		t.Fatalf("hedge should succeed on third attempt: %+v", res)
	}
	if res.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", res.Attempts)
	}
}

func TestHedgeExhaustionParksInRecovery(t *testing.T) {
	t.Parallel()

	hedge := &fakeVenue{name: "binance"}
	hedge.placeFn = func(types.OrderRequest) (*types.Order, error) {
		return nil, errors.New("down")
	}
	primary := &fakeVenue{name: "standx"}
	primary.positionsFn = func(string) ([]types.Position, error) {
		// Exposure inside the unhedged limit of 0.05.
		return []types.Position{{Symbol: "BTC-USD", Quantity: 0.01}}, nil
	}
	h := NewHedgeEngine(primary, hedge, testHedgeConfig(), "BTC-USD", "", slog.Default())

	res := h.ExecuteHedge(context.Background(), primaryFill(types.BUY, 0.01, 65000))
	if res.Success || res.Status != types.HedgeWaitingRecovery {
		t.Fatalf("want WAITING_RECOVERY: %+v", res)
	}
	if !h.Waiting() {
		t.Error("engine must report waiting")
	}
	if len(primary.placed) != 0 {
		t.Error("no shed order while exposure is inside the limit")
	}
}

func TestHedgeExhaustionShedsOverHardLimit(t *testing.T) {
	t.Parallel()

	hedge := &fakeVenue{name: "binance"}
	hedge.placeFn = func(types.OrderRequest) (*types.Order, error) {
		return nil, errors.New("down")
	}
	primary := &fakeVenue{name: "standx"}
	primary.positionsFn = func(string) ([]types.Position, error) {
		return []types.Position{{Symbol: "BTC-USD", Quantity: 0.08}}, nil
	}
	h := NewHedgeEngine(primary, hedge, testHedgeConfig(), "BTC-USD", "", slog.Default())

	res := h.ExecuteHedge(context.Background(), primaryFill(types.BUY, 0.01, 65000))
	if res.Status != types.HedgePartialFallback {
		t.Fatalf("want PARTIAL_FALLBACK: %+v", res)
	}
	if len(primary.placed) != 1 {
		t.Fatalf("shed order count = %d, want 1", len(primary.placed))
	}
	shed := primary.placed[0]
	if shed.Side != types.SELL || !shed.ReduceOnly || shed.Type != types.OrderTypeMarket {
		t.Errorf("shed order: %+v", shed)
	}
	// 0.08 exposure, 0.05 limit: shed down to half the limit = 0.055.
	if math.Abs(shed.Quantity-0.055) > 1e-9 {
		t.Errorf("shed qty = %v, want 0.055", shed.Quantity)
	}
	if st := h.Stats(); st.Fallbacks != 1 {
		t.Errorf("Fallbacks = %d", st.Fallbacks)
	}
}

func TestHedgeFallbackFailure(t *testing.T) {
	t.Parallel()

	hedge := &fakeVenue{name: "binance"}
	hedge.placeFn = func(types.OrderRequest) (*types.Order, error) {
		return nil, errors.New("down")
	}
	primary := &fakeVenue{name: "standx"}
	primary.positionsFn = func(string) ([]types.Position, error) {
		return []types.Position{{Symbol: "BTC-USD", Quantity: 0.08}}, nil
	}
	primary.placeFn = func(types.OrderRequest) (*types.Order, error) {
		return nil, errors.New("primary also down")
	}
	h := NewHedgeEngine(primary, hedge, testHedgeConfig(), "BTC-USD", "", slog.Default())

	res := h.ExecuteHedge(context.Background(), primaryFill(types.BUY, 0.01, 65000))
	if res.Status != types.HedgeFallbackFailed {
		t.Fatalf("want FALLBACK_FAILED: %+v", res)
	}
}

func TestHedgeVanishedOrderOptimisticOnce(t *testing.T) {
	t.Parallel()

	cfg := testHedgeConfig()
	cfg.MaxRetries = 1
	hedge := &fakeVenue{name: "binance"}
	// Ack as open, then vanish from both the order query and the open list.
	hedge.placeFn = func(req types.OrderRequest) (*types.Order, error) {
		return &types.Order{
			OrderID: "ghost", Symbol: req.Symbol, Side: req.Side,
			Quantity: req.Quantity, Price: 65010, Status: types.StatusPending,
		}, nil
	}
	h := NewHedgeEngine(&fakeVenue{name: "standx"}, hedge, cfg, "BTC-USD", "", slog.Default())

	res := h.ExecuteHedge(context.Background(), primaryFill(types.BUY, 0.01, 65000))
	if !res.Success {
		t.Fatalf("vanished order should resolve optimistically: %+v", res)
	}
	if res.HedgeOrderID != "ghost" {
		t.Errorf("order id = %s", res.HedgeOrderID)
	}
	if res.FillPrice != 65010 {
		t.Errorf("optimistic fill must price at the submitted order: %v", res.FillPrice)
	}
}

func TestHedgeVanishedStillOpenKeepsPolling(t *testing.T) {
	t.Parallel()

	cfg := testHedgeConfig()
	cfg.MaxRetries = 1
	cfg.Timeout = 400 * time.Millisecond
	hedge := &fakeVenue{name: "binance"}
	hedge.placeFn = func(req types.OrderRequest) (*types.Order, error) {
		return &types.Order{OrderID: "slow", Status: types.StatusPending, Quantity: req.Quantity}, nil
	}
	// GetOrder keeps 404ing, but the open list still shows the order, so the
	// optimistic path must not trigger; the attempt times out instead.
	hedge.openOrdersFn = func(string) ([]types.Order, error) {
		return []types.Order{{OrderID: "slow", Status: types.StatusOpen}}, nil
	}
	primary := &fakeVenue{name: "standx"}
	h := NewHedgeEngine(primary, hedge, cfg, "BTC-USD", "", slog.Default())

	res := h.ExecuteHedge(context.Background(), primaryFill(types.BUY, 0.01, 65000))
	if res.Success {
		t.Fatalf("order visible in open list must not be assumed filled: %+v", res)
	}
	if res.Status != types.HedgeWaitingRecovery {
		t.Errorf("status = %s", res.Status)
	}
}

func TestCheckRecoveryNeedsConsecutiveProbes(t *testing.T) {
	t.Parallel()

	hedge := &fakeVenue{name: "binance"}
	hedge.placeFn = func(types.OrderRequest) (*types.Order, error) {
		return nil, errors.New("down")
	}
	h := NewHedgeEngine(&fakeVenue{name: "standx"}, hedge, testHedgeConfig(), "BTC-USD", "", slog.Default())

	// Healthy engine short-circuits.
	if !h.CheckRecovery(context.Background()) {
		t.Fatal("healthy engine must report recovered")
	}

	h.ExecuteHedge(context.Background(), primaryFill(types.BUY, 0.01, 65000))
	if !h.Waiting() {
		t.Fatal("exhausted hedge must park the engine")
	}

	// Probes are spaced; an immediate re-probe is a no-op.
	if h.CheckRecovery(context.Background()) {
		t.Error("first spaced probe alone must not clear recovery")
	}
	if h.CheckRecovery(context.Background()) {
		t.Error("probe inside the spacing window must not clear recovery")
	}
	if !h.Waiting() {
		t.Error("engine must stay parked until the probe streak completes")
	}
}

func TestSlippageSign(t *testing.T) {
	t.Parallel()

	// Buying above expected is a loss.
	if got := SlippageBps(types.BUY, 65000, 65065); math.Abs(got-10) > 1e-9 {
		t.Errorf("buy slippage = %v, want 10", got)
	}
	// Selling below expected is a loss.
	if got := SlippageBps(types.SELL, 65000, 64935); math.Abs(got-10) > 1e-9 {
		t.Errorf("sell slippage = %v, want 10", got)
	}
	// Price improvement is negative.
	if got := SlippageBps(types.BUY, 65000, 64935); got >= 0 {
		t.Errorf("buy improvement must be negative: %v", got)
	}
	if got := SlippageBps(types.BUY, 0, 65000); got != 0 {
		t.Errorf("degenerate input must be 0: %v", got)
	}
}
