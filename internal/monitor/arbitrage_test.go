package monitor

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"perp-mm/internal/config"
	"perp-mm/internal/exchange"
	"perp-mm/pkg/types"
)

func testArbConfig() config.ArbitrageConfig {
	return config.ArbitrageConfig{
		Enabled:          true,
		AutoExecute:      true,
		MaxPositionSize:  0.5,
		MinProfitUSD:     5,
		MinQty:           0.01,
		ExecutionTimeout: time.Second,
	}
}

func opportunity(profitUSD, qty float64) types.ArbitrageOpportunity {
	return types.ArbitrageOpportunity{
		BuyVenue:         "a",
		SellVenue:        "b",
		Symbol:           "BTC-USD",
		BuyPrice:         65000,
		SellPrice:        65000 + profitUSD/qty,
		ProfitUSD:        profitUSD,
		MaxExecutableQty: qty,
		Timestamp:        time.Now(),
	}
}

func TestPickBestClearingFloors(t *testing.T) {
	t.Parallel()

	a := NewArbExecutor(nil, testArbConfig(), false, slog.Default())
	batch := []types.ArbitrageOpportunity{
		opportunity(8, 0.1),
		opportunity(3, 0.1),    // under the 5 USD floor
		opportunity(20, 0.001), // qty under the floor
		opportunity(12, 0.1),   // best viable
	}

	best := a.pick(batch)
	if best == nil || best.ProfitUSD != 12 {
		t.Fatalf("pick = %+v, want profit 12", best)
	}
	st := a.Stats()
	if st.Considered != 4 || st.Skipped != 2 {
		t.Errorf("stats: %+v", st)
	}
}

func TestPickEmptyBatch(t *testing.T) {
	t.Parallel()

	a := NewArbExecutor(nil, testArbConfig(), false, slog.Default())
	if best := a.pick(nil); best != nil {
		t.Errorf("empty batch pick = %+v", best)
	}
	if res := a.ExecuteBest(context.Background(), nil); res != nil {
		t.Errorf("ExecuteBest on empty batch = %+v", res)
	}
}

func TestDryRunSkipsExecution(t *testing.T) {
	t.Parallel()

	buy := &bookVenue{name: "a"}
	sell := &bookVenue{name: "b"}
	adapters := map[string]exchange.Adapter{"a": buy, "b": sell}
	a := NewArbExecutor(adapters, testArbConfig(), true, slog.Default())

	res := a.ExecuteBest(context.Background(), []types.ArbitrageOpportunity{opportunity(10, 0.1)})
	if res == nil {
		t.Fatal("a viable candidate must return a result")
	}
	if res.Executed {
		t.Error("dry-run must not execute")
	}
	if len(buy.placed)+len(sell.placed) != 0 {
		t.Error("dry-run must not place orders")
	}
}

func TestAutoExecuteOffSkipsExecution(t *testing.T) {
	t.Parallel()

	cfg := testArbConfig()
	cfg.AutoExecute = false
	buy := &bookVenue{name: "a"}
	adapters := map[string]exchange.Adapter{"a": buy, "b": &bookVenue{name: "b"}}
	a := NewArbExecutor(adapters, cfg, false, slog.Default())

	res := a.ExecuteBest(context.Background(), []types.ArbitrageOpportunity{opportunity(10, 0.1)})
	if res == nil || res.Executed {
		t.Fatalf("auto_execute off must stop at logging: %+v", res)
	}
	if len(buy.placed) != 0 {
		t.Error("no orders without auto_execute")
	}
}

func TestExecuteFiresBothLegs(t *testing.T) {
	t.Parallel()

	buy := &bookVenue{name: "a"}
	sell := &bookVenue{name: "b"}
	adapters := map[string]exchange.Adapter{"a": buy, "b": sell}
	a := NewArbExecutor(adapters, testArbConfig(), false, slog.Default())

	res := a.ExecuteBest(context.Background(), []types.ArbitrageOpportunity{opportunity(10, 0.1)})
	if res == nil || !res.Executed {
		t.Fatalf("execution failed: %+v", res)
	}
	if res.BuyOrderID != "a-1" || res.SellOrderID != "b-1" {
		t.Errorf("order ids: %s / %s", res.BuyOrderID, res.SellOrderID)
	}
	if len(buy.placed) != 1 || len(sell.placed) != 1 {
		t.Fatalf("legs placed: %d / %d", len(buy.placed), len(sell.placed))
	}
	if buy.placed[0].Side != types.BUY || sell.placed[0].Side != types.SELL {
		t.Errorf("leg sides: %s / %s", buy.placed[0].Side, sell.placed[0].Side)
	}
	if buy.placed[0].Type != types.OrderTypeMarket {
		t.Errorf("legs must be market orders: %s", buy.placed[0].Type)
	}
	if st := a.Stats(); st.Executed != 1 {
		t.Errorf("stats: %+v", st)
	}
}

func TestExecuteCapsQty(t *testing.T) {
	t.Parallel()

	buy := &bookVenue{name: "a"}
	adapters := map[string]exchange.Adapter{"a": buy, "b": &bookVenue{name: "b"}}
	a := NewArbExecutor(adapters, testArbConfig(), false, slog.Default())

	// 2.0 available, capped at max_position_size 0.5.
	res := a.ExecuteBest(context.Background(), []types.ArbitrageOpportunity{opportunity(100, 2.0)})
	if res == nil || !res.Executed {
		t.Fatalf("execution failed: %+v", res)
	}
	if res.Qty != 0.5 || buy.placed[0].Quantity != 0.5 {
		t.Errorf("qty = %v / %v, want 0.5", res.Qty, buy.placed[0].Quantity)
	}
}

func TestExecuteMissingAdapterFails(t *testing.T) {
	t.Parallel()

	a := NewArbExecutor(map[string]exchange.Adapter{"a": &bookVenue{name: "a"}}, testArbConfig(), false, slog.Default())

	res := a.ExecuteBest(context.Background(), []types.ArbitrageOpportunity{opportunity(10, 0.1)})
	if res == nil || res.Executed || res.Error == "" {
		t.Fatalf("missing sell venue must fail: %+v", res)
	}
	if st := a.Stats(); st.Failed != 1 {
		t.Errorf("stats: %+v", st)
	}
}
