package exchange

import (
	"context"
	"log/slog"
	"strings"
	"testing"

	"perp-mm/internal/config"
	"perp-mm/pkg/types"
)

func newDryRunBinance(t *testing.T) *Binance {
	t.Helper()
	return NewBinance("binance-main", config.AccountConfig{
		Venue:   "binance",
		BaseURL: "https://example.invalid",
	}, true, slog.Default())
}

func TestBinanceDryRunMarketOrderFillsAtMid(t *testing.T) {
	t.Parallel()

	b := newDryRunBinance(t)
	b.dryMu.Lock()
	b.lastMid["BTC-USD"] = 65000
	b.dryMu.Unlock()

	order, err := b.PlaceOrder(context.Background(), types.OrderRequest{
		Symbol:   "BTC-USD",
		Side:     types.SELL,
		Type:     types.OrderTypeMarket,
		Quantity: 0.01,
	})
	if err != nil {
		t.Fatalf("dry-run place: %v", err)
	}
	if !strings.HasPrefix(order.OrderID, "dry-") {
		t.Errorf("order id = %q, want dry- prefix", order.OrderID)
	}
	if order.Status != types.StatusFilled || order.FilledQty != 0.01 {
		t.Errorf("market order must fill immediately: %+v", order)
	}
	// A market request has no price; the fill prices off the last mid so
	// hedge confirmation can accept it.
	if order.AvgFillPrice != 65000 {
		t.Errorf("avg fill price = %v, want 65000", order.AvgFillPrice)
	}

	got, err := b.GetOrder(context.Background(), "BTC-USD", order.OrderID)
	if err != nil {
		t.Fatalf("GetOrder on synthetic id: %v", err)
	}
	if got.Status != types.StatusFilled || got.AvgFillPrice != 65000 {
		t.Errorf("GetOrder = %+v", got)
	}
}

func TestBinanceDryRunOrderLifecycle(t *testing.T) {
	t.Parallel()

	b := newDryRunBinance(t)
	order, err := b.PlaceOrder(context.Background(), types.OrderRequest{
		Symbol:   "BTC-USD",
		Side:     types.BUY,
		Type:     types.OrderTypeLimit,
		Price:    64000,
		Quantity: 0.01,
	})
	if err != nil {
		t.Fatalf("dry-run place: %v", err)
	}
	if order.Status != types.StatusOpen || order.FilledQty != 0 {
		t.Errorf("resting limit: %+v", order)
	}

	open, err := b.GetOpenOrders(context.Background(), "BTC-USD")
	if err != nil {
		t.Fatalf("GetOpenOrders: %v", err)
	}
	if len(open) != 1 || open[0].OrderID != order.OrderID {
		t.Fatalf("open orders = %+v", open)
	}

	if err := b.CancelOrder(context.Background(), "BTC-USD", order.OrderID); err != nil {
		t.Fatalf("dry-run cancel: %v", err)
	}
	got, err := b.GetOrder(context.Background(), "BTC-USD", order.OrderID)
	if err != nil {
		t.Fatalf("GetOrder after cancel: %v", err)
	}
	if got.Status != types.StatusCancelled {
		t.Errorf("status = %s, want CANCELLED", got.Status)
	}
	if open, _ := b.GetOpenOrders(context.Background(), "BTC-USD"); len(open) != 0 {
		t.Errorf("cancelled order still listed open: %+v", open)
	}
}

func TestBinanceDryRunGetOrderUnknownID(t *testing.T) {
	t.Parallel()

	b := newDryRunBinance(t)
	_, err := b.GetOrder(context.Background(), "BTC-USD", "dry-ghost")
	if !IsKind(err, ErrOrderNotFound) {
		t.Errorf("err = %v, want ORDER_NOT_FOUND", err)
	}
}
