package exchange

import (
	"context"
	"log/slog"
	"testing"

	"perp-mm/internal/config"
	"perp-mm/pkg/types"
)

func newDryRunStandX(t *testing.T) *StandX {
	t.Helper()
	return NewStandX("standx-main", config.AccountConfig{
		Venue:   "standx",
		BaseURL: "https://example.invalid",
	}, true, slog.Default())
}

func TestStandXDryRunPlaceOrder(t *testing.T) {
	t.Parallel()

	s := newDryRunStandX(t)
	order, err := s.PlaceOrder(context.Background(), types.OrderRequest{
		Symbol:   "BTC-USD",
		Side:     types.BUY,
		Type:     types.OrderTypeLimit,
		Price:    65000,
		Quantity: 0.01,
	})
	if err != nil {
		t.Fatalf("dry-run place: %v", err)
	}
	if order.OrderID == "" || order.ClientOrderID == "" {
		t.Error("dry-run order must carry synthetic ids")
	}
	if order.Status != types.StatusOpen {
		t.Errorf("status = %s, want OPEN", order.Status)
	}
	if order.Side != types.BUY || order.Price != 65000 {
		t.Errorf("request fields not echoed: %+v", order)
	}
}

func TestStandXDryRunCancelAndConnect(t *testing.T) {
	t.Parallel()

	s := newDryRunStandX(t)
	if err := s.CancelOrder(context.Background(), "BTC-USD", "whatever"); err != nil {
		t.Fatalf("dry-run cancel: %v", err)
	}
	// Dry-run connect must not touch the network.
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("dry-run connect: %v", err)
	}
}

func TestStandXStatusMapping(t *testing.T) {
	t.Parallel()

	cases := map[string]types.OrderStatus{
		"open":             types.StatusOpen,
		"new":              types.StatusPending,
		"partially_filled": types.StatusPartiallyFilled,
		"filled":           types.StatusFilled,
		"cancelled":        types.StatusCancelled,
		"canceled":         types.StatusCancelled,
		"rejected":         types.StatusRejected,
		"expired":          types.StatusExpired,
		"???":              types.StatusUnknownDisappeared,
	}
	for wire, want := range cases {
		if got := standxStatus(wire); got != want {
			t.Errorf("standxStatus(%q) = %s, want %s", wire, got, want)
		}
	}
}

func TestStandXSymbolsAreCanonical(t *testing.T) {
	t.Parallel()

	s := newDryRunStandX(t)
	if got := s.NormalizeSymbol("ETH-USD"); got != "ETH-USD" {
		t.Errorf("NormalizeSymbol = %q", got)
	}
}
