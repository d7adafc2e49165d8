package exchange

import (
	"log/slog"
	"testing"

	"perp-mm/internal/config"
	"perp-mm/pkg/types"
)

func TestFloorToStep(t *testing.T) {
	t.Parallel()

	cases := []struct {
		qty, step, want float64
	}{
		{0.017, 0.001, 0.017},
		{0.0175, 0.001, 0.017},
		{0.07, 0.001, 0.07}, // float residue must not round down an exact multiple
		{1.999999, 0.01, 1.99},
		{5, 0, 5}, // zero step passes through
		{0.0009, 0.001, 0},
	}
	for _, c := range cases {
		if got := FloorToStep(c.qty, c.step); got != c.want {
			t.Errorf("FloorToStep(%v, %v) = %v, want %v", c.qty, c.step, got, c.want)
		}
	}
}

func TestRoundPriceSideDependent(t *testing.T) {
	t.Parallel()

	// A bid floors, an ask ceils, so rounding never tightens the quote.
	if got := RoundPrice(100.019, 0.01, types.BUY); got != 100.01 {
		t.Errorf("bid rounding = %v, want 100.01", got)
	}
	if got := RoundPrice(100.011, 0.01, types.SELL); got != 100.02 {
		t.Errorf("ask rounding = %v, want 100.02", got)
	}
	if got := RoundPrice(100.01, 0.01, types.SELL); got != 100.01 {
		t.Errorf("exact tick must not move: got %v", got)
	}
}

func TestFormatQtyPrecision(t *testing.T) {
	t.Parallel()

	if got := FormatQty(0.07, 0.001); got != "0.070" {
		t.Errorf("FormatQty = %q, want %q", got, "0.070")
	}
	if got := FormatPrice(65000.5, 0.1); got != "65000.5" {
		t.Errorf("FormatPrice = %q, want %q", got, "65000.5")
	}
	if got := FormatQty(3, 1); got != "3" {
		t.Errorf("whole-unit step: got %q, want %q", got, "3")
	}
}

func TestRegistryBuildsKnownVenues(t *testing.T) {
	t.Parallel()

	logger := slog.Default()
	for _, venue := range []string{"standx", "binance"} {
		a, err := NewAdapter("test", config.AccountConfig{Venue: venue}, true, logger)
		if err != nil {
			t.Fatalf("NewAdapter(%s): %v", venue, err)
		}
		if a.Name() != venue {
			t.Errorf("Name() = %q, want %q", a.Name(), venue)
		}
	}

	if _, err := NewAdapter("test", config.AccountConfig{Venue: "nope"}, true, logger); err == nil {
		t.Error("unknown venue must fail")
	}
}

func TestBinanceSymbolMapping(t *testing.T) {
	t.Parallel()

	b := NewBinance("hedge", config.AccountConfig{}, true, slog.Default())
	if got := b.NormalizeSymbol("BTC-USD"); got != "BTCUSDT" {
		t.Errorf("NormalizeSymbol = %q, want BTCUSDT", got)
	}
	if got := b.DenormalizeSymbol("BTCUSDT"); got != "BTC-USD" {
		t.Errorf("DenormalizeSymbol = %q, want BTC-USD", got)
	}
}

func TestErrorKindClassification(t *testing.T) {
	t.Parallel()

	err := NewAPIError("standx", ErrAlreadyFilled, "too late", nil)
	if !IsKind(err, ErrAlreadyFilled) {
		t.Error("kind lost through APIError")
	}
	if IsKind(nil, ErrAlreadyFilled) {
		t.Error("nil error must not match a kind")
	}
	if got := ErrorKindOf(err); got != ErrAlreadyFilled {
		t.Errorf("ErrorKindOf = %v", got)
	}
}
