// Package exchange implements the venue adapter layer.
//
// Adapter is the uniform capability surface over one venue: connection
// lifecycle, orderbook/position/balance reads, order management, and
// symbol/quantity/price normalization. It is the only place that may speak
// a venue's wire protocol; everything above it works in canonical symbols
// and exact step-rounded decimals.
//
// Concrete adapters:
//   - standx.go  — primary venue (REST via resty + optional push stream)
//   - binance.go — hedge venue (Binance USD-M futures)
package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"sync"

	"github.com/shopspring/decimal"

	"perp-mm/internal/config"
	"perp-mm/pkg/types"
)

// HealthStatus is the result of a health probe.
type HealthStatus struct {
	Healthy   bool
	LatencyMs float64
	Error     string
}

// Adapter is the uniform capability surface over one venue.
// All methods accept canonical symbols; implementations translate to the
// venue's native form internally.
type Adapter interface {
	Name() string // venue identifier, e.g. "standx"

	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	HealthCheck(ctx context.Context) HealthStatus

	GetOrderbook(ctx context.Context, symbol string, depth int) (*types.Orderbook, error)
	GetBalance(ctx context.Context) (*types.Balance, error)
	GetPositions(ctx context.Context, symbol string) ([]types.Position, error)

	PlaceOrder(ctx context.Context, req types.OrderRequest) (*types.Order, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	GetOrder(ctx context.Context, symbol, orderID string) (*types.Order, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]types.Order, error)

	SymbolSpec(ctx context.Context, symbol string) (*types.SymbolSpec, error)
	NormalizeSymbol(canonical string) string
	DenormalizeSymbol(native string) string
}

// StreamAdapter is the optional push-stream extension. Venues without a
// usable user stream simply don't implement it; the executor then runs in
// polling mode.
type StreamAdapter interface {
	Adapter

	// StartStream subscribes to fill and order-state events for the symbols.
	// Callbacks run on adapter-owned goroutines.
	StartStream(ctx context.Context, symbols []string, onFill func(types.FillEvent), onOrderState func(types.OrderStateEvent)) error
	StopStream() error
}

// ————————————————————————————————————————————————————————————————————————
// Registry
// ————————————————————————————————————————————————————————————————————————

// Builder constructs an adapter from one account's configuration.
type Builder func(name string, cfg config.AccountConfig, dryRun bool, logger *slog.Logger) (Adapter, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Builder{}
)

// Register adds a venue builder. Called from adapter init() functions.
func Register(venue string, b Builder) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[venue] = b
}

// NewAdapter builds an adapter for the account's venue.
func NewAdapter(accountName string, cfg config.AccountConfig, dryRun bool, logger *slog.Logger) (Adapter, error) {
	registryMu.RLock()
	builder, ok := registry[cfg.Venue]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("venue %q is not supported (available: %v)", cfg.Venue, AvailableVenues())
	}
	return builder(accountName, cfg, dryRun, logger)
}

// AvailableVenues lists registered venue identifiers.
func AvailableVenues() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	venues := make([]string, 0, len(registry))
	for v := range registry {
		venues = append(venues, v)
	}
	sort.Strings(venues)
	return venues
}

// ————————————————————————————————————————————————————————————————————————
// Normalization helpers
// ————————————————————————————————————————————————————————————————————————
// Quantities always floor to the venue step; prices round side-dependently
// (bid floors, ask ceils) so a rounded quote never crosses tighter than the
// caller intended. decimal arithmetic avoids float residue like
// 0.07000000000000001 leaking into wire payloads.

// FloorToStep floors qty to a multiple of step. Returns qty unchanged for
// non-positive steps.
func FloorToStep(qty, step float64) float64 {
	if step <= 0 {
		return qty
	}
	q := decimal.NewFromFloat(qty)
	s := decimal.NewFromFloat(step)
	steps := q.Div(s).Floor()
	v, _ := steps.Mul(s).Float64()
	return v
}

// RoundPrice rounds price to the tick: BUY floors, SELL ceils.
func RoundPrice(price, tick float64, side types.Side) float64 {
	if tick <= 0 {
		return price
	}
	p := decimal.NewFromFloat(price)
	t := decimal.NewFromFloat(tick)
	ticks := p.Div(t)
	if side == types.BUY {
		ticks = ticks.Floor()
	} else {
		ticks = ticks.Ceil()
	}
	v, _ := ticks.Mul(t).Float64()
	return v
}

// FormatQty renders a quantity at the step's precision for wire payloads.
func FormatQty(qty, step float64) string {
	return decimal.NewFromFloat(qty).StringFixed(decimalsOf(step))
}

// FormatPrice renders a price at the tick's precision for wire payloads.
func FormatPrice(price, tick float64) string {
	return decimal.NewFromFloat(price).StringFixed(decimalsOf(tick))
}

// parseInt parses a decimal order id into the venue's int64 form.
func parseInt(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}

// parseFloat parses a wire decimal string, returning 0 for empty/bad input.
// Venues send numeric fields as strings to avoid float truncation in JSON.
func parseFloat(s string) float64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

func decimalsOf(step float64) int32 {
	if step <= 0 || step >= 1 {
		return 0
	}
	d := int32(math.Round(-math.Log10(step)))
	if d < 0 {
		d = 0
	}
	if d > 12 {
		d = 12
	}
	return d
}
