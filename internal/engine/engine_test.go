package engine

import (
	"context"
	"log/slog"
	"testing"

	"perp-mm/internal/config"
	"perp-mm/internal/exchange"
	"perp-mm/pkg/types"
)

// probeAdapter is a stub venue whose health is switchable per test.
type probeAdapter struct {
	name    string
	healthy bool
}

func (p *probeAdapter) Name() string                     { return p.name }
func (p *probeAdapter) Connect(context.Context) error    { return nil }
func (p *probeAdapter) Disconnect(context.Context) error { return nil }
func (p *probeAdapter) HealthCheck(context.Context) exchange.HealthStatus {
	if p.healthy {
		return exchange.HealthStatus{Healthy: true, LatencyMs: 1}
	}
	return exchange.HealthStatus{Healthy: false, Error: "probe failed"}
}

func (p *probeAdapter) GetOrderbook(context.Context, string, int) (*types.Orderbook, error) {
	return nil, nil
}
func (p *probeAdapter) GetBalance(context.Context) (*types.Balance, error) { return nil, nil }
func (p *probeAdapter) GetPositions(context.Context, string) ([]types.Position, error) {
	return nil, nil
}
func (p *probeAdapter) PlaceOrder(context.Context, types.OrderRequest) (*types.Order, error) {
	return nil, nil
}
func (p *probeAdapter) CancelOrder(context.Context, string, string) error { return nil }
func (p *probeAdapter) GetOrder(context.Context, string, string) (*types.Order, error) {
	return nil, nil
}
func (p *probeAdapter) GetOpenOrders(context.Context, string) ([]types.Order, error) {
	return nil, nil
}
func (p *probeAdapter) SymbolSpec(context.Context, string) (*types.SymbolSpec, error) {
	return nil, nil
}
func (p *probeAdapter) NormalizeSymbol(canonical string) string { return canonical }
func (p *probeAdapter) DenormalizeSymbol(native string) string  { return native }

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	cfg := config.Config{
		DryRun: true,
		Accounts: map[string]config.AccountConfig{
			"standx-main":  {Venue: "standx"},
			"binance-main": {Venue: "binance"},
		},
		Strategy: config.StrategyConfig{
			PrimaryAccount: "standx-main",
			HedgeAccount:   "binance-main",
			Symbol:         "BTC-USD",
		},
		Store: config.StoreConfig{DataDir: t.TempDir()},
	}
	eng, err := New(cfg, slog.Default())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return eng
}

func TestHealthModelBothHealthy(t *testing.T) {
	t.Parallel()

	eng := newTestEngine(t)
	eng.adapters["standx-main"] = &probeAdapter{name: "standx", healthy: true}
	eng.adapters["binance-main"] = &probeAdapter{name: "binance", healthy: true}

	eng.checkHealth()

	h := eng.Health()
	if !h.ReadyForTrading || !h.HedgingAvailable {
		t.Errorf("health = %+v, want ready and hedging", h)
	}
	if len(h.Accounts) != 2 {
		t.Errorf("accounts probed = %d", len(h.Accounts))
	}
}

func TestHealthModelDegradedHedgeStillTrades(t *testing.T) {
	t.Parallel()

	eng := newTestEngine(t)
	eng.adapters["standx-main"] = &probeAdapter{name: "standx", healthy: true}
	eng.adapters["binance-main"] = &probeAdapter{name: "binance", healthy: false}

	eng.checkHealth()

	h := eng.Health()
	if !h.ReadyForTrading {
		t.Error("a dead hedge venue must not stop trading")
	}
	if h.HedgingAvailable {
		t.Error("hedging must be reported unavailable")
	}
}

func TestHealthModelUnhealthyPrimaryBlocksTrading(t *testing.T) {
	t.Parallel()

	eng := newTestEngine(t)
	eng.adapters["standx-main"] = &probeAdapter{name: "standx", healthy: false}

	eng.checkHealth()

	h := eng.Health()
	if h.ReadyForTrading {
		t.Error("an unhealthy primary must block trading")
	}
	if h.Error == "" {
		t.Error("the summary must carry the primary's error")
	}
}

func TestHealthModelMissingPrimary(t *testing.T) {
	t.Parallel()

	eng := newTestEngine(t)

	eng.checkHealth()

	h := eng.Health()
	if h.ReadyForTrading || h.Error == "" {
		t.Errorf("unconnected primary: %+v", h)
	}
}

func TestAdapterUnknownAccount(t *testing.T) {
	t.Parallel()

	eng := newTestEngine(t)
	if _, err := eng.Adapter(context.Background(), "ghost"); err == nil {
		t.Error("unknown account must error")
	}
}

func TestAdapterCachesInstances(t *testing.T) {
	t.Parallel()

	eng := newTestEngine(t)
	seeded := &probeAdapter{name: "standx", healthy: true}
	eng.adapters["standx-main"] = seeded

	got, err := eng.Adapter(context.Background(), "standx-main")
	if err != nil {
		t.Fatalf("Adapter: %v", err)
	}
	if got != seeded {
		t.Error("cached adapter must be returned, not rebuilt")
	}
}

func TestVenueAdaptersKeyedByVenue(t *testing.T) {
	t.Parallel()

	eng := newTestEngine(t)
	eng.adapters["standx-main"] = &probeAdapter{name: "standx", healthy: true}
	eng.adapters["binance-main"] = &probeAdapter{name: "binance", healthy: true}

	byVenue := eng.venueAdapters()
	if len(byVenue) != 2 {
		t.Fatalf("venues = %d", len(byVenue))
	}
	if _, ok := byVenue["standx"]; !ok {
		t.Error("monitor map must be keyed by venue name")
	}
}
