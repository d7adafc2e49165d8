package monitor

import (
	"context"
	"log/slog"
	"math"
	"testing"
	"time"

	"perp-mm/internal/config"
	"perp-mm/internal/exchange"
	"perp-mm/pkg/types"
)

// bookVenue is a minimal Adapter that serves a fixed orderbook.
type bookVenue struct {
	name   string
	book   *types.Orderbook
	err    error
	placed []types.OrderRequest
}

func (b *bookVenue) Name() string                     { return b.name }
func (b *bookVenue) Connect(context.Context) error    { return nil }
func (b *bookVenue) Disconnect(context.Context) error { return nil }
func (b *bookVenue) HealthCheck(context.Context) exchange.HealthStatus {
	return exchange.HealthStatus{Healthy: true}
}

func (b *bookVenue) GetOrderbook(context.Context, string, int) (*types.Orderbook, error) {
	return b.book, b.err
}

func (b *bookVenue) GetBalance(context.Context) (*types.Balance, error) { return nil, nil }
func (b *bookVenue) GetPositions(context.Context, string) ([]types.Position, error) {
	return nil, nil
}

func (b *bookVenue) PlaceOrder(_ context.Context, req types.OrderRequest) (*types.Order, error) {
	b.placed = append(b.placed, req)
	return &types.Order{
		OrderID: b.name + "-1", Symbol: req.Symbol, Side: req.Side,
		Quantity: req.Quantity, FilledQty: req.Quantity, Status: types.StatusFilled,
	}, nil
}

func (b *bookVenue) CancelOrder(context.Context, string, string) error { return nil }
func (b *bookVenue) GetOrder(context.Context, string, string) (*types.Order, error) {
	return nil, nil
}
func (b *bookVenue) GetOpenOrders(context.Context, string) ([]types.Order, error) { return nil, nil }

func (b *bookVenue) SymbolSpec(_ context.Context, symbol string) (*types.SymbolSpec, error) {
	return &types.SymbolSpec{Symbol: symbol, PriceTick: 0.1, QtyStep: 0.001, MinQty: 0.001}, nil
}

func (b *bookVenue) NormalizeSymbol(canonical string) string { return canonical }
func (b *bookVenue) DenormalizeSymbol(native string) string  { return native }

func testMonitorConfig() config.MonitorConfig {
	return config.MonitorConfig{
		Symbols:        []string{"BTC-USD"},
		UpdateInterval: 2 * time.Second,
		MinProfitPct:   0.1,
	}
}

func marketData(venue string, bid, ask, bidSize, askSize float64) types.MarketData {
	return types.MarketData{
		Venue:     venue,
		Symbol:    "BTC-USD",
		BestBid:   bid,
		BestAsk:   ask,
		BidSize:   bidSize,
		AskSize:   askSize,
		Timestamp: time.Now(),
	}
}

func TestEvaluateDetectsDislocation(t *testing.T) {
	t.Parallel()

	m := New(nil, testMonitorConfig(), slog.Default())
	buy := marketData("a", 64900, 65000, 1, 0.5)  // buy at a's ask 65000
	sell := marketData("b", 65200, 65300, 0.3, 1) // sell at b's bid 65200

	opp, ok := m.evaluate(buy, sell)
	if !ok {
		t.Fatal("200-point dislocation must be detected")
	}
	if opp.BuyVenue != "a" || opp.SellVenue != "b" {
		t.Errorf("venues: %s -> %s", opp.BuyVenue, opp.SellVenue)
	}
	if opp.BuyPrice != 65000 || opp.SellPrice != 65200 {
		t.Errorf("prices: %v / %v", opp.BuyPrice, opp.SellPrice)
	}
	wantPct := 200.0 / 65000 * 100
	if math.Abs(opp.ProfitPct-wantPct) > 1e-9 {
		t.Errorf("profit pct = %v, want %v", opp.ProfitPct, wantPct)
	}
	// Executable qty is the thinner of the two sides.
	if opp.MaxExecutableQty != 0.3 {
		t.Errorf("qty = %v, want 0.3", opp.MaxExecutableQty)
	}
	if math.Abs(opp.ProfitUSD-200*0.3) > 1e-9 {
		t.Errorf("profit usd = %v, want 60", opp.ProfitUSD)
	}
}

func TestEvaluateRejectsNonCrossingBooks(t *testing.T) {
	t.Parallel()

	m := New(nil, testMonitorConfig(), slog.Default())
	buy := marketData("a", 64900, 65000, 1, 1)
	sell := marketData("b", 64990, 65010, 1, 1) // bid below a's ask

	if _, ok := m.evaluate(buy, sell); ok {
		t.Error("non-crossing books must not be flagged")
	}
}

func TestEvaluateRespectsProfitFloor(t *testing.T) {
	t.Parallel()

	cfg := testMonitorConfig()
	cfg.MinProfitPct = 0.5
	m := New(nil, cfg, slog.Default())
	// 0.2% edge, under the 0.5% floor.
	buy := marketData("a", 64900, 65000, 1, 1)
	sell := marketData("b", 65130, 65200, 1, 1)

	if _, ok := m.evaluate(buy, sell); ok {
		t.Error("edge under the profit floor must be skipped")
	}
}

func TestDetectPublishesAndCachesBatch(t *testing.T) {
	t.Parallel()

	m := New(map[string]exchange.Adapter{"a": nil, "b": nil}, testMonitorConfig(), slog.Default())
	m.mu.Lock()
	m.market["a"]["BTC-USD"] = marketData("a", 64900, 65000, 1, 1)
	m.market["b"]["BTC-USD"] = marketData("b", 65200, 65300, 1, 1)
	m.mu.Unlock()

	m.detect()

	batch := m.Latest()
	if len(batch) != 1 {
		t.Fatalf("latest batch len = %d, want 1", len(batch))
	}
	select {
	case opp := <-m.Opportunities():
		if opp.BuyVenue != "a" || opp.SellVenue != "b" {
			t.Errorf("published %s -> %s", opp.BuyVenue, opp.SellVenue)
		}
	default:
		t.Error("opportunity must be published to the feed")
	}
	if st := m.Stats(); st.Opportunities != 1 {
		t.Errorf("stats.Opportunities = %d", st.Opportunities)
	}
}

func TestDetectIgnoresStaleSamples(t *testing.T) {
	t.Parallel()

	m := New(map[string]exchange.Adapter{"a": nil, "b": nil}, testMonitorConfig(), slog.Default())
	stale := marketData("a", 64900, 65000, 1, 1)
	stale.Timestamp = time.Now().Add(-time.Minute)
	m.mu.Lock()
	m.market["a"]["BTC-USD"] = stale
	m.market["b"]["BTC-USD"] = marketData("b", 65200, 65300, 1, 1)
	m.mu.Unlock()

	m.detect()

	if batch := m.Latest(); len(batch) != 0 {
		t.Errorf("stale data must not produce candidates: %d", len(batch))
	}
}

func TestSampleStoresTopOfBook(t *testing.T) {
	t.Parallel()

	venue := &bookVenue{name: "a", book: &types.Orderbook{
		Symbol: "BTC-USD",
		Bids:   []types.PriceLevel{{Price: 64990, Size: 2}},
		Asks:   []types.PriceLevel{{Price: 65010, Size: 3}},
	}}
	m := New(map[string]exchange.Adapter{"a": venue}, testMonitorConfig(), slog.Default())

	m.sample(context.Background(), "a", venue, "BTC-USD")

	snap := m.MarketSnapshot()
	if len(snap) != 1 {
		t.Fatalf("snapshot len = %d", len(snap))
	}
	md := snap[0]
	if md.BestBid != 64990 || md.BestAsk != 65010 || md.BidSize != 2 || md.AskSize != 3 {
		t.Errorf("market data: %+v", md)
	}
	if md.SpreadPct <= 0 {
		t.Errorf("spread pct = %v", md.SpreadPct)
	}
	if st := m.Stats(); st.Samples != 1 || st.SampleErrors != 0 {
		t.Errorf("stats: %+v", st)
	}
}
