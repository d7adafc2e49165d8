// Package monitor watches top-of-book across venues and flags cross-venue
// price dislocations.
//
// One poller goroutine per (venue, symbol) samples the book on a fixed
// interval and writes the latest MarketData into a shared cache. A detector
// goroutine scans the cache at twice the sampling rate, pairing every venue
// combination per symbol: when one venue's bid exceeds another's ask by the
// configured margin, an ArbitrageOpportunity is published.
package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"perp-mm/internal/config"
	"perp-mm/internal/exchange"
	"perp-mm/pkg/types"
)

const (
	monitorBookDepth = 5
	staleAfter       = 10 * time.Second
	opportunityQueue = 32
)

// Stats counts monitor activity for the status API.
type Stats struct {
	Samples       int64     `json:"samples"`
	SampleErrors  int64     `json:"sample_errors"`
	Opportunities int64     `json:"opportunities"`
	LastSample    time.Time `json:"last_sample"`
}

// Monitor polls venue orderbooks and detects arbitrage candidates.
type Monitor struct {
	adapters map[string]exchange.Adapter // keyed by venue name
	cfg      config.MonitorConfig
	logger   *slog.Logger

	mu     sync.RWMutex
	market map[string]map[string]types.MarketData // venue -> symbol -> latest
	latest []types.ArbitrageOpportunity
	stats  Stats

	opportunities chan types.ArbitrageOpportunity

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a monitor over the given venue adapters.
func New(adapters map[string]exchange.Adapter, cfg config.MonitorConfig, logger *slog.Logger) *Monitor {
	market := make(map[string]map[string]types.MarketData, len(adapters))
	for venue := range adapters {
		market[venue] = make(map[string]types.MarketData)
	}
	return &Monitor{
		adapters:      adapters,
		cfg:           cfg,
		logger:        logger.With("component", "monitor"),
		market:        market,
		opportunities: make(chan types.ArbitrageOpportunity, opportunityQueue),
	}
}

// Opportunities is the detection feed. Slow consumers lose events; the
// latest batch is always available via Latest.
func (m *Monitor) Opportunities() <-chan types.ArbitrageOpportunity {
	return m.opportunities
}

// Latest returns the most recent detection batch.
func (m *Monitor) Latest() []types.ArbitrageOpportunity {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.ArbitrageOpportunity, len(m.latest))
	copy(out, m.latest)
	return out
}

// MarketSnapshot returns the current per-venue market data.
func (m *Monitor) MarketSnapshot() []types.MarketData {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.MarketData
	for _, symbols := range m.market {
		for _, md := range symbols {
			out = append(out, md)
		}
	}
	return out
}

// Stats returns a copy of the activity counters.
func (m *Monitor) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}

// Start launches pollers and the detector. Stop with Stop.
func (m *Monitor) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	for venue, adapter := range m.adapters {
		for _, symbol := range m.cfg.Symbols {
			m.wg.Add(1)
			go m.pollLoop(runCtx, venue, adapter, symbol)
		}
	}
	m.wg.Add(1)
	go m.detectLoop(runCtx)

	m.logger.Info("monitor started",
		"venues", len(m.adapters), "symbols", m.cfg.Symbols,
		"interval", m.cfg.UpdateInterval)
}

// Stop halts all goroutines and waits for them.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.logger.Info("monitor stopped")
}

func (m *Monitor) pollLoop(ctx context.Context, venue string, adapter exchange.Adapter, symbol string) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.UpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sample(ctx, venue, adapter, symbol)
		}
	}
}

func (m *Monitor) sample(ctx context.Context, venue string, adapter exchange.Adapter, symbol string) {
	book, err := adapter.GetOrderbook(ctx, symbol, monitorBookDepth)
	if err != nil {
		m.mu.Lock()
		m.stats.SampleErrors++
		m.mu.Unlock()
		m.logger.Debug("sample failed", "venue", venue, "symbol", symbol, "error", err)
		return
	}

	bid, okB := book.BestBid()
	ask, okA := book.BestAsk()
	if !okB || !okA {
		return
	}
	md := types.MarketData{
		Venue:     venue,
		Symbol:    symbol,
		BestBid:   bid.Price,
		BestAsk:   ask.Price,
		BidSize:   bid.Size,
		AskSize:   ask.Size,
		Timestamp: time.Now(),
	}
	if mid := (bid.Price + ask.Price) / 2; mid > 0 {
		md.SpreadPct = (ask.Price - bid.Price) / mid * 100
	}

	m.mu.Lock()
	m.market[venue][symbol] = md
	m.stats.Samples++
	m.stats.LastSample = md.Timestamp
	m.mu.Unlock()
}

// detectLoop scans at twice the sampling rate so a fresh pair of samples is
// never left undetected for a full interval.
func (m *Monitor) detectLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.UpdateInterval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.detect()
		}
	}
}

func (m *Monitor) detect() {
	now := time.Now()
	var found []types.ArbitrageOpportunity

	m.mu.RLock()
	for _, symbol := range m.cfg.Symbols {
		for buyVenue, buyData := range m.market {
			bd, ok := buyData[symbol]
			if !ok || now.Sub(bd.Timestamp) > staleAfter {
				continue
			}
			for sellVenue, sellData := range m.market {
				if sellVenue == buyVenue {
					continue
				}
				sd, ok := sellData[symbol]
				if !ok || now.Sub(sd.Timestamp) > staleAfter {
					continue
				}
				if opp, ok := m.evaluate(bd, sd); ok {
					found = append(found, opp)
				}
			}
		}
	}
	m.mu.RUnlock()

	if len(found) == 0 {
		m.mu.Lock()
		m.latest = nil
		m.mu.Unlock()
		return
	}

	m.mu.Lock()
	m.latest = found
	m.stats.Opportunities += int64(len(found))
	m.mu.Unlock()

	for _, opp := range found {
		m.logger.Info("arbitrage candidate",
			"symbol", opp.Symbol,
			"buy", opp.BuyVenue, "buy_price", opp.BuyPrice,
			"sell", opp.SellVenue, "sell_price", opp.SellPrice,
			"profit_pct", opp.ProfitPct, "qty", opp.MaxExecutableQty)
		select {
		case m.opportunities <- opp:
		default:
			m.logger.Warn("opportunity queue full, dropping")
		}
	}
}

// evaluate checks one directed venue pair: buy at bd's ask, sell at sd's bid.
func (m *Monitor) evaluate(bd, sd types.MarketData) (types.ArbitrageOpportunity, bool) {
	if bd.BestAsk <= 0 || sd.BestBid <= bd.BestAsk {
		return types.ArbitrageOpportunity{}, false
	}
	profitPct := (sd.BestBid - bd.BestAsk) / bd.BestAsk * 100
	if profitPct < m.cfg.MinProfitPct {
		return types.ArbitrageOpportunity{}, false
	}
	qty := bd.AskSize
	if sd.BidSize < qty {
		qty = sd.BidSize
	}
	return types.ArbitrageOpportunity{
		BuyVenue:         bd.Venue,
		SellVenue:        sd.Venue,
		Symbol:           bd.Symbol,
		BuyPrice:         bd.BestAsk,
		SellPrice:        sd.BestBid,
		ProfitPct:        profitPct,
		ProfitUSD:        (sd.BestBid - bd.BestAsk) * qty,
		MaxExecutableQty: qty,
		Timestamp:        time.Now(),
	}, true
}
