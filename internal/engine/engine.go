// Package engine is the central orchestrator of the trading system.
//
// It wires together all subsystems:
//
//  1. An account-keyed adapter cache builds one venue adapter per configured
//     account, lazily, and shares it across every subsystem that needs it.
//  2. The market-maker executor quotes the primary venue, with an optional
//     hedge engine mirroring fills onto the hedge venue.
//  3. The multi-exchange monitor and arbitrage executor (when enabled) watch
//     the same adapters for cross-venue dislocations.
//  4. A health loop probes every adapter: the primary account gates
//     ready-for-trading, the hedge account only gates hedging-available.
//  5. The store persists position snapshots periodically and on shutdown.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop()
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"perp-mm/internal/config"
	"perp-mm/internal/exchange"
	"perp-mm/internal/monitor"
	"perp-mm/internal/store"
	"perp-mm/internal/strategy"
)

const (
	healthInterval   = 30 * time.Second
	snapshotInterval = 1 * time.Minute
	shutdownTimeout  = 10 * time.Second
)

// Health is the system-level availability summary. The primary account must
// be healthy to trade; a degraded hedge account only disables hedging.
type Health struct {
	ReadyForTrading  bool                             `json:"ready_for_trading"`
	HedgingAvailable bool                             `json:"hedging_available"`
	Accounts         map[string]exchange.HealthStatus `json:"accounts"`
	Error            string                           `json:"error,omitempty"`
	CheckedAt        time.Time                        `json:"checked_at"`
}

// Snapshot is the full system state served by the status API.
type Snapshot struct {
	DryRun    bool              `json:"dry_run"`
	Health    Health            `json:"health"`
	Executor  *strategy.Status  `json:"executor,omitempty"`
	Monitor   *monitor.Stats    `json:"monitor,omitempty"`
	Arbitrage *monitor.ArbStats `json:"arbitrage,omitempty"`
}

// Engine orchestrates adapters, the executor, the monitor, and persistence.
type Engine struct {
	cfg    config.Config
	store  *store.Store
	logger *slog.Logger

	// adapters maps account name → connected adapter. Protected by adaptersMu.
	adapters   map[string]exchange.Adapter
	adaptersMu sync.Mutex

	executor *strategy.Executor
	monitor  *monitor.Monitor
	arb      *monitor.ArbExecutor

	healthMu sync.RWMutex
	health   Health

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates the engine and builds all subsystems. Adapters connect lazily
// in Start so a dead hedge venue cannot block construction.
func New(cfg config.Config, logger *slog.Logger) (*Engine, error) {
	st, err := store.Open(cfg.Store.DataDir)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:      cfg,
		store:    st,
		logger:   logger.With("component", "engine"),
		adapters: make(map[string]exchange.Adapter),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Adapter returns the connected adapter for an account, building and
// connecting it on first use. Subsystems share the returned instance.
func (e *Engine) Adapter(ctx context.Context, account string) (exchange.Adapter, error) {
	e.adaptersMu.Lock()
	defer e.adaptersMu.Unlock()

	if a, ok := e.adapters[account]; ok {
		return a, nil
	}
	acctCfg, ok := e.cfg.Accounts[account]
	if !ok {
		return nil, fmt.Errorf("account %q is not configured", account)
	}
	a, err := exchange.NewAdapter(account, acctCfg, e.cfg.DryRun, e.logger)
	if err != nil {
		return nil, err
	}
	if err := a.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect %s: %w", account, err)
	}
	e.adapters[account] = a
	return a, nil
}

// Reconnect tears down and rebuilds one account's adapter. The executor
// keeps its reference, so only use this for accounts in a failed state that
// nothing holds a live reference to.
func (e *Engine) Reconnect(ctx context.Context, account string) error {
	e.adaptersMu.Lock()
	if a, ok := e.adapters[account]; ok {
		_ = a.Disconnect(ctx)
		delete(e.adapters, account)
	}
	e.adaptersMu.Unlock()

	_, err := e.Adapter(ctx, account)
	return err
}

// Start connects the configured accounts and launches every subsystem.
func (e *Engine) Start() error {
	sc := e.cfg.Strategy

	primary, err := e.Adapter(e.ctx, sc.PrimaryAccount)
	if err != nil {
		return fmt.Errorf("primary account: %w", err)
	}

	var hedgeEngine *strategy.HedgeEngine
	if sc.HedgeAccount != "" {
		hedgeAdapter, err := e.Adapter(e.ctx, sc.HedgeAccount)
		if err != nil {
			// Hedging is optional: trade unhedged rather than refuse to start.
			e.logger.Error("hedge account unavailable, starting unhedged", "error", err)
		} else {
			hedgeEngine = strategy.NewHedgeEngine(
				primary, hedgeAdapter, e.cfg.Hedge, sc.Symbol, sc.HedgeSymbol, e.logger)
		}
	}

	e.executor = strategy.NewExecutor(&e.cfg.Strategy, primary, hedgeEngine, e.logger)
	e.restorePosition(primary.Name())

	if err := e.executor.Start(e.ctx); err != nil {
		return fmt.Errorf("start executor: %w", err)
	}

	if e.cfg.Arbitrage.Enabled {
		venueAdapters := e.venueAdapters()
		e.monitor = monitor.New(venueAdapters, e.cfg.Monitor, e.logger)
		e.arb = monitor.NewArbExecutor(venueAdapters, e.cfg.Arbitrage, e.cfg.DryRun, e.logger)
		e.monitor.Start(e.ctx)

		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.arbitrageLoop()
		}()
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.healthLoop()
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.snapshotLoop()
	}()

	e.logger.Info("engine started",
		"symbol", sc.Symbol,
		"primary", sc.PrimaryAccount,
		"hedged", hedgeEngine != nil,
		"arbitrage", e.cfg.Arbitrage.Enabled,
		"dry_run", e.cfg.DryRun,
	)
	return nil
}

// Stop gracefully shuts down: stop quoting and cancel resting orders, halt
// the monitor, persist final positions, and disconnect every adapter.
func (e *Engine) Stop() {
	e.logger.Info("shutting down...")
	e.cancel()

	stopCtx, cancelStop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelStop()

	if e.executor != nil {
		if err := e.executor.Stop(stopCtx); err != nil {
			e.logger.Error("executor stop failed", "error", err)
		}
	}
	if e.monitor != nil {
		e.monitor.Stop()
	}

	e.wg.Wait()

	e.persistPositions()

	e.adaptersMu.Lock()
	for name, a := range e.adapters {
		if err := a.Disconnect(stopCtx); err != nil {
			e.logger.Warn("disconnect failed", "account", name, "error", err)
		}
	}
	e.adaptersMu.Unlock()

	e.store.Close()
	e.logger.Info("shutdown complete")
}

// Executor exposes the MM executor for the API layer. Nil before Start.
func (e *Engine) Executor() *strategy.Executor { return e.executor }

// Health returns the latest health summary.
func (e *Engine) Health() Health {
	e.healthMu.RLock()
	defer e.healthMu.RUnlock()
	return e.health
}

// StatusSnapshot assembles the full system snapshot for the API.
func (e *Engine) StatusSnapshot() Snapshot {
	snap := Snapshot{DryRun: e.cfg.DryRun, Health: e.Health()}
	if e.executor != nil {
		s := e.executor.Snapshot()
		snap.Executor = &s
	}
	if e.monitor != nil {
		ms := e.monitor.Stats()
		snap.Monitor = &ms
	}
	if e.arb != nil {
		as := e.arb.Stats()
		snap.Arbitrage = &as
	}
	return snap
}

// ————————————————————————————————————————————————————————————————————————
// Background loops
// ————————————————————————————————————————————————————————————————————————

// healthLoop probes every adapter on an interval and publishes the summary.
func (e *Engine) healthLoop() {
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()

	e.checkHealth() // once up front so the API never serves an empty summary
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.checkHealth()
		}
	}
}

func (e *Engine) checkHealth() {
	h := Health{
		Accounts:  make(map[string]exchange.HealthStatus),
		CheckedAt: time.Now(),
	}

	e.adaptersMu.Lock()
	current := make(map[string]exchange.Adapter, len(e.adapters))
	for name, a := range e.adapters {
		current[name] = a
	}
	e.adaptersMu.Unlock()

	for name, a := range current {
		ctx, cancel := context.WithTimeout(e.ctx, 10*time.Second)
		h.Accounts[name] = a.HealthCheck(ctx)
		cancel()
	}

	sc := e.cfg.Strategy
	if st, ok := h.Accounts[sc.PrimaryAccount]; ok && st.Healthy {
		h.ReadyForTrading = true
	} else if ok {
		h.Error = fmt.Sprintf("primary account %s: %s", sc.PrimaryAccount, st.Error)
	} else {
		h.Error = fmt.Sprintf("primary account %s not connected", sc.PrimaryAccount)
	}
	if sc.HedgeAccount != "" {
		if st, ok := h.Accounts[sc.HedgeAccount]; ok && st.Healthy {
			h.HedgingAvailable = true
		}
	}

	e.healthMu.Lock()
	e.health = h
	e.healthMu.Unlock()

	if !h.ReadyForTrading {
		e.logger.Warn("health check: not ready for trading", "error", h.Error)
	}
}

// arbitrageLoop hands each detection batch to the executor.
func (e *Engine) arbitrageLoop() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-e.monitor.Opportunities():
			// The channel signals freshness; execute against the full batch
			// so the best candidate wins, not the first delivered.
			if res := e.arb.ExecuteBest(e.ctx, e.monitor.Latest()); res != nil && res.Executed {
				e.logger.Info("arbitrage round trip complete",
					"symbol", res.Opportunity.Symbol, "qty", res.Qty)
			}
		}
	}
}

// snapshotLoop persists positions periodically so a crash loses at most one
// interval of drift.
func (e *Engine) snapshotLoop() {
	ticker := time.NewTicker(snapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.persistPositions()
		}
	}
}

func (e *Engine) persistPositions() {
	if e.executor == nil {
		return
	}
	for _, pos := range e.executor.MMState().Positions() {
		if err := e.store.SavePosition(pos); err != nil {
			e.logger.Error("failed to save position",
				"venue", pos.Venue, "symbol", pos.Symbol, "error", err)
		}
	}
}

// restorePosition seeds the executor state from the last persisted snapshot.
// The venue poll at startup overwrites it; this only covers the window
// before the first poll answers.
func (e *Engine) restorePosition(venue string) {
	pos, err := e.store.LoadPosition(venue, e.cfg.Strategy.Symbol)
	if err != nil {
		e.logger.Warn("position restore failed", "error", err)
		return
	}
	if pos != nil {
		e.executor.MMState().SetPosition(*pos)
		e.logger.Info("restored position snapshot",
			"venue", venue, "symbol", pos.Symbol, "quantity", pos.Quantity)
	}
}

// venueAdapters re-keys connected adapters by venue name for the monitor.
func (e *Engine) venueAdapters() map[string]exchange.Adapter {
	e.adaptersMu.Lock()
	defer e.adaptersMu.Unlock()
	out := make(map[string]exchange.Adapter, len(e.adapters))
	for _, a := range e.adapters {
		out[a.Name()] = a
	}
	return out
}
