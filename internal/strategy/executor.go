// executor.go is the market-maker scheduler for one symbol.
//
// A fixed-interval tick loop drives everything: it samples the book, scores
// volatility, reconciles local order intent against the venue (the "REST
// gate"), applies the pause gates (volatility and hard position stop, both
// with hysteresis on the way back), and finally reconciles resting quotes
// against the plan from pricing.go.
//
// Fills arrive from the push stream or are synthesized from position deltas
// in polling mode. Both paths funnel into a single serialized pipeline:
// dedup, position update, entry memo, cancel policy, then the hedge. While
// a hedge is in flight the scheduler reports HEDGING and ticks are skipped.
//
// State machine:
//
//	STOPPED → STARTING → RUNNING ⇄ PAUSED
//	                     RUNNING → HEDGING → RUNNING
//	                     any     → ERROR
package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"perp-mm/internal/config"
	"perp-mm/internal/exchange"
	"perp-mm/pkg/types"
)

const (
	restGateEvery     = 10 // ticks between gates when the push stream is live
	gateFailSafeAfter = 3  // consecutive gate failures before safe mode
	bookDepth         = 10
	fillQueueSize     = 64
	eventQueueSize    = 128
	throttleWindow    = 5 * time.Second
)

// Event is one executor occurrence, published for the status API.
type Event struct {
	Time    time.Time           `json:"time"`
	Kind    string              `json:"kind"` // state/fill/hedge/pause/resume/safe_mode
	State   types.ExecutorState `json:"state,omitempty"`
	Reason  types.PauseReason   `json:"reason,omitempty"`
	Summary string              `json:"summary,omitempty"`
	Fill    *types.FillEvent    `json:"fill,omitempty"`
	Hedge   *types.HedgeResult  `json:"hedge,omitempty"`
}

// Status is a point-in-time snapshot for the API layer.
type Status struct {
	Symbol        string              `json:"symbol"`
	State         types.ExecutorState `json:"state"`
	PauseReason   types.PauseReason   `json:"pause_reason,omitempty"`
	SafeMode      bool                `json:"safe_mode"`
	PushMode      bool                `json:"push_mode"`
	Position      float64             `json:"position"`
	VolatilityBps float64             `json:"volatility_bps"`
	Intended      []IntendedOrder     `json:"intended"`
	Uptime        UptimeStats         `json:"uptime"`
	Rebate        RebateStats         `json:"rebate"`
	Hedge         *HedgeStats         `json:"hedge,omitempty"`
	History       []Operation         `json:"history"`
}

// Executor runs the market-making strategy for one symbol on one venue.
type Executor struct {
	cfg      *config.StrategyConfig
	primary  exchange.Adapter
	hedge    *HedgeEngine // nil = unhedged
	state    *MMState
	deduper  *FillDeduper
	throttle *OrderThrottle
	logger   *slog.Logger

	// fillMu serializes the fill pipeline; never acquired while holding mu.
	fillMu sync.Mutex

	mu          sync.Mutex
	fsm         types.ExecutorState
	pauseReason types.PauseReason
	spec        *types.SymbolSpec
	pushMode    bool
	safeMode    bool

	// tick bookkeeping, touched only by the tick goroutine
	tickCount      int
	gateFailures   int
	lastTickAt     time.Time
	volLowSince    time.Time
	pausedAt       time.Time
	resumeStreak   int
	disappearSeen  map[types.Side]int
	disappearAt    map[types.Side]time.Time
	posAtDisappear float64
	lastPolledPos  float64
	polledOnce     bool

	fills  chan types.FillEvent
	events chan Event

	cancelRun context.CancelFunc
	done      chan struct{}
}

// NewExecutor wires an executor. hedge may be nil.
func NewExecutor(cfg *config.StrategyConfig, primary exchange.Adapter, hedge *HedgeEngine, logger *slog.Logger) *Executor {
	return &Executor{
		cfg:           cfg,
		primary:       primary,
		hedge:         hedge,
		state:         NewMMState(cfg.Symbol, cfg.Volatility.WindowSec),
		deduper:       NewFillDeduper(),
		throttle:      NewOrderThrottle(throttleWindow),
		logger:        logger.With("component", "executor", "symbol", cfg.Symbol),
		fsm:           types.StateStopped,
		disappearSeen: make(map[types.Side]int),
		disappearAt:   make(map[types.Side]time.Time),
		fills:         make(chan types.FillEvent, fillQueueSize),
		events:        make(chan Event, eventQueueSize),
	}
}

// State returns the current scheduler state.
func (e *Executor) State() types.ExecutorState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fsm
}

// Events is the executor's occurrence feed. Slow consumers lose events.
func (e *Executor) Events() <-chan Event { return e.events }

// Snapshot captures current status for the API.
func (e *Executor) Snapshot() Status {
	e.mu.Lock()
	st, reason, safe, push := e.fsm, e.pauseReason, e.safeMode, e.pushMode
	e.mu.Unlock()

	s := Status{
		Symbol:        e.cfg.Symbol,
		State:         st,
		PauseReason:   reason,
		SafeMode:      safe,
		PushMode:      push,
		Position:      e.state.Position(e.primary.Name(), e.cfg.Symbol),
		VolatilityBps: e.state.Volatility(),
		Intended:      e.state.IntendedOrders(),
		Uptime:        e.state.Uptime(),
		Rebate:        e.state.Rebate(),
		History:       e.state.History(),
	}
	if e.hedge != nil {
		hs := e.hedge.Stats()
		s.Hedge = &hs
	}
	return s
}

// MMState exposes the trading state for persistence.
func (e *Executor) MMState() *MMState { return e.state }

// ————————————————————————————————————————————————————————————————————————
// Lifecycle
// ————————————————————————————————————————————————————————————————————————

// Start brings the executor to RUNNING: sync the symbol spec and position,
// clear stray venue orders, attach the push stream if configured, then
// launch the tick loop.
func (e *Executor) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.fsm != types.StateStopped {
		e.mu.Unlock()
		return fmt.Errorf("executor already started (state %s)", e.fsm)
	}
	e.fsm = types.StateStarting
	e.mu.Unlock()
	e.emit(Event{Kind: "state", State: types.StateStarting})

	spec, err := e.primary.SymbolSpec(ctx, e.cfg.Symbol)
	if err != nil {
		e.fail(fmt.Errorf("symbol spec: %w", err))
		return err
	}
	e.mu.Lock()
	e.spec = spec
	e.mu.Unlock()

	if err := e.syncPosition(ctx); err != nil {
		e.fail(fmt.Errorf("position sync: %w", err))
		return err
	}
	e.lastPolledPos = e.state.Position(e.primary.Name(), e.cfg.Symbol)
	e.polledOnce = true

	// Orders from a previous run are stale intent. Clear the venue.
	if open, err := e.primary.GetOpenOrders(ctx, e.cfg.Symbol); err == nil {
		for _, o := range open {
			if cerr := e.primary.CancelOrder(ctx, e.cfg.Symbol, o.OrderID); cerr != nil {
				e.logger.Warn("startup cancel failed", "order_id", o.OrderID, "error", cerr)
			}
		}
	}

	push := false
	if e.cfg.UsePushStream {
		if sa, ok := e.primary.(exchange.StreamAdapter); ok {
			err := sa.StartStream(ctx, []string{e.cfg.Symbol},
				func(f types.FillEvent) {
					select {
					case e.fills <- f:
					default:
						e.logger.Warn("fill queue full, dropping event", "order_id", f.OrderID)
					}
				},
				nil,
			)
			if err != nil {
				e.logger.Warn("push stream unavailable, falling back to polling", "error", err)
			} else {
				push = true
			}
		}
	}
	e.mu.Lock()
	e.pushMode = push
	e.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.Background())
	e.cancelRun = cancel
	e.done = make(chan struct{})

	go e.fillDispatcher(runCtx)
	go e.runLoop(runCtx)

	e.setState(types.StateRunning, types.PauseNone)
	e.logger.Info("executor started", "mode", e.cfg.Mode, "push", push)
	e.state.LogOp("start", "started in %s mode (push=%v)", e.cfg.Mode, push)
	return nil
}

// Stop cancels all resting orders and halts the loops.
func (e *Executor) Stop(ctx context.Context) error {
	e.mu.Lock()
	if e.fsm == types.StateStopped {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	if e.cancelRun != nil {
		e.cancelRun()
		select {
		case <-e.done:
		case <-time.After(5 * time.Second):
			e.logger.Warn("tick loop did not stop in time")
		}
	}

	if sa, ok := e.primary.(exchange.StreamAdapter); ok {
		_ = sa.StopStream()
	}

	e.cancelAll(ctx, "shutdown", false)
	e.setState(types.StateStopped, types.PauseNone)
	e.logger.Info("executor stopped")
	return nil
}

func (e *Executor) fail(err error) {
	e.logger.Error("executor entering ERROR", "error", err)
	e.setState(types.StateError, types.PauseNone)
}

func (e *Executor) setState(to types.ExecutorState, reason types.PauseReason) {
	e.mu.Lock()
	from := e.fsm
	e.fsm = to
	e.pauseReason = reason
	e.mu.Unlock()
	if from != to {
		e.emit(Event{Kind: "state", State: to, Reason: reason,
			Summary: fmt.Sprintf("%s -> %s", from, to)})
	}
}

// emit publishes without blocking; a full queue drops the event.
func (e *Executor) emit(ev Event) {
	ev.Time = time.Now()
	select {
	case e.events <- ev:
	default:
	}
}

// ————————————————————————————————————————————————————————————————————————
// Tick loop
// ————————————————————————————————————————————————————————————————————————

func (e *Executor) runLoop(ctx context.Context) {
	defer close(e.done)
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

func (e *Executor) fillDispatcher(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-e.fills:
			e.handleFill(ctx, f)
		}
	}
}

func (e *Executor) tick(ctx context.Context) {
	switch e.State() {
	case types.StateRunning, types.StatePaused:
	default:
		return // STARTING, HEDGING, ERROR, STOPPED all skip ticks
	}
	e.tickCount++
	now := time.Now()
	elapsed := now.Sub(e.lastTickAt)
	if e.lastTickAt.IsZero() {
		elapsed = 0
	}
	e.lastTickAt = now

	if e.hedge != nil && e.hedge.Waiting() {
		e.hedge.CheckRecovery(ctx)
	}

	book, err := e.primary.GetOrderbook(ctx, e.cfg.Symbol, bookDepth)
	if err != nil {
		e.logger.Warn("orderbook fetch failed", "error", err)
		return
	}
	mid, okMid := book.MidPrice()
	if okMid {
		e.state.ObserveMid(mid, now)
	}
	vol := e.state.Volatility()

	if e.State() == types.StateRunning && okMid && elapsed > 0 {
		e.state.AccrueUptime(e.worstQuoteDistance(mid), elapsed)
	}

	e.mu.Lock()
	push := e.pushMode
	e.mu.Unlock()

	if !push && okMid {
		e.pollFills(ctx, mid)
	}

	if !push || e.tickCount%restGateEvery == 0 {
		e.restGate(ctx)
	}
	e.mu.Lock()
	safe := e.safeMode
	e.mu.Unlock()
	if safe {
		return
	}

	pos := e.state.Position(e.primary.Name(), e.cfg.Symbol)
	if e.checkHardStop(ctx, pos) {
		return
	}
	if e.checkVolatility(ctx, vol) {
		return
	}
	if e.State() != types.StateRunning {
		return
	}

	e.staleRepriceCheck(ctx, book)
	e.cancelTooClose(ctx, book)
	e.rebalanceCheck(ctx, book)

	entryPrice, entrySide, hasEntry := e.state.Entry()
	plan := BuildQuotePlan(e.cfg, PricingInputs{
		Book:          book,
		Spec:          e.specRef(),
		Position:      pos,
		VolatilityBps: vol,
		EntryPrice:    entryPrice,
		EntrySide:     entrySide,
		HasEntry:      hasEntry,
	})
	e.reconcileQuotes(ctx, plan)
}

func (e *Executor) specRef() *types.SymbolSpec {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.spec
}

// worstQuoteDistance is the farthest live quote's distance from mid in bps,
// or +Inf when no quote rests (no uptime credit).
func (e *Executor) worstQuoteDistance(mid float64) float64 {
	quotes := e.state.IntendedOrders()
	if len(quotes) == 0 {
		return math.Inf(1)
	}
	worst := 0.0
	for _, q := range quotes {
		if d := distanceFromMidBps(q.Order.Price, mid); d > worst {
			worst = d
		}
	}
	return worst
}

// ————————————————————————————————————————————————————————————————————————
// Pause gates
// ————————————————————————————————————————————————————————————————————————

// checkHardStop enforces the hard position cap. Returns true while the
// executor is pausing or paused for it. Resuming requires the cooldown to
// elapse and the position to sit under resume_position for
// resume_check_count consecutive ticks.
func (e *Executor) checkHardStop(ctx context.Context, pos float64) bool {
	e.mu.Lock()
	st, reason := e.fsm, e.pauseReason
	e.mu.Unlock()

	if st == types.StatePaused && reason == types.PauseHardStop {
		cooldown := time.Duration(e.cfg.HardStopCooldownSec) * time.Second
		if time.Since(e.pausedAt) < cooldown {
			return true
		}
		if math.Abs(pos) < e.cfg.ResumePosition {
			e.resumeStreak++
			if e.resumeStreak >= e.cfg.ResumeCheckCount {
				e.resumeStreak = 0
				e.setState(types.StateRunning, types.PauseNone)
				e.logger.Info("hard stop cleared, resuming", "position", pos)
				e.state.LogOp("resume", "hard stop cleared at position %.6f", pos)
				e.emit(Event{Kind: "resume", Reason: types.PauseHardStop})
				return false
			}
		} else {
			e.resumeStreak = 0
		}
		return true
	}

	if st == types.StateRunning && e.cfg.HardStopPosition > 0 && math.Abs(pos) >= e.cfg.HardStopPosition {
		e.logger.Error("hard position stop hit, pausing",
			"position", pos, "limit", e.cfg.HardStopPosition)
		e.cancelAll(ctx, "hard stop", false)
		e.pausedAt = time.Now()
		e.resumeStreak = 0
		e.setState(types.StatePaused, types.PauseHardStop)
		e.state.LogOp("pause", "hard stop at position %.6f", pos)
		e.emit(Event{Kind: "pause", Reason: types.PauseHardStop})
		return true
	}
	return false
}

// checkVolatility enforces the volatility pause with hysteresis. Returns
// true while paused for it. Resuming requires volatility to stay at or
// below resume_threshold_bps continuously for stable_seconds.
func (e *Executor) checkVolatility(ctx context.Context, vol float64) bool {
	vc := e.cfg.Volatility
	if vc.ThresholdBps <= 0 {
		return false
	}

	e.mu.Lock()
	st, reason := e.fsm, e.pauseReason
	e.mu.Unlock()

	if st == types.StatePaused && reason == types.PauseVolatility {
		if vol <= vc.ResumeThresholdBps {
			if e.volLowSince.IsZero() {
				e.volLowSince = time.Now()
			}
			if time.Since(e.volLowSince).Seconds() >= vc.StableSeconds {
				e.volLowSince = time.Time{}
				e.setState(types.StateRunning, types.PauseNone)
				e.logger.Info("volatility settled, resuming", "vol_bps", vol)
				e.state.LogOp("resume", "volatility settled at %.2f bps", vol)
				e.emit(Event{Kind: "resume", Reason: types.PauseVolatility})
				return false
			}
		} else {
			e.volLowSince = time.Time{}
		}
		return true
	}

	if st == types.StateRunning && vol > vc.ThresholdBps {
		e.logger.Warn("volatility pause", "vol_bps", vol, "threshold_bps", vc.ThresholdBps)
		e.cancelAll(ctx, "volatility", false)
		e.volLowSince = time.Time{}
		e.setState(types.StatePaused, types.PauseVolatility)
		e.state.LogOp("pause", "volatility %.2f bps over threshold", vol)
		e.emit(Event{Kind: "pause", Reason: types.PauseVolatility})
		return true
	}
	return false
}

// ————————————————————————————————————————————————————————————————————————
// REST gate
// ————————————————————————————————————————————————————————————————————————

// restGate reconciles local intent against the venue's open-order list. The
// remote list is authoritative: orphans get cancelled, duplicate same-side
// quotes are reduced to the newest, and intended orders the venue no longer
// shows are classified over two observations spanning disappear_time_sec —
// still-missing with an unchanged position means cancelled-elsewhere, while
// missing quotes on
// both sides with a moved position means an undetected fill happened, which
// clears everything and resyncs.
func (e *Executor) restGate(ctx context.Context) {
	open, err := e.primary.GetOpenOrders(ctx, e.cfg.Symbol)
	if err != nil {
		e.gateFailures++
		e.logger.Warn("order reconcile failed", "failures", e.gateFailures, "error", err)
		if e.gateFailures >= gateFailSafeAfter {
			e.enterSafeMode(ctx)
		}
		return
	}
	e.gateFailures = 0
	e.mu.Lock()
	wasSafe := e.safeMode
	e.safeMode = false
	e.mu.Unlock()
	if wasSafe {
		e.logger.Info("venue answering again, leaving safe mode")
		e.state.LogOp("safe_mode", "exited")
	}

	bySide := map[types.Side][]types.Order{}
	for _, o := range open {
		bySide[o.Side] = append(bySide[o.Side], o)
	}

	disappearedSides := 0
	for _, side := range []types.Side{types.BUY, types.SELL} {
		remotes := bySide[side]
		intended := e.state.Intended(side)

		// Multiple quotes on one side: keep the newest, cancel the rest.
		if len(remotes) > 1 {
			newest := 0
			for i := range remotes {
				if remotes[i].CreatedAt.After(remotes[newest].CreatedAt) {
					newest = i
				}
			}
			for i, o := range remotes {
				if i != newest {
					e.logger.Warn("duplicate quote on side, cancelling older", "side", side, "order_id", o.OrderID)
					e.cancelRemote(ctx, o.OrderID)
				}
			}
			remotes = remotes[newest : newest+1]
		}

		if intended == nil {
			for _, o := range remotes {
				e.logger.Warn("orphan order on venue, cancelling", "side", side, "order_id", o.OrderID)
				e.state.LogOp("cancel", "orphan %s %s", side, o.OrderID)
				e.cancelRemote(ctx, o.OrderID)
			}
			continue
		}

		found := false
		for _, o := range remotes {
			if o.OrderID == intended.Order.OrderID {
				found = true
			} else {
				e.logger.Warn("unexpected order alongside intended, cancelling", "order_id", o.OrderID)
				e.cancelRemote(ctx, o.OrderID)
			}
		}

		if found {
			e.disappearSeen[side] = 0
			delete(e.disappearAt, side)
			continue
		}

		// Intended order vanished from the venue.
		disappearedSides++
		if e.disappearSeen[side] == 0 {
			e.posAtDisappear = e.state.Position(e.primary.Name(), e.cfg.Symbol)
			e.disappearAt[side] = time.Now()
		}
		e.disappearSeen[side]++
		grace := time.Duration(e.cfg.DisappearTimeSec) * time.Second
		if e.disappearSeen[side] >= 2 && time.Since(e.disappearAt[side]) >= grace {
			pos := e.state.Position(e.primary.Name(), e.cfg.Symbol)
			if pos == e.posAtDisappear {
				e.logger.Warn("order gone with position unchanged, treating as cancelled",
					"side", side, "order_id", intended.Order.OrderID)
				e.state.LogOp("reconcile", "%s order %s cancelled or unknown", side, intended.Order.OrderID)
				e.state.ClearIntended(side)
				e.throttle.Reset(side)
				e.disappearSeen[side] = 0
				delete(e.disappearAt, side)
			}
		}
	}

	// Both quotes gone and the position moved: a fill slipped past both
	// detection paths. Drop all intent and resync from the venue.
	if disappearedSides == 2 {
		pos := e.state.Position(e.primary.Name(), e.cfg.Symbol)
		if pos != e.posAtDisappear {
			e.logger.Error("both quotes gone with position delta, resyncing",
				"was", e.posAtDisappear, "now", pos)
			e.state.LogOp("reconcile", "unknown fill detected, cleared both sides")
			e.state.ClearAllIntended()
			e.disappearSeen = make(map[types.Side]int)
			e.disappearAt = make(map[types.Side]time.Time)
			if err := e.syncPosition(ctx); err != nil {
				e.logger.Warn("position resync failed", "error", err)
			}
		}
	}
}

// enterSafeMode stops quoting after repeated reconcile failures: cancel
// whatever we can, forget local intent, and wait for the venue to answer.
func (e *Executor) enterSafeMode(ctx context.Context) {
	e.mu.Lock()
	already := e.safeMode
	e.safeMode = true
	e.mu.Unlock()
	if already {
		return
	}
	e.logger.Error("repeated reconcile failures, entering safe mode")
	e.state.LogOp("safe_mode", "entered after %d failures", e.gateFailures)
	e.emit(Event{Kind: "safe_mode", Summary: "entered"})
	e.cancelAll(ctx, "safe mode", false)
}

func (e *Executor) cancelRemote(ctx context.Context, orderID string) {
	err := e.primary.CancelOrder(ctx, e.cfg.Symbol, orderID)
	if err != nil && !exchange.IsKind(err, exchange.ErrOrderNotFound) &&
		!exchange.IsKind(err, exchange.ErrAlreadyCancelled) {
		e.logger.Warn("cancel failed", "order_id", orderID, "error", err)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Quote maintenance
// ————————————————————————————————————————————————————————————————————————

// staleRepriceCheck frees a breakeven quote that has sat too long too far
// from the touch: clear the entry memo and requote by skew next tick.
func (e *Executor) staleRepriceCheck(ctx context.Context, book *types.Orderbook) {
	bc := e.cfg.Breakeven
	if !bc.Enabled || bc.StaleOrderTimeoutSec <= 0 {
		return
	}
	for _, io := range e.state.IntendedOrders() {
		if !io.IsBreakeven {
			continue
		}
		if time.Since(io.PlacedAt) < time.Duration(bc.StaleOrderTimeoutSec)*time.Second {
			continue
		}
		dist, ok := distanceFromBestBps(io.Order.Side, io.Order.Price, book)
		if !ok || dist <= bc.StaleRepriceBps {
			continue
		}
		last := io.RepricedAt
		if last.IsZero() {
			last = io.PlacedAt
		}
		if time.Since(last) < time.Duration(bc.MinRepriceIntervalSec)*time.Second {
			continue
		}
		e.logger.Info("breakeven quote stale, releasing to skew pricing",
			"side", io.Order.Side, "distance_bps", dist)
		e.state.LogOp("reprice", "stale breakeven %s at %.2f bps from best", io.Order.Side, dist)
		e.state.ClearEntry()
		e.state.MarkRepriced(io.Order.Side, time.Now())
		e.cancelIntended(ctx, io.Order.Side, "stale reprice", false)
	}
}

// cancelTooClose pulls uptime-mode quotes that drifted inside the cancel
// distance of mid, where a fill is imminent.
func (e *Executor) cancelTooClose(ctx context.Context, book *types.Orderbook) {
	if e.cfg.Mode != types.ModeUptime || e.cfg.CancelDistanceBps <= 0 {
		return
	}
	mid, ok := book.MidPrice()
	if !ok {
		return
	}
	for _, io := range e.state.IntendedOrders() {
		if io.IsBreakeven {
			continue // breakeven quotes are allowed near (or inside) the touch
		}
		if d := distanceFromMidBps(io.Order.Price, mid); d < e.cfg.CancelDistanceBps {
			e.logger.Debug("quote too close to mid, cancelling",
				"side", io.Order.Side, "distance_bps", d)
			e.cancelIntended(ctx, io.Order.Side, "too close", false)
		}
	}
}

// rebalanceCheck cancels both sides once either quote has drifted too far
// from its best, so the market can be re-centered.
func (e *Executor) rebalanceCheck(ctx context.Context, book *types.Orderbook) {
	if e.cfg.RebalanceDistanceBps <= 0 {
		return
	}
	for _, io := range e.state.IntendedOrders() {
		d, ok := distanceFromBestBps(io.Order.Side, io.Order.Price, book)
		if !ok || d <= e.cfg.RebalanceDistanceBps {
			continue
		}
		e.logger.Debug("quotes drifted, rebalancing", "side", io.Order.Side, "distance_bps", d)
		e.state.LogOp("rebalance", "%s quote %.2f bps from best", io.Order.Side, d)
		e.cancelAll(ctx, "rebalance", false)
		return
	}
}

// reconcileQuotes places whichever planned sides are not resting yet.
func (e *Executor) reconcileQuotes(ctx context.Context, plan QuotePlan) {
	for _, q := range []*Quote{plan.Bid, plan.Ask} {
		if q == nil {
			continue
		}
		if e.state.Intended(q.Side) != nil {
			continue
		}
		e.placeQuote(ctx, q)
	}
}

func (e *Executor) placeQuote(ctx context.Context, q *Quote) {
	if !e.throttle.Acquire(q.Side) {
		return
	}

	typ := types.OrderTypeLimit
	if e.cfg.PostOnly || e.cfg.Mode == types.ModeRebate {
		typ = types.OrderTypePostOnly
	}
	order, err := e.primary.PlaceOrder(ctx, types.OrderRequest{
		Symbol:      e.cfg.Symbol,
		Side:        q.Side,
		Type:        typ,
		Price:       q.Price,
		Quantity:    q.Size,
		TimeInForce: types.TIFGTC,
		PostOnly:    typ == types.OrderTypePostOnly,
	})
	if err != nil {
		if exchange.IsKind(err, exchange.ErrPostOnlyReject) {
			e.state.RecordPostOnlyReject()
			e.logger.Debug("post-only rejected", "side", q.Side, "price", q.Price)
			return
		}
		e.logger.Warn("quote placement failed", "side", q.Side, "error", err)
		return
	}

	if err := e.state.SetIntended(&IntendedOrder{
		Order:       *order,
		PlacedAt:    time.Now(),
		IsBreakeven: q.IsBreakeven,
	}); err != nil {
		// A quote raced in on this side; ours is the duplicate.
		e.logger.Warn("duplicate quote placed, cancelling", "side", q.Side, "error", err)
		e.cancelRemote(ctx, order.OrderID)
		return
	}
	e.state.LogOp("place", "%s %.6f @ %.4f%s", q.Side, q.Size, q.Price,
		map[bool]string{true: " (breakeven)", false: ""}[q.IsBreakeven])
	e.logger.Debug("quote placed",
		"side", q.Side, "price", q.Price, "size", q.Size, "breakeven", q.IsBreakeven)
}

// cancelIntended cancels one tracked quote, interpreting venue errors:
// already-gone means success, already-filled feeds a synthetic fill through
// the pipeline, anything ambiguous keeps local state so the gate can settle it.
func (e *Executor) cancelIntended(ctx context.Context, side types.Side, reason string, inPipeline bool) {
	io := e.state.Intended(side)
	if io == nil {
		return
	}
	err := e.primary.CancelOrder(ctx, e.cfg.Symbol, io.Order.OrderID)
	switch {
	case err == nil,
		exchange.IsKind(err, exchange.ErrOrderNotFound),
		exchange.IsKind(err, exchange.ErrAlreadyCancelled):
		e.state.ClearIntended(side)
		e.throttle.Reset(side)
		e.state.LogOp("cancel", "%s %s (%s)", side, io.Order.OrderID, reason)

	case exchange.IsKind(err, exchange.ErrAlreadyFilled):
		// The cancel lost the race: whatever was still resting executed.
		// Partial fills already reported through the pipeline have been
		// folded into FilledQty, so Remaining covers only the rest.
		e.state.ClearIntended(side)
		if io.Order.Remaining() <= 0 {
			return
		}
		e.logger.Info("cancel raced a fill, synthesizing", "order_id", io.Order.OrderID)
		synth := types.FillEvent{
			OrderID:       io.Order.OrderID,
			ClientOrderID: io.Order.ClientOrderID,
			Symbol:        e.cfg.Symbol,
			Side:          side,
			FillQty:       io.Order.Remaining(),
			FillPrice:     io.Order.Price,
			IsFullyFilled: true,
			IsMaker:       types.MakerYes,
			Timestamp:     time.Now(),
		}
		if inPipeline {
			e.processFill(ctx, synth)
		} else {
			e.handleFill(ctx, synth)
		}

	default:
		// Ambiguous: the order may or may not be live. Keep local state and
		// let the next reconcile decide.
		e.logger.Warn("cancel outcome unknown, keeping local state",
			"order_id", io.Order.OrderID, "error", err)
	}
}

func (e *Executor) cancelAll(ctx context.Context, reason string, inPipeline bool) {
	e.cancelIntended(ctx, types.BUY, reason, inPipeline)
	e.cancelIntended(ctx, types.SELL, reason, inPipeline)
}

// ————————————————————————————————————————————————————————————————————————
// Fill pipeline
// ————————————————————————————————————————————————————————————————————————

// handleFill is the single entry point for fills from any source.
func (e *Executor) handleFill(ctx context.Context, fill types.FillEvent) {
	e.fillMu.Lock()
	defer e.fillMu.Unlock()
	e.processFill(ctx, fill)
}

// processFill runs the pipeline; the caller must hold fillMu.
func (e *Executor) processFill(ctx context.Context, fill types.FillEvent) {
	if !e.deduper.Admit(fill) {
		e.logger.Debug("duplicate fill dropped", "order_id", fill.OrderID, "qty", fill.FillQty)
		return
	}

	e.state.RecordFill(fill, e.cfg.Fees.MakerBps, e.cfg.Fees.TakerBps)
	newPos := e.state.ApplyFillToPosition(e.primary.Name(), fill)
	e.logger.Info("fill",
		"side", fill.Side, "qty", fill.FillQty, "price", fill.FillPrice,
		"maker", fill.IsMaker, "position", newPos)
	e.state.LogOp("fill", "%s %.6f @ %.4f -> pos %.6f", fill.Side, fill.FillQty, fill.FillPrice, newPos)
	e.emit(Event{Kind: "fill", Fill: &fill})

	// Entry memo: a fill in the position's direction re-anchors breakeven;
	// flat clears it; a partial close keeps the original anchor.
	switch {
	case newPos == 0:
		e.state.ClearEntry()
	case (newPos > 0) == (fill.Side == types.BUY):
		e.state.RecordEntry(fill.FillPrice, fill.Side)
	}

	// Fold the execution into the tracked quote so a later raced cancel
	// synthesizes only the still-unexecuted remainder, and release the slot
	// once nothing is left resting.
	e.state.RecordIntendedFill(fill.Side, fill.OrderID, fill.FillQty)
	if io := e.state.Intended(fill.Side); io != nil && io.Order.OrderID == fill.OrderID {
		if fill.IsFullyFilled || io.Order.Remaining() <= 0 {
			e.state.ClearIntended(fill.Side)
			e.throttle.Reset(fill.Side)
		}
	}

	switch e.cfg.FillCancelPolicy {
	case types.CancelAll:
		e.cancelAll(ctx, "post-fill", true)
	case types.CancelOpposite:
		e.cancelIntended(ctx, fill.Side.Opposite(), "post-fill", true)
	}

	// An oversized position pauses immediately rather than waiting a tick.
	if e.cfg.HardStopPosition > 0 && math.Abs(newPos) >= e.cfg.HardStopPosition {
		if e.State() == types.StateRunning {
			e.logger.Error("hard stop hit on fill", "position", newPos)
			e.cancelAll(ctx, "hard stop", true)
			e.pausedAt = time.Now()
			e.resumeStreak = 0
			e.setState(types.StatePaused, types.PauseHardStop)
			e.state.LogOp("pause", "hard stop at position %.6f", newPos)
			e.emit(Event{Kind: "pause", Reason: types.PauseHardStop})
		}
	}

	if e.hedge == nil {
		return
	}

	restore := e.enterHedging()
	defer restore()

	res := e.hedge.ExecuteHedge(ctx, fill)
	e.emit(Event{Kind: "hedge", Hedge: &res})
	if res.Success {
		// The hedge leg is a real position on the hedge venue; book it so
		// net exposure across both venues reads zero.
		hedgePos := e.state.ApplyFillToPosition(e.hedge.VenueName(), types.FillEvent{
			OrderID:   res.HedgeOrderID,
			Symbol:    res.HedgeSymbol,
			Side:      res.HedgeSide,
			FillQty:   res.NormalizedQty,
			FillPrice: res.FillPrice,
			Timestamp: time.Now(),
		})
		notional := res.NormalizedQty * res.FillPrice
		feeUSD := notional * e.cfg.Fees.HedgeBps / 10000
		slipUSD := notional * res.SlippageBps / 10000
		e.state.RecordHedgeCost(feeUSD, slipUSD)
		e.state.LogOp("hedge", "%s %.6f @ %.4f slip %.2f bps -> pos %.6f",
			res.HedgeSide, res.NormalizedQty, res.FillPrice, res.SlippageBps, hedgePos)
	} else {
		e.state.LogOp("hedge", "failed: %s (%s)", res.Status, res.Error)
	}
}

// enterHedging flips RUNNING to HEDGING for the duration of a hedge. The
// returned restore must run even when the hedge panics or errors; it only
// restores if nothing else moved the state meanwhile.
func (e *Executor) enterHedging() func() {
	e.mu.Lock()
	entered := e.fsm == types.StateRunning
	if entered {
		e.fsm = types.StateHedging
	}
	e.mu.Unlock()
	if entered {
		e.emit(Event{Kind: "state", State: types.StateHedging})
	}
	return func() {
		e.mu.Lock()
		restored := entered && e.fsm == types.StateHedging
		if restored {
			e.fsm = types.StateRunning
		}
		e.mu.Unlock()
		if restored {
			e.emit(Event{Kind: "state", State: types.StateRunning})
		}
	}
}

// ————————————————————————————————————————————————————————————————————————
// Polling fallback
// ————————————————————————————————————————————————————————————————————————

// pollFills synthesizes fills from position deltas between ticks. Without a
// stream the venue position is the only fill evidence; the synthetic fill is
// priced at mid with unknown maker attribution.
func (e *Executor) pollFills(ctx context.Context, mid float64) {
	positions, err := e.primary.GetPositions(ctx, e.cfg.Symbol)
	if err != nil {
		e.logger.Debug("position poll failed", "error", err)
		return
	}
	var pos float64
	for _, p := range positions {
		if p.Symbol == e.cfg.Symbol {
			pos = p.Quantity
		}
	}
	if !e.polledOnce {
		e.lastPolledPos = pos
		e.polledOnce = true
		return
	}

	delta := pos - e.lastPolledPos
	e.lastPolledPos = pos
	step := 0.0
	if spec := e.specRef(); spec != nil {
		step = spec.QtyStep
	}
	if math.Abs(delta) < step/2 || delta == 0 {
		return
	}

	side := types.BUY
	if delta < 0 {
		side = types.SELL
	}
	synth := types.FillEvent{
		OrderID:       fmt.Sprintf("poll-%d", time.Now().UnixNano()),
		Symbol:        e.cfg.Symbol,
		Side:          side,
		FillQty:       math.Abs(delta),
		FillPrice:     mid,
		IsFullyFilled: true,
		IsMaker:       types.MakerUnknown,
		Timestamp:     time.Now(),
	}
	e.logger.Info("position delta observed, synthesizing fill",
		"delta", delta, "mid", mid)
	e.handleFill(ctx, synth)
}

// syncPosition replaces the tracked primary position with the venue's.
func (e *Executor) syncPosition(ctx context.Context) error {
	positions, err := e.primary.GetPositions(ctx, e.cfg.Symbol)
	if err != nil {
		return err
	}
	found := false
	for _, p := range positions {
		if p.Symbol == e.cfg.Symbol {
			e.state.SetPosition(p)
			e.lastPolledPos = p.Quantity
			found = true
		}
	}
	if !found {
		e.state.SetPosition(types.Position{
			Venue:     e.primary.Name(),
			Symbol:    e.cfg.Symbol,
			UpdatedAt: time.Now(),
		})
		e.lastPolledPos = 0
	}
	return nil
}
