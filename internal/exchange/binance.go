// binance.go implements the Binance USD-M futures adapter — the hedge venue.
//
// Built on the official go-binance futures client. Canonical symbols like
// "BTC-USD" map to the venue's "BTCUSDT" form by default; the hedge engine
// can override pairs via its symbol map before calling in. Symbol specs come
// from the exchange-info precision fields and are cached for 5 minutes.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/google/uuid"

	"perp-mm/internal/config"
	"perp-mm/pkg/types"
)

func init() {
	Register("binance", func(name string, cfg config.AccountConfig, dryRun bool, logger *slog.Logger) (Adapter, error) {
		return NewBinance(name, cfg, dryRun, logger), nil
	})
}

// Binance is the USD-M futures adapter used for hedging and arbitrage legs.
type Binance struct {
	name   string
	client *futures.Client
	rl     *RateLimiter
	dryRun bool
	logger *slog.Logger

	specMu  sync.Mutex
	specs   map[string]*types.SymbolSpec
	specsAt time.Time

	// Dry-run simulation: synthetic orders by id, plus the last observed
	// mid per canonical symbol so market fills get a realistic price.
	dryMu     sync.Mutex
	dryOrders map[string]types.Order
	lastMid   map[string]float64
}

// NewBinance creates a Binance futures adapter for one account.
func NewBinance(name string, cfg config.AccountConfig, dryRun bool, logger *slog.Logger) *Binance {
	if cfg.Testnet {
		futures.UseTestnet = true
	}
	client := futures.NewClient(cfg.APIKey, cfg.APISecret)
	if cfg.BaseURL != "" {
		client.BaseURL = cfg.BaseURL
	}

	return &Binance{
		name:      name,
		client:    client,
		rl:        NewRateLimiter(),
		dryRun:    dryRun,
		logger:    logger.With("component", "binance", "account", name),
		specs:     make(map[string]*types.SymbolSpec),
		dryOrders: make(map[string]types.Order),
		lastMid:   make(map[string]float64),
	}
}

// Name returns the venue identifier.
func (b *Binance) Name() string { return "binance" }

// NormalizeSymbol maps canonical "BTC-USD" to the venue's "BTCUSDT".
func (b *Binance) NormalizeSymbol(canonical string) string {
	native := strings.ReplaceAll(canonical, "-", "")
	if strings.HasSuffix(native, "USD") && !strings.HasSuffix(native, "USDT") {
		native += "T"
	}
	return native
}

// DenormalizeSymbol maps the venue's "BTCUSDT" back to canonical "BTC-USD".
func (b *Binance) DenormalizeSymbol(native string) string {
	if base, ok := strings.CutSuffix(native, "USDT"); ok {
		return base + "-USD"
	}
	return native
}

// Connect syncs server time and verifies credentials with an account probe.
func (b *Binance) Connect(ctx context.Context) error {
	if _, err := b.client.NewSetServerTimeService().Do(ctx); err != nil {
		return fmt.Errorf("sync server time: %w", err)
	}
	if b.dryRun {
		b.logger.Info("DRY-RUN: skipping account probe")
		return nil
	}
	if _, err := b.client.NewGetAccountService().Do(ctx); err != nil {
		return fmt.Errorf("connect: %w", b.classify("get account", err))
	}
	b.logger.Info("connected")
	return nil
}

// Disconnect is a no-op: the futures client is stateless HTTP.
func (b *Binance) Disconnect(ctx context.Context) error { return nil }

// HealthCheck probes exchange info and reports round-trip latency.
func (b *Binance) HealthCheck(ctx context.Context) HealthStatus {
	start := time.Now()
	_, err := b.client.NewExchangeInfoService().Do(ctx)
	latency := float64(time.Since(start).Microseconds()) / 1000.0
	if err != nil {
		return HealthStatus{Healthy: false, LatencyMs: latency, Error: err.Error()}
	}
	return HealthStatus{Healthy: true, LatencyMs: latency}
}

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

// GetOrderbook fetches a depth snapshot for one symbol.
func (b *Binance) GetOrderbook(ctx context.Context, symbol string, depth int) (*types.Orderbook, error) {
	if err := b.rl.Book.Wait(ctx); err != nil {
		return nil, err
	}

	res, err := b.client.NewDepthService().
		Symbol(b.NormalizeSymbol(symbol)).
		Limit(depth).
		Do(ctx)
	if err != nil {
		return nil, b.classify("get orderbook", err)
	}

	book := &types.Orderbook{Symbol: symbol, Timestamp: time.Now()}
	for _, bid := range res.Bids {
		book.Bids = append(book.Bids, types.PriceLevel{
			Price: parseFloat(bid.Price),
			Size:  parseFloat(bid.Quantity),
		})
	}
	for _, ask := range res.Asks {
		book.Asks = append(book.Asks, types.PriceLevel{
			Price: parseFloat(ask.Price),
			Size:  parseFloat(ask.Quantity),
		})
	}
	if mid, ok := book.MidPrice(); ok {
		b.dryMu.Lock()
		b.lastMid[symbol] = mid
		b.dryMu.Unlock()
	}
	return book, nil
}

// SymbolSpec returns trading constraints derived from exchange-info precision,
// cached for 5 minutes. A failed refresh preserves the prior cache.
func (b *Binance) SymbolSpec(ctx context.Context, symbol string) (*types.SymbolSpec, error) {
	b.specMu.Lock()
	spec, ok := b.specs[symbol]
	fresh := ok && time.Since(b.specsAt) < symbolSpecTTL
	b.specMu.Unlock()
	if fresh {
		return spec, nil
	}

	if err := b.rl.Query.Wait(ctx); err != nil {
		return nil, err
	}

	info, err := b.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		if ok {
			b.logger.Warn("exchange info refresh failed, serving cached", "symbol", symbol, "error", err)
			return spec, nil
		}
		return nil, b.classify("exchange info", err)
	}

	b.specMu.Lock()
	defer b.specMu.Unlock()
	for _, s := range info.Symbols {
		step := math.Pow(10, -float64(s.QuantityPrecision))
		b.specs[b.DenormalizeSymbol(s.Symbol)] = &types.SymbolSpec{
			Symbol:    b.DenormalizeSymbol(s.Symbol),
			PriceTick: math.Pow(10, -float64(s.PricePrecision)),
			QtyStep:   step,
			MinQty:    step,
		}
	}
	b.specsAt = time.Now()
	spec, ok = b.specs[symbol]
	if !ok {
		return nil, NewAPIError(b.Name(), ErrOther, fmt.Sprintf("symbol %s not listed", symbol), nil)
	}
	return spec, nil
}

// ————————————————————————————————————————————————————————————————————————
// Account
// ————————————————————————————————————————————————————————————————————————

// GetBalance fetches the USDT margin summary.
func (b *Binance) GetBalance(ctx context.Context) (*types.Balance, error) {
	if err := b.rl.Query.Wait(ctx); err != nil {
		return nil, err
	}

	acct, err := b.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, b.classify("get balance", err)
	}
	return &types.Balance{
		Total:         parseFloat(acct.TotalWalletBalance),
		Available:     parseFloat(acct.AvailableBalance),
		UnrealizedPnL: parseFloat(acct.TotalUnrealizedProfit),
	}, nil
}

// GetPositions fetches open positions, optionally filtered by symbol.
// PositionAmt is already signed on the wire: positive long, negative short.
func (b *Binance) GetPositions(ctx context.Context, symbol string) ([]types.Position, error) {
	if err := b.rl.Query.Wait(ctx); err != nil {
		return nil, err
	}

	svc := b.client.NewGetPositionRiskService()
	if symbol != "" {
		svc.Symbol(b.NormalizeSymbol(symbol))
	}
	risks, err := svc.Do(ctx)
	if err != nil {
		return nil, b.classify("get positions", err)
	}

	positions := make([]types.Position, 0, len(risks))
	for _, r := range risks {
		qty := parseFloat(r.PositionAmt)
		if qty == 0 {
			continue
		}
		positions = append(positions, types.Position{
			Venue:         b.Name(),
			Symbol:        b.DenormalizeSymbol(r.Symbol),
			Quantity:      qty,
			EntryPrice:    parseFloat(r.EntryPrice),
			MarkPrice:     parseFloat(r.MarkPrice),
			UnrealizedPnL: parseFloat(r.UnRealizedProfit),
			UpdatedAt:     time.Now(),
		})
	}
	return positions, nil
}

// ————————————————————————————————————————————————————————————————————————
// Orders
// ————————————————————————————————————————————————————————————————————————

// PlaceOrder places a futures order. Post-only limits use GTX time in force.
func (b *Binance) PlaceOrder(ctx context.Context, req types.OrderRequest) (*types.Order, error) {
	clientID := req.ClientOrderID
	if clientID == "" {
		clientID = "x-" + uuid.NewString()
	}

	if b.dryRun {
		b.logger.Info("DRY-RUN: would place order",
			"symbol", req.Symbol, "side", req.Side, "type", req.Type,
			"qty", req.Quantity, "price", req.Price,
		)
		now := time.Now()
		order := types.Order{
			OrderID:       "dry-" + clientID,
			ClientOrderID: clientID,
			Symbol:        req.Symbol,
			Side:          req.Side,
			Type:          req.Type,
			Price:         req.Price,
			Quantity:      req.Quantity,
			Status:        types.StatusOpen,
			ReduceOnly:    req.ReduceOnly,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if req.Type == types.OrderTypeMarket {
			// Simulate an immediate fill so dry-run hedges complete. Market
			// requests carry no price, so fill at the freshest known mid.
			order.Status = types.StatusFilled
			order.FilledQty = req.Quantity
			order.AvgFillPrice = b.dryFillPrice(ctx, req)
		}
		b.dryMu.Lock()
		b.dryOrders[order.OrderID] = order
		b.dryMu.Unlock()
		return &order, nil
	}

	if err := b.rl.Order.Wait(ctx); err != nil {
		return nil, err
	}

	spec, err := b.SymbolSpec(ctx, req.Symbol)
	if err != nil {
		return nil, fmt.Errorf("place order: %w", err)
	}
	if req.Quantity < spec.MinQty {
		return nil, NewAPIError(b.Name(), ErrQtyBelowMin,
			fmt.Sprintf("qty %v below min %v", req.Quantity, spec.MinQty), nil)
	}

	side := futures.SideTypeBuy
	if req.Side == types.SELL {
		side = futures.SideTypeSell
	}

	svc := b.client.NewCreateOrderService().
		Symbol(b.NormalizeSymbol(req.Symbol)).
		Side(side).
		Quantity(FormatQty(req.Quantity, spec.QtyStep)).
		NewClientOrderID(clientID)

	switch req.Type {
	case types.OrderTypeMarket:
		svc.Type(futures.OrderTypeMarket)
	default:
		svc.Type(futures.OrderTypeLimit).Price(FormatPrice(req.Price, spec.PriceTick))
		if req.PostOnly || req.Type == types.OrderTypePostOnly {
			svc.TimeInForce(futures.TimeInForceTypeGTX)
		} else {
			svc.TimeInForce(futures.TimeInForceTypeGTC)
		}
	}
	if req.ReduceOnly {
		svc.ReduceOnly(true)
	}

	res, err := svc.Do(ctx)
	if err != nil {
		return nil, b.classify("place order", err)
	}

	order := &types.Order{
		OrderID:       fmt.Sprintf("%d", res.OrderID),
		ClientOrderID: res.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Price:         parseFloat(res.Price),
		Quantity:      parseFloat(res.OrigQuantity),
		FilledQty:     parseFloat(res.ExecutedQuantity),
		AvgFillPrice:  parseFloat(res.AvgPrice),
		Status:        binanceStatus(res.Status),
		ReduceOnly:    res.ReduceOnly,
		CreatedAt:     time.UnixMilli(res.UpdateTime),
		UpdatedAt:     time.UnixMilli(res.UpdateTime),
	}
	b.logger.Debug("order placed",
		"order_id", order.OrderID, "side", order.Side, "qty", order.Quantity, "type", order.Type)
	return order, nil
}

// dryFillPrice resolves the simulated execution price of a dry-run market
// order: the request price when set, else the last observed mid, else a
// fresh book touch on the taker side.
func (b *Binance) dryFillPrice(ctx context.Context, req types.OrderRequest) float64 {
	if req.Price > 0 {
		return req.Price
	}
	b.dryMu.Lock()
	mid := b.lastMid[req.Symbol]
	b.dryMu.Unlock()
	if mid > 0 {
		return mid
	}
	book, err := b.GetOrderbook(ctx, req.Symbol, 5)
	if err != nil {
		return 0
	}
	if req.Side == types.BUY {
		if ask, ok := book.BestAsk(); ok {
			return ask.Price
		}
		return 0
	}
	if bid, ok := book.BestBid(); ok {
		return bid.Price
	}
	return 0
}

// CancelOrder cancels one order by venue id.
func (b *Binance) CancelOrder(ctx context.Context, symbol, orderID string) error {
	if b.dryRun {
		b.logger.Info("DRY-RUN: would cancel order", "order_id", orderID)
		b.dryMu.Lock()
		if o, ok := b.dryOrders[orderID]; ok && !o.Status.Terminal() {
			o.Status = types.StatusCancelled
			o.UpdatedAt = time.Now()
			b.dryOrders[orderID] = o
		}
		b.dryMu.Unlock()
		return nil
	}
	if err := b.rl.Order.Wait(ctx); err != nil {
		return err
	}

	id, err := parseInt(orderID)
	if err != nil {
		return fmt.Errorf("cancel order: bad order id %q", orderID)
	}
	_, err = b.client.NewCancelOrderService().
		Symbol(b.NormalizeSymbol(symbol)).
		OrderID(id).
		Do(ctx)
	if err != nil {
		return b.classify("cancel order", err)
	}
	return nil
}

// GetOrder fetches a single order's current state. Dry-run ids resolve
// against the synthetic order book kept by PlaceOrder.
func (b *Binance) GetOrder(ctx context.Context, symbol, orderID string) (*types.Order, error) {
	if b.dryRun {
		b.dryMu.Lock()
		o, ok := b.dryOrders[orderID]
		b.dryMu.Unlock()
		if !ok {
			return nil, NewAPIError(b.Name(), ErrOrderNotFound,
				fmt.Sprintf("unknown dry-run order %s", orderID), nil)
		}
		return &o, nil
	}

	if err := b.rl.Query.Wait(ctx); err != nil {
		return nil, err
	}

	id, err := parseInt(orderID)
	if err != nil {
		return nil, fmt.Errorf("get order: bad order id %q", orderID)
	}
	res, err := b.client.NewGetOrderService().
		Symbol(b.NormalizeSymbol(symbol)).
		OrderID(id).
		Do(ctx)
	if err != nil {
		return nil, b.classify("get order", err)
	}
	return b.toOrder(symbol, res), nil
}

// GetOpenOrders fetches all open orders for a symbol.
func (b *Binance) GetOpenOrders(ctx context.Context, symbol string) ([]types.Order, error) {
	if b.dryRun {
		b.dryMu.Lock()
		defer b.dryMu.Unlock()
		orders := make([]types.Order, 0)
		for _, o := range b.dryOrders {
			if o.Symbol == symbol && !o.Status.Terminal() {
				orders = append(orders, o)
			}
		}
		return orders, nil
	}

	if err := b.rl.Query.Wait(ctx); err != nil {
		return nil, err
	}

	res, err := b.client.NewListOpenOrdersService().
		Symbol(b.NormalizeSymbol(symbol)).
		Do(ctx)
	if err != nil {
		return nil, b.classify("get open orders", err)
	}

	orders := make([]types.Order, 0, len(res))
	for _, o := range res {
		orders = append(orders, *b.toOrder(symbol, o))
	}
	return orders, nil
}

// ————————————————————————————————————————————————————————————————————————
// Wire translation
// ————————————————————————————————————————————————————————————————————————

func (b *Binance) toOrder(symbol string, o *futures.Order) *types.Order {
	side := types.BUY
	if o.Side == futures.SideTypeSell {
		side = types.SELL
	}
	typ := types.OrderTypeLimit
	if o.Type == futures.OrderTypeMarket {
		typ = types.OrderTypeMarket
	} else if o.TimeInForce == futures.TimeInForceTypeGTX {
		typ = types.OrderTypePostOnly
	}
	return &types.Order{
		OrderID:       fmt.Sprintf("%d", o.OrderID),
		ClientOrderID: o.ClientOrderID,
		Symbol:        symbol,
		Side:          side,
		Type:          typ,
		Price:         parseFloat(o.Price),
		Quantity:      parseFloat(o.OrigQuantity),
		FilledQty:     parseFloat(o.ExecutedQuantity),
		AvgFillPrice:  parseFloat(o.AvgPrice),
		Status:        binanceStatus(o.Status),
		ReduceOnly:    o.ReduceOnly,
		CreatedAt:     time.UnixMilli(o.Time),
		UpdatedAt:     time.UnixMilli(o.UpdateTime),
	}
}

func binanceStatus(s futures.OrderStatusType) types.OrderStatus {
	switch s {
	case futures.OrderStatusTypeNew:
		return types.StatusOpen
	case futures.OrderStatusTypePartiallyFilled:
		return types.StatusPartiallyFilled
	case futures.OrderStatusTypeFilled:
		return types.StatusFilled
	case futures.OrderStatusTypeCanceled:
		return types.StatusCancelled
	case futures.OrderStatusTypeRejected:
		return types.StatusRejected
	case futures.OrderStatusTypeExpired:
		return types.StatusExpired
	default:
		return types.StatusUnknownDisappeared
	}
}

// Binance API error codes that matter for order lifecycle handling.
// https://binance-docs.github.io/apidocs/futures/en/#error-codes
const (
	binanceErrUnknownOrder   = -2011 // cancel rejected: order gone
	binanceErrNoSuchOrder    = -2013 // query: order does not exist
	binanceErrPostOnlyReject = -5022 // GTX order would immediately match
	binanceErrRateLimit      = -1003
)

func (b *Binance) classify(op string, err error) error {
	var apiErr *common.APIError
	if !errors.As(err, &apiErr) {
		return NewAPIError(b.Name(), ErrNetwork, op, err)
	}
	kind := ErrOther
	switch apiErr.Code {
	case binanceErrUnknownOrder:
		kind = ErrAlreadyCancelled
	case binanceErrNoSuchOrder:
		kind = ErrOrderNotFound
	case binanceErrPostOnlyReject:
		kind = ErrPostOnlyReject
	case binanceErrRateLimit:
		kind = ErrRateLimited
	case -2014, -2015, -1022:
		kind = ErrAuth
	}
	return NewAPIError(b.Name(), kind, fmt.Sprintf("%s: %s", op, apiErr.Message), err)
}
