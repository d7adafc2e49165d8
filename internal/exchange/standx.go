// standx.go implements the StandX perp DEX adapter — the primary venue the
// market maker quotes on.
//
// REST surface used:
//   - GET  /api/orderbook        — depth snapshot
//   - GET  /api/symbols          — symbol specs (tick, step, min qty)
//   - GET  /api/balance          — account margin summary
//   - GET  /api/positions        — open perp positions
//   - POST /api/order/place      — place limit/market/post-only orders
//   - POST /api/order/cancel     — cancel by order id
//   - GET  /api/order            — single order status
//   - GET  /api/orders/open      — open orders for a symbol
//
// Every request is rate-limited via per-category TokenBuckets, automatically
// retried on 5xx errors, and authenticated with a bearer token. Venue error
// codes are translated into typed APIError kinds so callers never string-match.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	"perp-mm/internal/config"
	"perp-mm/pkg/types"
)

const symbolSpecTTL = 5 * time.Minute

func init() {
	Register("standx", func(name string, cfg config.AccountConfig, dryRun bool, logger *slog.Logger) (Adapter, error) {
		return NewStandX(name, cfg, dryRun, logger), nil
	})
}

// StandX is the primary venue REST adapter. It also implements StreamAdapter
// via the push feed in standx_ws.go.
type StandX struct {
	name   string // account name, e.g. "standx-main"
	http   *resty.Client
	rl     *RateLimiter
	wsURL  string
	token  string
	dryRun bool
	logger *slog.Logger

	feed   *StandXFeed // nil until StartStream
	feedMu sync.Mutex

	// Symbol spec cache. A failed refresh keeps serving the prior entry.
	specMu  sync.Mutex
	specs   map[string]*types.SymbolSpec
	specsAt map[string]time.Time
}

// NewStandX creates a StandX adapter for one account.
func NewStandX(name string, cfg config.AccountConfig, dryRun bool, logger *slog.Logger) *StandX {
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json").
		SetAuthToken(cfg.APIToken)

	if cfg.ProxyURL != "" {
		httpClient.SetProxy(cfg.ProxyURL)
	}

	return &StandX{
		name:    name,
		http:    httpClient,
		rl:      NewRateLimiter(),
		wsURL:   cfg.WSURL,
		token:   cfg.APIToken,
		dryRun:  dryRun,
		logger:  logger.With("component", "standx", "account", name),
		specs:   make(map[string]*types.SymbolSpec),
		specsAt: make(map[string]time.Time),
	}
}

// Name returns the venue identifier.
func (s *StandX) Name() string { return "standx" }

// NormalizeSymbol: StandX's native form is already the canonical base-quote form.
func (s *StandX) NormalizeSymbol(canonical string) string { return canonical }

// DenormalizeSymbol is the inverse of NormalizeSymbol.
func (s *StandX) DenormalizeSymbol(native string) string { return native }

// Connect verifies the credentials with a balance probe.
func (s *StandX) Connect(ctx context.Context) error {
	if s.dryRun {
		s.logger.Info("DRY-RUN: skipping connect probe")
		return nil
	}
	if _, err := s.GetBalance(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	s.logger.Info("connected")
	return nil
}

// Disconnect stops the push stream if one is running.
func (s *StandX) Disconnect(ctx context.Context) error {
	return s.StopStream()
}

// HealthCheck probes the symbols endpoint and reports round-trip latency.
func (s *StandX) HealthCheck(ctx context.Context) HealthStatus {
	start := time.Now()
	resp, err := s.http.R().SetContext(ctx).Get("/api/symbols")
	latency := float64(time.Since(start).Microseconds()) / 1000.0
	if err != nil {
		return HealthStatus{Healthy: false, LatencyMs: latency, Error: err.Error()}
	}
	if resp.StatusCode() != http.StatusOK {
		return HealthStatus{Healthy: false, LatencyMs: latency, Error: fmt.Sprintf("status %d", resp.StatusCode())}
	}
	return HealthStatus{Healthy: true, LatencyMs: latency}
}

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

type standxBookResponse struct {
	Symbol    string      `json:"symbol"`
	Bids      [][2]string `json:"bids"` // [price, size], best first
	Asks      [][2]string `json:"asks"`
	Timestamp int64       `json:"timestamp"` // unix millis
}

// GetOrderbook fetches a depth snapshot for one symbol.
func (s *StandX) GetOrderbook(ctx context.Context, symbol string, depth int) (*types.Orderbook, error) {
	if err := s.rl.Book.Wait(ctx); err != nil {
		return nil, err
	}

	var result standxBookResponse
	resp, err := s.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", s.NormalizeSymbol(symbol)).
		SetQueryParam("depth", fmt.Sprintf("%d", depth)).
		SetResult(&result).
		Get("/api/orderbook")
	if err != nil {
		return nil, NewAPIError(s.Name(), ErrNetwork, "get orderbook", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, s.classifyHTTP(resp, "get orderbook")
	}

	book := &types.Orderbook{
		Symbol:    symbol,
		Bids:      parseLevels(result.Bids),
		Asks:      parseLevels(result.Asks),
		Timestamp: time.UnixMilli(result.Timestamp),
	}
	if result.Timestamp == 0 {
		book.Timestamp = time.Now()
	}
	return book, nil
}

type standxSymbolInfo struct {
	Symbol    string `json:"symbol"`
	PriceTick string `json:"price_tick"`
	QtyStep   string `json:"qty_step"`
	MinQty    string `json:"min_qty"`
}

// SymbolSpec returns trading constraints for a symbol, cached for 5 minutes.
// A failed refresh preserves the prior cache entry.
func (s *StandX) SymbolSpec(ctx context.Context, symbol string) (*types.SymbolSpec, error) {
	s.specMu.Lock()
	spec, ok := s.specs[symbol]
	fresh := ok && time.Since(s.specsAt[symbol]) < symbolSpecTTL
	s.specMu.Unlock()
	if fresh {
		return spec, nil
	}

	if err := s.rl.Query.Wait(ctx); err != nil {
		return nil, err
	}

	var result []standxSymbolInfo
	resp, err := s.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get("/api/symbols")
	if err != nil || resp.StatusCode() != http.StatusOK {
		if ok {
			s.logger.Warn("symbol spec refresh failed, serving cached", "symbol", symbol, "error", err)
			return spec, nil
		}
		if err != nil {
			return nil, NewAPIError(s.Name(), ErrNetwork, "get symbols", err)
		}
		return nil, s.classifyHTTP(resp, "get symbols")
	}

	s.specMu.Lock()
	defer s.specMu.Unlock()
	now := time.Now()
	for _, info := range result {
		canonical := s.DenormalizeSymbol(info.Symbol)
		s.specs[canonical] = &types.SymbolSpec{
			Symbol:    canonical,
			PriceTick: parseFloat(info.PriceTick),
			QtyStep:   parseFloat(info.QtyStep),
			MinQty:    parseFloat(info.MinQty),
		}
		s.specsAt[canonical] = now
	}
	spec, ok = s.specs[symbol]
	if !ok {
		return nil, NewAPIError(s.Name(), ErrOther, fmt.Sprintf("symbol %s not listed", symbol), nil)
	}
	return spec, nil
}

// ————————————————————————————————————————————————————————————————————————
// Account
// ————————————————————————————————————————————————————————————————————————

type standxBalanceResponse struct {
	Total         string `json:"total"`
	Available     string `json:"available"`
	UnrealizedPnL string `json:"unrealized_pnl"`
}

// GetBalance fetches the account margin summary.
func (s *StandX) GetBalance(ctx context.Context) (*types.Balance, error) {
	if err := s.rl.Query.Wait(ctx); err != nil {
		return nil, err
	}

	var result standxBalanceResponse
	resp, err := s.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get("/api/balance")
	if err != nil {
		return nil, NewAPIError(s.Name(), ErrNetwork, "get balance", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, s.classifyHTTP(resp, "get balance")
	}

	return &types.Balance{
		Total:         parseFloat(result.Total),
		Available:     parseFloat(result.Available),
		UnrealizedPnL: parseFloat(result.UnrealizedPnL),
	}, nil
}

type standxPosition struct {
	Symbol        string `json:"symbol"`
	Side          string `json:"side"` // "long" or "short"
	Size          string `json:"size"` // always positive
	EntryPrice    string `json:"entry_price"`
	MarkPrice     string `json:"mark_price"`
	UnrealizedPnL string `json:"unrealized_pnl"`
}

// GetPositions fetches open positions, optionally filtered by symbol.
// Returned quantities are signed: positive long, negative short.
func (s *StandX) GetPositions(ctx context.Context, symbol string) ([]types.Position, error) {
	if err := s.rl.Query.Wait(ctx); err != nil {
		return nil, err
	}

	req := s.http.R().SetContext(ctx)
	if symbol != "" {
		req.SetQueryParam("symbol", s.NormalizeSymbol(symbol))
	}
	var result []standxPosition
	resp, err := req.SetResult(&result).Get("/api/positions")
	if err != nil {
		return nil, NewAPIError(s.Name(), ErrNetwork, "get positions", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, s.classifyHTTP(resp, "get positions")
	}

	positions := make([]types.Position, 0, len(result))
	for _, p := range result {
		qty := parseFloat(p.Size)
		if strings.EqualFold(p.Side, "short") {
			qty = -qty
		}
		positions = append(positions, types.Position{
			Venue:         s.Name(),
			Symbol:        s.DenormalizeSymbol(p.Symbol),
			Quantity:      qty,
			EntryPrice:    parseFloat(p.EntryPrice),
			MarkPrice:     parseFloat(p.MarkPrice),
			UnrealizedPnL: parseFloat(p.UnrealizedPnL),
			UpdatedAt:     time.Now(),
		})
	}
	return positions, nil
}

// ————————————————————————————————————————————————————————————————————————
// Orders
// ————————————————————————————————————————————————————————————————————————

type standxOrderResponse struct {
	OrderID       string `json:"order_id"`
	ClientOrderID string `json:"client_order_id"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	Price         string `json:"price"`
	Qty           string `json:"qty"`
	FilledQty     string `json:"filled_qty"`
	AvgFillPrice  string `json:"avg_fill_price"`
	Status        string `json:"status"`
	ReduceOnly    bool   `json:"reduce_only"`
	CreatedAt     int64  `json:"created_at"` // unix millis
	UpdatedAt     int64  `json:"updated_at"`
}

// PlaceOrder places a new order. Prices and quantities must already be
// rounded to the symbol spec; the payload is rendered at spec precision.
func (s *StandX) PlaceOrder(ctx context.Context, req types.OrderRequest) (*types.Order, error) {
	clientID := req.ClientOrderID
	if clientID == "" {
		clientID = uuid.NewString()
	}

	if s.dryRun {
		s.logger.Info("DRY-RUN: would place order",
			"symbol", req.Symbol, "side", req.Side, "type", req.Type,
			"qty", req.Quantity, "price", req.Price,
		)
		now := time.Now()
		return &types.Order{
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
		}, nil
	}

	if err := s.rl.Order.Wait(ctx); err != nil {
		return nil, err
	}

	spec, err := s.SymbolSpec(ctx, req.Symbol)
	if err != nil {
		return nil, fmt.Errorf("place order: %w", err)
	}

	payload := map[string]any{
		"symbol":          s.NormalizeSymbol(req.Symbol),
		"side":            strings.ToLower(string(req.Side)),
		"type":            strings.ToLower(string(req.Type)),
		"qty":             FormatQty(req.Quantity, spec.QtyStep),
		"time_in_force":   strings.ToLower(string(req.TimeInForce)),
		"reduce_only":     req.ReduceOnly,
		"post_only":       req.PostOnly || req.Type == types.OrderTypePostOnly,
		"client_order_id": clientID,
	}
	if req.Type != types.OrderTypeMarket {
		payload["price"] = FormatPrice(req.Price, spec.PriceTick)
	}

	var result standxOrderResponse
	resp, err := s.http.R().
		SetContext(ctx).
		SetBody(payload).
		SetResult(&result).
		Post("/api/order/place")
	if err != nil {
		return nil, NewAPIError(s.Name(), ErrNetwork, "place order", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, s.classifyHTTP(resp, "place order")
	}

	order := s.toOrder(result)
	s.logger.Debug("order placed",
		"order_id", order.OrderID, "side", order.Side, "price", order.Price, "qty", order.Quantity)
	return order, nil
}

// CancelOrder cancels one order by venue id.
func (s *StandX) CancelOrder(ctx context.Context, symbol, orderID string) error {
	if s.dryRun {
		s.logger.Info("DRY-RUN: would cancel order", "order_id", orderID)
		return nil
	}
	if err := s.rl.Order.Wait(ctx); err != nil {
		return err
	}

	resp, err := s.http.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"symbol":   s.NormalizeSymbol(symbol),
			"order_id": orderID,
		}).
		Post("/api/order/cancel")
	if err != nil {
		return NewAPIError(s.Name(), ErrNetwork, "cancel order", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return s.classifyHTTP(resp, "cancel order")
	}
	return nil
}

// GetOrder fetches a single order's current state.
// Returns an ORDER_NOT_FOUND kind when the venue no longer knows the id.
func (s *StandX) GetOrder(ctx context.Context, symbol, orderID string) (*types.Order, error) {
	if err := s.rl.Query.Wait(ctx); err != nil {
		return nil, err
	}

	var result standxOrderResponse
	resp, err := s.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", s.NormalizeSymbol(symbol)).
		SetQueryParam("order_id", orderID).
		SetResult(&result).
		Get("/api/order")
	if err != nil {
		return nil, NewAPIError(s.Name(), ErrNetwork, "get order", err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, NewAPIError(s.Name(), ErrOrderNotFound, orderID, nil)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, s.classifyHTTP(resp, "get order")
	}
	return s.toOrder(result), nil
}

// GetOpenOrders fetches all open orders for a symbol.
func (s *StandX) GetOpenOrders(ctx context.Context, symbol string) ([]types.Order, error) {
	if err := s.rl.Query.Wait(ctx); err != nil {
		return nil, err
	}

	var result []standxOrderResponse
	resp, err := s.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", s.NormalizeSymbol(symbol)).
		SetResult(&result).
		Get("/api/orders/open")
	if err != nil {
		return nil, NewAPIError(s.Name(), ErrNetwork, "get open orders", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, s.classifyHTTP(resp, "get open orders")
	}

	orders := make([]types.Order, 0, len(result))
	for _, r := range result {
		orders = append(orders, *s.toOrder(r))
	}
	return orders, nil
}

// ————————————————————————————————————————————————————————————————————————
// Wire translation
// ————————————————————————————————————————————————————————————————————————

type standxErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// classifyHTTP maps a non-200 response into a typed APIError.
func (s *StandX) classifyHTTP(resp *resty.Response, op string) error {
	var body standxErrorBody
	_ = json.Unmarshal(resp.Body(), &body)

	kind := ErrOther
	switch {
	case resp.StatusCode() == http.StatusTooManyRequests:
		kind = ErrRateLimited
	case resp.StatusCode() == http.StatusUnauthorized, resp.StatusCode() == http.StatusForbidden:
		kind = ErrAuth
	case resp.StatusCode() >= 500:
		kind = ErrNetwork
	}
	switch body.Code {
	case "ORDER_NOT_FOUND":
		kind = ErrOrderNotFound
	case "ORDER_ALREADY_FILLED":
		kind = ErrAlreadyFilled
	case "ORDER_ALREADY_CANCELLED":
		kind = ErrAlreadyCancelled
	case "POST_ONLY_WOULD_CROSS":
		kind = ErrPostOnlyReject
	case "QTY_BELOW_MIN":
		kind = ErrQtyBelowMin
	}

	msg := body.Message
	if msg == "" {
		msg = fmt.Sprintf("%s: status %d: %s", op, resp.StatusCode(), resp.String())
	}
	return NewAPIError(s.Name(), kind, msg, nil)
}

func (s *StandX) toOrder(r standxOrderResponse) *types.Order {
	return &types.Order{
		OrderID:       r.OrderID,
		ClientOrderID: r.ClientOrderID,
		Symbol:        s.DenormalizeSymbol(r.Symbol),
		Side:          types.Side(strings.ToUpper(r.Side)),
		Type:          types.OrderType(strings.ToUpper(r.Type)),
		Price:         parseFloat(r.Price),
		Quantity:      parseFloat(r.Qty),
		FilledQty:     parseFloat(r.FilledQty),
		AvgFillPrice:  parseFloat(r.AvgFillPrice),
		Status:        standxStatus(r.Status),
		ReduceOnly:    r.ReduceOnly,
		CreatedAt:     time.UnixMilli(r.CreatedAt),
		UpdatedAt:     time.UnixMilli(r.UpdatedAt),
	}
}

func standxStatus(s string) types.OrderStatus {
	switch strings.ToLower(s) {
	case "pending", "new":
		return types.StatusPending
	case "open":
		return types.StatusOpen
	case "partially_filled":
		return types.StatusPartiallyFilled
	case "filled":
		return types.StatusFilled
	case "cancelled", "canceled":
		return types.StatusCancelled
	case "rejected":
		return types.StatusRejected
	case "expired":
		return types.StatusExpired
	default:
		return types.StatusUnknownDisappeared
	}
}

func parseLevels(raw [][2]string) []types.PriceLevel {
	levels := make([]types.PriceLevel, 0, len(raw))
	for _, l := range raw {
		levels = append(levels, types.PriceLevel{
			Price: parseFloat(l[0]),
			Size:  parseFloat(l[1]),
		})
	}
	return levels
}
