// standx_ws.go implements the StandX authenticated user stream.
//
// The feed delivers "fill" executions and "order" lifecycle events for the
// subscribed symbols. It auto-reconnects with exponential backoff (1s → 30s
// max) and re-subscribes to all tracked symbols on reconnection. A read
// deadline (90s) ensures silent server failures are detected within ~2
// missed pings.
//
// Events are dispatched to caller-supplied callbacks from a single feed
// goroutine, so callbacks must not block for long.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"perp-mm/pkg/types"
)

const (
	pingInterval     = 50 * time.Second // how often we send PING to keep alive
	readTimeout      = 90 * time.Second // ~2 missed pings triggers reconnect
	maxReconnectWait = 30 * time.Second // cap on exponential backoff
	writeTimeout     = 10 * time.Second // deadline for outgoing messages
)

// StandXFeed manages the authenticated user-stream connection. It handles
// connection lifecycle, subscription tracking, message routing, and
// automatic reconnection with exponential backoff.
type StandXFeed struct {
	url    string
	token  string
	conn   *websocket.Conn
	connMu sync.Mutex // protects conn reads/writes

	// Track subscriptions for automatic re-subscribe on reconnect
	subscribedMu sync.RWMutex
	subscribed   map[string]bool // native symbols

	onFill       func(types.FillEvent)
	onOrderState func(types.OrderStateEvent)

	cancel context.CancelFunc
	done   chan struct{}

	logger *slog.Logger
}

// NewStandXFeed creates a user-stream feed. Callbacks may be nil.
func NewStandXFeed(wsURL, token string, onFill func(types.FillEvent), onOrderState func(types.OrderStateEvent), logger *slog.Logger) *StandXFeed {
	return &StandXFeed{
		url:          wsURL,
		token:        token,
		subscribed:   make(map[string]bool),
		onFill:       onFill,
		onOrderState: onOrderState,
		done:         make(chan struct{}),
		logger:       logger.With("component", "standx_ws"),
	}
}

// Run connects and maintains the connection with auto-reconnect.
// Blocks until ctx is cancelled.
func (f *StandXFeed) Run(ctx context.Context) error {
	defer close(f.done)
	backoff := time.Second

	for {
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		f.logger.Warn("user stream disconnected, reconnecting",
			"error", err,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		// Exponential backoff: 1s, 2s, 4s, 8s, ..., 30s max
		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// Subscribe adds symbols to the stream.
func (f *StandXFeed) Subscribe(symbols []string) error {
	f.subscribedMu.Lock()
	for _, s := range symbols {
		f.subscribed[s] = true
	}
	f.subscribedMu.Unlock()

	return f.writeJSON(map[string]any{
		"op":      "subscribe",
		"symbols": symbols,
	})
}

// Close gracefully closes the connection.
func (f *StandXFeed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *StandXFeed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	if err := f.sendAuthAndSubscribe(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	f.logger.Info("user stream connected")

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx)

	// Read loop with deadline so we reconnect if server goes silent
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		f.dispatchMessage(msg)
	}
}

func (f *StandXFeed) sendAuthAndSubscribe() error {
	f.subscribedMu.RLock()
	symbols := make([]string, 0, len(f.subscribed))
	for s := range f.subscribed {
		symbols = append(symbols, s)
	}
	f.subscribedMu.RUnlock()

	return f.writeJSON(map[string]any{
		"op":      "subscribe",
		"token":   f.token,
		"symbols": symbols,
	})
}

type standxWSFill struct {
	OrderID       string `json:"order_id"`
	ClientOrderID string `json:"client_order_id"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	FillQty       string `json:"fill_qty"`
	FillPrice     string `json:"fill_price"`
	RemainingQty  string `json:"remaining_qty"`
	IsMaker       bool   `json:"is_maker"`
	Timestamp     int64  `json:"timestamp"`
}

type standxWSOrder struct {
	OrderID       string `json:"order_id"`
	ClientOrderID string `json:"client_order_id"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Status        string `json:"status"`
	FilledQty     string `json:"filled_qty"`
	Timestamp     int64  `json:"timestamp"`
}

func (f *StandXFeed) dispatchMessage(data []byte) {
	// Peek at event type to route
	var envelope struct {
		Event string          `json:"event"`
		Data  json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		f.logger.Debug("ignoring non-json ws message", "data", string(data))
		return
	}

	switch envelope.Event {
	case "fill":
		var raw standxWSFill
		if err := json.Unmarshal(envelope.Data, &raw); err != nil {
			f.logger.Error("unmarshal fill event", "error", err)
			return
		}
		if f.onFill == nil {
			return
		}
		maker := types.MakerNo
		if raw.IsMaker {
			maker = types.MakerYes
		}
		remaining := parseFloat(raw.RemainingQty)
		f.onFill(types.FillEvent{
			OrderID:       raw.OrderID,
			ClientOrderID: raw.ClientOrderID,
			Symbol:        raw.Symbol,
			Side:          types.Side(strings.ToUpper(raw.Side)),
			FillQty:       parseFloat(raw.FillQty),
			FillPrice:     parseFloat(raw.FillPrice),
			RemainingQty:  remaining,
			IsFullyFilled: remaining <= 0,
			IsMaker:       maker,
			Timestamp:     time.UnixMilli(raw.Timestamp),
		})

	case "order":
		var raw standxWSOrder
		if err := json.Unmarshal(envelope.Data, &raw); err != nil {
			f.logger.Error("unmarshal order event", "error", err)
			return
		}
		if f.onOrderState == nil {
			return
		}
		f.onOrderState(types.OrderStateEvent{
			OrderID:       raw.OrderID,
			ClientOrderID: raw.ClientOrderID,
			Symbol:        raw.Symbol,
			Side:          types.Side(strings.ToUpper(raw.Side)),
			Status:        standxStatus(raw.Status),
			FilledQty:     parseFloat(raw.FilledQty),
			Timestamp:     time.UnixMilli(raw.Timestamp),
		})

	case "subscribed", "pong", "heartbeat":
		f.logger.Debug("ignoring event", "type", envelope.Event)

	default:
		f.logger.Debug("unknown ws event type", "type", envelope.Event)
	}
}

func (f *StandXFeed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.writeMessage(websocket.TextMessage, []byte(`{"op":"ping"}`)); err != nil {
				f.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (f *StandXFeed) writeJSON(v any) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(v)
}

func (f *StandXFeed) writeMessage(msgType int, data []byte) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteMessage(msgType, data)
}

// ————————————————————————————————————————————————————————————————————————
// StreamAdapter implementation on StandX
// ————————————————————————————————————————————————————————————————————————

// StartStream starts the push feed for the given symbols. Events arrive on
// the supplied callbacks until StopStream or context cancellation.
func (s *StandX) StartStream(ctx context.Context, symbols []string, onFill func(types.FillEvent), onOrderState func(types.OrderStateEvent)) error {
	s.feedMu.Lock()
	defer s.feedMu.Unlock()
	if s.feed != nil {
		return fmt.Errorf("stream already running")
	}
	if s.wsURL == "" {
		return fmt.Errorf("no websocket url configured")
	}

	feed := NewStandXFeed(s.wsURL, s.token, onFill, onOrderState, s.logger)

	native := make([]string, 0, len(symbols))
	for _, sym := range symbols {
		native = append(native, s.NormalizeSymbol(sym))
	}
	feed.subscribedMu.Lock()
	for _, sym := range native {
		feed.subscribed[sym] = true
	}
	feed.subscribedMu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	feed.cancel = cancel
	go func() {
		if err := feed.Run(runCtx); err != nil && runCtx.Err() == nil {
			s.logger.Error("user stream terminated", "error", err)
		}
	}()

	s.feed = feed
	return nil
}

// StopStream tears down the push feed. Safe to call when no stream runs.
func (s *StandX) StopStream() error {
	s.feedMu.Lock()
	defer s.feedMu.Unlock()
	if s.feed == nil {
		return nil
	}
	s.feed.cancel()
	err := s.feed.Close()
	select {
	case <-s.feed.done:
	case <-time.After(5 * time.Second):
		s.logger.Warn("user stream did not stop in time")
	}
	s.feed = nil
	return err
}
