// ws.go implements the real-time market-data feed.
//
// The venue publishes ticker and depth updates over a public WebSocket
// channel keyed by pair (e.g. "btc_jpy"). There is no authenticated
// order-event channel, so fills are discovered by polling
// FetchOpenOrders/FetchBalance through the Port rather than a private
// feed — the Feed here only ever carries market data.
//
// The feed auto-reconnects with exponential backoff (1s -> 30s max) and
// re-subscribes to all tracked pairs on reconnection. A read deadline
// (90s) detects a silently dead connection within roughly two missed
// pings.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"bitbank-mm/pkg/money"
)

const (
	pingInterval     = 50 * time.Second
	readTimeout      = 90 * time.Second
	maxReconnectWait = 30 * time.Second
	writeTimeout     = 10 * time.Second
	tickerBufferSize = 256
	depthBufferSize  = 256
)

// TickerEvent is a public best-bid/ask/last update for one pair.
type TickerEvent struct {
	Symbol    money.Symbol
	Bid       decimal.Decimal
	Ask       decimal.Decimal
	Last      decimal.Decimal
	Volume    decimal.Decimal
	Timestamp time.Time
}

// DepthEvent is a public order book top-of-book update for one pair.
type DepthEvent struct {
	Symbol    money.Symbol
	Bid       decimal.Decimal
	Ask       decimal.Decimal
	Timestamp time.Time
}

type wireEnvelope struct {
	RoomName string          `json:"room_name"`
	Message  json.RawMessage `json:"message"`
}

type wireTicker struct {
	Sell      string `json:"sell"`
	Buy       string `json:"buy"`
	Last      string `json:"last"`
	Vol       string `json:"vol"`
	Timestamp int64  `json:"timestamp"`
}

type wireDepthDiff struct {
	Bids      [][]string `json:"b"`
	Asks      [][]string `json:"a"`
	Timestamp int64      `json:"t"`
}

// Feed manages a single public WebSocket connection carrying ticker and
// depth updates for a set of subscribed pairs. It handles connection
// lifecycle, subscription tracking, message routing, and automatic
// reconnection with exponential backoff.
type Feed struct {
	url    string
	conn   *websocket.Conn
	connMu sync.Mutex

	subscribedMu sync.RWMutex
	subscribed   map[money.Symbol]bool

	tickerCh chan TickerEvent
	depthCh  chan DepthEvent

	logger *slog.Logger
}

// NewFeed creates a market-data feed. wsURL is the venue's public
// streaming endpoint.
func NewFeed(wsURL string, logger *slog.Logger) *Feed {
	return &Feed{
		url:        wsURL,
		subscribed: make(map[money.Symbol]bool),
		tickerCh:   make(chan TickerEvent, tickerBufferSize),
		depthCh:    make(chan DepthEvent, depthBufferSize),
		logger:     logger.With("component", "ws_feed"),
	}
}

// TickerEvents returns a read-only channel of ticker updates.
func (f *Feed) TickerEvents() <-chan TickerEvent { return f.tickerCh }

// DepthEvents returns a read-only channel of depth updates.
func (f *Feed) DepthEvents() <-chan DepthEvent { return f.depthCh }

// Run connects and maintains the WebSocket connection with auto-reconnect.
// Blocks until ctx is cancelled.
func (f *Feed) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		f.logger.Warn("feed disconnected, reconnecting", "error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// Subscribe adds pairs to both the tracked set and the live connection
// (if connected).
func (f *Feed) Subscribe(symbols []money.Symbol) error {
	f.subscribedMu.Lock()
	for _, s := range symbols {
		f.subscribed[s] = true
	}
	f.subscribedMu.Unlock()

	for _, s := range symbols {
		if err := f.writeJSON(subscribeMessage(s)); err != nil {
			return err
		}
	}
	return nil
}

// Unsubscribe removes pairs from the tracked set.
func (f *Feed) Unsubscribe(symbols []money.Symbol) error {
	f.subscribedMu.Lock()
	for _, s := range symbols {
		delete(f.subscribed, s)
	}
	f.subscribedMu.Unlock()

	for _, s := range symbols {
		if err := f.writeJSON(unsubscribeMessage(s)); err != nil {
			return err
		}
	}
	return nil
}

// Close gracefully closes the connection.
func (f *Feed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *Feed) connectAndRead(ctx context.Context) error {
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

	if err := f.resubscribeAll(); err != nil {
		return fmt.Errorf("resubscribe: %w", err)
	}

	f.logger.Info("feed connected")

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx)

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

func (f *Feed) resubscribeAll() error {
	f.subscribedMu.RLock()
	symbols := make([]money.Symbol, 0, len(f.subscribed))
	for s := range f.subscribed {
		symbols = append(symbols, s)
	}
	f.subscribedMu.RUnlock()

	for _, s := range symbols {
		if err := f.writeJSON(subscribeMessage(s)); err != nil {
			return err
		}
	}
	return nil
}

func subscribeMessage(symbol money.Symbol) any {
	return map[string]string{"command": "subscribe", "room": roomFor(symbol)}
}

func unsubscribeMessage(symbol money.Symbol) any {
	return map[string]string{"command": "unsubscribe", "room": roomFor(symbol)}
}

func roomFor(symbol money.Symbol) string {
	return fmt.Sprintf("ticker_%s", pairPath(symbol))
}

func (f *Feed) dispatchMessage(data []byte) {
	var env wireEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		f.logger.Debug("ignoring non-json feed message", "data", string(data))
		return
	}

	symbol := symbolFromRoom(env.RoomName)
	if symbol == "" {
		f.logger.Debug("unrecognized room", "room", env.RoomName)
		return
	}

	if looksLikeTicker(env.Message) {
		var t wireTicker
		if err := json.Unmarshal(env.Message, &t); err != nil {
			f.logger.Error("unmarshal ticker", "error", err)
			return
		}
		bid, _ := decimal.NewFromString(t.Buy)
		ask, _ := decimal.NewFromString(t.Sell)
		last, _ := decimal.NewFromString(t.Last)
		vol, _ := decimal.NewFromString(t.Vol)
		evt := TickerEvent{
			Symbol:    symbol,
			Bid:       bid,
			Ask:       ask,
			Last:      last,
			Volume:    vol,
			Timestamp: time.UnixMilli(t.Timestamp),
		}
		select {
		case f.tickerCh <- evt:
		default:
			f.logger.Warn("ticker channel full, dropping event", "symbol", symbol)
		}
		return
	}

	var d wireDepthDiff
	if err := json.Unmarshal(env.Message, &d); err != nil {
		f.logger.Debug("ignoring unrecognized feed payload", "room", env.RoomName)
		return
	}
	if len(d.Bids) == 0 && len(d.Asks) == 0 {
		return
	}
	var bid, ask decimal.Decimal
	if len(d.Bids) > 0 {
		bid, _ = decimal.NewFromString(d.Bids[0][0])
	}
	if len(d.Asks) > 0 {
		ask, _ = decimal.NewFromString(d.Asks[0][0])
	}
	evt := DepthEvent{Symbol: symbol, Bid: bid, Ask: ask, Timestamp: time.UnixMilli(d.Timestamp)}
	select {
	case f.depthCh <- evt:
	default:
		f.logger.Warn("depth channel full, dropping event", "symbol", symbol)
	}
}

// symbolFromRoom reverses roomFor for the "ticker_<pair>" and
// "depth_diff_<pair>" room naming the venue uses.
func symbolFromRoom(room string) money.Symbol {
	for _, prefix := range []string{"ticker_", "depth_diff_", "depth_whole_"} {
		if len(room) > len(prefix) && room[:len(prefix)] == prefix {
			return symbolFromPair(room[len(prefix):])
		}
	}
	return ""
}

func symbolFromPair(pair string) money.Symbol {
	out := make([]byte, 0, len(pair))
	for i := 0; i < len(pair); i++ {
		c := pair[i]
		switch {
		case c == '_':
			out = append(out, '/')
		case c >= 'a' && c <= 'z':
			out = append(out, c-'a'+'A')
		default:
			out = append(out, c)
		}
	}
	return money.Symbol(out)
}

func looksLikeTicker(raw json.RawMessage) bool {
	var probe struct {
		Last string `json:"last"`
	}
	return json.Unmarshal(raw, &probe) == nil && probe.Last != ""
}

func (f *Feed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.writeMessage(websocket.PingMessage, nil); err != nil {
				f.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (f *Feed) writeJSON(v any) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("feed not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(v)
}

func (f *Feed) writeMessage(msgType int, data []byte) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("feed not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteMessage(msgType, data)
}
