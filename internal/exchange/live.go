package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"bitbank-mm/internal/gateway"
	"bitbank-mm/pkg/money"
	"bitbank-mm/pkg/types"
)

// apiEnvelope mirrors the venue's {success, data} REST wrapper.
type apiEnvelope struct {
	Success int             `json:"success"`
	Data    json.RawMessage `json:"data"`
}

type balanceAsset struct {
	Asset              string `json:"asset"`
	OnhandAmount       string `json:"onhand_amount"`
	LockedAmount       string `json:"locked_amount"`
	FreeAmount         string `json:"free_amount"`
}

type tickerPayload struct {
	Sell      string `json:"sell"`
	Buy       string `json:"buy"`
	High      string `json:"high"`
	Low       string `json:"low"`
	Last      string `json:"last"`
	Vol       string `json:"vol"`
	Timestamp int64  `json:"timestamp"`
}

type depthPayload struct {
	Bids      [][]string `json:"bids"`
	Asks      [][]string `json:"asks"`
	Timestamp int64      `json:"timestamp"`
}

type ohlcvRow [6]string // [open, high, low, close, volume, unix_ms] per bar

type orderAck struct {
	OrderID int64  `json:"order_id"`
	Symbol  string `json:"pair"`
}

type exchangeOrderPayload struct {
	OrderID        int64  `json:"order_id"`
	Pair           string `json:"pair"`
	Side           string `json:"side"`
	Status         string `json:"status"`
	ExecutedAmount string `json:"executed_amount"`
	AveragePrice   string `json:"average_price"`
}

// Live talks to the venue's REST API through a rate-limited, circuit
// breaking Gateway and signs every private request with Auth.
type Live struct {
	http    *resty.Client
	auth    *Auth
	gateway *gateway.Gateway
	logger  *slog.Logger
}

// NewLive builds a live Port implementation. baseURL is the venue's REST
// root (e.g. "https://api.bitbank.cc/v1" for public, a separate private
// root for signed calls — both are reachable through the same resty
// client since the venue distinguishes by path, not host, in the common
// case; callers needing two hosts construct two Live instances).
func NewLive(baseURL string, auth *Auth, gw *gateway.Gateway, logger *slog.Logger) *Live {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetHeader("Content-Type", "application/json")

	return &Live{http: httpClient, auth: auth, gateway: gw, logger: logger}
}

func (l *Live) doGet(ctx context.Context, path string, query map[string]string, signed bool) (json.RawMessage, error) {
	result, err := l.gateway.Call(ctx, gateway.Get, func(ctx context.Context) (any, time.Duration, error) {
		req := l.http.R().SetContext(ctx)
		if len(query) > 0 {
			req.SetQueryParams(query)
		}
		if signed {
			req.SetHeaders(l.auth.Headers(""))
		}
		resp, err := req.Get(path)
		if err != nil {
			return nil, 0, err
		}
		if wait, ok := RetryAfterFromHeader(resp.Header()); ok && resp.StatusCode() == http.StatusTooManyRequests {
			return nil, wait, fmt.Errorf("rate limited on %s", path)
		}
		if resp.StatusCode() != http.StatusOK {
			return nil, 0, fmt.Errorf("get %s: status %d: %s", path, resp.StatusCode(), resp.String())
		}
		var env apiEnvelope
		if err := json.Unmarshal(resp.Body(), &env); err != nil {
			return nil, 0, fmt.Errorf("decode envelope for %s: %w", path, err)
		}
		if env.Success != 1 {
			return nil, 0, fmt.Errorf("%s rejected: %s", path, string(env.Data))
		}
		return env.Data, 0, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(json.RawMessage), nil
}

func (l *Live) doMutate(ctx context.Context, verb gateway.Verb, method, path string, body []byte) (json.RawMessage, error) {
	result, err := l.gateway.Call(ctx, verb, func(ctx context.Context) (any, time.Duration, error) {
		req := l.http.R().SetContext(ctx).SetHeaders(l.auth.Headers(string(body)))
		if body != nil {
			req.SetBody(body)
		}
		var resp *resty.Response
		var err error
		switch method {
		case http.MethodPost:
			resp, err = req.Post(path)
		case http.MethodDelete:
			resp, err = req.Delete(path)
		default:
			return nil, 0, fmt.Errorf("unsupported method %s", method)
		}
		if err != nil {
			return nil, 0, err
		}
		if wait, ok := RetryAfterFromHeader(resp.Header()); ok && resp.StatusCode() == http.StatusTooManyRequests {
			return nil, wait, fmt.Errorf("rate limited on %s", path)
		}
		if resp.StatusCode() != http.StatusOK {
			return nil, 0, fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode(), resp.String())
		}
		var env apiEnvelope
		if err := json.Unmarshal(resp.Body(), &env); err != nil {
			return nil, 0, fmt.Errorf("decode envelope for %s: %w", path, err)
		}
		if env.Success != 1 {
			return nil, 0, fmt.Errorf("%s rejected: %s", path, string(env.Data))
		}
		return env.Data, 0, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(json.RawMessage), nil
}

func (l *Live) FetchBalance(ctx context.Context, asset string) (Balance, error) {
	data, err := l.doGet(ctx, "/user/assets", nil, true)
	if err != nil {
		return Balance{}, err
	}
	var parsed struct {
		Assets []balanceAsset `json:"assets"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return Balance{}, fmt.Errorf("decode balances: %w", err)
	}
	for _, a := range parsed.Assets {
		if a.Asset != asset {
			continue
		}
		free, _ := decimal.NewFromString(a.FreeAmount)
		locked, _ := decimal.NewFromString(a.LockedAmount)
		return Balance{Asset: asset, Available: free, Locked: locked}, nil
	}
	return Balance{Asset: asset}, nil
}

func (l *Live) FetchTicker(ctx context.Context, symbol money.Symbol) (types.MarketSnapshot, error) {
	pair := pairPath(symbol)
	data, err := l.doGet(ctx, fmt.Sprintf("/%s/ticker", pair), nil, false)
	if err != nil {
		return types.MarketSnapshot{}, err
	}
	var t tickerPayload
	if err := json.Unmarshal(data, &t); err != nil {
		return types.MarketSnapshot{}, fmt.Errorf("decode ticker: %w", err)
	}
	bid, _ := decimal.NewFromString(t.Buy)
	ask, _ := decimal.NewFromString(t.Sell)
	last, _ := decimal.NewFromString(t.Last)
	vol, _ := decimal.NewFromString(t.Vol)
	return types.MarketSnapshot{
		Symbol:    symbol,
		Bid:       bid,
		Ask:       ask,
		Last:      last,
		Volume:    vol,
		Timestamp: time.UnixMilli(t.Timestamp),
	}, nil
}

func (l *Live) FetchOrderBook(ctx context.Context, symbol money.Symbol) (decimal.Decimal, decimal.Decimal, error) {
	pair := pairPath(symbol)
	data, err := l.doGet(ctx, fmt.Sprintf("/%s/depth", pair), nil, false)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	var d depthPayload
	if err := json.Unmarshal(data, &d); err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("decode depth: %w", err)
	}
	if len(d.Bids) == 0 || len(d.Asks) == 0 {
		return decimal.Zero, decimal.Zero, fmt.Errorf("empty order book for %s", symbol)
	}
	bid, _ := decimal.NewFromString(d.Bids[0][0])
	ask, _ := decimal.NewFromString(d.Asks[0][0])
	return bid, ask, nil
}

func (l *Live) FetchOHLCV(ctx context.Context, symbol money.Symbol, interval time.Duration, limit int) ([]OHLCVBar, error) {
	pair := pairPath(symbol)
	candleType := candleTypeFor(interval)
	now := time.Now()
	data, err := l.doGet(ctx, fmt.Sprintf("/%s/candlestick/%s/%s", pair, candleType, now.Format("20060102")), nil, false)
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Candlestick []struct {
			Type  string     `json:"type"`
			Ohlcv []ohlcvRow `json:"ohlcv"`
		} `json:"candlestick"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("decode candlestick: %w", err)
	}
	if len(parsed.Candlestick) == 0 {
		return nil, nil
	}
	rows := parsed.Candlestick[0].Ohlcv
	if limit > 0 && len(rows) > limit {
		rows = rows[len(rows)-limit:]
	}
	bars := make([]OHLCVBar, 0, len(rows))
	for _, r := range rows {
		open, _ := decimal.NewFromString(r[0])
		high, _ := decimal.NewFromString(r[1])
		low, _ := decimal.NewFromString(r[2])
		closePrice, _ := decimal.NewFromString(r[3])
		vol, _ := decimal.NewFromString(r[4])
		ms, _ := strconv.ParseInt(r[5], 10, 64)
		bars = append(bars, OHLCVBar{
			Timestamp: time.UnixMilli(ms),
			Open:      open,
			High:      high,
			Low:       low,
			Close:     closePrice,
			Volume:    vol,
		})
	}
	return bars, nil
}

func (l *Live) CreateOrder(ctx context.Context, params CreateOrderParams) (CreateOrderResult, error) {
	payload := map[string]any{
		"pair":   pairPath(params.Symbol),
		"amount": money.String(params.Amount),
		"side":   sideString(params.Side),
		"type":   orderKindString(params.Kind),
	}
	if params.Kind == types.Limit {
		payload["price"] = money.String(params.Price)
	}
	if params.PostOnly {
		payload["post_only"] = true
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return CreateOrderResult{}, fmt.Errorf("marshal order: %w", err)
	}
	data, err := l.doMutate(ctx, gateway.Post, http.MethodPost, "/user/spot/order", body)
	if err != nil {
		return CreateOrderResult{}, err
	}
	var ack orderAck
	if err := json.Unmarshal(data, &ack); err != nil {
		return CreateOrderResult{}, fmt.Errorf("decode order ack: %w", err)
	}
	return CreateOrderResult{OrderID: strconv.FormatInt(ack.OrderID, 10)}, nil
}

func (l *Live) CancelOrder(ctx context.Context, orderID string, symbol money.Symbol) error {
	payload := map[string]any{
		"pair":     pairPath(symbol),
		"order_id": orderID,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal cancel: %w", err)
	}
	_, err = l.doMutate(ctx, gateway.Post, http.MethodPost, "/user/spot/cancel_order", body)
	return err
}

func (l *Live) FetchOpenOrders(ctx context.Context, symbol money.Symbol) ([]ExchangeOrder, error) {
	data, err := l.doGet(ctx, "/user/spot/active_orders", map[string]string{"pair": pairPath(symbol)}, true)
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Orders []exchangeOrderPayload `json:"orders"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("decode open orders: %w", err)
	}
	out := make([]ExchangeOrder, 0, len(parsed.Orders))
	for _, o := range parsed.Orders {
		filled, _ := decimal.NewFromString(o.ExecutedAmount)
		avg, _ := decimal.NewFromString(o.AveragePrice)
		out = append(out, ExchangeOrder{
			OrderID:      strconv.FormatInt(o.OrderID, 10),
			Symbol:       symbol,
			Side:         sideFromString(o.Side),
			State:        orderStateFromString(o.Status),
			FilledAmount: filled,
			AvgFillPrice: avg,
		})
	}
	return out, nil
}

func pairPath(symbol money.Symbol) string {
	// "BTC/JPY" -> "btc_jpy"
	s := string(symbol)
	out := make([]byte, 0, len(s))
	for _, r := range s {
		switch r {
		case '/':
			out = append(out, '_')
		default:
			if r >= 'A' && r <= 'Z' {
				out = append(out, byte(r-'A'+'a'))
			} else {
				out = append(out, byte(r))
			}
		}
	}
	return string(out)
}

func candleTypeFor(interval time.Duration) string {
	switch {
	case interval <= time.Minute:
		return "1min"
	case interval <= 5*time.Minute:
		return "5min"
	case interval <= 15*time.Minute:
		return "15min"
	case interval <= time.Hour:
		return "1hour"
	default:
		return "1day"
	}
}

func sideString(side types.Side) string {
	if side == types.Sell {
		return "sell"
	}
	return "buy"
}

func sideFromString(s string) types.Side {
	if s == "sell" {
		return types.Sell
	}
	return types.Buy
}

func orderKindString(k types.OrderKind) string {
	if k == types.Market {
		return "market"
	}
	return "limit"
}

func orderStateFromString(s string) types.OrderState {
	switch s {
	case "FULLY_FILLED":
		return types.OrderFilled
	case "PARTIALLY_FILLED":
		return types.OrderPartial
	case "CANCELED_UNFILLED", "CANCELED_PARTIALLY_FILLED":
		return types.OrderCancelled
	case "UNFILLED":
		return types.OrderWorking
	default:
		return types.OrderSubmitted
	}
}
