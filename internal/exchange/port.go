package exchange

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"bitbank-mm/pkg/money"
	"bitbank-mm/pkg/types"
)

// Balance is the account's available and locked funds for one asset.
type Balance struct {
	Asset     string
	Available decimal.Decimal
	Locked    decimal.Decimal
}

// OHLCVBar is one candle.
type OHLCVBar struct {
	Timestamp time.Time
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal
}

// CreateOrderParams is the venue-facing order request built from an
// OrderIntent by the Order Manager.
type CreateOrderParams struct {
	Symbol   money.Symbol
	Side     types.Side
	Kind     types.OrderKind
	Amount   decimal.Decimal
	Price    decimal.Decimal // ignored for market orders
	PostOnly bool
}

// CreateOrderResult is what the venue hands back on acceptance.
type CreateOrderResult struct {
	OrderID string
}

// ExchangeOrder is the venue's view of one order, used by
// FetchOpenOrders reconciliation.
type ExchangeOrder struct {
	OrderID      string
	Symbol       money.Symbol
	Side         types.Side
	State        types.OrderState
	FilledAmount decimal.Decimal
	AvgFillPrice decimal.Decimal
	FeePaid      decimal.Decimal
}

// Port is the abstract capability set spec.md §6 names: fetch_balance,
// fetch_ticker, fetch_order_book, fetch_ohlcv, create_order, cancel_order,
// fetch_open_orders. Live and Paper satisfy this same interface (cmd/bot
// also runs state.mode=backtest on Paper; there is no separate backtest
// implementation) so the rest of the execution core never branches on
// mode.
type Port interface {
	FetchBalance(ctx context.Context, asset string) (Balance, error)
	FetchTicker(ctx context.Context, symbol money.Symbol) (types.MarketSnapshot, error)
	FetchOrderBook(ctx context.Context, symbol money.Symbol) (bid, ask decimal.Decimal, err error)
	FetchOHLCV(ctx context.Context, symbol money.Symbol, interval time.Duration, limit int) ([]OHLCVBar, error)
	CreateOrder(ctx context.Context, params CreateOrderParams) (CreateOrderResult, error)
	CancelOrder(ctx context.Context, orderID string, symbol money.Symbol) error
	FetchOpenOrders(ctx context.Context, symbol money.Symbol) ([]ExchangeOrder, error)
}
