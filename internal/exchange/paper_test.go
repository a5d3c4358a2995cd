package exchange

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bitbank-mm/pkg/money"
	"bitbank-mm/pkg/types"
)

type fixedFeed struct {
	bid, ask decimal.Decimal
}

func (f *fixedFeed) BestBidAsk(symbol money.Symbol) (decimal.Decimal, decimal.Decimal) {
	return f.bid, f.ask
}

func TestCreateOrderMarketFillsImmediately(t *testing.T) {
	t.Parallel()
	feed := &fixedFeed{bid: money.NewFromFloat(5_000_000), ask: money.NewFromFloat(5_000_500)}
	p := NewPaper(feed, money.NewFromFloat(-0.0002), money.NewFromFloat(0.0012), map[string]decimal.Decimal{
		"JPY": money.NewFromFloat(1_000_000),
	})

	result, err := p.CreateOrder(context.Background(), CreateOrderParams{
		Symbol: "BTC/JPY",
		Side:   types.Buy,
		Kind:   types.Market,
		Amount: money.NewFromFloat(0.01),
	})
	require.NoError(t, err)

	orders, err := p.FetchOpenOrders(context.Background(), "BTC/JPY")
	require.NoError(t, err)
	assert.Empty(t, orders) // fully filled, no longer "open"
	_ = result
}

func TestCreateOrderCrossingLimitFillsImmediately(t *testing.T) {
	t.Parallel()
	feed := &fixedFeed{bid: money.NewFromFloat(5_000_000), ask: money.NewFromFloat(5_000_500)}
	p := NewPaper(feed, money.NewFromFloat(-0.0002), money.NewFromFloat(0.0012), nil)

	_, err := p.CreateOrder(context.Background(), CreateOrderParams{
		Symbol: "BTC/JPY",
		Side:   types.Buy,
		Kind:   types.Limit,
		Amount: money.NewFromFloat(0.01),
		Price:  money.NewFromFloat(5_000_600), // crosses the ask
	})
	require.NoError(t, err)

	orders, err := p.FetchOpenOrders(context.Background(), "BTC/JPY")
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestCreateOrderRestingLimitStaysOpenUntilTick(t *testing.T) {
	t.Parallel()
	feed := &fixedFeed{bid: money.NewFromFloat(5_000_000), ask: money.NewFromFloat(5_000_500)}
	p := NewPaper(feed, money.NewFromFloat(-0.0002), money.NewFromFloat(0.0012), nil)

	result, err := p.CreateOrder(context.Background(), CreateOrderParams{
		Symbol: "BTC/JPY",
		Side:   types.Buy,
		Kind:   types.Limit,
		Amount: money.NewFromFloat(0.01),
		Price:  money.NewFromFloat(4_999_000), // rests below the bid
	})
	require.NoError(t, err)

	orders, err := p.FetchOpenOrders(context.Background(), "BTC/JPY")
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, result.OrderID, orders[0].OrderID)

	// Market trades down through the resting order.
	feed.bid = money.NewFromFloat(4_998_000)
	feed.ask = money.NewFromFloat(4_998_500)
	p.Tick()

	orders, err = p.FetchOpenOrders(context.Background(), "BTC/JPY")
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestCancelOrderIsIdempotent(t *testing.T) {
	t.Parallel()
	feed := &fixedFeed{bid: money.NewFromFloat(5_000_000), ask: money.NewFromFloat(5_000_500)}
	p := NewPaper(feed, money.NewFromFloat(-0.0002), money.NewFromFloat(0.0012), nil)

	result, err := p.CreateOrder(context.Background(), CreateOrderParams{
		Symbol: "BTC/JPY",
		Side:   types.Buy,
		Kind:   types.Limit,
		Amount: money.NewFromFloat(0.01),
		Price:  money.NewFromFloat(4_999_000),
	})
	require.NoError(t, err)

	require.NoError(t, p.CancelOrder(context.Background(), result.OrderID, "BTC/JPY"))
	require.NoError(t, p.CancelOrder(context.Background(), result.OrderID, "BTC/JPY")) // second cancel is a no-op
	require.NoError(t, p.CancelOrder(context.Background(), "unknown-id", "BTC/JPY"))
}
