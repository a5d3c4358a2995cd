package takeravoid

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bitbank-mm/pkg/money"
	"bitbank-mm/pkg/types"
)

type fakeBook struct {
	bid, ask money.Price
}

func (b *fakeBook) BestBidAsk(symbol money.Symbol) (bid, ask money.Price) {
	return b.bid, b.ask
}

type fakeWaiter struct {
	filled bool
}

func (w *fakeWaiter) WaitForFill(ctx context.Context, orderID string, deadline time.Time) bool {
	if w.filled {
		return true
	}
	<-time.After(time.Until(deadline) + 10*time.Millisecond)
	return false
}

func (w *fakeWaiter) Cancel(ctx context.Context, orderID string) error { return nil }

func TestPlanPlacesOneTickInsideTouch(t *testing.T) {
	t.Parallel()
	p := New(money.NewFromFloat(500), 60*time.Second, money.NewFromFloat(0))

	signal := types.TradeSignal{Side: types.Buy}
	price := p.Plan(signal, money.NewFromFloat(5_000_000), money.NewFromFloat(5_000_500))

	assert.True(t, price.Equal(money.NewFromFloat(5_000_500)))
}

func TestExecuteReturnsMakerFilledWhenFillArrives(t *testing.T) {
	t.Parallel()
	p := New(money.NewFromFloat(500), 2*time.Second, money.NewFromFloat(0))

	signal := types.TradeSignal{Side: types.Buy, Symbol: "BTC/JPY", Amount: money.NewFromFloat(0.01)}
	book := &fakeBook{bid: money.NewFromFloat(5_000_000), ask: money.NewFromFloat(5_000_500)}
	waiter := &fakeWaiter{filled: true}

	outcome, err := p.Execute(context.Background(), signal, money.NewFromFloat(5_000_000), waiter, "ord-1", book,
		func(ctx context.Context) (money.Price, error) { return money.NewFromFloat(5_000_500), nil },
		money.NewFromFloat(-0.0002), money.NewFromFloat(0.0012),
	)

	require.NoError(t, err)
	assert.Equal(t, StrategyMakerFilled, outcome.Strategy)
	assert.True(t, outcome.Success)
}

func TestExecuteFallsBackToTakerAtDeadline(t *testing.T) {
	t.Parallel()
	p := New(money.NewFromFloat(500), 50*time.Millisecond, money.NewFromFloat(0))

	signal := types.TradeSignal{Side: types.Buy, Symbol: "BTC/JPY", Amount: money.NewFromFloat(0.01)}
	book := &fakeBook{bid: money.NewFromFloat(5_000_000), ask: money.NewFromFloat(5_000_500)}
	waiter := &fakeWaiter{filled: false}

	outcome, err := p.Execute(context.Background(), signal, money.NewFromFloat(5_000_000), waiter, "ord-1", book,
		func(ctx context.Context) (money.Price, error) { return money.NewFromFloat(5_001_500), nil },
		money.NewFromFloat(-0.0002), money.NewFromFloat(0.0012),
	)

	require.NoError(t, err)
	assert.Equal(t, StrategyTakerFallback, outcome.Strategy)
	assert.True(t, outcome.FinalPrice.Equal(money.NewFromFloat(5_001_500)))
}
