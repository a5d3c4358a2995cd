package feemodel

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"bitbank-mm/pkg/money"
	"bitbank-mm/pkg/types"
)

func testModel() *Model {
	return New(map[money.Symbol]Rates{
		"BTC/JPY": {
			MakerRate: money.NewFromFloat(-0.0002),
			TakerRate: money.NewFromFloat(0.0012),
		},
	}, Rates{MakerRate: money.NewFromFloat(0), TakerRate: money.NewFromFloat(0.002)}, 0.5)
}

func TestQuoteMakerIsRebate(t *testing.T) {
	t.Parallel()
	m := testModel()

	q := m.Quote("BTC/JPY", types.Maker, money.NewFromFloat(0.01), money.NewFromFloat(5_000_000))

	assert.True(t, q.ExpectedFee.IsNegative())
	assert.True(t, q.ExpectedFee.Equal(money.NewFromFloat(-10)))
}

func TestQuoteTakerIsPositiveFee(t *testing.T) {
	t.Parallel()
	m := testModel()

	q := m.Quote("BTC/JPY", types.Taker, money.NewFromFloat(0.01), money.NewFromFloat(5_001_500))

	assert.True(t, q.ExpectedFee.IsPositive())
}

func TestQuoteUnknownSymbolUsesDefaults(t *testing.T) {
	t.Parallel()
	m := testModel()

	q := m.Quote("ETH/JPY", types.Taker, money.NewFromFloat(1), money.NewFromFloat(100))
	assert.True(t, q.FeeRate.Equal(money.NewFromFloat(0.002)))
}

func TestClassifyBuyBelowAskLowUrgencyIsMaker(t *testing.T) {
	t.Parallel()
	m := testModel()

	signal := types.TradeSignal{
		Side:        types.Buy,
		TargetPrice: money.NewFromFloat(5_000_000),
		Urgency:     0.2,
	}
	ask := money.NewFromFloat(5_000_500)

	assert.Equal(t, types.Maker, m.Classify(signal, ask))
}

func TestClassifyHighUrgencyIsAlwaysTaker(t *testing.T) {
	t.Parallel()
	m := testModel()

	signal := types.TradeSignal{
		Side:        types.Buy,
		TargetPrice: money.NewFromFloat(5_000_000),
		Urgency:     0.9,
	}
	ask := money.NewFromFloat(5_000_500)

	assert.Equal(t, types.Taker, m.Classify(signal, ask))
}

func TestClassifySellAboveBidLowUrgencyIsMaker(t *testing.T) {
	t.Parallel()
	m := testModel()

	signal := types.TradeSignal{
		Side:        types.Sell,
		TargetPrice: money.NewFromFloat(5_001_000),
		Urgency:     0.1,
	}
	bid := money.NewFromFloat(5_000_500)

	assert.Equal(t, types.Maker, m.Classify(signal, bid))
}

func TestClassifyCrossedPriceIsTaker(t *testing.T) {
	t.Parallel()
	m := testModel()

	signal := types.TradeSignal{
		Side:        types.Buy,
		TargetPrice: money.NewFromFloat(5_001_000),
		Urgency:     0.1,
	}
	ask := money.NewFromFloat(5_000_500) // target already crosses the ask

	assert.Equal(t, types.Taker, m.Classify(signal, ask))
}
