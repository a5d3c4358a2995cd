package risk

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bitbank-mm/internal/anomaly"
	"bitbank-mm/internal/drawdown"
	"bitbank-mm/internal/feeguard"
	"bitbank-mm/internal/sizing"
	"bitbank-mm/pkg/money"
	"bitbank-mm/pkg/types"
)

func newTestEvaluator(t *testing.T) *Evaluator {
	t.Helper()

	detector := anomaly.New(anomaly.Thresholds{
		SpreadWarning:   0.01,
		SpreadCritical:  0.03,
		LatencyWarnMS:   500,
		LatencyCritMS:   2000,
		ZScoreThreshold: 3,
		WindowSize:      20,
	})
	guard := feeguard.New(money.NewFromFloat(1.5))
	sizer := sizing.New(sizing.Params{
		SafetyFactor:        0.7,
		Cap:                 0.03,
		MinTradesForKelly:   5,
		LookbackDays:        30,
		InitialPositionSize: 0.001,
		MinTradeSize:        0.0001,
		MaxOrderSize:        1,
		FallbackMinRatio:    0.01,
		FallbackMaxRatio:    0.02,
		EmergencyRatio:      0.005,
		EmergencyStopRatio:  0.02,
		FallbackStopRatio:   0.02,
	})
	dd, err := drawdown.New(drawdown.Params{
		MaxDrawdownRatio:     0.20,
		CooldownHours:        6,
		ConsecutiveLossLimit: 8,
		Disabled:             true,
	}, 1_000_000)
	require.NoError(t, err)

	return New(detector, guard, sizer, dd, DefaultWeights, Thresholds{Deny: 0.7, Conditional: 0.4}, 0.5, 0.8, 8)
}

func baseSnapshot() types.MarketSnapshot {
	return types.MarketSnapshot{
		Symbol:    "BTC/JPY",
		Bid:       money.NewFromFloat(5_000_000),
		Ask:       money.NewFromFloat(5_000_500),
		Last:      money.NewFromFloat(5_000_250),
		Volume:    money.NewFromFloat(10),
		Timestamp: time.Now(),
	}
}

func TestEvaluateApprovesHealthySignal(t *testing.T) {
	t.Parallel()
	e := newTestEvaluator(t)

	signal := types.TradeSignal{
		ID:             "sig-1",
		Symbol:         "BTC/JPY",
		Side:           types.Buy,
		Amount:         money.NewFromFloat(0.01),
		TargetPrice:    money.NewFromFloat(5_000_100),
		Confidence:     0.9,
		Urgency:        0.2,
		ExpectedProfit: money.NewFromFloat(5000),
		Source:         "momentum",
		CreatedAt:      time.Now(),
	}
	taker := types.FeeQuote{OrderType: types.Taker, FeeRate: money.NewFromFloat(0.0012), ExpectedFee: money.NewFromFloat(600)}

	verdict := e.Evaluate(EvaluateInput{
		Signal:         signal,
		Snapshot:       baseSnapshot(),
		LatencyMS:      50,
		TakerFee:       taker,
		CapitalSpent:   decimal.Zero,
		InitialBalance: money.NewFromFloat(1_000_000),
		Now:            time.Now(),
	})

	assert.Equal(t, types.Approved, verdict.Decision)
	assert.True(t, verdict.RiskScore < 0.4)
}

func TestEvaluateDeniesBelowMinConfidence(t *testing.T) {
	t.Parallel()
	e := newTestEvaluator(t)

	signal := types.TradeSignal{
		ID:             "sig-2",
		Symbol:         "BTC/JPY",
		Side:           types.Buy,
		Amount:         money.NewFromFloat(0.01),
		Confidence:     0.2,
		ExpectedProfit: money.NewFromFloat(5000),
		Source:         "momentum",
	}
	taker := types.FeeQuote{OrderType: types.Taker, FeeRate: money.NewFromFloat(0.0012), ExpectedFee: money.NewFromFloat(600)}

	verdict := e.Evaluate(EvaluateInput{
		Signal:         signal,
		Snapshot:       baseSnapshot(),
		TakerFee:       taker,
		InitialBalance: money.NewFromFloat(1_000_000),
		Now:            time.Now(),
	})

	assert.Equal(t, types.Denied, verdict.Decision)
	assert.True(t, verdict.PositionSize.IsZero())
}

func TestEvaluateDeniesOnCriticalSpreadAnomaly(t *testing.T) {
	t.Parallel()
	e := newTestEvaluator(t)

	signal := types.TradeSignal{
		ID:             "sig-3",
		Symbol:         "BTC/JPY",
		Side:           types.Buy,
		Confidence:     0.9,
		ExpectedProfit: money.NewFromFloat(5000),
		Source:         "momentum",
	}
	taker := types.FeeQuote{OrderType: types.Taker, FeeRate: money.NewFromFloat(0.0012), ExpectedFee: money.NewFromFloat(600)}

	snap := baseSnapshot()
	snap.Bid = money.NewFromFloat(5_000_000)
	snap.Ask = money.NewFromFloat(5_300_000) // ~6% spread, way past critical 3%

	verdict := e.Evaluate(EvaluateInput{
		Signal:         signal,
		Snapshot:       snap,
		TakerFee:       taker,
		InitialBalance: money.NewFromFloat(1_000_000),
		Now:            time.Now(),
	})

	assert.Equal(t, types.Denied, verdict.Decision)
	require.NotEmpty(t, verdict.Reasons)
}

func TestEvaluateDeniesOnFeeGuardRejection(t *testing.T) {
	t.Parallel()
	e := newTestEvaluator(t)

	signal := types.TradeSignal{
		ID:             "sig-4",
		Symbol:         "BTC/JPY",
		Confidence:     0.9,
		ExpectedProfit: money.NewFromFloat(10), // tiny profit, fails fee safety margin
		Source:         "momentum",
	}
	taker := types.FeeQuote{OrderType: types.Taker, FeeRate: money.NewFromFloat(0.0012), ExpectedFee: money.NewFromFloat(600)}

	verdict := e.Evaluate(EvaluateInput{
		Signal:         signal,
		Snapshot:       baseSnapshot(),
		TakerFee:       taker,
		InitialBalance: money.NewFromFloat(1_000_000),
		Now:            time.Now(),
	})

	assert.Equal(t, types.Denied, verdict.Decision)
}

func TestEvaluateDeniesWhenDrawdownGuardDisallows(t *testing.T) {
	t.Parallel()
	detector := anomaly.New(anomaly.Thresholds{SpreadWarning: 0.01, SpreadCritical: 0.03, LatencyWarnMS: 500, LatencyCritMS: 2000, ZScoreThreshold: 3})
	guard := feeguard.New(money.NewFromFloat(1.5))
	sizer := sizing.New(sizing.Params{SafetyFactor: 0.7, Cap: 0.03, MinTradesForKelly: 5, LookbackDays: 30, InitialPositionSize: 0.001, MinTradeSize: 0.0001, MaxOrderSize: 1})
	dd, err := drawdown.New(drawdown.Params{MaxDrawdownRatio: 0.20, CooldownHours: 6, ConsecutiveLossLimit: 8, Disabled: true}, 1_000_000)
	require.NoError(t, err)

	// Force the guard into a paused state.
	for i := 0; i < 8; i++ {
		require.NoError(t, dd.RecordTradeResult(-1))
	}
	require.False(t, dd.CheckTradingAllowed())

	e := New(detector, guard, sizer, dd, DefaultWeights, Thresholds{Deny: 0.7, Conditional: 0.4}, 0.5, 0.8, 8)

	signal := types.TradeSignal{ID: "sig-5", Confidence: 0.9, ExpectedProfit: money.NewFromFloat(5000), Source: "momentum"}
	taker := types.FeeQuote{OrderType: types.Taker, FeeRate: money.NewFromFloat(0.0012), ExpectedFee: money.NewFromFloat(600)}

	verdict := e.Evaluate(EvaluateInput{
		Signal:         signal,
		Snapshot:       baseSnapshot(),
		TakerFee:       taker,
		InitialBalance: money.NewFromFloat(1_000_000),
		Now:            time.Now(),
	})

	assert.Equal(t, types.Denied, verdict.Decision)
	assert.Contains(t, verdict.Reasons[0], "drawdown")
}
