package anomaly

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bitbank-mm/pkg/money"
	"bitbank-mm/pkg/types"
)

func testThresholds() Thresholds {
	return Thresholds{
		SpreadWarning:   0.003,
		SpreadCritical:  0.005,
		LatencyWarnMS:   1000,
		LatencyCritMS:   3000,
		ZScoreThreshold: 3.0,
		WindowSize:      20,
	}
}

func snapshot(last, bid, ask, vol float64, ts time.Time) types.MarketSnapshot {
	return types.MarketSnapshot{
		Symbol:    "BTC/JPY",
		Bid:       money.NewFromFloat(bid),
		Ask:       money.NewFromFloat(ask),
		Last:      money.NewFromFloat(last),
		Volume:    money.NewFromFloat(vol),
		Timestamp: ts,
	}
}

func TestCheckRaisesNothingUnderThresholds(t *testing.T) {
	t.Parallel()
	d := New(testThresholds())

	alerts := d.Check(snapshot(100, 99.9, 100.1, 10, time.Now()), 50)
	assert.Empty(t, alerts)
}

func TestCheckRaisesCriticalSpread(t *testing.T) {
	t.Parallel()
	d := New(testThresholds())

	// (100.6-99.4)/100 = 0.012 >> 0.005 critical
	alerts := d.Check(snapshot(100, 99.4, 100.6, 10, time.Now()), 50)
	require.NotEmpty(t, alerts)
	assert.Equal(t, types.AnomalySpread, alerts[0].Kind)
	assert.Equal(t, types.LevelCritical, alerts[0].Level)
}

func TestCheckRaisesLatencyWarningThenCritical(t *testing.T) {
	t.Parallel()
	d := New(testThresholds())

	alerts := d.Check(snapshot(100, 99.9, 100.1, 10, time.Now()), 1500)
	require.NotEmpty(t, alerts)
	assert.Equal(t, types.LevelWarning, alerts[0].Level)

	alerts = d.Check(snapshot(100, 99.9, 100.1, 10, time.Now()), 5000)
	require.NotEmpty(t, alerts)
	assert.Equal(t, types.LevelCritical, alerts[0].Level)
}

func TestCheckRaisesPriceSpikeZScore(t *testing.T) {
	t.Parallel()
	d := New(testThresholds())
	now := time.Now()

	for i := 0; i < 19; i++ {
		d.Check(snapshot(100, 99.9, 100.1, 10, now), 10)
	}
	alerts := d.Check(snapshot(500, 499, 501, 10, now), 10)

	var found bool
	for _, a := range alerts {
		if a.Kind == types.AnomalyPriceSpike {
			found = true
			assert.Equal(t, types.LevelCritical, a.Level)
		}
	}
	assert.True(t, found, "expected a price_spike alert on the outlier tick")
}

func TestSummaryCountsByLevel(t *testing.T) {
	t.Parallel()
	d := New(testThresholds())

	d.Check(snapshot(100, 99.4, 100.6, 10, time.Now()), 50) // critical spread

	summary := d.Summary()
	assert.Equal(t, 1, summary[types.LevelCritical])
}
