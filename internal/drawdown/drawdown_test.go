package drawdown

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bitbank-mm/pkg/types"
)

func testParams(t *testing.T) Params {
	t.Helper()
	return Params{
		MaxDrawdownRatio:     0.20,
		ConsecutiveLossLimit: 8,
		CooldownHours:        6,
		PersistencePath:      filepath.Join(t.TempDir(), "equity.json"),
	}
}

func TestRecordTradeResultEntersDrawdownCooldown(t *testing.T) {
	t.Parallel()
	g, err := New(testParams(t), 1_000_000)
	require.NoError(t, err)

	g.UpdateBalance(1_000_000)
	require.NoError(t, g.RecordTradeResult(-60_000))
	g.UpdateBalance(940_000)

	require.NoError(t, g.RecordTradeResult(-80_000))
	g.UpdateBalance(860_000)

	require.NoError(t, g.RecordTradeResult(-80_000))
	g.UpdateBalance(780_000)

	snap := g.Snapshot()
	assert.Equal(t, types.EquityPausedDrawdown, snap.Status)
	assert.False(t, g.CheckTradingAllowed())
}

func TestConsecutiveLossLimitEntersCooldown(t *testing.T) {
	t.Parallel()
	p := testParams(t)
	p.ConsecutiveLossLimit = 3
	p.MaxDrawdownRatio = 0.99 // keep drawdown pause from firing first
	g, err := New(p, 1_000_000)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, g.RecordTradeResult(-1))
	}

	snap := g.Snapshot()
	assert.Equal(t, types.EquityPausedConsecutiveLoss, snap.Status)
}

func TestWinningTradeResetsConsecutiveLosses(t *testing.T) {
	t.Parallel()
	g, err := New(testParams(t), 1_000_000)
	require.NoError(t, err)

	require.NoError(t, g.RecordTradeResult(-1))
	require.NoError(t, g.RecordTradeResult(-1))
	require.NoError(t, g.RecordTradeResult(100))

	assert.Equal(t, 0, g.Snapshot().ConsecutiveLosses)
}

func TestPeakBalanceNeverDecreases(t *testing.T) {
	t.Parallel()
	g, err := New(testParams(t), 1_000_000)
	require.NoError(t, err)

	g.UpdateBalance(1_100_000)
	g.UpdateBalance(900_000)

	snap := g.Snapshot()
	peak, _ := snap.PeakBalance.Float64()
	assert.Equal(t, 1_100_000.0, peak)
}

func TestPersistedStateSurvivesReload(t *testing.T) {
	t.Parallel()
	params := testParams(t)

	g1, err := New(params, 1_000_000)
	require.NoError(t, err)
	g1.UpdateBalance(1_000_000)
	require.NoError(t, g1.RecordTradeResult(-250_000)) // triggers drawdown pause

	g2, err := New(params, 1_000_000)
	require.NoError(t, err)

	snap1 := g1.Snapshot()
	snap2 := g2.Snapshot()
	assert.Equal(t, snap1.Status, snap2.Status)
	assert.Equal(t, snap1.ConsecutiveLosses, snap2.ConsecutiveLosses)

	bal1, _ := snap1.CurrentBalance.Float64()
	bal2, _ := snap2.CurrentBalance.Float64()
	assert.Equal(t, bal1, bal2)
}

func TestDisabledModeNeverTouchesDisk(t *testing.T) {
	t.Parallel()
	p := testParams(t)
	p.Disabled = true

	g, err := New(p, 1_000_000)
	require.NoError(t, err)
	require.NoError(t, g.RecordTradeResult(-999_999))

	// no assertion on the filesystem: absence of an error is the point —
	// Save is never invoked in Disabled mode.
}
