// Package drawdown tracks equity peak, current drawdown, and consecutive
// losses, enforcing cooldown windows and persisting EquityState after
// every mutation.
package drawdown

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"bitbank-mm/internal/store"
	"bitbank-mm/pkg/types"
)

func decimalOf(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func floatOf(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}

// Params configures the guard; mirrors spec.md §6's risk config group.
type Params struct {
	MaxDrawdownRatio     float64
	ConsecutiveLossLimit int
	CooldownHours        float64
	PersistencePath      string
	Disabled             bool // true in backtest mode: never read or write PersistencePath
}

// schemaVersion is written into the persisted document so a future format
// change can detect and migrate old files instead of silently
// misreading them.
const schemaVersion = 1

// persistedState is the on-disk shape: state.persistence_path document
// described in spec.md §6 ("Persisted state").
type persistedState struct {
	Version           int        `json:"version"`
	InitialBalance    float64    `json:"initial_balance"`
	PeakBalance       float64    `json:"peak_balance"`
	CurrentBalance    float64    `json:"current_balance"`
	ConsecutiveLosses int        `json:"consecutive_losses"`
	Status            string     `json:"status"`
	CooldownUntil     *time.Time `json:"cooldown_until,omitempty"`
	LastUpdated       time.Time  `json:"last_updated"`
}

// Guard owns one process's EquityState and persists it through store.Store.
type Guard struct {
	mu     sync.RWMutex
	params Params
	store  *store.Store
	state  types.EquityState
}

// New constructs a Guard with a fresh EquityState, then attempts to
// restore a persisted one — a read or parse failure falls back to the
// fresh state with the error returned for the caller to log, per
// spec.md §4.5's "parsing errors fall back to a fresh state with a
// logged warning" rule.
func New(params Params, initialBalance float64) (*Guard, error) {
	g := &Guard{
		params: params,
		store:  store.New(),
		state: types.EquityState{
			InitialBalance: decimalOf(initialBalance),
			PeakBalance:    decimalOf(initialBalance),
			CurrentBalance: decimalOf(initialBalance),
			Status:         types.EquityActive,
		},
	}

	if params.Disabled || params.PersistencePath == "" {
		return g, nil
	}

	var loaded persistedState
	found, err := g.store.Load(params.PersistencePath, &loaded)
	if err != nil {
		return g, fmt.Errorf("load drawdown state: %w", err)
	}
	if found {
		g.applyPersistedLocked(loaded)
	}
	return g, nil
}

func (g *Guard) applyPersistedLocked(p persistedState) {
	g.state.InitialBalance = decimalOf(p.InitialBalance)
	g.state.PeakBalance = decimalOf(p.PeakBalance)
	g.state.CurrentBalance = decimalOf(p.CurrentBalance)
	g.state.ConsecutiveLosses = p.ConsecutiveLosses
	g.state.Status = types.EquityStatus(p.Status)
	g.state.CooldownUntil = p.CooldownUntil
}

// UpdateBalance records the current balance and raises the peak if
// exceeded. Peak is never decreased (P8 Peak monotonicity).
func (g *Guard) UpdateBalance(current float64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.state.CurrentBalance = decimalOf(current)
	if current > floatOf(g.state.PeakBalance) {
		g.state.PeakBalance = decimalOf(current)
	}
}

// RecordTradeResult appends a trade result to consecutive-loss tracking,
// checks drawdown/consecutive-loss thresholds, and persists the result.
func (g *Guard) RecordTradeResult(pnl float64) error {
	g.mu.Lock()

	if pnl < 0 {
		g.state.ConsecutiveLosses++
	} else {
		g.state.ConsecutiveLosses = 0
	}

	drawdown := g.currentDrawdownLocked()
	switch {
	case drawdown >= g.params.MaxDrawdownRatio:
		g.enterCooldownLocked(types.EquityPausedDrawdown)
	case g.params.ConsecutiveLossLimit > 0 && g.state.ConsecutiveLosses >= g.params.ConsecutiveLossLimit:
		g.enterCooldownLocked(types.EquityPausedConsecutiveLoss)
	}

	snapshot := g.state
	g.mu.Unlock()

	return g.persist(snapshot)
}

func (g *Guard) currentDrawdownLocked() float64 {
	peak := floatOf(g.state.PeakBalance)
	if peak <= 0 {
		return 0
	}
	dd := (peak - floatOf(g.state.CurrentBalance)) / peak
	if dd < 0 {
		return 0
	}
	return dd
}

func (g *Guard) enterCooldownLocked(status types.EquityStatus) {
	g.state.Status = status
	until := time.Now().Add(time.Duration(g.params.CooldownHours * float64(time.Hour)))
	g.state.CooldownUntil = &until
}

// CheckTradingAllowed reports whether trading may proceed, auto-exiting
// an elapsed cooldown (which resets status to active and zeroes
// consecutive losses).
func (g *Guard) CheckTradingAllowed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state.CooldownUntil != nil {
		if time.Now().Before(*g.state.CooldownUntil) {
			return false
		}
		g.exitCooldownLocked()
	}
	return g.state.Status == types.EquityActive
}

func (g *Guard) exitCooldownLocked() {
	g.state.Status = types.EquityActive
	g.state.CooldownUntil = nil
	g.state.ConsecutiveLosses = 0
}

// Snapshot returns a read-only copy of the current EquityState.
func (g *Guard) Snapshot() types.EquityState {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state
}

// CurrentDrawdown exposes the live drawdown ratio for the Risk
// Evaluator's weighted score.
func (g *Guard) CurrentDrawdown() float64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.currentDrawdownLocked()
}

func (g *Guard) persist(state types.EquityState) error {
	if g.params.Disabled || g.params.PersistencePath == "" {
		return nil
	}

	doc := persistedState{
		Version:           schemaVersion,
		InitialBalance:    floatOf(state.InitialBalance),
		PeakBalance:       floatOf(state.PeakBalance),
		CurrentBalance:    floatOf(state.CurrentBalance),
		ConsecutiveLosses: state.ConsecutiveLosses,
		Status:            string(state.Status),
		CooldownUntil:     state.CooldownUntil,
		LastUpdated:       time.Now(),
	}
	if err := g.store.Save(g.params.PersistencePath, doc); err != nil {
		return fmt.Errorf("persist drawdown state: %w", err)
	}
	return nil
}
