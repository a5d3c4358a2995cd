// Package position is the exclusive owner of Position state. It
// subscribes to Order Manager FillEvents to open, grow, and close
// positions, maintains InterestSchedule accrual for margin positions,
// recomputes priority tiers, and runs the forced-close scheduler that
// flattens everything still open at the configured end-of-session
// moment.
package position

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"bitbank-mm/internal/events"
	"bitbank-mm/internal/store"
	"bitbank-mm/pkg/money"
	"bitbank-mm/pkg/types"
)

// ForceCloser is satisfied by whatever can turn an open Position into a
// critical-priority closing OrderIntent and submit it — the Execution
// Orchestrator, in production wiring.
type ForceCloser interface {
	RequestClose(ctx context.Context, pos types.Position) error
}

// Params configures margin economics and the forced-close schedule.
// ForcedCloseHour/Minute and Location together define the daily wall-
// clock moment the scheduler wakes at (spec.md §4.10's "configured
// end-of-session time").
type Params struct {
	MarginDailyRate    decimal.Decimal
	AvoidanceBuffer     time.Duration
	ForcedCloseHour     int
	ForcedCloseMinute   int
	Location            *time.Location
	PersistencePath      string // forced-close idempotency marker; "" disables persistence
}

// tracked bundles a Position with its optional margin InterestSchedule.
type tracked struct {
	position types.Position
	interest *types.InterestSchedule
}

// Tracker is the Position Tracker (C10). All mutation goes through its
// exported methods; callers elsewhere in the system only ever see
// Snapshot copies.
type Tracker struct {
	mu       sync.Mutex
	byID     map[string]*tracked
	bySymbol map[money.Symbol]string // symbol -> open position_id, at most one open position per symbol

	params Params
	store  *store.Store
	bus    *events.Bus
	logger *slog.Logger
	closer ForceCloser

	lastForcedCloseDate string // "2006-01-02" in params.Location, persisted
}

type forcedCloseMarker struct {
	LastTriggeredDate string `json:"last_triggered_date"`
}

// New builds a Tracker. closer may be nil until the orchestrator is
// wired up; Run will skip forced-close dispatch (but still log) if so.
func New(params Params, bus *events.Bus, closer ForceCloser, logger *slog.Logger) *Tracker {
	t := &Tracker{
		byID:       make(map[string]*tracked),
		bySymbol: make(map[money.Symbol]string),
		params:     params,
		store:      store.New(),
		bus:        bus,
		closer:     closer,
		logger:     logger.With("component", "position_tracker"),
	}
	if params.PersistencePath != "" {
		var marker forcedCloseMarker
		if found, err := t.store.Load(params.PersistencePath, &marker); err != nil {
			t.logger.Warn("failed to load forced-close marker, starting fresh", "error", err)
		} else if found {
			t.lastForcedCloseDate = marker.LastTriggeredDate
		}
	}
	return t
}

// OnFill applies a FillEvent: opens a position if the symbol has none
// open, grows it if the fill is on the same side, or reduces/closes it
// (realising PnL per P9) if the fill is on the opposite side. An
// over-fill that closes more than the open amount flips the remainder
// into a new position on the fill's side.
func (t *Tracker) OnFill(fill types.FillEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()

	existingID, hasOpen := t.bySymbol[fill.Symbol]
	if !hasOpen {
		t.openLocked(fill, fill.FilledAmount)
		return
	}

	pos := t.byID[existingID]
	if pos.position.Side == fill.Side {
		t.growLocked(pos, fill)
		return
	}

	t.reduceLocked(pos, fill)
}

func (t *Tracker) openLocked(fill types.FillEvent, amount decimal.Decimal) {
	id := uuid.NewString()
	p := types.Position{
		PositionID:   id,
		Symbol:       fill.Symbol,
		Side:         fill.Side,
		Amount:       amount,
		EntryPrice:   fill.FillPrice,
		EntryTime:    fill.Timestamp,
		PriorityTier: types.PriorityLow,
	}
	rec := &tracked{position: p}
	if !t.params.MarginDailyRate.IsZero() {
		rec.interest = t.newScheduleLocked(fill.Timestamp, p)
	}
	t.byID[id] = rec
	t.bySymbol[fill.Symbol] = id

	t.bus.Publish(events.Event{
		Kind:   events.PositionOpened,
		Symbol: string(fill.Symbol),
		Data:   events.PositionOpenedData{Position: p},
	})
}

func (t *Tracker) growLocked(rec *tracked, fill types.FillEvent) {
	p := &rec.position
	totalCost := money.Notionalize(p.EntryPrice, p.Amount).Add(money.Notionalize(fill.FillPrice, fill.FilledAmount))
	p.Amount = p.Amount.Add(fill.FilledAmount)
	if !p.Amount.IsZero() {
		p.EntryPrice = totalCost.Div(p.Amount)
	}
}

// reduceLocked closes or partially closes rec against an opposite-side
// fill, realising PnL with the exact sign convention P9 requires: a buy
// position closed by a sell fill realises (fill_price - entry) * amount;
// a sell position closed by a buy fill realises (entry - fill_price) *
// amount.
func (t *Tracker) reduceLocked(rec *tracked, fill types.FillEvent) {
	p := &rec.position
	closeAmount := fill.FilledAmount
	if closeAmount.GreaterThan(p.Amount) {
		closeAmount = p.Amount
	}

	var pnl decimal.Decimal
	switch p.Side {
	case types.Buy:
		pnl = fill.FillPrice.Sub(p.EntryPrice).Mul(closeAmount)
	case types.Sell:
		pnl = p.EntryPrice.Sub(fill.FillPrice).Mul(closeAmount)
	}
	p.RealisedPnL = p.RealisedPnL.Add(pnl)
	p.Amount = p.Amount.Sub(closeAmount)

	if p.Amount.IsZero() {
		closed := *p
		delete(t.byID, p.PositionID)
		delete(t.bySymbol, p.Symbol)
		t.bus.Publish(events.Event{
			Kind:   events.PositionClosed,
			Symbol: string(fill.Symbol),
			Data:   events.PositionClosedData{Position: closed, PnL: closed.RealisedPnL},
		})

		remainder := fill.FilledAmount.Sub(closeAmount)
		if remainder.IsPositive() {
			flipped := fill
			flipped.FilledAmount = remainder
			t.openLocked(flipped, remainder)
		}
		return
	}
}

// UnrealisedPnL computes mark-to-market P&L for pos at currentPrice
// using the side convention spec.md §4.10 specifies.
func UnrealisedPnL(pos types.Position, currentPrice decimal.Decimal) decimal.Decimal {
	switch pos.Side {
	case types.Buy:
		return currentPrice.Sub(pos.EntryPrice).Mul(pos.Amount)
	case types.Sell:
		return pos.EntryPrice.Sub(currentPrice).Mul(pos.Amount)
	default:
		return decimal.Zero
	}
}

// Snapshot returns a read-only copy of every currently open position.
func (t *Tracker) Snapshot() []types.Position {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]types.Position, 0, len(t.byID))
	for _, rec := range t.byID {
		out = append(out, rec.position)
	}
	return out
}

// Position returns a read-only snapshot of a single position by id.
func (t *Tracker) Position(positionID string) (types.Position, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.byID[positionID]
	if !ok {
		return types.Position{}, false
	}
	return rec.position, true
}

func (t *Tracker) newScheduleLocked(now time.Time, p types.Position) *types.InterestSchedule {
	next := now.Add(24 * time.Hour)
	return &types.InterestSchedule{
		DailyRate:         t.params.MarginDailyRate,
		NextAccrualAt:     next,
		AccruedSoFar:      decimal.Zero,
		AvoidanceDeadline: next.Add(-t.params.AvoidanceBuffer),
	}
}

// AccrueInterest advances every due margin position's InterestSchedule:
// for each schedule whose next_accrual_at has passed, it adds
// notional * daily_rate to accrued_so_far (computed against the
// position's amount and entry price at the moment of accrual, so P7's
// "N accruals == N * notional * daily_rate" holds whenever notional is
// unchanged between accruals) and advances the schedule by 24h.
func (t *Tracker) AccrueInterest(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, rec := range t.byID {
		sched := rec.interest
		if sched == nil {
			continue
		}
		for !sched.NextAccrualAt.After(now) {
			notional := money.Notionalize(rec.position.EntryPrice, rec.position.Amount)
			sched.AccruedSoFar = sched.AccruedSoFar.Add(notional.Mul(sched.DailyRate))
			sched.NextAccrualAt = sched.NextAccrualAt.Add(24 * time.Hour)
			sched.AvoidanceDeadline = sched.NextAccrualAt.Add(-t.params.AvoidanceBuffer)
		}
	}
}

// RecomputeTiers assigns each open position a priority tier from three
// signals: time remaining to its interest-avoidance deadline (margin
// positions only; the forced-close time is not considered), the
// volatility score, and whether its unrealised P&L at the given mark is
// negative (no earlier mark is kept). Tiers map
// directly onto Order Manager priorities when the tracker emits close
// intents.
func (t *Tracker) RecomputeTiers(now time.Time, marks map[money.Symbol]decimal.Decimal, volScore float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, rec := range t.byID {
		tier := types.PriorityLow

		if rec.interest != nil {
			untilDeadline := rec.interest.AvoidanceDeadline.Sub(now)
			switch {
			case untilDeadline <= 30*time.Minute:
				tier = types.PriorityCritical
			case untilDeadline <= 2*time.Hour:
				tier = maxTier(tier, types.PriorityHigh)
			case untilDeadline <= 6*time.Hour:
				tier = maxTier(tier, types.PriorityMedium)
			}
		}

		if volScore >= 0.8 {
			tier = maxTier(tier, types.PriorityHigh)
		} else if volScore >= 0.5 {
			tier = maxTier(tier, types.PriorityMedium)
		}

		if price, ok := marks[rec.position.Symbol]; ok {
			if UnrealisedPnL(rec.position, price).IsNegative() {
				tier = maxTier(tier, types.PriorityMedium)
			}
		}

		rec.position.PriorityTier = tier
	}
}

func maxTier(a, b types.Priority) types.Priority {
	if b > a {
		return b
	}
	return a
}

// Run drives the forced-close scheduler: it sleeps until the next
// configured end-of-session moment, emits critical close intents for
// every still-open position through closer, and persists the trigger
// date so a restart within the same session doesn't re-fire.
func (t *Tracker) Run(ctx context.Context) {
	if t.params.Location == nil {
		t.logger.Warn("forced-close scheduler disabled: no location configured")
		return
	}
	for {
		wake := t.nextForcedCloseTime(time.Now().In(t.params.Location))
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Until(wake)):
			t.triggerForcedClose(ctx, wake)
		}
	}
}

func (t *Tracker) nextForcedCloseTime(now time.Time) time.Time {
	candidate := time.Date(now.Year(), now.Month(), now.Day(), t.params.ForcedCloseHour, t.params.ForcedCloseMinute, 0, 0, t.params.Location)
	if !candidate.After(now) {
		candidate = candidate.Add(24 * time.Hour)
	}
	return candidate
}

func (t *Tracker) triggerForcedClose(ctx context.Context, at time.Time) {
	dateKey := at.Format("2006-01-02")

	t.mu.Lock()
	if t.lastForcedCloseDate == dateKey {
		t.mu.Unlock()
		return
	}
	t.lastForcedCloseDate = dateKey
	positions := make([]types.Position, 0, len(t.byID))
	for _, rec := range t.byID {
		positions = append(positions, rec.position)
	}
	t.mu.Unlock()

	if t.params.PersistencePath != "" {
		if err := t.store.Save(t.params.PersistencePath, forcedCloseMarker{LastTriggeredDate: dateKey}); err != nil {
			t.logger.Warn("failed to persist forced-close marker", "error", err)
		}
	}

	for _, p := range positions {
		t.bus.Publish(events.Event{
			Kind:   events.ForcedCloseTriggered,
			Symbol: string(p.Symbol),
			Data:   events.ForcedCloseTriggeredData{PositionID: p.PositionID, Reason: "session end"},
		})
		if t.closer == nil {
			t.logger.Warn("forced close triggered but no closer wired", "position_id", p.PositionID)
			continue
		}
		if err := t.closer.RequestClose(ctx, p); err != nil {
			t.logger.Error("forced close request failed", "position_id", p.PositionID, "error", err)
		}
	}
}

// ParseForcedCloseTime parses an "HH:MM" string into the hour/minute
// pair Params expects.
func ParseForcedCloseTime(hhmm string) (hour, minute int, err error) {
	if hhmm == "" {
		return 0, 0, fmt.Errorf("forced close time is empty")
	}
	t, parseErr := time.Parse("15:04", hhmm)
	if parseErr != nil {
		return 0, 0, fmt.Errorf("parse forced close time %q: %w", hhmm, parseErr)
	}
	return t.Hour(), t.Minute(), nil
}
