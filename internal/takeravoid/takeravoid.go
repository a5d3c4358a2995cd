// Package takeravoid implements the taker-avoidance planner: when a
// signal would otherwise cross the spread, try resting a priced maker
// order first and only fall back to taker under a deadline or adverse
// price move.
package takeravoid

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"bitbank-mm/pkg/money"
	"bitbank-mm/pkg/types"
)

// Strategy names how the final order was ultimately routed.
type Strategy string

const (
	StrategyMakerFilled   Strategy = "maker_filled"
	StrategyTakerFallback Strategy = "taker_fallback"
	StrategyTakerDirect   Strategy = "taker_direct"
)

// Outcome reports what the planner decided and, once resolved, how it
// went.
type Outcome struct {
	Strategy   Strategy
	FinalPrice decimal.Decimal
	FeeSaved   decimal.Decimal // fee of the route not taken minus fee actually paid, signed; negative after a taker fallback
	Success    bool
}

// BookView is the minimal book access the planner needs to detect an
// adverse move while waiting.
type BookView interface {
	BestBidAsk(symbol money.Symbol) (bid, ask decimal.Decimal)
}

// FillWaiter is satisfied by the Order Manager: it lets the planner wait
// for a maker order to fill or hit the posting deadline.
type FillWaiter interface {
	// WaitForFill blocks until the order fills, the context is done, or
	// the given deadline passes; ok reports whether it filled.
	WaitForFill(ctx context.Context, orderID string, deadline time.Time) (ok bool)
	// Cancel requests cancellation of orderID; idempotent.
	Cancel(ctx context.Context, orderID string) error
}

// Planner configures tick size and adverse-move tolerance per symbol.
type Planner struct {
	tick              decimal.Decimal
	postingDeadline   time.Duration
	adverseTolerance  decimal.Decimal // price ratio move that triggers an early fallback
}

// New builds a Planner. tick is the venue's price increment for the
// configured symbol; postingDeadline defaults to 60s per spec.md §4.8.
func New(tick decimal.Decimal, postingDeadline time.Duration, adverseTolerance decimal.Decimal) *Planner {
	if postingDeadline <= 0 {
		postingDeadline = 60 * time.Second
	}
	return &Planner{tick: tick, postingDeadline: postingDeadline, adverseTolerance: adverseTolerance}
}

// Plan decides the maker price one tick inside the touch for the
// signal's side. Callers submit an OrderIntent at this price before
// calling Execute.
func (p *Planner) Plan(signal types.TradeSignal, bid, ask decimal.Decimal) decimal.Decimal {
	switch signal.Side {
	case types.Buy:
		return money.RoundDownToTick(bid.Add(p.tick), p.tick)
	case types.Sell:
		return money.RoundUpToTick(ask.Sub(p.tick), p.tick)
	default:
		return signal.TargetPrice
	}
}

// Execute takes a maker order the caller has already placed, waits up to
// the posting deadline for it to fill (via waiter), cancels it if the
// book moves adversely (via book) or the deadline passes, and then falls
// back to a taker order (via takerFallback).
//
// orderID must be the Order Manager's assigned order_id for the maker
// leg so waiter can track it.
func (p *Planner) Execute(
	ctx context.Context,
	signal types.TradeSignal,
	makerPrice decimal.Decimal,
	waiter FillWaiter,
	orderID string,
	book BookView,
	takerFallback func(ctx context.Context) (filledPrice decimal.Decimal, err error),
	makerFeeRate, takerFeeRate decimal.Decimal,
) (Outcome, error) {
	deadline := time.Now().Add(p.postingDeadline)

	adverseCh := make(chan struct{}, 1)
	pollCtx, cancelPoll := context.WithCancel(ctx)
	defer cancelPoll()

	go p.watchAdverseMove(pollCtx, signal, makerPrice, book, adverseCh)

	filledCh := make(chan bool, 1)
	go func() {
		filledCh <- waiter.WaitForFill(ctx, orderID, deadline)
	}()

	select {
	case filled := <-filledCh:
		if filled {
			notional := money.Notionalize(makerPrice, signal.Amount)
			fee := notional.Mul(makerFeeRate)
			takerFee := notional.Mul(takerFeeRate)
			return Outcome{
				Strategy:   StrategyMakerFilled,
				FinalPrice: makerPrice,
				FeeSaved:   takerFee.Sub(fee),
				Success:    true,
			}, nil
		}
	case <-adverseCh:
		_ = waiter.Cancel(ctx, orderID)
	case <-time.After(time.Until(deadline)):
		_ = waiter.Cancel(ctx, orderID)
	case <-ctx.Done():
		_ = waiter.Cancel(ctx, orderID)
		return Outcome{}, ctx.Err()
	}

	finalPrice, err := takerFallback(ctx)
	if err != nil {
		return Outcome{Strategy: StrategyTakerFallback, Success: false}, err
	}

	notional := money.Notionalize(finalPrice, signal.Amount)
	makerNotional := money.Notionalize(makerPrice, signal.Amount)
	fee := notional.Mul(takerFeeRate)
	wouldHaveFee := makerNotional.Mul(makerFeeRate)

	return Outcome{
		Strategy:   StrategyTakerFallback,
		FinalPrice: finalPrice,
		FeeSaved:   wouldHaveFee.Sub(fee),
		Success:    true,
	}, nil
}

func (p *Planner) watchAdverseMove(ctx context.Context, signal types.TradeSignal, makerPrice decimal.Decimal, book BookView, adverse chan<- struct{}) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			bid, ask := book.BestBidAsk(signal.Symbol)
			if p.hasMovedAdversely(signal.Side, makerPrice, bid, ask) {
				select {
				case adverse <- struct{}{}:
				default:
				}
				return
			}
		}
	}
}

func (p *Planner) hasMovedAdversely(side types.Side, makerPrice, bid, ask decimal.Decimal) bool {
	if p.adverseTolerance.IsZero() {
		return false
	}
	switch side {
	case types.Buy:
		// book moved up past our resting bid by more than tolerance
		limit := makerPrice.Mul(decimal.NewFromInt(1).Add(p.adverseTolerance))
		return ask.GreaterThan(limit)
	case types.Sell:
		limit := makerPrice.Mul(decimal.NewFromInt(1).Sub(p.adverseTolerance))
		return bid.LessThan(limit)
	default:
		return false
	}
}
