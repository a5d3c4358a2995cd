// Package money defines the fixed-point decimal types used for every
// price, amount, and balance in the bot. Binary floats are never used for
// money: shopspring/decimal carries at least 10 fractional digits and
// avoids the rounding drift that would otherwise accumulate across a long
// running process reconciling fills against a fee table.
package money

import (
	"github.com/shopspring/decimal"
)

// Symbol is an immutable trading pair identifier, e.g. "BTC/JPY". It keys
// fee tables and routing decisions.
type Symbol string

// Price, Amount and Notional are distinct aliases over decimal.Decimal so
// call sites document intent even though the underlying arithmetic is
// identical. The compiler does not enforce the distinction (Go has no
// nominal subtyping for this), so mixing them is a reviewer's job, not
// the type checker's.
type (
	Price    = decimal.Decimal
	Amount   = decimal.Decimal
	Notional = decimal.Decimal
)

// Zero is the additive identity, exported so callers don't repeatedly
// spell decimal.Zero.
var Zero = decimal.Zero

// NewFromFloat is a thin wrapper kept at the money package boundary for
// turning a float64 into a Price/Amount. Some callers convert with
// decimal.NewFromFloat directly instead (cmd/bot for configuration
// values, risk for the Kelly size).
func NewFromFloat(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// RoundToTick rounds v to the nearest multiple of tick (a positive
// decimal such as 0.01), halves away from zero. Used to preserve the venue's tick precision on
// every price the bot emits.
func RoundToTick(v, tick decimal.Decimal) decimal.Decimal {
	if tick.IsZero() {
		return v
	}
	quotient := v.DivRound(tick, 0)
	return quotient.Mul(tick)
}

// RoundUpToTick rounds v up to the nearest multiple of tick.
func RoundUpToTick(v, tick decimal.Decimal) decimal.Decimal {
	if tick.IsZero() {
		return v
	}
	div := v.Div(tick)
	ceil := div.Ceil()
	return ceil.Mul(tick)
}

// RoundDownToTick rounds v down (floor) to the nearest multiple of tick.
func RoundDownToTick(v, tick decimal.Decimal) decimal.Decimal {
	if tick.IsZero() {
		return v
	}
	div := v.Div(tick)
	floor := div.Floor()
	return floor.Mul(tick)
}

// Notionalize computes price * amount, the standard way a notional value
// is derived throughout the fee model and position tracker.
func Notionalize(price, amount decimal.Decimal) decimal.Decimal {
	return price.Mul(amount)
}

// String renders a decimal as fixed-point text, used by components that
// log monetary values so output never shows scientific notation.
func String(d decimal.Decimal) string {
	return d.StringFixed(8)
}
