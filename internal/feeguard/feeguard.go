// Package feeguard rejects or modifies trades whose expected net profit
// is negative after fees, pure given its inputs.
package feeguard

import (
	"github.com/shopspring/decimal"

	"bitbank-mm/pkg/types"
)

// Verdict is the Fee Guard's recommendation with the reasoning behind it.
type Verdict struct {
	Action            types.FeeGuardAction
	Reason            string
	SuggestMakerSwap  bool // true when posting maker instead would clear the deficit
}

// Guard holds the configured safety multiplier applied to expected fees.
type Guard struct {
	safetyMultiplier decimal.Decimal
}

// New creates a Guard. safetyMultiplier (k in spec.md §4.6) is typically
// around 1.5-2.0: expected_profit must clear expected_fee * k to approve.
func New(safetyMultiplier decimal.Decimal) *Guard {
	return &Guard{safetyMultiplier: safetyMultiplier}
}

// Evaluate decides approve/modify/reject for a hypothetical taker fill
// given expectedProfit and the taker FeeQuote, offering a maker
// substitution suggestion when switching order type would clear the
// deficit using makerFee.
func (g *Guard) Evaluate(expectedProfit decimal.Decimal, takerFee types.FeeQuote, makerFee *types.FeeQuote) Verdict {
	threshold := takerFee.ExpectedFee.Abs().Mul(g.safetyMultiplier)

	if expectedProfit.GreaterThan(threshold) {
		return Verdict{Action: types.FeeApprove, Reason: "expected profit clears fee safety margin"}
	}

	if makerFee != nil {
		makerThreshold := makerFee.ExpectedFee.Abs().Mul(g.safetyMultiplier)
		if expectedProfit.GreaterThan(makerThreshold) {
			return Verdict{
				Action:           types.FeeModify,
				Reason:           "deficit clears at the maker rate",
				SuggestMakerSwap: true,
			}
		}
	}

	return Verdict{Action: types.FeeReject, Reason: "expected profit does not clear fee safety margin"}
}
