// Package feemodel computes the fee/rebate a hypothetical order would
// incur and classifies a trade signal as a maker or taker candidate. It
// holds no state beyond the per-symbol fee table it is constructed with.
package feemodel

import (
	"github.com/shopspring/decimal"

	"bitbank-mm/pkg/money"
	"bitbank-mm/pkg/types"
)

// Rates is one symbol's maker/taker fee rates. MakerRate may be negative
// (a rebate); TakerRate is normally positive.
type Rates struct {
	MakerRate decimal.Decimal
	TakerRate decimal.Decimal
}

// Model is a pure fee calculator over a fixed table of per-symbol rates,
// plus the urgency cap used by Classify.
type Model struct {
	table      map[money.Symbol]Rates
	defaults   Rates
	urgencyCap float64 // u_maker: urgency strictly below this favors maker
}

// New builds a Model. defaults is used for any symbol not present in
// table, so a fresh exchange listing never fails fee lookups outright.
func New(table map[money.Symbol]Rates, defaults Rates, urgencyCap float64) *Model {
	if table == nil {
		table = map[money.Symbol]Rates{}
	}
	return &Model{table: table, defaults: defaults, urgencyCap: urgencyCap}
}

func (m *Model) ratesFor(symbol money.Symbol) Rates {
	if r, ok := m.table[symbol]; ok {
		return r
	}
	return m.defaults
}

// Quote computes the FeeQuote for a hypothetical order of the given type,
// amount and price. expected_fee is signed: negative means a rebate.
func (m *Model) Quote(symbol money.Symbol, orderType types.FeeType, amount, price decimal.Decimal) types.FeeQuote {
	rates := m.ratesFor(symbol)

	rate := rates.TakerRate
	if orderType == types.Maker {
		rate = rates.MakerRate
	}

	notional := money.Notionalize(price, amount)
	fee := notional.Mul(rate)

	return types.FeeQuote{
		OrderType:   orderType,
		FeeRate:     rate,
		ExpectedFee: fee,
	}
}

// Classify decides whether signal should be routed as a maker or taker
// candidate. best is the best opposite-side quote for the signal's
// direction: for a buy, the ask; for a sell, the bid.
//
// A buy classifies as maker when target_price is strictly below the ask
// and urgency is below the configured cap; a sell classifies as maker
// when target_price is strictly above the bid, same urgency condition.
// Anything else classifies as taker.
func (m *Model) Classify(signal types.TradeSignal, best decimal.Decimal) types.FeeType {
	if signal.Urgency >= m.urgencyCap {
		return types.Taker
	}

	switch signal.Side {
	case types.Buy:
		if signal.TargetPrice.LessThan(best) {
			return types.Maker
		}
	case types.Sell:
		if signal.TargetPrice.GreaterThan(best) {
			return types.Maker
		}
	}
	return types.Taker
}
