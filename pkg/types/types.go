// Package types defines the shared vocabulary for the execution core: trade
// signals, orders, positions, and the verdicts components exchange. It has
// no dependency on any internal package so every layer can import it.
package types

import (
	"time"

	"github.com/shopspring/decimal"

	"bitbank-mm/pkg/money"
)

// Side is the direction of a signal, intent, or order.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
	Hold Side = "hold"
)

// OrderKind distinguishes resting (limit) from immediate (market) orders.
type OrderKind string

const (
	Limit  OrderKind = "limit"
	Market OrderKind = "market"
)

// FeeType classifies an order as adding or removing liquidity.
type FeeType string

const (
	Maker FeeType = "maker"
	Taker FeeType = "taker"
)

// Priority is the scheduling tier used by the Order Manager's queue and by
// the Position Tracker when it emits close intents.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	default:
		return "low"
	}
}

// OrderState enumerates the Order Manager's state machine states.
type OrderState string

const (
	OrderPending    OrderState = "pending"
	OrderSubmitted  OrderState = "submitted"
	OrderWorking    OrderState = "working"
	OrderPartial    OrderState = "partial"
	OrderCancelling OrderState = "cancelling"
	OrderFilled     OrderState = "filled"
	OrderCancelled  OrderState = "cancelled"
	OrderRejected   OrderState = "rejected"
	OrderExpired    OrderState = "expired"
)

// EquityStatus enumerates the Drawdown Guard's trading-allowed states.
type EquityStatus string

const (
	EquityActive                EquityStatus = "active"
	EquityPausedDrawdown        EquityStatus = "paused_drawdown"
	EquityPausedConsecutiveLoss EquityStatus = "paused_consecutive_loss"
	EquityEmergencyStop         EquityStatus = "emergency_stop"
)

// AnomalyKind enumerates the checks the Anomaly Detector runs per tick.
type AnomalyKind string

const (
	AnomalySpread      AnomalyKind = "spread"
	AnomalyLatency     AnomalyKind = "latency"
	AnomalyPriceSpike  AnomalyKind = "price_spike"
	AnomalyVolumeSpike AnomalyKind = "volume_spike"
)

// AlertLevel grades an AnomalyAlert's severity.
type AlertLevel string

const (
	LevelInfo     AlertLevel = "info"
	LevelWarning  AlertLevel = "warning"
	LevelCritical AlertLevel = "critical"
)

// Decision is the Risk Evaluator's verdict classification.
type Decision string

const (
	Approved    Decision = "approved"
	Conditional Decision = "conditional"
	Denied      Decision = "denied"
)

// FeeGuardAction is the Fee Guard's recommendation.
type FeeGuardAction string

const (
	FeeApprove FeeGuardAction = "approve"
	FeeModify  FeeGuardAction = "modify"
	FeeReject  FeeGuardAction = "reject"
)

// TradeSignal is produced externally by strategy code. The execution core
// only ever consumes this type — it never originates one.
type TradeSignal struct {
	ID             string
	Symbol         money.Symbol
	Side           Side
	Amount         decimal.Decimal
	TargetPrice    decimal.Decimal
	Confidence     float64 // [0,1]
	Urgency        float64 // [0,1]
	ExpectedProfit decimal.Decimal
	Source         string
	CreatedAt      time.Time
}

// FeeQuote is the Fee Model's pure output for a hypothetical order.
type FeeQuote struct {
	OrderType   FeeType
	FeeRate     decimal.Decimal // signed; negative for a maker rebate
	ExpectedFee decimal.Decimal // signed notional
}

// OrderIntent is the routing decision produced before an order is
// submitted: what to send, not yet assigned an order_id.
type OrderIntent struct {
	SignalID string
	Symbol   money.Symbol
	Side     Side
	Kind     OrderKind
	Amount   decimal.Decimal
	Price    decimal.Decimal // required if Kind == Limit
	Priority Priority
	PostOnly bool
}

// Order is the Order Manager's owned, mutable record of a submitted
// intent. Other components must treat it as a read-only snapshot.
type Order struct {
	OrderID      string
	Intent       OrderIntent
	State        OrderState
	FilledAmount decimal.Decimal
	AvgFillPrice decimal.Decimal
	FeePaid      decimal.Decimal
	SubmittedAt  time.Time
	LastUpdateAt time.Time
	RetryCount   int
	LastError    string
}

// Position is the Position Tracker's owned record of an open (or recently
// closed) holding.
type Position struct {
	PositionID       string
	Symbol           money.Symbol
	Side             Side
	Amount           decimal.Decimal // remaining
	EntryPrice       decimal.Decimal
	EntryTime        time.Time
	StopLoss         *decimal.Decimal
	TakeProfit       *decimal.Decimal
	ExpectedExitTime *time.Time
	RealisedPnL      decimal.Decimal
	PriorityTier     Priority
	StrategyTag      string
	IsMargin         bool
}

// InterestSchedule is attached 1:1 to a margin Position.
type InterestSchedule struct {
	DailyRate         decimal.Decimal
	NextAccrualAt     time.Time
	AccruedSoFar      decimal.Decimal
	AvoidanceDeadline time.Time
}

// TradeResult is an append-only history entry feeding the Kelly Sizer and
// the Drawdown Guard.
type TradeResult struct {
	Timestamp         time.Time
	PnL               decimal.Decimal
	StrategyTag       string
	ConfidenceAtEntry float64
}

// EquityState is the Drawdown Guard's singleton-per-process record.
type EquityState struct {
	InitialBalance    decimal.Decimal
	PeakBalance       decimal.Decimal
	CurrentBalance    decimal.Decimal
	ConsecutiveLosses int
	Status            EquityStatus
	CooldownUntil     *time.Time
}

// AnomalyAlert is emitted by the Anomaly Detector; it never blocks trading
// directly, only informs the Risk Evaluator.
type AnomalyAlert struct {
	Kind      AnomalyKind
	Level     AlertLevel
	Timestamp time.Time
	Details   string
}

// RiskVerdict is the Risk Evaluator's immutable output.
type RiskVerdict struct {
	Decision     Decision
	PositionSize decimal.Decimal
	StopLoss     *decimal.Decimal
	TakeProfit   *decimal.Decimal
	Reasons      []string
	Warnings     []string
	RiskScore    float64 // [0,1]
}

// MarketSnapshot is the minimal book/ticker view the Risk Evaluator and Fee
// Model need: best bid/ask, last trade, and the fields feeding the
// Anomaly Detector.
type MarketSnapshot struct {
	Symbol    money.Symbol
	Bid       decimal.Decimal
	Ask       decimal.Decimal
	Last      decimal.Decimal
	Volume    decimal.Decimal
	LatencyMS float64
	Timestamp time.Time
}

// FillEvent is emitted by the Order Manager each time it observes newly
// filled amount on an order (a partial or the final fill; FilledAmount is
// that increment) and carries everything the Position Tracker needs to
// open, grow, or close a Position.
type FillEvent struct {
	OrderID      string
	SignalID     string
	Symbol       money.Symbol
	Side         Side
	FilledAmount decimal.Decimal
	FillPrice    decimal.Decimal
	FeePaid      decimal.Decimal
	Timestamp    time.Time
}
