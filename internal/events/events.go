// Package events defines the execution core's internal event stream: a
// single typed channel every component can publish to, fanned out to
// whatever external interface (log sink, dashboard, metrics) is wired at
// start-up. Nothing in internal/ blocks on a slow subscriber — the bus
// drops events rather than stall a trading decision.
package events

import (
	"time"

	"github.com/shopspring/decimal"

	"bitbank-mm/pkg/types"
)

// Kind names the event types the execution core emits. Unlike the
// dashboard's loose string Type field, Kind is a closed set so publishers
// and subscribers share one vocabulary.
type Kind string

const (
	SignalReceived        Kind = "signal_received"
	RiskDecision           Kind = "risk_decision"
	OrderSubmitted         Kind = "order_submitted"
	OrderFilled            Kind = "order_filled"
	OrderCancelled         Kind = "order_cancelled"
	PositionOpened         Kind = "position_opened"
	PositionClosed         Kind = "position_closed"
	AnomalyRaised          Kind = "anomaly_raised"
	CircuitBreakerChanged  Kind = "circuit_breaker_changed"
	DrawdownStateChanged   Kind = "drawdown_state_changed"
	ForcedCloseTriggered   Kind = "forced_close_triggered"
	CompletedExecution     Kind = "completed_execution"
)

// Event is the envelope carried on the bus. Data holds the event-specific
// payload (one of the Data structs below); consumers type-switch on Kind.
type Event struct {
	Kind      Kind
	Timestamp time.Time
	Symbol    string
	Data      any
}

type SignalReceivedData struct {
	Signal types.TradeSignal
}

type RiskDecisionData struct {
	SignalID string
	Verdict  types.RiskVerdict
}

type OrderSubmittedData struct {
	Order types.Order
}

type OrderFilledData struct {
	Fill types.FillEvent
}

type OrderCancelledData struct {
	OrderID string
	Reason  string
}

type PositionOpenedData struct {
	Position types.Position
}

type PositionClosedData struct {
	Position types.Position
	PnL      decimal.Decimal
}

type AnomalyRaisedData struct {
	Alert types.AnomalyAlert
}

type CircuitBreakerChangedData struct {
	From string
	To   string
}

type DrawdownStateChangedData struct {
	From types.EquityStatus
	To   types.EquityStatus
}

type ForcedCloseTriggeredData struct {
	PositionID string
	Reason     string
}

// CompletedExecutionData closes out the lifecycle started by
// SignalReceived: how the signal was routed, what it cost in latency,
// and how much the taker-avoidance planner saved (or, if routed direct
// to taker, gave up) versus an immediate taker fill.
type CompletedExecutionData struct {
	SignalID string
	Strategy string
	Success  bool
	Latency  time.Duration
	FeeSaved decimal.Decimal
}

// Bus is a bounded, non-blocking fan-out point. Publish never blocks the
// caller: when the channel is full the event is dropped and a drop flag
// is set (read and cleared by Dropped), matching the "never stall a
// trading decision" rule above.
type Bus struct {
	ch      chan Event
	dropped chan struct{}
}

// NewBus creates a Bus with the given channel capacity.
func NewBus(capacity int) *Bus {
	if capacity <= 0 {
		capacity = 256
	}
	return &Bus{
		ch:      make(chan Event, capacity),
		dropped: make(chan struct{}, 1),
	}
}

// Publish enqueues an event, stamping Timestamp if the caller left it zero.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	select {
	case b.ch <- e:
	default:
		select {
		case b.dropped <- struct{}{}:
		default:
		}
	}
}

// Subscribe returns the read side of the bus. There is exactly one
// consumer in this process (the external interface fan-out adapter);
// callers that need multiple sinks should drain this channel and
// re-publish to their own sinks.
func (b *Bus) Subscribe() <-chan Event {
	return b.ch
}

// Dropped reports whether at least one event has been dropped since the
// last call. Intended for a periodic health-check log line.
func (b *Bus) Dropped() bool {
	select {
	case <-b.dropped:
		return true
	default:
		return false
	}
}

// Close closes the underlying channel. Callers must stop publishing
// before calling Close.
func (b *Bus) Close() {
	close(b.ch)
}
