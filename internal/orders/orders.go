// Package orders implements the lifecycle state machine and priority
// work queue for outbound orders: pending -> submitted -> working ->
// (partial ->)* filled, with cancellation and rejection side paths. It is
// the only component allowed to mutate an Order; everyone else gets a
// read-only snapshot by order_id.
package orders

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"bitbank-mm/internal/events"
	"bitbank-mm/internal/exchange"
	"bitbank-mm/internal/gateway"
	"bitbank-mm/pkg/money"
	"bitbank-mm/pkg/types"
)

// ErrInFlight is returned by Submit when the given signal_id already has
// a non-terminal order outstanding.
var ErrInFlight = errors.New("orders: signal already has an order in flight")

// Manager owns every Order's state and the priority queue that feeds
// submissions to the exchange through the Gateway.
type Manager struct {
	gw     *gateway.Gateway
	port   exchange.Port
	bus    *events.Bus
	logger *slog.Logger

	submitTimeout time.Duration

	mu       sync.Mutex
	orders   map[string]*types.Order // order_id -> order
	inFlight map[string]string       // signal_id -> order_id ("" while reserved pre-ack)
	queue    intentQueue
	wake     chan struct{}

	notifyMu sync.Mutex
	notify   map[string]chan struct{} // order_id -> closed on next state change
}

// New builds a Manager. maxWait bounds how long an intent may sit in a
// lower tier before the queue temporarily boosts it to critical, per
// spec.md §4.9's anti-starvation rule.
func New(gw *gateway.Gateway, port exchange.Port, bus *events.Bus, logger *slog.Logger, submitTimeout, maxWait time.Duration) *Manager {
	return &Manager{
		gw:            gw,
		port:          port,
		bus:           bus,
		logger:        logger.With("component", "order_manager"),
		submitTimeout: submitTimeout,
		orders:        make(map[string]*types.Order),
		inFlight:      make(map[string]string),
		queue:         intentQueue{maxWait: maxWait},
		wake:          make(chan struct{}, 1),
		notify:        make(map[string]chan struct{}),
	}
}

// workItem is one queued submission request and the channel its result
// is delivered on.
type workItem struct {
	intent     types.OrderIntent
	enqueuedAt time.Time
	result     chan submitResult
}

type submitResult struct {
	orderID string
	err     error
}

// intentQueue is a container/heap priority queue ordered by effective
// priority (descending) then FIFO by enqueue time within a tier.
type intentQueue struct {
	items   []*workItem
	maxWait time.Duration
}

func (q *intentQueue) Len() int { return len(q.items) }

func (q *intentQueue) Less(i, j int) bool {
	pi := effectivePriority(q.items[i], q.maxWait)
	pj := effectivePriority(q.items[j], q.maxWait)
	if pi != pj {
		return pi > pj
	}
	return q.items[i].enqueuedAt.Before(q.items[j].enqueuedAt)
}

func (q *intentQueue) Swap(i, j int) { q.items[i], q.items[j] = q.items[j], q.items[i] }

func (q *intentQueue) Push(x any) { q.items = append(q.items, x.(*workItem)) }

func (q *intentQueue) Pop() any {
	old := q.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	q.items = old[:n-1]
	return item
}

// effectivePriority boosts an intent to critical once it has waited
// longer than maxWait, so the queue never starves a low-tier intent
// indefinitely under sustained high-tier load.
func effectivePriority(item *workItem, maxWait time.Duration) types.Priority {
	if maxWait > 0 && time.Since(item.enqueuedAt) > maxWait {
		return types.PriorityCritical
	}
	return item.intent.Priority
}

// Submit enqueues intent and blocks until it has been submitted to the
// exchange (or rejected). The idempotency lock keyed by signal_id
// enforces P2: at most one non-terminal order per signal_id.
func (m *Manager) Submit(ctx context.Context, intent types.OrderIntent) (string, error) {
	m.mu.Lock()
	if existing, ok := m.inFlight[intent.SignalID]; ok {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: signal_id=%s has order %q outstanding", ErrInFlight, intent.SignalID, existing)
	}
	m.inFlight[intent.SignalID] = ""
	item := &workItem{intent: intent, enqueuedAt: time.Now(), result: make(chan submitResult, 1)}
	heap.Push(&m.queue, item)
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}

	select {
	case res := <-item.result:
		return res.orderID, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Run drains the priority queue on a single consumer goroutine, the
// architecture spec.md §5 requires: the queue has many producers
// (Submit, callable from any goroutine, pushes under the manager's
// mutex) and a single consumer (here).
func (m *Manager) Run(ctx context.Context) {
	for {
		m.mu.Lock()
		for m.queue.Len() == 0 {
			m.mu.Unlock()
			select {
			case <-ctx.Done():
				return
			case <-m.wake:
			}
			m.mu.Lock()
		}
		item := heap.Pop(&m.queue).(*workItem)
		m.mu.Unlock()

		m.processSubmit(ctx, item)

		if ctx.Err() != nil {
			return
		}
	}
}

// processSubmit performs the pending->submitted->working transition.
// This venue acknowledges orders synchronously in the create-order
// response, so unlike an async-ack venue, submitted and working collapse
// into the single call bounded by submitTimeout: if the gateway call
// (including its own retries) doesn't return before the deadline, no
// order_id was ever assigned and the intent is terminal-rejected rather
// than left retrying, since a second attempt risks a duplicate live
// order.
func (m *Manager) processSubmit(ctx context.Context, item *workItem) {
	intent := item.intent

	submitCtx := ctx
	var cancel context.CancelFunc
	if m.submitTimeout > 0 {
		submitCtx, cancel = context.WithTimeout(ctx, m.submitTimeout)
		defer cancel()
	}

	raw, err := m.gw.Call(submitCtx, gateway.Post, func(cctx context.Context) (any, time.Duration, error) {
		res, cerr := m.port.CreateOrder(cctx, exchange.CreateOrderParams{
			Symbol:   intent.Symbol,
			Side:     intent.Side,
			Kind:     intent.Kind,
			Amount:   intent.Amount,
			Price:    intent.Price,
			PostOnly: intent.PostOnly,
		})
		return res, 0, cerr
	})

	if err != nil {
		m.mu.Lock()
		delete(m.inFlight, intent.SignalID)
		m.mu.Unlock()
		m.logger.Warn("order submission rejected", "signal_id", intent.SignalID, "symbol", intent.Symbol, "error", err)
		item.result <- submitResult{err: fmt.Errorf("order rejected: %w", err)}
		return
	}

	result := raw.(exchange.CreateOrderResult)
	now := time.Now()
	order := &types.Order{
		OrderID:      result.OrderID,
		Intent:       intent,
		State:        types.OrderWorking,
		FilledAmount: decimal.Zero,
		SubmittedAt:  now,
		LastUpdateAt: now,
	}

	m.mu.Lock()
	m.orders[result.OrderID] = order
	m.inFlight[intent.SignalID] = result.OrderID
	m.mu.Unlock()

	m.bus.Publish(events.Event{
		Kind:   events.OrderSubmitted,
		Symbol: string(intent.Symbol),
		Data:   events.OrderSubmittedData{Order: *order},
	})

	item.result <- submitResult{orderID: result.OrderID}
}

// Order returns a read-only snapshot of the given order.
func (m *Manager) Order(orderID string) (types.Order, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return types.Order{}, false
	}
	return *o, true
}

// Cancel is idempotent: cancelling an unknown or already-terminal order
// id is a no-op returning nil, satisfying P1.
func (m *Manager) Cancel(ctx context.Context, orderID string) error {
	m.mu.Lock()
	o, ok := m.orders[orderID]
	if !ok || isTerminal(o.State) || o.State == types.OrderCancelling {
		m.mu.Unlock()
		return nil
	}
	o.State = types.OrderCancelling
	symbol := o.Intent.Symbol
	m.mu.Unlock()

	_, err := m.gw.Call(ctx, gateway.Post, func(cctx context.Context) (any, time.Duration, error) {
		return nil, 0, m.port.CancelOrder(cctx, orderID, symbol)
	})

	m.mu.Lock()
	if err != nil {
		o.LastError = err.Error()
		m.mu.Unlock()
		return err
	}
	o.State = types.OrderCancelled
	o.LastUpdateAt = time.Now()
	m.releaseInFlightLocked(o)
	m.mu.Unlock()

	m.broadcast(orderID)
	m.bus.Publish(events.Event{
		Kind:   events.OrderCancelled,
		Symbol: string(symbol),
		Data:   events.OrderCancelledData{OrderID: orderID, Reason: "requested"},
	})
	return nil
}

// WaitForFill blocks until orderID reaches the filled state, a terminal
// non-filled state, deadline passes, or ctx is cancelled. It satisfies
// takeravoid.FillWaiter.
func (m *Manager) WaitForFill(ctx context.Context, orderID string, deadline time.Time) bool {
	for {
		m.mu.Lock()
		o, ok := m.orders[orderID]
		m.mu.Unlock()
		if !ok {
			return false
		}
		if o.State == types.OrderFilled {
			return true
		}
		if isTerminal(o.State) {
			return false
		}

		timeout := time.Until(deadline)
		if timeout <= 0 {
			return false
		}
		ch := m.notifyCh(orderID)
		select {
		case <-ch:
		case <-ctx.Done():
			return false
		case <-time.After(timeout):
			return false
		}
	}
}

// Reconcile polls fetch_open_orders per tracked symbol and applies any
// change in filled_amount or state, since this venue has no private
// fill-event channel to push them. Callers drive this on a timer.
func (m *Manager) Reconcile(ctx context.Context) {
	for _, symbol := range m.trackedSymbols() {
		open, err := m.port.FetchOpenOrders(ctx, symbol)
		if err != nil {
			m.logger.Warn("reconcile: fetch_open_orders failed", "symbol", symbol, "error", err)
			continue
		}
		seen := make(map[string]bool, len(open))
		for _, eo := range open {
			seen[eo.OrderID] = true
			m.applyExchangeOrder(eo)
		}
		m.detectVanished(symbol, seen)
	}
}

func (m *Manager) trackedSymbols() []money.Symbol {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[money.Symbol]bool)
	var out []money.Symbol
	for _, o := range m.orders {
		if (o.State == types.OrderWorking || o.State == types.OrderPartial) && !seen[o.Intent.Symbol] {
			seen[o.Intent.Symbol] = true
			out = append(out, o.Intent.Symbol)
		}
	}
	return out
}

func (m *Manager) applyExchangeOrder(eo exchange.ExchangeOrder) {
	m.mu.Lock()
	o, ok := m.orders[eo.OrderID]
	if !ok || isTerminal(o.State) {
		m.mu.Unlock()
		return
	}

	prevFilled := o.FilledAmount
	o.FilledAmount = eo.FilledAmount
	o.AvgFillPrice = eo.AvgFillPrice
	o.FeePaid = eo.FeePaid
	o.LastUpdateAt = time.Now()
	if eo.State == types.OrderFilled || eo.State == types.OrderPartial {
		o.State = eo.State
	}
	delta := eo.FilledAmount.Sub(prevFilled)
	terminal := o.State == types.OrderFilled
	snapshot := *o
	if terminal {
		m.releaseInFlightLocked(o)
	}
	m.mu.Unlock()

	if delta.IsPositive() {
		m.emitFill(snapshot, delta)
	}
	if terminal || delta.IsPositive() {
		m.broadcast(eo.OrderID)
	}
}

// detectVanished treats an order that drops out of fetch_open_orders
// without a local cancel on record as having been fully filled: this
// venue's open-orders endpoint only lists non-terminal orders, so
// disappearance with no matching local Cancel is the only way a polled
// fill can be discovered for an order whose remaining amount never
// showed as "partial" on a prior poll.
func (m *Manager) detectVanished(symbol money.Symbol, seen map[string]bool) {
	m.mu.Lock()
	var vanished []*types.Order
	for _, o := range m.orders {
		if o.Intent.Symbol == symbol && (o.State == types.OrderWorking || o.State == types.OrderPartial) && !seen[o.OrderID] {
			vanished = append(vanished, o)
		}
	}
	m.mu.Unlock()

	for _, o := range vanished {
		m.mu.Lock()
		prevFilled := o.FilledAmount
		o.FilledAmount = o.Intent.Amount
		o.State = types.OrderFilled
		o.LastUpdateAt = time.Now()
		m.releaseInFlightLocked(o)
		delta := o.FilledAmount.Sub(prevFilled)
		snapshot := *o
		m.mu.Unlock()

		m.logger.Info("order left open-orders list, treating as filled", "order_id", o.OrderID, "symbol", symbol)
		if delta.IsPositive() {
			m.emitFill(snapshot, delta)
		}
		m.broadcast(o.OrderID)
	}
}

func (m *Manager) emitFill(o types.Order, delta decimal.Decimal) {
	m.bus.Publish(events.Event{
		Kind:   events.OrderFilled,
		Symbol: string(o.Intent.Symbol),
		Data: events.OrderFilledData{Fill: types.FillEvent{
			OrderID:      o.OrderID,
			SignalID:     o.Intent.SignalID,
			Symbol:       o.Intent.Symbol,
			Side:         o.Intent.Side,
			FilledAmount: delta,
			FillPrice:    o.AvgFillPrice,
			FeePaid:      o.FeePaid,
			Timestamp:    o.LastUpdateAt,
		}},
	})
}

func (m *Manager) releaseInFlightLocked(o *types.Order) {
	if cur, ok := m.inFlight[o.Intent.SignalID]; ok && cur == o.OrderID {
		delete(m.inFlight, o.Intent.SignalID)
	}
}

func (m *Manager) notifyCh(orderID string) chan struct{} {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()
	ch, ok := m.notify[orderID]
	if !ok {
		ch = make(chan struct{})
		m.notify[orderID] = ch
	}
	return ch
}

func (m *Manager) broadcast(orderID string) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()
	if ch, ok := m.notify[orderID]; ok {
		close(ch)
		delete(m.notify, orderID)
	}
}

func isTerminal(s types.OrderState) bool {
	switch s {
	case types.OrderFilled, types.OrderCancelled, types.OrderRejected, types.OrderExpired:
		return true
	default:
		return false
	}
}
