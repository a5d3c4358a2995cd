// Package orchestrator is the execution core's single entry point: it
// takes a TradeSignal, runs it through risk assessment, decides how to
// route it (maker-first with taker fallback, or straight to taker), owns
// the order through to its terminal fill, hands the fill to the position
// tracker, and emits one CompletedExecution event per signal. Everything
// upstream of Submit (where signals come from) and downstream of
// CompletedExecution (dashboards, PnL reporting) is out of scope here.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/semaphore"

	"bitbank-mm/internal/events"
	"bitbank-mm/internal/exchange"
	"bitbank-mm/internal/feemodel"
	"bitbank-mm/internal/orders"
	"bitbank-mm/internal/position"
	"bitbank-mm/internal/risk"
	"bitbank-mm/internal/takeravoid"
	"bitbank-mm/pkg/money"
	"bitbank-mm/pkg/types"
)

// ErrQueueFull is returned by Submit when admission would exceed the
// configured queue capacity. The caller (strategy code) decides whether
// to drop the signal or retry later; the orchestrator never blocks
// indefinitely waiting for a slot.
var ErrQueueFull = errors.New("orchestrator: submission queue full")

// Params configures one Orchestrator instance. All durations and the
// concurrency/queue limits come from ExecutionConfig.
type Params struct {
	Symbol                  money.Symbol
	MaxConcurrentExecutions int64
	QueueCapacity           int
	ExecutionTimeout        time.Duration
	TakerAvoidDeadline      time.Duration
	MakerFeeRate            decimal.Decimal
	TakerFeeRate            decimal.Decimal
	InitialBalance          decimal.Decimal
}

// bookView adapts exchange.Port's synchronous fetch_order_book call to
// the narrow BestBidAsk shape both takeravoid.BookView and
// exchange.FeedSource require. A cache fed by the venue's WS ticker feed
// would avoid the extra round trip on every adverse-move poll, but the
// taker-avoidance planner only polls every 200ms while a single maker
// order is resting, so a direct synchronous call keeps this adapter free
// of another long-lived goroutine to manage.
type bookView struct {
	port   exchange.Port
	logger *slog.Logger
}

func (b *bookView) BestBidAsk(symbol money.Symbol) (bid, ask decimal.Decimal) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	bid, ask, err := b.port.FetchOrderBook(ctx, symbol)
	if err != nil {
		b.logger.Warn("book view fetch failed, returning zero touch", "error", err)
		return decimal.Zero, decimal.Zero
	}
	return bid, ask
}

// Orchestrator wires the Risk Evaluator, Fee Model, taker-avoidance
// Planner, Order Manager, and Position Tracker into one submit(signal)
// pipeline, bounding how many signals execute at once.
type Orchestrator struct {
	params Params

	evaluator *risk.Evaluator
	feeModel  *feemodel.Model
	planner   *takeravoid.Planner
	orderMgr  *orders.Manager
	positions *position.Tracker
	port      exchange.Port
	book      *bookView
	bus       *events.Bus
	logger    *slog.Logger

	sem   *semaphore.Weighted
	queue chan struct{} // admission gate bounding queued+in-flight submissions

	balanceMu sync.Mutex
	balance   decimal.Decimal
}

// New builds an Orchestrator. The Position Tracker's forced-close path
// calls back into RequestClose (Orchestrator satisfies
// position.ForceCloser), so wire the tracker with this Orchestrator only
// after New returns.
func New(
	params Params,
	evaluator *risk.Evaluator,
	feeModel *feemodel.Model,
	planner *takeravoid.Planner,
	orderMgr *orders.Manager,
	positions *position.Tracker,
	port exchange.Port,
	bus *events.Bus,
	logger *slog.Logger,
) *Orchestrator {
	if params.MaxConcurrentExecutions <= 0 {
		params.MaxConcurrentExecutions = 1
	}
	if params.QueueCapacity <= 0 {
		params.QueueCapacity = 1
	}
	return &Orchestrator{
		params:    params,
		evaluator: evaluator,
		feeModel:  feeModel,
		planner:   planner,
		orderMgr:  orderMgr,
		positions: positions,
		port:      port,
		book:      &bookView{port: port, logger: logger},
		bus:       bus,
		logger:    logger.With("component", "orchestrator"),
		sem:       semaphore.NewWeighted(params.MaxConcurrentExecutions),
		queue:     make(chan struct{}, params.QueueCapacity),
		balance:   params.InitialBalance,
	}
}

// MarketContext carries everything the risk pipeline needs beyond the
// signal itself — the current book/latency view and the capital and
// volatility figures that feed the Kelly sizer and the risk score's
// volatility term. Fee quotes are derived internally from the signal's
// requested amount and target price, not supplied by the caller.
type MarketContext struct {
	Snapshot       types.MarketSnapshot
	LatencyMS      float64
	CapitalSpent   decimal.Decimal
	InitialBalance decimal.Decimal
	RealisedVol    float64
	TargetVol      float64
	MaxSizeScale   float64
}

// Submit runs the full evaluate -> route -> execute -> monitor ->
// complete pipeline for one signal. It returns ErrQueueFull at once when
// the submission queue is full, and otherwise waits for an execution
// slot (returning an error if ctx ends first) before handing the signal
// to a goroutine bounded by ExecutionTimeout and returning nil. Risk
// denial and every later outcome are reported on the event bus, not
// returned.
func (o *Orchestrator) Submit(ctx context.Context, signal types.TradeSignal, mkt MarketContext) error {
	select {
	case o.queue <- struct{}{}:
	default:
		return ErrQueueFull
	}

	o.bus.Publish(events.Event{
		Kind:   events.SignalReceived,
		Symbol: string(signal.Symbol),
		Data:   events.SignalReceivedData{Signal: signal},
	})

	if err := o.sem.Acquire(ctx, 1); err != nil {
		<-o.queue
		return fmt.Errorf("acquire execution slot: %w", err)
	}

	go func() {
		defer o.sem.Release(1)
		defer func() { <-o.queue }()

		execCtx, cancel := context.WithTimeout(context.Background(), o.executionTimeout())
		defer cancel()

		o.run(execCtx, signal, mkt)
	}()

	return nil
}

func (o *Orchestrator) executionTimeout() time.Duration {
	if o.params.ExecutionTimeout <= 0 {
		return 5 * time.Minute
	}
	return o.params.ExecutionTimeout
}

// run is the body of the pipeline: one signal's full lifecycle, from
// risk verdict through to the CompletedExecution event. It never
// returns an error to a caller — every outcome, including denial and
// timeout, is recorded on the event bus instead.
func (o *Orchestrator) run(ctx context.Context, signal types.TradeSignal, mkt MarketContext) {
	start := time.Now()

	takerFee := o.feeModel.Quote(signal.Symbol, types.Taker, signal.Amount, signal.TargetPrice)
	makerFee := o.feeModel.Quote(signal.Symbol, types.Maker, signal.Amount, signal.TargetPrice)

	verdict := o.evaluator.Evaluate(risk.EvaluateInput{
		Signal:         signal,
		Snapshot:       mkt.Snapshot,
		LatencyMS:      mkt.LatencyMS,
		TakerFee:       takerFee,
		MakerFee:       &makerFee,
		CapitalSpent:   mkt.CapitalSpent,
		InitialBalance: mkt.InitialBalance,
		RealisedVol:    mkt.RealisedVol,
		TargetVol:      mkt.TargetVol,
		MaxSizeScale:   mkt.MaxSizeScale,
		Now:            start,
	})
	o.bus.Publish(events.Event{
		Kind:   events.RiskDecision,
		Symbol: string(signal.Symbol),
		Data:   events.RiskDecisionData{SignalID: signal.ID, Verdict: verdict},
	})

	if verdict.Decision == types.Denied {
		o.completed(signal, "denied", false, time.Since(start), decimal.Zero)
		return
	}

	amount := verdict.PositionSize
	if amount.IsZero() {
		amount = signal.Amount
	}

	bid, ask := o.book.BestBidAsk(signal.Symbol)
	best := ask
	if signal.Side == types.Sell {
		best = bid
	}

	feeType := o.feeModel.Classify(signal, best)

	outcome, err := o.route(ctx, signal, amount, feeType, bid, ask)
	if err != nil {
		o.logger.Error("execution failed", "signal_id", signal.ID, "error", err)
		o.completed(signal, "error", false, time.Since(start), decimal.Zero)
		return
	}

	o.completed(signal, string(outcome.Strategy), outcome.Success, time.Since(start), outcome.FeeSaved)
}

// route decides and carries out how the signal reaches the exchange: a
// maker order with taker fallback when feeModel favors resting, or a
// direct taker order when urgency or price already crosses the spread.
func (o *Orchestrator) route(
	ctx context.Context,
	signal types.TradeSignal,
	amount decimal.Decimal,
	feeType types.FeeType,
	bid, ask decimal.Decimal,
) (takeravoid.Outcome, error) {
	if feeType == types.Taker {
		return o.executeTaker(ctx, signal, amount)
	}

	makerPrice := o.planner.Plan(signal, bid, ask)

	intent := types.OrderIntent{
		SignalID: signal.ID,
		Symbol:   signal.Symbol,
		Side:     signal.Side,
		Kind:     types.Limit,
		Amount:   amount,
		Price:    makerPrice,
		Priority: types.PriorityMedium,
		PostOnly: true,
	}
	orderID, err := o.orderMgr.Submit(ctx, intent)
	if err != nil {
		return takeravoid.Outcome{}, fmt.Errorf("submit maker leg: %w", err)
	}

	takerFallback := func(ctx context.Context) (decimal.Decimal, error) {
		takerIntent := types.OrderIntent{
			SignalID: signal.ID + "-fallback",
			Symbol:   signal.Symbol,
			Side:     signal.Side,
			Kind:     types.Market,
			Amount:   amount,
			Priority: types.PriorityHigh,
		}
		fallbackID, err := o.orderMgr.Submit(ctx, takerIntent)
		if err != nil {
			return decimal.Zero, fmt.Errorf("submit taker fallback: %w", err)
		}
		deadline := time.Now().Add(o.params.TakerAvoidDeadline)
		if !o.orderMgr.WaitForFill(ctx, fallbackID, deadline) {
			return decimal.Zero, fmt.Errorf("taker fallback order %s did not fill", fallbackID)
		}
		order, _ := o.orderMgr.Order(fallbackID)
		return order.AvgFillPrice, nil
	}

	return o.planner.Execute(
		ctx,
		signal,
		makerPrice,
		o.orderMgr,
		orderID,
		o.book,
		takerFallback,
		o.params.MakerFeeRate,
		o.params.TakerFeeRate,
	)
}

func (o *Orchestrator) executeTaker(ctx context.Context, signal types.TradeSignal, amount decimal.Decimal) (takeravoid.Outcome, error) {
	intent := types.OrderIntent{
		SignalID: signal.ID,
		Symbol:   signal.Symbol,
		Side:     signal.Side,
		Kind:     types.Market,
		Amount:   amount,
		Priority: types.PriorityHigh,
	}
	orderID, err := o.orderMgr.Submit(ctx, intent)
	if err != nil {
		return takeravoid.Outcome{}, fmt.Errorf("submit taker order: %w", err)
	}

	deadline := time.Now().Add(o.params.TakerAvoidDeadline)
	if !o.orderMgr.WaitForFill(ctx, orderID, deadline) {
		return takeravoid.Outcome{Strategy: takeravoid.StrategyTakerDirect}, fmt.Errorf("taker order %s did not fill", orderID)
	}

	order, _ := o.orderMgr.Order(orderID)
	return takeravoid.Outcome{
		Strategy:   takeravoid.StrategyTakerDirect,
		FinalPrice: order.AvgFillPrice,
		FeeSaved:   decimal.Zero, // routed straight to taker: nothing saved versus itself
		Success:    true,
	}, nil
}

func (o *Orchestrator) completed(signal types.TradeSignal, strategy string, success bool, latency time.Duration, feeSaved decimal.Decimal) {
	o.bus.Publish(events.Event{
		Kind:   events.CompletedExecution,
		Symbol: string(signal.Symbol),
		Data: events.CompletedExecutionData{
			SignalID: signal.ID,
			Strategy: strategy,
			Success:  success,
			Latency:  latency,
			FeeSaved: feeSaved,
		},
	})
}

// RunFillBridge consumes the Order Manager's event bus, forwarding every
// OrderFilled event to the Position Tracker and every PositionClosed
// event to recordClosedTrade, and reconciles open orders against the
// venue on the given interval. It blocks until ctx is cancelled; callers
// run it in its own goroutine alongside the Order Manager's Run.
func (o *Orchestrator) RunFillBridge(ctx context.Context, reconcileInterval time.Duration) {
	ticker := time.NewTicker(reconcileInterval)
	defer ticker.Stop()

	sub := o.bus.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.orderMgr.Reconcile(ctx)
		case evt, ok := <-sub:
			if !ok {
				return
			}
			switch evt.Kind {
			case events.OrderFilled:
				data := evt.Data.(events.OrderFilledData)
				o.positions.OnFill(data.Fill)
			case events.PositionClosed:
				data := evt.Data.(events.PositionClosedData)
				o.recordClosedTrade(data)
			}
		}
	}
}

// recordClosedTrade feeds a closed position's realised PnL back into the
// drawdown guard and Kelly sizer via the risk evaluator, so the next
// Submit's Evaluate call sees an up-to-date equity curve and trade
// history.
func (o *Orchestrator) recordClosedTrade(data events.PositionClosedData) {
	o.balanceMu.Lock()
	o.balance = o.balance.Add(data.PnL)
	balance, _ := o.balance.Float64()
	o.balanceMu.Unlock()

	tr := types.TradeResult{
		Timestamp:   time.Now(),
		PnL:         data.PnL,
		StrategyTag: data.Position.StrategyTag,
	}
	if err := o.evaluator.RecordCompletedTrade(tr, balance); err != nil {
		o.logger.Error("record completed trade failed", "position_id", data.Position.PositionID, "error", err)
	}
}

// RequestClose implements position.ForceCloser: it submits an immediate
// taker order to flatten pos and waits for it to fill.
func (o *Orchestrator) RequestClose(ctx context.Context, pos types.Position) error {
	side := types.Sell
	if pos.Side == types.Sell {
		side = types.Buy
	}
	intent := types.OrderIntent{
		SignalID: "forced-close-" + pos.PositionID,
		Symbol:   pos.Symbol,
		Side:     side,
		Kind:     types.Market,
		Amount:   pos.Amount,
		Priority: types.PriorityCritical,
	}
	orderID, err := o.orderMgr.Submit(ctx, intent)
	if err != nil {
		return fmt.Errorf("submit forced-close order: %w", err)
	}
	deadline := time.Now().Add(o.params.TakerAvoidDeadline)
	if !o.orderMgr.WaitForFill(ctx, orderID, deadline) {
		return fmt.Errorf("forced-close order %s did not fill by deadline", orderID)
	}
	return nil
}
