// bitbank-mm is a market-making execution core for a single spot or
// margin pair on a rate-limited exchange.
//
// Architecture:
//
//	cmd/bot/main.go           — entry point: load config, wire components, wait for SIGINT/SIGTERM
//	internal/gateway          — C2: per-verb sliding-window limiter + circuit breaker + retry/back-off
//	internal/anomaly          — C3: spread/latency/price/volume anomaly checks
//	internal/sizing           — C4: Kelly-criterion position sizing
//	internal/drawdown         — C5: drawdown/consecutive-loss trading pause
//	internal/feeguard         — C6: expected-profit-vs-fee gate
//	internal/risk             — C7: composes C3-C6 into one RiskVerdict
//	internal/feemodel         — C1: fee quotes + maker/taker classification
//	internal/takeravoid       — C8: maker-first, taker-fallback execution
//	internal/orders           — C9: order state machine + priority queue
//	internal/position         — C10: position tracking, margin interest, forced close
//	internal/orchestrator     — C11: submit -> evaluate -> route -> execute -> monitor -> complete
//	internal/exchange         — Live/Paper venue ports, public WS ticker/depth feed
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"bitbank-mm/internal/anomaly"
	"bitbank-mm/internal/config"
	"bitbank-mm/internal/drawdown"
	"bitbank-mm/internal/events"
	"bitbank-mm/internal/exchange"
	"bitbank-mm/internal/feeguard"
	"bitbank-mm/internal/feemodel"
	"bitbank-mm/internal/gateway"
	"bitbank-mm/internal/orchestrator"
	"bitbank-mm/internal/orders"
	"bitbank-mm/internal/position"
	"bitbank-mm/internal/risk"
	"bitbank-mm/internal/sizing"
	"bitbank-mm/internal/takeravoid"
	"bitbank-mm/pkg/money"
	"bitbank-mm/pkg/types"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("BOT_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)

	loc, err := cfg.Location()
	if err != nil {
		logger.Error("failed to resolve timezone", "error", err)
		os.Exit(1)
	}

	symbol := money.Symbol(cfg.Exchange.Symbol)
	makerFee := decimal.NewFromFloat(cfg.Exchange.FeeRateMaker)
	takerFee := decimal.NewFromFloat(cfg.Exchange.FeeRateTaker)

	gw := gateway.New(gatewayConfig(cfg.Exchange), logger)

	feed := exchange.NewFeed(cfg.Exchange.WSURL, logger)
	cache := newTickerCache()

	var port exchange.Port
	switch cfg.State.Mode {
	case config.ModeLive:
		auth := exchange.NewAuth(cfg.Exchange.APIKey, cfg.Exchange.APISecret)
		port = exchange.NewLive(cfg.Exchange.BaseURL, auth, gw, logger)
	default: // paper, backtest: fills simulated against the live public feed
		port = exchange.NewPaper(cache, makerFee, takerFee, nil)
	}

	anomalyDetector := anomaly.New(anomaly.Thresholds{
		SpreadWarning:   cfg.Anomaly.SpreadWarning,
		SpreadCritical:  cfg.Anomaly.SpreadCritical,
		LatencyWarnMS:   cfg.Anomaly.LatencyWarningMS,
		LatencyCritMS:   cfg.Anomaly.LatencyCriticalMS,
		ZScoreThreshold: cfg.Anomaly.ZScoreThreshold,
		WindowSize:      cfg.Anomaly.WindowSize,
	})

	feeGuard := feeguard.New(decimal.NewFromFloat(cfg.Risk.FeeSafetyMultiplier))

	sizer := sizing.New(sizing.Params{
		SafetyFactor:        cfg.Risk.KellySafetyFactor,
		Cap:                 cfg.Risk.KellyCap,
		MinTradesForKelly:   cfg.Risk.MinTradesForKelly,
		LookbackDays:        cfg.Risk.KellyLookbackDays,
		InitialPositionSize: cfg.Risk.InitialPositionSize,
		MinTradeSize:        cfg.Risk.InitialPositionSize,
		MaxOrderSize:        cfg.Risk.MaxCapitalUsage,
		FallbackMinRatio:    0.01,
		FallbackMaxRatio:    0.10,
		EmergencyRatio:      0.005,
		EmergencyStopRatio:  0.98,
		FallbackStopRatio:   0.95,
	})

	drawdownGuard, err := drawdown.New(drawdown.Params{
		MaxDrawdownRatio:     cfg.Risk.MaxDrawdownRatio,
		ConsecutiveLossLimit: cfg.Risk.ConsecutiveLossLimit,
		CooldownHours:        cfg.Risk.CooldownHours,
		PersistencePath:      cfg.State.PersistencePath,
		Disabled:             cfg.State.Mode == config.ModeBacktest,
	}, cfg.Risk.InitialPositionSize)
	if err != nil {
		logger.Warn("drawdown guard starting from fresh state", "error", err)
	}

	evaluator := risk.New(
		anomalyDetector, feeGuard, sizer, drawdownGuard,
		risk.DefaultWeights,
		risk.Thresholds{Deny: cfg.Risk.DenyScoreThreshold, Conditional: cfg.Risk.ConditionalScoreThreshold},
		cfg.Risk.MinMLConfidence, cfg.Risk.MaxCapitalUsage, cfg.Risk.ConsecutiveLossLimit,
	)

	feeModel := feemodel.New(
		map[money.Symbol]feemodel.Rates{symbol: {MakerRate: makerFee, TakerRate: takerFee}},
		feemodel.Rates{MakerRate: makerFee, TakerRate: takerFee},
		cfg.Execution.MakerUrgencyCap,
	)

	tick := decimal.NewFromFloat(cfg.Execution.TickSize)
	if tick.IsZero() {
		tick = decimal.NewFromFloat(1)
	}
	planner := takeravoid.New(tick, cfg.Execution.TakerAvoidDeadline, decimal.NewFromFloat(cfg.Execution.AdverseMoveTolerance))

	bus := events.NewBus(1024)

	orderMgr := orders.New(gw, port, bus, logger, cfg.Execution.SubmitTimeout, cfg.Execution.MaxWaitBeforeBoost)

	closer := &deferredCloser{}
	closeHour, closeMinute, err := position.ParseForcedCloseTime(cfg.State.ForcedCloseTime)
	if err != nil {
		logger.Warn("forced close time unset or invalid, defaulting to 23:30", "error", err)
		closeHour, closeMinute = 23, 30
	}
	positions := position.New(position.Params{
		MarginDailyRate:   decimal.NewFromFloat(cfg.Exchange.MarginDailyInterestRate),
		AvoidanceBuffer:   cfg.Risk.InterestAvoidanceBuffer,
		ForcedCloseHour:   closeHour,
		ForcedCloseMinute: closeMinute,
		Location:          loc,
		PersistencePath:   cfg.State.PersistencePath,
	}, bus, closer, logger)

	orch := orchestrator.New(orchestrator.Params{
		Symbol:                  symbol,
		MaxConcurrentExecutions: int64(cfg.Execution.MaxConcurrentExecutions),
		QueueCapacity:           cfg.Execution.QueueCapacity,
		ExecutionTimeout:        cfg.Execution.ExecutionTimeout,
		TakerAvoidDeadline:      cfg.Execution.TakerAvoidDeadline,
		MakerFeeRate:            makerFee,
		TakerFeeRate:            takerFee,
		InitialBalance:          decimal.NewFromFloat(cfg.Risk.InitialPositionSize),
	}, evaluator, feeModel, planner, orderMgr, positions, port, bus, logger)
	closer.set(orch)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	runBackground(&wg, ctx, func(ctx context.Context) {
		if err := feed.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("market data feed exited", "error", err)
		}
	})
	runBackground(&wg, ctx, func(ctx context.Context) { cache.bridge(ctx, feed) })
	runBackground(&wg, ctx, orderMgr.Run)
	runBackground(&wg, ctx, func(ctx context.Context) { orch.RunFillBridge(ctx, 2*time.Second) })
	runBackground(&wg, ctx, positions.Run)

	if err := feed.Subscribe([]money.Symbol{symbol}); err != nil {
		logger.Warn("initial feed subscribe failed", "error", err)
	}

	logger.Info("bitbank-mm started",
		"symbol", symbol,
		"mode", cfg.State.Mode,
		"max_concurrent_executions", cfg.Execution.MaxConcurrentExecutions,
	)

	<-ctx.Done()
	logger.Info("shutdown signal received, draining in-flight work")

	wg.Wait()
	logger.Info("shutdown complete")
}

// runBackground starts fn in its own goroutine tracked by wg, so main can
// wait for every background loop to notice ctx cancellation before
// exiting. Every loop here only ever reads from channels or sleeps on a
// ticker, so there is no explicit shutdown ordering to enforce beyond
// "stop reading once ctx is done".
func runBackground(wg *sync.WaitGroup, ctx context.Context, fn func(ctx context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		fn(ctx)
	}()
}

// deferredCloser breaks the construction cycle between position.Tracker
// (which needs a ForceCloser at New) and orchestrator.Orchestrator (which
// needs the Tracker at New): the Tracker is handed this indirection
// instead, and main fills in the real target once the orchestrator
// exists.
type deferredCloser struct {
	mu     sync.RWMutex
	target position.ForceCloser
}

func (d *deferredCloser) set(target position.ForceCloser) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.target = target
}

func (d *deferredCloser) RequestClose(ctx context.Context, pos types.Position) error {
	d.mu.RLock()
	target := d.target
	d.mu.RUnlock()
	if target == nil {
		return nil
	}
	return target.RequestClose(ctx, pos)
}

// tickerCache maintains a last-known bid/ask per symbol from the public
// WS feed, implementing exchange.FeedSource so Paper-mode fills are
// driven by real market data even though no real orders are placed.
type tickerCache struct {
	mu   sync.RWMutex
	book map[money.Symbol][2]decimal.Decimal // [bid, ask]
}

func newTickerCache() *tickerCache {
	return &tickerCache{book: make(map[money.Symbol][2]decimal.Decimal)}
}

func (c *tickerCache) BestBidAsk(symbol money.Symbol) (bid, ask decimal.Decimal) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v := c.book[symbol]
	return v[0], v[1]
}

func (c *tickerCache) set(symbol money.Symbol, bid, ask decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.book[symbol] = [2]decimal.Decimal{bid, ask}
}

// bridge drains the feed's ticker and depth channels into the cache until
// ctx is cancelled. Depth updates are treated as fresher top-of-book
// than ticker updates, since the venue publishes them independently.
func (c *tickerCache) bridge(ctx context.Context, feed *exchange.Feed) {
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-feed.TickerEvents():
			if !ok {
				return
			}
			c.set(t.Symbol, t.Bid, t.Ask)
		case d, ok := <-feed.DepthEvents():
			if !ok {
				return
			}
			c.set(d.Symbol, d.Bid, d.Ask)
		}
	}
}

func gatewayConfig(ex config.ExchangeConfig) gateway.Config {
	b := ex.Breaker
	if b.FailureThreshold == 0 {
		b.FailureThreshold = 5
	}
	if b.RecoveryTimeout == 0 {
		b.RecoveryTimeout = 60 * time.Second
	}
	if b.CallTimeout == 0 {
		b.CallTimeout = 10 * time.Second
	}
	if b.InitialBackoff == 0 {
		b.InitialBackoff = 500 * time.Millisecond
	}
	if b.BackoffMultiplier == 0 {
		b.BackoffMultiplier = 2
	}
	if b.BackoffCap == 0 {
		b.BackoffCap = 30 * time.Second
	}
	return gateway.Config{
		GetLimit:          ex.RateLimitGet,
		GetWindow:         ex.RateLimitWindow,
		PostLimit:         ex.RateLimitPost,
		PostWindow:        ex.RateLimitWindow,
		MaxRetries:        b.MaxRetries,
		InitialBackoff:    b.InitialBackoff,
		BackoffMultiplier: b.BackoffMultiplier,
		BackoffCap:        b.BackoffCap,
		FailureThreshold:  b.FailureThreshold,
		RecoveryTimeout:   b.RecoveryTimeout,
		CallTimeout:       b.CallTimeout,
	}
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
