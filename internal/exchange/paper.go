package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"bitbank-mm/pkg/money"
	"bitbank-mm/pkg/types"
)

// FeedSource gives Paper a live view of the book it fills against,
// without depending on any particular market-data transport.
type FeedSource interface {
	BestBidAsk(symbol money.Symbol) (bid, ask decimal.Decimal)
}

// Paper is a simulated Port used for state.mode=paper: a limit order that
// crosses the current touch fills immediately at its own limit price, a
// resting one fills at its limit price when a later Tick finds the book
// crossing it, and market orders fill immediately at the opposite touch.
// Open orders are kept in memory; balances stay at the seeded amounts,
// since fills do not update them.
type Paper struct {
	mu          sync.Mutex
	feed        FeedSource
	makerFee    decimal.Decimal
	takerFee    decimal.Decimal
	balances    map[string]decimal.Decimal
	openOrders  map[string]*paperOrder
	nextOrderID int
}

type paperOrder struct {
	id     string
	symbol money.Symbol
	side   types.Side
	kind   types.OrderKind
	amount decimal.Decimal
	price  decimal.Decimal
	state  types.OrderState
	filled decimal.Decimal
	avg    decimal.Decimal
	fee    decimal.Decimal
}

// NewPaper builds a Paper exchange seeded with the given starting
// balances (asset -> amount).
func NewPaper(feed FeedSource, makerFee, takerFee decimal.Decimal, seed map[string]decimal.Decimal) *Paper {
	balances := make(map[string]decimal.Decimal, len(seed))
	for k, v := range seed {
		balances[k] = v
	}
	return &Paper{
		feed:       feed,
		makerFee:   makerFee,
		takerFee:   takerFee,
		balances:   balances,
		openOrders: make(map[string]*paperOrder),
	}
}

func (p *Paper) FetchBalance(ctx context.Context, asset string) (Balance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Balance{Asset: asset, Available: p.balances[asset]}, nil
}

func (p *Paper) FetchTicker(ctx context.Context, symbol money.Symbol) (types.MarketSnapshot, error) {
	bid, ask := p.feed.BestBidAsk(symbol)
	return types.MarketSnapshot{
		Symbol:    symbol,
		Bid:       bid,
		Ask:       ask,
		Last:      bid.Add(ask).Div(decimal.NewFromInt(2)),
		Timestamp: time.Now(),
	}, nil
}

func (p *Paper) FetchOrderBook(ctx context.Context, symbol money.Symbol) (decimal.Decimal, decimal.Decimal, error) {
	bid, ask := p.feed.BestBidAsk(symbol)
	return bid, ask, nil
}

func (p *Paper) FetchOHLCV(ctx context.Context, symbol money.Symbol, interval time.Duration, limit int) ([]OHLCVBar, error) {
	return nil, fmt.Errorf("paper mode has no historical candle store")
}

func (p *Paper) CreateOrder(ctx context.Context, params CreateOrderParams) (CreateOrderResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := uuid.NewString()
	order := &paperOrder{
		id:     id,
		symbol: params.Symbol,
		side:   params.Side,
		kind:   params.Kind,
		amount: params.Amount,
		price:  params.Price,
		state:  types.OrderWorking,
	}

	bid, ask := p.feed.BestBidAsk(params.Symbol)
	fillPrice, crosses := p.crossingPrice(order, bid, ask)
	if crosses {
		p.fillLocked(order, fillPrice, order.amount, p.takerFee)
	}

	p.openOrders[id] = order
	return CreateOrderResult{OrderID: id}, nil
}

// crossingPrice reports the price a new order would fill at immediately
// and whether it crosses the book at all.
func (p *Paper) crossingPrice(o *paperOrder, bid, ask decimal.Decimal) (decimal.Decimal, bool) {
	if o.kind == types.Market {
		if o.side == types.Buy {
			return ask, true
		}
		return bid, true
	}
	switch o.side {
	case types.Buy:
		return o.price, o.price.GreaterThanOrEqual(ask) && !ask.IsZero()
	case types.Sell:
		return o.price, o.price.LessThanOrEqual(bid) && !bid.IsZero()
	default:
		return o.price, false
	}
}

func (p *Paper) fillLocked(o *paperOrder, price, amount, feeRate decimal.Decimal) {
	notional := money.Notionalize(price, amount)
	fee := notional.Mul(feeRate)
	o.filled = o.filled.Add(amount)
	o.avg = price
	o.fee = o.fee.Add(fee)
	if o.filled.GreaterThanOrEqual(o.amount) {
		o.state = types.OrderFilled
	} else {
		o.state = types.OrderPartial
	}
}

func (p *Paper) CancelOrder(ctx context.Context, orderID string, symbol money.Symbol) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.openOrders[orderID]
	if !ok {
		return nil // idempotent: already gone
	}
	if o.state == types.OrderFilled {
		return nil
	}
	o.state = types.OrderCancelled
	return nil
}

func (p *Paper) FetchOpenOrders(ctx context.Context, symbol money.Symbol) ([]ExchangeOrder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ExchangeOrder, 0)
	for _, o := range p.openOrders {
		if o.symbol != symbol {
			continue
		}
		if o.state != types.OrderWorking && o.state != types.OrderPartial {
			continue
		}
		out = append(out, ExchangeOrder{
			OrderID:      o.id,
			Symbol:       o.symbol,
			Side:         o.side,
			State:        o.state,
			FilledAmount: o.filled,
			AvgFillPrice: o.avg,
			FeePaid:      o.fee,
		})
	}
	return out, nil
}

// Tick re-evaluates every resting order against the current book,
// filling any that have been crossed since they were placed. Resting
// orders fill only when Tick is called; Paper has no loop of its own
// that calls it.
func (p *Paper) Tick() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, o := range p.openOrders {
		if o.state != types.OrderWorking && o.state != types.OrderPartial {
			continue
		}
		bid, ask := p.feed.BestBidAsk(o.symbol)
		if price, crosses := p.crossingPrice(o, bid, ask); crosses {
			remaining := o.amount.Sub(o.filled)
			p.fillLocked(o, price, remaining, p.makerFee)
		}
	}
}
