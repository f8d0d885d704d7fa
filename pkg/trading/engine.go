// Package trading is a paper trading engine: real market data in, simulated
// fills against a mock USDT wallet. All money math uses decimals; float
// arithmetic never touches a balance.
package trading

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/radinamri79/sorooshx-exchange-web-sub000/pkg/logging"
	"github.com/radinamri79/sorooshx-exchange-web-sub000/pkg/sources"
)

var (
	ErrUnknownSymbol       = errors.New("unknown symbol")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrNoPosition          = errors.New("no open position")
	ErrOrderNotFound       = errors.New("order not found")
)

var (
	takerFeeRate = decimal.NewFromFloat(0.0004)
	makerFeeRate = decimal.NewFromFloat(0.0002)

	// Liquidation sits at 90% of the margin distance from entry.
	liquidationBuffer = decimal.NewFromFloat(0.9)

	initialBalance = decimal.NewFromInt(10000)
)

const (
	minLeverage = 1
	maxLeverage = 125
)

// DefaultSymbols is the tradable catalog.
var DefaultSymbols = []string{"BTCUSDT", "ETHUSDT", "BNBUSDT", "SOLUSDT", "XRPUSDT"}

type positionKey struct {
	symbol string
	side   Side
}

// Engine holds the wallet, the order book of resting paper orders and the
// open positions. Safe for concurrent use. It implements the account adapter
// contract, so the account gateway can serve paper balances with the same
// freshness labelling as live venue data.
type Engine struct {
	mu        sync.Mutex
	balance   decimal.Decimal
	orders    map[string]*Order
	positions map[positionKey]*Position
	trades    []Trade
	marks     map[string]decimal.Decimal
	symbols   map[string]bool
	logger    logging.Logger
	now       func() time.Time
}

func NewEngine(log logging.Logger, symbols ...string) *Engine {
	if log == nil {
		log = logging.NewNop()
	}
	if len(symbols) == 0 {
		symbols = DefaultSymbols
	}
	catalog := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		catalog[s] = true
	}
	return &Engine{
		balance:   initialBalance,
		orders:    make(map[string]*Order),
		positions: make(map[positionKey]*Position),
		marks:     make(map[string]decimal.Decimal),
		symbols:   catalog,
		logger:    log.Named("trading"),
		now:       time.Now,
	}
}

// Balance returns the free wallet balance in USDT.
func (e *Engine) Balance() decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.balance
}

func (e *Engine) Name() string { return "paper" }

// Account satisfies the account adapter contract.
func (e *Engine) Account(ctx context.Context) (*sources.AccountSnapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	free, _ := e.balance.Float64()
	total := e.balance
	for _, p := range e.positions {
		total = total.Add(p.Margin)
		if mark, ok := e.marks[p.Symbol]; ok {
			total = total.Add(p.UnrealizedPnL(mark))
		}
	}
	// Margin reserved by resting orders is still part of equity.
	for _, o := range e.orders {
		total = total.Add(o.Margin)
	}
	equity, _ := total.Float64()
	return &sources.AccountSnapshot{
		Venue:            e.Name(),
		Balance:          equity,
		AvailableBalance: free,
		FetchedAt:        e.now(),
	}, nil
}

// PlaceOrder validates and books an order. Market orders fill immediately at
// the last observed mark price; limit orders rest until MarkPrice crosses
// them.
func (e *Engine) PlaceOrder(req OrderRequest) (*Order, error) {
	if err := e.validateRequest(&req); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	order := &Order{
		ID:        uuid.NewString(),
		Symbol:    req.Symbol,
		Side:      req.Side,
		Type:      req.Type,
		Status:    StatusOpen,
		Price:     req.Price,
		Quantity:  req.Quantity,
		Leverage:  req.Leverage,
		CreatedAt: e.now(),
	}

	if req.Type == OrderMarket {
		mark, ok := e.marks[req.Symbol]
		if !ok {
			return nil, fmt.Errorf("no mark price for %s yet", req.Symbol)
		}
		order.Price = mark
		if err := e.fillLocked(order, takerFeeRate); err != nil {
			return nil, err
		}
		return order, nil
	}

	// A resting limit order reserves its margin up front. It comes back on
	// cancel, or with the fill when the order ends up reducing a position.
	margin := requiredMargin(order)
	if margin.GreaterThan(e.balance) {
		return nil, ErrInsufficientBalance
	}
	e.balance = e.balance.Sub(margin)
	order.Margin = margin
	e.orders[order.ID] = order
	e.logger.Debug("limit order booked",
		logging.String("order_id", order.ID),
		logging.String("symbol", order.Symbol),
	)
	return order, nil
}

func (e *Engine) validateRequest(req *OrderRequest) error {
	if !e.symbols[req.Symbol] {
		return fmt.Errorf("%w: %s", ErrUnknownSymbol, req.Symbol)
	}
	if req.Side != SideBuy && req.Side != SideSell {
		return fmt.Errorf("invalid side %q", req.Side)
	}
	if req.Type != OrderMarket && req.Type != OrderLimit {
		return fmt.Errorf("invalid order type %q", req.Type)
	}
	if !req.Quantity.IsPositive() {
		return fmt.Errorf("quantity must be positive")
	}
	if req.Type == OrderLimit && !req.Price.IsPositive() {
		return fmt.Errorf("limit price must be positive")
	}
	if req.Leverage < minLeverage || req.Leverage > maxLeverage {
		return fmt.Errorf("leverage must be between %d and %d", minLeverage, maxLeverage)
	}
	return nil
}

func requiredMargin(o *Order) decimal.Decimal {
	notional := o.Price.Mul(o.Quantity)
	return notional.Div(decimal.NewFromInt(int64(o.Leverage)))
}

// fillLocked executes an order at o.Price. Against an open opposite-side
// position the fill reduces it; otherwise it opens or averages into one.
func (e *Engine) fillLocked(o *Order, feeRate decimal.Decimal) error {
	if pos, ok := e.positions[positionKey{symbol: o.Symbol, side: closingSide(o.Side)}]; ok {
		e.reduceLocked(pos, o, feeRate)
		return nil
	}

	notional := o.Price.Mul(o.Quantity)
	margin := notional.Div(decimal.NewFromInt(int64(o.Leverage)))
	fee := notional.Mul(feeRate)
	// o.Margin is already withheld for resting limits.
	cost := margin.Sub(o.Margin).Add(fee)
	if cost.GreaterThan(e.balance) {
		return ErrInsufficientBalance
	}
	e.balance = e.balance.Sub(cost)

	now := e.now()
	o.Status = StatusFilled
	o.FilledAt = &now

	key := positionKey{symbol: o.Symbol, side: o.Side}
	if pos, ok := e.positions[key]; ok {
		// Average the entry across the combined size.
		oldNotional := pos.EntryPrice.Mul(pos.Quantity)
		pos.Quantity = pos.Quantity.Add(o.Quantity)
		pos.EntryPrice = oldNotional.Add(notional).Div(pos.Quantity)
		pos.Margin = pos.Margin.Add(margin)
		pos.LiquidationPrice = liquidationPrice(pos.EntryPrice, pos.Side, pos.Leverage)
	} else {
		e.positions[key] = &Position{
			ID:               uuid.NewString(),
			Symbol:           o.Symbol,
			Side:             o.Side,
			EntryPrice:       o.Price,
			Quantity:         o.Quantity,
			Leverage:         o.Leverage,
			Margin:           margin,
			LiquidationPrice: liquidationPrice(o.Price, o.Side, o.Leverage),
			OpenedAt:         now,
		}
	}

	e.trades = append(e.trades, Trade{
		ID:         uuid.NewString(),
		Symbol:     o.Symbol,
		Side:       o.Side,
		Price:      o.Price,
		Quantity:   o.Quantity,
		Fee:        fee,
		ExecutedAt: now,
	})
	e.logger.Info("order filled",
		logging.String("symbol", o.Symbol),
		logging.String("side", string(o.Side)),
		logging.String("price", o.Price.String()),
		logging.String("qty", o.Quantity.String()),
	)
	return nil
}

// reduceLocked nets an opposite-side fill against the open position. PnL is
// realized on the overlapped quantity and margin comes back pro-rata; any
// quantity past the position size is dropped rather than flipped into a
// reverse position. The fee is charged on the executed quantity only.
func (e *Engine) reduceLocked(pos *Position, o *Order, feeRate decimal.Decimal) {
	closeQty := decimal.Min(o.Quantity, pos.Quantity)
	diff := o.Price.Sub(pos.EntryPrice)
	if pos.Side == SideSell {
		diff = diff.Neg()
	}
	pnl := diff.Mul(closeQty)
	fee := o.Price.Mul(closeQty).Mul(feeRate)

	var released decimal.Decimal
	if o.Quantity.GreaterThanOrEqual(pos.Quantity) {
		released = pos.Margin
		delete(e.positions, positionKey{symbol: pos.Symbol, side: pos.Side})
	} else {
		released = pos.Margin.Mul(closeQty.Div(pos.Quantity))
		pos.Quantity = pos.Quantity.Sub(closeQty)
		pos.Margin = pos.Margin.Sub(released)
	}
	e.balance = e.balance.Add(pnl).Add(released).Add(o.Margin).Sub(fee)

	now := e.now()
	o.Status = StatusFilled
	o.FilledAt = &now
	e.trades = append(e.trades, Trade{
		ID:         uuid.NewString(),
		Symbol:     o.Symbol,
		Side:       o.Side,
		Price:      o.Price,
		Quantity:   closeQty,
		Fee:        fee,
		PnL:        pnl,
		ExecutedAt: now,
	})
	e.logger.Info("position reduced",
		logging.String("symbol", o.Symbol),
		logging.String("side", string(pos.Side)),
		logging.String("qty", closeQty.String()),
		logging.String("pnl", pnl.String()),
	)
}

// liquidationPrice places the wipeout level 90% of the way through the
// margin: entry * (1 -/+ 0.9/leverage) for longs and shorts respectively.
func liquidationPrice(entry decimal.Decimal, side Side, leverage int) decimal.Decimal {
	step := liquidationBuffer.Div(decimal.NewFromInt(int64(leverage)))
	if side == SideBuy {
		return entry.Mul(decimal.NewFromInt(1).Sub(step))
	}
	return entry.Mul(decimal.NewFromInt(1).Add(step))
}

// MarkPrice feeds a new mark for a symbol: resting limit orders that the
// price crossed are filled and positions past their liquidation price are
// wiped. Wire this to the stream manager's ticker handler.
func (e *Engine) MarkPrice(symbol string, mark decimal.Decimal) {
	if !mark.IsPositive() {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.marks[symbol] = mark

	for _, o := range e.orders {
		if o.Symbol != symbol || o.Status != StatusOpen {
			continue
		}
		crossed := (o.Side == SideBuy && mark.LessThanOrEqual(o.Price)) ||
			(o.Side == SideSell && mark.GreaterThanOrEqual(o.Price))
		if !crossed {
			continue
		}
		if err := e.fillLocked(o, makerFeeRate); err != nil {
			o.Status = StatusCanceled
			e.balance = e.balance.Add(o.Margin)
			e.logger.Warn("limit fill rejected",
				logging.String("order_id", o.ID),
				logging.Error(err),
			)
		}
		delete(e.orders, o.ID)
	}

	for key, pos := range e.positions {
		if pos.Symbol != symbol {
			continue
		}
		liquidated := (pos.Side == SideBuy && mark.LessThanOrEqual(pos.LiquidationPrice)) ||
			(pos.Side == SideSell && mark.GreaterThanOrEqual(pos.LiquidationPrice))
		if liquidated {
			// Margin is forfeited.
			e.trades = append(e.trades, Trade{
				ID:         uuid.NewString(),
				Symbol:     pos.Symbol,
				Side:       closingSide(pos.Side),
				Price:      pos.LiquidationPrice,
				Quantity:   pos.Quantity,
				PnL:        pos.Margin.Neg(),
				ExecutedAt: e.now(),
			})
			delete(e.positions, key)
			e.logger.Warn("position liquidated",
				logging.String("symbol", pos.Symbol),
				logging.String("side", string(pos.Side)),
				logging.String("liq_price", pos.LiquidationPrice.String()),
			)
		}
	}
}

func closingSide(s Side) Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// ClosePosition closes the full position at the given price, returning the
// margin plus realized PnL minus the taker fee to the wallet.
func (e *Engine) ClosePosition(symbol string, side Side, price decimal.Decimal) (*Trade, error) {
	if !price.IsPositive() {
		return nil, fmt.Errorf("close price must be positive")
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	key := positionKey{symbol: symbol, side: side}
	pos, ok := e.positions[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s %s", ErrNoPosition, symbol, side)
	}

	pnl := pos.UnrealizedPnL(price)
	fee := price.Mul(pos.Quantity).Mul(takerFeeRate)
	e.balance = e.balance.Add(pos.Margin).Add(pnl).Sub(fee)
	delete(e.positions, key)

	trade := Trade{
		ID:         uuid.NewString(),
		Symbol:     symbol,
		Side:       closingSide(side),
		Price:      price,
		Quantity:   pos.Quantity,
		Fee:        fee,
		PnL:        pnl,
		ExecutedAt: e.now(),
	}
	e.trades = append(e.trades, trade)
	e.logger.Info("position closed",
		logging.String("symbol", symbol),
		logging.String("pnl", pnl.String()),
	)
	return &trade, nil
}

// CancelOrder cancels one resting order, releasing its reserved margin.
func (e *Engine) CancelOrder(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, id)
	}
	o.Status = StatusCanceled
	e.balance = e.balance.Add(o.Margin)
	delete(e.orders, id)
	return nil
}

// CancelAllOrders cancels every resting order, or only those for symbol when
// it is non-empty. Returns the number canceled.
func (e *Engine) CancelAllOrders(symbol string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for id, o := range e.orders {
		if symbol != "" && o.Symbol != symbol {
			continue
		}
		o.Status = StatusCanceled
		e.balance = e.balance.Add(o.Margin)
		delete(e.orders, id)
		n++
	}
	return n
}

// OpenOrders lists resting orders.
func (e *Engine) OpenOrders() []Order {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Order, 0, len(e.orders))
	for _, o := range e.orders {
		out = append(out, *o)
	}
	return out
}

// Positions lists open positions.
func (e *Engine) Positions() []Position {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Position, 0, len(e.positions))
	for _, p := range e.positions {
		out = append(out, *p)
	}
	return out
}

// Trades lists executions oldest-first.
func (e *Engine) Trades() []Trade {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Trade, len(e.trades))
	copy(out, e.trades)
	return out
}
