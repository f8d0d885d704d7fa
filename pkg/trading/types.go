package trading

import (
	"time"

	"github.com/shopspring/decimal"
)

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

type OrderType string

const (
	OrderMarket OrderType = "market"
	OrderLimit  OrderType = "limit"
)

type OrderStatus string

const (
	StatusOpen     OrderStatus = "open"
	StatusFilled   OrderStatus = "filled"
	StatusCanceled OrderStatus = "canceled"
)

// Order is a paper order. Limit orders rest until a mark price crosses them;
// Margin is the amount reserved while resting, released on cancel or fill.
type Order struct {
	ID        string          `json:"id"`
	Symbol    string          `json:"symbol"`
	Side      Side            `json:"side"`
	Type      OrderType       `json:"type"`
	Status    OrderStatus     `json:"status"`
	Price     decimal.Decimal `json:"price"`
	Quantity  decimal.Decimal `json:"quantity"`
	Leverage  int             `json:"leverage"`
	Margin    decimal.Decimal `json:"margin"`
	CreatedAt time.Time       `json:"createdAt"`
	FilledAt  *time.Time      `json:"filledAt,omitempty"`
}

// Position is an open leveraged position. One open position per symbol:
// same-side fills average into it, opposite-side fills reduce it.
type Position struct {
	ID               string          `json:"id"`
	Symbol           string          `json:"symbol"`
	Side             Side            `json:"side"`
	EntryPrice       decimal.Decimal `json:"entryPrice"`
	Quantity         decimal.Decimal `json:"quantity"`
	Leverage         int             `json:"leverage"`
	Margin           decimal.Decimal `json:"margin"`
	LiquidationPrice decimal.Decimal `json:"liquidationPrice"`
	OpenedAt         time.Time       `json:"openedAt"`
}

// UnrealizedPnL values the position at the given mark price.
func (p *Position) UnrealizedPnL(mark decimal.Decimal) decimal.Decimal {
	diff := mark.Sub(p.EntryPrice)
	if p.Side == SideSell {
		diff = diff.Neg()
	}
	return diff.Mul(p.Quantity)
}

// Trade records one execution, including the fee charged and any realized
// profit or loss.
type Trade struct {
	ID         string          `json:"id"`
	Symbol     string          `json:"symbol"`
	Side       Side            `json:"side"`
	Price      decimal.Decimal `json:"price"`
	Quantity   decimal.Decimal `json:"quantity"`
	Fee        decimal.Decimal `json:"fee"`
	PnL        decimal.Decimal `json:"pnl"`
	ExecutedAt time.Time       `json:"executedAt"`
}

// OrderRequest is the input to PlaceOrder. Price is required for limit
// orders and ignored for market orders, which fill at the current mark.
type OrderRequest struct {
	Symbol   string
	Side     Side
	Type     OrderType
	Price    decimal.Decimal
	Quantity decimal.Decimal
	Leverage int
}
