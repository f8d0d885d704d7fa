// Package market defines the canonical market data schema shared by every
// exchange adapter, the failover orchestrator and the streaming layer.
// Adapters normalize each venue's wire format into these types; nothing
// above the adapter layer ever sees venue-specific shapes.
package market

import "time"

// DataKind identifies a class of market data for caching and failover policy.
type DataKind string

const (
	KindTicker    DataKind = "ticker"
	KindKline     DataKind = "kline"
	KindOrderBook DataKind = "orderbook"
	KindFunding   DataKind = "funding"
	KindMarkPrice DataKind = "markprice"
	KindAccount   DataKind = "account"
)

// Reality labels where a value came from: a live fetch, a stored prior value,
// or nothing at all. The UI must render the three cases distinctly.
type Reality string

const (
	RealityReal        Reality = "real"
	RealityCached      Reality = "cached"
	RealityUnavailable Reality = "unavailable"
)

// Meta carries provenance and freshness for a displayed value. It is derived
// at read time, never stored.
type Meta struct {
	Source     string        `json:"source"`
	Reality    Reality       `json:"reality"`
	Timestamp  time.Time     `json:"timestamp"`
	Age        time.Duration `json:"age"`
	IsStale    bool          `json:"isStale"`
	Confidence float64       `json:"confidence"`
}

// Ticker is the canonical 24h ticker.
type Ticker struct {
	Symbol             string  `json:"symbol"`
	LastPrice          float64 `json:"lastPrice"`
	PriceChange        float64 `json:"priceChange"`
	PriceChangePercent float64 `json:"priceChangePercent"`
	High               float64 `json:"high"`
	Low                float64 `json:"low"`
	BaseVolume         float64 `json:"baseVolume"`
	QuoteVolume        float64 `json:"quoteVolume"`
}

// Kline is a single OHLCV candle.
type Kline struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// KlineSeries is what a kline fetch returns: the symbol, the interval and the
// candles oldest-first.
type KlineSeries struct {
	Symbol   string  `json:"symbol"`
	Interval string  `json:"interval"`
	Klines   []Kline `json:"klines"`
}

// BookLevel is one (price, quantity) pair in the order book.
type BookLevel struct {
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
}

// OrderBook is a depth snapshot. Bids are sorted descending by price, asks
// ascending. UpdateID increases monotonically and drives incremental merges.
type OrderBook struct {
	Symbol   string      `json:"symbol"`
	Bids     []BookLevel `json:"bids"`
	Asks     []BookLevel `json:"asks"`
	UpdateID int64       `json:"updateId"`
}

// DepthUpdate is an incremental order book delta. A zero quantity removes
// the level. FirstUpdateID/FinalUpdateID bound the sequence range covered.
type DepthUpdate struct {
	Symbol        string      `json:"symbol"`
	Bids          []BookLevel `json:"bids"`
	Asks          []BookLevel `json:"asks"`
	FirstUpdateID int64       `json:"firstUpdateId"`
	FinalUpdateID int64       `json:"finalUpdateId"`
}

// FundingRate is the canonical perpetual funding rate.
type FundingRate struct {
	Symbol          string    `json:"symbol"`
	Rate            float64   `json:"rate"`
	NextFundingTime time.Time `json:"nextFundingTime"`
}

// MarkPrice is the canonical mark/index price pair.
type MarkPrice struct {
	Symbol     string    `json:"symbol"`
	Price      float64   `json:"price"`
	IndexPrice float64   `json:"indexPrice"`
	Time       time.Time `json:"time"`
}

// Event is one normalized streaming update, dispatched to every handler
// registered for its stream key. Exactly one payload pointer is non-nil,
// matching Kind. Handlers must treat the payload as read-only.
type Event struct {
	Key    string
	Kind   DataKind
	Source string

	Ticker *Ticker
	Kline  *Kline
	Depth  *DepthUpdate
}

// StreamHandler consumes normalized streaming events.
type StreamHandler func(Event)
