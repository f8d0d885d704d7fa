// Package sources defines the exchange adapter contract and one
// implementation per venue. Adapters are the only code that sees a venue's
// wire format: everything they hand upward is canonical pkg/market schema,
// with symbol spelling, field names and units already translated.
package sources

import (
	"context"
	"time"

	"github.com/radinamri79/sorooshx-exchange-web-sub000/pkg/market"
)

// Source describes one venue in the ranked failover list. Lower rank is
// preferred. The set is fixed at startup and lives for the process lifetime.
type Source struct {
	Name string
	Rank int
	REST bool
	WS   bool
}

// Adapter is the uniform REST surface over one venue's market data API.
// Every method returns canonical types or an error; adapters never fall
// back or cache themselves, that is the orchestrator's job.
type Adapter interface {
	Name() string

	Ticker(ctx context.Context, symbol string) (*market.Ticker, error)
	Klines(ctx context.Context, symbol, interval string, limit int) (*market.KlineSeries, error)
	OrderBook(ctx context.Context, symbol string, depth int) (*market.OrderBook, error)
	FundingRate(ctx context.Context, symbol string) (*market.FundingRate, error)
	MarkPrice(ctx context.Context, symbol string) (*market.MarkPrice, error)

	// Ping is a cheap reachability probe used by the periodic health check.
	Ping(ctx context.Context) error
}

// StreamDialect captures a venue's WebSocket peculiarities: endpoint,
// post-open subscribe frames, keep-alive rule and inbound message parsing.
// Parse returns (nil, nil) for irrelevant frames (acks, pongs, heartbeats);
// those are dropped silently.
type StreamDialect interface {
	Name() string
	URL() string

	// SubscribeFrames renders the wire messages that subscribe the given
	// canonical stream keys ({symbol}@{channel}[@{param}]).
	SubscribeFrames(keys []string) ([][]byte, error)

	// KeepAlive returns the application-level ping interval and frame.
	// A zero interval means the venue needs no client pings.
	KeepAlive() (time.Duration, []byte)

	// Parse normalizes one inbound frame to a canonical event keyed by the
	// originating stream key.
	Parse(raw []byte) (*market.Event, error)
}

// AccountSnapshot is the canonical account balance view. Account data is
// venue-pinned: it never participates in failover.
type AccountSnapshot struct {
	Venue            string    `json:"venue"`
	Balance          float64   `json:"balance"`
	AvailableBalance float64   `json:"availableBalance"`
	FetchedAt        time.Time `json:"fetchedAt"`
}

// AccountAdapter is the non-failover account surface for one venue.
type AccountAdapter interface {
	Name() string
	Account(ctx context.Context) (*AccountSnapshot, error)
}
