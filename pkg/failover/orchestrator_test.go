package failover

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/radinamri79/sorooshx-exchange-web-sub000/pkg/cache"
	"github.com/radinamri79/sorooshx-exchange-web-sub000/pkg/health"
	"github.com/radinamri79/sorooshx-exchange-web-sub000/pkg/logging"
	"github.com/radinamri79/sorooshx-exchange-web-sub000/pkg/market"
	"github.com/radinamri79/sorooshx-exchange-web-sub000/pkg/sources"
)

// stubAdapter lets each test script per-venue behavior.
type stubAdapter struct {
	name    string
	ticker  func() (*market.Ticker, error)
	calls   int
	pingErr error
}

func (s *stubAdapter) Name() string { return s.name }

func (s *stubAdapter) Ticker(ctx context.Context, symbol string) (*market.Ticker, error) {
	s.calls++
	if s.ticker == nil {
		return nil, errors.New("not scripted")
	}
	return s.ticker()
}

func (s *stubAdapter) Klines(ctx context.Context, symbol, interval string, limit int) (*market.KlineSeries, error) {
	return nil, errors.New("not scripted")
}

func (s *stubAdapter) OrderBook(ctx context.Context, symbol string, depth int) (*market.OrderBook, error) {
	return nil, errors.New("not scripted")
}

func (s *stubAdapter) FundingRate(ctx context.Context, symbol string) (*market.FundingRate, error) {
	return nil, errors.New("not scripted")
}

func (s *stubAdapter) MarkPrice(ctx context.Context, symbol string) (*market.MarkPrice, error) {
	return nil, errors.New("not scripted")
}

func (s *stubAdapter) Ping(ctx context.Context) error { return s.pingErr }

func goodTicker() (*market.Ticker, error) {
	return &market.Ticker{
		Symbol:             "BTCUSDT",
		LastPrice:          50000,
		PriceChangePercent: 3.5,
		High:               51000,
		Low:                49000,
		BaseVolume:         100,
		QuoteVolume:        5000000,
	}, nil
}

func ranked(names ...string) []sources.Source {
	out := make([]sources.Source, len(names))
	for i, name := range names {
		out[i] = sources.Source{Name: name, Rank: i + 1, REST: true, WS: true}
	}
	return out
}

func newOrchestrator(t *testing.T, adapters ...*stubAdapter) *Orchestrator {
	t.Helper()
	names := make([]string, len(adapters))
	byName := make(map[string]sources.Adapter, len(adapters))
	for i, a := range adapters {
		names[i] = a.name
		byName[a.name] = a
	}
	o, err := New(Config{
		Ranked:   ranked(names...),
		Adapters: byName,
		Logger:   logging.NewNop(),
	})
	require.NoError(t, err)
	return o
}

func TestFetchPrefersHighestRankedHealthySource(t *testing.T) {
	binance := &stubAdapter{name: "binance", ticker: goodTicker}
	okx := &stubAdapter{name: "okx", ticker: goodTicker}
	o := newOrchestrator(t, binance, okx)

	res, err := o.Ticker(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, "binance", res.Meta.Source)
	assert.Equal(t, market.RealityReal, res.Meta.Reality)
	assert.Equal(t, 50000.0, res.Value.LastPrice)
	assert.Equal(t, 0, okx.calls)
}

func TestFetchWalksRankingOnFailure(t *testing.T) {
	binance := &stubAdapter{name: "binance", ticker: func() (*market.Ticker, error) {
		return nil, errors.New("dial tcp: connection refused")
	}}
	okx := &stubAdapter{name: "okx", ticker: func() (*market.Ticker, error) {
		return nil, errors.New("502 bad gateway")
	}}
	bybit := &stubAdapter{name: "bybit", ticker: goodTicker}
	o := newOrchestrator(t, binance, okx, bybit)

	res, err := o.Ticker(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, "bybit", res.Meta.Source)
	assert.Equal(t, market.RealityReal, res.Meta.Reality)
	assert.Equal(t, 1, binance.calls)
	assert.Equal(t, 1, okx.calls)
}

func TestFetchTreatsImplausibleDataAsFailure(t *testing.T) {
	binance := &stubAdapter{name: "binance", ticker: func() (*market.Ticker, error) {
		return &market.Ticker{Symbol: "BTCUSDT", LastPrice: 0}, nil
	}}
	okx := &stubAdapter{name: "okx", ticker: goodTicker}
	o := newOrchestrator(t, binance, okx)

	res, err := o.Ticker(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, "okx", res.Meta.Source)
	assert.Equal(t, 1, binance.calls)
}

func TestFetchSkipsUnhealthySource(t *testing.T) {
	binance := &stubAdapter{name: "binance", ticker: func() (*market.Ticker, error) {
		return nil, errors.New("down")
	}}
	okx := &stubAdapter{name: "okx", ticker: goodTicker}
	o := newOrchestrator(t, binance, okx)

	// Trip binance past the consecutive error threshold.
	for i := 0; i < health.DefaultThreshold; i++ {
		_, err := o.Ticker(context.Background(), "BTCUSDT")
		require.NoError(t, err)
	}
	before := binance.calls

	_, err := o.Ticker(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, before, binance.calls, "unhealthy source must not be called")
}

func TestFetchFallsBackToCacheThenUnavailable(t *testing.T) {
	now := time.Now()
	clock := &now
	store := cache.New(logging.NewNop(), cache.WithClock(func() time.Time { return *clock }))

	up := true
	binance := &stubAdapter{name: "binance", ticker: func() (*market.Ticker, error) {
		if !up {
			return nil, errors.New("down")
		}
		return goodTicker()
	}}
	o, err := New(Config{
		Ranked:   ranked("binance"),
		Adapters: map[string]sources.Adapter{"binance": binance},
		Cache:    store,
		Health:   health.NewTracker(logging.NewNop(), health.WithThreshold(1000)),
		Logger:   logging.NewNop(),
	})
	require.NoError(t, err)

	// Prime the cache with a real fetch, then take the venue down.
	_, err = o.Ticker(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	up = false

	// Within the ticker max age the cached value is served, labelled cached.
	now = now.Add(2 * time.Minute)
	res, err := o.Ticker(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, market.RealityCached, res.Meta.Reality)
	assert.Equal(t, 50000.0, res.Value.LastPrice)
	assert.Equal(t, 2*time.Minute, res.Meta.Age)
	assert.True(t, res.Meta.IsStale)

	// Past the max age nothing is served and the error says why.
	now = now.Add(10 * time.Minute)
	res, err = o.Ticker(context.Background(), "BTCUSDT")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrExhausted))
	assert.Nil(t, res.Value)
	assert.Equal(t, market.RealityUnavailable, res.Meta.Reality)

	var exhaustion *ExhaustionError
	require.ErrorAs(t, err, &exhaustion)
	require.Len(t, exhaustion.Attempts, 1)
	assert.Equal(t, "binance", exhaustion.Attempts[0].Source)
}

func TestProbeRestoresPreferredSource(t *testing.T) {
	tracker := health.NewTracker(logging.NewNop())
	binance := &stubAdapter{name: "binance", ticker: goodTicker}
	okx := &stubAdapter{name: "okx", ticker: goodTicker}
	o, err := New(Config{
		Ranked:   ranked("binance", "okx"),
		Adapters: map[string]sources.Adapter{"binance": binance, "okx": okx},
		Health:   tracker,
		Logger:   logging.NewNop(),
	})
	require.NoError(t, err)

	for i := 0; i < health.DefaultThreshold; i++ {
		tracker.Failure("binance")
	}
	res, err := o.Ticker(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, "okx", res.Meta.Source)

	// A successful probe clears the error streak and restores rank order.
	o.probeAll(context.Background())
	res, err = o.Ticker(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, "binance", res.Meta.Source)
}
