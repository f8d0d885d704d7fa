package e2e

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/radinamri79/sorooshx-exchange-web-sub000/pkg/cache"
	"github.com/radinamri79/sorooshx-exchange-web-sub000/pkg/common"
	"github.com/radinamri79/sorooshx-exchange-web-sub000/pkg/failover"
	"github.com/radinamri79/sorooshx-exchange-web-sub000/pkg/health"
	"github.com/radinamri79/sorooshx-exchange-web-sub000/pkg/logging"
	"github.com/radinamri79/sorooshx-exchange-web-sub000/pkg/market"
	"github.com/radinamri79/sorooshx-exchange-web-sub000/pkg/ratelimit"
	"github.com/radinamri79/sorooshx-exchange-web-sub000/pkg/sources"
)

const binanceTickerBody = `{
	"symbol": "BTCUSDT",
	"lastPrice": "50000",
	"priceChange": "1200",
	"priceChangePercent": "2.46",
	"highPrice": "51000",
	"lowPrice": "48500",
	"volume": "12345",
	"quoteVolume": "617000000"
}`

const bybitTickerBody = `{"retCode":0,"retMsg":"OK","result":{"category":"spot","list":[{
	"symbol": "BTCUSDT",
	"lastPrice": "50100",
	"prevPrice24h": "49000",
	"price24hPcnt": "0.0224",
	"highPrice24h": "51000",
	"lowPrice24h": "48500",
	"volume24h": "9000",
	"turnover24h": "450000000"
}]}}`

func fastClient() common.HTTPClient {
	return common.NewHTTPClient(&common.ClientConfig{
		Timeout:    2 * time.Second,
		RateLimit:  ratelimit.Rate{Limit: 100, Interval: time.Second},
		MaxRetries: 0,
		RetryDelay: 10 * time.Millisecond,
		Logger:     logging.NewNop(),
	})
}

// TestRESTFailoverAcrossRealAdapters drives the full REST path: real venue
// adapters against httptest servers, a shared health tracker and the
// last-known-good cache.
func TestRESTFailoverAcrossRealAdapters(t *testing.T) {
	var binanceUp atomic.Bool
	var bybitUp atomic.Bool
	binanceUp.Store(true)
	bybitUp.Store(true)

	binanceSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !binanceUp.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(binanceTickerBody))
	}))
	defer binanceSrv.Close()

	bybitSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !bybitUp.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(bybitTickerBody))
	}))
	defer bybitSrv.Close()

	now := time.Now()
	clock := &now
	store := cache.New(logging.NewNop(), cache.WithClock(func() time.Time { return *clock }))
	tracker := health.NewTracker(logging.NewNop(), health.WithThreshold(1000))

	orchestrator, err := failover.New(failover.Config{
		Ranked: []sources.Source{
			{Name: "binance", Rank: 1, REST: true},
			{Name: "bybit", Rank: 2, REST: true},
		},
		Adapters: map[string]sources.Adapter{
			"binance": sources.NewBinance(&sources.BinanceConfig{RESTURL: binanceSrv.URL, HTTPClient: fastClient()}),
			"bybit":   sources.NewBybit(&sources.BybitConfig{RESTURL: bybitSrv.URL, HTTPClient: fastClient()}),
		},
		Health: tracker,
		Cache:  store,
		Logger: logging.NewNop(),
	})
	require.NoError(t, err)

	ctx := context.Background()

	// Healthy primary serves real data.
	res, err := orchestrator.Ticker(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, "binance", res.Meta.Source)
	assert.Equal(t, market.RealityReal, res.Meta.Reality)
	assert.Equal(t, 50000.0, res.Value.LastPrice)

	// Primary down: the fetch lands on bybit with normalized fields.
	binanceUp.Store(false)
	res, err = orchestrator.Ticker(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, "bybit", res.Meta.Source)
	assert.InDelta(t, 2.24, res.Value.PriceChangePercent, 1e-9)

	// Everything down within the max age: the cached bybit value is served
	// and labelled as such.
	bybitUp.Store(false)
	now = now.Add(2 * time.Minute)
	res, err = orchestrator.Ticker(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, market.RealityCached, res.Meta.Reality)
	assert.Equal(t, 50100.0, res.Value.LastPrice)
	assert.True(t, res.Meta.IsStale)

	// Past the max age nothing is fabricated.
	now = now.Add(10 * time.Minute)
	_, err = orchestrator.Ticker(ctx, "BTCUSDT")
	require.Error(t, err)
	assert.True(t, errors.Is(err, failover.ErrExhausted))
}
