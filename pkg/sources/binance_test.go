package sources

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBinanceTicker(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v3/ticker/24hr", r.URL.Path)
		require.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		w.Write([]byte(`{
			"symbol": "BTCUSDT",
			"lastPrice": "50000.50",
			"priceChange": "1200.25",
			"priceChangePercent": "2.46",
			"highPrice": "51000.00",
			"lowPrice": "48500.00",
			"volume": "12345.678",
			"quoteVolume": "617000000.12"
		}`))
	}))
	defer server.Close()

	adapter := NewBinance(&BinanceConfig{RESTURL: server.URL})
	ticker, err := adapter.Ticker(context.Background(), "btcusdt")
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", ticker.Symbol)
	assert.Equal(t, 50000.50, ticker.LastPrice)
	assert.Equal(t, 2.46, ticker.PriceChangePercent)
	assert.Equal(t, 12345.678, ticker.BaseVolume)
}

func TestBinanceKlines(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v3/klines", r.URL.Path)
		require.Equal(t, "1m", r.URL.Query().Get("interval"))
		w.Write([]byte(`[
			[1700000000000, "50000", "50100", "49900", "50050", "12.5", 1700000059999, "625625", 100, "6.2", "310310", "0"],
			[1700000060000, "50050", "50200", "50000", "50150", "8.1", 1700000119999, "406215", 80, "4.0", "200600", "0"]
		]`))
	}))
	defer server.Close()

	adapter := NewBinance(&BinanceConfig{RESTURL: server.URL})
	series, err := adapter.Klines(context.Background(), "BTCUSDT", "1m", 2)
	require.NoError(t, err)
	require.Len(t, series.Klines, 2)
	assert.Equal(t, "1m", series.Interval)
	assert.Equal(t, 50000.0, series.Klines[0].Open)
	assert.Equal(t, 50150.0, series.Klines[1].Close)
	assert.True(t, series.Klines[0].Time.Before(series.Klines[1].Time))
}

func TestBinanceOrderBook(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"lastUpdateId": 12345,
			"bids": [["49999.5", "1.2"], ["49999.0", "0.8"]],
			"asks": [["50000.5", "0.5"]]
		}`))
	}))
	defer server.Close()

	adapter := NewBinance(&BinanceConfig{RESTURL: server.URL})
	book, err := adapter.OrderBook(context.Background(), "BTCUSDT", 50)
	require.NoError(t, err)
	assert.Equal(t, int64(12345), book.UpdateID)
	require.Len(t, book.Bids, 2)
	assert.Equal(t, 49999.5, book.Bids[0].Price)
	assert.Equal(t, 0.5, book.Asks[0].Quantity)
}

func TestBinanceFundingAndMarkPrice(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/fapi/v1/premiumIndex", r.URL.Path)
		w.Write([]byte(`{
			"symbol": "BTCUSDT",
			"markPrice": "50010.10",
			"indexPrice": "50008.00",
			"lastFundingRate": "0.0001",
			"nextFundingTime": 1700028800000,
			"time": 1700000000000
		}`))
	}))
	defer server.Close()

	adapter := NewBinance(&BinanceConfig{RESTURL: server.URL, FuturesURL: server.URL})

	funding, err := adapter.FundingRate(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 0.0001, funding.Rate)

	mark, err := adapter.MarkPrice(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 50010.10, mark.Price)
	assert.Equal(t, 50008.00, mark.IndexPrice)
}

func TestBinanceDialectSubscribeFrames(t *testing.T) {
	dialect := NewBinanceDialect("")
	frames, err := dialect.SubscribeFrames([]string{"btcusdt@ticker", "ethusdt@kline@1m", "btcusdt@depth"})
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.JSONEq(t, `{
		"method": "SUBSCRIBE",
		"params": ["btcusdt@ticker", "ethusdt@kline_1m", "btcusdt@depth"],
		"id": 1
	}`, string(frames[0]))
}

func TestBinanceDialectParse(t *testing.T) {
	dialect := NewBinanceDialect("")

	t.Run("ticker", func(t *testing.T) {
		event, err := dialect.Parse([]byte(`{
			"e": "24hrTicker", "s": "BTCUSDT",
			"c": "50000", "p": "1200", "P": "2.46",
			"h": "51000", "l": "48500", "v": "12345", "q": "617000000"
		}`))
		require.NoError(t, err)
		require.NotNil(t, event)
		assert.Equal(t, "btcusdt@ticker", event.Key)
		assert.Equal(t, 50000.0, event.Ticker.LastPrice)
	})

	t.Run("depth update carries sequence range", func(t *testing.T) {
		event, err := dialect.Parse([]byte(`{
			"e": "depthUpdate", "s": "BTCUSDT",
			"U": 100, "u": 105,
			"b": [["49999", "1.0"]], "a": [["50001", "0"]]
		}`))
		require.NoError(t, err)
		require.NotNil(t, event.Depth)
		assert.Equal(t, int64(100), event.Depth.FirstUpdateID)
		assert.Equal(t, int64(105), event.Depth.FinalUpdateID)
		assert.Equal(t, 0.0, event.Depth.Asks[0].Quantity)
	})

	t.Run("subscribe ack is dropped", func(t *testing.T) {
		event, err := dialect.Parse([]byte(`{"result": null, "id": 1}`))
		require.NoError(t, err)
		assert.Nil(t, event)
	})
}
