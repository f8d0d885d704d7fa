package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/radinamri79/sorooshx-exchange-web-sub000/pkg/common"
	"github.com/radinamri79/sorooshx-exchange-web-sub000/pkg/logging"
	"github.com/radinamri79/sorooshx-exchange-web-sub000/pkg/market"
)

const (
	binanceRESTURL    = "https://api.binance.com"
	binanceFuturesURL = "https://fapi.binance.com"
	binanceStreamURL  = "wss://stream.binance.com:9443/ws"
)

// Binance is the Binance spot REST adapter. Funding and mark price come from
// the USD-M futures premium index, everything else from the spot API.
type Binance struct {
	restURL    string
	futuresURL string
	http       common.HTTPClient
	logger     logging.Logger
}

// BinanceConfig overrides endpoints and plumbing, mainly for tests.
type BinanceConfig struct {
	RESTURL    string
	FuturesURL string
	HTTPClient common.HTTPClient
	Logger     logging.Logger
}

func NewBinance(cfg *BinanceConfig) *Binance {
	if cfg == nil {
		cfg = &BinanceConfig{}
	}
	b := &Binance{
		restURL:    cfg.RESTURL,
		futuresURL: cfg.FuturesURL,
		http:       cfg.HTTPClient,
		logger:     cfg.Logger,
	}
	if b.restURL == "" {
		b.restURL = binanceRESTURL
	}
	if b.futuresURL == "" {
		b.futuresURL = b.restURL
	}
	if b.logger == nil {
		b.logger = logging.NewNop()
	}
	if b.http == nil {
		hc := common.DefaultConfig()
		hc.Logger = b.logger
		b.http = common.NewHTTPClient(hc)
	}
	return b
}

func (b *Binance) Name() string { return "binance" }

func (b *Binance) Ticker(ctx context.Context, symbol string) (*market.Ticker, error) {
	var raw struct {
		Symbol             string `json:"symbol"`
		LastPrice          string `json:"lastPrice"`
		PriceChange        string `json:"priceChange"`
		PriceChangePercent string `json:"priceChangePercent"`
		HighPrice          string `json:"highPrice"`
		LowPrice           string `json:"lowPrice"`
		Volume             string `json:"volume"`
		QuoteVolume        string `json:"quoteVolume"`
	}
	url := fmt.Sprintf("%s/api/v3/ticker/24hr?symbol=%s", b.restURL, strings.ToUpper(symbol))
	if err := b.http.GetJSON(ctx, url, &raw); err != nil {
		return nil, fmt.Errorf("binance ticker %s: %w", symbol, err)
	}
	return &market.Ticker{
		Symbol:             raw.Symbol,
		LastPrice:          f64(raw.LastPrice),
		PriceChange:        f64(raw.PriceChange),
		PriceChangePercent: f64(raw.PriceChangePercent),
		High:               f64(raw.HighPrice),
		Low:                f64(raw.LowPrice),
		BaseVolume:         f64(raw.Volume),
		QuoteVolume:        f64(raw.QuoteVolume),
	}, nil
}

func (b *Binance) Klines(ctx context.Context, symbol, interval string, limit int) (*market.KlineSeries, error) {
	var raw []json.RawMessage
	url := fmt.Sprintf("%s/api/v3/klines?symbol=%s&interval=%s&limit=%d",
		b.restURL, strings.ToUpper(symbol), interval, limit)
	if err := b.http.GetJSON(ctx, url, &raw); err != nil {
		return nil, fmt.Errorf("binance klines %s %s: %w", symbol, interval, err)
	}
	series := &market.KlineSeries{
		Symbol:   strings.ToUpper(symbol),
		Interval: interval,
		Klines:   make([]market.Kline, 0, len(raw)),
	}
	for _, row := range raw {
		// [openTime, open, high, low, close, volume, ...]
		var cols []json.RawMessage
		if err := json.Unmarshal(row, &cols); err != nil || len(cols) < 6 {
			return nil, fmt.Errorf("binance klines %s: malformed row", symbol)
		}
		var openTime int64
		var o, h, l, c, v string
		if err := json.Unmarshal(cols[0], &openTime); err != nil {
			return nil, fmt.Errorf("binance klines %s: malformed open time", symbol)
		}
		for i, dst := range []*string{&o, &h, &l, &c, &v} {
			if err := json.Unmarshal(cols[i+1], dst); err != nil {
				return nil, fmt.Errorf("binance klines %s: malformed column %d", symbol, i+1)
			}
		}
		series.Klines = append(series.Klines, market.Kline{
			Time:   msTime(openTime),
			Open:   f64(o),
			High:   f64(h),
			Low:    f64(l),
			Close:  f64(c),
			Volume: f64(v),
		})
	}
	return series, nil
}

func (b *Binance) OrderBook(ctx context.Context, symbol string, depth int) (*market.OrderBook, error) {
	var raw struct {
		LastUpdateID int64      `json:"lastUpdateId"`
		Bids         [][]string `json:"bids"`
		Asks         [][]string `json:"asks"`
	}
	url := fmt.Sprintf("%s/api/v3/depth?symbol=%s&limit=%d", b.restURL, strings.ToUpper(symbol), depth)
	if err := b.http.GetJSON(ctx, url, &raw); err != nil {
		return nil, fmt.Errorf("binance depth %s: %w", symbol, err)
	}
	return &market.OrderBook{
		Symbol:   strings.ToUpper(symbol),
		Bids:     bookLevels(raw.Bids),
		Asks:     bookLevels(raw.Asks),
		UpdateID: raw.LastUpdateID,
	}, nil
}

// premiumIndex serves both funding rate and mark price.
func (b *Binance) premiumIndex(ctx context.Context, symbol string) (*binancePremium, error) {
	var raw binancePremium
	url := fmt.Sprintf("%s/fapi/v1/premiumIndex?symbol=%s", b.futuresURL, strings.ToUpper(symbol))
	if err := b.http.GetJSON(ctx, url, &raw); err != nil {
		return nil, fmt.Errorf("binance premium index %s: %w", symbol, err)
	}
	return &raw, nil
}

type binancePremium struct {
	Symbol          string `json:"symbol"`
	MarkPrice       string `json:"markPrice"`
	IndexPrice      string `json:"indexPrice"`
	LastFundingRate string `json:"lastFundingRate"`
	NextFundingTime int64  `json:"nextFundingTime"`
	Time            int64  `json:"time"`
}

func (b *Binance) FundingRate(ctx context.Context, symbol string) (*market.FundingRate, error) {
	raw, err := b.premiumIndex(ctx, symbol)
	if err != nil {
		return nil, err
	}
	return &market.FundingRate{
		Symbol:          raw.Symbol,
		Rate:            f64(raw.LastFundingRate),
		NextFundingTime: msTime(raw.NextFundingTime),
	}, nil
}

func (b *Binance) MarkPrice(ctx context.Context, symbol string) (*market.MarkPrice, error) {
	raw, err := b.premiumIndex(ctx, symbol)
	if err != nil {
		return nil, err
	}
	return &market.MarkPrice{
		Symbol:     raw.Symbol,
		Price:      f64(raw.MarkPrice),
		IndexPrice: f64(raw.IndexPrice),
		Time:       msTime(raw.Time),
	}, nil
}

func (b *Binance) Ping(ctx context.Context) error {
	resp, err := b.http.Get(ctx, b.restURL+"/api/v3/ping")
	if err != nil {
		return fmt.Errorf("binance ping: %w", err)
	}
	resp.Body.Close()
	return nil
}

// BinanceDialect speaks the Binance combined raw stream protocol. Binance
// pings from the server side, so KeepAlive is zero.
type BinanceDialect struct {
	url    string
	nextID atomic.Int64
}

func NewBinanceDialect(url string) *BinanceDialect {
	if url == "" {
		url = binanceStreamURL
	}
	return &BinanceDialect{url: url}
}

func (d *BinanceDialect) Name() string { return "binance" }
func (d *BinanceDialect) URL() string  { return d.url }

func (d *BinanceDialect) SubscribeFrames(keys []string) ([][]byte, error) {
	params := make([]string, 0, len(keys))
	for _, key := range keys {
		sk, err := ParseStreamKey(key)
		if err != nil {
			return nil, err
		}
		switch sk.Channel {
		case ChannelTicker:
			params = append(params, sk.Symbol+"@ticker")
		case ChannelKline:
			params = append(params, sk.Symbol+"@kline_"+sk.Param)
		case ChannelDepth:
			params = append(params, sk.Symbol+"@depth")
		}
	}
	frame, err := json.Marshal(map[string]any{
		"method": "SUBSCRIBE",
		"params": params,
		"id":     d.nextID.Add(1),
	})
	if err != nil {
		return nil, err
	}
	return [][]byte{frame}, nil
}

func (d *BinanceDialect) KeepAlive() (time.Duration, []byte) { return 0, nil }

func (d *BinanceDialect) Parse(raw []byte) (*market.Event, error) {
	var head struct {
		Event  string `json:"e"`
		Symbol string `json:"s"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("binance stream: %w", err)
	}
	sym := strings.ToLower(head.Symbol)
	switch head.Event {
	case "24hrTicker":
		var msg struct {
			LastPrice   string `json:"c"`
			PriceChange string `json:"p"`
			PctChange   string `json:"P"`
			High        string `json:"h"`
			Low         string `json:"l"`
			BaseVolume  string `json:"v"`
			QuoteVolume string `json:"q"`
		}
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("binance ticker frame: %w", err)
		}
		return &market.Event{
			Key:    TickerKey(sym),
			Kind:   market.KindTicker,
			Source: d.Name(),
			Ticker: &market.Ticker{
				Symbol:             head.Symbol,
				LastPrice:          f64(msg.LastPrice),
				PriceChange:        f64(msg.PriceChange),
				PriceChangePercent: f64(msg.PctChange),
				High:               f64(msg.High),
				Low:                f64(msg.Low),
				BaseVolume:         f64(msg.BaseVolume),
				QuoteVolume:        f64(msg.QuoteVolume),
			},
		}, nil
	case "kline":
		var msg struct {
			Kline struct {
				Start    int64  `json:"t"`
				Interval string `json:"i"`
				Open     string `json:"o"`
				High     string `json:"h"`
				Low      string `json:"l"`
				Close    string `json:"c"`
				Volume   string `json:"v"`
			} `json:"k"`
		}
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("binance kline frame: %w", err)
		}
		return &market.Event{
			Key:    KlineKey(sym, msg.Kline.Interval),
			Kind:   market.KindKline,
			Source: d.Name(),
			Kline: &market.Kline{
				Time:   msTime(msg.Kline.Start),
				Open:   f64(msg.Kline.Open),
				High:   f64(msg.Kline.High),
				Low:    f64(msg.Kline.Low),
				Close:  f64(msg.Kline.Close),
				Volume: f64(msg.Kline.Volume),
			},
		}, nil
	case "depthUpdate":
		var msg struct {
			FirstID int64      `json:"U"`
			FinalID int64      `json:"u"`
			Bids    [][]string `json:"b"`
			Asks    [][]string `json:"a"`
		}
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("binance depth frame: %w", err)
		}
		return &market.Event{
			Key:    DepthKey(sym),
			Kind:   market.KindOrderBook,
			Source: d.Name(),
			Depth: &market.DepthUpdate{
				Symbol:        head.Symbol,
				Bids:          bookLevels(msg.Bids),
				Asks:          bookLevels(msg.Asks),
				FirstUpdateID: msg.FirstID,
				FinalUpdateID: msg.FinalID,
			},
		}, nil
	}
	// Subscribe acks and other control frames carry no "e" field.
	return nil, nil
}
