package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/radinamri79/sorooshx-exchange-web-sub000/pkg/common"
	"github.com/radinamri79/sorooshx-exchange-web-sub000/pkg/logging"
	"github.com/radinamri79/sorooshx-exchange-web-sub000/pkg/market"
)

const (
	bybitRESTURL   = "https://api.bybit.com"
	bybitStreamURL = "wss://stream.bybit.com/v5/public/spot"

	bybitPingInterval = 20 * time.Second
)

// Bybit is the Bybit v5 REST adapter. Spot endpoints serve ticker, kline and
// depth; funding and mark price come from the linear tickers endpoint. Bybit
// reports the 24h change as a fraction, which is scaled to percent here.
type Bybit struct {
	restURL string
	http    common.HTTPClient
	logger  logging.Logger
}

type BybitConfig struct {
	RESTURL    string
	HTTPClient common.HTTPClient
	Logger     logging.Logger
}

func NewBybit(cfg *BybitConfig) *Bybit {
	if cfg == nil {
		cfg = &BybitConfig{}
	}
	b := &Bybit{restURL: cfg.RESTURL, http: cfg.HTTPClient, logger: cfg.Logger}
	if b.restURL == "" {
		b.restURL = bybitRESTURL
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

func (b *Bybit) Name() string { return "bybit" }

func (b *Bybit) getResult(ctx context.Context, path string, out any) error {
	var envelope struct {
		RetCode int             `json:"retCode"`
		RetMsg  string          `json:"retMsg"`
		Result  json.RawMessage `json:"result"`
	}
	if err := b.http.GetJSON(ctx, b.restURL+path, &envelope); err != nil {
		return err
	}
	if envelope.RetCode != 0 {
		return fmt.Errorf("bybit error %d: %s", envelope.RetCode, envelope.RetMsg)
	}
	return json.Unmarshal(envelope.Result, out)
}

type bybitTickerRow struct {
	Symbol          string `json:"symbol"`
	LastPrice       string `json:"lastPrice"`
	PrevPrice24h    string `json:"prevPrice24h"`
	Price24hPcnt    string `json:"price24hPcnt"`
	HighPrice24h    string `json:"highPrice24h"`
	LowPrice24h     string `json:"lowPrice24h"`
	Volume24h       string `json:"volume24h"`
	Turnover24h     string `json:"turnover24h"`
	FundingRate     string `json:"fundingRate"`
	NextFundingTime string `json:"nextFundingTime"`
	MarkPrice       string `json:"markPrice"`
	IndexPrice      string `json:"indexPrice"`
}

func (b *Bybit) tickers(ctx context.Context, category, symbol string) (*bybitTickerRow, error) {
	var result struct {
		List []bybitTickerRow `json:"list"`
	}
	path := fmt.Sprintf("/v5/market/tickers?category=%s&symbol=%s", category, strings.ToUpper(symbol))
	if err := b.getResult(ctx, path, &result); err != nil {
		return nil, err
	}
	if len(result.List) == 0 {
		return nil, fmt.Errorf("bybit tickers %s: empty response", symbol)
	}
	return &result.List[0], nil
}

func (b *Bybit) Ticker(ctx context.Context, symbol string) (*market.Ticker, error) {
	row, err := b.tickers(ctx, "spot", symbol)
	if err != nil {
		return nil, fmt.Errorf("bybit ticker %s: %w", symbol, err)
	}
	return normalizeBybitTicker(row), nil
}

func normalizeBybitTicker(row *bybitTickerRow) *market.Ticker {
	last := f64(row.LastPrice)
	return &market.Ticker{
		Symbol:             row.Symbol,
		LastPrice:          last,
		PriceChange:        last - f64(row.PrevPrice24h),
		PriceChangePercent: f64(row.Price24hPcnt) * 100,
		High:               f64(row.HighPrice24h),
		Low:                f64(row.LowPrice24h),
		BaseVolume:         f64(row.Volume24h),
		QuoteVolume:        f64(row.Turnover24h),
	}
}

func (b *Bybit) Klines(ctx context.Context, symbol, interval string, limit int) (*market.KlineSeries, error) {
	var result struct {
		List [][]string `json:"list"`
	}
	path := fmt.Sprintf("/v5/market/kline?category=spot&symbol=%s&interval=%s&limit=%d",
		strings.ToUpper(symbol), bybitInterval(interval), limit)
	if err := b.getResult(ctx, path, &result); err != nil {
		return nil, fmt.Errorf("bybit kline %s %s: %w", symbol, interval, err)
	}
	series := &market.KlineSeries{
		Symbol:   strings.ToUpper(symbol),
		Interval: interval,
		Klines:   make([]market.Kline, 0, len(result.List)),
	}
	// Bybit returns candles newest-first.
	for i := len(result.List) - 1; i >= 0; i-- {
		row := result.List[i]
		if len(row) < 6 {
			return nil, fmt.Errorf("bybit kline %s: malformed row", symbol)
		}
		ts, _ := strconv.ParseInt(row[0], 10, 64)
		series.Klines = append(series.Klines, market.Kline{
			Time:   msTime(ts),
			Open:   f64(row[1]),
			High:   f64(row[2]),
			Low:    f64(row[3]),
			Close:  f64(row[4]),
			Volume: f64(row[5]),
		})
	}
	return series, nil
}

func (b *Bybit) OrderBook(ctx context.Context, symbol string, depth int) (*market.OrderBook, error) {
	var result struct {
		Symbol   string     `json:"s"`
		Bids     [][]string `json:"b"`
		Asks     [][]string `json:"a"`
		UpdateID int64      `json:"u"`
	}
	path := fmt.Sprintf("/v5/market/orderbook?category=spot&symbol=%s&limit=%d",
		strings.ToUpper(symbol), depth)
	if err := b.getResult(ctx, path, &result); err != nil {
		return nil, fmt.Errorf("bybit orderbook %s: %w", symbol, err)
	}
	return &market.OrderBook{
		Symbol:   result.Symbol,
		Bids:     bookLevels(result.Bids),
		Asks:     bookLevels(result.Asks),
		UpdateID: result.UpdateID,
	}, nil
}

func (b *Bybit) FundingRate(ctx context.Context, symbol string) (*market.FundingRate, error) {
	row, err := b.tickers(ctx, "linear", symbol)
	if err != nil {
		return nil, fmt.Errorf("bybit funding rate %s: %w", symbol, err)
	}
	next, _ := strconv.ParseInt(row.NextFundingTime, 10, 64)
	return &market.FundingRate{
		Symbol:          row.Symbol,
		Rate:            f64(row.FundingRate),
		NextFundingTime: msTime(next),
	}, nil
}

func (b *Bybit) MarkPrice(ctx context.Context, symbol string) (*market.MarkPrice, error) {
	row, err := b.tickers(ctx, "linear", symbol)
	if err != nil {
		return nil, fmt.Errorf("bybit mark price %s: %w", symbol, err)
	}
	return &market.MarkPrice{
		Symbol:     row.Symbol,
		Price:      f64(row.MarkPrice),
		IndexPrice: f64(row.IndexPrice),
		Time:       time.Now().UTC(),
	}, nil
}

func (b *Bybit) Ping(ctx context.Context) error {
	var result struct {
		TimeSecond string `json:"timeSecond"`
	}
	if err := b.getResult(ctx, "/v5/market/time", &result); err != nil {
		return fmt.Errorf("bybit ping: %w", err)
	}
	return nil
}

// bybitInterval maps canonical intervals to Bybit's minute-count form
// ("1h" becomes "60", "1d" becomes "D").
func bybitInterval(interval string) string {
	switch interval {
	case "1d":
		return "D"
	case "1w":
		return "W"
	}
	if n := len(interval); n >= 2 {
		value, err := strconv.Atoi(interval[:n-1])
		if err == nil {
			switch interval[n-1] {
			case 'm':
				return strconv.Itoa(value)
			case 'h':
				return strconv.Itoa(value * 60)
			}
		}
	}
	return interval
}

func canonicalInterval(bybit string) string {
	switch bybit {
	case "D":
		return "1d"
	case "W":
		return "1w"
	}
	minutes, err := strconv.Atoi(bybit)
	if err != nil {
		return bybit
	}
	if minutes >= 60 && minutes%60 == 0 {
		return strconv.Itoa(minutes/60) + "h"
	}
	return strconv.Itoa(minutes) + "m"
}

// BybitDialect speaks the Bybit v5 public spot WebSocket protocol. Bybit
// requires a JSON ping op every 20s.
type BybitDialect struct {
	url string
}

func NewBybitDialect(url string) *BybitDialect {
	if url == "" {
		url = bybitStreamURL
	}
	return &BybitDialect{url: url}
}

func (d *BybitDialect) Name() string { return "bybit" }
func (d *BybitDialect) URL() string  { return d.url }

func (d *BybitDialect) SubscribeFrames(keys []string) ([][]byte, error) {
	args := make([]string, 0, len(keys))
	for _, key := range keys {
		sk, err := ParseStreamKey(key)
		if err != nil {
			return nil, err
		}
		sym := strings.ToUpper(sk.Symbol)
		switch sk.Channel {
		case ChannelTicker:
			args = append(args, "tickers."+sym)
		case ChannelKline:
			args = append(args, "kline."+bybitInterval(sk.Param)+"."+sym)
		case ChannelDepth:
			args = append(args, "orderbook.50."+sym)
		}
	}
	frame, err := json.Marshal(map[string]any{"op": "subscribe", "args": args})
	if err != nil {
		return nil, err
	}
	return [][]byte{frame}, nil
}

func (d *BybitDialect) KeepAlive() (time.Duration, []byte) {
	return bybitPingInterval, []byte(`{"op":"ping"}`)
}

func (d *BybitDialect) Parse(raw []byte) (*market.Event, error) {
	var head struct {
		Topic string          `json:"topic"`
		Op    string          `json:"op"`
		Data  json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("bybit stream: %w", err)
	}
	if head.Topic == "" || len(head.Data) == 0 {
		// Subscribe acks and pong responses carry an op, not a topic.
		return nil, nil
	}
	parts := strings.Split(head.Topic, ".")
	switch parts[0] {
	case "tickers":
		if len(parts) != 2 {
			return nil, fmt.Errorf("bybit stream: malformed topic %q", head.Topic)
		}
		var row bybitTickerRow
		if err := json.Unmarshal(head.Data, &row); err != nil {
			return nil, fmt.Errorf("bybit ticker frame: %w", err)
		}
		return &market.Event{
			Key:    TickerKey(parts[1]),
			Kind:   market.KindTicker,
			Source: d.Name(),
			Ticker: normalizeBybitTicker(&row),
		}, nil
	case "kline":
		if len(parts) != 3 {
			return nil, fmt.Errorf("bybit stream: malformed topic %q", head.Topic)
		}
		var data []struct {
			Start  int64  `json:"start"`
			Open   string `json:"open"`
			High   string `json:"high"`
			Low    string `json:"low"`
			Close  string `json:"close"`
			Volume string `json:"volume"`
		}
		if err := json.Unmarshal(head.Data, &data); err != nil || len(data) == 0 {
			return nil, fmt.Errorf("bybit kline frame: malformed data")
		}
		k := data[0]
		return &market.Event{
			Key:    KlineKey(parts[2], canonicalInterval(parts[1])),
			Kind:   market.KindKline,
			Source: d.Name(),
			Kline: &market.Kline{
				Time:   msTime(k.Start),
				Open:   f64(k.Open),
				High:   f64(k.High),
				Low:    f64(k.Low),
				Close:  f64(k.Close),
				Volume: f64(k.Volume),
			},
		}, nil
	case "orderbook":
		if len(parts) != 3 {
			return nil, fmt.Errorf("bybit stream: malformed topic %q", head.Topic)
		}
		var data struct {
			Symbol   string     `json:"s"`
			Bids     [][]string `json:"b"`
			Asks     [][]string `json:"a"`
			UpdateID int64      `json:"u"`
		}
		if err := json.Unmarshal(head.Data, &data); err != nil {
			return nil, fmt.Errorf("bybit orderbook frame: %w", err)
		}
		return &market.Event{
			Key:    DepthKey(parts[2]),
			Kind:   market.KindOrderBook,
			Source: d.Name(),
			Depth: &market.DepthUpdate{
				Symbol:        data.Symbol,
				Bids:          bookLevels(data.Bids),
				Asks:          bookLevels(data.Asks),
				FirstUpdateID: data.UpdateID,
				FinalUpdateID: data.UpdateID,
			},
		}, nil
	}
	return nil, nil
}
