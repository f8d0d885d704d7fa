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
	okxRESTURL   = "https://www.okx.com"
	okxStreamURL = "wss://ws.okx.com:8443/ws/v5/public"

	okxPingInterval = 20 * time.Second
)

// OKX is the OKX v5 REST adapter. OKX spells symbols BTC-USDT and wraps every
// response in a {code, msg, data} envelope; responses expose open24h instead
// of change fields, so change and percent are derived here.
type OKX struct {
	restURL string
	http    common.HTTPClient
	logger  logging.Logger
}

type OKXConfig struct {
	RESTURL    string
	HTTPClient common.HTTPClient
	Logger     logging.Logger
}

func NewOKX(cfg *OKXConfig) *OKX {
	if cfg == nil {
		cfg = &OKXConfig{}
	}
	o := &OKX{restURL: cfg.RESTURL, http: cfg.HTTPClient, logger: cfg.Logger}
	if o.restURL == "" {
		o.restURL = okxRESTURL
	}
	if o.logger == nil {
		o.logger = logging.NewNop()
	}
	if o.http == nil {
		hc := common.DefaultConfig()
		hc.Logger = o.logger
		o.http = common.NewHTTPClient(hc)
	}
	return o
}

func (o *OKX) Name() string { return "okx" }

// getData fetches an OKX endpoint and unwraps the response envelope.
func (o *OKX) getData(ctx context.Context, path string, out any) error {
	var envelope struct {
		Code string          `json:"code"`
		Msg  string          `json:"msg"`
		Data json.RawMessage `json:"data"`
	}
	if err := o.http.GetJSON(ctx, o.restURL+path, &envelope); err != nil {
		return err
	}
	if envelope.Code != "0" {
		return fmt.Errorf("okx error %s: %s", envelope.Code, envelope.Msg)
	}
	return json.Unmarshal(envelope.Data, out)
}

func (o *OKX) Ticker(ctx context.Context, symbol string) (*market.Ticker, error) {
	var data []struct {
		InstID    string `json:"instId"`
		Last      string `json:"last"`
		Open24h   string `json:"open24h"`
		High24h   string `json:"high24h"`
		Low24h    string `json:"low24h"`
		Vol24h    string `json:"vol24h"`
		VolCcy24h string `json:"volCcy24h"`
	}
	path := "/api/v5/market/ticker?instId=" + dashSymbol(symbol)
	if err := o.getData(ctx, path, &data); err != nil {
		return nil, fmt.Errorf("okx ticker %s: %w", symbol, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("okx ticker %s: empty response", symbol)
	}
	t := data[0]
	last, open := f64(t.Last), f64(t.Open24h)
	change := last - open
	var pct float64
	if open != 0 {
		pct = change / open * 100
	}
	return &market.Ticker{
		Symbol:             compactSymbol(t.InstID),
		LastPrice:          last,
		PriceChange:        change,
		PriceChangePercent: pct,
		High:               f64(t.High24h),
		Low:                f64(t.Low24h),
		BaseVolume:         f64(t.Vol24h),
		QuoteVolume:        f64(t.VolCcy24h),
	}, nil
}

func (o *OKX) Klines(ctx context.Context, symbol, interval string, limit int) (*market.KlineSeries, error) {
	var data [][]string
	path := fmt.Sprintf("/api/v5/market/candles?instId=%s&bar=%s&limit=%d",
		dashSymbol(symbol), okxBar(interval), limit)
	if err := o.getData(ctx, path, &data); err != nil {
		return nil, fmt.Errorf("okx candles %s %s: %w", symbol, interval, err)
	}
	series := &market.KlineSeries{
		Symbol:   strings.ToUpper(symbol),
		Interval: interval,
		Klines:   make([]market.Kline, 0, len(data)),
	}
	// OKX returns candles newest-first.
	for i := len(data) - 1; i >= 0; i-- {
		row := data[i]
		if len(row) < 6 {
			return nil, fmt.Errorf("okx candles %s: malformed row", symbol)
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

func (o *OKX) OrderBook(ctx context.Context, symbol string, depth int) (*market.OrderBook, error) {
	var data []struct {
		Asks [][]string `json:"asks"`
		Bids [][]string `json:"bids"`
		TS   string     `json:"ts"`
	}
	path := fmt.Sprintf("/api/v5/market/books?instId=%s&sz=%d", dashSymbol(symbol), depth)
	if err := o.getData(ctx, path, &data); err != nil {
		return nil, fmt.Errorf("okx books %s: %w", symbol, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("okx books %s: empty response", symbol)
	}
	ts, _ := strconv.ParseInt(data[0].TS, 10, 64)
	return &market.OrderBook{
		Symbol:   strings.ToUpper(symbol),
		Bids:     bookLevels(data[0].Bids),
		Asks:     bookLevels(data[0].Asks),
		UpdateID: ts,
	}, nil
}

func (o *OKX) FundingRate(ctx context.Context, symbol string) (*market.FundingRate, error) {
	var data []struct {
		FundingRate     string `json:"fundingRate"`
		NextFundingTime string `json:"nextFundingTime"`
	}
	path := "/api/v5/public/funding-rate?instId=" + dashSymbol(symbol) + "-SWAP"
	if err := o.getData(ctx, path, &data); err != nil {
		return nil, fmt.Errorf("okx funding rate %s: %w", symbol, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("okx funding rate %s: empty response", symbol)
	}
	next, _ := strconv.ParseInt(data[0].NextFundingTime, 10, 64)
	return &market.FundingRate{
		Symbol:          strings.ToUpper(symbol),
		Rate:            f64(data[0].FundingRate),
		NextFundingTime: msTime(next),
	}, nil
}

func (o *OKX) MarkPrice(ctx context.Context, symbol string) (*market.MarkPrice, error) {
	var data []struct {
		MarkPx string `json:"markPx"`
		TS     string `json:"ts"`
	}
	path := "/api/v5/public/mark-price?instId=" + dashSymbol(symbol) + "-SWAP"
	if err := o.getData(ctx, path, &data); err != nil {
		return nil, fmt.Errorf("okx mark price %s: %w", symbol, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("okx mark price %s: empty response", symbol)
	}
	ts, _ := strconv.ParseInt(data[0].TS, 10, 64)
	mp := &market.MarkPrice{
		Symbol: strings.ToUpper(symbol),
		Price:  f64(data[0].MarkPx),
		Time:   msTime(ts),
	}

	// Index price lives on a separate endpoint; missing index is tolerable.
	var idx []struct {
		IdxPx string `json:"idxPx"`
	}
	if err := o.getData(ctx, "/api/v5/market/index-tickers?instId="+dashSymbol(symbol), &idx); err == nil && len(idx) > 0 {
		mp.IndexPrice = f64(idx[0].IdxPx)
	}
	return mp, nil
}

func (o *OKX) Ping(ctx context.Context) error {
	var data []struct {
		TS string `json:"ts"`
	}
	if err := o.getData(ctx, "/api/v5/public/time", &data); err != nil {
		return fmt.Errorf("okx ping: %w", err)
	}
	return nil
}

// okxBar maps canonical intervals to OKX bar names, which uppercase the unit
// for hours and above ("1h" becomes "1H").
func okxBar(interval string) string {
	if len(interval) < 2 {
		return interval
	}
	unit := interval[len(interval)-1]
	switch unit {
	case 'h', 'd', 'w':
		return interval[:len(interval)-1] + strings.ToUpper(string(unit))
	}
	return interval
}

// OKXDialect speaks the OKX v5 public WebSocket protocol. OKX drops
// connections idle for 30s, so the client pings every 20s with a bare text
// frame.
type OKXDialect struct {
	url string
}

func NewOKXDialect(url string) *OKXDialect {
	if url == "" {
		url = okxStreamURL
	}
	return &OKXDialect{url: url}
}

func (d *OKXDialect) Name() string { return "okx" }
func (d *OKXDialect) URL() string  { return d.url }

func (d *OKXDialect) SubscribeFrames(keys []string) ([][]byte, error) {
	type arg struct {
		Channel string `json:"channel"`
		InstID  string `json:"instId"`
	}
	args := make([]arg, 0, len(keys))
	for _, key := range keys {
		sk, err := ParseStreamKey(key)
		if err != nil {
			return nil, err
		}
		inst := dashSymbol(sk.Symbol)
		switch sk.Channel {
		case ChannelTicker:
			args = append(args, arg{Channel: "tickers", InstID: inst})
		case ChannelKline:
			args = append(args, arg{Channel: "candle" + okxBar(sk.Param), InstID: inst})
		case ChannelDepth:
			args = append(args, arg{Channel: "books", InstID: inst})
		}
	}
	frame, err := json.Marshal(map[string]any{"op": "subscribe", "args": args})
	if err != nil {
		return nil, err
	}
	return [][]byte{frame}, nil
}

func (d *OKXDialect) KeepAlive() (time.Duration, []byte) {
	return okxPingInterval, []byte("ping")
}

func (d *OKXDialect) Parse(raw []byte) (*market.Event, error) {
	if string(raw) == "pong" {
		return nil, nil
	}
	var head struct {
		Event string `json:"event"`
		Arg   struct {
			Channel string `json:"channel"`
			InstID  string `json:"instId"`
		} `json:"arg"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("okx stream: %w", err)
	}
	if head.Event != "" || len(head.Data) == 0 {
		// Subscribe acks and error notices.
		return nil, nil
	}
	sym := strings.ToLower(compactSymbol(head.Arg.InstID))
	switch {
	case head.Arg.Channel == "tickers":
		var data []struct {
			Last      string `json:"last"`
			Open24h   string `json:"open24h"`
			High24h   string `json:"high24h"`
			Low24h    string `json:"low24h"`
			Vol24h    string `json:"vol24h"`
			VolCcy24h string `json:"volCcy24h"`
		}
		if err := json.Unmarshal(head.Data, &data); err != nil || len(data) == 0 {
			return nil, fmt.Errorf("okx ticker frame: malformed data")
		}
		t := data[0]
		last, open := f64(t.Last), f64(t.Open24h)
		change := last - open
		var pct float64
		if open != 0 {
			pct = change / open * 100
		}
		return &market.Event{
			Key:    TickerKey(sym),
			Kind:   market.KindTicker,
			Source: d.Name(),
			Ticker: &market.Ticker{
				Symbol:             compactSymbol(head.Arg.InstID),
				LastPrice:          last,
				PriceChange:        change,
				PriceChangePercent: pct,
				High:               f64(t.High24h),
				Low:                f64(t.Low24h),
				BaseVolume:         f64(t.Vol24h),
				QuoteVolume:        f64(t.VolCcy24h),
			},
		}, nil
	case strings.HasPrefix(head.Arg.Channel, "candle"):
		var data [][]string
		if err := json.Unmarshal(head.Data, &data); err != nil || len(data) == 0 || len(data[0]) < 6 {
			return nil, fmt.Errorf("okx candle frame: malformed data")
		}
		row := data[0]
		ts, _ := strconv.ParseInt(row[0], 10, 64)
		interval := okxInterval(strings.TrimPrefix(head.Arg.Channel, "candle"))
		return &market.Event{
			Key:    KlineKey(sym, interval),
			Kind:   market.KindKline,
			Source: d.Name(),
			Kline: &market.Kline{
				Time:   msTime(ts),
				Open:   f64(row[1]),
				High:   f64(row[2]),
				Low:    f64(row[3]),
				Close:  f64(row[4]),
				Volume: f64(row[5]),
			},
		}, nil
	case head.Arg.Channel == "books":
		var data []struct {
			Asks      [][]string `json:"asks"`
			Bids      [][]string `json:"bids"`
			SeqID     int64      `json:"seqId"`
			PrevSeqID int64      `json:"prevSeqId"`
		}
		if err := json.Unmarshal(head.Data, &data); err != nil || len(data) == 0 {
			return nil, fmt.Errorf("okx books frame: malformed data")
		}
		b := data[0]
		return &market.Event{
			Key:    DepthKey(sym),
			Kind:   market.KindOrderBook,
			Source: d.Name(),
			Depth: &market.DepthUpdate{
				Symbol:        compactSymbol(head.Arg.InstID),
				Bids:          bookLevels(b.Bids),
				Asks:          bookLevels(b.Asks),
				FirstUpdateID: b.PrevSeqID + 1,
				FinalUpdateID: b.SeqID,
			},
		}, nil
	}
	return nil, nil
}

// okxInterval is the inverse of okxBar.
func okxInterval(bar string) string {
	return strings.ToLower(bar)
}
