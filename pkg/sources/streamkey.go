package sources

import (
	"fmt"
	"strings"
)

// Canonical stream channels. Keys look like "btcusdt@ticker",
// "btcusdt@kline@1m" or "btcusdt@depth"; symbols are lowercase compact form.
const (
	ChannelTicker = "ticker"
	ChannelKline  = "kline"
	ChannelDepth  = "depth"
)

// StreamKey is a parsed canonical stream key.
type StreamKey struct {
	Symbol  string // compact lowercase, e.g. btcusdt
	Channel string
	Param   string // kline interval, empty otherwise
}

// ParseStreamKey splits a stream key into its parts. Both spellings of a
// parameterized channel are accepted: "btcusdt@kline@1m" and the
// underscore form "btcusdt@kline_1m"; a depth update-speed parameter
// ("btcusdt@depth@100ms") parses but is advisory only.
func ParseStreamKey(key string) (StreamKey, error) {
	parts := strings.Split(key, "@")
	if len(parts) < 2 || parts[0] == "" {
		return StreamKey{}, fmt.Errorf("sources: malformed stream key %q", key)
	}
	channel, param := parts[1], ""
	if rest, ok := strings.CutPrefix(channel, ChannelKline+"_"); ok {
		channel, param = ChannelKline, rest
	}
	if len(parts) == 3 {
		if param != "" || parts[2] == "" {
			return StreamKey{}, fmt.Errorf("sources: malformed stream key %q", key)
		}
		param = parts[2]
	}
	sk := StreamKey{Symbol: strings.ToLower(parts[0]), Channel: channel, Param: param}
	switch {
	case len(parts) > 3:
	case channel == ChannelTicker && param == "":
		return sk, nil
	case channel == ChannelKline && param != "":
		return sk, nil
	case channel == ChannelDepth:
		return sk, nil
	}
	return StreamKey{}, fmt.Errorf("sources: malformed stream key %q", key)
}

// Canonical renders the normalized form of the key, used as the dispatch
// identity: alternate spellings of the same stream collapse to one entry.
// The depth speed parameter is not part of the identity.
func (k StreamKey) Canonical() string {
	if k.Channel == ChannelKline {
		return KlineKey(k.Symbol, k.Param)
	}
	if k.Channel == ChannelDepth {
		return DepthKey(k.Symbol)
	}
	return TickerKey(k.Symbol)
}

// TickerKey builds the canonical ticker stream key for a symbol.
func TickerKey(symbol string) string {
	return strings.ToLower(symbol) + "@" + ChannelTicker
}

// KlineKey builds the canonical kline stream key for a symbol and interval.
func KlineKey(symbol, interval string) string {
	return strings.ToLower(symbol) + "@" + ChannelKline + "@" + interval
}

// DepthKey builds the canonical depth stream key for a symbol.
func DepthKey(symbol string) string {
	return strings.ToLower(symbol) + "@" + ChannelDepth
}

// dashSymbol converts compact BTCUSDT form to the BTC-USDT spelling used by
// venues that separate base and quote. Quote detection covers the quote
// assets the catalog actually lists.
func dashSymbol(compact string) string {
	u := strings.ToUpper(compact)
	for _, quote := range []string{"USDT", "USDC", "BUSD", "BTC", "ETH"} {
		if strings.HasSuffix(u, quote) && len(u) > len(quote) {
			return u[:len(u)-len(quote)] + "-" + quote
		}
	}
	return u
}

// compactSymbol is the inverse of dashSymbol.
func compactSymbol(dashed string) string {
	return strings.ReplaceAll(strings.ToUpper(dashed), "-", "")
}
