package market

import (
	"fmt"
	"math"
)

// MaxPlausiblePrice is the sanity ceiling for any traded price. Anything
// above it is treated as a venue glitch rather than a market move.
const MaxPlausiblePrice = 10_000_000

// ValidationError reports a value that parsed correctly but failed a sanity
// check. A validation failure is treated like a failed fetch: the orchestrator
// moves to the next source and the value is never cached.
type ValidationError struct {
	Field  string
	Value  float64
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s=%v %s", e.Field, e.Value, e.Reason)
}

func invalid(field string, value float64, reason string) error {
	return &ValidationError{Field: field, Value: value, Reason: reason}
}

// ValidateTicker rejects implausible tickers: non-positive or absurd prices,
// negative volumes, or a daily move beyond 100%.
func ValidateTicker(t *Ticker) error {
	switch {
	case t.LastPrice <= 0:
		return invalid("lastPrice", t.LastPrice, "must be positive")
	case t.LastPrice > MaxPlausiblePrice:
		return invalid("lastPrice", t.LastPrice, "exceeds plausible ceiling")
	case t.BaseVolume < 0:
		return invalid("baseVolume", t.BaseVolume, "must be non-negative")
	case t.QuoteVolume < 0:
		return invalid("quoteVolume", t.QuoteVolume, "must be non-negative")
	case math.Abs(t.PriceChangePercent) > 100:
		return invalid("priceChangePercent", t.PriceChangePercent, "beyond ±100%")
	}
	return nil
}

// ValidateKlines rejects series containing non-positive prices or negative
// volume.
func ValidateKlines(s *KlineSeries) error {
	for i := range s.Klines {
		k := &s.Klines[i]
		if k.Open <= 0 || k.High <= 0 || k.Low <= 0 || k.Close <= 0 {
			return invalid("close", k.Close, "candle with non-positive price")
		}
		if k.High > MaxPlausiblePrice {
			return invalid("high", k.High, "exceeds plausible ceiling")
		}
		if k.Volume < 0 {
			return invalid("volume", k.Volume, "must be non-negative")
		}
	}
	return nil
}

// ValidateOrderBook rejects books with non-positive prices, negative
// quantities, or a crossed top of book.
func ValidateOrderBook(b *OrderBook) error {
	for _, lvl := range b.Bids {
		if lvl.Price <= 0 {
			return invalid("bidPrice", lvl.Price, "must be positive")
		}
		if lvl.Quantity < 0 {
			return invalid("bidQuantity", lvl.Quantity, "must be non-negative")
		}
	}
	for _, lvl := range b.Asks {
		if lvl.Price <= 0 {
			return invalid("askPrice", lvl.Price, "must be positive")
		}
		if lvl.Quantity < 0 {
			return invalid("askQuantity", lvl.Quantity, "must be non-negative")
		}
	}
	if len(b.Bids) > 0 && len(b.Asks) > 0 && b.Bids[0].Price >= b.Asks[0].Price {
		return invalid("bidPrice", b.Bids[0].Price, "crosses best ask")
	}
	return nil
}

// ValidateFundingRate rejects rates outside ±5%, far beyond any venue cap.
func ValidateFundingRate(f *FundingRate) error {
	if math.Abs(f.Rate) > 0.05 {
		return invalid("rate", f.Rate, "beyond ±5%")
	}
	return nil
}

// ValidateMarkPrice rejects non-positive or implausible mark prices.
func ValidateMarkPrice(m *MarkPrice) error {
	switch {
	case m.Price <= 0:
		return invalid("price", m.Price, "must be positive")
	case m.Price > MaxPlausiblePrice:
		return invalid("price", m.Price, "exceeds plausible ceiling")
	}
	return nil
}
