package sources

import (
	"strconv"
	"time"

	"github.com/radinamri79/sorooshx-exchange-web-sub000/pkg/market"
)

// Venues quote numbers as JSON strings. A parse failure yields zero, which
// the market validators then reject upstream instead of the adapter guessing.
func f64(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

func msTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// bookLevels converts the [["price","qty"], ...] form every venue uses.
func bookLevels(raw [][]string) []market.BookLevel {
	out := make([]market.BookLevel, 0, len(raw))
	for _, pair := range raw {
		if len(pair) < 2 {
			continue
		}
		out = append(out, market.BookLevel{Price: f64(pair[0]), Quantity: f64(pair[1])})
	}
	return out
}
