package market

import (
	"errors"
	"fmt"
	"sort"
)

// ErrSequenceGap is returned by Book.Apply when an incremental update does
// not connect to the last applied sequence id. The caller must resynchronize
// from a fresh snapshot; the gap is never papered over.
var ErrSequenceGap = errors.New("order book sequence gap")

// Book maintains a locally merged order book from a snapshot plus
// incremental deltas. It is not safe for concurrent use; the streaming
// layer delivers updates sequentially.
type Book struct {
	Symbol string

	bids   map[float64]float64
	asks   map[float64]float64
	lastID int64
	primed bool
}

// NewBook returns an empty book awaiting a snapshot.
func NewBook(symbol string) *Book {
	return &Book{
		Symbol: symbol,
		bids:   make(map[float64]float64),
		asks:   make(map[float64]float64),
	}
}

// Reset loads a full snapshot, discarding all prior state.
func (b *Book) Reset(snapshot *OrderBook) {
	b.bids = make(map[float64]float64, len(snapshot.Bids))
	b.asks = make(map[float64]float64, len(snapshot.Asks))
	for _, lvl := range snapshot.Bids {
		b.bids[lvl.Price] = lvl.Quantity
	}
	for _, lvl := range snapshot.Asks {
		b.asks[lvl.Price] = lvl.Quantity
	}
	b.lastID = snapshot.UpdateID
	b.primed = true
}

// Primed reports whether a snapshot has been applied.
func (b *Book) Primed() bool { return b.primed }

// LastUpdateID returns the sequence id of the last applied update.
func (b *Book) LastUpdateID() int64 { return b.lastID }

// Apply merges an incremental delta. Updates entirely at or before the
// current sequence are skipped. A delta that starts beyond lastID+1 returns
// ErrSequenceGap and leaves the book unusable until Reset.
func (b *Book) Apply(u *DepthUpdate) error {
	if !b.primed {
		return fmt.Errorf("book %s: %w: no snapshot applied", b.Symbol, ErrSequenceGap)
	}
	if u.FinalUpdateID <= b.lastID {
		return nil
	}
	if u.FirstUpdateID > b.lastID+1 {
		b.primed = false
		return fmt.Errorf("book %s: %w: have %d, update starts at %d",
			b.Symbol, ErrSequenceGap, b.lastID, u.FirstUpdateID)
	}
	for _, lvl := range u.Bids {
		if lvl.Quantity == 0 {
			delete(b.bids, lvl.Price)
		} else {
			b.bids[lvl.Price] = lvl.Quantity
		}
	}
	for _, lvl := range u.Asks {
		if lvl.Quantity == 0 {
			delete(b.asks, lvl.Price)
		} else {
			b.asks[lvl.Price] = lvl.Quantity
		}
	}
	b.lastID = u.FinalUpdateID
	return nil
}

// Snapshot renders the merged book, bids descending and asks ascending,
// truncated to depth levels per side (0 = all).
func (b *Book) Snapshot(depth int) *OrderBook {
	bids := make([]BookLevel, 0, len(b.bids))
	for p, q := range b.bids {
		bids = append(bids, BookLevel{Price: p, Quantity: q})
	}
	asks := make([]BookLevel, 0, len(b.asks))
	for p, q := range b.asks {
		asks = append(asks, BookLevel{Price: p, Quantity: q})
	}
	sort.Slice(bids, func(i, j int) bool { return bids[i].Price > bids[j].Price })
	sort.Slice(asks, func(i, j int) bool { return asks[i].Price < asks[j].Price })
	if depth > 0 {
		if len(bids) > depth {
			bids = bids[:depth]
		}
		if len(asks) > depth {
			asks = asks[:depth]
		}
	}
	return &OrderBook{Symbol: b.Symbol, Bids: bids, Asks: asks, UpdateID: b.lastID}
}
