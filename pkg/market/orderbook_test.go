package market

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func snapshot() *OrderBook {
	return &OrderBook{
		Symbol: "BTCUSDT",
		Bids: []BookLevel{
			{Price: 49900, Quantity: 1},
			{Price: 49800, Quantity: 2},
		},
		Asks: []BookLevel{
			{Price: 50100, Quantity: 1},
			{Price: 50200, Quantity: 2},
		},
		UpdateID: 100,
	}
}

func TestBookApplyContiguous(t *testing.T) {
	book := NewBook("BTCUSDT")
	book.Reset(snapshot())

	err := book.Apply(&DepthUpdate{
		Symbol:        "BTCUSDT",
		Bids:          []BookLevel{{Price: 49950, Quantity: 3}},
		Asks:          []BookLevel{{Price: 50100, Quantity: 0}}, // removes level
		FirstUpdateID: 101,
		FinalUpdateID: 105,
	})
	require.NoError(t, err)

	snap := book.Snapshot(0)
	assert.Equal(t, int64(105), snap.UpdateID)
	assert.Equal(t, 49950.0, snap.Bids[0].Price)
	assert.Equal(t, 50200.0, snap.Asks[0].Price, "removed level must not reappear")
}

func TestBookSkipsStaleUpdate(t *testing.T) {
	book := NewBook("BTCUSDT")
	book.Reset(snapshot())

	err := book.Apply(&DepthUpdate{FirstUpdateID: 90, FinalUpdateID: 100})
	require.NoError(t, err)
	assert.Equal(t, int64(100), book.LastUpdateID())
}

func TestBookGapForcesResync(t *testing.T) {
	book := NewBook("BTCUSDT")
	book.Reset(snapshot())

	err := book.Apply(&DepthUpdate{FirstUpdateID: 110, FinalUpdateID: 120})
	require.ErrorIs(t, err, ErrSequenceGap)
	assert.False(t, book.Primed(), "gap must invalidate the book until resync")

	// Contiguous updates are refused until a fresh snapshot arrives.
	err = book.Apply(&DepthUpdate{FirstUpdateID: 101, FinalUpdateID: 102})
	require.ErrorIs(t, err, ErrSequenceGap)

	fresh := snapshot()
	fresh.UpdateID = 130
	book.Reset(fresh)
	require.NoError(t, book.Apply(&DepthUpdate{FirstUpdateID: 131, FinalUpdateID: 131}))
}

func TestBookSnapshotOrderingAndDepth(t *testing.T) {
	book := NewBook("BTCUSDT")
	book.Reset(snapshot())

	snap := book.Snapshot(1)
	require.Len(t, snap.Bids, 1)
	require.Len(t, snap.Asks, 1)
	assert.Equal(t, 49900.0, snap.Bids[0].Price)
	assert.Equal(t, 50100.0, snap.Asks[0].Price)
}
