package stream

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/radinamri79/sorooshx-exchange-web-sub000/pkg/logging"
	"github.com/radinamri79/sorooshx-exchange-web-sub000/pkg/market"
	"github.com/radinamri79/sorooshx-exchange-web-sub000/pkg/sources"
)

func TestReconnectBackoffSchedule(t *testing.T) {
	bo := newReconnectBackoff()
	want := []time.Duration{
		1000 * time.Millisecond,
		1500 * time.Millisecond,
		2250 * time.Millisecond,
		3375 * time.Millisecond,
		5062500 * time.Microsecond,
	}
	for i, expected := range want {
		assert.Equal(t, expected, bo.NextBackOff(), "attempt %d", i+1)
	}

	// The schedule is capped, never unbounded.
	for i := 0; i < 20; i++ {
		assert.LessOrEqual(t, bo.NextBackOff(), reconnectMax)
	}
}

func newTestManager(t *testing.T, dialects ...sources.StreamDialect) *Manager {
	t.Helper()
	m, err := NewManager(Config{Dialects: dialects, Logger: logging.NewNop()})
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

// watchStatus buffers every transition so tests can wait on specific states.
func watchStatus(t *testing.T, m *Manager) chan Status {
	t.Helper()
	ch := make(chan Status, 64)
	dispose := m.OnStatusChange(func(s Status) { ch <- s })
	t.Cleanup(dispose)
	return ch
}

func waitFor(t *testing.T, ch chan Status, state State) Status {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case s := <-ch:
			if s.State == state {
				return s
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %s", state)
		}
	}
}

func TestStatusCallbackFiresImmediately(t *testing.T) {
	venue := newMockVenue(t)
	m := newTestManager(t, &testDialect{name: "binance", url: venue.URL()})

	ch := watchStatus(t, m)
	select {
	case s := <-ch:
		assert.Equal(t, Status{State: StateDisconnected}, s)
	default:
		t.Fatal("expected immediate status callback")
	}
	assert.Equal(t, "", m.CurrentSource())
}

func TestFirstSubscriptionConnects(t *testing.T) {
	venue := newMockVenue(t)
	m := newTestManager(t, &testDialect{name: "binance", url: venue.URL()})
	ch := watchStatus(t, m)

	dispose, err := m.Subscribe("btcusdt@ticker", func(market.Event) {})
	require.NoError(t, err)
	defer dispose()

	waitFor(t, ch, StateConnecting)
	status := waitFor(t, ch, StateConnected)
	assert.Equal(t, "binance", status.Source)
	assert.Equal(t, "binance", m.CurrentSource())

	require.Eventually(t, func() bool { return len(venue.receivedFrames()) > 0 },
		2*time.Second, 10*time.Millisecond)
	var frame struct {
		Op   string   `json:"op"`
		Keys []string `json:"keys"`
	}
	require.NoError(t, json.Unmarshal(venue.receivedFrames()[0], &frame))
	assert.Equal(t, "subscribe", frame.Op)
	assert.Equal(t, []string{"btcusdt@ticker"}, frame.Keys)
}

func TestRejectsMalformedStreamKey(t *testing.T) {
	venue := newMockVenue(t)
	m := newTestManager(t, &testDialect{name: "binance", url: venue.URL()})

	_, err := m.Subscribe("btcusdt@trades", func(market.Event) {})
	require.Error(t, err)
	assert.Equal(t, StateDisconnected, m.Status().State)
}

func TestHopsPastFailingSources(t *testing.T) {
	// binance and okx refuse the handshake; the hunt must land on bybit
	// without any backoff pause in between.
	binance := newMockVenue(t)
	binance.setReject(true)
	okx := newMockVenue(t)
	okx.setReject(true)
	bybit := newMockVenue(t)

	m := newTestManager(t,
		&testDialect{name: "binance", url: binance.URL()},
		&testDialect{name: "okx", url: okx.URL()},
		&testDialect{name: "bybit", url: bybit.URL()},
	)
	ch := watchStatus(t, m)

	dispose, err := m.Subscribe("btcusdt@ticker", func(market.Event) {})
	require.NoError(t, err)
	defer dispose()

	status := waitFor(t, ch, StateConnected)
	assert.Equal(t, "bybit", status.Source)
	assert.Equal(t, "bybit", m.CurrentSource())
}

func TestFanOutDeliversToEveryHandler(t *testing.T) {
	venue := newMockVenue(t)
	m := newTestManager(t, &testDialect{name: "binance", url: venue.URL()})
	ch := watchStatus(t, m)

	first := make(chan market.Event, 1)
	second := make(chan market.Event, 1)
	d1, err := m.Subscribe("btcusdt@ticker", func(e market.Event) { first <- e })
	require.NoError(t, err)
	defer d1()
	d2, err := m.Subscribe("btcusdt@ticker", func(e market.Event) { second <- e })
	require.NoError(t, err)
	defer d2()

	waitFor(t, ch, StateConnected)
	venue.broadcast(t, []byte(`{"key":"btcusdt@ticker","price":50000}`))

	for name, events := range map[string]chan market.Event{"first": first, "second": second} {
		select {
		case e := <-events:
			assert.Equal(t, "btcusdt@ticker", e.Key, name)
			assert.Equal(t, 50000.0, e.Ticker.LastPrice, name)
		case <-time.After(3 * time.Second):
			t.Fatalf("%s handler got no event", name)
		}
	}
}

func TestNewKeyRenegotiatesCombinedSet(t *testing.T) {
	venue := newMockVenue(t)
	m := newTestManager(t, &testDialect{name: "binance", url: venue.URL()})
	ch := watchStatus(t, m)

	d1, err := m.Subscribe("btcusdt@ticker", func(market.Event) {})
	require.NoError(t, err)
	defer d1()
	waitFor(t, ch, StateConnected)

	d2, err := m.Subscribe("ethusdt@ticker", func(market.Event) {})
	require.NoError(t, err)
	defer d2()

	// The socket is reopened with both streams in one subscribe frame.
	waitFor(t, ch, StateConnecting)
	waitFor(t, ch, StateConnected)
	require.Eventually(t, func() bool {
		frames := venue.receivedFrames()
		if len(frames) == 0 {
			return false
		}
		var frame struct {
			Keys []string `json:"keys"`
		}
		if err := json.Unmarshal(frames[len(frames)-1], &frame); err != nil {
			return false
		}
		return len(frame.Keys) == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestLastUnsubscribeClosesStream(t *testing.T) {
	venue := newMockVenue(t)
	m := newTestManager(t, &testDialect{name: "binance", url: venue.URL()})
	ch := watchStatus(t, m)

	dispose, err := m.Subscribe("btcusdt@ticker", func(market.Event) {})
	require.NoError(t, err)
	waitFor(t, ch, StateConnected)

	dispose()
	waitFor(t, ch, StateDisconnected)
	require.Eventually(t, func() bool { return venue.connCount() == 0 },
		2*time.Second, 10*time.Millisecond)

	// Disposing twice is harmless.
	dispose()
}

func TestDropReconnectsToSameSource(t *testing.T) {
	venue := newMockVenue(t)
	m := newTestManager(t, &testDialect{name: "binance", url: venue.URL()})
	ch := watchStatus(t, m)

	dispose, err := m.Subscribe("btcusdt@ticker", func(market.Event) {})
	require.NoError(t, err)
	defer dispose()
	waitFor(t, ch, StateConnected)

	venue.dropAll()
	status := waitFor(t, ch, StateReconnecting)
	assert.Equal(t, "binance", status.Source)

	// First retry fires after the 1s base delay and resubscribes.
	status = waitFor(t, ch, StateConnected)
	assert.Equal(t, "binance", status.Source)
}

func TestUnavailableThenResetRecovers(t *testing.T) {
	venue := newMockVenue(t)
	venue.setReject(true)
	m := newTestManager(t, &testDialect{name: "binance", url: venue.URL()})
	ch := watchStatus(t, m)

	dispose, err := m.Subscribe("btcusdt@ticker", func(market.Event) {})
	require.NoError(t, err)
	defer dispose()

	waitFor(t, ch, StateUnavailable)
	assert.Equal(t, "", m.CurrentSource())

	venue.setReject(false)
	m.Reset()
	status := waitFor(t, ch, StateConnected)
	assert.Equal(t, "binance", status.Source)
}
