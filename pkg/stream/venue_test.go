package stream

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/radinamri79/sorooshx-exchange-web-sub000/pkg/market"
)

// mockVenue is a WebSocket endpoint that records subscribe frames and can
// broadcast data frames or drop its clients, standing in for an exchange.
type mockVenue struct {
	server *httptest.Server
	url    string

	mu     sync.Mutex
	conns  map[*websocket.Conn]bool
	frames [][]byte
	reject bool
}

func newMockVenue(t *testing.T) *mockVenue {
	t.Helper()
	v := &mockVenue{conns: make(map[*websocket.Conn]bool)}
	v.server = httptest.NewServer(http.HandlerFunc(v.handle))
	v.url = "ws" + strings.TrimPrefix(v.server.URL, "http")
	t.Cleanup(v.server.Close)
	return v
}

func (v *mockVenue) URL() string { return v.url }

func (v *mockVenue) setReject(reject bool) {
	v.mu.Lock()
	v.reject = reject
	v.mu.Unlock()
}

func (v *mockVenue) connCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.conns)
}

func (v *mockVenue) receivedFrames() [][]byte {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([][]byte, len(v.frames))
	copy(out, v.frames)
	return out
}

func (v *mockVenue) broadcast(t *testing.T, message []byte) {
	t.Helper()
	v.mu.Lock()
	defer v.mu.Unlock()
	for conn := range v.conns {
		if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
			t.Logf("broadcast failed: %v", err)
		}
	}
}

func (v *mockVenue) dropAll() {
	v.mu.Lock()
	defer v.mu.Unlock()
	for conn := range v.conns {
		conn.Close()
	}
}

func (v *mockVenue) handle(w http.ResponseWriter, r *http.Request) {
	v.mu.Lock()
	reject := v.reject
	v.mu.Unlock()
	if reject {
		w.WriteHeader(http.StatusForbidden)
		return
	}

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	v.mu.Lock()
	v.conns[conn] = true
	v.mu.Unlock()
	defer func() {
		v.mu.Lock()
		delete(v.conns, conn)
		v.mu.Unlock()
		conn.Close()
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return
		}
		v.mu.Lock()
		v.frames = append(v.frames, message)
		v.mu.Unlock()
	}
}

// testDialect is a minimal dialect over the mock venue wire format:
// subscribe frames are {"op":"subscribe","keys":[...]} and data frames are
// {"key":...,"price":...}.
type testDialect struct {
	name string
	url  string
}

func (d *testDialect) Name() string { return d.name }
func (d *testDialect) URL() string  { return d.url }

func (d *testDialect) SubscribeFrames(keys []string) ([][]byte, error) {
	frame, err := json.Marshal(map[string]any{"op": "subscribe", "keys": keys})
	if err != nil {
		return nil, err
	}
	return [][]byte{frame}, nil
}

func (d *testDialect) KeepAlive() (time.Duration, []byte) { return 0, nil }

func (d *testDialect) Parse(raw []byte) (*market.Event, error) {
	var msg struct {
		Key   string  `json:"key"`
		Price float64 `json:"price"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, err
	}
	if msg.Key == "" {
		return nil, nil
	}
	return &market.Event{
		Key:    msg.Key,
		Kind:   market.KindTicker,
		Source: d.name,
		Ticker: &market.Ticker{LastPrice: msg.Price},
	}, nil
}
