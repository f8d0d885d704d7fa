// Package stream maintains one multiplexed WebSocket feed over a ranked list
// of exchange sources. All subscriptions share a single socket; changing the
// subscription set renegotiates the connection with the combined set. When a
// source cannot be reached the manager hops to the next ranked source
// immediately, and when an established connection drops it backs off and
// retries, resubscribing everything on success.
package stream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/radinamri79/sorooshx-exchange-web-sub000/pkg/events"
	"github.com/radinamri79/sorooshx-exchange-web-sub000/pkg/health"
	"github.com/radinamri79/sorooshx-exchange-web-sub000/pkg/logging"
	"github.com/radinamri79/sorooshx-exchange-web-sub000/pkg/market"
	"github.com/radinamri79/sorooshx-exchange-web-sub000/pkg/sources"
)

// State is the connection lifecycle phase.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateUnavailable  State = "unavailable"
)

// Status pairs the lifecycle state with the source currently in use or being
// attempted. Source is empty when no source applies.
type Status struct {
	State  State
	Source string
}

const (
	reconnectInitial    = 1000 * time.Millisecond
	reconnectMultiplier = 1.5
	reconnectMax        = 30000 * time.Millisecond

	handshakeTimeout = 10 * time.Second
)

// newReconnectBackoff builds the deterministic reconnect schedule: 1s base,
// growing 1.5x per attempt, capped at 30s.
func newReconnectBackoff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = reconnectInitial
	bo.Multiplier = reconnectMultiplier
	bo.MaxInterval = reconnectMax
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

// Manager owns the multiplexed stream. Safe for concurrent use. Status
// callbacks run while internal state is held and must not call back into the
// Manager.
type Manager struct {
	dialects []sources.StreamDialect
	health   *health.Tracker
	logger   logging.Logger
	dialer   *websocket.Dialer

	mu       sync.Mutex
	handlers map[string]map[int]market.StreamHandler
	nextID   int
	conn     *websocket.Conn
	status   Status
	gen      int
	failed   map[string]bool
	timer    *time.Timer
	closed   bool

	writeMu sync.Mutex
	bo      *backoff.ExponentialBackOff
	bus     *events.Bus[Status]
}

// Config wires the manager. Dialects is the ranked source list, most
// preferred first. Health is optional; when set, connection outcomes feed it.
type Config struct {
	Dialects []sources.StreamDialect
	Health   *health.Tracker
	Logger   logging.Logger
}

func NewManager(cfg Config) (*Manager, error) {
	if len(cfg.Dialects) == 0 {
		return nil, fmt.Errorf("stream: no dialects configured")
	}
	log := cfg.Logger
	if log == nil {
		log = logging.NewNop()
	}
	return &Manager{
		dialects: cfg.Dialects,
		health:   cfg.Health,
		logger:   log.Named("stream"),
		dialer:   &websocket.Dialer{HandshakeTimeout: handshakeTimeout},
		handlers: make(map[string]map[int]market.StreamHandler),
		status:   Status{State: StateDisconnected},
		failed:   make(map[string]bool),
		bo:       newReconnectBackoff(),
		bus:      events.NewBus[Status](),
	}, nil
}

// Subscribe registers a handler for a canonical stream key. Multiple handlers
// on the same key share one upstream stream and all receive every event. The
// first subscription opens the socket; a new key on a live socket
// renegotiates it with the combined set. The returned function removes the
// handler; dropping the last handler of the last key closes the socket.
func (m *Manager) Subscribe(key string, h market.StreamHandler) (func(), error) {
	sk, err := sources.ParseStreamKey(key)
	if err != nil {
		return nil, err
	}
	if h == nil {
		return nil, fmt.Errorf("stream: nil handler for %q", key)
	}
	key = sk.Canonical()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, fmt.Errorf("stream: manager closed")
	}
	newKey := len(m.handlers[key]) == 0
	m.nextID++
	id := m.nextID
	if m.handlers[key] == nil {
		m.handlers[key] = make(map[int]market.StreamHandler)
	}
	m.handlers[key][id] = h

	switch {
	case m.status.State == StateDisconnected:
		m.failed = make(map[string]bool)
		m.bo.Reset()
		m.startLocked(StateConnecting)
	case newKey && m.conn != nil:
		m.renegotiateLocked()
	}
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { m.unsubscribe(key, id) })
	}, nil
}

func (m *Manager) unsubscribe(key string, id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	hs := m.handlers[key]
	if hs == nil {
		return
	}
	delete(hs, id)
	if len(hs) > 0 {
		return
	}
	delete(m.handlers, key)

	if len(m.handlers) == 0 {
		m.teardownLocked()
		m.setStatusLocked(Status{State: StateDisconnected})
		return
	}
	if m.conn != nil {
		m.renegotiateLocked()
	}
}

// OnStatusChange registers a callback invoked on every state transition,
// starting with the current status so late subscribers do not miss it.
func (m *Manager) OnStatusChange(fn func(Status)) func() {
	m.mu.Lock()
	current := m.status
	dispose := m.bus.Subscribe(fn)
	fn(current)
	m.mu.Unlock()
	return dispose
}

// Status returns the current lifecycle status.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// CurrentSource names the source in use, or empty when not connected.
func (m *Manager) CurrentSource() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status.State != StateConnected {
		return ""
	}
	return m.status.Source
}

// Reset clears the failed-source memory and the backoff schedule, and kicks
// an immediate connection attempt when subscriptions exist but the stream is
// down. Operators use this after fixing an outage instead of waiting out the
// cool-downs.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.failed = make(map[string]bool)
	m.bo.Reset()
	if len(m.handlers) == 0 || m.conn != nil {
		return
	}
	m.stopTimerLocked()
	m.startLocked(StateConnecting)
}

// Close tears the stream down permanently.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.teardownLocked()
	m.setStatusLocked(Status{State: StateDisconnected})
	return nil
}

// startLocked begins a connection hunt under the current generation.
func (m *Manager) startLocked(state State) {
	m.gen++
	m.setStatusLocked(Status{State: state})
	go m.hunt(m.gen)
}

// renegotiateLocked drops the live socket and reopens it with the combined
// subscription set.
func (m *Manager) renegotiateLocked() {
	old := m.conn
	m.conn = nil
	m.stopTimerLocked()
	m.gen++
	m.setStatusLocked(Status{State: StateConnecting, Source: m.status.Source})
	if old != nil {
		go old.Close()
	}
	go m.hunt(m.gen)
}

func (m *Manager) teardownLocked() {
	m.gen++
	m.stopTimerLocked()
	if m.conn != nil {
		go m.conn.Close()
		m.conn = nil
	}
}

func (m *Manager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Manager) setStatusLocked(s Status) {
	if m.status == s {
		return
	}
	m.status = s
	m.bus.Publish(s)
}

// nextSourceLocked picks the highest-ranked dialect not failed in the
// current hunt and not marked unhealthy.
func (m *Manager) nextSourceLocked() sources.StreamDialect {
	for _, d := range m.dialects {
		if m.failed[d.Name()] {
			continue
		}
		if m.health != nil && !m.health.Healthy(d.Name()) {
			continue
		}
		return d
	}
	return nil
}

func (m *Manager) keysLocked() []string {
	keys := make([]string, 0, len(m.handlers))
	for key := range m.handlers {
		keys = append(keys, key)
	}
	return keys
}

// hunt walks the ranked sources until one accepts the connection, hopping
// immediately on handshake failure. When every source has failed it goes
// unavailable and stays there until Reset.
func (m *Manager) hunt(gen int) {
	for {
		m.mu.Lock()
		if m.closed || gen != m.gen || len(m.handlers) == 0 {
			m.mu.Unlock()
			return
		}
		dialect := m.nextSourceLocked()
		if dialect == nil {
			// Terminal until an explicit Reset clears the failed set.
			m.stopTimerLocked()
			m.setStatusLocked(Status{State: StateUnavailable})
			m.mu.Unlock()
			m.logger.Warn("all stream sources failed, waiting for reset")
			return
		}
		state := m.status.State
		m.setStatusLocked(Status{State: state, Source: dialect.Name()})
		keys := m.keysLocked()
		m.mu.Unlock()

		start := time.Now()
		conn, err := m.dial(dialect, keys)
		if err != nil {
			m.logger.Warn("stream handshake failed",
				logging.String("source", dialect.Name()),
				logging.Error(err),
			)
			if m.health != nil {
				m.health.Failure(dialect.Name())
			}
			m.mu.Lock()
			if gen == m.gen && !m.closed {
				m.failed[dialect.Name()] = true
			}
			m.mu.Unlock()
			continue
		}

		m.mu.Lock()
		if m.closed || gen != m.gen {
			m.mu.Unlock()
			conn.Close()
			return
		}
		m.conn = conn
		m.failed = make(map[string]bool)
		m.bo.Reset()
		changed := len(m.handlers) != len(keys)
		for _, k := range keys {
			if len(m.handlers[k]) == 0 {
				changed = true
			}
		}
		if changed {
			// The subscription set changed while the dial was in flight.
			m.renegotiateLocked()
			m.mu.Unlock()
			return
		}
		m.setStatusLocked(Status{State: StateConnected, Source: dialect.Name()})
		m.mu.Unlock()

		if m.health != nil {
			m.health.Success(dialect.Name(), time.Since(start))
		}
		m.logger.Info("stream connected",
			logging.String("source", dialect.Name()),
			logging.Int("streams", len(keys)),
		)

		go m.readLoop(gen, conn, dialect)
		if interval, frame := dialect.KeepAlive(); interval > 0 {
			go m.keepAlive(gen, conn, interval, frame)
		}
		return
	}
}

// dial opens the socket and sends the subscribe frames for every active key.
func (m *Manager) dial(dialect sources.StreamDialect, keys []string) (*websocket.Conn, error) {
	frames, err := dialect.SubscribeFrames(keys)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
	defer cancel()
	conn, resp, err := m.dialer.DialContext(ctx, dialect.URL(), nil)
	if err != nil {
		return nil, err
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	for _, frame := range frames {
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			conn.Close()
			return nil, fmt.Errorf("subscribe: %w", err)
		}
	}
	return conn, nil
}

// readLoop pumps frames off one socket generation. A read error on the live
// generation transitions to reconnecting and schedules a backoff retry that
// hunts again from the top rank.
func (m *Manager) readLoop(gen int, conn *websocket.Conn, dialect sources.StreamDialect) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			m.mu.Lock()
			if m.closed || gen != m.gen {
				m.mu.Unlock()
				return
			}
			m.conn = nil
			m.setStatusLocked(Status{State: StateReconnecting, Source: dialect.Name()})
			delay := m.bo.NextBackOff()
			m.stopTimerLocked()
			m.timer = time.AfterFunc(delay, func() {
				m.mu.Lock()
				if m.closed || gen != m.gen || len(m.handlers) == 0 {
					m.mu.Unlock()
					return
				}
				m.setStatusLocked(Status{State: StateConnecting, Source: dialect.Name()})
				m.mu.Unlock()
				m.hunt(gen)
			})
			m.mu.Unlock()
			if m.health != nil {
				m.health.Failure(dialect.Name())
			}
			m.logger.Warn("stream connection lost",
				logging.String("source", dialect.Name()),
				logging.Duration("retry_in", delay),
				logging.Error(err),
			)
			return
		}

		event, err := dialect.Parse(raw)
		if err != nil {
			m.logger.Debug("unparseable stream frame",
				logging.String("source", dialect.Name()),
				logging.Error(err),
			)
			continue
		}
		if event == nil {
			continue
		}
		m.dispatch(*event)
	}
}

// dispatch fans one event out to every handler on its key. Handlers run on
// the read goroutine, so slow handlers stall the feed; consumers needing
// isolation buffer internally.
func (m *Manager) dispatch(event market.Event) {
	m.mu.Lock()
	hs := make([]market.StreamHandler, 0, len(m.handlers[event.Key]))
	for _, h := range m.handlers[event.Key] {
		hs = append(hs, h)
	}
	m.mu.Unlock()
	for _, h := range hs {
		h(event)
	}
}

// keepAlive sends the dialect's application-level ping on its interval while
// this socket generation is live.
func (m *Manager) keepAlive(gen int, conn *websocket.Conn, interval time.Duration, frame []byte) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		m.mu.Lock()
		live := !m.closed && gen == m.gen && m.conn == conn
		m.mu.Unlock()
		if !live {
			return
		}
		m.writeMu.Lock()
		err := conn.WriteMessage(websocket.TextMessage, frame)
		m.writeMu.Unlock()
		if err != nil {
			return
		}
	}
}
