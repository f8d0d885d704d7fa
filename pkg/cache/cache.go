// Package cache keeps the last successfully fetched value per
// (data kind, request key) so the failover layer can serve something honest
// when every source is down. Entries carry only a payload and fetch time;
// age, staleness and confidence are derived at read time. A best-effort
// durable mirror preserves last-known-good values across restarts.
package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/radinamri79/sorooshx-exchange-web-sub000/pkg/logging"
	"github.com/radinamri79/sorooshx-exchange-web-sub000/pkg/market"
)

// MaxAge returns the freshness ceiling for a data kind: cached values older
// than this are never served, only an explicit unavailable outcome.
func MaxAge(kind market.DataKind) time.Duration {
	switch kind {
	case market.KindTicker:
		return 5 * time.Minute
	case market.KindKline:
		return time.Hour
	case market.KindOrderBook:
		return 30 * time.Second
	case market.KindFunding:
		return time.Hour
	case market.KindMarkPrice:
		return time.Minute
	case market.KindAccount:
		return time.Minute
	default:
		return 5 * time.Minute
	}
}

// Entry is one cached payload. Payload is the JSON encoding of a canonical
// market value.
type Entry struct {
	Payload   json.RawMessage `json:"payload"`
	FetchedAt time.Time       `json:"fetchedAt"`
}

// Cache is an in-memory last-known-good store with an optional durable
// mirror. Safe for concurrent use.
type Cache struct {
	mu      sync.Mutex
	entries map[string]Entry
	mirror  Mirror
	log     logging.Logger

	sweepStop chan struct{}
	sweepOnce sync.Once

	now func() time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithMirror attaches a durable mirror. Mirror writes are best-effort:
// failures are logged and never propagated to callers.
func WithMirror(m Mirror) Option {
	return func(c *Cache) { c.mirror = m }
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New builds a cache. If a mirror is attached its contents are restored
// before New returns, so a reload starts with last-known-good values.
func New(log logging.Logger, opts ...Option) *Cache {
	c := &Cache{
		entries:   make(map[string]Entry),
		log:       log.Named("cache"),
		sweepStop: make(chan struct{}),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.mirror != nil {
		c.restore()
	}
	return c
}

func key(kind market.DataKind, requestKey string) string {
	return string(kind) + "|" + requestKey
}

func (c *Cache) restore() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	restored, err := c.mirror.Load(ctx)
	if err != nil {
		c.log.Warn("mirror restore failed", logging.Error(err))
		return
	}
	c.mu.Lock()
	for _, m := range restored {
		c.entries[key(m.Kind, m.Key)] = Entry{Payload: m.Payload, FetchedAt: m.FetchedAt}
	}
	n := len(c.entries)
	c.mu.Unlock()
	c.log.Info("restored last-known-good values", logging.Int("entries", n))
}

// Put stores v as the last-known-good value for (kind, requestKey), stamped
// now. Timestamps are monotonically non-decreasing per key: an entry is only
// ever replaced by a newer fetch.
func (c *Cache) Put(kind market.DataKind, requestKey string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		c.log.Error("cache marshal failed",
			logging.String("kind", string(kind)),
			logging.String("key", requestKey),
			logging.Error(err),
		)
		return
	}

	now := c.now()
	k := key(kind, requestKey)

	c.mu.Lock()
	if prev, ok := c.entries[k]; ok && prev.FetchedAt.After(now) {
		c.mu.Unlock()
		return
	}
	c.entries[k] = Entry{Payload: payload, FetchedAt: now}
	c.mu.Unlock()

	if c.mirror != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := c.mirror.Store(ctx, kind, requestKey, payload, now, 2*MaxAge(kind)); err != nil {
			// Best effort only: quota or connectivity problems must not
			// disturb the fetch path.
			c.log.Debug("mirror write failed", logging.Error(err))
		}
	}
}

// Get returns the raw entry for (kind, requestKey) regardless of age.
func (c *Cache) Get(kind market.DataKind, requestKey string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key(kind, requestKey)]
	return e, ok
}

// Fresh decodes the cached value into out if one exists within the kind's
// max age. The returned Meta has reality=cached with derived freshness
// fields. ok is false when there is no entry or it is too old to trust.
func (c *Cache) Fresh(kind market.DataKind, requestKey, source string, out any) (market.Meta, bool) {
	e, ok := c.Get(kind, requestKey)
	if !ok {
		return market.Unavailable(), false
	}
	now := c.now()
	if now.Sub(e.FetchedAt) > MaxAge(kind) {
		return market.Unavailable(), false
	}
	if err := json.Unmarshal(e.Payload, out); err != nil {
		c.log.Warn("cache decode failed",
			logging.String("kind", string(kind)),
			logging.String("key", requestKey),
			logging.Error(err),
		)
		return market.Unavailable(), false
	}
	return market.MetaFor(source, market.RealityCached, e.FetchedAt, now), true
}

// Sweep removes entries older than twice their kind's max age. Returns the
// number of purged entries.
func (c *Cache) Sweep() int {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	purged := 0
	for k, e := range c.entries {
		kind := market.DataKind(k[:indexByte(k)])
		if now.Sub(e.FetchedAt) > 2*MaxAge(kind) {
			delete(c.entries, k)
			purged++
		}
	}
	if purged > 0 {
		c.log.Debug("swept expired entries", logging.Int("purged", purged))
	}
	return purged
}

func indexByte(k string) int {
	for i := 0; i < len(k); i++ {
		if k[i] == '|' {
			return i
		}
	}
	return len(k)
}

// StartSweeper runs Sweep on the given interval until Close or ctx
// cancellation.
func (c *Cache) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.sweepStop:
				return
			case <-ticker.C:
				c.Sweep()
			}
		}
	}()
}

// Len reports the number of live entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Close stops the sweeper and closes the mirror if one is attached.
func (c *Cache) Close() error {
	c.sweepOnce.Do(func() { close(c.sweepStop) })
	if c.mirror != nil {
		return c.mirror.Close()
	}
	return nil
}
