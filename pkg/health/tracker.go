// Package health tracks per-source availability for the failover layer.
// A source flips unhealthy after a run of consecutive errors and is skipped
// by the failover order until its cool-down elapses or a manual reset clears
// it (e.g. the user enabled a VPN and wants an immediate retry).
package health

import (
	"sync"
	"time"

	"github.com/radinamri79/sorooshx-exchange-web-sub000/pkg/logging"
)

const (
	// DefaultThreshold is the consecutive-error count that marks a source
	// unhealthy.
	DefaultThreshold = 3

	// DefaultCoolDown is how long an unhealthy source stays out of rotation
	// before it is re-probed.
	DefaultCoolDown = 5 * time.Minute

	// latencyAlpha is the EWMA weight for new latency samples.
	latencyAlpha = 0.2
)

// Record is a point-in-time snapshot of one source's health.
type Record struct {
	Source            string
	Healthy           bool
	ConsecutiveErrors int
	LastSuccess       time.Time
	AvgLatency        time.Duration
	UnhealthySince    time.Time
}

type record struct {
	consecutiveErrors int
	healthy           bool
	lastSuccess       time.Time
	avgLatency        time.Duration
	unhealthySince    time.Time
}

// Tracker holds one record per source. Records are created on first use and
// live for the process lifetime.
type Tracker struct {
	mu        sync.Mutex
	records   map[string]*record
	threshold int
	coolDown  time.Duration
	log       logging.Logger

	now func() time.Time // overridable in tests
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithThreshold overrides the consecutive-error threshold.
func WithThreshold(n int) Option {
	return func(t *Tracker) {
		if n > 0 {
			t.threshold = n
		}
	}
}

// WithCoolDown overrides the unhealthy cool-down window.
func WithCoolDown(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.coolDown = d
		}
	}
}

// WithClock overrides the time source. Tests use this to advance time.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// NewTracker builds a tracker with defaults: threshold 3, cool-down 5m.
func NewTracker(log logging.Logger, opts ...Option) *Tracker {
	t := &Tracker{
		records:   make(map[string]*record),
		threshold: DefaultThreshold,
		coolDown:  DefaultCoolDown,
		log:       log.Named("health"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tracker) get(source string) *record {
	r, ok := t.records[source]
	if !ok {
		r = &record{healthy: true}
		t.records[source] = r
	}
	return r
}

// Success records a successful call. Any success immediately clears the
// error count and restores the source to healthy.
func (t *Tracker) Success(source string, latency time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r := t.get(source)
	wasUnhealthy := !r.healthy
	r.consecutiveErrors = 0
	r.healthy = true
	r.lastSuccess = t.now()
	r.unhealthySince = time.Time{}
	if r.avgLatency == 0 {
		r.avgLatency = latency
	} else {
		r.avgLatency = time.Duration(float64(r.avgLatency)*(1-latencyAlpha) + float64(latency)*latencyAlpha)
	}

	if wasUnhealthy {
		t.log.Info("source recovered", logging.String("source", source))
	}
}

// Failure records a failed call. Crossing the threshold marks the source
// unhealthy and starts its cool-down.
func (t *Tracker) Failure(source string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r := t.get(source)
	r.consecutiveErrors++
	if r.healthy && r.consecutiveErrors >= t.threshold {
		r.healthy = false
		r.unhealthySince = t.now()
		t.log.Warn("source marked unhealthy",
			logging.String("source", source),
			logging.Int("consecutiveErrors", r.consecutiveErrors),
			logging.Duration("coolDown", t.coolDown),
		)
	}
}

// Healthy reports whether the source should be attempted. An unhealthy
// source becomes eligible again once its cool-down elapses; the error count
// is kept so another failure re-trips it right away.
func (t *Tracker) Healthy(source string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	r := t.get(source)
	if r.healthy {
		return true
	}
	if t.now().Sub(r.unhealthySince) >= t.coolDown {
		r.healthy = true
		r.unhealthySince = time.Time{}
		t.log.Info("source cool-down elapsed, re-probing", logging.String("source", source))
		return true
	}
	return false
}

// Reset clears one source's error state unconditionally, regardless of
// cool-down. Used for user-triggered retries.
func (t *Tracker) Reset(source string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r := t.get(source)
	r.consecutiveErrors = 0
	r.healthy = true
	r.unhealthySince = time.Time{}
	t.log.Info("source health reset", logging.String("source", source))
}

// ResetAll clears every source's error state.
func (t *Tracker) ResetAll() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, r := range t.records {
		r.consecutiveErrors = 0
		r.healthy = true
		r.unhealthySince = time.Time{}
	}
	t.log.Info("all source health reset")
}

// Snapshot returns a copy of one source's record.
func (t *Tracker) Snapshot(source string) Record {
	t.mu.Lock()
	defer t.mu.Unlock()

	r := t.get(source)
	return Record{
		Source:            source,
		Healthy:           r.healthy,
		ConsecutiveErrors: r.consecutiveErrors,
		LastSuccess:       r.lastSuccess,
		AvgLatency:        r.avgLatency,
		UnhealthySince:    r.unhealthySince,
	}
}
