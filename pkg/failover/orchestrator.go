// Package failover fetches REST market data through a ranked list of
// exchange sources. Each fetch walks the ranking, skipping sources the health
// tracker marks unhealthy, and falls back to the last-known-good cache when
// every source fails. Values are never fabricated: the caller always receives
// real data, a cached value labelled as such, or an explicit error.
package failover

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/radinamri79/sorooshx-exchange-web-sub000/pkg/cache"
	"github.com/radinamri79/sorooshx-exchange-web-sub000/pkg/health"
	"github.com/radinamri79/sorooshx-exchange-web-sub000/pkg/logging"
	"github.com/radinamri79/sorooshx-exchange-web-sub000/pkg/market"
	"github.com/radinamri79/sorooshx-exchange-web-sub000/pkg/sources"
)

// DefaultSourceTimeout bounds one source attempt so a hanging venue cannot
// stall the whole fetch.
const DefaultSourceTimeout = 5 * time.Second

// Result pairs a fetched value with its provenance. When Meta.Reality is
// unavailable, Value is nil.
type Result[T any] struct {
	Value *T
	Meta  market.Meta
}

// Orchestrator is the REST failover engine. It is safe for concurrent use.
type Orchestrator struct {
	ranked   []sources.Source
	adapters map[string]sources.Adapter
	health   *health.Tracker
	cache    *cache.Cache
	timeout  time.Duration
	logger   logging.Logger
	now      func() time.Time
}

// Config wires the orchestrator. Ranked and Adapters are required; the rest
// default sensibly.
type Config struct {
	Ranked        []sources.Source
	Adapters      map[string]sources.Adapter
	Health        *health.Tracker
	Cache         *cache.Cache
	SourceTimeout time.Duration
	Logger        logging.Logger
}

func New(cfg Config) (*Orchestrator, error) {
	if len(cfg.Ranked) == 0 {
		return nil, fmt.Errorf("failover: no sources configured")
	}
	for _, src := range cfg.Ranked {
		if _, ok := cfg.Adapters[src.Name]; !ok {
			return nil, fmt.Errorf("failover: no adapter for source %q", src.Name)
		}
	}
	o := &Orchestrator{
		ranked:   append([]sources.Source(nil), cfg.Ranked...),
		adapters: cfg.Adapters,
		health:   cfg.Health,
		cache:    cfg.Cache,
		timeout:  cfg.SourceTimeout,
		logger:   cfg.Logger,
		now:      time.Now,
	}
	sort.SliceStable(o.ranked, func(i, j int) bool { return o.ranked[i].Rank < o.ranked[j].Rank })
	if o.timeout <= 0 {
		o.timeout = DefaultSourceTimeout
	}
	if o.logger == nil {
		o.logger = logging.NewNop()
	}
	if o.health == nil {
		o.health = health.NewTracker(o.logger)
	}
	if o.cache == nil {
		o.cache = cache.New(o.logger)
	}
	return o, nil
}

// Health exposes the shared tracker, also consumed by the stream manager.
func (o *Orchestrator) Health() *health.Tracker { return o.health }

// Cache exposes the last-known-good store.
func (o *Orchestrator) Cache() *cache.Cache { return o.cache }

// fetch walks the ranked sources for one request. On success the value is
// validated, cached and returned as reality=real. When every source fails or
// is skipped, the cache is consulted within the kind's max age; past that the
// result is reality=unavailable with an ExhaustionError.
func fetch[T any](ctx context.Context, o *Orchestrator, kind market.DataKind, requestKey string,
	call func(context.Context, sources.Adapter) (*T, error)) (Result[T], error) {

	var attempts []Attempt
	for _, src := range o.ranked {
		if !src.REST {
			continue
		}
		if !o.health.Healthy(src.Name) {
			o.logger.Debug("skipping unhealthy source",
				logging.String("source", src.Name),
				logging.String("kind", string(kind)),
			)
			continue
		}

		adapter := o.adapters[src.Name]
		attemptCtx, cancel := context.WithTimeout(ctx, o.timeout)
		start := o.now()
		value, err := call(attemptCtx, adapter)
		cancel()

		if err == nil {
			err = validate(kind, value)
		}
		if err != nil {
			o.health.Failure(src.Name)
			attempts = append(attempts, Attempt{Source: src.Name, Err: err})
			o.logger.Warn("source fetch failed",
				logging.String("source", src.Name),
				logging.String("kind", string(kind)),
				logging.String("key", requestKey),
				logging.Error(err),
			)
			if ctx.Err() != nil {
				break
			}
			continue
		}

		o.health.Success(src.Name, o.now().Sub(start))
		o.cache.Put(kind, requestKey, value)
		return Result[T]{
			Value: value,
			Meta:  market.MetaFor(src.Name, market.RealityReal, o.now(), o.now()),
		}, nil
	}

	var cached T
	if meta, ok := o.cache.Fresh(kind, requestKey, "cache", &cached); ok {
		o.logger.Info("serving last-known-good value",
			logging.String("kind", string(kind)),
			logging.String("key", requestKey),
			logging.Duration("age", meta.Age),
		)
		return Result[T]{Value: &cached, Meta: meta}, nil
	}

	return Result[T]{Meta: market.Unavailable()}, &ExhaustionError{Kind: kind, Key: requestKey, Attempts: attempts}
}

// validate applies the plausibility checks for the fetched kind. Implausible
// data counts as a source failure so the walk moves on.
func validate(kind market.DataKind, v any) error {
	switch kind {
	case market.KindTicker:
		return market.ValidateTicker(v.(*market.Ticker))
	case market.KindKline:
		return market.ValidateKlines(v.(*market.KlineSeries))
	case market.KindOrderBook:
		return market.ValidateOrderBook(v.(*market.OrderBook))
	case market.KindFunding:
		return market.ValidateFundingRate(v.(*market.FundingRate))
	case market.KindMarkPrice:
		return market.ValidateMarkPrice(v.(*market.MarkPrice))
	}
	return nil
}

func (o *Orchestrator) Ticker(ctx context.Context, symbol string) (Result[market.Ticker], error) {
	return fetch(ctx, o, market.KindTicker, strings.ToLower(symbol),
		func(ctx context.Context, a sources.Adapter) (*market.Ticker, error) {
			return a.Ticker(ctx, symbol)
		})
}

func (o *Orchestrator) Klines(ctx context.Context, symbol, interval string, limit int) (Result[market.KlineSeries], error) {
	key := strings.ToLower(symbol) + "|" + interval
	return fetch(ctx, o, market.KindKline, key,
		func(ctx context.Context, a sources.Adapter) (*market.KlineSeries, error) {
			return a.Klines(ctx, symbol, interval, limit)
		})
}

func (o *Orchestrator) OrderBook(ctx context.Context, symbol string, depth int) (Result[market.OrderBook], error) {
	return fetch(ctx, o, market.KindOrderBook, strings.ToLower(symbol),
		func(ctx context.Context, a sources.Adapter) (*market.OrderBook, error) {
			return a.OrderBook(ctx, symbol, depth)
		})
}

func (o *Orchestrator) FundingRate(ctx context.Context, symbol string) (Result[market.FundingRate], error) {
	return fetch(ctx, o, market.KindFunding, strings.ToLower(symbol),
		func(ctx context.Context, a sources.Adapter) (*market.FundingRate, error) {
			return a.FundingRate(ctx, symbol)
		})
}

func (o *Orchestrator) MarkPrice(ctx context.Context, symbol string) (Result[market.MarkPrice], error) {
	return fetch(ctx, o, market.KindMarkPrice, strings.ToLower(symbol),
		func(ctx context.Context, a sources.Adapter) (*market.MarkPrice, error) {
			return a.MarkPrice(ctx, symbol)
		})
}

// StartProbes pings every source on the given interval until ctx is done.
// A successful probe feeds the health tracker, so a recovered venue regains
// its rank without waiting for live traffic to discover it.
func (o *Orchestrator) StartProbes(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				o.probeAll(ctx)
			}
		}
	}()
}

func (o *Orchestrator) probeAll(ctx context.Context) {
	for _, src := range o.ranked {
		adapter := o.adapters[src.Name]
		probeCtx, cancel := context.WithTimeout(ctx, o.timeout)
		start := o.now()
		err := adapter.Ping(probeCtx)
		cancel()
		if err != nil {
			o.health.Failure(src.Name)
			continue
		}
		o.health.Success(src.Name, o.now().Sub(start))
	}
}
