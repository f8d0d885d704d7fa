package failover

import (
	"context"
	"fmt"
	"time"

	"github.com/radinamri79/sorooshx-exchange-web-sub000/pkg/cache"
	"github.com/radinamri79/sorooshx-exchange-web-sub000/pkg/logging"
	"github.com/radinamri79/sorooshx-exchange-web-sub000/pkg/market"
	"github.com/radinamri79/sorooshx-exchange-web-sub000/pkg/sources"
)

// AccountGateway serves account data from one pinned venue. Account state is
// venue-specific truth, so it never fails over to another exchange: when the
// pinned venue is down, the gateway serves a snapshot no older than the
// account max age, clearly labelled cached, and past that it propagates the
// fetch error.
type AccountGateway struct {
	venue   sources.AccountAdapter
	cache   *cache.Cache
	timeout time.Duration
	logger  logging.Logger
	now     func() time.Time
}

func NewAccountGateway(venue sources.AccountAdapter, store *cache.Cache, log logging.Logger) *AccountGateway {
	if log == nil {
		log = logging.NewNop()
	}
	if store == nil {
		store = cache.New(log)
	}
	return &AccountGateway{
		venue:   venue,
		cache:   store,
		timeout: DefaultSourceTimeout,
		logger:  log,
		now:     time.Now,
	}
}

// Snapshot fetches the current account state. On a live failure it falls back
// to the cached snapshot within the account max age; an older snapshot is
// never served.
func (g *AccountGateway) Snapshot(ctx context.Context) (Result[sources.AccountSnapshot], error) {
	fetchCtx, cancel := context.WithTimeout(ctx, g.timeout)
	snap, err := g.venue.Account(fetchCtx)
	cancel()
	if err == nil {
		g.cache.Put(market.KindAccount, g.venue.Name(), snap)
		return Result[sources.AccountSnapshot]{
			Value: snap,
			Meta:  market.MetaFor(g.venue.Name(), market.RealityReal, g.now(), g.now()),
		}, nil
	}

	var cached sources.AccountSnapshot
	if meta, ok := g.cache.Fresh(market.KindAccount, g.venue.Name(), g.venue.Name(), &cached); ok {
		g.logger.Warn("account fetch failed, serving recent snapshot",
			logging.String("venue", g.venue.Name()),
			logging.Duration("age", meta.Age),
			logging.Error(err),
		)
		return Result[sources.AccountSnapshot]{Value: &cached, Meta: meta}, nil
	}

	return Result[sources.AccountSnapshot]{Meta: market.Unavailable()},
		fmt.Errorf("account %s: %w", g.venue.Name(), err)
}
