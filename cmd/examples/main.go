package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/shopspring/decimal"

	"github.com/radinamri79/sorooshx-exchange-web-sub000/pkg/cache"
	"github.com/radinamri79/sorooshx-exchange-web-sub000/pkg/config"
	"github.com/radinamri79/sorooshx-exchange-web-sub000/pkg/failover"
	"github.com/radinamri79/sorooshx-exchange-web-sub000/pkg/health"
	"github.com/radinamri79/sorooshx-exchange-web-sub000/pkg/logging"
	"github.com/radinamri79/sorooshx-exchange-web-sub000/pkg/market"
	"github.com/radinamri79/sorooshx-exchange-web-sub000/pkg/sources"
	"github.com/radinamri79/sorooshx-exchange-web-sub000/pkg/stream"
	"github.com/radinamri79/sorooshx-exchange-web-sub000/pkg/trading"
)

func main() {
	cfg, err := config.Load(os.Getenv("SOROOSHX_CONFIG"))
	if err != nil {
		panic(err)
	}

	logger := logging.New(cfg.LogLevel)
	defer logging.Sync(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Last-known-good cache, mirrored to Redis when configured.
	var cacheOpts []cache.Option
	if cfg.Redis.Addr != "" {
		mirror, err := cache.NewRedisMirror(cache.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			logger.Warn("redis mirror unavailable, running in-memory only", logging.Error(err))
		} else {
			cacheOpts = append(cacheOpts, cache.WithMirror(mirror))
		}
	}
	store := cache.New(logger, cacheOpts...)
	defer store.Close()
	store.StartSweeper(ctx, cache.MaxAge(market.KindTicker))

	tracker := health.NewTracker(logger)

	// Ranked REST adapters and their streaming dialects.
	ranked := make([]sources.Source, 0, len(cfg.Sources))
	adapters := make(map[string]sources.Adapter, len(cfg.Sources))
	var dialects []sources.StreamDialect
	for _, src := range cfg.Sources {
		ranked = append(ranked, sources.Source{Name: src.Name, Rank: src.Rank, REST: src.REST, WS: src.WS})
		switch src.Name {
		case "binance":
			adapters[src.Name] = sources.NewBinance(&sources.BinanceConfig{Logger: logger})
			if src.WS {
				dialects = append(dialects, sources.NewBinanceDialect(""))
			}
		case "okx":
			adapters[src.Name] = sources.NewOKX(&sources.OKXConfig{Logger: logger})
			if src.WS {
				dialects = append(dialects, sources.NewOKXDialect(""))
			}
		case "bybit":
			adapters[src.Name] = sources.NewBybit(&sources.BybitConfig{Logger: logger})
			if src.WS {
				dialects = append(dialects, sources.NewBybitDialect(""))
			}
		default:
			logger.Warn("unknown source in config, skipping", logging.String("source", src.Name))
		}
	}

	orchestrator, err := failover.New(failover.Config{
		Ranked:        ranked,
		Adapters:      adapters,
		Health:        tracker,
		Cache:         store,
		SourceTimeout: cfg.SourceTimeout,
		Logger:        logger,
	})
	if err != nil {
		logger.Error("orchestrator setup failed", logging.Error(err))
		os.Exit(1)
	}
	orchestrator.StartProbes(ctx, cfg.ProbeInterval)

	// Paper trading engine doubles as the pinned account venue.
	engine := trading.NewEngine(logger, cfg.Symbols...)
	account := failover.NewAccountGateway(engine, store, logger)

	manager, err := stream.NewManager(stream.Config{
		Dialects: dialects,
		Health:   tracker,
		Logger:   logger,
	})
	if err != nil {
		logger.Error("stream setup failed", logging.Error(err))
		os.Exit(1)
	}
	defer manager.Close()

	manager.OnStatusChange(func(s stream.Status) {
		logger.Info("stream status",
			logging.String("state", string(s.State)),
			logging.String("source", s.Source),
		)
	})

	// Live tickers drive both the log and the paper engine's mark prices.
	for _, symbol := range cfg.Symbols {
		dispose, err := manager.Subscribe(sources.TickerKey(symbol), func(e market.Event) {
			logger.Info("ticker",
				logging.String("symbol", e.Ticker.Symbol),
				logging.String("source", e.Source),
				logging.Float64("last", e.Ticker.LastPrice),
				logging.Float64("pct", e.Ticker.PriceChangePercent),
			)
			engine.MarkPrice(e.Ticker.Symbol, decimal.NewFromFloat(e.Ticker.LastPrice))
		})
		if err != nil {
			logger.Error("subscribe failed", logging.String("symbol", symbol), logging.Error(err))
			os.Exit(1)
		}
		defer dispose()
	}

	// One REST round through the failover path.
	res, err := orchestrator.Ticker(ctx, cfg.Symbols[0])
	if err != nil {
		logger.Warn("rest ticker unavailable", logging.Error(err))
	} else {
		logger.Info("rest ticker",
			logging.String("symbol", res.Value.Symbol),
			logging.String("source", res.Meta.Source),
			logging.String("reality", string(res.Meta.Reality)),
			logging.Float64("last", res.Value.LastPrice),
			logging.Float64("confidence", res.Meta.Confidence),
		)
	}

	snap, err := account.Snapshot(ctx)
	if err != nil {
		logger.Warn("account unavailable", logging.Error(err))
	} else {
		logger.Info("account",
			logging.String("venue", snap.Value.Venue),
			logging.Float64("balance", snap.Value.Balance),
			logging.String("reality", string(snap.Meta.Reality)),
		)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	logger.Info("running... press Ctrl+C to exit")
	<-sigChan

	logger.Info("shutting down")
}
