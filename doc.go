// Package sorooshx is a market data resilience layer for crypto exchange
// frontends. It keeps prices on screen when individual exchanges misbehave:
// one multiplexed WebSocket feed that hops across ranked sources, a REST
// failover orchestrator backed by a last-known-good cache, per-source health
// tracking, and freshness labelling so a consumer can always tell live data
// from a cached value from nothing at all. A paper trading engine consumes
// the feed for simulated fills.
//
// See the packages under pkg/ for the individual components and cmd/examples
// for an end-to-end wiring.
package sorooshx
