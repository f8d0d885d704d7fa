package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/radinamri79/sorooshx-exchange-web-sub000/pkg/market"
)

// MirrorEntry is one restored record from a durable mirror.
type MirrorEntry struct {
	Kind      market.DataKind
	Key       string
	Payload   json.RawMessage
	FetchedAt time.Time
}

// Mirror is the durable backing store for last-known-good values. Writes are
// best-effort; the in-memory cache never blocks on mirror failures.
type Mirror interface {
	Store(ctx context.Context, kind market.DataKind, key string, payload json.RawMessage, fetchedAt time.Time, ttl time.Duration) error
	Load(ctx context.Context) ([]MirrorEntry, error)
	Close() error
}

const redisKeyPrefix = "lkg:"

type redisEnvelope struct {
	Payload   json.RawMessage `json:"payload"`
	FetchedAt time.Time       `json:"fetchedAt"`
}

// RedisMirror persists entries as TTL'd keys "lkg:{kind}:{requestKey}".
type RedisMirror struct {
	rdb *redis.Client
}

// RedisConfig holds connection settings for the mirror.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisMirror connects and pings the server so a misconfigured mirror is
// caught at startup, not on the first best-effort write.
func NewRedisMirror(cfg RedisConfig) (*RedisMirror, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("mirror: redis ping failed: %w", err)
	}
	return &RedisMirror{rdb: rdb}, nil
}

func (m *RedisMirror) Store(ctx context.Context, kind market.DataKind, key string, payload json.RawMessage, fetchedAt time.Time, ttl time.Duration) error {
	data, err := json.Marshal(redisEnvelope{Payload: payload, FetchedAt: fetchedAt})
	if err != nil {
		return fmt.Errorf("mirror: marshal: %w", err)
	}
	rkey := redisKeyPrefix + string(kind) + ":" + key
	if err := m.rdb.Set(ctx, rkey, data, ttl).Err(); err != nil {
		return fmt.Errorf("mirror: set %s: %w", rkey, err)
	}
	return nil
}

func (m *RedisMirror) Load(ctx context.Context) ([]MirrorEntry, error) {
	var out []MirrorEntry
	iter := m.rdb.Scan(ctx, 0, redisKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		rkey := iter.Val()
		val, err := m.rdb.Get(ctx, rkey).Bytes()
		if err == redis.Nil {
			continue
		} else if err != nil {
			return nil, fmt.Errorf("mirror: get %s: %w", rkey, err)
		}

		var env redisEnvelope
		if err := json.Unmarshal(val, &env); err != nil {
			continue // tolerate corrupt records
		}

		kind, key, ok := splitMirrorKey(rkey)
		if !ok {
			continue
		}
		out = append(out, MirrorEntry{
			Kind:      kind,
			Key:       key,
			Payload:   env.Payload,
			FetchedAt: env.FetchedAt,
		})
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("mirror: scan: %w", err)
	}
	return out, nil
}

func splitMirrorKey(rkey string) (market.DataKind, string, bool) {
	rest := rkey[len(redisKeyPrefix):]
	for i := 0; i < len(rest); i++ {
		if rest[i] == ':' {
			return market.DataKind(rest[:i]), rest[i+1:], true
		}
	}
	return "", "", false
}

func (m *RedisMirror) Close() error {
	return m.rdb.Close()
}
