// -------------------------------------------------------------------------------
// SharedCache - Redis Tier Shared Across Instances
//
// Author: Alex Freidah
//
// Optional second cache tier backed by Redis. Every failure (transport,
// timeout, encoding, breaker open) is absorbed and reported to the caller as a
// miss or a no-op, so the request path never depends on Redis being up. A
// circuit breaker short-circuits calls while Redis is unreachable, which keeps
// transport retries from piling up behind a dead endpoint.
// -------------------------------------------------------------------------------

package cache

import (
	"context"
	"errors"
	"log/slog"
	"time"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker/v2"

	"github.com/afreidah/qr-landing/internal/config"
	"github.com/afreidah/qr-landing/internal/telemetry"
)

// SharedCache is the cross-instance cache contract. Implementations never
// return errors; failures surface as misses.
type SharedCache interface {
	Get(ctx context.Context, id string) (*Payload, bool)
	Set(ctx context.Context, id string, p *Payload, ttl time.Duration)
	Delete(ctx context.Context, id string)
	Close() error
}

// NewSharedCache returns a Redis-backed cache when enabled and a no-op cache
// otherwise. An unreachable Redis at startup is logged, not fatal.
func NewSharedCache(ctx context.Context, cfg config.RedisConfig) SharedCache {
	if !cfg.Enabled {
		return NoopSharedCache{}
	}
	rc := NewRedisCache(cfg)
	if err := rc.Ping(ctx); err != nil {
		slog.Warn("Shared cache unreachable at startup, serving without it until it recovers",
			"addr", cfg.Addr, "error", err)
	} else {
		slog.Info("Shared cache connected", "addr", cfg.Addr)
	}
	return rc
}

// -------------------------------------------------------------------------
// NO-OP
// -------------------------------------------------------------------------

// NoopSharedCache is used when Redis is disabled. Every Get misses.
type NoopSharedCache struct{}

func (NoopSharedCache) Get(context.Context, string) (*Payload, bool) { return nil, false }
func (NoopSharedCache) Set(context.Context, string, *Payload, time.Duration) {}
func (NoopSharedCache) Delete(context.Context, string) {}
func (NoopSharedCache) Close() error { return nil }

// -------------------------------------------------------------------------
// REDIS
// -------------------------------------------------------------------------

// sharedEntry is the value stored in Redis for one id.
type sharedEntry struct {
	ETag        string          `json:"etag"`
	OwnerActive bool            `json:"owner_active"`
	Body        json.RawMessage `json:"body"`
}

// RedisCache implements SharedCache on go-redis.
type RedisCache struct {
	client  *redis.Client
	prefix  string
	timeout time.Duration
	breaker *gobreaker.CircuitBreaker[[]byte]
}

// Compile-time checks.
var (
	_ SharedCache = (*RedisCache)(nil)
	_ SharedCache = NoopSharedCache{}
)

// NewRedisCache builds the client and its breaker without contacting Redis.
func NewRedisCache(cfg config.RedisConfig) *RedisCache {
	maxRetries := cfg.Retries()
	if maxRetries == 0 {
		maxRetries = -1 // go-redis treats 0 as "use the default of 3"
	}

	client := redis.NewClient(&redis.Options{
		Addr:            cfg.Addr,
		Password:        cfg.Password,
		DB:              cfg.DB,
		DialTimeout:     cfg.Timeout,
		ReadTimeout:     cfg.Timeout,
		WriteTimeout:    cfg.Timeout,
		MaxRetries:      maxRetries,
		MinRetryBackoff: cfg.MinRetryBackoff,
		MaxRetryBackoff: cfg.MaxRetryBackoff,
	})

	threshold := cfg.FailureThreshold
	breaker := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "shared-cache",
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful:  sharedCallSucceeded,
		OnStateChange: func(name string, from, to gobreaker.State) {
			telemetry.SharedCacheBreakerState.Set(float64(to))
			if to == gobreaker.StateOpen {
				slog.Warn("Shared cache circuit opened", "breaker", name, "from", from.String())
				return
			}
			slog.Info("Shared cache circuit transition", "breaker", name, "from", from.String(), "to", to.String())
		},
	})

	return &RedisCache{
		client:  client,
		prefix:  cfg.KeyPrefix,
		timeout: cfg.Timeout,
		breaker: breaker,
	}
}

// sharedCallSucceeded reports whether err leaves the breaker's view of Redis
// health unchanged. Misses and callers that went away are not Redis failures.
func sharedCallSucceeded(err error) bool {
	return err == nil || errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled)
}

// Ping checks connectivity.
func (r *RedisCache) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.client.Ping(ctx).Err()
}

// Get returns the cached payload for id, or false on miss or any failure.
func (r *RedisCache) Get(ctx context.Context, id string) (*Payload, bool) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	data, err := r.breaker.Execute(func() ([]byte, error) {
		return r.client.Get(ctx, r.key(id)).Bytes()
	})
	if errors.Is(err, redis.Nil) {
		return nil, false
	}
	if err != nil {
		r.absorb("get", id, err)
		return nil, false
	}

	p, err := decodeShared(data)
	if err != nil {
		r.absorb("decode", id, err)
		return nil, false
	}
	return p, true
}

// Set stores p under id with the given expiry.
func (r *RedisCache) Set(ctx context.Context, id string, p *Payload, ttl time.Duration) {
	data, err := json.Marshal(sharedEntry{
		ETag:        p.ETag,
		OwnerActive: p.Record.OwnerActive,
		Body:        p.Body,
	})
	if err != nil {
		r.absorb("encode", id, err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err = r.breaker.Execute(func() ([]byte, error) {
		return nil, r.client.Set(ctx, r.key(id), data, ttl).Err()
	})
	if err != nil {
		r.absorb("set", id, err)
	}
}

// Delete removes id.
func (r *RedisCache) Delete(ctx context.Context, id string) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.breaker.Execute(func() ([]byte, error) {
		return nil, r.client.Del(ctx, r.key(id)).Err()
	})
	if err != nil {
		r.absorb("delete", id, err)
	}
}

// Close releases the client's connections.
func (r *RedisCache) Close() error {
	return r.client.Close()
}

func (r *RedisCache) key(id string) string {
	return r.prefix + "landing:" + id
}

func (r *RedisCache) absorb(operation, id string, err error) {
	telemetry.SharedCacheErrorsTotal.WithLabelValues(operation).Inc()
	slog.Debug("Shared cache call failed", "operation", operation, "id", id, "error", err)
}

// decodeShared rebuilds a Payload from its Redis representation.
func decodeShared(data []byte) (*Payload, error) {
	var entry sharedEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, err
	}
	if len(entry.Body) == 0 || entry.ETag == "" {
		return nil, errors.New("incomplete shared cache entry")
	}

	p := &Payload{Body: []byte(entry.Body), ETag: entry.ETag}
	if err := json.Unmarshal(p.Body, &p.Record); err != nil {
		return nil, err
	}
	p.Record.OwnerActive = entry.OwnerActive
	return p, nil
}
