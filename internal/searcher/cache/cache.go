// Package cache keeps combined query results in Redis. Identical queries
// arriving together are collapsed with singleflight, and a circuit breaker
// keeps queries working on the index alone while Redis is unreachable.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/rafaeelaudibert/federal-worker-blamer/pkg/config"
	"github.com/rafaeelaudibert/federal-worker-blamer/pkg/metrics"
	"github.com/rafaeelaudibert/federal-worker-blamer/pkg/resilience"
)

const (
	keyPrefix = "fwb:query:"
	// generationKey counts invalidations. Entries are keyed by the generation
	// read before their result was computed, so a result computed before an
	// invalidation is never served after it.
	generationKey = "fwb:query-generation"
)

// Backend is the subset of the Redis client the cache uses.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Incr(ctx context.Context, key string) (int64, error)
	DeleteByPattern(ctx context.Context, pattern string) (int64, error)
}

type QueryCache struct {
	backend Backend
	ttl     time.Duration
	group   singleflight.Group
	breaker *resilience.Breaker
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func New(backend Backend, cfg config.RedisConfig, m *metrics.Metrics) *QueryCache {
	return &QueryCache{
		backend: backend,
		ttl:     cfg.CacheTTL,
		breaker: resilience.NewBreaker("query-cache", resilience.BreakerConfig{
			FailureThreshold: 3,
			ResetTimeout:     30 * time.Second,
			CallTimeout:      250 * time.Millisecond,
		}),
		metrics: m,
		logger:  slog.Default().With("component", "query-cache"),
	}
}

// GetOrCompute returns the cached ids for key, or runs compute once for all
// concurrent callers with the same key and stores its result. While Redis is
// unreachable every call computes and nothing is stored.
func (c *QueryCache) GetOrCompute(ctx context.Context, key string, compute func() ([]uint32, error)) ([]uint32, bool, error) {
	gen, ok := c.generation(ctx)
	if !ok {
		c.metrics.ObserveCache(false)
		ids, err := compute()
		return ids, false, err
	}
	cacheKey := buildKey(gen, key)
	if ids, ok := c.get(ctx, cacheKey); ok {
		c.metrics.ObserveCache(true)
		return ids, true, nil
	}
	c.metrics.ObserveCache(false)
	val, err, _ := c.group.Do(cacheKey, func() (any, error) {
		ids, err := compute()
		if err != nil {
			return nil, err
		}
		c.set(ctx, cacheKey, ids)
		return ids, nil
	})
	if err != nil {
		return nil, false, err
	}
	return val.([]uint32), false, nil
}

// Invalidate drops every cached query. Inserts and rebuilds call it. The
// generation is bumped first so that results still being computed land on
// keys no reader asks for.
func (c *QueryCache) Invalidate(ctx context.Context) error {
	var gen, deleted int64
	err := c.breaker.Do(ctx, func(ctx context.Context) error {
		var err error
		if gen, err = c.backend.Incr(ctx, generationKey); err != nil {
			return err
		}
		deleted, err = c.backend.DeleteByPattern(ctx, keyPrefix+"*")
		return err
	})
	if err != nil {
		return fmt.Errorf("invalidating query cache: %w", err)
	}
	c.logger.Info("cache invalidated", "generation", gen, "keys_deleted", deleted)
	return nil
}

// generation reads the current invalidation count. ok is false when Redis
// cannot be asked.
func (c *QueryCache) generation(ctx context.Context) (int64, bool) {
	var data []byte
	var found bool
	err := c.breaker.Do(ctx, func(ctx context.Context) error {
		var err error
		data, found, err = c.backend.Get(ctx, generationKey)
		return err
	})
	if err != nil {
		if !errors.Is(err, resilience.ErrOpen) {
			c.logger.Warn("cache generation read failed", "error", err)
		}
		return 0, false
	}
	if !found {
		return 0, true
	}
	gen, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		c.logger.Warn("cache generation unreadable", "value", string(data))
		return 0, false
	}
	return gen, true
}

func (c *QueryCache) get(ctx context.Context, cacheKey string) ([]uint32, bool) {
	var data []byte
	var found bool
	err := c.breaker.Do(ctx, func(ctx context.Context) error {
		var err error
		data, found, err = c.backend.Get(ctx, cacheKey)
		return err
	})
	if err != nil {
		if !errors.Is(err, resilience.ErrOpen) {
			c.logger.Warn("cache get failed", "error", err)
		}
		return nil, false
	}
	if !found {
		return nil, false
	}
	ids, err := decodeIDs(data)
	if err != nil {
		c.logger.Warn("cache entry unreadable", "error", err)
		return nil, false
	}
	return ids, true
}

func (c *QueryCache) set(ctx context.Context, cacheKey string, ids []uint32) {
	err := c.breaker.Do(ctx, func(ctx context.Context) error {
		return c.backend.Set(ctx, cacheKey, encodeIDs(ids), c.ttl)
	})
	if err != nil && !errors.Is(err, resilience.ErrOpen) {
		c.logger.Warn("cache set failed", "error", err)
	}
}

func buildKey(gen int64, key string) string {
	hash := sha256.Sum256([]byte(key))
	return fmt.Sprintf("%s%d:%x", keyPrefix, gen, hash[:16])
}

// Entries are the ids as consecutive little-endian uint32 values.
func encodeIDs(ids []uint32) []byte {
	buf := make([]byte, 0, 4*len(ids))
	for _, id := range ids {
		buf = binary.LittleEndian.AppendUint32(buf, id)
	}
	return buf
}

func decodeIDs(data []byte) ([]uint32, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("entry length %d is not a multiple of 4", len(data))
	}
	ids := make([]uint32, len(data)/4)
	for i := range ids {
		ids[i] = binary.LittleEndian.Uint32(data[4*i:])
	}
	return ids, nil
}
