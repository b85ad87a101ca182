package blacklist

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/rawblock/fraud-engine/pkg/models"
)

// negativeSentinel caches "address not listed" so hot clean addresses don't
// hammer PostgreSQL on every transaction.
const negativeSentinel = "-"

// CachedStore is a Redis read-through decorator over another Store. Cache
// failures are soft: every Redis error falls through to the inner store, so
// a dead cache only costs latency, never correctness.
type CachedStore struct {
	inner Store
	rdb   *redis.Client
	ttl   time.Duration
	log   *zap.Logger
}

// NewCachedStore wraps inner with a Redis cache.
func NewCachedStore(inner Store, rdb *redis.Client, ttl time.Duration, log *zap.Logger) *CachedStore {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &CachedStore{inner: inner, rdb: rdb, ttl: ttl, log: log}
}

func cacheKey(addr string) string { return "blacklist:" + models.NormalizeAddress(addr) }

// Lookup implements Store.
func (c *CachedStore) Lookup(ctx context.Context, address string) (*models.BlacklistEntry, error) {
	key := cacheKey(address)

	if raw, err := c.rdb.Get(ctx, key).Result(); err == nil {
		if raw == negativeSentinel {
			return nil, nil
		}
		var entry models.BlacklistEntry
		if err := json.Unmarshal([]byte(raw), &entry); err == nil {
			return &entry, nil
		}
		// Corrupt cache value: drop it and fall through.
		c.rdb.Del(ctx, key)
	} else if err != redis.Nil && c.log != nil {
		c.log.Warn("blacklist cache read failed", zap.Error(err))
	}

	entry, err := c.inner.Lookup(ctx, address)
	if err != nil {
		return nil, err
	}

	val := negativeSentinel
	if entry != nil {
		if raw, merr := json.Marshal(entry); merr == nil {
			val = string(raw)
		}
	}
	if err := c.rdb.Set(ctx, key, val, c.ttl).Err(); err != nil && c.log != nil {
		c.log.Warn("blacklist cache write failed", zap.Error(err))
	}
	return entry, nil
}

// ListActive implements Store. Listings are admin-path, not hot-path, so
// they bypass the cache.
func (c *CachedStore) ListActive(ctx context.Context) ([]models.BlacklistEntry, error) {
	return c.inner.ListActive(ctx)
}

// Invalidate drops a cached address after out-of-band list curation.
func (c *CachedStore) Invalidate(ctx context.Context, address string) {
	if err := c.rdb.Del(ctx, cacheKey(address)).Err(); err != nil && c.log != nil {
		c.log.Warn("blacklist cache invalidation failed", zap.Error(err))
	}
}
