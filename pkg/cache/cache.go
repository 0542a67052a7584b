package cache

import (
	"context"
	"encoding/json"
	"path"
	"time"

	"github.com/go-redis/redis/v8"
	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/hookrelay/hookrelay/pkg/observability"
)

// entry is a local-tier cache entry. Entries are immutable once stored;
// writes replace them wholesale.
type entry struct {
	value     []byte
	expiresAt time.Time
}

func (e entry) expired(now time.Time) bool {
	return !now.Before(e.expiresAt)
}

// Options configures a Cache instance.
type Options struct {
	// LocalMaxEntries bounds the local tier's size.
	LocalMaxEntries int
	// LocalTTLCeiling caps how long any value may live in the local tier,
	// regardless of the requested TTL.
	LocalTTLCeiling time.Duration
	// SweepInterval is how often expired local entries are evicted.
	SweepInterval time.Duration
}

// DefaultOptions returns the options used in production.
func DefaultOptions() Options {
	return Options{
		LocalMaxEntries: 10000,
		LocalTTLCeiling: 5 * time.Minute,
		SweepInterval:   time.Minute,
	}
}

// Cache is a two-tier cache: a process-local LRU in front of an optional
// shared redis tier. A nil redis client disables the distributed tier.
type Cache struct {
	local   *lru.LRU[string, entry]
	redis   *redis.Client
	opts    Options
	logger  *observability.Logger
	metrics *observability.Metrics

	sweepStop chan struct{}
	sweepDone chan struct{}
}

// New creates a cache instance and starts its background sweep. Call
// Shutdown when done to stop the sweep goroutine.
func New(redisClient *redis.Client, opts Options, logger *observability.Logger, metrics *observability.Metrics) *Cache {
	if opts.LocalMaxEntries <= 0 {
		opts.LocalMaxEntries = DefaultOptions().LocalMaxEntries
	}
	if opts.LocalTTLCeiling <= 0 {
		opts.LocalTTLCeiling = DefaultOptions().LocalTTLCeiling
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultOptions().SweepInterval
	}

	c := &Cache{
		// The LRU's own TTL acts as the hard ceiling; shorter per-entry
		// expiries are enforced by the expiresAt stamp on each entry.
		local:     lru.NewLRU[string, entry](opts.LocalMaxEntries, nil, opts.LocalTTLCeiling),
		redis:     redisClient,
		opts:      opts,
		logger:    logger,
		metrics:   metrics,
		sweepStop: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}

	go c.sweepLoop()

	return c
}

// Get returns the cached value for key, or (nil, false) on a miss.
// Redis errors count as misses.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	now := time.Now()

	if e, ok := c.local.Get(key); ok {
		if !e.expired(now) {
			c.countHit("local")
			return e.value, true
		}
		c.local.Remove(key)
	}
	c.countMiss("local")

	if c.redis == nil {
		return nil, false
	}

	data, err := c.redis.Get(ctx, key).Bytes()
	if err == redis.Nil {
		c.countMiss("redis")
		return nil, false
	}
	if err != nil {
		c.swallow("get", err)
		return nil, false
	}
	c.countHit("redis")

	c.promote(ctx, key, data)
	return data, true
}

// promote copies a redis hit into the local tier. The local TTL is the
// remaining redis TTL capped by the ceiling, preserving the invariant
// local TTL <= distributed TTL.
func (c *Cache) promote(ctx context.Context, key string, data []byte) {
	ttl := c.opts.LocalTTLCeiling
	if remaining, err := c.redis.PTTL(ctx, key).Result(); err == nil && remaining > 0 && remaining < ttl {
		ttl = remaining
	}
	c.local.Add(key, entry{value: data, expiresAt: time.Now().Add(ttl)})
}

// Set writes the value to both tiers. A non-positive TTL expires the key
// immediately. Redis write failures degrade the key to local-only
// caching; the caller never sees them.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		c.Delete(ctx, key)
		return
	}

	localTTL := ttl
	if localTTL > c.opts.LocalTTLCeiling {
		localTTL = c.opts.LocalTTLCeiling
	}
	c.local.Add(key, entry{value: value, expiresAt: time.Now().Add(localTTL)})
	c.updateEntriesGauge()

	if c.redis == nil {
		return
	}
	if err := c.redis.Set(ctx, key, value, ttl).Err(); err != nil {
		c.swallow("set", err)
	}
}

// Delete removes the key from both tiers.
func (c *Cache) Delete(ctx context.Context, key string) {
	c.local.Remove(key)

	if c.redis == nil {
		return
	}
	if err := c.redis.Del(ctx, key).Err(); err != nil {
		c.swallow("delete", err)
	}
}

// DeletePattern removes every key matching the glob pattern from both
// tiers. The local tier has no pattern index, so its key set is iterated
// directly; the redis tier is walked with SCAN.
func (c *Cache) DeletePattern(ctx context.Context, pattern string) {
	for _, key := range c.local.Keys() {
		if ok, err := path.Match(pattern, key); err == nil && ok {
			c.local.Remove(key)
		}
	}

	if c.redis == nil {
		return
	}

	iter := c.redis.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		if err := c.redis.Del(ctx, iter.Val()).Err(); err != nil {
			c.swallow("delete_pattern", err)
		}
	}
	if err := iter.Err(); err != nil {
		c.swallow("delete_pattern", err)
	}
}

// Exists reports whether the key is present in either tier.
func (c *Cache) Exists(ctx context.Context, key string) bool {
	if e, ok := c.local.Get(key); ok && !e.expired(time.Now()) {
		return true
	}

	if c.redis == nil {
		return false
	}

	n, err := c.redis.Exists(ctx, key).Result()
	if err != nil {
		c.swallow("exists", err)
		return false
	}
	return n > 0
}

// GetJSON unmarshals the cached value for key into dest.
func (c *Cache) GetJSON(ctx context.Context, key string, dest interface{}) bool {
	data, ok := c.Get(ctx, key)
	if !ok {
		return false
	}
	if err := json.Unmarshal(data, dest); err != nil {
		// Corrupt entry: drop it from both tiers rather than serving it.
		c.logger.WithError(err).WithField("key", key).Warn("dropping corrupt cache entry")
		c.Delete(ctx, key)
		return false
	}
	return true
}

// SetJSON marshals value and stores it. A marshal failure is a local
// deterministic error and is returned to the caller.
func (c *Cache) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	c.Set(ctx, key, data, ttl)
	return nil
}

// Shutdown stops the background sweep. The cache remains usable after
// shutdown; only the periodic eviction stops.
func (c *Cache) Shutdown() {
	close(c.sweepStop)
	<-c.sweepDone
}

func (c *Cache) sweepLoop() {
	defer close(c.sweepDone)

	ticker := time.NewTicker(c.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.sweepStop:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

// sweep evicts local entries whose per-entry expiry has passed. The LRU's
// own ceiling TTL handles the rest.
func (c *Cache) sweep() {
	now := time.Now()
	for _, key := range c.local.Keys() {
		if e, ok := c.local.Peek(key); ok && e.expired(now) {
			c.local.Remove(key)
		}
	}
	c.updateEntriesGauge()
}

func (c *Cache) swallow(op string, err error) {
	c.logger.WithError(err).WithField("operation", op).Warn("distributed cache error (degrading to local tier)")
	if c.metrics != nil {
		c.metrics.CacheErrorsTotal.WithLabelValues(op).Inc()
	}
}

func (c *Cache) countHit(tier string) {
	if c.metrics != nil {
		c.metrics.CacheHitsTotal.WithLabelValues(tier).Inc()
	}
}

func (c *Cache) countMiss(tier string) {
	if c.metrics != nil {
		c.metrics.CacheMissesTotal.WithLabelValues(tier).Inc()
	}
}

func (c *Cache) updateEntriesGauge() {
	if c.metrics != nil {
		c.metrics.CacheEntries.Set(float64(c.local.Len()))
	}
}
