// Package cache provides a TTL + LRU cache with per-key stampede control and
// an optional shared second tier.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/kailas-cloud/docqa/internal/db"
)

// Outcome describes how GetOrCompute produced its value.
type Outcome struct {
	// Hit is true when the value came from the cache, not from fn.
	Hit bool
	// Shared is true when the caller joined another caller's in-flight computation.
	Shared bool
}

// Config holds cache settings.
type Config struct {
	// Name labels metrics and logs, e.g. "embedding" or "result".
	Name string
	TTL  time.Duration
	// MaxEntries bounds the local tier; the least recently used entry is evicted first.
	MaxEntries int
	// SweepInterval enables the active expiry sweeper started by Start. Zero disables it.
	SweepInterval time.Duration
	// ComputeTimeout bounds a detached computation after all callers left. Zero means unbounded.
	ComputeTimeout time.Duration
	// KeyPrefix namespaces keys in the backend.
	KeyPrefix string
	// Backend is an optional shared tier (Redis/Valkey).
	Backend Backend
	// Now is the clock; defaults to time.Now.
	Now     func() time.Time
	Logger  *zap.Logger
	Metrics *prometheus.CounterVec // labels: cache, result
}

type entry[V any] struct {
	value     V
	createdAt time.Time
	ttl       time.Duration
}

func (e entry[V]) expired(now time.Time) bool {
	return now.After(e.createdAt.Add(e.ttl))
}

// Cache is safe for concurrent use.
type Cache[V any] struct {
	cfg   Config
	codec Codec[V]

	mu  sync.Mutex
	lru *simplelru.LRU[string, entry[V]]

	group singleflight.Group

	startOnce sync.Once
	closeOnce sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// New creates a cache. codec is required only when cfg.Backend is set.
func New[V any](cfg Config, codec Codec[V]) (*Cache[V], error) {
	if cfg.TTL <= 0 {
		return nil, fmt.Errorf("cache %s: ttl must be positive", cfg.Name)
	}
	if cfg.MaxEntries <= 0 {
		return nil, fmt.Errorf("cache %s: max entries must be positive", cfg.Name)
	}
	if cfg.Backend != nil && codec == nil {
		return nil, fmt.Errorf("cache %s: backend requires a codec", cfg.Name)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	lru, err := simplelru.NewLRU[string, entry[V]](cfg.MaxEntries, nil)
	if err != nil {
		return nil, fmt.Errorf("cache %s: %w", cfg.Name, err)
	}

	return &Cache[V]{
		cfg:   cfg,
		codec: codec,
		lru:   lru,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}, nil
}

// Get returns a live value. Expired entries are removed and reported as absent.
func (c *Cache[V]) Get(ctx context.Context, key string) (V, bool) {
	v, ok := c.lookup(ctx, key)
	if ok {
		c.inc("hit")
	} else {
		c.inc("miss")
	}
	return v, ok
}

// Set stores value under key with the configured TTL.
func (c *Cache[V]) Set(ctx context.Context, key string, value V) {
	c.store(ctx, key, entry[V]{value: value, createdAt: c.cfg.Now(), ttl: c.cfg.TTL})
}

// Delete removes keys from both tiers.
func (c *Cache[V]) Delete(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}
	c.mu.Lock()
	for _, k := range keys {
		c.lru.Remove(k)
	}
	c.mu.Unlock()

	if c.cfg.Backend == nil {
		return
	}
	remote := make([]string, len(keys))
	for i, k := range keys {
		remote[i] = c.cfg.KeyPrefix + k
	}
	if err := c.cfg.Backend.Del(ctx, remote...); err != nil {
		c.cfg.Logger.Warn("Failed to delete cache entries from backend",
			zap.String("cache", c.cfg.Name), zap.Int("keys", len(keys)), zap.Error(err))
	}
}

// Len returns the number of entries in the local tier, expired ones included.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// GetOrCompute returns the cached value for key or computes it with fn.
// At most one fn runs per key at a time; concurrent callers wait for it and
// receive the same value or the same error. Errors are never stored.
//
// A caller whose ctx ends is released immediately with ctx.Err(). The
// computation keeps running on a detached context, bounded by ComputeTimeout,
// and still populates the cache for the remaining and future callers.
func (c *Cache[V]) GetOrCompute(
	ctx context.Context, key string, fn func(ctx context.Context) (V, error),
) (V, Outcome, error) {
	return c.GetOrComputeValid(ctx, key, fn, nil)
}

// GetOrComputeValid is GetOrCompute with a validity check on the computed
// value. valid runs once before the value is stored and once after; a value
// that fails either check is still returned to the waiting callers but is
// not kept in either tier. A nil valid accepts everything.
func (c *Cache[V]) GetOrComputeValid(
	ctx context.Context, key string, fn func(ctx context.Context) (V, error), valid func(V) bool,
) (V, Outcome, error) {
	var zero V
	if v, ok := c.lookup(ctx, key); ok {
		c.inc("hit")
		return v, Outcome{Hit: true}, nil
	}
	c.inc("miss")

	detached := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		// A flight that finished between lookup and DoChan may have stored it.
		if v, ok := c.lookup(detached, key); ok {
			return flight[V]{value: v, hit: true}, nil
		}

		cctx := detached
		if c.cfg.ComputeTimeout > 0 {
			var cancel context.CancelFunc
			cctx, cancel = context.WithTimeout(detached, c.cfg.ComputeTimeout)
			defer cancel()
		}

		v, err := fn(cctx)
		if err != nil {
			return nil, err
		}
		if valid != nil && !valid(v) {
			c.inc("discarded")
			return flight[V]{value: v}, nil
		}
		c.store(cctx, key, entry[V]{value: v, createdAt: c.cfg.Now(), ttl: c.cfg.TTL})
		// valid may have changed its mind while the value was being written.
		if valid != nil && !valid(v) {
			c.inc("discarded")
			c.Delete(cctx, key)
		}
		return flight[V]{value: v}, nil
	})

	select {
	case <-ctx.Done():
		c.inc("abandoned")
		return zero, Outcome{}, fmt.Errorf("cache %s: %w", c.cfg.Name, ctx.Err())
	case res := <-ch:
		if res.Shared {
			c.inc("shared")
		}
		if res.Err != nil {
			c.inc("error")
			return zero, Outcome{Shared: res.Shared}, res.Err
		}
		f, _ := res.Val.(flight[V])
		return f.value, Outcome{Hit: f.hit, Shared: res.Shared}, nil
	}
}

type flight[V any] struct {
	value V
	hit   bool
}

// Sweep removes expired local entries and returns how many were removed.
func (c *Cache[V]) Sweep() int {
	now := c.cfg.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for _, k := range c.lru.Keys() {
		e, ok := c.lru.Peek(k)
		if ok && e.expired(now) {
			c.lru.Remove(k)
			removed++
		}
	}
	if removed > 0 && c.cfg.Metrics != nil {
		c.cfg.Metrics.WithLabelValues(c.cfg.Name, "expired").Add(float64(removed))
	}
	return removed
}

// Start launches the background sweeper if SweepInterval is set. Idempotent.
func (c *Cache[V]) Start() {
	c.startOnce.Do(func() {
		if c.cfg.SweepInterval <= 0 {
			close(c.done)
			return
		}
		go c.sweepLoop()
	})
}

// Close stops the sweeper. Idempotent.
func (c *Cache[V]) Close() {
	c.closeOnce.Do(func() {
		close(c.stop)
	})
	c.startOnce.Do(func() { close(c.done) })
	<-c.done
}

func (c *Cache[V]) sweepLoop() {
	defer close(c.done)

	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			if n := c.Sweep(); n > 0 {
				c.cfg.Logger.Debug("Swept expired cache entries",
					zap.String("cache", c.cfg.Name), zap.Int("removed", n))
			}
		}
	}
}

func (c *Cache[V]) lookup(ctx context.Context, key string) (V, bool) {
	now := c.cfg.Now()

	c.mu.Lock()
	e, ok := c.lru.Get(key)
	if ok && e.expired(now) {
		c.lru.Remove(key)
		ok = false
	}
	c.mu.Unlock()

	if ok {
		return e.value, true
	}
	return c.lookupBackend(ctx, key, now)
}

func (c *Cache[V]) lookupBackend(ctx context.Context, key string, now time.Time) (V, bool) {
	var zero V
	if c.cfg.Backend == nil {
		return zero, false
	}

	data, err := c.cfg.Backend.Get(ctx, c.cfg.KeyPrefix+key)
	if err != nil {
		if !errors.Is(err, db.ErrKeyNotFound) {
			c.cfg.Logger.Warn("Failed to read cache backend",
				zap.String("cache", c.cfg.Name), zap.String("key", key), zap.Error(err))
		}
		return zero, false
	}

	createdAt, ttl, payload, err := decodeEnvelope(data)
	if err != nil {
		c.cfg.Logger.Warn("Failed to parse cache envelope",
			zap.String("cache", c.cfg.Name), zap.String("key", key), zap.Error(err))
		return zero, false
	}
	e := entry[V]{createdAt: createdAt, ttl: ttl}
	if e.expired(now) {
		return zero, false
	}

	v, err := c.codec.Decode(payload)
	if err != nil {
		c.cfg.Logger.Warn("Failed to decode cached value",
			zap.String("cache", c.cfg.Name), zap.String("key", key), zap.Error(err))
		return zero, false
	}
	e.value = v

	c.storeLocal(key, e)
	return v, true
}

func (c *Cache[V]) store(ctx context.Context, key string, e entry[V]) {
	c.storeLocal(key, e)

	if c.cfg.Backend == nil {
		return
	}
	remaining := e.ttl - c.cfg.Now().Sub(e.createdAt)
	if remaining <= 0 {
		return
	}
	payload, err := c.codec.Encode(e.value)
	if err != nil {
		c.cfg.Logger.Warn("Failed to encode cache value",
			zap.String("cache", c.cfg.Name), zap.String("key", key), zap.Error(err))
		return
	}
	data := encodeEnvelope(e.createdAt, e.ttl, payload)
	if err := c.cfg.Backend.SetWithTTL(ctx, c.cfg.KeyPrefix+key, data, remaining); err != nil {
		c.cfg.Logger.Warn("Failed to write cache backend",
			zap.String("cache", c.cfg.Name), zap.String("key", key), zap.Error(err))
	}
}

func (c *Cache[V]) storeLocal(key string, e entry[V]) {
	c.mu.Lock()
	evicted := c.lru.Add(key, e)
	c.mu.Unlock()
	if evicted {
		c.inc("evicted")
	}
}

func (c *Cache[V]) inc(result string) {
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.WithLabelValues(c.cfg.Name, result).Inc()
	}
}
