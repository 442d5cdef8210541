// Package cache memoizes analytics responses in process memory with a
// TTL per entry. Keys are coarse strings joined from every request
// parameter plus a per-release version counter, so a successful import
// makes every stale entry unreachable without explicit invalidation.
package cache

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DefaultTTL applies to all analytics endpoints.
const DefaultTTL = 300 * time.Second

var (
	cacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "testpulse_cache_hits_total",
		Help: "number of analytics cache hits",
	})
	cacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "testpulse_cache_misses_total",
		Help: "number of analytics cache misses",
	})
)

func init() {
	prometheus.MustRegister(cacheHits, cacheMisses)
}

type entry struct {
	value   interface{}
	expires time.Time
}

// Cache is the in-process TTL map plus the release version counters.
type Cache struct {
	mu       sync.Mutex
	entries  map[string]entry
	versions map[string]uint64
	now      func() time.Time
}

// New builds an empty cache.
func New() *Cache {
	return &Cache{
		entries:  map[string]entry{},
		versions: map[string]uint64{},
		now:      time.Now,
	}
}

// Key joins request-defining parameters into a cache key, prefixed by
// the release's current version counter.
func (c *Cache) Key(releaseName string, parts ...string) string {
	c.mu.Lock()
	version := c.versions[releaseName]
	c.mu.Unlock()
	return fmt.Sprintf("v%d|%s|%s", version, releaseName, strings.Join(parts, "|"))
}

// BumpRelease increments the release's version counter; every key built
// before the bump becomes unreachable.
func (c *Cache) BumpRelease(releaseName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.versions[releaseName]++
}

// Get returns the live value under key, if any.
func (c *Cache) Get(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cached, ok := c.entries[key]
	if !ok || c.now().After(cached.expires) {
		delete(c.entries, key)
		cacheMisses.Inc()
		return nil, false
	}
	cacheHits.Inc()
	return cached.value, true
}

// Set stores value under key for ttl.
func (c *Cache) Set(key string, value interface{}, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry{value: value, expires: c.now().Add(ttl)}
}

// GetOrFill returns the cached value under key or computes, stores and
// returns a fresh one. Errors bypass the cache entirely: no negative
// caching.
func (c *Cache) GetOrFill(key string, ttl time.Duration, fill func() (interface{}, error)) (interface{}, error) {
	if value, ok := c.Get(key); ok {
		return value, nil
	}
	value, err := fill()
	if err != nil {
		return nil, err
	}
	c.Set(key, value, ttl)
	return value, nil
}

// RunExpirer sweeps expired entries until ctx is cancelled. The TTL
// check in Get already hides stale entries; the sweep just returns
// their memory.
func (c *Cache) RunExpirer(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			now := c.now()
			for key, cached := range c.entries {
				if now.After(cached.expires) {
					delete(c.entries, key)
				}
			}
			c.mu.Unlock()
		}
	}
}
