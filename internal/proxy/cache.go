package proxy

import (
	"fmt"
	"net/http"
	"sync"

	"golang.org/x/sync/singleflight"

	"mountgw/internal/metrics"
	"mountgw/internal/routes"
)

// Builder constructs the handler for a route in a given mode.
type Builder func(routes.Route, Mode) (http.Handler, error)

type cacheKey struct {
	routeID string
	mode    Mode
}

// Cache memoizes handlers per (route id, mode) for the current table
// generation. Purge drops everything and moves to a new generation; builds
// for older generations are served but never stored.
type Cache struct {
	build   Builder
	metrics *metrics.Metrics
	group   singleflight.Group

	mu         sync.RWMutex
	generation uint64
	entries    map[cacheKey]http.Handler
}

func NewCache(build Builder, m *metrics.Metrics) *Cache {
	return &Cache{
		build:   build,
		metrics: m,
		entries: make(map[cacheKey]http.Handler),
	}
}

// Get returns the handler for route as seen in table generation gen.
func (c *Cache) Get(gen uint64, route routes.Route, mode Mode) (http.Handler, error) {
	key := cacheKey{routeID: route.ID, mode: mode}

	c.mu.RLock()
	current := c.generation
	h, ok := c.entries[key]
	c.mu.RUnlock()
	if gen != current {
		c.metrics.CacheEvent("bypass")
		return c.build(route, mode)
	}
	if ok {
		c.metrics.CacheEvent("hit")
		return h, nil
	}
	c.metrics.CacheEvent("miss")

	v, err, _ := c.group.Do(fmt.Sprintf("%d/%s/%d", gen, route.ID, mode), func() (any, error) {
		c.mu.RLock()
		h, ok := c.entries[key]
		c.mu.RUnlock()
		if ok {
			return h, nil
		}
		h, err := c.build(route, mode)
		if err != nil {
			return nil, err
		}
		c.metrics.CacheEvent("build")
		c.mu.Lock()
		if c.generation == gen {
			c.entries[key] = h
		}
		c.mu.Unlock()
		return h, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(http.Handler), nil
}

// Purge clears every handler and binds the cache to generation gen. Purges
// for a generation older than the current one are ignored.
func (c *Cache) Purge(gen uint64) {
	c.mu.Lock()
	if gen < c.generation {
		c.mu.Unlock()
		return
	}
	c.generation = gen
	c.entries = make(map[cacheKey]http.Handler)
	c.mu.Unlock()
	c.metrics.CacheEvent("purge")
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
