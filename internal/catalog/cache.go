package catalog

import (
	"strings"
	"sync"
	"time"
)

type cacheEntry struct {
	station Station
	expires time.Time
}

// cache is a small TTL map of station lookups keyed by the case-folded
// identifier the caller asked for.
type cache struct {
	mu      sync.Mutex
	ttl     time.Duration
	max     int
	entries map[string]cacheEntry
	now     func() time.Time
}

func newCache(ttl time.Duration) *cache {
	return &cache{ttl: ttl, max: maxCacheEntries, entries: make(map[string]cacheEntry), now: time.Now}
}

func cacheKey(id string) string { return strings.ToLower(id) }

func (c *cache) get(id string) (Station, bool) {
	if c.ttl <= 0 {
		return Station{}, false
	}
	key := cacheKey(id)
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return Station{}, false
	}
	if !c.now().Before(e.expires) {
		delete(c.entries, key)
		return Station{}, false
	}
	return e.station, true
}

func (c *cache) put(id string, s Station) {
	if c.ttl <= 0 {
		return
	}
	key := cacheKey(id)
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if _, ok := c.entries[key]; !ok && len(c.entries) >= c.max {
		c.evict(now)
	}
	c.entries[key] = cacheEntry{station: s, expires: now.Add(c.ttl)}
}

// evict drops expired entries, or the one closest to expiry when none
// have expired.
func (c *cache) evict(now time.Time) {
	var (
		oldest    string
		oldestExp time.Time
	)
	for key, e := range c.entries {
		if !now.Before(e.expires) {
			delete(c.entries, key)
			continue
		}
		if oldest == "" || e.expires.Before(oldestExp) {
			oldest, oldestExp = key, e.expires
		}
	}
	if len(c.entries) >= c.max && oldest != "" {
		delete(c.entries, oldest)
	}
}

func (c *cache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

const maxCacheEntries = 1024
