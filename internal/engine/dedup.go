package engine

import (
	"sync"
	"time"
)

// dedupCache suppresses webhook redeliveries: the provider retries
// deliveries aggressively, and replayed connect/terminate events must not
// spawn or tear down sessions twice.
type dedupCache struct {
	mu   sync.Mutex
	seen map[string]time.Time
	ttl  time.Duration
}

func newDedupCache(ttl time.Duration) *dedupCache {
	return &dedupCache{
		seen: make(map[string]time.Time),
		ttl:  ttl,
	}
}

// Observe records a key and reports whether it was already present within
// the TTL. Expired entries are swept opportunistically.
func (c *dedupCache) Observe(key string) bool {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if at, ok := c.seen[key]; ok && now.Sub(at) < c.ttl {
		return true
	}
	c.seen[key] = now

	if len(c.seen) > 1024 {
		for k, at := range c.seen {
			if now.Sub(at) >= c.ttl {
				delete(c.seen, k)
			}
		}
	}
	return false
}
