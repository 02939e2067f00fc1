package auth

import (
	"sync"
	"time"
)

const (
	cacheTTL        = 10 * time.Second
	cacheMaxEntries = 1000
)

type cacheEntry struct {
	identity Identity
	agentID  string
	expires  time.Time
}

// identityCache is a bounded positive cache keyed by token hash.
// Entries are evicted oldest-insertion-first when the map is full.
// A single mutex covers reads and writes; contention is acceptable
// at this size and keeps the eviction order trivially consistent.
type identityCache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
	order   []string
	ttl     time.Duration
	max     int
	now     func() time.Time
}

func newIdentityCache(max int, ttl time.Duration) *identityCache {
	return &identityCache{
		entries: make(map[string]*cacheEntry),
		ttl:     ttl,
		max:     max,
		now:     time.Now,
	}
}

// get returns a copy of the cached identity so callers can swap in a
// fresh agent row without racing other requests.
func (c *identityCache) get(key string) (*Identity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.now().After(e.expires) {
		delete(c.entries, key)
		return nil, false
	}
	identity := e.identity
	return &identity, true
}

func (c *identityCache) put(key string, identity *Identity) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists {
		c.order = append(c.order, key)
	}
	c.entries[key] = &cacheEntry{
		identity: *identity,
		agentID:  identity.Agent.ID,
		expires:  c.now().Add(c.ttl),
	}

	for len(c.entries) > c.max && len(c.order) > 0 {
		oldest := c.order[0]
		c.order = c.order[1:]
		if _, ok := c.entries[oldest]; ok {
			delete(c.entries, oldest)
			authCacheEvictions.Inc()
		}
	}

	// Invalidation leaves ghost keys in the order slice; compact once
	// they dominate.
	if len(c.order) > 2*c.max {
		live := c.order[:0]
		for _, key := range c.order {
			if _, ok := c.entries[key]; ok {
				live = append(live, key)
			}
		}
		c.order = live
	}
}

func (c *identityCache) invalidateAgent(agentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, e := range c.entries {
		if e.agentID == agentID {
			delete(c.entries, key)
		}
	}
}

func (c *identityCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
