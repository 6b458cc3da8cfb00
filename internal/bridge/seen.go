package bridge

import (
	"sync"
	"time"
)

// SeenCache remembers message IDs for a TTL so a host that resends a
// message is only ingested once. Safe for concurrent use.
type SeenCache struct {
	mu      sync.Mutex
	entries map[string]time.Time
	ttl     time.Duration
	now     func() time.Time
}

// NewSeenCache creates a cache whose entries expire after ttl.
func NewSeenCache(ttl time.Duration) *SeenCache {
	return &SeenCache{
		entries: make(map[string]time.Time),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Check reports whether id was seen within the TTL. If not, it records id
// and returns false. An empty id is never considered seen.
func (c *SeenCache) Check(id string) bool {
	if id == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if at, ok := c.entries[id]; ok && now.Sub(at) < c.ttl {
		return true
	}
	c.entries[id] = now
	return false
}

// Len returns the number of entries, expired ones included until the next
// cleanup.
func (c *SeenCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// CleanupLoop removes expired entries every interval until done is closed.
func (c *SeenCache) CleanupLoop(done <-chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.cleanup()
		case <-done:
			return
		}
	}
}

func (c *SeenCache) cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := c.now().Add(-c.ttl)
	for id, at := range c.entries {
		if at.Before(cutoff) {
			delete(c.entries, id)
		}
	}
}
