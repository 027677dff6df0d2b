package access

import (
	"sync"
	"time"
)

// ReplayCache remembers handshake salts for a TTL so a captured first
// packet cannot be replayed while its entry is live. The membership test
// is atomic with insertion: two sessions racing on one salt admit exactly
// one. Expired entries are purged lazily on insert and by a periodic sweep.
type ReplayCache struct {
	ttl time.Duration

	mu      sync.Mutex
	entries map[string]time.Time
	sweeps  int
}

// sweepEvery bounds the lazy purge cost: a full scan once per this many
// inserts, on top of the per-key expiry check.
const sweepEvery = 1024

// NewReplayCache returns a cache holding salts for ttl.
func NewReplayCache(ttl time.Duration) *ReplayCache {
	return &ReplayCache{
		ttl:     ttl,
		entries: make(map[string]time.Time),
	}
}

// Add records salt and reports whether it was new. A false return means
// the salt was seen within the TTL and the connection must be rejected
// before any decryption is attempted.
func (c *ReplayCache) Add(salt []byte) bool {
	if c == nil {
		return true
	}
	key := string(salt)
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if expiry, ok := c.entries[key]; ok && now.Before(expiry) {
		return false
	}
	c.entries[key] = now.Add(c.ttl)

	c.sweeps++
	if c.sweeps >= sweepEvery {
		c.sweeps = 0
		for k, expiry := range c.entries {
			if now.After(expiry) {
				delete(c.entries, k)
			}
		}
	}
	return true
}

// Len reports the number of entries, counting expired ones not yet swept.
func (c *ReplayCache) Len() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
