package relay

import (
	"sync"
	"time"

	"github.com/onnwee/chat-relay/backend/platform"
)

// sentCache remembers the platform-native ids of messages the relay itself
// sent, per platform, for a bounded time. It is the primary self-echo
// signal: an inbound event whose id is in the cache is the relay observing
// its own outbound action. Bot-identity matching is the fallback for
// platforms that never report outbound ids. Content heuristics are
// deliberately not used; two users posting identical text must both relay.
type sentCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	maxSize int
	entries map[sentKey]time.Time
}

type sentKey struct {
	platform  platform.Platform
	messageID string
}

func newSentCache(ttl time.Duration, maxSize int) *sentCache {
	return &sentCache{
		ttl:     ttl,
		maxSize: maxSize,
		entries: make(map[sentKey]time.Time),
	}
}

// Add records an id the relay just sent.
func (c *sentCache) Add(p platform.Platform, messageID string) {
	if messageID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= c.maxSize {
		c.evictLocked()
	}
	c.entries[sentKey{p, messageID}] = time.Now().Add(c.ttl)
}

// Contains reports whether the id was recently sent by the relay. Expired
// entries are removed lazily on lookup.
func (c *sentCache) Contains(p platform.Platform, messageID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := sentKey{p, messageID}
	deadline, ok := c.entries[key]
	if !ok {
		return false
	}
	if time.Now().After(deadline) {
		delete(c.entries, key)
		return false
	}
	return true
}

// evictLocked drops expired entries first, then arbitrary ones until under
// the size limit. Caller holds the mutex.
func (c *sentCache) evictLocked() {
	now := time.Now()
	for k, deadline := range c.entries {
		if now.After(deadline) {
			delete(c.entries, k)
		}
	}
	for k := range c.entries {
		if len(c.entries) < c.maxSize {
			break
		}
		delete(c.entries, k)
	}
}

// Len returns the current entry count (status reporting).
func (c *sentCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
