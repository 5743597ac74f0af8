package policy

import (
	"container/list"
	"sync"
	"time"

	"github.com/acgs-platform/agentbus/pkg/contracts"
)

const (
	defaultCacheSize = 10000
	defaultCacheTTL  = 60 * time.Second
)

// decisionCache is an LRU cache of policy decisions keyed by the
// canonical input fingerprint. Entries expire after their TTL; expired
// entries are evicted on read.
type decisionCache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	order    *list.List // front = most recent
	entries  map[string]*list.Element
	clock    func() time.Time

	hits   uint64
	misses uint64
}

type cacheEntry struct {
	key      string
	decision contracts.PolicyDecision
}

func newDecisionCache(capacity int, ttl time.Duration) *decisionCache {
	if capacity <= 0 {
		capacity = defaultCacheSize
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &decisionCache{
		capacity: capacity,
		ttl:      ttl,
		order:    list.New(),
		entries:  make(map[string]*list.Element),
		clock:    time.Now,
	}
}

// Get returns the cached decision for the fingerprint, if fresh.
func (c *decisionCache) Get(fingerprint string) (contracts.PolicyDecision, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[fingerprint]
	if !ok {
		c.misses++
		return contracts.PolicyDecision{}, false
	}
	entry := el.Value.(*cacheEntry)
	if entry.decision.Expired(c.clock()) {
		c.order.Remove(el)
		delete(c.entries, fingerprint)
		c.misses++
		return contracts.PolicyDecision{}, false
	}
	c.order.MoveToFront(el)
	c.hits++
	return entry.decision, true
}

// Put stores a decision, evicting the least recently used entry at
// capacity.
func (c *decisionCache) Put(decision contracts.PolicyDecision) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[decision.InputFingerprint]; ok {
		el.Value.(*cacheEntry).decision = decision
		c.order.MoveToFront(el)
		return
	}
	if c.order.Len() >= c.capacity {
		oldest := c.order.Back()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.entries, oldest.Value.(*cacheEntry).key)
		}
	}
	c.entries[decision.InputFingerprint] = c.order.PushFront(&cacheEntry{
		key:      decision.InputFingerprint,
		decision: decision,
	})
}

// Stats returns cumulative hit and miss counts.
func (c *decisionCache) Stats() (hits, misses uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

// Len returns the number of cached entries, including expired ones not
// yet evicted.
func (c *decisionCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
