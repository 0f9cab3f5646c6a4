package dns

import (
	"context"
	"sync"
	"time"

	"github.com/miekg/dns"
)

// minCacheTTL is the shortest TTL worth caching.
const minCacheTTL = 10 * time.Second

// Cache is a simple DNS response cache
type Cache struct {
	entries map[string]*cacheEntry
	ttl     time.Duration
	maxSize int
	mu      sync.RWMutex
	now     func() time.Time
}

type cacheEntry struct {
	msg       *dns.Msg
	expiresAt time.Time
}

// NewCache creates a new DNS cache. A maxSize of zero disables caching.
func NewCache(ttl time.Duration, maxSize int) *Cache {
	return &Cache{
		entries: make(map[string]*cacheEntry),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// cacheKey generates a cache key from domain and query type
func cacheKey(domain string, qtype uint16) string {
	return domain + ":" + dns.TypeToString[qtype]
}

// Get retrieves a cached response
func (c *Cache) Get(domain string, qtype uint16) *dns.Msg {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[cacheKey(domain, qtype)]
	if !ok {
		return nil
	}

	if c.now().After(entry.expiresAt) {
		return nil
	}

	return entry.msg.Copy()
}

// Set stores a response in the cache
func (c *Cache) Set(domain string, qtype uint16, msg *dns.Msg) {
	if c.maxSize <= 0 || msg.Rcode != dns.RcodeSuccess {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Clamp to the smallest answer TTL
	ttl := c.ttl
	for _, rr := range msg.Answer {
		if rrTTL := time.Duration(rr.Header().Ttl) * time.Second; rrTTL < ttl {
			ttl = rrTTL
		}
	}

	if ttl < minCacheTTL {
		return
	}

	key := cacheKey(domain, qtype)
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxSize {
		c.evictOldest()
	}

	c.entries[key] = &cacheEntry{
		msg:       msg.Copy(),
		expiresAt: c.now().Add(ttl),
	}
}

// evictOldest removes the entry closest to expiry (must be called with lock held)
func (c *Cache) evictOldest() {
	var oldestKey string
	var oldestTime time.Time

	for key, entry := range c.entries {
		if oldestKey == "" || entry.expiresAt.Before(oldestTime) {
			oldestKey = key
			oldestTime = entry.expiresAt
		}
	}

	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}

// Run removes expired entries every interval until ctx is done.
func (c *Cache) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.purge()
		}
	}
}

func (c *Cache) purge() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for key, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, key)
		}
	}
}

// Clear removes all entries from the cache
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*cacheEntry)
}

// Size returns the number of entries in the cache
func (c *Cache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
