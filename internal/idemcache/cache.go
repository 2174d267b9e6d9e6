// Package idemcache is the durable key→response store that makes partner
// deliveries safely retryable. A cache failure must never promote to a
// delivery failure: lookups degrade to a miss and stores to a no-op.
package idemcache

import (
	"context"
	"sync"
	"time"
)

// CachedResponse is a prior partner response replayed on a key hit.
type CachedResponse struct {
	Key        string    `json:"key"`
	Namespace  string    `json:"namespace"`
	StatusCode int       `json:"status_code"`
	Body       []byte    `json:"body"`
	ExternalID string    `json:"external_id,omitempty"`
	StoredAt   time.Time `json:"stored_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Stats summarizes one namespace of the cache.
type Stats struct {
	Namespace string `json:"namespace"`
	Entries   int64  `json:"entries"`
	Hits      int64  `json:"hits"`
	Misses    int64  `json:"misses"`
}

// Cache is a TTL'd key→response store namespaced per partner.
type Cache interface {
	// Lookup returns the stored response and true on a hit. Misses and
	// backend failures both return (zero, false, nil).
	Lookup(ctx context.Context, namespace, key string) (CachedResponse, bool, error)
	// Store persists the response under its namespace TTL. Backend
	// failures are swallowed.
	Store(ctx context.Context, resp CachedResponse) error
	Invalidate(ctx context.Context, namespace, key string) error
	Stats(ctx context.Context, namespace string) (Stats, error)
}

// TTLPolicy resolves the per-namespace TTL with a default.
type TTLPolicy struct {
	Default    time.Duration
	Namespaces map[string]time.Duration
}

func (p TTLPolicy) For(namespace string) time.Duration {
	if d, ok := p.Namespaces[namespace]; ok && d > 0 {
		return d
	}
	if p.Default > 0 {
		return p.Default
	}
	return 24 * time.Hour
}

// MemoryCache is the in-process implementation, used in tests and as the
// fallback when no shared store is configured.
type MemoryCache struct {
	mu      sync.Mutex
	ttl     TTLPolicy
	entries map[string]CachedResponse // namespace|key
	hits    map[string]int64
	misses  map[string]int64
	now     func() time.Time
}

func NewMemoryCache(ttl TTLPolicy) *MemoryCache {
	return &MemoryCache{
		ttl:     ttl,
		entries: make(map[string]CachedResponse),
		hits:    make(map[string]int64),
		misses:  make(map[string]int64),
		now:     time.Now,
	}
}

func memKey(namespace, key string) string { return namespace + "|" + key }

func (c *MemoryCache) Lookup(_ context.Context, namespace, key string) (CachedResponse, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[memKey(namespace, key)]
	if !ok || c.now().After(e.ExpiresAt) {
		if ok {
			delete(c.entries, memKey(namespace, key))
		}
		c.misses[namespace]++
		return CachedResponse{}, false, nil
	}
	c.hits[namespace]++
	return e, true, nil
}

func (c *MemoryCache) Store(_ context.Context, resp CachedResponse) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	resp.StoredAt = now
	resp.ExpiresAt = now.Add(c.ttl.For(resp.Namespace))
	c.entries[memKey(resp.Namespace, resp.Key)] = resp
	return nil
}

func (c *MemoryCache) Invalidate(_ context.Context, namespace, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, memKey(namespace, key))
	return nil
}

func (c *MemoryCache) Stats(_ context.Context, namespace string) (Stats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var entries int64
	prefix := namespace + "|"
	for k := range c.entries {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			entries++
		}
	}
	return Stats{
		Namespace: namespace,
		Entries:   entries,
		Hits:      c.hits[namespace],
		Misses:    c.misses[namespace],
	}, nil
}
