package idemcache

import (
	"context"
	"testing"
	"time"
)

func TestMemoryCacheHitMissStats(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(TTLPolicy{Default: time.Hour})

	if _, ok, err := c.Lookup(ctx, "benevity", "k1"); ok || err != nil {
		t.Fatalf("empty cache lookup: ok=%v err=%v", ok, err)
	}

	if err := c.Store(ctx, CachedResponse{
		Key: "k1", Namespace: "benevity", StatusCode: 200,
		Body: []byte(`{"ok":true}`), ExternalID: "B123",
	}); err != nil {
		t.Fatal(err)
	}

	got, ok, err := c.Lookup(ctx, "benevity", "k1")
	if err != nil || !ok {
		t.Fatalf("lookup after store: ok=%v err=%v", ok, err)
	}
	if got.StatusCode != 200 || got.ExternalID != "B123" {
		t.Errorf("cached response = %+v", got)
	}

	// Namespaces are isolated.
	if _, ok, _ := c.Lookup(ctx, "workday", "k1"); ok {
		t.Error("lookup hit across namespaces")
	}

	stats, err := c.Stats(ctx, "benevity")
	if err != nil {
		t.Fatal(err)
	}
	if stats.Entries != 1 || stats.Hits != 1 || stats.Misses != 1 {
		t.Errorf("stats = %+v, want entries=1 hits=1 misses=1", stats)
	}
}

func TestMemoryCacheTTLExpiry(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(TTLPolicy{Default: time.Hour})

	now := time.Now()
	c.now = func() time.Time { return now }

	if err := c.Store(ctx, CachedResponse{Key: "k1", Namespace: "benevity", StatusCode: 200}); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := c.Lookup(ctx, "benevity", "k1"); !ok {
		t.Fatal("lookup should hit before expiry")
	}

	c.now = func() time.Time { return now.Add(2 * time.Hour) }
	if _, ok, _ := c.Lookup(ctx, "benevity", "k1"); ok {
		t.Error("lookup hit after TTL expiry")
	}
}

func TestMemoryCacheInvalidate(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(TTLPolicy{Default: time.Hour})

	c.Store(ctx, CachedResponse{Key: "k1", Namespace: "benevity", StatusCode: 200})
	if err := c.Invalidate(ctx, "benevity", "k1"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := c.Lookup(ctx, "benevity", "k1"); ok {
		t.Error("lookup hit after invalidate")
	}
}

func TestTTLPolicyPerNamespace(t *testing.T) {
	p := TTLPolicy{
		Default:    24 * time.Hour,
		Namespaces: map[string]time.Duration{"workday": time.Hour},
	}
	if got := p.For("workday"); got != time.Hour {
		t.Errorf("For(workday) = %v, want 1h", got)
	}
	if got := p.For("benevity"); got != 24*time.Hour {
		t.Errorf("For(benevity) = %v, want 24h", got)
	}
	if got := (TTLPolicy{}).For("x"); got != 24*time.Hour {
		t.Errorf("zero policy For = %v, want 24h fallback", got)
	}
}
