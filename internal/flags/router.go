// Package flags stores per-region rollout percentages and is the single
// write path for canary traffic weights.
package flags

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/maypok86/otter"
)

// Provider persists rollout percentages scoped by (flag, region).
// Updates are last-writer-wins; after SetPercentage returns, any
// subsequent GetPercentage observes the new value.
type Provider interface {
	GetPercentage(ctx context.Context, flag, region string) (float64, error)
	SetPercentage(ctx context.Context, flag, region string, pct float64) error
}

func clamp(pct float64) float64 {
	if pct < 0 {
		return 0
	}
	if pct > 1 {
		return 1
	}
	return pct
}

func scopedKey(flag, region string) string { return flag + "|" + region }

// MemoryProvider is an in-process provider used in tests and single-node
// deployments.
type MemoryProvider struct {
	mu   sync.RWMutex
	pcts map[string]float64
}

func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{pcts: make(map[string]float64)}
}

func (m *MemoryProvider) GetPercentage(_ context.Context, flag, region string) (float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pcts[scopedKey(flag, region)], nil
}

func (m *MemoryProvider) SetPercentage(_ context.Context, flag, region string, pct float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pcts[scopedKey(flag, region)] = clamp(pct)
	return nil
}

// CachedRouter wraps a Provider with a short TTL read cache. Writes go
// through and invalidate the cached entry so read-your-write holds.
type CachedRouter struct {
	provider Provider
	cache    otter.Cache[string, float64]
}

// NewCachedRouter builds a router caching up to maxEntries (flag, region)
// pairs for ttl. ttl is capped at 60s; stale weights longer than that would
// let a rolled-back deployment appear to serve traffic.
func NewCachedRouter(provider Provider, maxEntries int, ttl time.Duration) (*CachedRouter, error) {
	if ttl <= 0 || ttl > time.Minute {
		ttl = time.Minute
	}
	if maxEntries <= 0 {
		maxEntries = 1024
	}
	cache, err := otter.MustBuilder[string, float64](maxEntries).
		WithTTL(ttl).
		Build()
	if err != nil {
		return nil, fmt.Errorf("flags: build read cache: %w", err)
	}
	return &CachedRouter{provider: provider, cache: cache}, nil
}

func (r *CachedRouter) GetPercentage(ctx context.Context, flag, region string) (float64, error) {
	key := scopedKey(flag, region)
	if v, ok := r.cache.Get(key); ok {
		return v, nil
	}
	v, err := r.provider.GetPercentage(ctx, flag, region)
	if err != nil {
		return 0, err
	}
	v = clamp(v)
	r.cache.Set(key, v)
	return v, nil
}

func (r *CachedRouter) SetPercentage(ctx context.Context, flag, region string, pct float64) error {
	pct = clamp(pct)
	if err := r.provider.SetPercentage(ctx, flag, region, pct); err != nil {
		return err
	}
	// Write-through so the freshly set value is served even before the
	// provider round-trips on the next read.
	r.cache.Set(scopedKey(flag, region), pct)
	return nil
}
