package partners

import (
	"context"
	"sync"
	"time"
)

// Bucket is a token bucket that paces outbound requests to a partner.
// Unlike an admission limiter it never rejects; callers wait for capacity.
type Bucket struct {
	mu         sync.Mutex
	tokens     float64
	capacity   float64 // burst
	refillRate float64 // tokens per second
	lastRefill time.Time
}

// NewBucket builds a bucket refilling at rps with the given burst
// capacity. rps <= 0 disables pacing.
func NewBucket(rps float64, burst int) *Bucket {
	if burst <= 0 {
		burst = 1
	}
	return &Bucket{
		tokens:     float64(burst),
		capacity:   float64(burst),
		refillRate: rps,
		lastRefill: time.Now(),
	}
}

func (b *Bucket) refillLocked(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.tokens = min(b.capacity, b.tokens+elapsed*b.refillRate)
	b.lastRefill = now
}

// Wait blocks until one token is available or ctx is done.
func (b *Bucket) Wait(ctx context.Context) error {
	if b == nil || b.refillRate <= 0 {
		return nil
	}
	for {
		b.mu.Lock()
		now := time.Now()
		b.refillLocked(now)
		if b.tokens >= 1 {
			b.tokens--
			b.mu.Unlock()
			return nil
		}
		wait := time.Duration((1 - b.tokens) / b.refillRate * float64(time.Second))
		b.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
