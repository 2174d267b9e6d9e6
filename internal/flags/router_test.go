package flags

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestMemoryProviderClampAndScope(t *testing.T) {
	ctx := context.Background()
	p := NewMemoryProvider()

	tests := []struct {
		set  float64
		want float64
	}{
		{set: 0.25, want: 0.25},
		{set: -0.5, want: 0},
		{set: 1.7, want: 1},
	}
	for _, tt := range tests {
		if err := p.SetPercentage(ctx, "api", "us-east-1", tt.set); err != nil {
			t.Fatal(err)
		}
		got, err := p.GetPercentage(ctx, "api", "us-east-1")
		if err != nil {
			t.Fatal(err)
		}
		if got != tt.want {
			t.Errorf("Set %v then Get = %v, want %v", tt.set, got, tt.want)
		}
	}

	// Regions are independent scopes.
	p.SetPercentage(ctx, "api", "eu-west-1", 0.8)
	got, _ := p.GetPercentage(ctx, "api", "us-east-1")
	if got == 0.8 {
		t.Error("regions share state")
	}
}

func TestCachedRouterReadYourWrite(t *testing.T) {
	ctx := context.Background()
	r, err := NewCachedRouter(NewMemoryProvider(), 16, 30*time.Second)
	if err != nil {
		t.Fatal(err)
	}

	if err := r.SetPercentage(ctx, "api", "us-east-1", 0.05); err != nil {
		t.Fatal(err)
	}
	if got, _ := r.GetPercentage(ctx, "api", "us-east-1"); got != 0.05 {
		t.Errorf("read-your-write: got %v, want 0.05", got)
	}

	// The write must land in the underlying provider, not just the cache.
	if err := r.SetPercentage(ctx, "api", "us-east-1", 0); err != nil {
		t.Fatal(err)
	}
	if got, _ := r.GetPercentage(ctx, "api", "us-east-1"); got != 0 {
		t.Errorf("after rollback write: got %v, want 0", got)
	}
}

// failingProvider errors on every call after the recorded values run out.
type failingProvider struct {
	mu   sync.Mutex
	vals map[string]float64
	fail bool
}

func (f *failingProvider) GetPercentage(_ context.Context, flag, region string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return 0, errors.New("provider down")
	}
	return f.vals[flag+"|"+region], nil
}

func (f *failingProvider) SetPercentage(_ context.Context, flag, region string, pct float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("provider down")
	}
	if f.vals == nil {
		f.vals = map[string]float64{}
	}
	f.vals[flag+"|"+region] = pct
	return nil
}

func TestCachedRouterServesCachedReadsWhileProviderDown(t *testing.T) {
	ctx := context.Background()
	p := &failingProvider{}
	r, err := NewCachedRouter(p, 16, 30*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.SetPercentage(ctx, "api", "us-east-1", 0.25); err != nil {
		t.Fatal(err)
	}

	p.mu.Lock()
	p.fail = true
	p.mu.Unlock()

	if got, err := r.GetPercentage(ctx, "api", "us-east-1"); err != nil || got != 0.25 {
		t.Errorf("cached read during outage: got %v err %v, want 0.25", got, err)
	}
	// Writes must not pretend to succeed.
	if err := r.SetPercentage(ctx, "api", "us-east-1", 0); err == nil {
		t.Error("write during outage reported success")
	}
}
