package canary

import (
	"testing"

	"github.com/deployguard/deployguard/internal/config"
)

func TestComputeBudget(t *testing.T) {
	th := config.BurnRateThresholds{Warning: 2, Critical: 6}

	tests := []struct {
		name         string
		slo          float64
		availability float64
		wantBurn     float64
		wantStatus   string
	}{
		{
			name: "healthy window", slo: 99.9, availability: 99.95,
			wantBurn: 0.5, wantStatus: BudgetHealthy,
		},
		{
			name: "zero-request window is healthy", slo: 99.9, availability: 100,
			wantBurn: 0, wantStatus: BudgetHealthy,
		},
		{
			name: "warning burn", slo: 99.9, availability: 99.97,
			wantBurn: 0.3, wantStatus: BudgetHealthy,
		},
		{
			name: "one percent down burns ten budgets", slo: 99.9, availability: 99,
			wantBurn: 10, wantStatus: BudgetExhausted,
		},
		{
			// Holding precisely at target is burn rate 1, not an overspend.
			name: "exactly at SLO is not exhausted", slo: 99.9, availability: 99.9,
			wantBurn: 1, wantStatus: BudgetHealthy,
		},
		{
			name: "just below SLO exhausts", slo: 99.9, availability: 99.89,
			wantBurn: 1.1, wantStatus: BudgetExhausted,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := ComputeBudget(tt.slo, tt.availability, th)
			if !almostEqual(b.BurnRate, tt.wantBurn) {
				t.Errorf("burn = %v, want %v", b.BurnRate, tt.wantBurn)
			}
			if b.Status != tt.wantStatus {
				t.Errorf("status = %s, want %s", b.Status, tt.wantStatus)
			}
		})
	}
}

func TestComputeBudgetThresholdBuckets(t *testing.T) {
	// Sub-1 thresholds: a burn rate above 1 always exhausts the window,
	// so warning and critical are only reachable below it.
	th := config.BurnRateThresholds{Warning: 0.3, Critical: 0.7}

	tests := []struct {
		availability float64
		want         string
	}{
		{availability: 99.98, want: BudgetHealthy},  // burn 0.2
		{availability: 99.95, want: BudgetWarning},  // burn 0.5
		{availability: 99.92, want: BudgetCritical}, // burn 0.8
		{availability: 99.90, want: BudgetCritical}, // burn 1.0, at target
		{availability: 99.85, want: BudgetExhausted},
	}
	for _, tt := range tests {
		b := ComputeBudget(99.9, tt.availability, th)
		if b.Status != tt.want {
			t.Errorf("availability %v: status = %s, want %s (burn %v)",
				tt.availability, b.Status, tt.want, b.BurnRate)
		}
	}
}

func almostEqual(a, b float64) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	return d < 1e-6
}
