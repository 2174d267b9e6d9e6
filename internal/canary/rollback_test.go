package canary

import (
	"strings"
	"testing"

	"github.com/deployguard/deployguard/internal/config"
	"github.com/deployguard/deployguard/internal/metricsource"
)

func TestEvaluateRollbackFirstMatchWins(t *testing.T) {
	criteria := []config.RollbackCriterion{
		{Metric: "error_rate", Threshold: 0.05},
		{Metric: "latency_p95", Threshold: 500},
		{Metric: "availability", Threshold: 99},
		{Metric: "budget_burn_rate", Threshold: 6},
	}

	tests := []struct {
		name       string
		metrics    metricsource.Metrics
		burn       float64
		wantMatch  bool
		wantReason string
	}{
		{
			name:    "healthy metrics",
			metrics: metricsource.Metrics{ErrorRate: 0.001, LatencyP95: 80, Availability: 99.9},
		},
		{
			name:       "error rate fires with percentage in reason",
			metrics:    metricsource.Metrics{ErrorRate: 0.06, LatencyP95: 80, Availability: 94},
			wantMatch:  true,
			wantReason: "6.00%",
		},
		{
			name:       "latency fires when error rate holds",
			metrics:    metricsource.Metrics{ErrorRate: 0.01, LatencyP95: 900, Availability: 99.5},
			wantMatch:  true,
			wantReason: "p95",
		},
		{
			name:       "availability fires",
			metrics:    metricsource.Metrics{ErrorRate: 0.01, LatencyP95: 80, Availability: 98.5},
			wantMatch:  true,
			wantReason: "availability",
		},
		{
			name:       "burn rate fires last",
			metrics:    metricsource.Metrics{ErrorRate: 0.01, LatencyP95: 80, Availability: 99.2},
			burn:       10,
			wantMatch:  true,
			wantReason: "burn rate",
		},
		{
			name:    "threshold is exclusive",
			metrics: metricsource.Metrics{ErrorRate: 0.05, LatencyP95: 500, Availability: 99},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reason, match := EvaluateRollback(criteria, tt.metrics, ErrorBudget{BurnRate: tt.burn})
			if match != tt.wantMatch {
				t.Fatalf("match = %v (%q), want %v", match, reason, tt.wantMatch)
			}
			if tt.wantReason != "" && !strings.Contains(reason, tt.wantReason) {
				t.Errorf("reason %q does not contain %q", reason, tt.wantReason)
			}
		})
	}
}

func TestEvaluateRollbackUnknownMetricIgnored(t *testing.T) {
	criteria := []config.RollbackCriterion{
		{Metric: "cpu_usage", Threshold: 0.1},
		{Metric: "error_rate", Threshold: 0.05},
	}
	m := metricsource.Metrics{ErrorRate: 0.2}
	reason, match := EvaluateRollback(criteria, m, ErrorBudget{})
	if !match || !strings.Contains(reason, "error rate") {
		t.Errorf("match=%v reason=%q; unknown metric should be skipped", match, reason)
	}
}
