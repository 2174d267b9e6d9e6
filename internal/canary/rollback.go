package canary

import (
	"fmt"

	"github.com/deployguard/deployguard/internal/config"
	"github.com/deployguard/deployguard/internal/metricsource"
)

// EvaluateRollback walks the criteria in declared order; the first match
// wins and its reason is what lands in the rollback notification.
func EvaluateRollback(criteria []config.RollbackCriterion, m metricsource.Metrics, b ErrorBudget) (string, bool) {
	for _, c := range criteria {
		switch c.Metric {
		case "error_rate":
			if m.ErrorRate > c.Threshold {
				return fmt.Sprintf("error rate %.2f%% exceeds threshold %.2f%%",
					m.ErrorRate*100, c.Threshold*100), true
			}
		case "latency_p95":
			if m.LatencyP95 > c.Threshold {
				return fmt.Sprintf("p95 latency %.0fms exceeds threshold %.0fms",
					m.LatencyP95, c.Threshold), true
			}
		case "availability":
			if m.Availability < c.Threshold {
				return fmt.Sprintf("availability %.3f%% below threshold %.3f%%",
					m.Availability, c.Threshold), true
			}
		case "budget_burn_rate":
			if b.BurnRate > c.Threshold {
				return fmt.Sprintf("budget burn rate %.2f exceeds threshold %.2f",
					b.BurnRate, c.Threshold), true
			}
		}
	}
	return "", false
}
