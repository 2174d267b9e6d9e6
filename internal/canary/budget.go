package canary

import "github.com/deployguard/deployguard/internal/config"

// Budget statuses bucketed by the configured burn-rate thresholds.
const (
	BudgetHealthy   = "healthy"
	BudgetWarning   = "warning"
	BudgetCritical  = "critical"
	BudgetExhausted = "exhausted"
)

// ErrorBudget is the budget position derived from one metrics window.
// All percentage fields are in percent points, matching the SLO notation
// (99.9 → total budget 0.1).
type ErrorBudget struct {
	TotalPct     float64 `json:"total_pct"`
	ConsumedPct  float64 `json:"consumed_pct"`
	RemainingPct float64 `json:"remaining_pct"`
	BurnRate     float64 `json:"burn_rate"`
	Status       string  `json:"status"`
}

// ComputeBudget derives the budget from the observed availability.
// Overspending the budget is exhausted regardless of the burn rate.
func ComputeBudget(sloPct, availabilityPct float64, th config.BurnRateThresholds) ErrorBudget {
	total := (1 - sloPct/100) * 100
	consumed := 100 - availabilityPct
	if consumed < 0 {
		consumed = 0
	}
	remaining := total - consumed
	if remaining < 0 {
		remaining = 0
	}
	var burn float64
	if total > 0 {
		burn = consumed / total
	}

	b := ErrorBudget{
		TotalPct:     total,
		ConsumedPct:  consumed,
		RemainingPct: remaining,
		BurnRate:     burn,
		Status:       BudgetHealthy,
	}
	// Exhausted means strictly overspent. A window sitting exactly on the
	// SLO has burn rate 1 and is bucketed by the thresholds instead, so a
	// canary holding precisely at target keeps promoting. The epsilon
	// absorbs float error in the comparison.
	switch {
	case consumed-total > 1e-9:
		b.Status = BudgetExhausted
	case th.Critical > 0 && burn > th.Critical:
		b.Status = BudgetCritical
	case th.Warning > 0 && burn > th.Warning:
		b.Status = BudgetWarning
	}
	return b
}
