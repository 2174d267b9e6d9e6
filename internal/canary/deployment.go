// Package canary manages progressive rollouts: each deployment walks a
// stage table, gated by live metrics and the service's error budget, and
// rolls back to zero traffic when a rollback rule fires.
package canary

import (
	"time"

	"github.com/deployguard/deployguard/internal/config"
	"github.com/deployguard/deployguard/internal/metricsource"
)

// Deployment statuses. completed and rolled_back are terminal.
const (
	StatusInitializing = "initializing"
	StatusActive       = "active"
	StatusPaused       = "paused"
	StatusCompleted    = "completed"
	StatusRolledBack   = "rolled_back"
)

// Deployment is one canary rollout of (service, version) in a region.
type Deployment struct {
	ID      string `json:"id"`
	Service string `json:"service"`
	Version string `json:"version"`
	Region  string `json:"region"`

	Status        string         `json:"status"`
	CurrentStage  int            `json:"current_stage"`
	CurrentWeight float64        `json:"current_weight"`
	Stages        []config.Stage `json:"stages"`

	StartedAt        time.Time  `json:"started_at"`
	LastTransitionAt time.Time  `json:"last_transition_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	RollbackReason   string     `json:"rollback_reason,omitempty"`

	LastMetrics *metricsource.Metrics `json:"last_metrics,omitempty"`
	LastBudget  *ErrorBudget          `json:"last_budget,omitempty"`
}

// Terminal reports whether the deployment reached a final state.
func (d *Deployment) Terminal() bool {
	return d.Status == StatusCompleted || d.Status == StatusRolledBack
}

// snapshot returns a copy safe to hand out while the original keeps
// mutating under the controller's locks.
func (d *Deployment) snapshot() Deployment {
	out := *d
	out.Stages = append([]config.Stage(nil), d.Stages...)
	if d.LastMetrics != nil {
		m := *d.LastMetrics
		out.LastMetrics = &m
	}
	if d.LastBudget != nil {
		b := *d.LastBudget
		out.LastBudget = &b
	}
	if d.CompletedAt != nil {
		t := *d.CompletedAt
		out.CompletedAt = &t
	}
	return out
}
