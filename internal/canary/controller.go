package canary

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/deployguard/deployguard/internal/config"
	"github.com/deployguard/deployguard/internal/flags"
	"github.com/deployguard/deployguard/internal/metricsource"
	"github.com/deployguard/deployguard/internal/notify"
	"github.com/deployguard/deployguard/internal/telemetry"
)

var (
	ErrNotFound         = errors.New("canary: deployment not found")
	ErrNotCanaryEnabled = errors.New("canary: service is not canary-enabled")
	ErrRegionNotAllowed = errors.New("canary: region not allowed for service")
	ErrNotPaused        = errors.New("canary: deployment is not paused")
	ErrTerminal         = errors.New("canary: deployment already finished")
)

// Notifier receives lifecycle events. notify.Fanout satisfies it.
type Notifier interface {
	Send(ctx context.Context, e notify.Event)
}

// managed pairs a deployment with the mutex that serializes its ticks
// and operator mutations.
type managed struct {
	mu sync.Mutex
	d  *Deployment
}

// Controller owns the deployment map and the monitor loop.
type Controller struct {
	mu          sync.Mutex
	deployments map[string]*managed

	router   flags.Provider
	source   metricsource.Source
	notifier Notifier
	cfg      config.Config

	queryTimeout time.Duration
	now          func() time.Time

	monitorStop chan struct{}
	monitorDone chan struct{}
}

func NewController(router flags.Provider, source metricsource.Source, notifier Notifier, cfg config.Config) *Controller {
	qt := time.Duration(cfg.Monitoring.QueryTimeoutSeconds) * time.Second
	if qt <= 0 {
		qt = 5 * time.Second
	}
	return &Controller{
		deployments:  make(map[string]*managed),
		router:       router,
		source:       source,
		notifier:     notifier,
		cfg:          cfg,
		queryTimeout: qt,
		now:          time.Now,
	}
}

// Start validates policy, creates the deployment at stage zero, and sets
// the router weight before the deployment goes active.
func (c *Controller) Start(ctx context.Context, service, version, region string) (Deployment, error) {
	sc, ok := c.cfg.Services[service]
	if !ok || !sc.Enabled {
		return Deployment{}, fmt.Errorf("%w: %s", ErrNotCanaryEnabled, service)
	}
	if len(sc.AllowedRegions) > 0 && !contains(sc.AllowedRegions, region) {
		return Deployment{}, fmt.Errorf("%w: %s in %s", ErrRegionNotAllowed, service, region)
	}
	stages := c.cfg.StagesFor(service)
	if len(stages) == 0 {
		return Deployment{}, fmt.Errorf("canary: no stages configured for %s", service)
	}

	now := c.now()
	d := &Deployment{
		ID:               uuid.New().String(),
		Service:          service,
		Version:          version,
		Region:           region,
		Status:           StatusInitializing,
		CurrentStage:     0,
		CurrentWeight:    stages[0].Weight,
		Stages:           append([]config.Stage(nil), stages...),
		StartedAt:        now,
		LastTransitionAt: now,
	}
	if err := c.router.SetPercentage(ctx, service, region, stages[0].Weight); err != nil {
		return Deployment{}, fmt.Errorf("canary: set initial weight: %w", err)
	}
	d.Status = StatusActive

	c.mu.Lock()
	c.deployments[d.ID] = &managed{d: d}
	c.mu.Unlock()

	telemetry.DeploymentWeight.WithLabelValues(service, region).Set(stages[0].Weight)
	telemetry.DeploymentTransitionsTotal.WithLabelValues(service, "start").Inc()
	log.Info().Str("deployment", d.ID).Str("service", service).Str("version", version).
		Str("region", region).Float64("weight", stages[0].Weight).Msg("canary started")

	c.notifier.Send(ctx, notify.Event{
		Kind: notify.KindStart, Severity: notify.SeverityInfo,
		Service: service, Version: version, Region: region, DeploymentID: d.ID,
		Message: fmt.Sprintf("Canary started for %s %s at %.0f%%", service, version, stages[0].Weight*100),
	})
	return d.snapshot(), nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func (c *Controller) get(id string) (*managed, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.deployments[id]
	if !ok {
		return nil, ErrNotFound
	}
	return m, nil
}

// Status returns a snapshot of one deployment.
func (c *Controller) Status(id string) (Deployment, error) {
	m, err := c.get(id)
	if err != nil {
		return Deployment{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.snapshot(), nil
}

// List returns snapshots of every deployment, oldest first.
func (c *Controller) List() []Deployment {
	c.mu.Lock()
	ms := make([]*managed, 0, len(c.deployments))
	for _, m := range c.deployments {
		ms = append(ms, m)
	}
	c.mu.Unlock()

	out := make([]Deployment, 0, len(ms))
	for _, m := range ms {
		m.mu.Lock()
		out = append(out, m.d.snapshot())
		m.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Rollback rolls a deployment back to zero traffic, or pauses it when
// the service requires manual approval.
func (c *Controller) Rollback(ctx context.Context, id, reason string) error {
	m, err := c.get(id)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return c.rollbackLocked(ctx, m.d, reason)
}

func (c *Controller) rollbackLocked(ctx context.Context, d *Deployment, reason string) error {
	if d.Terminal() {
		return ErrTerminal
	}
	if sc, ok := c.cfg.Services[d.Service]; ok && sc.Rollback.ManualApprovalRequired && d.Status != StatusPaused {
		d.Status = StatusPaused
		d.RollbackReason = reason
		telemetry.DeploymentTransitionsTotal.WithLabelValues(d.Service, "pause").Inc()
		log.Warn().Str("deployment", d.ID).Str("reason", reason).Msg("rollback paused for manual approval")
		c.notifier.Send(ctx, notify.Event{
			Kind: notify.KindRollbackApprovalRequired, Severity: notify.SeverityCritical,
			Service: d.Service, Version: d.Version, Region: d.Region, DeploymentID: d.ID,
			Message: fmt.Sprintf("Rollback of %s %s requires approval", d.Service, d.Version),
			Reason:  reason,
		})
		return nil
	}
	return c.finalizeRollback(ctx, d, reason)
}

func (c *Controller) finalizeRollback(ctx context.Context, d *Deployment, reason string) error {
	// The safety property hangs on this write: a rolled-back deployment
	// must not serve traffic, so the weight set retries until the router
	// confirms zero, detached from the caller's deadline.
	if err := c.setWeightConfirmed(context.WithoutCancel(ctx), d.Service, d.Region, 0); err != nil {
		return fmt.Errorf("canary: rollback weight set: %w", err)
	}

	now := c.now()
	d.Status = StatusRolledBack
	d.CurrentWeight = 0
	d.CompletedAt = &now
	d.RollbackReason = reason

	telemetry.DeploymentWeight.WithLabelValues(d.Service, d.Region).Set(0)
	telemetry.DeploymentTransitionsTotal.WithLabelValues(d.Service, "rollback").Inc()
	log.Warn().Str("deployment", d.ID).Str("reason", reason).Msg("canary rolled back")

	c.notifier.Send(ctx, notify.Event{
		Kind: notify.KindRollback, Severity: notify.SeverityCritical,
		Service: d.Service, Version: d.Version, Region: d.Region, DeploymentID: d.ID,
		Message: fmt.Sprintf("Canary %s %s rolled back", d.Service, d.Version),
		Reason:  reason,
	})
	return nil
}

// setWeightConfirmed sets the weight and reads it back until the router
// reports the expected value.
func (c *Controller) setWeightConfirmed(ctx context.Context, service, region string, weight float64) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.Multiplier = 2
	bo.MaxInterval = 30 * time.Second

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		if err := c.router.SetPercentage(ctx, service, region, weight); err != nil {
			return struct{}{}, err
		}
		got, err := c.router.GetPercentage(ctx, service, region)
		if err != nil {
			return struct{}{}, err
		}
		if got != weight {
			return struct{}{}, fmt.Errorf("router reports %.4f, want %.4f", got, weight)
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(bo))
	return err
}

// ConfirmRollback completes a paused rollback.
func (c *Controller) ConfirmRollback(ctx context.Context, id string) error {
	m, err := c.get(id)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.d.Status != StatusPaused {
		return ErrNotPaused
	}
	return c.finalizeRollback(ctx, m.d, m.d.RollbackReason)
}

// Resume returns a paused deployment to active monitoring.
func (c *Controller) Resume(_ context.Context, id string) error {
	m, err := c.get(id)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.d.Status != StatusPaused {
		return ErrNotPaused
	}
	m.d.Status = StatusActive
	m.d.RollbackReason = ""
	telemetry.DeploymentTransitionsTotal.WithLabelValues(m.d.Service, "resume").Inc()
	log.Info().Str("deployment", id).Msg("canary resumed")
	return nil
}

// tick advances one deployment through the monitor algorithm. Transient
// failures leave the deployment unchanged; the next tick retries.
func (c *Controller) tick(ctx context.Context, m *managed) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.d
	if d.Status != StatusActive {
		return
	}

	qctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	metrics, err := metricsource.Bundle(qctx, c.source, d.Service, d.Version, d.Region)
	cancel()
	if err != nil {
		telemetry.TickErrorsTotal.WithLabelValues("metrics").Inc()
		log.Warn().Err(err).Str("deployment", d.ID).Msg("metrics fetch failed, will retry next tick")
		return
	}

	eb := c.cfg.Global.ErrorBudget
	budget := ComputeBudget(eb.Availability, metrics.Availability, eb.BurnRateThresholds)
	d.LastMetrics = &metrics
	d.LastBudget = &budget
	telemetry.BudgetBurnRate.WithLabelValues(d.Service, d.Region).Set(budget.BurnRate)

	if reason, match := EvaluateRollback(c.cfg.Global.Rollback.Criteria, metrics, budget); match {
		if err := c.rollbackLocked(ctx, d, reason); err != nil {
			telemetry.TickErrorsTotal.WithLabelValues("rollback").Inc()
			log.Error().Err(err).Str("deployment", d.ID).Msg("rollback failed")
		}
		return
	}

	stage := d.Stages[d.CurrentStage]
	if c.now().Sub(d.LastTransitionAt) < stage.Duration.Std() {
		return
	}
	if metrics.RequestCount < int64(stage.MinSampleSize) {
		return
	}
	if budget.Status == BudgetCritical || budget.Status == BudgetExhausted {
		return
	}

	next := d.CurrentStage + 1
	if next >= len(d.Stages) {
		c.completeLocked(ctx, d)
		return
	}
	target := d.Stages[next]
	if err := c.router.SetPercentage(ctx, d.Service, d.Region, target.Weight); err != nil {
		telemetry.TickErrorsTotal.WithLabelValues("router").Inc()
		log.Warn().Err(err).Str("deployment", d.ID).Msg("weight set failed, will retry next tick")
		return
	}
	d.CurrentStage = next
	d.CurrentWeight = target.Weight
	d.LastTransitionAt = c.now()

	telemetry.DeploymentWeight.WithLabelValues(d.Service, d.Region).Set(target.Weight)
	telemetry.DeploymentTransitionsTotal.WithLabelValues(d.Service, "advance").Inc()
	log.Info().Str("deployment", d.ID).Int("stage", next).Float64("weight", target.Weight).
		Msg("canary advanced")

	c.notifier.Send(ctx, notify.Event{
		Kind: notify.KindStageTransition, Severity: notify.SeverityInfo,
		Service: d.Service, Version: d.Version, Region: d.Region, DeploymentID: d.ID,
		Message: fmt.Sprintf("Canary %s %s advanced to %.0f%%", d.Service, d.Version, target.Weight*100),
	})
}

func (c *Controller) completeLocked(ctx context.Context, d *Deployment) {
	if err := c.router.SetPercentage(ctx, d.Service, d.Region, 1.0); err != nil {
		telemetry.TickErrorsTotal.WithLabelValues("router").Inc()
		log.Warn().Err(err).Str("deployment", d.ID).Msg("final weight set failed, will retry next tick")
		return
	}
	now := c.now()
	d.Status = StatusCompleted
	d.CurrentWeight = 1.0
	d.CompletedAt = &now

	telemetry.DeploymentWeight.WithLabelValues(d.Service, d.Region).Set(1.0)
	telemetry.DeploymentTransitionsTotal.WithLabelValues(d.Service, "complete").Inc()
	log.Info().Str("deployment", d.ID).Msg("canary completed")

	c.notifier.Send(ctx, notify.Event{
		Kind: notify.KindComplete, Severity: notify.SeverityInfo,
		Service: d.Service, Version: d.Version, Region: d.Region, DeploymentID: d.ID,
		Message: fmt.Sprintf("Canary %s %s completed at 100%%", d.Service, d.Version),
	})
}

// SweepExpired drops terminal deployments older than retention. Wired to
// an hourly cron job by the server.
func (c *Controller) SweepExpired(retention time.Duration) int {
	cutoff := c.now().Add(-retention)
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for id, m := range c.deployments {
		m.mu.Lock()
		expired := m.d.Terminal() && m.d.CompletedAt != nil && m.d.CompletedAt.Before(cutoff)
		m.mu.Unlock()
		if expired {
			delete(c.deployments, id)
			removed++
		}
	}
	if removed > 0 {
		log.Info().Int("removed", removed).Msg("swept expired deployments")
	}
	return removed
}
