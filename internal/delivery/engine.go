package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/rs/zerolog/log"

	"github.com/deployguard/deployguard/internal/idemcache"
	"github.com/deployguard/deployguard/internal/partners"
	"github.com/deployguard/deployguard/internal/telemetry"
	"github.com/deployguard/deployguard/internal/tenants"
)

// Options tunes the engine's worker pool and retry policy.
type Options struct {
	Workers      int
	MaxAttempts  int
	PollInterval time.Duration
	BatchSize    int
}

func (o *Options) applyDefaults() {
	if o.Workers <= 0 {
		o.Workers = 8
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 32
	}
}

// Engine drains the job store through resilient partner clients.
type Engine struct {
	store    *Store
	partners map[string]*partners.Resilient
	registry *tenants.Registry
	cache    idemcache.Cache
	opts     Options

	// inflight serializes jobs sharing a (tenant, partner, key) triple.
	// A second job for the same triple stays queued until the first
	// releases the slot.
	inflight *xsync.Map[string, struct{}]

	onPermanentFailure func(ctx context.Context, job Job, err error)

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func NewEngine(store *Store, clients map[string]*partners.Resilient, registry *tenants.Registry, cache idemcache.Cache, opts Options) *Engine {
	opts.applyDefaults()
	return &Engine{
		store:    store,
		partners: clients,
		registry: registry,
		cache:    cache,
		opts:     opts,
		inflight: xsync.NewMap[string, struct{}](),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// OnPermanentFailure registers a hook invoked when a job lands in failed
// or dead. Used to emit warning notifications.
func (e *Engine) OnPermanentFailure(fn func(ctx context.Context, job Job, err error)) {
	e.onPermanentFailure = fn
}

// Submit validates and enqueues a delivery, returning the persisted job.
// The idempotency key is computed at submit time so replays reuse it.
func (e *Engine) Submit(ctx context.Context, tenantID, partner, kind string, payload []byte) (Job, error) {
	client, ok := e.partners[partner]
	if !ok {
		return Job{}, partners.Permanent(fmt.Errorf("unknown partner %q", partner))
	}
	if !json.Valid(payload) {
		return Job{}, partners.Permanent(fmt.Errorf("payload is not valid JSON"))
	}
	tenant, ok := e.registry.Resolve(tenantID)
	if !ok {
		return Job{}, partners.Permanent(fmt.Errorf("unknown or disabled tenant %q", tenantID))
	}
	if !tenant.AllowsPartner(partner) {
		return Job{}, partners.Permanent(fmt.Errorf("tenant %q may not deliver to %q", tenantID, partner))
	}

	key, err := client.Key(partners.Record{TenantID: tenantID, Payload: payload})
	if err != nil {
		return Job{}, partners.Permanent(err)
	}
	return e.store.Enqueue(ctx, Job{
		TenantID:       tenantID,
		Partner:        partner,
		Kind:           kind,
		IdempotencyKey: key,
		Payload:        payload,
	})
}

// Run polls for eligible jobs and dispatches them to the worker pool
// until ctx is done or Stop is called.
func (e *Engine) Run(ctx context.Context) {
	defer close(e.doneCh)
	ticker := time.NewTicker(e.opts.PollInterval)
	defer ticker.Stop()

	slots := make(chan struct{}, e.opts.Workers)
	var wg sync.WaitGroup

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case <-e.stopCh:
			wg.Wait()
			return
		case <-ticker.C:
		}

		jobs, err := e.store.DequeueEligible(ctx, e.opts.BatchSize)
		if err != nil {
			log.Error().Err(err).Msg("delivery poll failed")
			continue
		}
		for _, job := range jobs {
			job := job
			slots <- struct{}{}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() { <-slots }()
				e.process(ctx, job)
			}()
		}
	}
}

// Stop halts the poll loop and waits for in-flight jobs to settle.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	<-e.doneCh
}

func serialKey(job Job) string {
	return job.TenantID + "|" + job.Partner + "|" + job.IdempotencyKey
}

func (e *Engine) process(ctx context.Context, job Job) {
	key := serialKey(job)
	if _, loaded := e.inflight.LoadOrStore(key, struct{}{}); loaded {
		// Another worker holds this triple; try again next poll.
		if err := e.store.Requeue(ctx, job.ID, time.Now().Add(e.opts.PollInterval)); err != nil {
			log.Error().Err(err).Str("job", job.ID).Msg("requeue failed")
		}
		return
	}
	defer e.inflight.Delete(key)

	client := e.partners[job.Partner]
	if client == nil {
		e.finalizeFailed(ctx, job, fmt.Errorf("unknown partner %q", job.Partner))
		return
	}

	resp, err := client.Send(ctx, partners.Record{
		ID:             job.ID,
		TenantID:       job.TenantID,
		Kind:           job.Kind,
		Payload:        job.Payload,
		IdempotencyKey: job.IdempotencyKey,
	})
	switch {
	case err == nil:
		if err := e.store.MarkDelivered(ctx, job.ID, resp.ExternalID); err != nil {
			log.Error().Err(err).Str("job", job.ID).Msg("mark delivered failed")
		}
		telemetry.DeliveriesTotal.WithLabelValues(job.Partner, StatusDelivered).Inc()
		log.Info().Str("job", job.ID).Str("partner", job.Partner).
			Bool("from_cache", resp.FromCache).Msg("delivered")
	case partners.IsTransient(err):
		if job.Attempts+1 >= e.opts.MaxAttempts {
			if merr := e.store.MarkDead(ctx, job.ID, err.Error()); merr != nil {
				log.Error().Err(merr).Str("job", job.ID).Msg("mark dead failed")
			}
			telemetry.DeliveriesTotal.WithLabelValues(job.Partner, StatusDead).Inc()
			e.notifyFailure(ctx, job, err)
			return
		}
		next := time.Now().Add(retryDelay(job.Attempts))
		if rerr := e.store.Reschedule(ctx, job.ID, err.Error(), next); rerr != nil {
			log.Error().Err(rerr).Str("job", job.ID).Msg("reschedule failed")
		}
		telemetry.DeliveriesTotal.WithLabelValues(job.Partner, "retried").Inc()
	default:
		e.finalizeFailed(ctx, job, err)
	}
}

func (e *Engine) finalizeFailed(ctx context.Context, job Job, err error) {
	if merr := e.store.MarkFailed(ctx, job.ID, err.Error()); merr != nil {
		log.Error().Err(merr).Str("job", job.ID).Msg("mark failed failed")
	}
	telemetry.DeliveriesTotal.WithLabelValues(job.Partner, StatusFailed).Inc()
	log.Warn().Err(err).Str("job", job.ID).Str("partner", job.Partner).Msg("delivery failed permanently")
	e.notifyFailure(ctx, job, err)
}

func (e *Engine) notifyFailure(ctx context.Context, job Job, err error) {
	if e.onPermanentFailure != nil {
		e.onPermanentFailure(ctx, job, err)
	}
}

// retryDelay doubles per attempt from one second, capped at five minutes.
func retryDelay(attempts int) time.Duration {
	d := time.Second << uint(attempts)
	if d > 5*time.Minute || d <= 0 {
		d = 5 * time.Minute
	}
	return d
}

// Replay returns a terminal job to the queue with its frozen payload and
// a fresh attempt budget. With force the cached response is invalidated
// first so the partner is hit again instead of replaying from cache.
func (e *Engine) Replay(ctx context.Context, jobID string, force bool) (Job, error) {
	job, err := e.store.Get(ctx, jobID)
	if err != nil {
		return Job{}, err
	}
	if force {
		if err := e.cache.Invalidate(ctx, job.Partner, job.IdempotencyKey); err != nil {
			log.Warn().Err(err).Str("job", jobID).Msg("cache invalidate failed on replay")
		}
	}
	if err := e.store.ResetForReplay(ctx, jobID); err != nil {
		return Job{}, err
	}
	return e.store.Get(ctx, jobID)
}

// Stats reports queue depth by status.
func (e *Engine) Stats(ctx context.Context) (StoreStats, error) {
	return e.store.Stats(ctx)
}
