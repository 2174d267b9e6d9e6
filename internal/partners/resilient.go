package partners

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"

	"github.com/deployguard/deployguard/internal/idemcache"
	"github.com/deployguard/deployguard/internal/telemetry"
)

// TokenInvalidator drops a cached token so the next use forces a refresh.
type TokenInvalidator interface {
	Invalidate(ctx context.Context, tenant, partner string) error
}

// PIIPolicy returns the payload fields to redact for a tenant before the
// idempotency hash is computed.
type PIIPolicy func(tenantID string) []string

// Resilient wraps a Partner with pacing, retries, forced token refresh on
// auth failures, and idempotent replay through the shared cache.
type Resilient struct {
	inner       Partner
	bucket      *Bucket
	cache       idemcache.Cache
	invalidator TokenInvalidator
	piiPolicy   PIIPolicy
	maxTries    uint
}

// ResilientOptions tunes a Resilient wrapper.
type ResilientOptions struct {
	RPS       float64
	Burst     int
	MaxTries  uint // send attempts per Deliver, transient failures only
	PIIPolicy PIIPolicy
}

func NewResilient(inner Partner, cache idemcache.Cache, inv TokenInvalidator, opts ResilientOptions) *Resilient {
	maxTries := opts.MaxTries
	if maxTries == 0 {
		maxTries = 3
	}
	pii := opts.PIIPolicy
	if pii == nil {
		pii = func(string) []string { return nil }
	}
	return &Resilient{
		inner:       inner,
		bucket:      NewBucket(opts.RPS, opts.Burst),
		cache:       cache,
		invalidator: inv,
		piiPolicy:   pii,
		maxTries:    maxTries,
	}
}

func (r *Resilient) Name() string { return r.inner.Name() }

func (r *Resilient) VerifySignature(payload []byte, sig, secret string) bool {
	return r.inner.VerifySignature(payload, sig, secret)
}

// Key computes the record's idempotency key: PII fields are stripped per
// tenant policy before canonicalization so submissions differing only in
// redacted content collide.
func (r *Resilient) Key(rec Record) (string, error) {
	redacted := RedactPII(rec.Payload, r.piiPolicy(rec.TenantID))
	return idemcache.KeyFor(r.inner.Name(), redacted, rec.TenantID)
}

func (r *Resilient) Send(ctx context.Context, rec Record) (Response, error) {
	name := r.inner.Name()

	key := rec.IdempotencyKey
	if key == "" {
		var err error
		key, err = r.Key(rec)
		if err != nil {
			return Response{}, Permanent(err)
		}
		rec.IdempotencyKey = key
	}

	if cached, ok, _ := r.cache.Lookup(ctx, name, key); ok {
		telemetry.CacheHitsTotal.WithLabelValues(name, "hit").Inc()
		return Response{
			StatusCode: cached.StatusCode,
			Body:       cached.Body,
			ExternalID: cached.ExternalID,
			FromCache:  true,
		}, nil
	}
	telemetry.CacheHitsTotal.WithLabelValues(name, "miss").Inc()

	if err := r.bucket.Wait(ctx); err != nil {
		return Response{}, Transient(err)
	}

	authRetried := false
	op := func() (Response, error) {
		start := time.Now()
		resp, err := r.inner.Send(ctx, rec)
		telemetry.DeliveryLatencyMs.WithLabelValues(name).
			Observe(float64(time.Since(start).Milliseconds()))
		if err == nil {
			return resp, nil
		}
		switch {
		case IsAuth(err):
			if authRetried {
				// The refreshed token was also rejected; credentials
				// themselves are bad.
				return Response{}, backoff.Permanent(Permanent(err))
			}
			authRetried = true
			if ierr := r.invalidator.Invalidate(ctx, rec.TenantID, name); ierr != nil {
				log.Warn().Err(ierr).Str("partner", name).Msg("token invalidate failed")
			}
			return Response{}, err
		case IsTransient(err):
			return Response{}, err
		default:
			return Response{}, backoff.Permanent(err)
		}
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.Multiplier = 2
	bo.MaxInterval = 30 * time.Second
	bo.RandomizationFactor = 0.5

	resp, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(r.maxTries),
	)
	if err != nil {
		return Response{}, err
	}

	if err := r.cache.Store(ctx, idemcache.CachedResponse{
		Key:        key,
		Namespace:  name,
		StatusCode: resp.StatusCode,
		Body:       resp.Body,
		ExternalID: resp.ExternalID,
	}); err != nil {
		log.Warn().Err(err).Str("partner", name).Msg("idempotency store failed")
	}
	return resp, nil
}
