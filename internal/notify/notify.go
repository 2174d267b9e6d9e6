// Package notify fans deployment and delivery events out to the
// configured channels. Channel failures are logged and counted but never
// propagate; an unreachable webhook must not block a rollback.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/deployguard/deployguard/internal/telemetry"
)

// Event kinds.
const (
	KindStart                    = "start"
	KindStageTransition          = "stage_transition"
	KindComplete                 = "complete"
	KindRollback                 = "rollback"
	KindRollbackApprovalRequired = "rollback_approval_required"
	KindDeliveryFailed           = "delivery_failed"
)

// Severities. Colors and emoji derived from these are presentational per
// channel, not part of the event.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Event is one notification.
type Event struct {
	Kind         string    `json:"kind"`
	Severity     string    `json:"severity"`
	Service      string    `json:"service,omitempty"`
	Version      string    `json:"version,omitempty"`
	Region       string    `json:"region,omitempty"`
	DeploymentID string    `json:"deployment_id,omitempty"`
	Message      string    `json:"message"`
	Reason       string    `json:"reason,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Channel is one notification sink with its own event filter.
type Channel interface {
	Name() string
	Matches(kind string) bool
	Send(ctx context.Context, e Event) error
}

// matchesFilter implements the shared filter rule: a channel subscribed
// to "all" receives everything.
func matchesFilter(events []string, kind string) bool {
	for _, e := range events {
		if e == "all" || e == kind {
			return true
		}
	}
	return false
}

// Fanout dispatches events to every matching channel in parallel and
// waits for all of them.
type Fanout struct {
	channels []Channel
}

func NewFanout(channels ...Channel) *Fanout {
	return &Fanout{channels: channels}
}

func (f *Fanout) Send(ctx context.Context, e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	var wg sync.WaitGroup
	for _, ch := range f.channels {
		if !ch.Matches(e.Kind) {
			continue
		}
		ch := ch
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := ch.Send(ctx, e); err != nil {
				telemetry.NotificationsTotal.WithLabelValues(ch.Name(), "error").Inc()
				log.Warn().Err(err).Str("channel", ch.Name()).Str("kind", e.Kind).
					Msg("notification dispatch failed")
				return
			}
			telemetry.NotificationsTotal.WithLabelValues(ch.Name(), "ok").Inc()
		}()
	}
	wg.Wait()
}
