package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const pagerDutyEventsURL = "https://events.pagerduty.com/v2/enqueue"

// PagerDutyChannel triggers events through the Events API v2.
type PagerDutyChannel struct {
	routingKey string
	events     []string
	endpoint   string
	client     *http.Client
}

func NewPagerDutyChannel(routingKey string, events []string) *PagerDutyChannel {
	return &PagerDutyChannel{
		routingKey: routingKey,
		events:     events,
		endpoint:   pagerDutyEventsURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (p *PagerDutyChannel) Name() string             { return "pagerduty" }
func (p *PagerDutyChannel) Matches(kind string) bool { return matchesFilter(p.events, kind) }

type pdPayload struct {
	Summary       string            `json:"summary"`
	Source        string            `json:"source"`
	Severity      string            `json:"severity"`
	CustomDetails map[string]string `json:"custom_details,omitempty"`
}

type pdEvent struct {
	RoutingKey  string    `json:"routing_key"`
	EventAction string    `json:"event_action"`
	DedupKey    string    `json:"dedup_key,omitempty"`
	Payload     pdPayload `json:"payload"`
}

// pdSeverity maps to PagerDuty's closed severity set.
func pdSeverity(severity string) string {
	switch severity {
	case SeverityCritical:
		return "critical"
	case SeverityWarning:
		return "warning"
	default:
		return "info"
	}
}

func (p *PagerDutyChannel) Send(ctx context.Context, e Event) error {
	ev := pdEvent{
		RoutingKey:  p.routingKey,
		EventAction: "trigger",
		DedupKey:    e.DeploymentID,
		Payload: pdPayload{
			Summary:  e.Message,
			Source:   e.Service + "/" + e.Region,
			Severity: pdSeverity(e.Severity),
			CustomDetails: map[string]string{
				"version": e.Version,
				"reason":  e.Reason,
			},
		},
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("pagerduty enqueue: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("pagerduty enqueue: status %d", resp.StatusCode)
	}
	return nil
}
