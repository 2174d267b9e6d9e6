package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// SlackChannel posts events to an incoming-webhook URL as a single
// attachment with a severity color and standard fields.
type SlackChannel struct {
	name       string
	webhookURL string
	events     []string
	client     *http.Client
}

func NewSlackChannel(name, webhookURL string, events []string) *SlackChannel {
	return &SlackChannel{
		name:       name,
		webhookURL: webhookURL,
		events:     events,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *SlackChannel) Name() string            { return "slack:" + s.name }
func (s *SlackChannel) Matches(kind string) bool { return matchesFilter(s.events, kind) }

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type slackAttachment struct {
	Color  string       `json:"color"`
	Title  string       `json:"title"`
	Text   string       `json:"text,omitempty"`
	Fields []slackField `json:"fields"`
	Ts     int64        `json:"ts"`
}

type slackPayload struct {
	Channel     string            `json:"channel,omitempty"`
	Attachments []slackAttachment `json:"attachments"`
}

func severityColor(severity string) string {
	switch severity {
	case SeverityCritical:
		return "danger"
	case SeverityWarning:
		return "warning"
	default:
		return "good"
	}
}

func (s *SlackChannel) Send(ctx context.Context, e Event) error {
	att := slackAttachment{
		Color: severityColor(e.Severity),
		Title: e.Message,
		Text:  e.Reason,
		Fields: []slackField{
			{Title: "Service", Value: e.Service, Short: true},
			{Title: "Version", Value: e.Version, Short: true},
			{Title: "Region", Value: e.Region, Short: true},
			{Title: "Status", Value: e.Kind, Short: true},
		},
		Ts: e.Timestamp.Unix(),
	}
	body, err := json.Marshal(slackPayload{Channel: s.name, Attachments: []slackAttachment{att}})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("slack webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack webhook: status %d", resp.StatusCode)
	}
	return nil
}
