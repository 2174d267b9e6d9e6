package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
)

// EmailChannel sends plain-text mail through an unauthenticated SMTP
// relay, the usual shape inside a VPC.
type EmailChannel struct {
	smtpAddr   string // host:port
	from       string
	recipients []string
	events     []string
	send       func(addr, from string, to []string, msg []byte) error
}

func NewEmailChannel(smtpAddr, from string, recipients, events []string) *EmailChannel {
	return &EmailChannel{
		smtpAddr:   smtpAddr,
		from:       from,
		recipients: recipients,
		events:     events,
		send: func(addr, from string, to []string, msg []byte) error {
			return smtp.SendMail(addr, nil, from, to, msg)
		},
	}
}

func (c *EmailChannel) Name() string             { return "email" }
func (c *EmailChannel) Matches(kind string) bool { return matchesFilter(c.events, kind) }

func (c *EmailChannel) Send(_ context.Context, e Event) error {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", c.from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(c.recipients, ", "))
	fmt.Fprintf(&b, "Subject: [%s] %s\r\n\r\n", strings.ToUpper(e.Severity), e.Message)
	fmt.Fprintf(&b, "Service: %s\r\nVersion: %s\r\nRegion: %s\r\nStatus: %s\r\n",
		e.Service, e.Version, e.Region, e.Kind)
	if e.Reason != "" {
		fmt.Fprintf(&b, "Reason: %s\r\n", e.Reason)
	}
	if err := c.send(c.smtpAddr, c.from, c.recipients, []byte(b.String())); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}
