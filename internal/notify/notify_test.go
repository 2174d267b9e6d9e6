package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeChannel struct {
	mu     sync.Mutex
	name   string
	events []string
	err    error
	got    []Event
}

func (f *fakeChannel) Name() string             { return f.name }
func (f *fakeChannel) Matches(kind string) bool { return matchesFilter(f.events, kind) }
func (f *fakeChannel) Send(_ context.Context, e Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, e)
	return f.err
}

func (f *fakeChannel) received() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.got)
}

func TestFanoutFiltersByKind(t *testing.T) {
	all := &fakeChannel{name: "all", events: []string{"all"}}
	rollbacks := &fakeChannel{name: "rollbacks", events: []string{KindRollback}}
	silent := &fakeChannel{name: "silent", events: nil}
	fan := NewFanout(all, rollbacks, silent)

	fan.Send(context.Background(), Event{Kind: KindStart, Severity: SeverityInfo})
	fan.Send(context.Background(), Event{Kind: KindRollback, Severity: SeverityCritical})

	if n := all.received(); n != 2 {
		t.Errorf("all-channel received %d events, want 2", n)
	}
	if n := rollbacks.received(); n != 1 {
		t.Errorf("rollback channel received %d events, want 1", n)
	}
	if n := silent.received(); n != 0 {
		t.Errorf("unsubscribed channel received %d events, want 0", n)
	}
}

func TestFanoutIsolatesChannelFailures(t *testing.T) {
	broken := &fakeChannel{name: "broken", events: []string{"all"}, err: errors.New("webhook down")}
	healthy := &fakeChannel{name: "healthy", events: []string{"all"}}
	fan := NewFanout(broken, healthy)

	fan.Send(context.Background(), Event{Kind: KindRollback, Severity: SeverityCritical})

	if n := healthy.received(); n != 1 {
		t.Errorf("healthy channel received %d events, want 1", n)
	}
}

func TestFanoutStampsTimestamp(t *testing.T) {
	ch := &fakeChannel{name: "ch", events: []string{"all"}}
	NewFanout(ch).Send(context.Background(), Event{Kind: KindStart})
	if ch.got[0].Timestamp.IsZero() {
		t.Error("fanout did not stamp a missing timestamp")
	}

	fixed := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	NewFanout(ch).Send(context.Background(), Event{Kind: KindStart, Timestamp: fixed})
	if !ch.got[1].Timestamp.Equal(fixed) {
		t.Error("fanout overwrote an explicit timestamp")
	}
}

func TestSlackChannelPayload(t *testing.T) {
	var payload slackPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode webhook body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ch := NewSlackChannel("deploys", srv.URL, []string{"all"})
	err := ch.Send(context.Background(), Event{
		Kind: KindRollback, Severity: SeverityCritical,
		Service: "api", Version: "v2", Region: "us-east-1",
		Message: "Canary api v2 rolled back", Reason: "error rate 6.00% exceeds threshold 5.00%",
		Timestamp: time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}

	if len(payload.Attachments) != 1 {
		t.Fatalf("attachments = %+v", payload.Attachments)
	}
	att := payload.Attachments[0]
	if att.Color != "danger" {
		t.Errorf("color = %s, want danger", att.Color)
	}
	if !strings.Contains(att.Text, "6.00%") {
		t.Errorf("attachment text = %q", att.Text)
	}
	want := map[string]string{"Service": "api", "Version": "v2", "Region": "us-east-1", "Status": KindRollback}
	for _, f := range att.Fields {
		if v, ok := want[f.Title]; ok && f.Value != v {
			t.Errorf("field %s = %s, want %s", f.Title, f.Value, v)
		}
	}

	if got := ch.Name(); got != "slack:deploys" {
		t.Errorf("Name = %s", got)
	}
}

func TestSlackChannelNon200IsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	ch := NewSlackChannel("deploys", srv.URL, []string{"all"})
	if err := ch.Send(context.Background(), Event{Kind: KindStart}); err == nil {
		t.Error("expected error on 403 webhook response")
	}
}

func TestPagerDutyChannelPayload(t *testing.T) {
	var ev pdEvent
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
			t.Errorf("decode event body: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	ch := NewPagerDutyChannel("rk-123", []string{KindRollback})
	ch.endpoint = srv.URL

	err := ch.Send(context.Background(), Event{
		Kind: KindRollback, Severity: SeverityCritical,
		Service: "api", Version: "v2", Region: "us-east-1", DeploymentID: "dep-1",
		Message: "Canary api v2 rolled back", Reason: "burn rate 10.00",
	})
	if err != nil {
		t.Fatal(err)
	}

	if ev.RoutingKey != "rk-123" || ev.EventAction != "trigger" || ev.DedupKey != "dep-1" {
		t.Errorf("event envelope = %+v", ev)
	}
	if ev.Payload.Severity != "critical" || ev.Payload.Source != "api/us-east-1" {
		t.Errorf("event payload = %+v", ev.Payload)
	}
	if ev.Payload.CustomDetails["reason"] != "burn rate 10.00" {
		t.Errorf("custom details = %+v", ev.Payload.CustomDetails)
	}
}

func TestEmailChannelMessage(t *testing.T) {
	var gotAddr, gotFrom string
	var gotTo []string
	var gotMsg []byte

	ch := NewEmailChannel("relay:25", "deploys@example.com",
		[]string{"oncall@example.com"}, []string{"all"})
	ch.send = func(addr, from string, to []string, msg []byte) error {
		gotAddr, gotFrom, gotTo, gotMsg = addr, from, to, msg
		return nil
	}

	err := ch.Send(context.Background(), Event{
		Kind: KindComplete, Severity: SeverityInfo,
		Service: "api", Version: "v2", Region: "us-east-1",
		Message: "Canary api v2 completed at 100%",
	})
	if err != nil {
		t.Fatal(err)
	}
	if gotAddr != "relay:25" || gotFrom != "deploys@example.com" || len(gotTo) != 1 {
		t.Errorf("send args = %s %s %v", gotAddr, gotFrom, gotTo)
	}
	msg := string(gotMsg)
	if !strings.Contains(msg, "Subject: [INFO] Canary api v2 completed at 100%") {
		t.Errorf("message = %q", msg)
	}
	if !strings.Contains(msg, "Service: api") || !strings.Contains(msg, "Status: complete") {
		t.Errorf("message body = %q", msg)
	}
	if strings.Contains(msg, "Reason:") {
		t.Error("empty reason rendered a Reason line")
	}
}

func TestSeverityColor(t *testing.T) {
	tests := []struct {
		severity string
		want     string
	}{
		{SeverityCritical, "danger"},
		{SeverityWarning, "warning"},
		{SeverityInfo, "good"},
		{"", "good"},
	}
	for _, tt := range tests {
		if got := severityColor(tt.severity); got != tt.want {
			t.Errorf("severityColor(%q) = %s, want %s", tt.severity, got, tt.want)
		}
	}
}
