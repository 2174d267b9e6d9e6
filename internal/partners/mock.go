package partners

import (
	"context"
	"sync"
)

// MockPartner is a scriptable partner used in tests and local runs. Each
// Send pops the next scripted outcome; with an empty script every Send
// succeeds with status 200.
type MockPartner struct {
	PartnerName string

	mu     sync.Mutex
	script []func(Record) (Response, error)
	calls  []Record
}

func NewMockPartner(name string) *MockPartner {
	return &MockPartner{PartnerName: name}
}

func (m *MockPartner) Name() string { return m.PartnerName }

func (m *MockPartner) VerifySignature(payload []byte, sig, secret string) bool {
	return verifySignature(payload, sig, secret)
}

// Enqueue appends one scripted outcome.
func (m *MockPartner) Enqueue(fn func(Record) (Response, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, fn)
}

// EnqueueErr scripts a single failing Send.
func (m *MockPartner) EnqueueErr(err error) {
	m.Enqueue(func(Record) (Response, error) { return Response{}, err })
}

func (m *MockPartner) Send(_ context.Context, rec Record) (Response, error) {
	m.mu.Lock()
	m.calls = append(m.calls, rec)
	var fn func(Record) (Response, error)
	if len(m.script) > 0 {
		fn = m.script[0]
		m.script = m.script[1:]
	}
	m.mu.Unlock()

	if fn != nil {
		return fn(rec)
	}
	return Response{StatusCode: 200, Body: []byte(`{"ok":true}`), ExternalID: "mock-" + rec.ID}, nil
}

// Calls returns a copy of the records Send has seen.
func (m *MockPartner) Calls() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, len(m.calls))
	copy(out, m.calls)
	return out
}
