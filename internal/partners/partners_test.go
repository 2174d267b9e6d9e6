package partners

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestSignatureRoundTrip(t *testing.T) {
	payload := []byte(`{"amount":25,"currency":"USD"}`)
	secret := "whsec-123"

	sig := Sign(payload, secret)
	if !strings.HasPrefix(sig, "sha256=") {
		t.Fatalf("signature %q missing sha256= prefix", sig)
	}

	m := NewMockPartner("benevity")
	if !m.VerifySignature(payload, sig, secret) {
		t.Error("valid signature rejected")
	}
	if m.VerifySignature(payload, sig, "wrong-secret") {
		t.Error("signature accepted with wrong secret")
	}
	if m.VerifySignature([]byte(`{"amount":26}`), sig, secret) {
		t.Error("signature accepted for tampered payload")
	}
	if m.VerifySignature(payload, "sha256=zz", secret) {
		t.Error("malformed hex accepted")
	}
	if m.VerifySignature(payload, strings.TrimPrefix(sig, "sha256="), secret) {
		t.Error("signature without prefix accepted")
	}
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status int
		check  func(error) bool
		kind   string
	}{
		{status: 500, check: IsTransient, kind: "transient"},
		{status: 503, check: IsTransient, kind: "transient"},
		{status: 429, check: IsTransient, kind: "transient"},
		{status: 401, check: IsAuth, kind: "auth"},
		{status: 400, check: IsPermanent, kind: "permanent"},
		{status: 404, check: IsPermanent, kind: "permanent"},
		{status: 422, check: IsPermanent, kind: "permanent"},
	}
	for _, tt := range tests {
		err := classifyStatus("benevity", tt.status)
		if !tt.check(err) {
			t.Errorf("status %d classified as %v, want %s", tt.status, err, tt.kind)
		}
	}
}

func TestErrorUnwrap(t *testing.T) {
	base := errors.New("boom")
	if !errors.Is(Transient(base), base) {
		t.Error("TransientError does not unwrap")
	}
	if !errors.Is(Permanent(base), base) {
		t.Error("PermanentError does not unwrap")
	}
	if IsTransient(Permanent(base)) || IsPermanent(Transient(base)) {
		t.Error("taxonomy predicates overlap")
	}
}

func TestRedactPII(t *testing.T) {
	payload := []byte(`{"donor_email":"a@b.com","amount":25,"nested":{"donor_email":"c@d.com","id":1},"list":[{"donor_email":"e@f.com"}]}`)

	got := RedactPII(payload, []string{"donor_email"})
	if strings.Contains(string(got), "donor_email") {
		t.Errorf("redacted payload still contains field: %s", got)
	}
	if !strings.Contains(string(got), `"amount":25`) {
		t.Errorf("non-PII field lost: %s", got)
	}

	// No fields configured: payload unchanged.
	if out := RedactPII(payload, nil); string(out) != string(payload) {
		t.Error("empty field list modified payload")
	}
	// Invalid JSON passes through untouched.
	if out := RedactPII([]byte("not-json"), []string{"x"}); string(out) != "not-json" {
		t.Error("invalid JSON modified")
	}
}

func TestBucketWaitDisabledWhenNoRate(t *testing.T) {
	b := NewBucket(0, 0)
	if err := b.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestBucketPacesAfterBurst(t *testing.T) {
	b := NewBucket(100, 2)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := b.Wait(ctx); err != nil {
			t.Fatal(err)
		}
	}
	// Two burst tokens are free; the third waits ~10ms for a refill.
	if elapsed := time.Since(start); elapsed < 5*time.Millisecond {
		t.Errorf("third send not paced, elapsed %v", elapsed)
	}
}

func TestBucketWaitHonorsCancellation(t *testing.T) {
	b := NewBucket(0.001, 1)
	ctx := context.Background()
	if err := b.Wait(ctx); err != nil {
		t.Fatal(err)
	}

	cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := b.Wait(cctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait = %v, want deadline exceeded", err)
	}
}
