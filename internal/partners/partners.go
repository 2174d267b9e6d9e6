// Package partners implements the outbound clients for external delivery
// partners plus the resilient wrapper that adds pacing, retries, token
// refresh, and idempotency on top of them.
package partners

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Record is one payload bound for a partner. Payload is the frozen JSON
// body; IdempotencyKey is set by the resilient wrapper before Send.
type Record struct {
	ID             string          `json:"id"`
	TenantID       string          `json:"tenant_id"`
	Kind           string          `json:"kind"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

// Response is the partner's answer to a delivery.
type Response struct {
	StatusCode int    `json:"status_code"`
	Body       []byte `json:"body,omitempty"`
	ExternalID string `json:"external_id,omitempty"`
	FromCache  bool   `json:"from_cache"`
}

// Partner is one external delivery target.
type Partner interface {
	Name() string
	Send(ctx context.Context, rec Record) (Response, error)
	// VerifySignature checks an inbound webhook signature of the form
	// "sha256=<hex>" against HMAC-SHA256(secret, payload).
	VerifySignature(payload []byte, sig, secret string) bool
}

// TransientError marks a failure worth retrying: 5xx, 429, timeouts, and
// network errors.
type TransientError struct{ Err error }

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a failure that will not succeed on retry: most 4xx
// and validation failures.
type PermanentError struct{ Err error }

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// AuthError marks a 401; the resilient wrapper forces one token refresh
// before treating it as permanent.
type AuthError struct{ Err error }

func (e *AuthError) Error() string { return "auth: " + e.Err.Error() }
func (e *AuthError) Unwrap() error { return e.Err }

func Transient(err error) error { return &TransientError{Err: err} }
func Permanent(err error) error { return &PermanentError{Err: err} }

func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// classifyStatus maps an HTTP status to the error taxonomy.
func classifyStatus(partner string, status int) error {
	switch {
	case status == 401:
		return &AuthError{Err: fmt.Errorf("%s: status 401", partner)}
	case status == 429 || status >= 500:
		return &TransientError{Err: fmt.Errorf("%s: status %d", partner, status)}
	default:
		return &PermanentError{Err: fmt.Errorf("%s: status %d", partner, status)}
	}
}

// Sign computes the outbound webhook signature for payload.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// verifySignature is the shared constant-time check behind every
// partner's VerifySignature.
func verifySignature(payload []byte, sig, secret string) bool {
	const prefix = "sha256="
	if !strings.HasPrefix(sig, prefix) {
		return false
	}
	got, err := hex.DecodeString(strings.TrimPrefix(sig, prefix))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hmac.Equal(got, mac.Sum(nil))
}
