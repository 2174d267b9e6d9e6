package partners

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/deployguard/deployguard/internal/tokens"
)

// httpPartner is the shared transport for real partner APIs. Concrete
// partners differ in name, endpoint path, and how the external ID comes
// back in the response body.
type httpPartner struct {
	name      string
	baseURL   string
	path      string
	tokens    *tokens.Manager
	client    *http.Client
	extractID func(body []byte) string
}

func (p *httpPartner) Name() string { return p.name }

func (p *httpPartner) VerifySignature(payload []byte, sig, secret string) bool {
	return verifySignature(payload, sig, secret)
}

func (p *httpPartner) Send(ctx context.Context, rec Record) (Response, error) {
	tok, err := p.tokens.GetValid(ctx, rec.TenantID, p.name)
	if err != nil {
		return Response{}, Transient(fmt.Errorf("%s: token: %w", p.name, err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+p.path, bytes.NewReader(rec.Payload))
	if err != nil {
		return Response{}, Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	req.Header.Set("X-API-Version", "1.0")
	if rec.IdempotencyKey != "" {
		req.Header.Set("Idempotency-Key", rec.IdempotencyKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		// Timeouts and connection failures are worth retrying.
		return Response{}, Transient(fmt.Errorf("%s: %w", p.name, err))
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Response{}, Transient(fmt.Errorf("%s: read body: %w", p.name, err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Response{}, classifyStatus(p.name, resp.StatusCode)
	}
	return Response{
		StatusCode: resp.StatusCode,
		Body:       body,
		ExternalID: p.extractID(body),
	}, nil
}

// NewBenevity builds the Benevity grants API client.
func NewBenevity(baseURL string, mgr *tokens.Manager) Partner {
	return &httpPartner{
		name:    "benevity",
		baseURL: baseURL,
		path:    "/api/v1/transactions",
		tokens:  mgr,
		client:  &http.Client{Timeout: 30 * time.Second},
		extractID: func(body []byte) string {
			var out struct {
				TransactionID string `json:"transaction_id"`
			}
			if json.Unmarshal(body, &out) == nil {
				return out.TransactionID
			}
			return ""
		},
	}
}

// NewWorkday builds the Workday journal API client.
func NewWorkday(baseURL string, mgr *tokens.Manager) Partner {
	return &httpPartner{
		name:    "workday",
		baseURL: baseURL,
		path:    "/ccx/api/v1/journals",
		tokens:  mgr,
		client:  &http.Client{Timeout: 30 * time.Second},
		extractID: func(body []byte) string {
			var out struct {
				ID string `json:"id"`
			}
			if json.Unmarshal(body, &out) == nil {
				return out.ID
			}
			return ""
		},
	}
}
