package tokens

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/deployguard/deployguard/internal/telemetry"
)

// refreshSkew treats tokens as expired this long before their real expiry.
const refreshSkew = 30 * time.Second

// Exchanger performs the upstream credential exchange for one partner.
type Exchanger interface {
	Exchange(ctx context.Context, tenant, partner string) (Token, error)
}

// Manager hands out valid tokens, refreshing through the store and
// collapsing concurrent refreshes of the same (tenant, partner) into one
// upstream call.
type Manager struct {
	store     Store
	exchanger Exchanger
	group     singleflight.Group
	now       func() time.Time
}

func NewManager(store Store, exchanger Exchanger) *Manager {
	return &Manager{store: store, exchanger: exchanger, now: time.Now}
}

// GetValid returns a token valid for at least the refresh skew, exchanging
// a fresh one when the stored token is missing or near expiry.
func (m *Manager) GetValid(ctx context.Context, tenant, partner string) (Token, error) {
	tok, err := m.store.Get(ctx, tenant, partner)
	if err == nil && tok.Valid(m.now(), refreshSkew) {
		return tok, nil
	}
	if err != nil && !errors.Is(err, ErrNotFound) {
		log.Warn().Err(err).Str("partner", partner).Msg("token store read failed, refreshing")
	}
	return m.refresh(ctx, tenant, partner)
}

func (m *Manager) refresh(ctx context.Context, tenant, partner string) (Token, error) {
	key := tenant + "|" + partner
	v, err, _ := m.group.Do(key, func() (interface{}, error) {
		// A concurrent caller may have refreshed while this one waited
		// on the flight group.
		if tok, err := m.store.Get(ctx, tenant, partner); err == nil && tok.Valid(m.now(), refreshSkew) {
			return tok, nil
		}
		tok, err := m.exchanger.Exchange(ctx, tenant, partner)
		if err != nil {
			return Token{}, err
		}
		telemetry.TokenRefreshesTotal.WithLabelValues(partner).Inc()
		if err := m.store.Put(ctx, tok); err != nil {
			// The token is still usable this request; only persistence failed.
			log.Warn().Err(err).Str("partner", partner).Msg("token persist failed")
		}
		return tok, nil
	})
	if err != nil {
		return Token{}, err
	}
	return v.(Token), nil
}

// Invalidate drops the stored token so the next GetValid forces an
// exchange. Used when a partner rejects a token before its bookkept expiry.
func (m *Manager) Invalidate(ctx context.Context, tenant, partner string) error {
	return m.store.Delete(ctx, tenant, partner)
}

// Credential is one partner's client-credentials pair and token endpoint.
type Credential struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
}

// HTTPExchanger exchanges client credentials at each partner's token
// endpoint per RFC 6749 section 4.4.
type HTTPExchanger struct {
	creds  map[string]Credential // keyed by partner kind
	client *http.Client
}

func NewHTTPExchanger(creds map[string]Credential) *HTTPExchanger {
	return &HTTPExchanger{
		creds:  creds,
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

func (e *HTTPExchanger) Exchange(ctx context.Context, tenant, partner string) (Token, error) {
	cred, ok := e.creds[partner]
	if !ok || cred.TokenURL == "" {
		return Token{}, fmt.Errorf("tokens: no credentials configured for partner %s", partner)
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", cred.ClientID)
	form.Set("client_secret", cred.ClientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cred.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return Token{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := e.client.Do(req)
	if err != nil {
		return Token{}, fmt.Errorf("tokens: exchange %s: %w", partner, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Token{}, fmt.Errorf("tokens: exchange %s: %w", partner, err)
	}
	if resp.StatusCode != http.StatusOK {
		return Token{}, fmt.Errorf("tokens: exchange %s: status %d", partner, resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return Token{}, fmt.Errorf("tokens: exchange %s: %w", partner, err)
	}
	if tr.AccessToken == "" {
		return Token{}, fmt.Errorf("tokens: exchange %s: empty access_token", partner)
	}
	expiresIn := tr.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 3600
	}
	return Token{
		Tenant:      tenant,
		Partner:     partner,
		AccessToken: tr.AccessToken,
		ExpiresAt:   time.Now().Add(time.Duration(expiresIn) * time.Second),
	}, nil
}
