package flags

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// HTTPProvider talks to an external feature-flag service. The service
// exposes GET/PUT on /v1/flags/{flag}/regions/{region} with a JSON body
// {"percentage": <0..1>}.
type HTTPProvider struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewHTTPProvider(baseURL, apiKey string) *HTTPProvider {
	return &HTTPProvider{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

type percentageBody struct {
	Percentage float64 `json:"percentage"`
}

func (p *HTTPProvider) endpoint(flag, region string) string {
	return fmt.Sprintf("%s/v1/flags/%s/regions/%s",
		p.baseURL, url.PathEscape(flag), url.PathEscape(region))
}

func (p *HTTPProvider) GetPercentage(ctx context.Context, flag, region string) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint(flag, region), nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("X-API-Key", p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("flags get %s/%s: %w", flag, region, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return 0, nil
	}
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("flags get %s/%s: status %d", flag, region, resp.StatusCode)
	}
	var body percentageBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("flags get %s/%s: %w", flag, region, err)
	}
	return clamp(body.Percentage), nil
}

func (p *HTTPProvider) SetPercentage(ctx context.Context, flag, region string, pct float64) error {
	b, err := json.Marshal(percentageBody{Percentage: clamp(pct)})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, p.endpoint(flag, region), bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("X-API-Key", p.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("flags set %s/%s: %w", flag, region, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("flags set %s/%s: status %d", flag, region, resp.StatusCode)
	}
	return nil
}
