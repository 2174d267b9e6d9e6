package metricsource

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Source executes instant queries and returns one scalar per query.
type Source interface {
	QueryInstant(ctx context.Context, expr string) (float64, error)
}

// Client queries a Prometheus-compatible /api/v1/query endpoint.
type Client struct {
	baseURL string
	client  *http.Client
	timeout time.Duration
}

// NewClient builds a client with a short per-query deadline. Callers treat
// transport errors as a missing sample, not a budget violation, so the
// deadline errs on the side of giving up quickly.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		timeout: timeout,
	}
}

type queryEnvelope struct {
	Status string `json:"status"`
	Error  string `json:"error"`
	Data   struct {
		ResultType string `json:"resultType"`
		Result     []struct {
			Value [2]interface{} `json:"value"` // [ts, "value"]
		} `json:"result"`
	} `json:"data"`
}

// QueryInstant executes expr and returns the first sample as a float.
// An empty result set or NaN yields 0 with no error.
func (c *Client) QueryInstant(ctx context.Context, expr string) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	u := c.baseURL + "/api/v1/query?query=" + url.QueryEscape(expr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("prometheus query: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("prometheus query status %d", resp.StatusCode)
	}

	var env queryEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return 0, fmt.Errorf("prometheus decode: %w", err)
	}
	if env.Status != "success" {
		return 0, fmt.Errorf("prometheus query failed: %s", env.Error)
	}
	if len(env.Data.Result) == 0 {
		return 0, nil
	}

	raw, ok := env.Data.Result[0].Value[1].(string)
	if !ok {
		return 0, fmt.Errorf("prometheus sample value not a string")
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("prometheus sample %q: %w", raw, err)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, nil
	}
	return v, nil
}

// Metrics is one observation window for a canary deployment.
// Error rate is a 0..1 fraction, latencies are milliseconds, and
// availability is a percentage.
type Metrics struct {
	RequestCount int64   `json:"request_count"`
	ErrorCount   int64   `json:"error_count"`
	ErrorRate    float64 `json:"error_rate"`
	LatencyP50   float64 `json:"latency_p50"`
	LatencyP95   float64 `json:"latency_p95"`
	LatencyP99   float64 `json:"latency_p99"`
	Availability float64 `json:"availability"`
}

// Bundle issues the five-query bundle for one deployment and derives the
// observed metrics. A zero-request window reads as fully available.
func Bundle(ctx context.Context, src Source, service, version, region string) (Metrics, error) {
	sel := fmt.Sprintf(`service=%q,version=%q,region=%q,deployment="canary"`, service, version, region)

	reqs, err := src.QueryInstant(ctx, fmt.Sprintf(`sum(increase(http_requests_total{%s}[5m]))`, sel))
	if err != nil {
		return Metrics{}, err
	}
	errs, err := src.QueryInstant(ctx, fmt.Sprintf(`sum(increase(http_requests_errors_total{%s}[5m]))`, sel))
	if err != nil {
		return Metrics{}, err
	}
	p50, err := src.QueryInstant(ctx, fmt.Sprintf(`histogram_quantile(0.50, sum(rate(http_request_duration_ms_bucket{%s}[5m])) by (le))`, sel))
	if err != nil {
		return Metrics{}, err
	}
	p95, err := src.QueryInstant(ctx, fmt.Sprintf(`histogram_quantile(0.95, sum(rate(http_request_duration_ms_bucket{%s}[5m])) by (le))`, sel))
	if err != nil {
		return Metrics{}, err
	}
	p99, err := src.QueryInstant(ctx, fmt.Sprintf(`histogram_quantile(0.99, sum(rate(http_request_duration_ms_bucket{%s}[5m])) by (le))`, sel))
	if err != nil {
		return Metrics{}, err
	}

	m := Metrics{
		RequestCount: int64(reqs),
		ErrorCount:   int64(errs),
		LatencyP50:   p50,
		LatencyP95:   p95,
		LatencyP99:   p99,
	}
	if m.RequestCount > 0 {
		m.ErrorRate = float64(m.ErrorCount) / float64(m.RequestCount)
		m.Availability = 100 * float64(m.RequestCount-m.ErrorCount) / float64(m.RequestCount)
	} else {
		m.ErrorRate = 0
		m.Availability = 100
	}
	return m, nil
}
