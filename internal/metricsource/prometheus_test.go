package metricsource

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// promHandler answers the five-query bundle. The errors fragment is
// matched before the requests fragment, which it contains.
func promHandler(requests, errors, quantile string) http.HandlerFunc {
	reply := func(w http.ResponseWriter, val string) {
		fmt.Fprintf(w, `{"status":"success","data":{"resultType":"vector","result":[{"value":[1700000000,"%s"]}]}}`, val)
	}
	return func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query().Get("query")
		switch {
		case strings.Contains(query, "http_requests_errors_total"):
			reply(w, errors)
		case strings.Contains(query, "http_requests_total"):
			reply(w, requests)
		case strings.Contains(query, "histogram_quantile"):
			reply(w, quantile)
		default:
			fmt.Fprint(w, `{"status":"success","data":{"resultType":"vector","result":[]}}`)
		}
	}
}

func TestQueryInstant(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		status  int
		want    float64
		wantErr bool
	}{
		{
			name: "scalar value",
			body: `{"status":"success","data":{"result":[{"value":[1700000000,"42.5"]}]}}`,
			want: 42.5,
		},
		{
			name: "empty result is zero",
			body: `{"status":"success","data":{"result":[]}}`,
			want: 0,
		},
		{
			name: "NaN coerces to zero",
			body: `{"status":"success","data":{"result":[{"value":[1700000000,"NaN"]}]}}`,
			want: 0,
		},
		{
			name:    "error status",
			body:    `{"status":"error","error":"bad query"}`,
			wantErr: true,
		},
		{
			name:    "http failure",
			status:  http.StatusBadGateway,
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tt.status != 0 {
					w.WriteHeader(tt.status)
					return
				}
				fmt.Fprint(w, tt.body)
			}))
			defer srv.Close()

			c := NewClient(srv.URL, time.Second)
			got, err := c.QueryInstant(context.Background(), "up")
			if tt.wantErr {
				if err == nil {
					t.Fatalf("QueryInstant = %v, want error", got)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("QueryInstant = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestQueryInstantEncodesQuery(t *testing.T) {
	var seen string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.URL.Query().Get("query")
		fmt.Fprint(w, `{"status":"success","data":{"result":[]}}`)
	}))
	defer srv.Close()

	expr := `sum(rate(http_requests_total{service="api",region="us-east-1"}[5m]))`
	c := NewClient(srv.URL, time.Second)
	if _, err := c.QueryInstant(context.Background(), expr); err != nil {
		t.Fatal(err)
	}
	if seen != expr {
		t.Errorf("server saw query %q, want %q", seen, expr)
	}
}

func TestBundleDerivations(t *testing.T) {
	tests := []struct {
		name             string
		requests, errors string
		wantRate         float64
		wantAvailability float64
	}{
		{
			name: "normal window", requests: "1000", errors: "1",
			wantRate: 0.001, wantAvailability: 99.9,
		},
		{
			name: "zero-request window", requests: "0", errors: "0",
			wantRate: 0, wantAvailability: 100,
		},
		{
			name: "all errors", requests: "100", errors: "100",
			wantRate: 1, wantAvailability: 0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(promHandler(tt.requests, tt.errors, "80"))
			defer srv.Close()

			m, err := Bundle(context.Background(), NewClient(srv.URL, time.Second), "api", "v2", "us-east-1")
			if err != nil {
				t.Fatal(err)
			}
			if m.ErrorRate != tt.wantRate {
				t.Errorf("ErrorRate = %v, want %v", m.ErrorRate, tt.wantRate)
			}
			if m.Availability != tt.wantAvailability {
				t.Errorf("Availability = %v, want %v", m.Availability, tt.wantAvailability)
			}
		})
	}
}
