package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	DeploymentWeight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "deployguard_deployment_weight",
			Help: "Current canary traffic weight per deployment",
		},
		[]string{"service", "region"},
	)

	DeploymentTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deployguard_deployment_transitions_total",
			Help: "Deployment state transitions by kind",
		},
		[]string{"service", "kind"},
	)

	BudgetBurnRate = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "deployguard_budget_burn_rate",
			Help: "Error-budget burn rate per deployment",
		},
		[]string{"service", "region"},
	)

	TickErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deployguard_tick_errors_total",
			Help: "Monitor tick failures by reason; failing ticks retry next interval",
		},
		[]string{"reason"},
	)

	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deployguard_deliveries_total",
			Help: "Delivery outcomes by partner and status",
		},
		[]string{"partner", "status"},
	)

	DeliveryLatencyMs = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "deployguard_delivery_latency_ms",
			Help:    "Partner send latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 1.5, 12),
		},
		[]string{"partner"},
	)

	CacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deployguard_idempotency_cache_hits_total",
			Help: "Idempotency cache lookups by namespace and outcome",
		},
		[]string{"namespace", "outcome"},
	)

	TokenRefreshesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deployguard_token_refreshes_total",
			Help: "OAuth token exchanges by partner",
		},
		[]string{"partner"},
	)

	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deployguard_notifications_total",
			Help: "Notification dispatches by channel and outcome",
		},
		[]string{"channel", "outcome"},
	)

	OpsActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deployguard_ops_actions_total",
			Help: "Operator actions received by the ops API",
		},
		[]string{"action"},
	)
)

func MustRegisterMetrics() {
	prometheus.MustRegister(
		DeploymentWeight, DeploymentTransitionsTotal, BudgetBurnRate, TickErrorsTotal,
		DeliveriesTotal, DeliveryLatencyMs, CacheHitsTotal, TokenRefreshesTotal,
		NotificationsTotal, OpsActionsTotal,
	)
}

func MetricsHandler() http.Handler { return promhttp.Handler() }
