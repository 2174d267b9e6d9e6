package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Stage is one row of the progressive rollout table.
type Stage struct {
	Weight        float64  `yaml:"weight" json:"weight"`
	Duration      Duration `yaml:"duration" json:"duration"`
	MinSampleSize int      `yaml:"minSampleSize" json:"min_sample_size"`
}

// BurnRateThresholds bucket the error-budget status.
type BurnRateThresholds struct {
	Warning  float64 `yaml:"warning"`
	Critical float64 `yaml:"critical"`
}

// ErrorBudgetConfig is the SLO policy applied unless a service overrides it.
type ErrorBudgetConfig struct {
	Availability       float64            `yaml:"availability"` // SLO percent, e.g. 99.9
	BudgetWindowHours  int                `yaml:"budgetWindowHours"`
	BurnRateThresholds BurnRateThresholds `yaml:"burnRateThresholds"`
}

// RollbackCriterion is one rollback rule; rules are evaluated in declared
// order and the first match wins.
type RollbackCriterion struct {
	Metric    string  `yaml:"metric"` // error_rate | latency_p95 | availability | budget_burn_rate
	Threshold float64 `yaml:"threshold"`
}

// RollbackConfig holds the ordered rollback rule set.
type RollbackConfig struct {
	Criteria []RollbackCriterion `yaml:"criteria"`
}

// GlobalConfig holds defaults applied to every canary-enabled service.
type GlobalConfig struct {
	ErrorBudget    ErrorBudgetConfig `yaml:"errorBudget"`
	Rollback       RollbackConfig    `yaml:"rollback"`
	Stages         []Stage           `yaml:"stages"`
	RetentionHours int               `yaml:"retentionHours"`
}

// ServiceRollback holds per-service rollback behavior.
type ServiceRollback struct {
	ManualApprovalRequired bool `yaml:"manualApprovalRequired"`
}

// ServiceConfig is the per-service canary policy.
type ServiceConfig struct {
	Enabled        bool            `yaml:"enabled"`
	Stages         []Stage         `yaml:"stages"`
	Rollback       ServiceRollback `yaml:"rollback"`
	AllowedRegions []string        `yaml:"allowedRegions"`
}

// FeatureFlagsConfig selects the traffic router provider.
type FeatureFlagsConfig struct {
	Provider string `yaml:"provider"` // "http" or "memory"
	BaseURL  string `yaml:"baseURL"`
}

// MonitoringConfig drives the canary monitor loop.
type MonitoringConfig struct {
	IntervalSeconds     int `yaml:"intervalSeconds"`
	TickTimeoutSeconds  int `yaml:"tickTimeoutSeconds"`
	QueryTimeoutSeconds int `yaml:"queryTimeoutSeconds"`
}

// SlackChannel subscribes a named channel to a set of event kinds.
type SlackChannel struct {
	Name   string   `yaml:"name"`
	Events []string `yaml:"events"` // event kinds, or ["all"]
}

// NotificationsConfig configures the fan-out channels.
type NotificationsConfig struct {
	Slack struct {
		Enabled  bool           `yaml:"enabled"`
		Channels []SlackChannel `yaml:"channels"`
	} `yaml:"slack"`
	PagerDuty struct {
		Enabled        bool     `yaml:"enabled"`
		IntegrationKey string   `yaml:"integrationKey"`
		Events         []string `yaml:"events"`
	} `yaml:"pagerduty"`
	Email struct {
		Enabled    bool     `yaml:"enabled"`
		Recipients []string `yaml:"recipients"`
		Events     []string `yaml:"events"`
		SMTPAddr   string   `yaml:"smtpAddr"`
		From       string   `yaml:"from"`
	} `yaml:"email"`
}

// PartnerConfig is the per-partner delivery policy.
type PartnerConfig struct {
	BaseURL  string  `yaml:"baseURL"`
	TokenURL string  `yaml:"tokenURL"`
	RPS      float64 `yaml:"rps"`
	Burst    int     `yaml:"burst"`
}

// DeliveryConfig drives the outbound delivery engine.
type DeliveryConfig struct {
	Workers             int                      `yaml:"workers"`
	MaxAttempts         int                      `yaml:"maxAttempts"`
	PollIntervalSeconds int                      `yaml:"pollIntervalSeconds"`
	BatchSize           int                      `yaml:"batchSize"`
	Partners            map[string]PartnerConfig `yaml:"partners"`
}

// CacheConfig controls idempotency-cache TTLs.
type CacheConfig struct {
	TTLHours          int            `yaml:"ttlHours"`
	NamespaceTTLHours map[string]int `yaml:"namespaceTTLHours"`
}

// fileConfig is the YAML document shape.
type fileConfig struct {
	Global        GlobalConfig             `yaml:"global"`
	Services      map[string]ServiceConfig `yaml:"services"`
	FeatureFlags  FeatureFlagsConfig       `yaml:"featureFlags"`
	Monitoring    MonitoringConfig         `yaml:"monitoring"`
	Notifications NotificationsConfig      `yaml:"notifications"`
	Delivery      DeliveryConfig           `yaml:"delivery"`
	Cache         CacheConfig              `yaml:"cache"`
	TenantsPath   string                   `yaml:"tenantsPath"`
}

// Config is the effective runtime configuration: the YAML document merged
// with process-environment secrets.
type Config struct {
	Port     string
	OpsToken string
	DataDir  string

	PrometheusURL     string
	FeatureFlagAPIKey string
	SlackWebhookURL   string
	IdempotencyTable  string
	OtelEndpoint      string

	// Partner OAuth credentials keyed by partner kind, from env
	// <PARTNER>_CLIENT_ID / <PARTNER>_CLIENT_SECRET.
	PartnerClientIDs      map[string]string
	PartnerClientSecrets  map[string]string
	PartnerWebhookSecrets map[string]string

	Global        GlobalConfig
	Services      map[string]ServiceConfig
	FeatureFlags  FeatureFlagsConfig
	Monitoring    MonitoringConfig
	Notifications NotificationsConfig
	Delivery      DeliveryConfig
	Cache         CacheConfig
	TenantsPath   string
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

// knownPartners are the partner kinds the delivery engine ships clients for.
var knownPartners = []string{"benevity", "workday"}

// Load reads the YAML config at path (optional) and merges env secrets.
func Load(path string) (Config, error) {
	var fc fileConfig
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &fc); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyDefaults(&fc)

	cfg := Config{
		Port:     getenv("PORT", "8080"),
		OpsToken: getenv("OPS_TOKEN", ""),
		DataDir:  getenv("DATA_DIR", "./data"),

		PrometheusURL:     getenv("PROMETHEUS_URL", "http://localhost:9090"),
		FeatureFlagAPIKey: getenv("FEATURE_FLAG_API_KEY", ""),
		SlackWebhookURL:   getenv("SLACK_WEBHOOK_URL", ""),
		IdempotencyTable:  getenv("IDEMPOTENCY_TABLE", ""),
		OtelEndpoint:      getenv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),

		PartnerClientIDs:      map[string]string{},
		PartnerClientSecrets:  map[string]string{},
		PartnerWebhookSecrets: map[string]string{},

		Global:        fc.Global,
		Services:      fc.Services,
		FeatureFlags:  fc.FeatureFlags,
		Monitoring:    fc.Monitoring,
		Notifications: fc.Notifications,
		Delivery:      fc.Delivery,
		Cache:         fc.Cache,
		TenantsPath:   fc.TenantsPath,
	}
	for _, p := range knownPartners {
		upper := toEnvKey(p)
		cfg.PartnerClientIDs[p] = getenv(upper+"_CLIENT_ID", "")
		cfg.PartnerClientSecrets[p] = getenv(upper+"_CLIENT_SECRET", "")
		cfg.PartnerWebhookSecrets[p] = getenv(upper+"_WEBHOOK_SECRET", "")
	}
	return cfg, nil
}

func toEnvKey(partner string) string {
	out := make([]byte, len(partner))
	for i := 0; i < len(partner); i++ {
		c := partner[i]
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		out[i] = c
	}
	return string(out)
}

func applyDefaults(fc *fileConfig) {
	if fc.Global.ErrorBudget.Availability == 0 {
		fc.Global.ErrorBudget.Availability = 99.9
	}
	if fc.Global.ErrorBudget.BudgetWindowHours == 0 {
		fc.Global.ErrorBudget.BudgetWindowHours = 24
	}
	if fc.Global.ErrorBudget.BurnRateThresholds.Warning == 0 {
		fc.Global.ErrorBudget.BurnRateThresholds.Warning = 2
	}
	if fc.Global.ErrorBudget.BurnRateThresholds.Critical == 0 {
		fc.Global.ErrorBudget.BurnRateThresholds.Critical = 6
	}
	if fc.Global.RetentionHours == 0 {
		fc.Global.RetentionHours = 72
	}
	if len(fc.Global.Stages) == 0 {
		fc.Global.Stages = DefaultStages()
	}
	if fc.Monitoring.IntervalSeconds == 0 {
		fc.Monitoring.IntervalSeconds = 30
	}
	if fc.Monitoring.TickTimeoutSeconds == 0 {
		fc.Monitoring.TickTimeoutSeconds = fc.Monitoring.IntervalSeconds
	}
	if fc.Monitoring.QueryTimeoutSeconds == 0 {
		fc.Monitoring.QueryTimeoutSeconds = 5
	}
	if fc.Delivery.Workers == 0 {
		fc.Delivery.Workers = 8
	}
	if fc.Delivery.MaxAttempts == 0 {
		fc.Delivery.MaxAttempts = 5
	}
	if fc.Delivery.PollIntervalSeconds == 0 {
		fc.Delivery.PollIntervalSeconds = 2
	}
	if fc.Delivery.BatchSize == 0 {
		fc.Delivery.BatchSize = 32
	}
	if fc.Cache.TTLHours == 0 {
		fc.Cache.TTLHours = 24
	}
}

// DefaultStages is the rollout table used when no stages are configured.
func DefaultStages() []Stage {
	return []Stage{
		{Weight: 0.01, Duration: Duration(5 * time.Minute), MinSampleSize: 100},
		{Weight: 0.05, Duration: Duration(5 * time.Minute), MinSampleSize: 100},
		{Weight: 0.25, Duration: Duration(10 * time.Minute), MinSampleSize: 500},
		{Weight: 0.50, Duration: Duration(10 * time.Minute), MinSampleSize: 500},
		{Weight: 1.0, Duration: 0, MinSampleSize: 0},
	}
}

// StagesFor returns the effective stage table for a service.
func (c Config) StagesFor(service string) []Stage {
	if sc, ok := c.Services[service]; ok && len(sc.Stages) > 0 {
		return sc.Stages
	}
	return c.Global.Stages
}

// validRollbackMetrics is the closed set of metrics rules may reference.
var validRollbackMetrics = map[string]bool{
	"error_rate":       true,
	"latency_p95":      true,
	"availability":     true,
	"budget_burn_rate": true,
}

// ValidateConfig returns warnings for suspect but non-fatal configuration.
func ValidateConfig(cfg Config) []string {
	var warnings []string

	for name, stages := range map[string][]Stage{"global": cfg.Global.Stages} {
		warnings = append(warnings, validateStages(name, stages)...)
	}
	for svc, sc := range cfg.Services {
		if len(sc.Stages) > 0 {
			warnings = append(warnings, validateStages(svc, sc.Stages)...)
		}
	}
	for _, crit := range cfg.Global.Rollback.Criteria {
		if !validRollbackMetrics[crit.Metric] {
			warnings = append(warnings, fmt.Sprintf("unknown rollback metric %q ignored", crit.Metric))
		}
	}
	if len(cfg.Global.Rollback.Criteria) == 0 {
		warnings = append(warnings, "no rollback criteria configured; canaries will never auto-rollback")
	}
	if cfg.Notifications.Slack.Enabled && cfg.SlackWebhookURL == "" {
		warnings = append(warnings, "slack notifications enabled but SLACK_WEBHOOK_URL is not set")
	}
	if cfg.Notifications.PagerDuty.Enabled && cfg.Notifications.PagerDuty.IntegrationKey == "" {
		warnings = append(warnings, "pagerduty notifications enabled but integrationKey is not set")
	}
	if cfg.IdempotencyTable == "" {
		warnings = append(warnings, "IDEMPOTENCY_TABLE not set; idempotency cache runs in-memory only")
	}
	return warnings
}

func validateStages(owner string, stages []Stage) []string {
	var warnings []string
	last := -1.0
	for i, s := range stages {
		if s.Weight < 0 || s.Weight > 1 {
			warnings = append(warnings, fmt.Sprintf("%s: stage %d weight %.2f outside [0,1]", owner, i, s.Weight))
		}
		if s.Weight <= last {
			warnings = append(warnings, fmt.Sprintf("%s: stage %d weight %.2f does not increase", owner, i, s.Weight))
		}
		last = s.Weight
	}
	if n := len(stages); n > 0 && stages[n-1].Weight != 1.0 {
		warnings = append(warnings, fmt.Sprintf("%s: final stage weight is %.2f, expected 1.0", owner, stages[n-1].Weight))
	}
	return warnings
}

const masked = "***masked***"

// MaskSecrets returns a copy with secret material replaced, safe for the
// startup config dump.
func (c Config) MaskSecrets() Config {
	out := c
	if out.OpsToken != "" {
		out.OpsToken = masked
	}
	if out.FeatureFlagAPIKey != "" {
		out.FeatureFlagAPIKey = masked
	}
	if out.SlackWebhookURL != "" {
		out.SlackWebhookURL = masked
	}
	out.PartnerClientIDs = maskMap(c.PartnerClientIDs)
	out.PartnerClientSecrets = maskMap(c.PartnerClientSecrets)
	out.PartnerWebhookSecrets = maskMap(c.PartnerWebhookSecrets)
	if out.Notifications.PagerDuty.IntegrationKey != "" {
		out.Notifications.PagerDuty.IntegrationKey = masked
	}
	return out
}

func maskMap(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		if v != "" {
			v = masked
		}
		out[k] = v
	}
	return out
}
