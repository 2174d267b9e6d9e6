package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseStageDuration(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    time.Duration
		wantErr bool
	}{
		{name: "minutes", input: "5m", want: 5 * time.Minute},
		{name: "hours", input: "2h", want: 2 * time.Hour},
		{name: "zero minutes", input: "0m", want: 0},
		{name: "large value", input: "90m", want: 90 * time.Minute},
		{name: "seconds rejected", input: "30s", wantErr: true},
		{name: "compound rejected", input: "1h30m", wantErr: true},
		{name: "negative rejected", input: "-5m", wantErr: true},
		{name: "bare number rejected", input: "5", wantErr: true},
		{name: "empty rejected", input: "", wantErr: true},
		{name: "trailing garbage rejected", input: "5m ", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseStageDuration(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseStageDuration(%q) = %v, want error", tt.input, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseStageDuration(%q): %v", tt.input, err)
			}
			if got.Std() != tt.want {
				t.Errorf("ParseStageDuration(%q) = %v, want %v", tt.input, got.Std(), tt.want)
			}
		})
	}
}

func TestDurationString(t *testing.T) {
	tests := []struct {
		d    Duration
		want string
	}{
		{Duration(5 * time.Minute), "5m"},
		{Duration(2 * time.Hour), "2h"},
		{Duration(90 * time.Minute), "90m"},
		{Duration(0), "0m"},
	}
	for _, tt := range tests {
		if got := tt.d.String(); got != tt.want {
			t.Errorf("Duration(%v).String() = %q, want %q", time.Duration(tt.d), got, tt.want)
		}
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Global.ErrorBudget.Availability != 99.9 {
		t.Errorf("default SLO = %v, want 99.9", cfg.Global.ErrorBudget.Availability)
	}
	if cfg.Global.ErrorBudget.BurnRateThresholds.Critical != 6 {
		t.Errorf("default critical burn = %v, want 6", cfg.Global.ErrorBudget.BurnRateThresholds.Critical)
	}
	if cfg.Monitoring.IntervalSeconds != 30 {
		t.Errorf("default monitor interval = %d, want 30", cfg.Monitoring.IntervalSeconds)
	}
	if cfg.Delivery.MaxAttempts != 5 {
		t.Errorf("default max attempts = %d, want 5", cfg.Delivery.MaxAttempts)
	}
	if got := len(cfg.Global.Stages); got != 5 {
		t.Fatalf("default stage count = %d, want 5", got)
	}
	if last := cfg.Global.Stages[4]; last.Weight != 1.0 || last.Duration != 0 {
		t.Errorf("final default stage = %+v, want weight 1.0 duration 0", last)
	}
}

func TestLoadYAML(t *testing.T) {
	doc := `
global:
  errorBudget:
    availability: 99.5
    budgetWindowHours: 48
  rollback:
    criteria:
      - {metric: error_rate, threshold: 0.05}
      - {metric: budget_burn_rate, threshold: 6}
  stages:
    - {weight: 0.1, duration: "10m", minSampleSize: 200}
    - {weight: 1.0, duration: "0m", minSampleSize: 0}
services:
  api:
    enabled: true
    allowedRegions: [us-east-1]
delivery:
  partners:
    benevity: {baseURL: "https://api.benevity.test", rps: 5, burst: 10}
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Global.ErrorBudget.Availability != 99.5 {
		t.Errorf("SLO = %v, want 99.5", cfg.Global.ErrorBudget.Availability)
	}
	if len(cfg.Global.Rollback.Criteria) != 2 || cfg.Global.Rollback.Criteria[0].Metric != "error_rate" {
		t.Errorf("criteria = %+v", cfg.Global.Rollback.Criteria)
	}
	stages := cfg.StagesFor("api")
	if len(stages) != 2 || stages[0].Duration.Std() != 10*time.Minute {
		t.Errorf("stages for api = %+v", stages)
	}
	if !cfg.Services["api"].Enabled {
		t.Error("service api should be enabled")
	}
	if cfg.Delivery.Partners["benevity"].RPS != 5 {
		t.Errorf("benevity rps = %v, want 5", cfg.Delivery.Partners["benevity"].RPS)
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	doc := `
global:
  stages:
    - {weight: 0.1, duration: "30s", minSampleSize: 100}
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("Load accepted a 30s stage duration")
	}
}

func TestValidateConfigWarnings(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	cfg.Global.Rollback.Criteria = []RollbackCriterion{{Metric: "cpu_usage", Threshold: 0.9}}
	cfg.Global.Stages = []Stage{
		{Weight: 0.5, Duration: Duration(5 * time.Minute)},
		{Weight: 0.25, Duration: Duration(5 * time.Minute)},
	}

	warnings := ValidateConfig(cfg)
	wantFragments := []string{"cpu_usage", "does not increase", "expected 1.0"}
	for _, frag := range wantFragments {
		found := false
		for _, w := range warnings {
			if strings.Contains(w, frag) {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("no warning containing %q in %v", frag, warnings)
		}
	}
}

func TestMaskSecrets(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	cfg.OpsToken = "super-secret"
	cfg.FeatureFlagAPIKey = "ff-key"
	cfg.SlackWebhookURL = "https://hooks.slack.com/services/T0/B0/x"
	cfg.PartnerClientSecrets = map[string]string{"benevity": "cs-1", "workday": ""}

	masked := cfg.MaskSecrets()
	if masked.OpsToken != "***masked***" || masked.FeatureFlagAPIKey != "***masked***" {
		t.Errorf("secrets not masked: %+v", masked)
	}
	if masked.SlackWebhookURL == cfg.SlackWebhookURL {
		t.Error("slack webhook not masked")
	}
	if masked.PartnerClientSecrets["benevity"] != "***masked***" {
		t.Error("partner secret not masked")
	}
	if masked.PartnerClientSecrets["workday"] != "" {
		t.Error("empty secret should stay empty")
	}
	if cfg.OpsToken != "super-secret" {
		t.Error("MaskSecrets mutated the original")
	}
}
