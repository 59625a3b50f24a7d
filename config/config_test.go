package config

import (
	"reflect"
	"testing"
	"time"

	env "github.com/caarlos0/env/v11"
)

func TestParseServices(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		expected    map[ServiceMode]bool
		expectError bool
	}{
		{
			name:  "single service - worker",
			input: "worker",
			expected: map[ServiceMode]bool{
				ServiceModeWorker: true,
			},
			expectError: false,
		},
		{
			name:  "single service - reaper",
			input: "reaper",
			expected: map[ServiceMode]bool{
				ServiceModeReaper: true,
			},
			expectError: false,
		},
		{
			name:  "multiple services",
			input: "worker,reaper",
			expected: map[ServiceMode]bool{
				ServiceModeWorker: true,
				ServiceModeReaper: true,
			},
			expectError: false,
		},
		{
			name:  "services with spaces",
			input: " worker , reaper ",
			expected: map[ServiceMode]bool{
				ServiceModeWorker: true,
				ServiceModeReaper: true,
			},
			expectError: false,
		},
		{
			name:  "duplicate services",
			input: "worker,worker,reaper",
			expected: map[ServiceMode]bool{
				ServiceModeWorker: true,
				ServiceModeReaper: true,
			},
			expectError: false,
		},
		{
			name:        "empty string",
			input:       "",
			expectError: true,
		},
		{
			name:        "only commas",
			input:       ",,,",
			expectError: true,
		},
		{
			name:        "invalid service",
			input:       "worker,scheduler",
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseServices(tt.input)
			if tt.expectError {
				if err == nil {
					t.Fatalf("expected error for input %q, got none", tt.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !reflect.DeepEqual(got, tt.expected) {
				t.Errorf("ParseServices(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestAppConfigDefaults(t *testing.T) {
	var cfg AppConfig
	if err := env.Parse(&cfg); err != nil {
		t.Fatalf("failed to parse config: %v", err)
	}
	cfg.Sanitize()

	if cfg.Services != "worker" {
		t.Errorf("default Services = %q, want worker", cfg.Services)
	}
	if !cfg.IsWorkerEnabled() {
		t.Error("worker should be enabled by default")
	}
	if cfg.IsReaperEnabled() {
		t.Error("reaper should not be enabled by default")
	}
	if cfg.Postgres.Port != 5432 {
		t.Errorf("default DB port = %d, want 5432", cfg.Postgres.Port)
	}
	if cfg.Worker.Concurrency != 4 {
		t.Errorf("default worker concurrency = %d, want 4", cfg.Worker.Concurrency)
	}
	if !cfg.Queue.MirrorEnabled {
		t.Error("queue mirroring should be enabled by default")
	}
	if cfg.Reaper.Interval != 5*time.Minute {
		t.Errorf("default reaper interval = %v, want 5m", cfg.Reaper.Interval)
	}
}

func TestAppConfigFromEnv(t *testing.T) {
	t.Setenv("SERVICES", "worker,reaper")
	t.Setenv("WORKER_CONCURRENCY", "8")
	t.Setenv("REAPER_RUNNING_MAX_AGE", "30m")
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")

	var cfg AppConfig
	if err := env.Parse(&cfg); err != nil {
		t.Fatalf("failed to parse config: %v", err)
	}
	cfg.Sanitize()

	if !cfg.IsWorkerEnabled() || !cfg.IsReaperEnabled() {
		t.Error("both worker and reaper should be enabled")
	}
	if cfg.Worker.Concurrency != 8 {
		t.Errorf("worker concurrency = %d, want 8", cfg.Worker.Concurrency)
	}
	if cfg.Reaper.RunningMaxAge != 30*time.Minute {
		t.Errorf("reaper running max age = %v, want 30m", cfg.Reaper.RunningMaxAge)
	}
	if cfg.Postgres.Host != "db.internal" {
		t.Errorf("db host = %q, want db.internal", cfg.Postgres.Host)
	}
	if cfg.Providers.AnthropicAPIKey != "sk-test" {
		t.Errorf("anthropic key not loaded from env")
	}
}

func TestSanitizeGuardrails(t *testing.T) {
	cfg := AppConfig{
		Worker: WorkerConfig{Concurrency: -1},
		Reaper: ReaperConfig{Interval: 0, BatchSize: 0},
	}
	cfg.Sanitize()

	if cfg.Worker.Concurrency != 1 {
		t.Errorf("sanitized concurrency = %d, want 1", cfg.Worker.Concurrency)
	}
	if cfg.Reaper.Interval != 5*time.Minute {
		t.Errorf("sanitized reaper interval = %v, want 5m", cfg.Reaper.Interval)
	}
	if cfg.Reaper.BatchSize != 1 {
		t.Errorf("sanitized reaper batch size = %d, want 1", cfg.Reaper.BatchSize)
	}
}

func TestDetectDevMode(t *testing.T) {
	t.Setenv("NODE_ENV", "development")

	cfg := AppConfig{}
	cfg.Sanitize()
	if !cfg.IsDev {
		t.Error("NODE_ENV=development should enable dev mode")
	}
}

func TestObservabilitySanitize(t *testing.T) {
	cfg := ObservabilityConfig{
		Metrics: ObservabilityMetricsConfig{Enabled: true, StatsdAddress: "  "},
		Notifications: ObservabilityNotificationsConfig{
			Enabled: true,
			Slack:   SlackNotificationConfig{Enabled: true, WebhookURL: ""},
		},
	}
	cfg.Sanitize()

	if cfg.Metrics.IsEnabled() {
		t.Error("metrics with a blank address should sanitize to disabled")
	}
	if cfg.Notifications.Slack.Enabled {
		t.Error("slack without a webhook URL should sanitize to disabled")
	}
	if cfg.Notifications.Timeout != 5*time.Second {
		t.Errorf("notification timeout = %v, want 5s", cfg.Notifications.Timeout)
	}
}
