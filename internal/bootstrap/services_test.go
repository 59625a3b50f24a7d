package bootstrap

import (
	"sort"
	"testing"

	"github.com/quillworks/quill-jobs/config"
	"github.com/quillworks/quill-jobs/internal/domain/model"
)

func TestValidateServiceConfig(t *testing.T) {
	if err := ValidateServiceConfig(nil); err == nil {
		t.Fatal("expected error for nil config")
	}

	cfg := &config.AppConfig{Services: "worker,reaper"}
	if err := ValidateServiceConfig(cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cfg = &config.AppConfig{Services: "bogus"}
	if err := ValidateServiceConfig(cfg); err == nil {
		t.Fatal("expected error for unknown service mode")
	}
}

func TestGetEnabledServices(t *testing.T) {
	cfg := &config.AppConfig{Services: "worker,reaper"}
	got := GetEnabledServices(cfg)
	sort.Strings(got)

	want := []string{"reaper", "worker"}
	if len(got) != len(want) {
		t.Fatalf("GetEnabledServices() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("GetEnabledServices() = %v, want %v", got, want)
		}
	}

	if services := GetEnabledServices(nil); len(services) != 0 {
		t.Fatalf("expected no services for nil config, got %v", services)
	}
}

func TestBuildProviderClients(t *testing.T) {
	if _, err := BuildProviderClients(config.ProviderConfig{}); err == nil {
		t.Fatal("expected error when no API keys configured")
	}

	clients, err := BuildProviderClients(config.ProviderConfig{
		AnthropicAPIKey: "sk-ant-test",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := clients[model.APITypeAnthropic]; !ok {
		t.Fatal("expected anthropic client")
	}
	if _, ok := clients[model.APITypeOpenAI]; ok {
		t.Fatal("openai client should not exist without a key")
	}

	clients, err = BuildProviderClients(config.ProviderConfig{
		AnthropicAPIKey: "sk-ant-test",
		OpenAIAPIKey:    "sk-test",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(clients) != 2 {
		t.Fatalf("expected both clients, got %d", len(clients))
	}
}

func TestNewServicesRequiresConfig(t *testing.T) {
	if _, err := NewServices(nil); err == nil {
		t.Fatal("expected error for nil deps")
	}
	if _, err := NewServices(&ServiceDeps{}); err == nil {
		t.Fatal("expected error for missing config")
	}
}

func TestNewServicesInMemory(t *testing.T) {
	cfg := &config.AppConfig{Services: "worker"}
	cfg.Sanitize()

	container, err := NewServices(&ServiceDeps{Config: cfg})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if container.Lifecycle == nil || container.Queue == nil || container.Pool == nil {
		t.Fatal("expected fully wired container")
	}
	if container.Store == nil {
		t.Fatal("expected in-memory store fallback")
	}
}
