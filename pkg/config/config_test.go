package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/velar-health/velar/pkg/models"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Listen != ":8080" {
		t.Errorf("expected :8080, got %s", cfg.Listen)
	}
	if cfg.Cache.TTL != time.Hour {
		t.Errorf("expected 1h TTL, got %v", cfg.Cache.TTL)
	}
	if cfg.Limits.PerClientRPS != 10 {
		t.Errorf("expected 10 rps, got %v", cfg.Limits.PerClientRPS)
	}
}

func TestLoad(t *testing.T) {
	t.Setenv("TEST_API_KEY", "sk-test-123")

	content := `
listen: ":9090"
policy_path: "policy.yaml"
providers:
  - name: claude
    type: claude
    url: https://api.anthropic.com
    api_key: ${TEST_API_KEY}
    model: claude-3-5-haiku
    timeout: 30s
    breaker:
      failure_threshold: 3
      window: 2m
  - name: ollama
    type: ollama
    url: http://127.0.0.1:11434
    model: llama3.1:8b
cache:
  enabled: true
  dir: cachedir
  ttl: 30m
pricing:
  - model: claude-3-5-haiku
    prompt_cents_per_1k: 0.08
    completion_cents_per_1k: 0.4
`
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Listen != ":9090" {
		t.Errorf("expected :9090, got %s", cfg.Listen)
	}
	if cfg.Providers[0].APIKey != "sk-test-123" {
		t.Errorf("env var not expanded: got %s", cfg.Providers[0].APIKey)
	}
	if cfg.Providers[0].Timeout != 30*time.Second {
		t.Errorf("expected 30s timeout, got %v", cfg.Providers[0].Timeout)
	}
	if cfg.Providers[0].Breaker.FailureThreshold != 3 {
		t.Errorf("expected threshold 3, got %d", cfg.Providers[0].Breaker.FailureThreshold)
	}
	if cfg.Cache.TTL != 30*time.Minute {
		t.Errorf("expected 30m TTL, got %v", cfg.Cache.TTL)
	}
}

func TestLoadAppliesProviderDefaults(t *testing.T) {
	content := `
providers:
  - name: local
    type: ollama
    url: http://127.0.0.1:11434
`
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	p := cfg.Providers[0]
	if p.Timeout != 60*time.Second {
		t.Errorf("expected default 60s timeout, got %v", p.Timeout)
	}
	if p.Breaker.FailureThreshold != 5 || p.Breaker.Window != time.Minute {
		t.Errorf("unexpected breaker defaults: %+v", p.Breaker)
	}
	if p.Retry.MaxRetries != 2 || p.Retry.BaseDelay != 500*time.Millisecond {
		t.Errorf("unexpected retry defaults: %+v", p.Retry)
	}
}

func TestProviderLookup(t *testing.T) {
	cfg := Default()
	cfg.Providers = []ProviderConfig{{Name: "claude"}, {Name: "ollama"}}

	if _, ok := cfg.Provider("ollama"); !ok {
		t.Error("expected to find ollama")
	}
	if _, ok := cfg.Provider("missing"); ok {
		t.Error("did not expect to find missing provider")
	}
}

func TestPricingFor(t *testing.T) {
	cfg := Default()
	cfg.Pricing = append(cfg.Pricing, models.ModelPricing{
		Model:                "m1",
		PromptCentsPer1K:     1.0,
		CompletionCentsPer1K: 2.0,
	})

	p := cfg.PricingFor("m1")
	if p.PromptCentsPer1K != 1.0 {
		t.Errorf("expected 1.0, got %v", p.PromptCentsPer1K)
	}

	zero := cfg.PricingFor("unknown")
	if zero.PromptCentsPer1K != 0 || zero.CompletionCentsPer1K != 0 {
		t.Errorf("expected zero pricing for unknown model, got %+v", zero)
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Error("expected error for missing file")
	}
}
