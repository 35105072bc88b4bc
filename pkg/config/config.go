package config

import (
	"fmt"
	"os"
	"time"

	"github.com/velar-health/velar/pkg/models"
	"gopkg.in/yaml.v3"
)

// Config holds all Velar gateway configuration. Security and cost rules
// live in the separate policy file referenced by PolicyPath.
type Config struct {
	Listen     string                `yaml:"listen"`
	PolicyPath string                `yaml:"policy_path"`
	Providers  []ProviderConfig      `yaml:"providers"`
	Cache      CacheConfig           `yaml:"cache"`
	Audit      models.AuditConfig    `yaml:"audit"`
	Ledger     LedgerConfig          `yaml:"ledger"`
	Limits     LimitsConfig          `yaml:"limits"`
	Log        LogConfig             `yaml:"log"`
	Pricing    []models.ModelPricing `yaml:"pricing"`
}

// ProviderConfig defines an upstream LLM provider.
// Type is "claude" or "ollama"; any other type gets a stub adapter that
// rejects calls until the provider is wired up.
type ProviderConfig struct {
	Name    string        `yaml:"name"`
	Type    string        `yaml:"type"`
	URL     string        `yaml:"url"`
	APIKey  string        `yaml:"api_key"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
	Budget  BudgetConfig  `yaml:"budget"`
	Breaker BreakerConfig `yaml:"breaker"`
	Retry   RetryConfig   `yaml:"retry"`
}

// BudgetConfig overrides the policy-wide hourly caps for one provider.
// Zero values defer to the policy's budgets section.
type BudgetConfig struct {
	MaxRequestsPerHour int `yaml:"max_requests_per_hour"`
	MaxTokensPerHour   int `yaml:"max_tokens_per_hour"`
}

// BreakerConfig controls per-provider failure isolation.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	Window           time.Duration `yaml:"window"`
}

// RetryConfig controls transient-failure retry. MaxRetries counts
// additional attempts after the first.
type RetryConfig struct {
	MaxRetries int           `yaml:"max_retries"`
	BaseDelay  time.Duration `yaml:"base_delay"`
	MaxDelay   time.Duration `yaml:"max_delay"`
}

// CacheConfig controls the response cache. Each provider owns its own
// database file under Dir.
type CacheConfig struct {
	Enabled bool          `yaml:"enabled"`
	Dir     string        `yaml:"dir"`
	TTL     time.Duration `yaml:"ttl"`
}

// LedgerConfig controls the spend ledger.
type LedgerConfig struct {
	DBPath string `yaml:"db_path"`
}

// LimitsConfig controls per-client rate limiting on the HTTP surface.
type LimitsConfig struct {
	PerClientRPS   float64 `yaml:"per_client_rps"`
	PerClientBurst int     `yaml:"per_client_burst"`
}

// LogConfig controls optional rotating file logging. Empty File means
// stderr only.
type LogConfig struct {
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Listen:     ":8080",
		PolicyPath: "policy.yaml",
		Cache: CacheConfig{
			Enabled: true,
			Dir:     "cache",
			TTL:     time.Hour,
		},
		Audit: models.AuditConfig{
			Enabled:       false,
			DBPath:        "audit.db",
			RetentionDays: 30,
			MaxMetaSize:   4096,
		},
		Ledger: LedgerConfig{
			DBPath: "velar.db",
		},
		Limits: LimitsConfig{
			PerClientRPS:   10,
			PerClientBurst: 20,
		},
		Log: LogConfig{
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 14,
		},
	}
}

// Load reads a YAML config file and expands environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	for i := range cfg.Providers {
		cfg.Providers[i].applyDefaults()
	}

	return cfg, nil
}

func (p *ProviderConfig) applyDefaults() {
	if p.Type == "" {
		p.Type = "claude"
	}
	if p.Timeout == 0 {
		p.Timeout = 60 * time.Second
	}
	if p.Breaker.FailureThreshold == 0 {
		p.Breaker.FailureThreshold = 5
	}
	if p.Breaker.Window == 0 {
		p.Breaker.Window = time.Minute
	}
	if p.Retry.MaxRetries == 0 {
		p.Retry.MaxRetries = 2
	}
	if p.Retry.BaseDelay == 0 {
		p.Retry.BaseDelay = 500 * time.Millisecond
	}
	if p.Retry.MaxDelay == 0 {
		p.Retry.MaxDelay = 8 * time.Second
	}
}

// Provider returns the named provider's config.
func (c *Config) Provider(name string) (ProviderConfig, bool) {
	for _, p := range c.Providers {
		if p.Name == name {
			return p, true
		}
	}
	return ProviderConfig{}, false
}

// PricingFor returns the pricing entry for a model, or a zero entry (free)
// when the model has no configured pricing.
func (c *Config) PricingFor(model string) models.ModelPricing {
	for _, p := range c.Pricing {
		if p.Model == model {
			return p
		}
	}
	return models.ModelPricing{Model: model}
}
