// Package config handles loading and validating gateway configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/quantora/llmgateway/internal/ledger"
)

// envPrefix selects which environment variables can override config file
// values: LLMGATEWAY_SERVER_PORT → server.port, and so on.
const envPrefix = "LLMGATEWAY_"

// Config is the top-level configuration for the llmgateway service.
type Config struct {
	Server     ServerConfig              `koanf:"server"`
	Providers  map[string]ProviderConfig `koanf:"providers"`
	Resilience ResilienceConfig          `koanf:"resilience"`
	Billing    BillingConfig             `koanf:"billing"`
	Ledger     LedgerConfig              `koanf:"ledger"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port         int           `koanf:"port"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
}

// ProviderConfig holds the settings for a single LLM provider. The map key
// in Config.Providers is the adapter name ("openai", "anthropic", "google",
// "deepseek"); unknown keys are rejected at startup rather than silently
// ignored.
type ProviderConfig struct {
	APIKey  string `koanf:"api_key"`
	BaseURL string `koanf:"base_url"`
}

// ResilienceConfig tunes the retry/breaker wrapper applied to every
// adapter. Zero values fall back to the wrapper's defaults.
type ResilienceConfig struct {
	MaxAttempts      int           `koanf:"max_attempts"`
	InitialBackoff   time.Duration `koanf:"initial_backoff"`
	MaxBackoff       time.Duration `koanf:"max_backoff"`
	BreakerThreshold int           `koanf:"breaker_threshold"`
	BreakerReset     time.Duration `koanf:"breaker_reset"`
	RPS              float64       `koanf:"rps"`
	Burst            int           `koanf:"burst"`
}

// BillingConfig controls how usage is converted to credit debits.
// ExchangeRate and Markup default to the ledger package's values when
// left zero; Prices merge over the built-in price table.
type BillingConfig struct {
	ExchangeRate float64                 `koanf:"exchange_rate"`
	Markup       float64                 `koanf:"markup"`
	ImageCost    float64                 `koanf:"image_cost"`
	Prices       map[string]ledger.Price `koanf:"prices"`
}

// LedgerConfig selects the balance store. An empty Path means the
// in-memory store (useful for tests and local runs).
type LedgerConfig struct {
	Path string `koanf:"path"`
}

// Load reads configuration from a YAML file, layers environment variable
// overrides on top, and returns a fully populated Config.
func Load(path string) (*Config, error) {
	// Load .env into the process environment (ignored if not present).
	_ = godotenv.Load()

	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("loading config file: %w", err)
	}

	// Layer environment variables on top. The callback transforms the env
	// var name into a koanf key path: LLMGATEWAY_SERVER_PORT -> server.port.
	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.ReplaceAll(
			strings.ToLower(strings.TrimPrefix(s, envPrefix)),
			"_", ".",
		)
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Expand ${VAR_NAME} placeholders in provider API keys, so the YAML
	// file can reference secrets without containing them.
	for name, p := range cfg.Providers {
		if strings.HasPrefix(p.APIKey, "${") && strings.HasSuffix(p.APIKey, "}") {
			envVar := p.APIKey[2 : len(p.APIKey)-1]
			p.APIKey = os.Getenv(envVar)
			cfg.Providers[name] = p
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// knownProviders are the adapter names the gateway can construct.
var knownProviders = map[string]bool{
	"openai":    true,
	"anthropic": true,
	"google":    true,
	"deepseek":  true,
}

func (c *Config) validate() error {
	if len(c.Providers) == 0 {
		return fmt.Errorf("config: at least one provider must be configured")
	}
	for name := range c.Providers {
		if !knownProviders[name] {
			return fmt.Errorf("config: unknown provider %q", name)
		}
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	return nil
}
