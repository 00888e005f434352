package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	internal "github.com/ZanzyTHEbar/eda-chat/edachat"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config stores all configuration of the application.
// The values are read by viper from a config file, environment variables or flags.
type Config struct {
	Agent   AgentConfig   `mapstructure:"agent"`
	Gateway GatewayConfig `mapstructure:"gateway"`
	Harness HarnessConfig `mapstructure:"harness"`
	Store   StoreConfig   `mapstructure:"store"`
	Server  ServerConfig  `mapstructure:"server"`
}

// AgentConfig stores conversation and context limits.
type AgentConfig struct {
	MaxTurns            int `mapstructure:"max_turns"`             // User turns per conversation
	MaxCumulativeTokens int `mapstructure:"max_cumulative_tokens"` // Tokens per conversation, 0 disables
	NearLimitTurns      int `mapstructure:"near_limit_turns"`      // Turns at which usage reports near_limit
	NearLimitTokens     int `mapstructure:"near_limit_tokens"`     // Tokens at which usage reports near_limit
	ContextBudgetTokens int `mapstructure:"context_budget_tokens"` // Ceiling for one outbound payload
	MaxOutputTokens     int `mapstructure:"max_output_tokens"`     // Completion limit sent to the model
	SampleRows          int `mapstructure:"sample_rows"`           // Rows embedded in the dataset digest
	TopCategories       int `mapstructure:"top_categories"`        // Category counts kept per column
	GroupingCardinality int `mapstructure:"grouping_cardinality"`  // Unique values below which a column is a grouping candidate
}

// GatewayConfig stores hosted model settings.
type GatewayConfig struct {
	Provider string        `mapstructure:"provider"` // "anthropic", "openai", "mock"
	Model    string        `mapstructure:"model"`
	APIKey   string        `mapstructure:"api_key"`
	BaseURL  string        `mapstructure:"base_url"`
	Timeout  time.Duration `mapstructure:"timeout"` // Bound on one gateway round trip
}

// HarnessConfig stores orchestration infrastructure settings.
type HarnessConfig struct {
	// Cache settings
	CacheEnabled    bool `mapstructure:"cache_enabled"`     // Memoize dataset digests
	CacheCapacity   int  `mapstructure:"cache_capacity"`    // LRU cache capacity
	CacheTTLSeconds int  `mapstructure:"cache_ttl_seconds"` // Cache entry TTL

	// Rate limiting
	RateLimitEnabled    bool          `mapstructure:"rate_limit_enabled"`
	RateLimitCapacity   int           `mapstructure:"rate_limit_capacity"`
	RateLimitRefillRate time.Duration `mapstructure:"rate_limit_refill_rate"`

	// Safety and validation
	EnableGuardrails bool `mapstructure:"enable_guardrails"` // Redact credential-looking output

	// Telemetry
	EnableTracing bool `mapstructure:"enable_tracing"`
}

// StoreConfig stores transcript archive settings.
type StoreConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// ServerConfig stores HTTP settings.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(configPath string) (*Config, error) {
	return LoadConfigWithFlags(configPath, nil)
}

// LoadConfigWithFlags is LoadConfig with command line flags bound on top.
// Flag names use the config key form, e.g. "gateway.provider".
func LoadConfigWithFlags(configPath string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath(filepath.Join("etc", internal.DefaultAppName))
		v.AddConfigPath(internal.DefaultConfigPath)
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	setDefaults(v)

	v.AutomaticEnv()
	// Replace dots with underscores in env var names e.g. gateway.api_key becomes GATEWAY_API_KEY
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	if err := v.BindEnv("gateway.api_key", "GATEWAY_API_KEY", "ANTHROPIC_API_KEY", "OPENAI_API_KEY"); err != nil {
		return nil, fmt.Errorf("failed to bind api key env: %w", err)
	}

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("failed to bind flags: %w", err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || configPath != "" {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found; defaults and environment apply.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	if cfg.Gateway.Model == "" {
		cfg.Gateway.Model = defaultModel(cfg.Gateway.Provider)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("agent.max_turns", internal.DefaultMaxTurns)
	v.SetDefault("agent.max_cumulative_tokens", internal.DefaultMaxCumulativeTokens)
	v.SetDefault("agent.near_limit_turns", internal.DefaultNearLimitTurns)
	v.SetDefault("agent.near_limit_tokens", internal.DefaultNearLimitTokens)
	v.SetDefault("agent.context_budget_tokens", internal.DefaultContextBudgetTokens)
	v.SetDefault("agent.max_output_tokens", internal.DefaultMaxOutputTokens)
	v.SetDefault("agent.sample_rows", internal.DefaultSampleRows)
	v.SetDefault("agent.top_categories", internal.DefaultTopCategories)
	v.SetDefault("agent.grouping_cardinality", internal.DefaultGroupingCardinality)

	v.SetDefault("gateway.provider", internal.DefaultGatewayProvider)
	v.SetDefault("gateway.model", "")
	v.SetDefault("gateway.api_key", "")
	v.SetDefault("gateway.base_url", "")
	v.SetDefault("gateway.timeout", "60s")

	v.SetDefault("harness.cache_enabled", true)
	v.SetDefault("harness.cache_capacity", 64)
	v.SetDefault("harness.cache_ttl_seconds", 3600) // 1 hour
	v.SetDefault("harness.rate_limit_enabled", true)
	v.SetDefault("harness.rate_limit_capacity", 10)
	v.SetDefault("harness.rate_limit_refill_rate", "1s")
	v.SetDefault("harness.enable_guardrails", true)
	v.SetDefault("harness.enable_tracing", true)

	v.SetDefault("store.enabled", false)
	v.SetDefault("store.path", internal.DefaultStorePath)

	v.SetDefault("server.addr", internal.DefaultServerAddr)
}

func defaultModel(provider string) string {
	switch provider {
	case "openai":
		return internal.DefaultOpenAIModel
	case "mock":
		return "mock"
	default:
		return internal.DefaultAnthropicModel
	}
}

// Validate checks ranges that would otherwise surface as runtime failures.
func (c *Config) Validate() error {
	if c.Agent.MaxTurns < 1 {
		return fmt.Errorf("agent.max_turns must be >= 1, got %d", c.Agent.MaxTurns)
	}
	if c.Agent.MaxCumulativeTokens < 0 {
		return fmt.Errorf("agent.max_cumulative_tokens must be >= 0, got %d", c.Agent.MaxCumulativeTokens)
	}
	if c.Agent.NearLimitTurns < 0 || c.Agent.NearLimitTokens < 0 {
		return fmt.Errorf("agent.near_limit_turns and agent.near_limit_tokens must be >= 0")
	}
	if c.Agent.ContextBudgetTokens < 1 {
		return fmt.Errorf("agent.context_budget_tokens must be >= 1, got %d", c.Agent.ContextBudgetTokens)
	}
	if c.Agent.MaxOutputTokens < 1 {
		return fmt.Errorf("agent.max_output_tokens must be >= 1, got %d", c.Agent.MaxOutputTokens)
	}
	switch c.Gateway.Provider {
	case "anthropic", "openai", "mock":
	default:
		return fmt.Errorf("unknown gateway.provider %q", c.Gateway.Provider)
	}
	if c.Gateway.Timeout <= 0 {
		return fmt.Errorf("gateway.timeout must be positive")
	}
	if c.Store.Enabled && c.Store.Path == "" {
		return fmt.Errorf("store.path cannot be empty when store is enabled")
	}
	return nil
}
