// Package config loads application configuration from file and
// environment and initializes the global logger.
package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration. It is built once at
// startup and passed into each component's constructor; nothing reads
// ambient global state, so tests can construct a Config directly.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	Provider  ProviderConfig  `yaml:"provider" mapstructure:"provider"`
	Matcher   MatcherConfig   `yaml:"matcher" mapstructure:"matcher"`
	Scoring   ScoringConfig   `yaml:"scoring" mapstructure:"scoring"`
	Retry     RetryConfig     `yaml:"retry" mapstructure:"retry"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Schedule  ScheduleConfig  `yaml:"schedule" mapstructure:"schedule"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the warehouse backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// ProviderConfig selects the completion provider implementation.
type ProviderConfig struct {
	// Kind is "anthropic" or "mock".
	Kind string `yaml:"kind" mapstructure:"kind"`
	// MockResponse is the canned text the mock provider returns.
	MockResponse string `yaml:"mock_response" mapstructure:"mock_response"`
}

// MatcherConfig configures entity resolution.
type MatcherConfig struct {
	FuzzyThreshold float64 `yaml:"fuzzy_threshold" mapstructure:"fuzzy_threshold"`
	DefaultRegion  string  `yaml:"default_region" mapstructure:"default_region"`
	BatchLimit     int     `yaml:"batch_limit" mapstructure:"batch_limit"`
	// RulesPath points at an optional YAML rules file with manual
	// overrides and domain aliases.
	RulesPath string `yaml:"rules_path" mapstructure:"rules_path"`
}

// ScoringConfig configures the account scoring batch.
type ScoringConfig struct {
	EmailWindow       int     `yaml:"email_window" mapstructure:"email_window"`
	CallWindow        int     `yaml:"call_window" mapstructure:"call_window"`
	OpportunityWindow int     `yaml:"opportunity_window" mapstructure:"opportunity_window"`
	ActivityWindow    int     `yaml:"activity_window" mapstructure:"activity_window"`
	MaxPromptBytes    int     `yaml:"max_prompt_bytes" mapstructure:"max_prompt_bytes"`
	Concurrency       int     `yaml:"concurrency" mapstructure:"concurrency"`
	TimeBudgetSecs    int     `yaml:"time_budget_secs" mapstructure:"time_budget_secs"`
	ProviderRateLimit float64 `yaml:"provider_rate_limit" mapstructure:"provider_rate_limit"`
	ProviderTimeout   int     `yaml:"provider_timeout_secs" mapstructure:"provider_timeout_secs"`
}

// TimeBudget returns the scoring wall-clock budget, or 0 for unbounded.
func (c ScoringConfig) TimeBudget() time.Duration {
	if c.TimeBudgetSecs <= 0 {
		return 0
	}
	return time.Duration(c.TimeBudgetSecs) * time.Second
}

// RetryConfig is the retry policy applied to warehouse and provider calls.
type RetryConfig struct {
	MaxAttempts    int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoff int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoff     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier     float64 `yaml:"multiplier" mapstructure:"multiplier"`
}

// ServerConfig configures the serve daemon's HTTP port.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// ScheduleConfig holds the cron expressions for the serve daemon.
type ScheduleConfig struct {
	Match string `yaml:"match" mapstructure:"match"`
	Score string `yaml:"score" mapstructure:"score"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("SALESPIPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 1024)
	v.SetDefault("provider.kind", "anthropic")
	v.SetDefault("matcher.fuzzy_threshold", 0.8)
	v.SetDefault("matcher.default_region", "US")
	v.SetDefault("matcher.batch_limit", 0)
	v.SetDefault("matcher.rules_path", "")
	v.SetDefault("scoring.email_window", 5)
	v.SetDefault("scoring.call_window", 3)
	v.SetDefault("scoring.opportunity_window", 5)
	v.SetDefault("scoring.activity_window", 10)
	v.SetDefault("scoring.max_prompt_bytes", 16384)
	v.SetDefault("scoring.concurrency", 4)
	v.SetDefault("scoring.time_budget_secs", 0)
	v.SetDefault("scoring.provider_rate_limit", 2)
	v.SetDefault("scoring.provider_timeout_secs", 60)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_ms", 500)
	v.SetDefault("retry.max_backoff_ms", 30000)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("server.port", 8080)
	v.SetDefault("schedule.match", "0 */6 * * *")
	v.SetDefault("schedule.score", "30 6 * * *")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks that the configuration is usable for the given command.
func (c *Config) Validate(command string) error {
	if c.Store.Driver != "postgres" && c.Store.Driver != "sqlite" {
		return eris.Errorf("config: unsupported store driver: %s", c.Store.Driver)
	}
	if command == "score" && c.Provider.Kind == "anthropic" && c.Anthropic.Key == "" {
		return eris.New("config: anthropic key is required (SALESPIPE_ANTHROPIC_KEY)")
	}
	if c.Matcher.FuzzyThreshold <= 0 || c.Matcher.FuzzyThreshold > 1 {
		return eris.Errorf("config: matcher.fuzzy_threshold must be in (0, 1]: %v", c.Matcher.FuzzyThreshold)
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
