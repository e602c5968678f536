// Package config provides configuration management for the gateway.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	yaml "gopkg.in/yaml.v3"
)

const (
	// defaultPositionSizeUSD is used when executor.default_position_size_usd is unset
	defaultPositionSizeUSD = 100.0
	// defaultFractionalMax caps the notional under which fractional market
	// orders are preferred on venues that support them
	defaultFractionalMax = 1000.0
	// defaultReversalSettleDelay is the pause between closing a position and
	// reopening on the opposite side
	defaultReversalSettleDelay = "2s"
	// defaultWorkerInterval is the AI strategy evaluation tick
	defaultWorkerInterval = "45s"
	// defaultShutdownTimeout bounds graceful drain on SIGTERM
	defaultShutdownTimeout = "25s"
)

// Config represents the complete application configuration.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Redis       RedisConfig       `yaml:"redis"`
	ML          MLConfig          `yaml:"ml"`
	Executor    ExecutorConfig    `yaml:"executor"`
	Worker      WorkerConfig      `yaml:"worker"`
}

// EnvironmentConfig defines the environment settings.
type EnvironmentConfig struct {
	Mode     string `yaml:"mode"`      // paper | live
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
}

// ServerConfig defines the HTTP intake settings.
type ServerConfig struct {
	Addr            string  `yaml:"addr"`
	RateCapacity    float64 `yaml:"rate_capacity"`
	RatePerSecond   float64 `yaml:"rate_per_second"`
	ShutdownTimeout string  `yaml:"shutdown_timeout"`
}

// DatabaseConfig defines the postgres connection.
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// RedisConfig defines the optional risk-counter cache. An empty addr runs
// the risk engine on its in-process cache alone.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// MLConfig defines the validation/prediction service endpoints. Empty base
// URLs disable the ML gate entirely.
type MLConfig struct {
	BaseURL    string `yaml:"base_url"`
	LLMBaseURL string `yaml:"llm_base_url"`
	APIKey     string `yaml:"api_key"`
}

// ExecutorConfig defines order-routing defaults.
type ExecutorConfig struct {
	DefaultPositionSizeUSD float64 `yaml:"default_position_size_usd"`
	FractionalNotionalMax  float64 `yaml:"fractional_notional_max"`
	ReversalSettleDelay    string  `yaml:"reversal_settle_delay"`
}

// WorkerConfig defines the AI strategy loop.
type WorkerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Interval string `yaml:"interval"`
}

// Load reads and parses the configuration file from the specified path.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables so secrets stay out of the file
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// Validate checks that all configuration values are valid and consistent.
func (c *Config) Validate() error {
	c.normalize()

	if c.Environment.Mode != "paper" && c.Environment.Mode != "live" {
		return fmt.Errorf("environment.mode must be 'paper' or 'live'")
	}
	switch c.Environment.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("environment.log_level must be debug, info, warn or error")
	}

	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Server.RateCapacity < 0 || c.Server.RatePerSecond < 0 {
		return fmt.Errorf("server rate limits must be >= 0")
	}
	if _, err := time.ParseDuration(c.Server.ShutdownTimeout); err != nil {
		return fmt.Errorf("server.shutdown_timeout invalid: %w", err)
	}

	if c.Database.URL == "" {
		return fmt.Errorf("database.url is required")
	}

	if c.ML.BaseURL != "" && c.ML.APIKey == "" {
		return fmt.Errorf("ml.api_key is required when ml.base_url is set")
	}

	if c.Executor.DefaultPositionSizeUSD <= 0 {
		return fmt.Errorf("executor.default_position_size_usd must be > 0")
	}
	if c.Executor.FractionalNotionalMax < 0 {
		return fmt.Errorf("executor.fractional_notional_max must be >= 0")
	}
	if _, err := time.ParseDuration(c.Executor.ReversalSettleDelay); err != nil {
		return fmt.Errorf("executor.reversal_settle_delay invalid: %w", err)
	}

	if _, err := time.ParseDuration(c.Worker.Interval); err != nil {
		return fmt.Errorf("worker.interval invalid: %w", err)
	}

	return nil
}

// IsPaperTrading returns true if the gateway is configured for paper trading.
func (c *Config) IsPaperTrading() bool {
	return c.Environment.Mode == "paper"
}

// MLEnabled reports whether the ML gate should be wired at all.
func (c *Config) MLEnabled() bool {
	return c.ML.BaseURL != ""
}

// RedisEnabled reports whether the shared risk-counter cache is configured.
func (c *Config) RedisEnabled() bool {
	return c.Redis.Addr != ""
}

// DefaultPositionSizeUSD returns the fallback notional for intents that
// carry no sizing of their own.
func (c *Config) DefaultPositionSizeUSD() decimal.Decimal {
	return decimal.NewFromFloat(c.Executor.DefaultPositionSizeUSD)
}

// FractionalNotionalMax returns the fractional-order notional ceiling.
func (c *Config) FractionalNotionalMax() decimal.Decimal {
	return decimal.NewFromFloat(c.Executor.FractionalNotionalMax)
}

// ReversalSettleDelay returns the close-to-reopen pause.
func (c *Config) ReversalSettleDelay() time.Duration {
	return mustDuration(c.Executor.ReversalSettleDelay, 2*time.Second)
}

// WorkerInterval returns the AI strategy tick.
func (c *Config) WorkerInterval() time.Duration {
	return mustDuration(c.Worker.Interval, 45*time.Second)
}

// ShutdownTimeout returns the graceful-drain deadline.
func (c *Config) ShutdownTimeout() time.Duration {
	return mustDuration(c.Server.ShutdownTimeout, 25*time.Second)
}

func mustDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// normalize fills defaults before validation so a minimal file works.
func (c *Config) normalize() {
	if c.Environment.LogLevel == "" {
		c.Environment.LogLevel = "info"
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.ShutdownTimeout == "" {
		c.Server.ShutdownTimeout = defaultShutdownTimeout
	}
	if c.Executor.DefaultPositionSizeUSD == 0 {
		c.Executor.DefaultPositionSizeUSD = defaultPositionSizeUSD
	}
	if c.Executor.FractionalNotionalMax == 0 {
		c.Executor.FractionalNotionalMax = defaultFractionalMax
	}
	if c.Executor.ReversalSettleDelay == "" {
		c.Executor.ReversalSettleDelay = defaultReversalSettleDelay
	}
	if c.Worker.Interval == "" {
		c.Worker.Interval = defaultWorkerInterval
	}
}
