package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig
	Kernel    KernelConfig
	Sandbox   SandboxConfig
	Breaker   BreakerConfig
	Logging   LogConfig
	RateLimit RateLimitConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8000"`
	Host string `envconfig:"HOST" default:"127.0.0.1"`
	// MaxConns caps concurrent connections, websockets included. 0 means no cap.
	MaxConns int `envconfig:"SERVER_MAX_CONNS" default:"1024"`
}

// KernelConfig holds kernel frame configuration.
type KernelConfig struct {
	QueryTimeout      time.Duration `envconfig:"KERNEL_QUERY_TIMEOUT" default:"0s"`
	LoadTimeout       time.Duration `envconfig:"KERNEL_LOAD_TIMEOUT" default:"30s"`
	ReadyTimeout      time.Duration `envconfig:"KERNEL_READY_TIMEOUT" default:"10s"`
	ModuleDir         string        `envconfig:"KERNEL_MODULE_DIR" default:""`
	OverridesFile     string        `envconfig:"KERNEL_OVERRIDES_FILE" default:""`
	Seed              string        `envconfig:"KERNEL_SEED" default:""`
	DashboardOrigins  []string      `envconfig:"KERNEL_DASHBOARD_ORIGINS" default:"http://localhost"`
	PersistentModules []string      `envconfig:"KERNEL_PERSISTENT_MODULES" default:""`
	LogRPS            float64       `envconfig:"KERNEL_LOG_RPS" default:"20"`
	LogBurst          int           `envconfig:"KERNEL_LOG_BURST" default:"50"`
}

// SandboxConfig holds JavaScript module runtime configuration.
type SandboxConfig struct {
	Timeout      time.Duration `envconfig:"SANDBOX_TIMEOUT" default:"5s"`
	MaxCallStack int           `envconfig:"SANDBOX_MAX_CALL_STACK" default:"1024"`
}

// BreakerConfig holds module load circuit breaker configuration. Failures of
// 0 leaves loads unguarded.
type BreakerConfig struct {
	Failures uint32        `envconfig:"BREAKER_FAILURES" default:"0"`
	Timeout  time.Duration `envconfig:"BREAKER_TIMEOUT" default:"30s"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" default:"100"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"200"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"true"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:     "8000",
			Host:     "127.0.0.1",
			MaxConns: 1024,
		},
		Kernel: KernelConfig{
			LoadTimeout:      30 * time.Second,
			ReadyTimeout:     10 * time.Second,
			DashboardOrigins: []string{"http://localhost"},
			LogRPS:           20,
			LogBurst:         50,
		},
		Sandbox: SandboxConfig{
			Timeout:      5 * time.Second,
			MaxCallStack: 1024,
		},
		Breaker: BreakerConfig{
			Timeout: 30 * time.Second,
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
			Enabled:           true,
		},
	}
}

// Validate reports configuration values the kernel cannot run with.
// A zero query timeout means queries wait until answered or canceled.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.MaxConns < 0 {
		errs = append(errs, errors.New("SERVER_MAX_CONNS must not be negative"))
	}
	if c.Kernel.QueryTimeout < 0 {
		errs = append(errs, errors.New("KERNEL_QUERY_TIMEOUT must not be negative"))
	}
	if c.Kernel.LoadTimeout <= 0 {
		errs = append(errs, errors.New("KERNEL_LOAD_TIMEOUT must be positive"))
	}
	if c.Kernel.ReadyTimeout <= 0 {
		errs = append(errs, errors.New("KERNEL_READY_TIMEOUT must be positive"))
	}
	if c.Sandbox.Timeout <= 0 {
		errs = append(errs, errors.New("SANDBOX_TIMEOUT must be positive"))
	}
	if c.Kernel.LogRPS <= 0 || c.Kernel.LogBurst <= 0 {
		errs = append(errs, errors.New("KERNEL_LOG_RPS and KERNEL_LOG_BURST must be positive"))
	}
	if _, err := c.SeedBytes(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// SeedBytes decodes the configured user seed. An empty seed yields nil.
func (c *Config) SeedBytes() ([]byte, error) {
	if c.Kernel.Seed == "" {
		return nil, nil
	}
	seed, err := hex.DecodeString(c.Kernel.Seed)
	if err != nil {
		return nil, fmt.Errorf("KERNEL_SEED must be hex: %w", err)
	}
	if len(seed) < 16 {
		return nil, fmt.Errorf("KERNEL_SEED must be at least 16 bytes, got %d", len(seed))
	}
	return seed, nil
}

// Address returns the listen address for the HTTP host.
func (c *Config) Address() string {
	return c.Server.Host + ":" + c.Server.Port
}
