package sandbox

import (
	"errors"
	"time"

	"github.com/GriffinCanCode/AgentOS/skykernel/internal/infrastructure/config"
)

var (
	ErrClosed      = errors.New("sandbox is closed")
	ErrInterrupted = errors.New("execution timeout exceeded")
)

// Config defines sandbox configuration
type Config struct {
	Timeout      time.Duration // Budget for one task on the event loop
	MaxCallStack int           // goja call stack limit
	QueueSize    int           // Pending tasks before posting blocks
}

// DefaultConfig returns the default sandbox limits.
func DefaultConfig() Config {
	return Config{
		Timeout:      5 * time.Second,
		MaxCallStack: 1024,
		QueueSize:    256,
	}
}

// FromConfig derives sandbox limits from the application config.
func FromConfig(cfg config.SandboxConfig) Config {
	c := DefaultConfig()
	if cfg.Timeout > 0 {
		c.Timeout = cfg.Timeout
	}
	if cfg.MaxCallStack > 0 {
		c.MaxCallStack = cfg.MaxCallStack
	}
	return c
}
