package query

import (
	"time"

	"github.com/GriffinCanCode/AgentOS/skykernel/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/skykernel/internal/shared/id"
	"go.uber.org/zap"
)

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMetrics records query metrics.
func WithMetrics(metrics *monitoring.Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithNonceSource replaces the manager's nonce source.
func WithNonceSource(src *id.NonceSource) Option {
	return func(m *Manager) {
		if src != nil {
			m.nonces = src
		}
	}
}

// WithDefaultTimeout applies a timeout to every query issued without one.
// Zero disables timeouts.
func WithDefaultTimeout(d time.Duration) Option {
	return func(m *Manager) { m.defaultTimeout = d }
}

// CallOption configures a single query.
type CallOption func(*callConfig)

type callConfig struct {
	timeout  time.Duration
	onUpdate func(data any)
	domain   string
}

// WithTimeout rejects the query with ErrTimeout after d. Zero disables the
// timeout even when the manager has a default.
func WithTimeout(d time.Duration) CallOption {
	return func(c *callConfig) { c.timeout = d }
}

// WithUpdates registers a callback for responseUpdate envelopes. It runs on
// the goroutine that dispatches the channel and must not block.
func WithUpdates(fn func(data any)) CallOption {
	return func(c *callConfig) { c.onUpdate = fn }
}

// WithDomain stamps the caller domain on the outgoing query.
func WithDomain(domain string) CallOption {
	return func(c *callConfig) { c.domain = domain }
}
