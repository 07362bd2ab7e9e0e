package query

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/GriffinCanCode/AgentOS/skykernel/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/skykernel/internal/shared/id"
	"github.com/GriffinCanCode/AgentOS/skykernel/internal/shared/types"
	"github.com/GriffinCanCode/AgentOS/skykernel/internal/transport"
	"go.uber.org/zap"
)

type key struct {
	channel string
	nonce   types.Nonce
}

// Manager issues outgoing queries and correlates the responses that come
// back. Every query is keyed by (channel, nonce) and settles exactly once;
// anything arriving for a key that is no longer outstanding is dropped.
type Manager struct {
	mu      sync.Mutex
	pending map[key]*Pending // Protected by mu
	closed  bool             // Protected by mu

	nonces         *id.NonceSource
	defaultTimeout time.Duration
	logger         *zap.Logger
	metrics        *monitoring.Metrics
}

// NewManager creates a query manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		pending: make(map[key]*Pending),
		nonces:  id.NewNonceSource(),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Issue sends a query on ch and returns its pending handle. Every call gets
// a fresh nonce; identical concurrent queries are not merged.
func (m *Manager) Issue(ch transport.Channel, method types.Method, data any, opts ...CallOption) (*Pending, error) {
	cfg := callConfig{timeout: m.defaultTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}

	p := &Pending{
		nonce:    types.Nonce(m.nonces.Next()),
		method:   method,
		ch:       ch,
		manager:  m,
		onUpdate: cfg.onUpdate,
		issued:   time.Now(),
		done:     make(chan struct{}),
	}
	k := key{channel: ch.ID(), nonce: p.nonce}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	m.pending[k] = p
	if cfg.timeout > 0 {
		p.timer = time.AfterFunc(cfg.timeout, func() {
			if m.finish(k, nil, fmt.Errorf("%w after %s: %s", ErrTimeout, cfg.timeout, method), monitoring.OutcomeTimeout) {
				m.logger.Debug("query timed out",
					zap.String("method", string(method)),
					zap.String("nonce", string(p.nonce)),
					zap.String("channel", ch.ID()))
			}
		})
	}
	m.mu.Unlock()
	m.metrics.QueryIssued(string(method))

	env := types.Envelope{Nonce: p.nonce, Method: method, Data: data, Domain: cfg.domain}
	if err := ch.Send(env); err != nil {
		lost := fmt.Errorf("%w: %s: %v", ErrChannelLost, ch.ID(), err)
		m.finish(k, nil, lost, monitoring.OutcomeChannelLost)
		return nil, lost
	}
	return p, nil
}

// HandleResponse settles or updates the query addressed by a response or
// responseUpdate envelope that arrived on ch. It reports whether the
// envelope matched an outstanding query.
func (m *Manager) HandleResponse(ch transport.Channel, env types.Envelope) bool {
	k := key{channel: ch.ID(), nonce: env.Nonce}

	switch env.Method {
	case types.MethodResponse:
		var ok bool
		if env.Failed() {
			ok = m.finish(k, nil, &RemoteError{Message: env.Err}, monitoring.OutcomeRejected)
		} else {
			ok = m.finish(k, env.Data, nil, monitoring.OutcomeResolved)
		}
		if !ok {
			m.logger.Debug("dropping response for unknown query",
				zap.String("nonce", string(env.Nonce)),
				zap.String("channel", ch.ID()))
		}
		return ok

	case types.MethodResponseUpdate:
		m.mu.Lock()
		p, ok := m.pending[k]
		m.mu.Unlock()
		if !ok {
			m.logger.Debug("dropping update for unknown query",
				zap.String("nonce", string(env.Nonce)),
				zap.String("channel", ch.ID()))
			return false
		}
		if p.onUpdate != nil {
			p.onUpdate(env.Data)
		}
		return true
	}
	return false
}

// Cancel stops tracking a query. It reports whether the query was outstanding.
func (m *Manager) Cancel(ch transport.Channel, nonce types.Nonce) bool {
	return m.finish(key{channel: ch.ID(), nonce: nonce}, nil, ErrCanceled, monitoring.OutcomeCanceled)
}

// FailChannel rejects every query outstanding on ch with an error wrapping
// ErrChannelLost and returns how many were rejected.
func (m *Manager) FailChannel(ch transport.Channel, cause error) int {
	chID := ch.ID()

	m.mu.Lock()
	var lost []*Pending
	for k, p := range m.pending {
		if k.channel == chID {
			lost = append(lost, p)
		}
	}
	m.mu.Unlock()

	err := fmt.Errorf("%w: %s", ErrChannelLost, chID)
	if cause != nil && !errors.Is(cause, ErrChannelLost) {
		err = fmt.Errorf("%w: %s: %v", ErrChannelLost, chID, cause)
	}

	n := 0
	for _, p := range lost {
		if m.finish(key{channel: chID, nonce: p.nonce}, nil, err, monitoring.OutcomeChannelLost) {
			n++
		}
	}
	if n > 0 {
		m.logger.Info("rejected queries on lost channel", zap.String("channel", chID), zap.Int("count", n))
	}
	return n
}

// Pending returns the number of outstanding queries.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Close rejects every outstanding query and refuses new ones.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	keys := make([]key, 0, len(m.pending))
	for k := range m.pending {
		keys = append(keys, k)
	}
	m.mu.Unlock()

	for _, k := range keys {
		m.finish(k, nil, ErrManagerClosed, monitoring.OutcomeCanceled)
	}
}

func (m *Manager) outstanding(p *Pending) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending[key{channel: p.ch.ID(), nonce: p.nonce}] == p
}

// finish removes the query under k and settles it. Only the caller that
// removes the entry settles it, so each query settles exactly once.
func (m *Manager) finish(k key, value any, err error, outcome string) bool {
	m.mu.Lock()
	p, ok := m.pending[k]
	if ok {
		delete(m.pending, k)
		if p.timer != nil {
			p.timer.Stop()
		}
	}
	m.mu.Unlock()
	if !ok {
		return false
	}

	p.settle(value, err)
	m.metrics.QuerySettled(outcome, time.Since(p.issued))
	return true
}
