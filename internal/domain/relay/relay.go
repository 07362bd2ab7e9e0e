package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/GriffinCanCode/AgentOS/skykernel/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/skykernel/internal/shared/types"
	"github.com/GriffinCanCode/AgentOS/skykernel/internal/transport"
	"github.com/bytedance/sonic"
	"go.uber.org/zap"
)

// BridgeVersion is reported by the bridge for kernelBridgeVersion.
const BridgeVersion = "v0.1.0"

// ErrNonceCollision refuses a query whose nonce is already awaiting a response.
var ErrNonceCollision = errors.New("nonce already in use by another caller")

// LocalFunc answers a method at the relay instead of forwarding it.
type LocalFunc func(env types.Envelope, origin string) (any, error)

// Relay forwards queries from any number of downstream channels to one
// upstream channel and routes the responses back by nonce. Nonce, method,
// data and err cross unchanged.
type Relay struct {
	name        string
	upstream    transport.Channel
	local       map[types.Method]LocalFunc
	stampDomain bool

	gate     chan struct{}
	gateOnce sync.Once

	mu          sync.Mutex
	routes      map[types.Nonce]transport.Channel // Protected by mu
	downstreams map[string]transport.Channel      // Protected by mu
	status      *types.KernelStatus               // Protected by mu

	logger  *zap.Logger
	metrics *monitoring.Metrics
}

// Option configures a Relay.
type Option func(*Relay)

// WithLocal answers method at the relay.
func WithLocal(method types.Method, fn LocalFunc) Option {
	return func(r *Relay) { r.local[method] = fn }
}

// WithDomainStamp stamps each forwarded query with its downstream's origin.
func WithDomainStamp() Option {
	return func(r *Relay) { r.stampDomain = true }
}

// WithGate holds every forwarded query until Open is called.
func WithGate() Option {
	return func(r *Relay) { r.gate = make(chan struct{}) }
}

// WithLogger sets the relay's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Relay) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics records forwarded envelopes.
func WithMetrics(metrics *monitoring.Metrics) Option {
	return func(r *Relay) { r.metrics = metrics }
}

// New creates a relay in front of upstream.
func New(name string, upstream transport.Channel, opts ...Option) *Relay {
	r := &Relay{
		name:        name,
		upstream:    upstream,
		local:       make(map[types.Method]LocalFunc),
		routes:      make(map[types.Nonce]transport.Channel),
		downstreams: make(map[string]transport.Channel),
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NewBridge creates the relay between a page and the background context.
// It answers kernelBridgeVersion itself.
func NewBridge(upstream transport.Channel, opts ...Option) *Relay {
	opts = append([]Option{WithLocal(types.MethodKernelBridgeVersion, func(types.Envelope, string) (any, error) {
		return types.VersionData{Version: BridgeVersion}, nil
	})}, opts...)
	return New("bridge", upstream, opts...)
}

// NewBackground creates the relay that multiplexes every bridge onto the
// kernel and stamps each query with the domain it came from.
func NewBackground(upstream transport.Channel, opts ...Option) *Relay {
	return New("background", upstream, append([]Option{WithDomainStamp()}, opts...)...)
}

// NewBootloader creates the relay that holds queries until the kernel is up.
func NewBootloader(upstream transport.Channel, opts ...Option) *Relay {
	return New("bootloader", upstream, append([]Option{WithGate()}, opts...)...)
}

// Name returns the relay's name.
func (r *Relay) Name() string { return r.name }

// Open releases a gated relay and announces the kernel as loaded. It is a
// no-op on ungated relays.
func (r *Relay) Open() {
	if r.gate == nil {
		return
	}
	r.gateOnce.Do(func() {
		close(r.gate)
		r.Announce(types.KernelStatus{KernelLoaded: types.KernelLoadSuccess})
	})
}

// Announce records the kernel status and sends it to every downstream as a
// kernelAuthStatus notification. Downstreams attached later receive the
// latest status as soon as they attach.
func (r *Relay) Announce(status types.KernelStatus) {
	r.mu.Lock()
	r.status = &status
	downs := make([]transport.Channel, 0, len(r.downstreams))
	for _, d := range r.downstreams {
		downs = append(downs, d)
	}
	r.mu.Unlock()

	for _, d := range downs {
		r.sendStatus(d, status)
	}
}

// Status returns the last announced kernel status.
func (r *Relay) Status() (types.KernelStatus, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status == nil {
		return types.KernelStatus{KernelLoaded: types.KernelLoadPending}, false
	}
	return *r.status, true
}

func (r *Relay) sendStatus(down transport.Channel, status types.KernelStatus) {
	if err := down.Send(types.Envelope{Method: types.MethodKernelAuthStatus, Data: status}); err != nil {
		r.logger.Debug("status not delivered", zap.String("relay", r.name), zap.Error(err))
	}
}

// Downstreams returns the number of attached downstream channels.
func (r *Relay) Downstreams() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.downstreams)
}

// Routes returns the number of queries awaiting a response.
func (r *Relay) Routes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.routes)
}

// Attach serves a downstream channel until it dies or ctx ends. Its routes
// are dropped when it goes away.
func (r *Relay) Attach(ctx context.Context, downstream transport.Channel) error {
	r.mu.Lock()
	r.downstreams[downstream.ID()] = downstream
	status := r.status
	r.mu.Unlock()

	if status != nil {
		r.sendStatus(downstream, *status)
	}
	defer r.detach(downstream)
	return transport.Serve(ctx, downstream, r.fromDownstream)
}

// Run pumps upstream traffic to the downstreams until the upstream dies or
// ctx ends. When the upstream dies every downstream is closed.
func (r *Relay) Run(ctx context.Context) error {
	err := transport.Serve(ctx, r.upstream, r.fromUpstream)
	if errors.Is(err, transport.ErrClosed) {
		r.mu.Lock()
		downs := make([]transport.Channel, 0, len(r.downstreams))
		for _, d := range r.downstreams {
			downs = append(downs, d)
		}
		r.routes = make(map[types.Nonce]transport.Channel)
		r.mu.Unlock()

		for _, d := range downs {
			_ = d.Close()
		}
		r.logger.Warn("upstream lost", zap.String("relay", r.name), zap.Int("downstreams", len(downs)))
	}
	return err
}

func (r *Relay) detach(downstream transport.Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.downstreams, downstream.ID())
	for nonce, d := range r.routes {
		if d.ID() == downstream.ID() {
			delete(r.routes, nonce)
		}
	}
}

func (r *Relay) fromDownstream(in transport.Inbound) {
	env := in.Envelope

	if env.Method == "" {
		if env.Nonce != "" {
			r.reply(in, env.RespondErr(types.ErrMissingMethod.Error()))
		}
		return
	}

	if fn, ok := r.local[env.Method]; ok {
		if env.Nonce == "" {
			return
		}
		data, err := fn(env, in.Origin)
		if err != nil {
			r.reply(in, env.RespondErr(err.Error()))
			return
		}
		r.reply(in, env.Respond(data))
		return
	}

	switch env.Method {
	case types.MethodResponse, types.MethodResponseUpdate:
		// Upstream never queries downstream through a relay.
		r.logger.Debug("dropping response from downstream",
			zap.String("relay", r.name),
			zap.String("nonce", string(env.Nonce)))
		return
	case types.MethodQueryUpdate:
		r.mu.Lock()
		owner := r.routes[env.Nonce]
		r.mu.Unlock()
		if owner == nil || owner.ID() != in.Channel.ID() {
			return
		}
	default:
		if env.Nonce != "" {
			if err := r.claim(env.Nonce, in.Channel); err != nil {
				r.reply(in, env.RespondErr(err.Error()))
				return
			}
		}
	}

	if r.gate != nil {
		select {
		case <-r.gate:
		case <-in.Channel.Done():
			return
		}
	}

	if r.stampDomain {
		env.Domain = in.Origin
	}
	if err := r.upstream.Send(env); err != nil {
		r.release(env.Nonce, in.Channel)
		if env.Nonce != "" && env.Method != types.MethodQueryUpdate {
			r.reply(in, env.RespondErr(fmt.Sprintf("%s: upstream unavailable", r.name)))
		}
		return
	}
	r.metrics.RelayForwarded(r.name, "up")
}

func (r *Relay) fromUpstream(in transport.Inbound) {
	env := in.Envelope
	if env.Method == types.MethodKernelAuthStatus {
		var status types.KernelStatus
		if err := decode(env.Data, &status); err != nil || status.KernelLoaded == "" {
			r.logger.Debug("dropping malformed kernel status", zap.String("relay", r.name))
			return
		}
		r.Announce(status)
		return
	}
	if env.Method != types.MethodResponse && env.Method != types.MethodResponseUpdate {
		r.logger.Debug("dropping query from upstream",
			zap.String("relay", r.name),
			zap.String("method", string(env.Method)))
		return
	}

	r.mu.Lock()
	down := r.routes[env.Nonce]
	if down != nil && env.IsTerminal() {
		delete(r.routes, env.Nonce)
	}
	r.mu.Unlock()

	if down == nil {
		r.logger.Debug("dropping response without route",
			zap.String("relay", r.name),
			zap.String("nonce", string(env.Nonce)))
		return
	}
	if err := down.Send(env); err != nil {
		r.logger.Debug("downstream gone", zap.String("relay", r.name), zap.Error(err))
		return
	}
	r.metrics.RelayForwarded(r.name, "down")
}

func (r *Relay) claim(nonce types.Nonce, ch transport.Channel) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.routes[nonce]; ok {
		return fmt.Errorf("%w: %s", ErrNonceCollision, nonce)
	}
	r.routes[nonce] = ch
	return nil
}

func (r *Relay) release(nonce types.Nonce, ch transport.Channel) {
	if nonce == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if owner, ok := r.routes[nonce]; ok && owner.ID() == ch.ID() {
		delete(r.routes, nonce)
	}
}

func decode(raw any, v any) error {
	buf, err := sonic.Marshal(raw)
	if err != nil {
		return err
	}
	return sonic.Unmarshal(buf, v)
}

func (r *Relay) reply(in transport.Inbound, env types.Envelope) {
	if err := in.Reply(env); err != nil {
		r.logger.Debug("reply not delivered", zap.String("relay", r.name), zap.Error(err))
	}
}
