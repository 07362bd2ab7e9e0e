package router

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/GriffinCanCode/AgentOS/skykernel/internal/domain/query"
	"github.com/GriffinCanCode/AgentOS/skykernel/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/skykernel/internal/shared/types"
	"github.com/GriffinCanCode/AgentOS/skykernel/internal/transport"
	"go.uber.org/zap"
)

var (
	// ErrReservedMethod is returned when registering a method the router handles itself.
	ErrReservedMethod = errors.New("method is reserved")
	// ErrDuplicateMethod is returned when a method already has a handler.
	ErrDuplicateMethod = errors.New("method already registered")
)

// Handler serves one kind of query.
type Handler interface {
	ServeQuery(aq *ActiveQuery)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(aq *ActiveQuery)

// ServeQuery calls f(aq).
func (f HandlerFunc) ServeQuery(aq *ActiveQuery) { f(aq) }

// RouteOption configures a registered route.
type RouteOption func(*route)

// Notification marks a route whose envelopes carry no nonce and are never answered.
func Notification() RouteOption {
	return func(r *route) { r.notification = true }
}

type route struct {
	handler      Handler
	notification bool
}

type activeKey struct {
	channel string
	nonce   types.Nonce
}

// Router dispatches inbound envelopes: responses go to the query manager,
// queryUpdates to the matching active query and everything else to the
// handler registered for its method.
type Router struct {
	queries *query.Manager

	mu     sync.RWMutex
	routes map[types.Method]route // Protected by mu

	activeMu sync.Mutex
	active   map[activeKey]*ActiveQuery // Protected by activeMu

	trusted map[string]bool
	logger  *zap.Logger
	metrics *monitoring.Metrics
	notable *monitoring.Notable
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the router's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics records dispatch metrics.
func WithMetrics(metrics *monitoring.Metrics) Option {
	return func(r *Router) { r.metrics = metrics }
}

// WithNotable records double responses and handler panics.
func WithNotable(notable *monitoring.Notable) Option {
	return func(r *Router) { r.notable = notable }
}

// TrustDomainFrom accepts the domain stamped on envelopes arriving from the
// given channel origins. Everyone else is identified by their channel origin.
func TrustDomainFrom(origins ...string) Option {
	return func(r *Router) {
		for _, o := range origins {
			r.trusted[o] = true
		}
	}
}

// New creates a router. queries may be nil for a context that never issues
// queries of its own; responses are then dropped.
func New(queries *query.Manager, opts ...Option) *Router {
	r := &Router{
		queries: queries,
		routes:  make(map[types.Method]route),
		active:  make(map[activeKey]*ActiveQuery),
		trusted: make(map[string]bool),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register binds a handler to a method.
func (r *Router) Register(method types.Method, h Handler, opts ...RouteOption) error {
	if method.IsReserved() {
		return fmt.Errorf("%w: %s", ErrReservedMethod, method)
	}
	if method == "" {
		return types.ErrMissingMethod
	}

	rt := route{handler: h}
	for _, opt := range opts {
		opt(&rt)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.routes[method]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateMethod, method)
	}
	r.routes[method] = rt
	return nil
}

// HandleFunc registers a function as the handler for method.
func (r *Router) HandleFunc(method types.Method, fn func(*ActiveQuery), opts ...RouteOption) error {
	return r.Register(method, HandlerFunc(fn), opts...)
}

// Open returns the number of open active queries.
func (r *Router) Open() int {
	r.activeMu.Lock()
	defer r.activeMu.Unlock()
	return len(r.active)
}

// Serve dispatches everything arriving on ch until the channel dies or ctx
// ends. When the channel dies its outstanding queries are rejected and its
// open active queries abandoned.
func (r *Router) Serve(ctx context.Context, ch transport.Channel) error {
	err := transport.Serve(ctx, ch, r.Dispatch)
	if errors.Is(err, transport.ErrClosed) {
		r.ChannelLost(ch, err)
	}
	return err
}

// ChannelLost cleans up after a channel that will never deliver again.
func (r *Router) ChannelLost(ch transport.Channel, cause error) {
	rejected := 0
	if r.queries != nil {
		rejected = r.queries.FailChannel(ch, cause)
	}

	r.activeMu.Lock()
	var orphans []*ActiveQuery
	for k, aq := range r.active {
		if k.channel == ch.ID() {
			orphans = append(orphans, aq)
		}
	}
	r.activeMu.Unlock()

	for _, aq := range orphans {
		if aq.abandon() {
			r.notable.Record("router", "abandoned active query",
				zap.String("method", string(aq.method)),
				zap.String("nonce", string(aq.nonce)),
				zap.String("channel", ch.ID()))
		}
	}
	if rejected > 0 || len(orphans) > 0 {
		r.logger.Info("channel lost",
			zap.String("channel", ch.ID()),
			zap.String("origin", ch.Origin()),
			zap.Int("rejectedQueries", rejected),
			zap.Int("abandonedQueries", len(orphans)))
	}
}

// Dispatch routes one inbound envelope.
func (r *Router) Dispatch(in transport.Inbound) {
	env := in.Envelope

	switch env.Method {
	case "":
		r.malformed(in, types.ErrMissingMethod)
		return

	case types.MethodResponse, types.MethodResponseUpdate:
		if r.queries != nil && r.queries.HandleResponse(in.Channel, env) {
			r.metrics.Dispatched(monitoring.DispatchResponse)
			return
		}
		r.metrics.Dispatched(monitoring.DispatchDropped)
		return

	case types.MethodQueryUpdate:
		r.activeMu.Lock()
		aq := r.active[activeKey{channel: in.Channel.ID(), nonce: env.Nonce}]
		r.activeMu.Unlock()
		if aq != nil && aq.receiveUpdate(env.Data) {
			r.metrics.Dispatched(monitoring.DispatchUpdate)
			return
		}
		r.logger.Debug("dropping query update without receiver",
			zap.String("nonce", string(env.Nonce)),
			zap.String("channel", in.Channel.ID()))
		r.metrics.Dispatched(monitoring.DispatchDropped)
		return
	}

	r.mu.RLock()
	rt, ok := r.routes[env.Method]
	r.mu.RUnlock()

	if !ok {
		if env.Nonce == "" {
			r.logger.Debug("dropping notification for unknown method",
				zap.String("method", string(env.Method)),
				zap.String("channel", in.Channel.ID()))
			r.metrics.Dispatched(monitoring.DispatchDropped)
			return
		}
		r.metrics.Dispatched(monitoring.DispatchUnrecognized)
		r.reply(in, env.RespondErr(fmt.Sprintf("unrecognized method '%s'", env.Method)))
		return
	}

	if !rt.notification && env.Nonce == "" {
		r.malformed(in, types.ErrMissingNonce)
		return
	}

	aq := &ActiveQuery{
		router:       r,
		ch:           in.Channel,
		nonce:        env.Nonce,
		method:       env.Method,
		input:        env.Data,
		domain:       r.domainOf(in),
		notification: rt.notification,
	}

	if !rt.notification {
		k := activeKey{channel: in.Channel.ID(), nonce: env.Nonce}
		r.activeMu.Lock()
		if _, dup := r.active[k]; dup {
			r.activeMu.Unlock()
			r.notable.Record("router", "query nonce reused while open",
				zap.String("method", string(env.Method)),
				zap.String("nonce", string(env.Nonce)),
				zap.String("channel", in.Channel.ID()))
			r.metrics.Dispatched(monitoring.DispatchDropped)
			return
		}
		r.active[k] = aq
		r.activeMu.Unlock()
		r.metrics.ActiveQueryOpened()

		aq.onClose = append(aq.onClose, func() {
			r.activeMu.Lock()
			delete(r.active, k)
			r.activeMu.Unlock()
			r.metrics.ActiveQueryClosed()
		})
	}

	r.metrics.Dispatched(monitoring.DispatchHandled)
	r.invoke(rt.handler, aq)
}

func (r *Router) invoke(h Handler, aq *ActiveQuery) {
	defer func() {
		rec := recover()
		if rec == nil {
			return
		}
		r.metrics.Dispatched(monitoring.DispatchPanic)
		r.notable.Record("router", "handler panicked",
			zap.String("method", string(aq.method)),
			zap.String("nonce", string(aq.nonce)),
			zap.Any("panic", rec))
		if !aq.notification && aq.State() == StateOpen {
			_ = aq.Reject(fmt.Sprintf("module threw an error: %v", rec))
		}
	}()
	h.ServeQuery(aq)
}

func (r *Router) domainOf(in transport.Inbound) string {
	if in.Envelope.Domain != "" && r.trusted[in.Origin] {
		return in.Envelope.Domain
	}
	return in.Origin
}

func (r *Router) malformed(in transport.Inbound, err error) {
	r.metrics.Dispatched(monitoring.DispatchMalformed)
	if in.Envelope.Nonce == "" {
		r.logger.Warn("dropping malformed envelope",
			zap.Error(err),
			zap.String("channel", in.Channel.ID()),
			zap.String("origin", in.Origin))
		return
	}
	r.reply(in, in.Envelope.RespondErr(err.Error()))
}

func (r *Router) reply(in transport.Inbound, env types.Envelope) {
	if err := in.Reply(env); err != nil {
		r.logger.Debug("reply not delivered",
			zap.Error(err),
			zap.String("nonce", string(env.Nonce)),
			zap.String("channel", in.Channel.ID()))
	}
}
