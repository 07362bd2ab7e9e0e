package sdk

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/skykernel/internal/domain/query"
	"github.com/GriffinCanCode/AgentOS/skykernel/internal/domain/router"
	"github.com/GriffinCanCode/AgentOS/skykernel/internal/shared/types"
	"github.com/GriffinCanCode/AgentOS/skykernel/internal/transport"
)

var (
	ErrNotRunning     = errors.New("module is not running")
	ErrAlreadyRunning = errors.New("module is already running")
	ErrSeedPresented  = errors.New("presentSeed has already been called")
)

// HandlerFunc serves one query addressed to a module.
type HandlerFunc func(aq *router.ActiveQuery)

// Module is the author-side runtime of a kernel module. Register handlers
// with Handle, then Run it on the channel the kernel gave the module.
type Module struct {
	logger   *zap.Logger
	wantSeed bool
	queries  *query.Manager
	router   *router.Router

	seedOnce  sync.Once
	seedReady chan struct{}
	seed      []byte // Written once before seedReady closes

	mu      sync.Mutex
	ch      transport.Channel // Protected by mu
	running bool              // Protected by mu
}

// ModuleOption configures a Module.
type ModuleOption func(*Module)

// WithModuleLogger sets the logger for the module runtime.
func WithModuleLogger(logger *zap.Logger) ModuleOption {
	return func(m *Module) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WantSeed asks the kernel to present the module's seed once it is ready.
func WantSeed() ModuleOption {
	return func(m *Module) { m.wantSeed = true }
}

// NewModule creates a module with the presentSeed and noOp built-ins.
func NewModule(opts ...ModuleOption) *Module {
	m := &Module{
		logger:    zap.NewNop(),
		seedReady: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.queries = query.NewManager(query.WithLogger(m.logger.Named("query")))
	m.router = router.New(m.queries,
		router.WithLogger(m.logger.Named("router")),
		router.TrustDomainFrom(transport.HostOrigin))

	_ = m.router.HandleFunc(types.MethodPresentSeed, m.handlePresentSeed)
	_ = m.router.HandleFunc(types.MethodNoOp, func(aq *router.ActiveQuery) {
		_ = aq.Respond(map[string]bool{"success": true})
	})
	return m
}

// Handle registers fn for method. Built-in and reserved methods cannot be
// replaced.
func (m *Module) Handle(method types.Method, fn HandlerFunc, opts ...router.RouteOption) error {
	return m.router.HandleFunc(method, fn, opts...)
}

// Run announces readiness and serves ch until it closes or ctx is done.
func (m *Module) Run(ctx context.Context, ch transport.Channel) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return ErrAlreadyRunning
	}
	m.running = true
	m.ch = ch
	m.mu.Unlock()

	if _, err := m.queries.Issue(ch, types.MethodReady, types.ReadyData{WantSeed: m.wantSeed}); err != nil {
		return fmt.Errorf("signalling ready: %w", err)
	}
	err := m.router.Serve(ctx, ch)
	m.queries.Close()
	return err
}

// Seed blocks until the kernel presents the module's seed.
func (m *Module) Seed(ctx context.Context) ([]byte, error) {
	select {
	case <-m.seedReady:
		return m.seed, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Module) handlePresentSeed(aq *router.ActiveQuery) {
	var data types.PresentSeedData
	if err := aq.Bind(&data); err != nil {
		_ = aq.Rejectf("presentSeed data is malformed: %v", err)
		return
	}
	presented := false
	m.seedOnce.Do(func() {
		m.seed = data.Seed
		close(m.seedReady)
		presented = true
	})
	if !presented {
		_ = aq.Reject(ErrSeedPresented.Error())
		return
	}
	_ = aq.Respond(nil)
}

func (m *Module) channel() (transport.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ch == nil {
		return nil, ErrNotRunning
	}
	return m.ch, nil
}

// OpenModule calls another module through the kernel and returns the
// pending query.
func (m *Module) OpenModule(module types.ModuleID, method types.Method, data any, opts ...query.CallOption) (*query.Pending, error) {
	ch, err := m.channel()
	if err != nil {
		return nil, err
	}
	return m.queries.Issue(ch, types.MethodModuleCall, types.ModuleCallData{
		Module: string(module),
		Method: method,
		Data:   data,
	}, opts...)
}

// CallModule calls another module through the kernel and waits for the result.
func (m *Module) CallModule(ctx context.Context, module types.ModuleID, method types.Method, data any, opts ...query.CallOption) (any, error) {
	p, err := m.OpenModule(module, method, data, opts...)
	if err != nil {
		return nil, err
	}
	return p.Wait(ctx)
}

// Log sends a message to the kernel log.
func (m *Module) Log(format string, args ...any) {
	m.log(false, format, args...)
}

// LogErr sends an error message to the kernel log.
func (m *Module) LogErr(format string, args ...any) {
	m.log(true, format, args...)
}

func (m *Module) log(isErr bool, format string, args ...any) {
	ch, err := m.channel()
	if err != nil {
		return
	}
	_ = ch.Send(types.Envelope{
		Method: types.MethodLog,
		Data:   types.LogData{Message: fmt.Sprintf(format, args...), IsErr: isErr},
	})
}
