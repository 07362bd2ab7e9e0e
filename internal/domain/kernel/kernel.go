package kernel

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/GriffinCanCode/AgentOS/skykernel/internal/domain/module"
	"github.com/GriffinCanCode/AgentOS/skykernel/internal/domain/query"
	"github.com/GriffinCanCode/AgentOS/skykernel/internal/domain/router"
	"github.com/GriffinCanCode/AgentOS/skykernel/internal/infrastructure/config"
	"github.com/GriffinCanCode/AgentOS/skykernel/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/skykernel/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/AgentOS/skykernel/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/AgentOS/skykernel/internal/shared/types"
	"github.com/GriffinCanCode/AgentOS/skykernel/internal/transport"
)

const (
	Distribution = "skykernel"
	Version      = "v0.1.0"
)

// ErrRestricted is returned to callers outside the dashboard origins.
var ErrRestricted = errors.New("this page is not allowed to call the restricted endpoint")

// Config holds the kernel frame settings.
type Config struct {
	QueryTimeout      time.Duration
	LoadTimeout       time.Duration
	ReadyTimeout      time.Duration
	DashboardOrigins  []string
	PersistentModules []types.ModuleID
	Overrides         map[types.ModuleID]types.Override
	LogRPS            float64
	LogBurst          int
	Breaker           resilience.Settings
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		LoadTimeout:      30 * time.Second,
		ReadyTimeout:     10 * time.Second,
		DashboardOrigins: []string{"http://localhost"},
		LogRPS:           20,
		LogBurst:         50,
	}
}

// ConfigFrom builds kernel settings from the application config, reading the
// override table from disk.
func ConfigFrom(cfg *config.Config) (Config, error) {
	overrides, err := LoadOverrides(cfg.Kernel.OverridesFile)
	if err != nil {
		return Config{}, err
	}
	persistent := make([]types.ModuleID, 0, len(cfg.Kernel.PersistentModules))
	for _, raw := range cfg.Kernel.PersistentModules {
		if raw == "" {
			continue
		}
		id := types.ModuleID(raw)
		if err := id.Validate(); err != nil {
			return Config{}, fmt.Errorf("persistent module %q: %w", raw, err)
		}
		persistent = append(persistent, id)
	}
	var breaker resilience.Settings
	if cfg.Breaker.Failures > 0 {
		breaker = resilience.Settings{
			Timeout:     cfg.Breaker.Timeout,
			ReadyToTrip: resilience.TripAfter(cfg.Breaker.Failures),
		}
	}
	return Config{
		QueryTimeout:      cfg.Kernel.QueryTimeout,
		LoadTimeout:       cfg.Kernel.LoadTimeout,
		ReadyTimeout:      cfg.Kernel.ReadyTimeout,
		DashboardOrigins:  cfg.Kernel.DashboardOrigins,
		PersistentModules: persistent,
		Overrides:         overrides,
		LogRPS:            cfg.Kernel.LogRPS,
		LogBurst:          cfg.Kernel.LogBurst,
		Breaker:           breaker,
	}, nil
}

// Kernel is the root context. It serves caller channels, owns the module
// manager and brokers every module call.
type Kernel struct {
	cfg       Config
	queries   *query.Manager
	router    *router.Router
	modules   *module.Manager
	overrides *Overrides

	logger    *zap.Logger
	moduleLog *zap.Logger
	metrics   *monitoring.Metrics
	notable   *monitoring.Notable
	tracer    *tracing.Tracer
	trusted   []string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	limitMu  sync.Mutex
	limiters map[types.ModuleID]*rate.Limiter // Protected by limitMu
}

// Option configures a Kernel.
type Option func(*Kernel)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(k *Kernel) {
		if logger != nil {
			k.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(metrics *monitoring.Metrics) Option {
	return func(k *Kernel) { k.metrics = metrics }
}

// WithNotable sets the notable error sink.
func WithNotable(notable *monitoring.Notable) Option {
	return func(k *Kernel) { k.notable = notable }
}

// WithTracer records a span for every forwarded moduleCall.
func WithTracer(tracer *tracing.Tracer) Option {
	return func(k *Kernel) { k.tracer = tracer }
}

// WithTrustedRelays lists the channel origins whose stamped caller domain is honoured.
func WithTrustedRelays(origins ...string) Option {
	return func(k *Kernel) { k.trusted = append(k.trusted, origins...) }
}

// New builds a kernel over the given loader and seed provider.
func New(cfg Config, loader module.Loader, seeds module.SeedProvider, opts ...Option) *Kernel {
	k := &Kernel{
		cfg:       cfg,
		overrides: NewOverrides(cfg.Overrides),
		logger:    zap.NewNop(),
		limiters:  make(map[types.ModuleID]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(k)
	}
	if k.notable == nil {
		k.notable = monitoring.NewNotable(monitoring.DefaultNotableLimit, k.metrics, k.logger)
	}
	k.moduleLog = k.logger.Named("modules")
	k.ctx, k.cancel = context.WithCancel(context.Background())

	k.queries = query.NewManager(
		query.WithLogger(k.logger.Named("query")),
		query.WithMetrics(k.metrics),
		query.WithDefaultTimeout(cfg.QueryTimeout),
	)
	k.router = router.New(k.queries,
		router.WithLogger(k.logger.Named("router")),
		router.WithMetrics(k.metrics),
		router.WithNotable(k.notable),
		router.TrustDomainFrom(k.trusted...),
	)

	mopts := []module.Option{
		module.WithLogger(k.logger.Named("module")),
		module.WithMetrics(k.metrics),
		module.WithNotable(k.notable),
		module.WithServer(k.router.Serve),
	}
	if cfg.ReadyTimeout > 0 {
		mopts = append(mopts, module.WithReadyTimeout(cfg.ReadyTimeout))
	}
	if cfg.LoadTimeout > 0 {
		mopts = append(mopts, module.WithLoadTimeout(cfg.LoadTimeout))
	}
	if cfg.Breaker.ReadyToTrip != nil {
		mopts = append(mopts, module.WithBreaker(cfg.Breaker))
	}
	k.modules = module.NewManager(loader, k.queries, seeds, mopts...)

	k.mustHandle(types.MethodVersion, k.handleVersion)
	k.mustHandle(types.MethodModuleCall, k.handleModuleCall)
	k.mustHandle(types.MethodReady, k.modules.HandleReady)
	k.mustHandle(types.MethodLog, k.handleLog, router.Notification())
	k.mustHandle(types.MethodGetModuleOverrides, k.handleGetOverrides)
	k.mustHandle(types.MethodSetModuleOverrides, k.handleSetOverrides)
	return k
}

func (k *Kernel) mustHandle(method types.Method, fn func(*router.ActiveQuery), opts ...router.RouteOption) {
	if err := k.router.HandleFunc(method, fn, opts...); err != nil {
		panic(fmt.Sprintf("kernel: registering %s: %v", method, err))
	}
}

// Boot warms up the persistent modules.
func (k *Kernel) Boot(ctx context.Context) error {
	if len(k.cfg.PersistentModules) == 0 {
		return nil
	}
	k.logger.Info("warming up persistent modules", zap.Int("count", len(k.cfg.PersistentModules)))
	return k.modules.WarmUpAll(ctx, k.cfg.PersistentModules)
}

// Attach serves a caller channel until it closes or ctx is done.
func (k *Kernel) Attach(ctx context.Context, ch transport.Channel) error {
	k.logger.Debug("caller attached", zap.String("channel", ch.ID()), zap.String("origin", ch.Origin()))
	err := k.router.Serve(ctx, ch)
	k.logger.Debug("caller detached", zap.String("channel", ch.ID()), zap.Error(err))
	return err
}

// Call runs one module query on behalf of the kernel itself.
func (k *Kernel) Call(ctx context.Context, id types.ModuleID, method types.Method, data any, opts ...query.CallOption) (any, error) {
	return k.modules.Call(ctx, k.overrides.Resolve(id), method, data, opts...)
}

// Modules returns the module manager.
func (k *Kernel) Modules() *module.Manager { return k.modules }

// Overrides returns the override table.
func (k *Kernel) Overrides() *Overrides { return k.overrides }

// Notable returns the notable error sink.
func (k *Kernel) Notable() *monitoring.Notable { return k.notable }

// Tracer returns the span recorder, nil when tracing is off.
func (k *Kernel) Tracer() *tracing.Tracer { return k.tracer }

// Router returns the kernel router.
func (k *Kernel) Router() *router.Router { return k.router }

// Close stops every module and fails all outstanding queries.
func (k *Kernel) Close() error {
	k.cancel()
	err := k.modules.Close()
	k.queries.Close()
	k.wg.Wait()
	return err
}

func (k *Kernel) handleVersion(aq *router.ActiveQuery) {
	_ = aq.Respond(types.VersionData{Distribution: Distribution, Version: Version})
}

func (k *Kernel) handleModuleCall(aq *router.ActiveQuery) {
	var call types.ModuleCallData
	if aq.CallerInput() == nil {
		_ = aq.Reject("moduleCall is missing 'module' field")
		return
	}
	if err := aq.Bind(&call); err != nil {
		_ = aq.Rejectf("moduleCall data is malformed: %v", err)
		return
	}
	if call.Module == "" {
		_ = aq.Reject("moduleCall is missing 'module' field")
		return
	}
	id := types.ModuleID(call.Module)
	if err := id.Validate(); err != nil {
		_ = aq.Rejectf("'module' field in moduleCall is expected to be a module id: %v", err)
		return
	}
	if call.Method == "" {
		_ = aq.Reject("no 'data.method' specified, module does not know what method to run")
		return
	}
	if call.Method.IsPrivileged() {
		_ = aq.Rejectf("%s is a privileged method, only the kernel is allowed to use it", call.Method)
		return
	}

	target := k.overrides.Resolve(id)
	k.modules.Track(target, aq)

	k.wg.Add(1)
	go func() {
		defer k.wg.Done()
		k.forward(aq, target, call)
	}()
}

// forward runs a module call and mirrors its progress and result onto aq.
func (k *Kernel) forward(aq *router.ActiveQuery, target types.ModuleID, call types.ModuleCallData) {
	ctx, cancel := context.WithCancel(k.ctx)
	defer cancel()
	aq.OnClose(cancel)

	span, ctx := k.tracer.StartSpan(ctx, string(types.MethodModuleCall))
	span.SetTag("module", string(target))
	span.SetTag("method", string(call.Method))
	span.SetTag("domain", aq.Domain())
	span.SetTag("nonce", string(aq.Nonce()))

	value, err := k.await(ctx, aq, target, call)
	span.SetError(err)
	span.Finish()
	k.tracer.Submit(span)
	k.settle(aq, value, err)
}

func (k *Kernel) await(ctx context.Context, aq *router.ActiveQuery, target types.ModuleID, call types.ModuleCallData) (any, error) {
	p, err := k.modules.Open(ctx, target, call.Method, call.Data,
		query.WithDomain(aq.Domain()),
		query.WithUpdates(func(data any) { _ = aq.SendUpdate(data) }),
	)
	if err != nil {
		return nil, err
	}
	aq.SetReceiveUpdate(func(data any) { _ = p.SendUpdate(data) })
	aq.OnClose(func() { p.Cancel() })
	return p.Wait(ctx)
}

func (k *Kernel) settle(aq *router.ActiveQuery, value any, err error) {
	if err != nil {
		err = aq.Reject(err.Error())
	} else {
		err = aq.Respond(value)
	}
	// The caller may have gone away while the module worked.
	if err != nil && !errors.Is(err, router.ErrAlreadyClosed) {
		k.logger.Debug("module call result not delivered",
			zap.String("nonce", string(aq.Nonce())),
			zap.Error(err))
	}
}

func (k *Kernel) handleLog(aq *router.ActiveQuery) {
	id, ok := k.modules.Module(aq.Channel())
	if !ok {
		k.logger.Debug("log from non-module channel dropped", zap.String("origin", aq.Channel().Origin()))
		return
	}
	var entry types.LogData
	if err := aq.Bind(&entry); err != nil {
		k.logger.Debug("malformed module log", zap.String("module", string(id)), zap.Error(err))
		return
	}
	if !k.limiter(id).Allow() {
		k.metrics.ModuleLogDropped()
		return
	}
	logger := k.moduleLog.With(zap.String("module", string(id)))
	if entry.IsErr {
		logger.Error(entry.Message)
		return
	}
	logger.Info(entry.Message)
}

func (k *Kernel) limiter(id types.ModuleID) *rate.Limiter {
	k.limitMu.Lock()
	defer k.limitMu.Unlock()
	l, ok := k.limiters[id]
	if !ok {
		l = rate.NewLimiter(rate.Limit(k.cfg.LogRPS), k.cfg.LogBurst)
		k.limiters[id] = l
	}
	return l
}

func (k *Kernel) isDashboard(domain string) bool {
	return slices.Contains(k.cfg.DashboardOrigins, domain)
}

func (k *Kernel) handleGetOverrides(aq *router.ActiveQuery) {
	if !k.isDashboard(aq.Domain()) {
		_ = aq.Reject(ErrRestricted.Error())
		return
	}
	_ = aq.Respond(k.overrides.List())
}

type wireOverride struct {
	Override *string `json:"override"`
	Notes    *string `json:"notes"`
}

type setOverridesData struct {
	NewOverrides map[string]wireOverride `json:"newOverrides"`
}

func (k *Kernel) handleSetOverrides(aq *router.ActiveQuery) {
	if !k.isDashboard(aq.Domain()) {
		_ = aq.Reject(ErrRestricted.Error())
		return
	}
	if _, ok := aq.CallerInput().(map[string]any); !ok {
		_ = aq.Reject("provided call data is not an object")
		return
	}
	var data setOverridesData
	if err := aq.Bind(&data); err != nil || data.NewOverrides == nil {
		_ = aq.Reject(ErrOverridesNotObject.Error())
		return
	}

	table := make(map[string]types.Override, len(data.NewOverrides))
	for key, entry := range data.NewOverrides {
		if entry.Notes == nil {
			_ = aq.Reject(ErrOverrideNotes.Error())
			return
		}
		if entry.Override == nil {
			_ = aq.Reject(ErrOverrideTarget.Error())
			return
		}
		table[key] = types.Override{Override: *entry.Override, Notes: *entry.Notes}
	}
	validated, err := ValidateOverrides(table)
	if err != nil {
		_ = aq.Reject(err.Error())
		return
	}
	k.overrides.Replace(validated)
	k.logger.Info("module overrides updated", zap.Int("count", len(validated)), zap.String("domain", aq.Domain()))
	_ = aq.Respond(map[string]bool{"success": true})
}
