package module

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/GriffinCanCode/AgentOS/skykernel/internal/domain/query"
	"github.com/GriffinCanCode/AgentOS/skykernel/internal/domain/router"
	"github.com/GriffinCanCode/AgentOS/skykernel/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/skykernel/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/AgentOS/skykernel/internal/shared/types"
	"github.com/GriffinCanCode/AgentOS/skykernel/internal/transport"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const loadErrorPrefix = "unable to load module: "

var (
	ErrExited         = errors.New("module exited")
	ErrReadyTimeout   = errors.New("module did not signal ready in time")
	ErrManagerClosed  = errors.New("module manager closed")
	ErrNotModule      = errors.New("ready is only accepted from module channels")
	ErrDuplicateReady = errors.New("module already signalled ready")
	ErrLoading        = errors.New("module is loading")
	ErrNoSeedProvider = errors.New("no seed provider configured")
)

// LoadError is returned to everyone waiting on a failed load attempt.
type LoadError struct {
	Module types.ModuleID
	Err    error
}

func (e *LoadError) Error() string { return loadErrorPrefix + e.Err.Error() }
func (e *LoadError) Unwrap() error { return e.Err }

// attempt is one load of one module. Everyone who asks for the module while
// it is loading waits on the same attempt.
type attempt struct {
	done      chan struct{}
	err       error // Set before done closes
	unit      Unit  // Protected by Manager.mu
	ready     chan types.ReadyData
	signalled bool // Protected by Manager.mu
}

func newAttempt() *attempt {
	return &attempt{
		done:  make(chan struct{}),
		ready: make(chan types.ReadyData, 1),
	}
}

type record struct {
	id            types.ModuleID
	state         types.LoadState
	unit          Unit // Set only while ready
	attempt       *attempt
	inflight      map[*router.ActiveQuery]struct{}
	seedDelivered bool
	loads         int
	lastErr       string
	readyAt       time.Time
}

func (r *record) info() types.ModuleInfo {
	return types.ModuleInfo{
		ID:            r.id,
		State:         r.state,
		Loads:         r.loads,
		InFlight:      len(r.inflight),
		SeedDelivered: r.seedDelivered,
		LastError:     r.lastErr,
		ReadyAt:       r.readyAt,
	}
}

// Manager owns the lifecycle of every module: loading on first demand,
// coalescing concurrent demand onto one load, the ready and seed handshake,
// and failure when a unit exits.
type Manager struct {
	loader  Loader
	queries *query.Manager
	seeds   SeedProvider
	serve   func(ctx context.Context, ch transport.Channel) error

	breakers     *resilience.Group
	readyTimeout time.Duration
	loadTimeout  time.Duration
	logger       *zap.Logger
	metrics      *monitoring.Metrics
	notable      *monitoring.Notable

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	records  map[types.ModuleID]*record // Protected by mu
	channels map[string]*record         // Protected by mu
	closed   bool                       // Protected by mu
}

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

// WithMetrics records module metrics.
func WithMetrics(metrics *monitoring.Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithNotable records duplicate ready signals.
func WithNotable(notable *monitoring.Notable) Option {
	return func(m *Manager) { m.notable = notable }
}

// WithServer sets the function that serves a unit's channel for as long as
// it lives. It is normally the kernel router's Serve, which must route ready
// to HandleReady.
func WithServer(fn func(ctx context.Context, ch transport.Channel) error) Option {
	return func(m *Manager) { m.serve = fn }
}

// WithReadyTimeout bounds the wait for a started unit's ready signal and
// for its seed acknowledgement.
func WithReadyTimeout(d time.Duration) Option {
	return func(m *Manager) { m.readyTimeout = d }
}

// WithLoadTimeout bounds a whole load attempt.
func WithLoadTimeout(d time.Duration) Option {
	return func(m *Manager) { m.loadTimeout = d }
}

// WithBreaker guards loads with per-module circuit breakers. Without it every
// call after a failure attempts a fresh load.
func WithBreaker(settings resilience.Settings) Option {
	return func(m *Manager) { m.breakers = resilience.NewGroup(settings) }
}

// NewManager creates a module manager.
func NewManager(loader Loader, queries *query.Manager, seeds SeedProvider, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		loader:       loader,
		queries:      queries,
		seeds:        seeds,
		readyTimeout: 10 * time.Second,
		loadTimeout:  30 * time.Second,
		logger:       zap.NewNop(),
		ctx:          ctx,
		cancel:       cancel,
		records:      make(map[types.ModuleID]*record),
		channels:     make(map[string]*record),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.serve == nil {
		m.serve = m.serveResponses
	}
	return m
}

// Open ensures the module is ready and issues one query to it.
func (m *Manager) Open(ctx context.Context, id types.ModuleID, method types.Method, data any, opts ...query.CallOption) (*query.Pending, error) {
	if err := m.Ensure(ctx, id); err != nil {
		return nil, err
	}

	m.mu.Lock()
	var unit Unit
	if rec := m.records[id]; rec != nil {
		unit = rec.unit
	}
	m.mu.Unlock()
	if unit == nil {
		return nil, &LoadError{Module: id, Err: ErrExited}
	}
	return m.queries.Issue(unit.Channel(), method, data, opts...)
}

// Call issues a query to the module and waits for its result.
func (m *Manager) Call(ctx context.Context, id types.ModuleID, method types.Method, data any, opts ...query.CallOption) (any, error) {
	p, err := m.Open(ctx, id, method, data, opts...)
	if err != nil {
		return nil, err
	}
	return p.Wait(ctx)
}

// Ensure returns once the module is ready, loading it if needed. Concurrent
// callers share one load attempt; a failed attempt is retried by the next
// caller.
func (m *Manager) Ensure(ctx context.Context, id types.ModuleID) error {
	if err := id.Validate(); err != nil {
		return &LoadError{Module: id, Err: err}
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	rec := m.recordLocked(id)

	var a *attempt
	switch rec.state {
	case types.StateReady:
		m.mu.Unlock()
		return nil
	case types.StateLoading:
		a = rec.attempt
	default:
		a = newAttempt()
		rec.state = types.StateLoading
		rec.attempt = a
		rec.loads++
		rec.seedDelivered = false
		m.wg.Add(1)
		go m.load(rec, a)
	}
	m.mu.Unlock()

	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WarmUp loads the module by sending it a noOp and discarding the answer.
func (m *Manager) WarmUp(ctx context.Context, id types.ModuleID) error {
	_, err := m.Call(ctx, id, types.MethodNoOp, nil)
	return err
}

// WarmUpAll warms up every module concurrently and returns the first error.
func (m *Manager) WarmUpAll(ctx context.Context, ids []types.ModuleID) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		g.Go(func() error {
			if err := m.WarmUp(gctx, id); err != nil {
				return fmt.Errorf("warming up %s: %w", id, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Track counts an active query as in flight against a module until it closes.
func (m *Manager) Track(id types.ModuleID, aq *router.ActiveQuery) {
	m.mu.Lock()
	rec := m.recordLocked(id)
	rec.inflight[aq] = struct{}{}
	m.mu.Unlock()

	aq.OnClose(func() {
		m.mu.Lock()
		delete(rec.inflight, aq)
		m.mu.Unlock()
	})
}

// HandleReady serves the ready signal a starting unit sends once it can take
// queries. Only the first signal of a load attempt counts.
func (m *Manager) HandleReady(aq *router.ActiveQuery) {
	chID := aq.Channel().ID()

	m.mu.Lock()
	rec := m.channels[chID]
	if rec == nil {
		m.mu.Unlock()
		_ = aq.Reject(ErrNotModule.Error())
		return
	}
	a := rec.attempt
	if rec.state != types.StateLoading || a == nil || a.signalled || a.unit == nil || a.unit.Channel().ID() != chID {
		m.mu.Unlock()
		m.notable.Record("module", "duplicate ready signal",
			zap.String("module", string(rec.id)),
			zap.String("channel", chID))
		_ = aq.Reject(ErrDuplicateReady.Error())
		return
	}
	a.signalled = true
	m.mu.Unlock()

	var rd types.ReadyData
	if aq.CallerInput() != nil {
		if err := aq.Bind(&rd); err != nil {
			m.logger.Warn("malformed ready signal", zap.String("module", string(rec.id)), zap.Error(err))
		}
	}
	_ = aq.Respond(nil)
	a.ready <- rd
}

// Module reports which module a channel belongs to.
func (m *Manager) Module(ch transport.Channel) (types.ModuleID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.channels[ch.ID()]
	if !ok {
		return "", false
	}
	return rec.id, true
}

// State returns the load state of a module.
func (m *Manager) State(id types.ModuleID) types.LoadState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[id]; ok {
		return rec.state
	}
	return types.StateUnloaded
}

// Snapshot returns every module record, sorted by ID.
func (m *Manager) Snapshot() []types.ModuleInfo {
	m.mu.Lock()
	out := make([]types.ModuleInfo, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec.info())
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Stats returns module manager statistics.
func (m *Manager) Stats() types.Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	var s types.Stats
	for _, rec := range m.records {
		s.TotalModules++
		s.InFlight += len(rec.inflight)
		switch rec.state {
		case types.StateReady:
			s.ReadyModules++
		case types.StateLoading:
			s.LoadingModules++
		case types.StateFailed:
			s.FailedModules++
		}
	}
	return s
}

// Reload terminates a ready or failed module so the next call loads it afresh.
func (m *Manager) Reload(id types.ModuleID) error {
	m.mu.Lock()
	rec, ok := m.records[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if rec.state == types.StateLoading {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrLoading, id)
	}
	unit := rec.unit
	rec.state = types.StateUnloaded
	rec.unit = nil
	rec.seedDelivered = false
	if unit != nil {
		delete(m.channels, unit.Channel().ID())
	}
	m.mu.Unlock()

	if m.breakers != nil {
		m.breakers.Get(string(id)).Reset()
	}
	m.updateReadyGauge()
	m.logger.Info("module reloaded", zap.String("module", string(id)))
	if unit != nil {
		return unit.Terminate()
	}
	return nil
}

// Close terminates every unit and waits for loads and channel servers to stop.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	var units []Unit
	for _, rec := range m.records {
		if rec.unit != nil {
			units = append(units, rec.unit)
		}
	}
	m.mu.Unlock()

	m.cancel()

	var errs []error
	for _, u := range units {
		if err := u.Terminate(); err != nil {
			errs = append(errs, err)
		}
	}
	m.wg.Wait()
	return errors.Join(errs...)
}

func (m *Manager) recordLocked(id types.ModuleID) *record {
	rec, ok := m.records[id]
	if !ok {
		rec = &record{
			id:       id,
			state:    types.StateUnloaded,
			inflight: make(map[*router.ActiveQuery]struct{}),
		}
		m.records[id] = rec
	}
	return rec
}

// guardedStart runs start behind the module's breaker when breakers are on.
func (m *Manager) guardedStart(ctx context.Context, rec *record, a *attempt) error {
	if m.breakers == nil {
		return m.start(ctx, rec, a)
	}
	return m.breakers.Get(string(rec.id)).Execute(func() error {
		return m.start(ctx, rec, a)
	})
}

func (m *Manager) load(rec *record, a *attempt) {
	defer m.wg.Done()

	ctx, cancel := context.WithTimeout(m.ctx, m.loadTimeout)
	defer cancel()

	started := time.Now()
	err := m.guardedStart(ctx, rec, a)
	if err != nil {
		m.fail(rec, a, err)
		return
	}

	m.mu.Lock()
	unit := a.unit
	select {
	case <-unit.Channel().Done():
		m.mu.Unlock()
		m.fail(rec, a, ErrExited)
		return
	default:
	}
	rec.state = types.StateReady
	rec.unit = unit
	rec.lastErr = ""
	rec.readyAt = time.Now()
	m.mu.Unlock()
	close(a.done)

	m.metrics.ModuleLoaded("success")
	m.updateReadyGauge()
	m.logger.Info("module ready",
		zap.String("module", string(rec.id)),
		zap.Duration("duration", time.Since(started)))
}

// start runs one load: start the unit, serve its channel, wait for ready and
// deliver the seed if the module asked for it.
func (m *Manager) start(ctx context.Context, rec *record, a *attempt) error {
	unit, err := m.loader.Load(ctx, rec.id)
	if err != nil {
		return err
	}
	ch := unit.Channel()

	m.mu.Lock()
	a.unit = unit
	m.channels[ch.ID()] = rec
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		err := m.serve(m.ctx, ch)
		m.exited(rec, unit, err)
	}()

	timer := time.NewTimer(m.readyTimeout)
	defer timer.Stop()

	var rd types.ReadyData
	select {
	case rd = <-a.ready:
	case <-ch.Done():
		return ErrExited
	case <-timer.C:
		return ErrReadyTimeout
	case <-ctx.Done():
		return ctx.Err()
	}

	if rd.WantSeed {
		if err := m.presentSeed(ctx, rec, ch); err != nil {
			return fmt.Errorf("presenting seed: %w", err)
		}
	}
	return nil
}

func (m *Manager) presentSeed(ctx context.Context, rec *record, ch transport.Channel) error {
	if m.seeds == nil {
		return ErrNoSeedProvider
	}
	seed, err := m.seeds.SeedFor(rec.id)
	if err != nil {
		return err
	}

	p, err := m.queries.Issue(ch, types.MethodPresentSeed, types.PresentSeedData{Seed: seed},
		query.WithTimeout(m.readyTimeout))
	if err != nil {
		return err
	}
	if _, err := p.Wait(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	rec.seedDelivered = true
	m.mu.Unlock()
	m.metrics.SeedDelivered()
	return nil
}

func (m *Manager) fail(rec *record, a *attempt, cause error) {
	m.mu.Lock()
	rec.state = types.StateFailed
	rec.lastErr = cause.Error()
	unit := a.unit
	if unit != nil {
		delete(m.channels, unit.Channel().ID())
	}
	a.err = &LoadError{Module: rec.id, Err: cause}
	m.mu.Unlock()
	close(a.done)

	if unit != nil {
		_ = unit.Terminate()
	}
	m.metrics.ModuleLoaded("failure")
	m.logger.Warn("module load failed",
		zap.String("module", string(rec.id)),
		zap.Error(cause))
}

// exited runs when a unit's channel server returns.
func (m *Manager) exited(rec *record, unit Unit, err error) {
	if m.ctx.Err() != nil {
		return
	}

	chID := unit.Channel().ID()
	m.mu.Lock()
	if m.channels[chID] == rec {
		delete(m.channels, chID)
	}
	current := rec.unit == unit
	if current {
		rec.state = types.StateFailed
		rec.unit = nil
		rec.lastErr = ErrExited.Error()
	}
	inflight := len(rec.inflight)
	m.mu.Unlock()

	_ = unit.Terminate()
	if !current {
		return
	}
	m.updateReadyGauge()
	m.logger.Warn("module exited",
		zap.String("module", string(rec.id)),
		zap.Int("inFlight", inflight),
		zap.Error(err))
}

func (m *Manager) updateReadyGauge() {
	if m.metrics == nil {
		return
	}
	m.metrics.SetModulesReady(m.Stats().ReadyModules)
}

// serveResponses is the channel server used when no router is configured.
// It settles responses but cannot see ready signals.
func (m *Manager) serveResponses(ctx context.Context, ch transport.Channel) error {
	err := transport.Serve(ctx, ch, func(in transport.Inbound) {
		m.queries.HandleResponse(in.Channel, in.Envelope)
	})
	if errors.Is(err, transport.ErrClosed) {
		m.queries.FailChannel(ch, err)
	}
	return err
}
