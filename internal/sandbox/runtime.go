package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/skykernel/internal/domain/router"
	"github.com/GriffinCanCode/AgentOS/skykernel/internal/infrastructure/logging"
	"github.com/GriffinCanCode/AgentOS/skykernel/internal/sdk"
	"github.com/GriffinCanCode/AgentOS/skykernel/internal/shared/types"
)

// Runtime is one loaded JavaScript module: a goja VM, its event loop and the
// sdk.Module it serves queries through.
type Runtime struct {
	id     types.ModuleID
	vm     *goja.Runtime
	config Config
	logger *zap.Logger

	tasks chan func()
	done  chan struct{}
	stop  sync.Once

	// Loop-owned; only touched from tasks.
	handlers map[types.Method]goja.Callable
	inited   bool

	mu     sync.Mutex
	module *sdk.Module // Protected by mu; nil until init completes
	built  chan struct{}
}

// New creates a runtime for module id. Call Init to evaluate its code.
func New(id types.ModuleID, config Config, logger *zap.Logger) *Runtime {
	logger = logging.OrNop(logger)
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultConfig().QueueSize
	}
	r := &Runtime{
		id:       id,
		vm:       goja.New(),
		config:   config,
		logger:   logger.With(zap.String("module", string(id))),
		tasks:    make(chan func(), config.QueueSize),
		done:     make(chan struct{}),
		handlers: make(map[types.Method]goja.Callable),
		built:    make(chan struct{}),
	}
	if config.MaxCallStack > 0 {
		r.vm.SetMaxCallStackSize(config.MaxCallStack)
	}
	r.setupGlobals()
	return r
}

// Loop runs queued tasks until ctx is done or Close is called.
func (r *Runtime) Loop(ctx context.Context) {
	for {
		select {
		case task := <-r.tasks:
			r.run(task)
		case <-ctx.Done():
			r.Close()
			return
		case <-r.done:
			return
		}
	}
}

// Close stops the event loop. Queued tasks are dropped.
func (r *Runtime) Close() {
	r.stop.Do(func() { close(r.done) })
}

// Init evaluates the module code on the loop and builds the module from the
// handlers it registered. Loop must be running.
func (r *Runtime) Init(ctx context.Context, code []byte) (*sdk.Module, error) {
	errc := make(chan error, 1)
	err := r.post(ctx, func() {
		_, err := r.vm.RunString(string(code))
		r.inited = true
		errc <- err
	})
	if err != nil {
		return nil, err
	}
	select {
	case err = <-errc:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-r.done:
		return nil, ErrClosed
	}
	if err != nil {
		return nil, fmt.Errorf("module init failed: %w", describe(err))
	}

	// Handlers and wantSeed are settled once init returns; read them on the loop.
	type initResult struct {
		methods  []types.Method
		wantSeed bool
	}
	resc := make(chan initResult, 1)
	if err := r.post(ctx, func() {
		res := initResult{wantSeed: r.vm.Get("wantSeed").ToBoolean()}
		for method := range r.handlers {
			res.methods = append(res.methods, method)
		}
		resc <- res
	}); err != nil {
		return nil, err
	}
	var res initResult
	select {
	case res = <-resc:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-r.done:
		return nil, ErrClosed
	}

	var opts []sdk.ModuleOption
	opts = append(opts, sdk.WithModuleLogger(r.logger))
	if res.wantSeed {
		opts = append(opts, sdk.WantSeed())
	}
	m := sdk.NewModule(opts...)
	for _, method := range res.methods {
		if err := m.Handle(method, r.serve(method)); err != nil {
			return nil, fmt.Errorf("module init failed: handler %s: %w", method, err)
		}
	}

	r.mu.Lock()
	r.module = m
	r.mu.Unlock()
	close(r.built)
	return m, nil
}

func (r *Runtime) current() *sdk.Module {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.module
}

// post queues a task for the loop.
func (r *Runtime) post(ctx context.Context, task func()) error {
	select {
	case r.tasks <- task:
		return nil
	case <-r.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// postAsync queues a task from a host goroutine that has no caller waiting.
func (r *Runtime) postAsync(task func()) {
	select {
	case r.tasks <- task:
	case <-r.done:
	}
}

// run executes one task under the interrupt timer.
func (r *Runtime) run(task func()) {
	var timer *time.Timer
	if r.config.Timeout > 0 {
		timer = time.AfterFunc(r.config.Timeout, func() {
			r.vm.Interrupt(ErrInterrupted)
		})
	}
	defer func() {
		if timer != nil {
			timer.Stop()
		}
		r.vm.ClearInterrupt()
		if rec := recover(); rec != nil {
			r.logger.Error("sandbox task panicked", zap.Any("panic", rec))
		}
	}()
	task()
}

// serve adapts a JS handler to the module router.
func (r *Runtime) serve(method types.Method) sdk.HandlerFunc {
	return func(aq *router.ActiveQuery) {
		err := r.post(context.Background(), func() {
			fn := r.handlers[method]
			if _, err := fn(goja.Undefined(), r.activeQuery(aq)); err != nil {
				r.logger.Warn("handler threw", zap.String("method", string(method)), zap.Error(err))
				if aq.State() == router.StateOpen {
					_ = aq.Rejectf("module threw an error: %v", describe(err))
				}
			}
		})
		if err != nil {
			_ = aq.Reject(err.Error())
		}
	}
}

func (r *Runtime) activeQuery(aq *router.ActiveQuery) goja.Value {
	obj := r.vm.NewObject()
	_ = obj.Set("callerInput", r.vm.ToValue(aq.CallerInput()))
	_ = obj.Set("domain", aq.Domain())
	_ = obj.Set("respond", func(call goja.FunctionCall) goja.Value {
		_ = aq.Respond(export(call.Argument(0)))
		return goja.Undefined()
	})
	_ = obj.Set("reject", func(call goja.FunctionCall) goja.Value {
		_ = aq.Reject(call.Argument(0).String())
		return goja.Undefined()
	})
	_ = obj.Set("sendUpdate", func(call goja.FunctionCall) goja.Value {
		_ = aq.SendUpdate(export(call.Argument(0)))
		return goja.Undefined()
	})
	_ = obj.Set("setReceiveUpdate", func(call goja.FunctionCall) goja.Value {
		fn, ok := goja.AssertFunction(call.Argument(0))
		if !ok {
			panic(r.vm.NewTypeError("setReceiveUpdate expects a function"))
		}
		aq.SetReceiveUpdate(func(data any) {
			r.postAsync(func() { r.callback(fn, r.vm.ToValue(data)) })
		})
		return goja.Undefined()
	})
	return obj
}

// callback invokes a JS callback and logs what it throws.
func (r *Runtime) callback(fn goja.Callable, args ...goja.Value) {
	if _, err := fn(goja.Undefined(), args...); err != nil {
		r.logger.Warn("callback threw", zap.Error(err))
	}
}

// setupGlobals configures global objects and security
func (r *Runtime) setupGlobals() {
	// Remove dangerous globals
	for _, name := range []string{"require", "process", "module", "exports"} {
		_ = r.vm.Set(name, goja.Undefined())
	}

	// Timers are no-ops
	noop := func(goja.FunctionCall) goja.Value { return goja.Undefined() }
	_ = r.vm.Set("setTimeout", noop)
	_ = r.vm.Set("setInterval", noop)

	_ = r.vm.Set("wantSeed", false)
	_ = r.vm.Set("addHandler", r.addHandler)
	_ = r.vm.Set("log", r.makeLogFunc(false))
	_ = r.vm.Set("logErr", r.makeLogFunc(true))
	_ = r.vm.Set("getSeed", r.getSeed)
	_ = r.vm.Set("callModule", r.callModule)
}

func (r *Runtime) addHandler(call goja.FunctionCall) goja.Value {
	if r.inited {
		panic(r.vm.NewTypeError("addHandler can only be called during init"))
	}
	method := types.Method(call.Argument(0).String())
	fn, ok := goja.AssertFunction(call.Argument(1))
	if method == "" || !ok {
		panic(r.vm.NewTypeError("addHandler expects a method name and a function"))
	}
	if method.IsReserved() || method == types.MethodPresentSeed || method == types.MethodNoOp {
		panic(r.vm.NewTypeError(fmt.Sprintf("%s cannot be overridden", method)))
	}
	r.handlers[method] = fn
	return goja.Undefined()
}

// makeLogFunc creates a log function
func (r *Runtime) makeLogFunc(isErr bool) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		parts := make([]string, len(call.Arguments))
		for i, arg := range call.Arguments {
			parts[i] = arg.String()
		}
		msg := strings.Join(parts, " ")

		if m := r.current(); m != nil {
			if isErr {
				m.LogErr("%s", msg)
			} else {
				m.Log("%s", msg)
			}
			return goja.Undefined()
		}
		// Before init completes there is no channel to the kernel yet.
		if isErr {
			r.logger.Error(msg)
		} else {
			r.logger.Info(msg)
		}
		return goja.Undefined()
	}
}

func (r *Runtime) getSeed(call goja.FunctionCall) goja.Value {
	cb, ok := goja.AssertFunction(call.Argument(0))
	if !ok {
		panic(r.vm.NewTypeError("getSeed expects a callback"))
	}
	go func() {
		m := r.waitModule()
		if m == nil {
			return
		}
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			select {
			case <-r.done:
				cancel()
			case <-ctx.Done():
			}
		}()
		seed, err := m.Seed(ctx)
		if err != nil {
			return
		}
		r.postAsync(func() { r.callback(cb, r.vm.ToValue(r.vm.NewArrayBuffer(seed))) })
	}()
	return goja.Undefined()
}

func (r *Runtime) callModule(call goja.FunctionCall) goja.Value {
	id := types.ModuleID(call.Argument(0).String())
	method := types.Method(call.Argument(1).String())
	data := export(call.Argument(2))
	cb, ok := goja.AssertFunction(call.Argument(3))
	if !ok {
		panic(r.vm.NewTypeError("callModule expects a callback"))
	}
	m := r.current()
	if m == nil {
		panic(r.vm.NewTypeError("callModule is not available during init"))
	}

	p, err := m.OpenModule(id, method, data)
	if err != nil {
		r.callback(cb, goja.Null(), r.vm.ToValue(err.Error()))
		return goja.Undefined()
	}
	go func() {
		select {
		case <-p.Done():
		case <-r.done:
			p.Cancel()
			return
		}
		res, err := p.Result()
		r.postAsync(func() {
			if err != nil {
				r.callback(cb, goja.Null(), r.vm.ToValue(err.Error()))
				return
			}
			r.callback(cb, r.vm.ToValue(res), goja.Null())
		})
	}()
	return goja.Undefined()
}

// waitModule returns the module once init has built it, or nil if the
// runtime closes first.
func (r *Runtime) waitModule() *sdk.Module {
	select {
	case <-r.built:
		return r.current()
	case <-r.done:
		return nil
	}
}

// export converts goja value to Go value
func export(val goja.Value) any {
	if val == nil || goja.IsUndefined(val) || goja.IsNull(val) {
		return nil
	}
	return val.Export()
}

// describe strips goja's stack decoration from thrown errors.
func describe(err error) error {
	var ex *goja.Exception
	if errors.As(err, &ex) {
		if v := ex.Value(); v != nil {
			return errors.New(v.String())
		}
		return errors.New(ex.Error())
	}
	var in *goja.InterruptedError
	if errors.As(err, &in) {
		return ErrInterrupted
	}
	return err
}
