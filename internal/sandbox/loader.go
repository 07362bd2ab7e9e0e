package sandbox

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/skykernel/internal/domain/module"
	"github.com/GriffinCanCode/AgentOS/skykernel/internal/infrastructure/logging"
	"github.com/GriffinCanCode/AgentOS/skykernel/internal/shared/types"
	"github.com/GriffinCanCode/AgentOS/skykernel/internal/transport"
)

// Loader starts JavaScript modules fetched from a source.
type Loader struct {
	Source module.Source
	Config Config
	Logger *zap.Logger
}

// Load implements module.Loader. Each call gets a fresh VM.
func (l Loader) Load(ctx context.Context, id types.ModuleID) (module.Unit, error) {
	if l.Source == nil {
		return nil, errors.New("sandbox loader has no source")
	}
	code, err := l.Source.Fetch(ctx, id)
	if err != nil {
		return nil, err
	}

	logger := logging.OrNop(l.Logger)
	cfg := l.Config
	if cfg == (Config{}) {
		cfg = DefaultConfig()
	}

	runCtx, cancel := context.WithCancel(context.Background())
	rt := New(id, cfg, logger.Named("sandbox"))
	go rt.Loop(runCtx)

	m, err := rt.Init(ctx, code)
	if err != nil {
		cancel()
		return nil, err
	}

	host, worker := transport.NewWorkerPipe(string(id))
	go func() {
		if err := m.Run(runCtx, worker); err != nil && runCtx.Err() == nil {
			logger.Debug("sandboxed module stopped", zap.String("module", string(id)), zap.Error(err))
		}
		// The module is gone once its channel is; stop the loop with it.
		cancel()
	}()
	return module.NewPortUnit(host, cancel), nil
}

// Eval runs a script in a throwaway runtime and returns its completion value.
// It is used to check module code before it is served.
func Eval(ctx context.Context, cfg Config, code []byte) (any, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	rt := New("eval", cfg, nil)
	go rt.Loop(runCtx)

	type result struct {
		value any
		err   error
	}
	resc := make(chan result, 1)
	if err := rt.post(ctx, func() {
		v, err := rt.vm.RunString(string(code))
		resc <- result{value: export(v), err: err}
	}); err != nil {
		return nil, err
	}
	select {
	case res := <-resc:
		if res.err != nil {
			return nil, fmt.Errorf("evaluating script: %w", describe(res.err))
		}
		return res.value, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
