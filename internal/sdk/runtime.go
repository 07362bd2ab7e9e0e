package sdk

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/skykernel/internal/domain/module"
	"github.com/GriffinCanCode/AgentOS/skykernel/internal/infrastructure/logging"
	"github.com/GriffinCanCode/AgentOS/skykernel/internal/shared/types"
	"github.com/GriffinCanCode/AgentOS/skykernel/internal/transport"
)

// Factory builds a fresh module instance for one load.
type Factory func() *Module

// Runtime hosts native Go modules. Each load runs a new instance on its own
// worker pipe.
type Runtime struct {
	logger *zap.Logger

	mu        sync.RWMutex
	factories map[types.ModuleID]Factory // Protected by mu
}

// NewRuntime creates an empty runtime.
func NewRuntime(logger *zap.Logger) *Runtime {
	logger = logging.OrNop(logger)
	return &Runtime{logger: logger, factories: make(map[types.ModuleID]Factory)}
}

// Add registers a module under id.
func (r *Runtime) Add(id types.ModuleID, factory Factory) error {
	if err := id.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[id]; exists {
		return fmt.Errorf("module %s already registered", id)
	}
	r.factories[id] = factory
	return nil
}

// IDs lists the registered modules.
func (r *Runtime) IDs() []types.ModuleID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]types.ModuleID, 0, len(r.factories))
	for id := range r.factories {
		ids = append(ids, id)
	}
	return ids
}

// Load implements module.Loader.
func (r *Runtime) Load(_ context.Context, id types.ModuleID) (module.Unit, error) {
	r.mu.RLock()
	factory, ok := r.factories[id]
	r.mu.RUnlock()
	if !ok {
		return nil, module.ErrNotFound
	}

	host, worker := transport.NewWorkerPipe(string(id))
	ctx, cancel := context.WithCancel(context.Background())
	mod := factory()
	go func() {
		if err := mod.Run(ctx, worker); err != nil && ctx.Err() == nil {
			r.logger.Debug("native module stopped", zap.String("module", string(id)), zap.Error(err))
		}
	}()
	return module.NewPortUnit(host, cancel), nil
}
