package module

import (
	"context"
	"sync"

	"github.com/GriffinCanCode/AgentOS/skykernel/internal/shared/types"
	"github.com/GriffinCanCode/AgentOS/skykernel/internal/transport"
)

// Loader starts an execution unit for a module.
type Loader interface {
	Load(ctx context.Context, id types.ModuleID) (Unit, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context, id types.ModuleID) (Unit, error)

// Load calls f(ctx, id).
func (f LoaderFunc) Load(ctx context.Context, id types.ModuleID) (Unit, error) {
	return f(ctx, id)
}

// Unit is a running module. Its channel is the kernel's end of the link.
type Unit interface {
	Channel() transport.Channel
	Terminate() error
}

// SeedProvider supplies the seed presented to a module that asks for one.
type SeedProvider interface {
	SeedFor(id types.ModuleID) ([]byte, error)
}

// PortUnit is a Unit whose module runs in this process behind a channel.
type PortUnit struct {
	ch   transport.Channel
	stop func()
	once sync.Once
}

// NewPortUnit wraps the kernel side of a channel. stop, if given, runs once
// on Terminate after the channel is closed.
func NewPortUnit(ch transport.Channel, stop func()) *PortUnit {
	return &PortUnit{ch: ch, stop: stop}
}

// Channel implements Unit.
func (u *PortUnit) Channel() transport.Channel { return u.ch }

// Terminate implements Unit.
func (u *PortUnit) Terminate() error {
	var err error
	u.once.Do(func() {
		err = u.ch.Close()
		if u.stop != nil {
			u.stop()
		}
	})
	return err
}
