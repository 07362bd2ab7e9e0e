package transport

import (
	"sync"

	"github.com/GriffinCanCode/AgentOS/skykernel/internal/shared/id"
	"github.com/GriffinCanCode/AgentOS/skykernel/internal/shared/types"
)

// HostOrigin is the origin a worker sees for the context that spawned it.
const HostOrigin = "kernel"

// Port is one end of a handle-based pipe. Sends go straight to the peer's
// mailbox; there is no origin filtering.
type Port struct {
	id     string
	origin string
	inbox  *mailbox
	peer   *Port
	pipe   *pipe
}

type pipe struct {
	once sync.Once
	done chan struct{}
}

// NewPipe connects two ports. a.Origin() reports bOrigin and vice versa, so
// each side sees the identity of its peer.
func NewPipe(aOrigin, bOrigin string) (*Port, *Port) {
	p := &pipe{done: make(chan struct{})}
	a := &Port{id: id.NewChannelID().String(), origin: bOrigin, inbox: newMailbox(), pipe: p}
	b := &Port{id: id.NewChannelID().String(), origin: aOrigin, inbox: newMailbox(), pipe: p}
	a.peer, b.peer = b, a
	return a, b
}

// NewWorkerPipe creates the channel pair between a host and a worker running
// the given module. The host end reports the module as its origin.
func NewWorkerPipe(moduleOrigin string) (host *Port, worker *Port) {
	return NewPipe(HostOrigin, moduleOrigin)
}

func (p *Port) ID() string                   { return p.id }
func (p *Port) Kind() Kind                   { return KindWorker }
func (p *Port) Origin() string               { return p.origin }
func (p *Port) Inbox() <-chan types.Envelope { return p.inbox.out }
func (p *Port) Done() <-chan struct{}        { return p.pipe.done }

// Send posts a copy of env to the peer. It fails once the pipe is closed or
// when the data cannot be cloned.
func (p *Port) Send(env types.Envelope) error {
	select {
	case <-p.pipe.done:
		return ErrClosed
	default:
	}
	env, err := clone(env)
	if err != nil {
		return err
	}
	if !p.peer.inbox.push(env) {
		return ErrClosed
	}
	return nil
}

// Close terminates both ends of the pipe.
func (p *Port) Close() error {
	p.pipe.once.Do(func() {
		close(p.pipe.done)
		p.inbox.close()
		p.peer.inbox.close()
	})
	return nil
}
