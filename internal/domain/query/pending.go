package query

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/GriffinCanCode/AgentOS/skykernel/internal/shared/types"
	"github.com/GriffinCanCode/AgentOS/skykernel/internal/transport"
)

// Pending is the caller's handle on a query awaiting its response.
type Pending struct {
	nonce    types.Nonce
	method   types.Method
	ch       transport.Channel
	manager  *Manager
	onUpdate func(any)
	issued   time.Time
	timer    *time.Timer // Protected by manager.mu

	done  chan struct{}
	mu    sync.Mutex
	value any   // Protected by mu
	err   error // Protected by mu
}

// Nonce returns the nonce the query was issued with.
func (p *Pending) Nonce() types.Nonce { return p.nonce }

// Method returns the queried method.
func (p *Pending) Method() types.Method { return p.method }

// Channel returns the channel the query was sent on.
func (p *Pending) Channel() transport.Channel { return p.ch }

// Done is closed once the query settles.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Result returns the settled outcome, or ErrNotSettled.
func (p *Pending) Result() (any, error) {
	select {
	case <-p.done:
	default:
		return nil, ErrNotSettled
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.value, p.err
}

// Wait blocks until the query settles. If ctx ends first the query is
// canceled and the error wraps both ErrCanceled and ctx.Err().
func (p *Pending) Wait(ctx context.Context) (any, error) {
	select {
	case <-p.done:
		return p.Result()
	case <-ctx.Done():
	}

	if p.Cancel() {
		return nil, fmt.Errorf("%w: %w", ErrCanceled, ctx.Err())
	}
	// Settled concurrently; the settling side closes done right after.
	<-p.done
	return p.Result()
}

// Cancel stops listening for the response. The remote side is not told.
// It reports whether the query was still outstanding.
func (p *Pending) Cancel() bool {
	return p.manager.Cancel(p.ch, p.nonce)
}

// SendUpdate sends a queryUpdate for this query to the remote handler.
func (p *Pending) SendUpdate(data any) error {
	if !p.manager.outstanding(p) {
		return ErrSettled
	}
	return p.ch.Send(types.Envelope{Nonce: p.nonce, Method: types.MethodQueryUpdate, Data: data})
}

func (p *Pending) settle(value any, err error) {
	p.mu.Lock()
	p.value, p.err = value, err
	p.mu.Unlock()
	close(p.done)
}
