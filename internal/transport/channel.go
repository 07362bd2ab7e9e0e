package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/GriffinCanCode/AgentOS/skykernel/internal/shared/types"
)

// ErrClosed is returned once the peer of a channel is permanently unavailable.
var ErrClosed = errors.New("channel closed")

// Kind names the delivery mechanism behind a channel
type Kind string

const (
	KindWorker Kind = "worker"
	KindWindow Kind = "window"
	KindSocket Kind = "socket"
)

// Channel is a bidirectional transport between two contexts.
//
// Send never blocks on the peer. Inbox yields envelopes in arrival order and
// is closed when the peer goes away for good.
type Channel interface {
	ID() string
	Kind() Kind
	Origin() string
	Send(env types.Envelope) error
	Inbox() <-chan types.Envelope
	Done() <-chan struct{}
	Close() error
}

// Inbound is one envelope together with the channel it arrived on.
type Inbound struct {
	Envelope types.Envelope
	Channel  Channel
	Origin   string
}

// Reply sends env back on the channel the inbound envelope arrived on.
func (in Inbound) Reply(env types.Envelope) error {
	return in.Channel.Send(env)
}

// Serve feeds every envelope arriving on ch to fn, one at a time. It returns
// an error wrapping ErrClosed when the channel dies, or ctx.Err().
func Serve(ctx context.Context, ch Channel, fn func(Inbound)) error {
	inbox := ch.Inbox()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok := <-inbox:
			if !ok {
				return fmt.Errorf("%w: %s", ErrClosed, ch.ID())
			}
			fn(Inbound{Envelope: env, Channel: ch, Origin: ch.Origin()})
		}
	}
}
