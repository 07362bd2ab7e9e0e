// Package transporttest provides channel fakes for tests.
package transporttest

import (
	"sync"
	"time"

	"github.com/GriffinCanCode/AgentOS/skykernel/internal/shared/id"
	"github.com/GriffinCanCode/AgentOS/skykernel/internal/shared/types"
	"github.com/GriffinCanCode/AgentOS/skykernel/internal/transport"
)

// Recorder is a transport.Channel that records everything sent on it and
// lets the test inject inbound envelopes.
type Recorder struct {
	id     string
	origin string
	kind   transport.Kind

	mu      sync.Mutex
	sent    []types.Envelope
	sendErr error
	notify  chan struct{}

	inbox  chan types.Envelope
	once   sync.Once
	done   chan struct{}
	closed bool
}

// NewRecorder creates a recorder reporting the given peer origin
func NewRecorder(origin string) *Recorder {
	return &Recorder{
		id:     id.NewChannelID().String(),
		origin: origin,
		kind:   transport.KindWorker,
		notify: make(chan struct{}, 1),
		inbox:  make(chan types.Envelope, 64),
		done:   make(chan struct{}),
	}
}

func (r *Recorder) ID() string                   { return r.id }
func (r *Recorder) Kind() transport.Kind         { return r.kind }
func (r *Recorder) Origin() string               { return r.origin }
func (r *Recorder) Inbox() <-chan types.Envelope { return r.inbox }
func (r *Recorder) Done() <-chan struct{}        { return r.done }

// Send records env
func (r *Recorder) Send(env types.Envelope) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return transport.ErrClosed
	}
	if r.sendErr != nil {
		err := r.sendErr
		r.mu.Unlock()
		return err
	}
	r.sent = append(r.sent, env)
	r.mu.Unlock()

	select {
	case r.notify <- struct{}{}:
	default:
	}
	return nil
}

// FailSends makes every following Send return err
func (r *Recorder) FailSends(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sendErr = err
}

// Deliver injects an inbound envelope
func (r *Recorder) Deliver(env types.Envelope) {
	r.inbox <- env
}

// Close closes the inbox, simulating a lost peer
func (r *Recorder) Close() error {
	r.once.Do(func() {
		r.mu.Lock()
		r.closed = true
		r.mu.Unlock()
		close(r.done)
		close(r.inbox)
	})
	return nil
}

// Sent returns a copy of every envelope sent so far
func (r *Recorder) Sent() []types.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.Envelope, len(r.sent))
	copy(out, r.sent)
	return out
}

// Last returns the most recent envelope, if any
func (r *Recorder) Last() (types.Envelope, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sent) == 0 {
		return types.Envelope{}, false
	}
	return r.sent[len(r.sent)-1], true
}

// WaitSent blocks until at least n envelopes were sent or the timeout passes.
func (r *Recorder) WaitSent(n int, timeout time.Duration) []types.Envelope {
	deadline := time.After(timeout)
	for {
		if sent := r.Sent(); len(sent) >= n {
			return sent
		}
		select {
		case <-r.notify:
		case <-deadline:
			return r.Sent()
		}
	}
}

// Method filters the recorded envelopes by method
func (r *Recorder) Method(m types.Method) []types.Envelope {
	var out []types.Envelope
	for _, env := range r.Sent() {
		if env.Method == m {
			out = append(out, env)
		}
	}
	return out
}
