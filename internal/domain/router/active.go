package router

import (
	"errors"
	"fmt"
	"sync"

	"github.com/GriffinCanCode/AgentOS/skykernel/internal/shared/types"
	"github.com/GriffinCanCode/AgentOS/skykernel/internal/transport"
	"github.com/bytedance/sonic"
	"go.uber.org/zap"
)

var (
	// ErrAlreadyClosed is returned by a second terminal call on an active query.
	ErrAlreadyClosed = errors.New("active query already closed")
	// ErrNotification is returned when answering a notification, which has no caller waiting.
	ErrNotification = errors.New("notifications cannot be answered")
)

// State is the lifecycle state of an active query.
type State int

const (
	StateOpen State = iota
	StateResponded
	StateRejected
	// StateAbandoned is entered when the caller's channel dies first.
	StateAbandoned
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateResponded:
		return "responded"
	case StateRejected:
		return "rejected"
	case StateAbandoned:
		return "abandoned"
	default:
		return "unknown"
	}
}

// ActiveQuery is the receiving side of a query. The handler completes it
// with exactly one Respond or Reject and may stream progress before that.
type ActiveQuery struct {
	router       *Router
	ch           transport.Channel
	nonce        types.Nonce
	method       types.Method
	input        any
	domain       string
	notification bool

	mu       sync.Mutex
	state    State     // Protected by mu
	onUpdate func(any) // Protected by mu
	onClose  []func()  // Protected by mu
}

// CallerInput returns the data the caller sent.
func (aq *ActiveQuery) CallerInput() any { return aq.input }

// Bind decodes the caller input into v.
func (aq *ActiveQuery) Bind(v any) error {
	raw, err := sonic.Marshal(aq.input)
	if err != nil {
		return fmt.Errorf("encoding caller input: %w", err)
	}
	if err := sonic.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decoding caller input: %w", err)
	}
	return nil
}

// Domain identifies the original caller.
func (aq *ActiveQuery) Domain() string { return aq.domain }

// Nonce returns the caller's nonce. Notifications have none.
func (aq *ActiveQuery) Nonce() types.Nonce { return aq.nonce }

// Method returns the method the caller invoked.
func (aq *ActiveQuery) Method() types.Method { return aq.method }

// Channel returns the channel the query arrived on.
func (aq *ActiveQuery) Channel() transport.Channel { return aq.ch }

// IsNotification reports whether the caller expects no response.
func (aq *ActiveQuery) IsNotification() bool { return aq.notification }

// State returns the current state.
func (aq *ActiveQuery) State() State {
	aq.mu.Lock()
	defer aq.mu.Unlock()
	return aq.state
}

// Respond completes the query successfully.
func (aq *ActiveQuery) Respond(data any) error {
	return aq.terminate(types.Envelope{Nonce: aq.nonce, Method: types.MethodResponse, Data: data}, StateResponded)
}

// Reject completes the query with an error message.
func (aq *ActiveQuery) Reject(msg string) error {
	return aq.terminate(types.Envelope{Nonce: aq.nonce}.RespondErr(msg), StateRejected)
}

// Rejectf formats the error message and rejects the query.
func (aq *ActiveQuery) Rejectf(format string, args ...any) error {
	return aq.Reject(fmt.Sprintf(format, args...))
}

// SendUpdate streams progress to the caller while the query is open.
func (aq *ActiveQuery) SendUpdate(data any) error {
	if aq.notification {
		return ErrNotification
	}
	aq.mu.Lock()
	open := aq.state == StateOpen
	aq.mu.Unlock()
	if !open {
		return ErrAlreadyClosed
	}
	return aq.ch.Send(types.Envelope{Nonce: aq.nonce, Method: types.MethodResponseUpdate, Data: data})
}

// SetReceiveUpdate registers the receiver for queryUpdate envelopes the
// caller sends while the query is open.
func (aq *ActiveQuery) SetReceiveUpdate(fn func(data any)) {
	aq.mu.Lock()
	defer aq.mu.Unlock()
	aq.onUpdate = fn
}

// OnClose registers fn to run once when the query leaves the open state.
// It runs immediately if the query is already closed.
func (aq *ActiveQuery) OnClose(fn func()) {
	aq.mu.Lock()
	if aq.state == StateOpen {
		aq.onClose = append(aq.onClose, fn)
		aq.mu.Unlock()
		return
	}
	aq.mu.Unlock()
	fn()
}

func (aq *ActiveQuery) receiveUpdate(data any) bool {
	aq.mu.Lock()
	fn := aq.onUpdate
	open := aq.state == StateOpen
	aq.mu.Unlock()
	if !open || fn == nil {
		return false
	}
	fn(data)
	return true
}

func (aq *ActiveQuery) terminate(env types.Envelope, to State) error {
	if aq.notification {
		return ErrNotification
	}

	hooks, prev, ok := aq.close(to)
	if !ok {
		if prev == StateAbandoned {
			return ErrAlreadyClosed
		}
		aq.router.notable.Record("router", "active query closed twice",
			zap.String("method", string(aq.method)),
			zap.String("nonce", string(aq.nonce)),
			zap.String("channel", aq.ch.ID()),
			zap.Stringer("attempted", to))
		return ErrAlreadyClosed
	}

	err := aq.ch.Send(env)
	for _, fn := range hooks {
		fn()
	}
	return err
}

// close moves the query out of the open state and hands back its close hooks.
func (aq *ActiveQuery) close(to State) ([]func(), State, bool) {
	aq.mu.Lock()
	defer aq.mu.Unlock()
	if aq.state != StateOpen {
		return nil, aq.state, false
	}
	aq.state = to
	hooks := aq.onClose
	aq.onClose = nil
	aq.onUpdate = nil
	return hooks, StateOpen, true
}

// abandon closes the query without sending anything, for a caller that is gone.
func (aq *ActiveQuery) abandon() bool {
	hooks, _, ok := aq.close(StateAbandoned)
	if !ok {
		return false
	}
	for _, fn := range hooks {
		fn()
	}
	return true
}
