package transport

import (
	"sync"

	"github.com/GriffinCanCode/AgentOS/skykernel/internal/shared/id"
	"github.com/GriffinCanCode/AgentOS/skykernel/internal/shared/types"
)

// AnyOrigin as a target origin delivers regardless of the receiver's origin.
const AnyOrigin = "*"

// Frame is a window-like context. Messages posted to a frame are broadcast to
// it and filtered by target origin; the frame then demultiplexes them by
// source into one WindowChannel per peer.
type Frame struct {
	origin string

	mu     sync.Mutex
	views  map[*Frame]*WindowChannel
	accept func(*WindowChannel)
	closed bool
}

// NewFrame creates a frame living at the given origin
func NewFrame(origin string) *Frame {
	return &Frame{
		origin: origin,
		views:  make(map[*Frame]*WindowChannel),
	}
}

// Origin returns the frame's origin
func (f *Frame) Origin() string {
	return f.origin
}

// OnConnect installs the hook that receives channels for peers this frame has
// not talked to before. Without a hook, messages from unknown peers are dropped.
func (f *Frame) OnConnect(fn func(*WindowChannel)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accept = fn
}

// Connect returns the channel used to talk to peer. Envelopes are posted with
// targetOrigin and only reach peer when its origin matches.
func (f *Frame) Connect(peer *Frame, targetOrigin string) *WindowChannel {
	f.mu.Lock()
	defer f.mu.Unlock()

	if view, ok := f.views[peer]; ok {
		return view
	}
	view := newWindowChannel(f, peer, targetOrigin)
	if f.closed {
		view.shutdown()
		return view
	}
	f.views[peer] = view
	return view
}

// receive delivers one posted envelope into this frame.
func (f *Frame) receive(src *Frame, env types.Envelope, targetOrigin string) error {
	if targetOrigin != AnyOrigin && targetOrigin != f.origin {
		return nil
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return ErrClosed
	}
	view, ok := f.views[src]
	var accept func(*WindowChannel)
	if !ok {
		if f.accept == nil {
			f.mu.Unlock()
			return nil
		}
		view = newWindowChannel(f, src, src.origin)
		f.views[src] = view
		accept = f.accept
	}
	f.mu.Unlock()

	if accept != nil {
		accept(view)
	}
	view.box.push(env)
	return nil
}

func (f *Frame) drop(peer *Frame) {
	f.mu.Lock()
	view, ok := f.views[peer]
	delete(f.views, peer)
	f.mu.Unlock()
	if ok {
		view.shutdown()
	}
}

// Close tears the frame down. Every peer's channel to this frame is closed too,
// the way a navigated-away page disappears for everyone talking to it.
func (f *Frame) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	views := f.views
	f.views = make(map[*Frame]*WindowChannel)
	f.mu.Unlock()

	for peer, view := range views {
		view.shutdown()
		peer.drop(f)
	}
}

// WindowChannel is the view a frame has of one peer frame.
type WindowChannel struct {
	id           string
	local        *Frame
	peer         *Frame
	targetOrigin string
	box          *mailbox

	once sync.Once
	done chan struct{}
}

func newWindowChannel(local, peer *Frame, targetOrigin string) *WindowChannel {
	return &WindowChannel{
		id:           id.NewChannelID().String(),
		local:        local,
		peer:         peer,
		targetOrigin: targetOrigin,
		box:          newMailbox(),
		done:         make(chan struct{}),
	}
}

func (w *WindowChannel) ID() string                   { return w.id }
func (w *WindowChannel) Kind() Kind                   { return KindWindow }
func (w *WindowChannel) Origin() string               { return w.peer.origin }
func (w *WindowChannel) Inbox() <-chan types.Envelope { return w.box.out }
func (w *WindowChannel) Done() <-chan struct{}        { return w.done }

// Send posts a copy of env to the peer frame. A mismatched target origin
// drops the envelope silently, exactly like postMessage.
func (w *WindowChannel) Send(env types.Envelope) error {
	select {
	case <-w.done:
		return ErrClosed
	default:
	}
	env, err := clone(env)
	if err != nil {
		return err
	}
	return w.peer.receive(w.local, env, w.targetOrigin)
}

// Close detaches this view from its frame.
func (w *WindowChannel) Close() error {
	w.local.drop(w.peer)
	w.shutdown()
	return nil
}

func (w *WindowChannel) shutdown() {
	w.once.Do(func() {
		close(w.done)
		w.box.close()
	})
}
