package transport

import (
	"sync"

	"github.com/GriffinCanCode/AgentOS/skykernel/internal/shared/types"
)

// mailbox is an unbounded FIFO feeding a channel. push never blocks, which
// gives Send the fire-and-forget behaviour of postMessage.
type mailbox struct {
	mu     sync.Mutex
	queue  []types.Envelope
	closed bool

	wake chan struct{}
	done chan struct{}
	out  chan types.Envelope
}

func newMailbox() *mailbox {
	m := &mailbox{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
		out:  make(chan types.Envelope),
	}
	go m.pump()
	return m
}

func (m *mailbox) push(env types.Envelope) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.queue = append(m.queue, env)
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
	return true
}

// close discards anything still queued and closes out.
func (m *mailbox) close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.queue = nil
	m.mu.Unlock()
	close(m.done)
}

func (m *mailbox) pump() {
	defer close(m.out)
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return
		}
		if len(m.queue) == 0 {
			m.mu.Unlock()
			select {
			case <-m.wake:
			case <-m.done:
			}
			continue
		}
		env := m.queue[0]
		m.queue[0] = types.Envelope{}
		m.queue = m.queue[1:]
		m.mu.Unlock()

		select {
		case m.out <- env:
		case <-m.done:
			return
		}
	}
}
