package relay

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/GriffinCanCode/AgentOS/skykernel/internal/shared/types"
	"github.com/GriffinCanCode/AgentOS/skykernel/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch transport.Channel) types.Envelope {
	t.Helper()
	select {
	case env, ok := <-ch.Inbox():
		require.True(t, ok, "channel closed")
		return env
	case <-time.After(time.Second):
		t.Fatal("nothing received")
		return types.Envelope{}
	}
}

func quiet(t *testing.T, ch transport.Channel) {
	t.Helper()
	select {
	case env := <-ch.Inbox():
		t.Fatalf("unexpected envelope %s", env)
	case <-time.After(50 * time.Millisecond):
	}
}

type harness struct {
	relay  *Relay
	kernel transport.Channel
	ctx    context.Context
}

func newHarness(t *testing.T, build func(transport.Channel) *Relay) *harness {
	t.Helper()
	up, kernel := transport.NewPipe("relay", "kernel")
	ctx, cancel := context.WithCancel(context.Background())
	r := build(up)
	go func() { _ = r.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		_ = kernel.Close()
	})
	return &harness{relay: r, kernel: kernel, ctx: ctx}
}

func (h *harness) page(t *testing.T, origin string) transport.Channel {
	t.Helper()
	down, page := transport.NewPipe("relay", origin)
	go func() { _ = h.relay.Attach(h.ctx, down) }()
	t.Cleanup(func() { _ = page.Close() })
	return page
}

func TestForwardAndRouteBack(t *testing.T) {
	h := newHarness(t, func(up transport.Channel) *Relay { return New("test", up) })
	a := h.page(t, "https://a.example")
	b := h.page(t, "https://b.example")

	require.NoError(t, a.Send(types.Envelope{Nonce: "a1", Method: "moduleCall", Data: "from a"}))
	require.NoError(t, b.Send(types.Envelope{Nonce: "b1", Method: "moduleCall", Data: "from b"}))

	got := map[types.Nonce]types.Envelope{}
	for range 2 {
		env := receive(t, h.kernel)
		got[env.Nonce] = env
	}
	assert.Equal(t, "from a", got["a1"].Data)
	assert.Equal(t, "from b", got["b1"].Data)
	assert.Empty(t, got["a1"].Domain)

	// Answer b first, with progress, then a with an error.
	require.NoError(t, h.kernel.Send(types.Envelope{Nonce: "b1", Method: types.MethodResponseUpdate, Data: "half"}))
	require.NoError(t, h.kernel.Send(types.Envelope{Nonce: "b1", Method: types.MethodResponse, Data: "done b"}))
	require.NoError(t, h.kernel.Send(types.Envelope{Nonce: "a1", Method: types.MethodResponse, Err: "boom"}))

	assert.Equal(t, types.Envelope{Nonce: "b1", Method: types.MethodResponseUpdate, Data: "half"}, receive(t, b))
	assert.Equal(t, types.Envelope{Nonce: "b1", Method: types.MethodResponse, Data: "done b"}, receive(t, b))
	assert.Equal(t, types.Envelope{Nonce: "a1", Method: types.MethodResponse, Err: "boom"}, receive(t, a))

	require.Eventually(t, func() bool { return h.relay.Routes() == 0 }, time.Second, 5*time.Millisecond)

	// A second terminal response has no route left.
	require.NoError(t, h.kernel.Send(types.Envelope{Nonce: "a1", Method: types.MethodResponse, Data: "late"}))
	quiet(t, a)
}

func TestBackgroundStampsDomain(t *testing.T) {
	h := newHarness(t, func(up transport.Channel) *Relay { return NewBackground(up) })
	page := h.page(t, "https://page.example")

	require.NoError(t, page.Send(types.Envelope{Nonce: "1", Method: "moduleCall", Domain: "https://forged.example"}))

	env := receive(t, h.kernel)
	assert.Equal(t, "https://page.example", env.Domain)
}

func TestBridgeAnswersVersionLocally(t *testing.T) {
	h := newHarness(t, func(up transport.Channel) *Relay { return NewBridge(up) })
	page := h.page(t, "https://page.example")

	require.NoError(t, page.Send(types.Envelope{Nonce: "1", Method: types.MethodKernelBridgeVersion}))

	env := receive(t, page)
	assert.Equal(t, types.MethodResponse, env.Method)
	assert.Equal(t, map[string]any{"version": BridgeVersion}, env.Data)
	quiet(t, h.kernel)
}

func TestNonceCollisionRefused(t *testing.T) {
	h := newHarness(t, func(up transport.Channel) *Relay { return New("test", up) })
	a := h.page(t, "https://a.example")
	b := h.page(t, "https://b.example")

	require.NoError(t, a.Send(types.Envelope{Nonce: "same", Method: "moduleCall"}))
	receive(t, h.kernel)

	require.NoError(t, b.Send(types.Envelope{Nonce: "same", Method: "moduleCall"}))
	env := receive(t, b)
	assert.Contains(t, env.Err, ErrNonceCollision.Error())
	quiet(t, h.kernel)

	// The original owner still gets its answer.
	require.NoError(t, h.kernel.Send(types.Envelope{Nonce: "same", Method: types.MethodResponse, Data: "ok"}))
	assert.Equal(t, "ok", receive(t, a).Data)
}

func TestQueryUpdatesOnlyFromOwner(t *testing.T) {
	h := newHarness(t, func(up transport.Channel) *Relay { return New("test", up) })
	a := h.page(t, "https://a.example")
	b := h.page(t, "https://b.example")

	require.NoError(t, a.Send(types.Envelope{Nonce: "q", Method: "moduleCall"}))
	receive(t, h.kernel)

	require.NoError(t, b.Send(types.Envelope{Nonce: "q", Method: types.MethodQueryUpdate, Data: "hijack"}))
	quiet(t, h.kernel)

	require.NoError(t, a.Send(types.Envelope{Nonce: "q", Method: types.MethodQueryUpdate, Data: "more"}))
	assert.Equal(t, "more", receive(t, h.kernel).Data)
}

func TestBootloaderGate(t *testing.T) {
	h := newHarness(t, func(up transport.Channel) *Relay { return NewBootloader(up) })
	page := h.page(t, "https://page.example")

	require.NoError(t, page.Send(types.Envelope{Nonce: "1", Method: "version"}))
	quiet(t, h.kernel)

	h.relay.Open()
	h.relay.Open()
	assert.Equal(t, types.Nonce("1"), receive(t, h.kernel).Nonce)

	status := receive(t, page)
	assert.Equal(t, types.MethodKernelAuthStatus, status.Method)
	assert.Empty(t, status.Nonce)
	assert.Equal(t, map[string]any{"kernelLoaded": types.KernelLoadSuccess}, status.Data)
	quiet(t, page)
}

func TestStatusReachesLateDownstreams(t *testing.T) {
	h := newHarness(t, func(up transport.Channel) *Relay { return NewBootloader(up) })
	_, known := h.relay.Status()
	assert.False(t, known)

	h.relay.Announce(types.KernelStatus{KernelLoaded: "seed unavailable"})
	page := h.page(t, "https://page.example")

	env := receive(t, page)
	assert.Equal(t, types.MethodKernelAuthStatus, env.Method)
	assert.Equal(t, map[string]any{"kernelLoaded": "seed unavailable"}, env.Data)

	status, known := h.relay.Status()
	assert.True(t, known)
	assert.False(t, status.Loaded())
}

func TestStatusPassesDownTheChain(t *testing.T) {
	h := newHarness(t, func(up transport.Channel) *Relay { return NewBackground(up) })
	a := h.page(t, "https://a.example")
	b := h.page(t, "https://b.example")
	require.Eventually(t, func() bool { return h.relay.Downstreams() == 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, h.kernel.Send(types.Envelope{
		Method: types.MethodKernelAuthStatus,
		Data:   types.KernelStatus{KernelLoaded: types.KernelLoadSuccess},
	}))
	for _, page := range []transport.Channel{a, b} {
		env := receive(t, page)
		assert.Equal(t, types.MethodKernelAuthStatus, env.Method)
		assert.Equal(t, map[string]any{"kernelLoaded": types.KernelLoadSuccess}, env.Data)
	}

	status, known := h.relay.Status()
	require.True(t, known)
	assert.True(t, status.Loaded())

	// Malformed statuses are dropped.
	require.NoError(t, h.kernel.Send(types.Envelope{Method: types.MethodKernelAuthStatus, Data: "loaded"}))
	quiet(t, a)
}

func TestUpstreamLossClosesDownstreams(t *testing.T) {
	up, kernel := transport.NewPipe("relay", "kernel")
	r := New("test", up)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	down, page := transport.NewPipe("relay", "https://page.example")
	go func() { _ = r.Attach(ctx, down) }()
	require.Eventually(t, func() bool { return r.Downstreams() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, kernel.Close())

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, transport.ErrClosed))
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
	select {
	case <-page.Done():
	case <-time.After(time.Second):
		t.Fatal("downstream not closed")
	}
}

func TestDownstreamLossDropsRoutes(t *testing.T) {
	h := newHarness(t, func(up transport.Channel) *Relay { return New("test", up) })
	page := h.page(t, "https://page.example")

	require.NoError(t, page.Send(types.Envelope{Nonce: "1", Method: "moduleCall"}))
	receive(t, h.kernel)
	require.Equal(t, 1, h.relay.Routes())

	require.NoError(t, page.Close())
	require.Eventually(t, func() bool {
		return h.relay.Routes() == 0 && h.relay.Downstreams() == 0
	}, time.Second, 5*time.Millisecond)

	// The late answer goes nowhere and does not disturb the relay.
	require.NoError(t, h.kernel.Send(types.Envelope{Nonce: "1", Method: types.MethodResponse}))
}

func TestUpstreamQueriesDropped(t *testing.T) {
	h := newHarness(t, func(up transport.Channel) *Relay { return New("test", up) })
	page := h.page(t, "https://page.example")
	require.Eventually(t, func() bool { return h.relay.Downstreams() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, h.kernel.Send(types.Envelope{Nonce: "k1", Method: "presentSeed"}))
	quiet(t, page)
}
