// Package transport normalizes the delivery mechanisms used between contexts
// into a single Channel abstraction.
//
// Implementations:
//   - Port: handle-based worker pipe, direct delivery, no origin checks
//   - WindowChannel: origin-scoped broadcast between Frames, messages with a
//     mismatched target origin vanish silently
//   - SocketChannel: JSON envelopes over a gorilla/websocket connection
//
// Every implementation has postMessage semantics: Send never waits for the
// peer, delivery order across different queries is not relied upon, and the
// inbox is closed once the peer is gone for good.
//
// Example Usage:
//
//	host, worker := transport.NewWorkerPipe(moduleID)
//	go transport.Serve(ctx, host, func(in transport.Inbound) {
//	    router.Dispatch(in)
//	})
//	worker.Send(types.Envelope{Nonce: "1", Method: types.MethodReady})
package transport
