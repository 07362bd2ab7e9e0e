// Package router dispatches inbound envelopes on a context's channels and
// tracks the active queries its handlers are answering.
package router
