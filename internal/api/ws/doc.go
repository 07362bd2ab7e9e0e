// Package ws is the websocket entry point for pages. Every connection gets
// its own bridge relay feeding the shared background relay, which stamps the
// page origin onto each query before it reaches the kernel.
package ws
